package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory("traceability")
	m.now = func() time.Time { return now }

	key := m.GenerateKey("history", "B1")
	if key != "traceability:history:B1" {
		t.Fatalf("key = %q", key)
	}
	if _, err := m.Get(ctx, key); !errors.Is(err, ErrMiss) {
		t.Fatalf("err = %v, want miss", err)
	}

	if err := m.Set(ctx, key, []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := m.Get(ctx, key)
	if err != nil || string(got) != "v1" {
		t.Fatalf("get = %q, %v", got, err)
	}

	now = now.Add(time.Minute)
	if _, err := m.Get(ctx, key); !errors.Is(err, ErrMiss) {
		t.Fatalf("expired err = %v", err)
	}

	if err := m.Set(ctx, key, []byte("forever"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	now = now.Add(24 * time.Hour)
	if got, err := m.Get(ctx, key); err != nil || string(got) != "forever" {
		t.Fatalf("no-ttl get = %q, %v", got, err)
	}
}
