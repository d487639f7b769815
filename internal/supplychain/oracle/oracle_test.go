package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/jcmexdev/agri-traceability/internal/anchor"
	"github.com/jcmexdev/agri-traceability/internal/anchor/anchortest"
	"github.com/jcmexdev/agri-traceability/internal/pkg/apperr"
	"github.com/jcmexdev/agri-traceability/internal/pkg/cache"
	"github.com/jcmexdev/agri-traceability/internal/pkg/canonical"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage/memory"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage/storagetest"
)

type stubVerifier struct{ calls int }

func (s *stubVerifier) Verify(_ context.Context, id string) (domain.CertificateVerification, error) {
	s.calls++
	return domain.CertificateVerification{CertificateID: id, IsValid: true}, nil
}

func finalize(t *testing.T, store *memory.Store, fake *anchortest.Fake, batchID string) domain.FinalizationRecord {
	t.Helper()
	ctx := context.Background()
	storagetest.SeedBatch(t, store, batchID)
	payload := []byte(`{"batchId":"` + batchID + `","schemaVersion":1}`)
	rec := domain.FinalizationRecord{
		BatchID:     batchID,
		ContentHash: canonical.Hash(payload),
		Payload:     payload,
		FinalizedAt: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := store.CreateFinalization(ctx, rec); err != nil {
		t.Fatalf("create finalization: %v", err)
	}
	if fake != nil {
		if _, err := fake.Anchor(ctx, anchor.Request{
			EventType: anchor.EventTypeFinalization, BatchID: batchID, ContentHash: rec.ContentHash,
		}); err != nil {
			t.Fatalf("anchor: %v", err)
		}
	}
	return rec
}

func TestHistoryFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fake := &anchortest.Fake{}
	finalize(t, store, fake, "B1")
	o := New(store, fake, &stubVerifier{}, WithCache(cache.NewMemory("test"), time.Hour))

	h := o.GetBatchHistory(ctx, "B1")
	if h.Source != SourceLedger || len(h.Events) != 1 {
		t.Fatalf("history = %+v", h)
	}

	fake.SetHistoryErr(apperr.Ledger(apperr.CodeLedgerUnavailable, "down", true, anchor.ErrUnavailable))
	h = o.GetBatchHistory(ctx, "B1")
	if h.Source != SourceCache || len(h.Events) != 1 || h.Events[0].BatchID != "B1" {
		t.Fatalf("cached history = %+v", h)
	}

	h = o.GetBatchHistory(ctx, "B9")
	if h.Source != SourceNone || h.Events == nil || len(h.Events) != 0 {
		t.Fatalf("empty history = %+v", h)
	}
}

func TestHistoryWithoutLedgerOrCache(t *testing.T) {
	o := New(memory.New(), nil, &stubVerifier{})
	h := o.GetBatchHistory(context.Background(), "B1")
	if h.Source != SourceNone || len(h.Events) != 0 {
		t.Fatalf("history = %+v", h)
	}
}

func TestVerifyBatch(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fake := &anchortest.Fake{}
	rec := finalize(t, store, fake, "B1")
	o := New(store, fake, &stubVerifier{})

	v, err := o.VerifyBatch(ctx, "B1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.IsValid || !v.HashMatches || !v.AnchorSeen || v.StoredHash != rec.ContentHash || v.HistorySource != SourceLedger {
		t.Fatalf("verification = %+v", v)
	}

	// A ledger outage leaves the hash check intact.
	fake.SetHistoryErr(anchor.ErrUnavailable)
	v, err = o.VerifyBatch(ctx, "B1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.IsValid || v.AnchorSeen || v.HistorySource != SourceNone {
		t.Fatalf("verification during outage = %+v", v)
	}

	_, err = o.VerifyBatch(ctx, "missing")
	if apperr.GetCode(err) != apperr.CodeFinalizationNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestVerifyBatchUnanchored(t *testing.T) {
	store := memory.New()
	finalize(t, store, nil, "B1")
	o := New(store, &anchortest.Fake{}, &stubVerifier{})

	v, err := o.VerifyBatch(context.Background(), "B1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.IsValid || v.AnchorSeen {
		t.Fatalf("verification = %+v", v)
	}
}

func TestVerifyCertificateDelegates(t *testing.T) {
	stub := &stubVerifier{}
	o := New(memory.New(), nil, stub)
	v, err := o.VerifyCertificate(context.Background(), "c1")
	if err != nil || !v.IsValid || stub.calls != 1 {
		t.Fatalf("v = %+v, err = %v, calls = %d", v, err, stub.calls)
	}
}
