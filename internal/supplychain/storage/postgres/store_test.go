package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage/storagetest"
)

// The contract runs only against a disposable database, because each subtest
// truncates every table.
func TestStoreContract(t *testing.T) {
	dsn := os.Getenv("TRACEABILITY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TRACEABILITY_TEST_DATABASE_URL not set")
	}

	storagetest.Run(t, func(t *testing.T) storage.Store {
		ctx := context.Background()
		store, err := Open(ctx, dsn)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := store.pool.Exec(ctx, `TRUNCATE evidence, certificates, finalizations, stages, batches`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected dsn error")
	}
}
