package memory

import (
	"testing"

	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return New() })
}
