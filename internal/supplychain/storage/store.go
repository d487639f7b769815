// Package storage defines the persistence port for batches, stages,
// finalizations and certificates.
//
// Conditional creates are the only mutual-exclusion mechanism the services
// rely on: every Create* returns ErrAlreadyExists when the keyed row is
// already present, across processes.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrConflict reports a compare-and-set whose expected state no longer holds.
	ErrConflict = errors.New("storage: conflict")
)

// BatchStore persists batches.
type BatchStore interface {
	CreateBatch(ctx context.Context, b domain.Batch) error
	GetBatch(ctx context.Context, id string) (domain.Batch, error)
}

// StageStore persists stage records. (batchID, stageType) is unique.
type StageStore interface {
	CreateStage(ctx context.Context, s domain.VerificationStage) error
	GetStage(ctx context.Context, id string) (domain.VerificationStage, error)
	GetStageByType(ctx context.Context, batchID string, t domain.StageType) (domain.VerificationStage, error)
	ListStages(ctx context.Context, batchID string) ([]domain.VerificationStage, error)
	// UpdateStageStatus moves a stage from one status to another only if it
	// still has status from; otherwise it returns ErrConflict.
	UpdateStageStatus(ctx context.Context, id string, from, to domain.StageStatus, reviewedBy string, reviewedAt time.Time, notes string) error
}

// FinalizationStore persists write-once finalization records keyed by batch.
type FinalizationStore interface {
	CreateFinalization(ctx context.Context, r domain.FinalizationRecord) error
	GetFinalization(ctx context.Context, batchID string) (domain.FinalizationRecord, error)
	// SetFinalizationAnchor fills the anchor reference once; a record that
	// already carries one is left unchanged.
	SetFinalizationAnchor(ctx context.Context, batchID, txID, eventID string) error
	ListUnanchoredFinalizations(ctx context.Context, limit int) ([]domain.FinalizationRecord, error)
}

// CertificateStore persists certificates keyed by id.
type CertificateStore interface {
	CreateCertificate(ctx context.Context, c domain.Certificate) error
	GetCertificate(ctx context.Context, id string) (domain.Certificate, error)
	ListCertificates(ctx context.Context, batchID string) ([]domain.Certificate, error)
	SetCertificateAnchor(ctx context.Context, id, txID, eventID string) error
	ListUnanchoredCertificates(ctx context.Context, limit int) ([]domain.Certificate, error)
}

// EvidenceStore persists the adjacent seal/temperature summaries.
type EvidenceStore interface {
	PutEvidence(ctx context.Context, e domain.Evidence) error
	GetEvidence(ctx context.Context, batchID string) (domain.Evidence, error)
}

// Store is the full durable store consumed by the services.
type Store interface {
	BatchStore
	StageStore
	FinalizationStore
	CertificateStore
	EvidenceStore
	Close() error
}
