// Package finalization freezes a fully approved stage timeline into a hashed,
// write-once record and anchors the hash on the ledger.
//
// The stored hash is authoritative. Anchoring runs after the record is
// persisted and its failure only leaves the anchor reference empty for the
// reconciler to fill later.
package finalization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcmexdev/agri-traceability/internal/anchor"
	"github.com/jcmexdev/agri-traceability/internal/pkg/apperr"
	"github.com/jcmexdev/agri-traceability/internal/pkg/canonical"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage"
)

// SchemaVersion is embedded in every finalization payload.
const SchemaVersion = 1

// DefaultAnchorTimeout bounds the best-effort anchoring step.
const DefaultAnchorTimeout = 30 * time.Second

// Store is the persistence the engine needs.
type Store interface {
	storage.BatchStore
	storage.StageStore
	storage.FinalizationStore
}

// Payload is the canonical document that is hashed.
type Payload struct {
	SchemaVersion int            `json:"schemaVersion"`
	BatchID       string         `json:"batchId"`
	FinalizedAt   string         `json:"finalizedAt"`
	Stages        []StageSummary `json:"stages"`
}

// StageSummary is one stage as it appears in a finalization payload.
type StageSummary struct {
	StageType   domain.StageType    `json:"stageType"`
	Status      domain.StageStatus  `json:"status"`
	ActorID     string              `json:"actorId"`
	Timestamp   string              `json:"timestamp"`
	Location    string              `json:"location,omitempty"`
	Coordinates *domain.Coordinates `json:"coordinates,omitempty"`
}

// Result is returned by Finalize.
type Result struct {
	Record domain.FinalizationRecord
	// AnchorError is set when anchoring failed; the record is still valid.
	AnchorError error
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAnchorTimeout bounds each anchoring call.
func WithAnchorTimeout(d time.Duration) Option {
	return func(e *Engine) { e.anchorTimeout = d }
}

// Engine implements finalization. anchorer may be nil, in which case every
// record stays unanchored until reconciled.
type Engine struct {
	store         Store
	anchorer      anchor.Anchorer
	now           func() time.Time
	anchorTimeout time.Duration
}

// New builds an Engine.
func New(store Store, anchorer anchor.Anchorer, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		anchorer:      anchorer,
		now:           time.Now,
		anchorTimeout: DefaultAnchorTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsReadyForFinalization reports whether the batch has exactly one record
// per stage type and every record is APPROVED.
func (e *Engine) IsReadyForFinalization(ctx context.Context, batchID string) (bool, error) {
	stages, err := e.stages(ctx, batchID)
	if err != nil {
		return false, err
	}
	return domain.AllApproved(stages), nil
}

// Finalize hashes the batch's approved timeline, persists the record and
// anchors it. Of concurrent callers exactly one succeeds; the rest get
// BATCH_ALREADY_FINALIZED.
func (e *Engine) Finalize(ctx context.Context, batchID string) (*Result, error) {
	if _, err := e.store.GetFinalization(ctx, batchID); err == nil {
		return nil, alreadyFinalized(batchID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Wrap("get finalization", err)
	}

	stages, err := e.stages(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !domain.AllApproved(stages) {
		missing := domain.Missing(domain.StageOrder, domain.ApprovedSet(stages))
		return nil, apperr.Conflict(apperr.CodeBatchNotReady,
			fmt.Sprintf("batch is not ready for finalization: %s not approved", domain.JoinStages(missing))).
			WithMetadata("batch_id", batchID).
			WithMetadata("missing_stages", domain.JoinStages(missing))
	}

	finalizedAt := e.now().UTC()
	hash, payload, err := canonical.SumObject(BuildPayload(batchID, finalizedAt, stages))
	if err != nil {
		return nil, apperr.Wrap("encode finalization payload", err)
	}

	rec := domain.FinalizationRecord{
		BatchID:     batchID,
		ContentHash: hash,
		Payload:     payload,
		FinalizedAt: finalizedAt,
	}
	if err := e.store.CreateFinalization(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, alreadyFinalized(batchID)
		}
		return nil, apperr.Wrap("create finalization", err)
	}
	slog.InfoContext(ctx, "batch finalized", "batch_id", batchID, "content_hash", hash)

	res := &Result{Record: rec}
	txID, eventID, err := e.anchor(ctx, batchID, hash, stages)
	if err != nil {
		res.AnchorError = err
		return res, nil
	}
	res.Record.AnchorTxID = txID
	res.Record.AnchorEventID = eventID
	return res, nil
}

// GetFinalization returns the stored record.
func (e *Engine) GetFinalization(ctx context.Context, batchID string) (domain.FinalizationRecord, error) {
	rec, err := e.store.GetFinalization(ctx, batchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.FinalizationRecord{}, apperr.NotFound(apperr.CodeFinalizationNotFound, "batch is not finalized").
				WithMetadata("batch_id", batchID)
		}
		return domain.FinalizationRecord{}, apperr.Wrap("get finalization", err)
	}
	return rec, nil
}

// anchor submits the hash and records the reference. Errors are logged and
// returned for the caller to report, never to fail on.
func (e *Engine) anchor(ctx context.Context, batchID, hash string, stages []domain.VerificationStage) (string, string, error) {
	if e.anchorer == nil {
		return "", "", nil
	}
	// The record already exists; a client disconnect must not abandon the anchor.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.anchorTimeout)
	defer cancel()

	res, err := e.anchorer.Anchor(actx, anchor.Request{
		EventType:   anchor.EventTypeFinalization,
		BatchID:     batchID,
		Location:    anchor.LocationFrom(domain.LatestCoordinates(stages)),
		ContentHash: hash,
	})
	if err != nil {
		slog.WarnContext(ctx, "finalization anchor pending",
			"batch_id", batchID, "retryable", apperr.IsRetryable(err), "error", err)
		return "", "", err
	}
	if res.TxID == "" {
		slog.WarnContext(ctx, "finalization anchor has no matching ledger event", "batch_id", batchID)
		return "", "", nil
	}
	if err := e.store.SetFinalizationAnchor(actx, batchID, res.TxID, res.EventID); err != nil {
		slog.ErrorContext(ctx, "failed to record finalization anchor",
			"batch_id", batchID, "tx_id", res.TxID, "error", err)
		return "", "", err
	}
	return res.TxID, res.EventID, nil
}

func (e *Engine) stages(ctx context.Context, batchID string) ([]domain.VerificationStage, error) {
	if _, err := e.store.GetBatch(ctx, batchID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound(apperr.CodeBatchNotFound, "batch not found").WithMetadata("batch_id", batchID)
		}
		return nil, apperr.Wrap("get batch", err)
	}
	stages, err := e.store.ListStages(ctx, batchID)
	if err != nil {
		return nil, apperr.Wrap("list stages", err)
	}
	domain.SortStages(stages)
	return stages, nil
}

// BuildPayload assembles the finalization document for stages in canonical
// order. Timestamps are RFC 3339 with nanoseconds in UTC.
func BuildPayload(batchID string, finalizedAt time.Time, stages []domain.VerificationStage) Payload {
	ordered := make([]domain.VerificationStage, len(stages))
	copy(ordered, stages)
	domain.SortStages(ordered)

	p := Payload{
		SchemaVersion: SchemaVersion,
		BatchID:       batchID,
		FinalizedAt:   finalizedAt.UTC().Format(time.RFC3339Nano),
		Stages:        make([]StageSummary, 0, len(ordered)),
	}
	for _, s := range ordered {
		p.Stages = append(p.Stages, StageSummary{
			StageType:   s.StageType,
			Status:      s.Status,
			ActorID:     s.ActorID,
			Timestamp:   s.Timestamp.UTC().Format(time.RFC3339Nano),
			Location:    s.Location,
			Coordinates: s.Coordinates,
		})
	}
	return p
}

func alreadyFinalized(batchID string) error {
	return apperr.Conflict(apperr.CodeBatchAlreadyFinalized, "batch is already finalized").
		WithMetadata("batch_id", batchID)
}
