// Package stages owns batches and their ordered verification stage records.
//
// A batch's stages are filled in canonical order: the next record always
// occupies the slot after the latest APPROVED stage, unless an
// override-privileged actor places it elsewhere. Status changes follow the
// table in domain.CanTransition and are applied as a compare-and-set so two
// reviewers can never both win.
package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/agri-traceability/internal/pkg/apperr"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage"
)

// Store is the persistence the ledger needs.
type Store interface {
	storage.BatchStore
	storage.StageStore
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator overrides the uuid generator used for new records.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

// Ledger implements the stage operations on top of a Store.
type Ledger struct {
	store Store
	now   func() time.Time
	newID func() string
}

// New builds a Ledger.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateBatch registers a new batch. An empty ID is replaced by a uuid.
func (l *Ledger) CreateBatch(ctx context.Context, b domain.Batch) (domain.Batch, error) {
	b.ID = strings.TrimSpace(b.ID)
	if b.ID == "" {
		b.ID = l.newID()
	}
	if strings.TrimSpace(b.ProducerID) == "" {
		return domain.Batch{}, apperr.Validation(apperr.CodeInvalidArgument, "producer id is required")
	}
	if strings.TrimSpace(b.Product) == "" {
		return domain.Batch{}, apperr.Validation(apperr.CodeInvalidArgument, "product is required")
	}
	if b.NetWeightGrams < 0 {
		return domain.Batch{}, apperr.Validation(apperr.CodeInvalidArgument, "net weight must not be negative")
	}
	if b.HarvestedOn != "" {
		if _, err := time.Parse(time.DateOnly, b.HarvestedOn); err != nil {
			return domain.Batch{}, apperr.Validation(apperr.CodeInvalidArgument, "harvestedOn must be YYYY-MM-DD")
		}
	}
	b.CreatedAt = l.now().UTC()

	if err := l.store.CreateBatch(ctx, b); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return domain.Batch{}, apperr.Conflict(apperr.CodeBatchAlreadyExists, "batch already exists").
				WithMetadata("batch_id", b.ID)
		}
		return domain.Batch{}, apperr.Wrap("create batch", err)
	}
	slog.InfoContext(ctx, "batch created", "batch_id", b.ID, "producer_id", b.ProducerID)
	return b, nil
}

// GetBatch returns a batch or a NotFound error.
func (l *Ledger) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	b, err := l.store.GetBatch(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Batch{}, batchNotFound(id)
		}
		return domain.Batch{}, apperr.Wrap("get batch", err)
	}
	return b, nil
}

// CreateNextStage creates the record for the slot after the latest APPROVED
// stage.
func (l *Ledger) CreateNextStage(ctx context.Context, batchID string, actor domain.Actor, in domain.StageInput) (domain.VerificationStage, error) {
	existing, err := l.loadStages(ctx, batchID)
	if err != nil {
		return domain.VerificationStage{}, err
	}
	next, ok := domain.NextSlot(existing)
	if !ok {
		return domain.VerificationStage{}, apperr.Validation(apperr.CodeBatchComplete, "every stage of the batch is already approved").
			WithMetadata("batch_id", batchID)
	}
	return l.create(ctx, batchID, next, actor, in, existing)
}

// CreateSpecificStage creates the record for stageType. Anything other than
// the next slot requires override by an override-privileged actor.
func (l *Ledger) CreateSpecificStage(ctx context.Context, batchID string, stageType domain.StageType, actor domain.Actor, override bool, in domain.StageInput) (domain.VerificationStage, error) {
	if stageType.Index() < 0 {
		return domain.VerificationStage{}, apperr.Validation(apperr.CodeInvalidStageType,
			fmt.Sprintf("unknown stage type %q", stageType))
	}
	if override && !domain.CanOverride(actor.Role) {
		return domain.VerificationStage{}, apperr.Authorization(apperr.CodeOverrideNotPermitted,
			fmt.Sprintf("role %s may not override stage order", actor.Role))
	}

	existing, err := l.loadStages(ctx, batchID)
	if err != nil {
		return domain.VerificationStage{}, err
	}
	if !override {
		next, ok := domain.NextSlot(existing)
		if !ok {
			return domain.VerificationStage{}, apperr.Validation(apperr.CodeBatchComplete, "every stage of the batch is already approved").
				WithMetadata("batch_id", batchID)
		}
		if next != stageType {
			return domain.VerificationStage{}, apperr.Validation(apperr.CodeStageOutOfOrder,
				fmt.Sprintf("next stage is %s, not %s", next, stageType)).
				WithMetadata("expected", string(next))
		}
	}
	return l.create(ctx, batchID, stageType, actor, in, existing)
}

func (l *Ledger) create(ctx context.Context, batchID string, st domain.StageType, actor domain.Actor, in domain.StageInput, existing []domain.VerificationStage) (domain.VerificationStage, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return domain.VerificationStage{}, apperr.Validation(apperr.CodeInvalidArgument, "actor id is required")
	}
	if !domain.CanCreate(actor.Role, st) {
		return domain.VerificationStage{}, apperr.Authorization(apperr.CodeRoleNotPermitted,
			fmt.Sprintf("role %s may not create %s", actor.Role, st))
	}
	for _, s := range existing {
		if s.StageType == st {
			return domain.VerificationStage{}, stageExists(batchID, st)
		}
	}

	status := domain.StatusPending
	if domain.IsSystem(actor.Role) {
		status = domain.StatusApproved
	}
	rec := domain.VerificationStage{
		ID:          l.newID(),
		BatchID:     batchID,
		StageType:   st,
		Status:      status,
		ActorID:     actor.ID,
		ActorRole:   actor.Role,
		Timestamp:   l.now().UTC(),
		Location:    in.Location,
		Coordinates: in.Coordinates,
		Notes:       in.Notes,
		EvidenceRef: in.EvidenceRef,
	}
	if err := l.store.CreateStage(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return domain.VerificationStage{}, stageExists(batchID, st)
		}
		return domain.VerificationStage{}, apperr.Wrap("create stage", err)
	}
	slog.InfoContext(ctx, "stage created",
		"batch_id", batchID, "stage_type", st, "status", status, "actor_id", actor.ID, "actor_role", actor.Role)
	return rec, nil
}

// Transition moves stage stageID to status to.
func (l *Ledger) Transition(ctx context.Context, stageID string, to domain.StageStatus, actor domain.Actor, notes string) (domain.VerificationStage, error) {
	rec, err := l.store.GetStage(ctx, stageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.VerificationStage{}, apperr.NotFound(apperr.CodeStageNotFound, "stage not found").
				WithMetadata("stage_id", stageID)
		}
		return domain.VerificationStage{}, apperr.Wrap("get stage", err)
	}
	return l.transition(ctx, rec, to, actor, notes)
}

// Approve, Reject and Flag resolve the stage by (batch, type) then transition it.
func (l *Ledger) Approve(ctx context.Context, batchID string, st domain.StageType, actor domain.Actor, notes string) (domain.VerificationStage, error) {
	return l.review(ctx, batchID, st, domain.StatusApproved, actor, notes)
}

func (l *Ledger) Reject(ctx context.Context, batchID string, st domain.StageType, actor domain.Actor, notes string) (domain.VerificationStage, error) {
	return l.review(ctx, batchID, st, domain.StatusRejected, actor, notes)
}

func (l *Ledger) Flag(ctx context.Context, batchID string, st domain.StageType, actor domain.Actor, notes string) (domain.VerificationStage, error) {
	return l.review(ctx, batchID, st, domain.StatusFlagged, actor, notes)
}

func (l *Ledger) review(ctx context.Context, batchID string, st domain.StageType, to domain.StageStatus, actor domain.Actor, notes string) (domain.VerificationStage, error) {
	if st.Index() < 0 {
		return domain.VerificationStage{}, apperr.Validation(apperr.CodeInvalidStageType,
			fmt.Sprintf("unknown stage type %q", st))
	}
	rec, err := l.store.GetStageByType(ctx, batchID, st)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.VerificationStage{}, apperr.NotFound(apperr.CodeStageNotFound,
				fmt.Sprintf("batch has no %s stage", st)).WithMetadata("batch_id", batchID)
		}
		return domain.VerificationStage{}, apperr.Wrap("get stage", err)
	}
	return l.transition(ctx, rec, to, actor, notes)
}

func (l *Ledger) transition(ctx context.Context, rec domain.VerificationStage, to domain.StageStatus, actor domain.Actor, notes string) (domain.VerificationStage, error) {
	if !domain.CanApprove(actor.Role, rec.StageType) {
		return domain.VerificationStage{}, apperr.Authorization(apperr.CodeRoleNotPermitted,
			fmt.Sprintf("role %s may not review %s", actor.Role, rec.StageType))
	}
	if !domain.CanTransition(rec.Status, to) {
		return domain.VerificationStage{}, apperr.Validation(apperr.CodeInvalidStatusTransition,
			fmt.Sprintf("cannot move %s stage from %s to %s", rec.StageType, rec.Status, to))
	}

	at := l.now().UTC()
	if err := l.store.UpdateStageStatus(ctx, rec.ID, rec.Status, to, actor.ID, at, notes); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return domain.VerificationStage{}, apperr.Conflict(apperr.CodeStageStatusChanged,
				"stage status changed concurrently").WithMetadata("stage_id", rec.ID)
		}
		return domain.VerificationStage{}, apperr.Wrap("update stage status", err)
	}

	slog.InfoContext(ctx, "stage reviewed",
		"batch_id", rec.BatchID, "stage_type", rec.StageType, "from", rec.Status, "to", to, "actor_id", actor.ID)
	rec.Status = to
	rec.ReviewedBy = actor.ID
	rec.ReviewedAt = &at
	if notes != "" {
		rec.Notes = notes
	}
	return rec, nil
}

// GetBatchStages returns the ordered stage view of a batch.
func (l *Ledger) GetBatchStages(ctx context.Context, batchID string) (domain.BatchStages, error) {
	stages, err := l.loadStages(ctx, batchID)
	if err != nil {
		return domain.BatchStages{}, err
	}
	return domain.Summarize(batchID, stages), nil
}

func (l *Ledger) loadStages(ctx context.Context, batchID string) ([]domain.VerificationStage, error) {
	if _, err := l.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	stages, err := l.store.ListStages(ctx, batchID)
	if err != nil {
		return nil, apperr.Wrap("list stages", err)
	}
	return stages, nil
}

func batchNotFound(id string) error {
	return apperr.NotFound(apperr.CodeBatchNotFound, "batch not found").WithMetadata("batch_id", id)
}

func stageExists(batchID string, st domain.StageType) error {
	return apperr.Conflict(apperr.CodeStageAlreadyExists,
		fmt.Sprintf("batch already has a %s stage", st)).
		WithMetadata("batch_id", batchID).
		WithMetadata("stage_type", string(st))
}
