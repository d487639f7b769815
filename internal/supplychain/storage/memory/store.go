// Package memory provides an in-memory storage.Store used by tests and
// single-process development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage"
)

var _ storage.Store = (*Store)(nil)

type stageKey struct {
	batchID   string
	stageType domain.StageType
}

// Store keeps every record in maps guarded by a single RWMutex.
type Store struct {
	mu            sync.RWMutex
	batches       map[string]domain.Batch
	stages        map[string]domain.VerificationStage
	stagesByType  map[stageKey]string
	finalizations map[string]domain.FinalizationRecord
	certificates  map[string]domain.Certificate
	evidence      map[string]domain.Evidence
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		batches:       make(map[string]domain.Batch),
		stages:        make(map[string]domain.VerificationStage),
		stagesByType:  make(map[stageKey]string),
		finalizations: make(map[string]domain.FinalizationRecord),
		certificates:  make(map[string]domain.Certificate),
		evidence:      make(map[string]domain.Evidence),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateBatch(ctx context.Context, b domain.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.batches[b.ID] = b
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	if err := ctx.Err(); err != nil {
		return domain.Batch{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return domain.Batch{}, storage.ErrNotFound
	}
	return b, nil
}

func (s *Store) CreateStage(ctx context.Context, st domain.VerificationStage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stageKey{st.BatchID, st.StageType}
	if _, ok := s.stagesByType[key]; ok {
		return storage.ErrAlreadyExists
	}
	if _, ok := s.stages[st.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.stages[st.ID] = cloneStage(st)
	s.stagesByType[key] = st.ID
	return nil
}

func (s *Store) GetStage(ctx context.Context, id string) (domain.VerificationStage, error) {
	if err := ctx.Err(); err != nil {
		return domain.VerificationStage{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stages[id]
	if !ok {
		return domain.VerificationStage{}, storage.ErrNotFound
	}
	return cloneStage(st), nil
}

func (s *Store) GetStageByType(ctx context.Context, batchID string, t domain.StageType) (domain.VerificationStage, error) {
	if err := ctx.Err(); err != nil {
		return domain.VerificationStage{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.stagesByType[stageKey{batchID, t}]
	if !ok {
		return domain.VerificationStage{}, storage.ErrNotFound
	}
	return cloneStage(s.stages[id]), nil
}

func (s *Store) ListStages(ctx context.Context, batchID string) ([]domain.VerificationStage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.VerificationStage
	for _, st := range domain.StageOrder {
		if id, ok := s.stagesByType[stageKey{batchID, st}]; ok {
			out = append(out, cloneStage(s.stages[id]))
		}
	}
	return out, nil
}

func (s *Store) UpdateStageStatus(ctx context.Context, id string, from, to domain.StageStatus, reviewedBy string, reviewedAt time.Time, notes string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stages[id]
	if !ok {
		return storage.ErrNotFound
	}
	if st.Status != from {
		return storage.ErrConflict
	}
	st.Status = to
	st.ReviewedBy = reviewedBy
	at := reviewedAt.UTC()
	st.ReviewedAt = &at
	if notes != "" {
		st.Notes = notes
	}
	s.stages[id] = st
	return nil
}

func (s *Store) CreateFinalization(ctx context.Context, r domain.FinalizationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.finalizations[r.BatchID]; ok {
		return storage.ErrAlreadyExists
	}
	r.Payload = append([]byte(nil), r.Payload...)
	s.finalizations[r.BatchID] = r
	return nil
}

func (s *Store) GetFinalization(ctx context.Context, batchID string) (domain.FinalizationRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.FinalizationRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.finalizations[batchID]
	if !ok {
		return domain.FinalizationRecord{}, storage.ErrNotFound
	}
	r.Payload = append([]byte(nil), r.Payload...)
	return r, nil
}

func (s *Store) SetFinalizationAnchor(ctx context.Context, batchID, txID, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.finalizations[batchID]
	if !ok {
		return storage.ErrNotFound
	}
	if r.AnchorTxID != "" {
		return nil
	}
	r.AnchorTxID = txID
	r.AnchorEventID = eventID
	s.finalizations[batchID] = r
	return nil
}

func (s *Store) ListUnanchoredFinalizations(ctx context.Context, limit int) ([]domain.FinalizationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.FinalizationRecord
	for _, r := range s.finalizations {
		if r.AnchorTxID == "" {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinalizedAt.Before(out[j].FinalizedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateCertificate(ctx context.Context, c domain.Certificate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.certificates[c.ID]; ok {
		return storage.ErrAlreadyExists
	}
	c.PayloadSnapshot = append([]byte(nil), c.PayloadSnapshot...)
	s.certificates[c.ID] = c
	return nil
}

func (s *Store) GetCertificate(ctx context.Context, id string) (domain.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return domain.Certificate{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certificates[id]
	if !ok {
		return domain.Certificate{}, storage.ErrNotFound
	}
	c.PayloadSnapshot = append([]byte(nil), c.PayloadSnapshot...)
	return c, nil
}

func (s *Store) ListCertificates(ctx context.Context, batchID string) ([]domain.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Certificate
	for _, c := range s.certificates {
		if c.BatchID == batchID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidFrom.Before(out[j].ValidFrom) })
	return out, nil
}

func (s *Store) SetCertificateAnchor(ctx context.Context, id, txID, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certificates[id]
	if !ok {
		return storage.ErrNotFound
	}
	if c.AnchorTxID != "" {
		return nil
	}
	c.AnchorTxID = txID
	c.AnchorEventID = eventID
	s.certificates[id] = c
	return nil
}

func (s *Store) ListUnanchoredCertificates(ctx context.Context, limit int) ([]domain.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Certificate
	for _, c := range s.certificates {
		if c.AnchorTxID == "" {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidFrom.Before(out[j].ValidFrom) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PutEvidence(ctx context.Context, e domain.Evidence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.evidence[e.BatchID]; ok {
		if e.Seal == nil {
			e.Seal = prev.Seal
		}
		if e.Temperature == nil {
			e.Temperature = prev.Temperature
		}
	}
	s.evidence[e.BatchID] = e
	return nil
}

func (s *Store) GetEvidence(ctx context.Context, batchID string) (domain.Evidence, error) {
	if err := ctx.Err(); err != nil {
		return domain.Evidence{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.evidence[batchID]
	if !ok {
		return domain.Evidence{}, storage.ErrNotFound
	}
	return e, nil
}

func cloneStage(st domain.VerificationStage) domain.VerificationStage {
	if st.Coordinates != nil {
		c := *st.Coordinates
		st.Coordinates = &c
	}
	if st.ReviewedAt != nil {
		t := *st.ReviewedAt
		st.ReviewedAt = &t
	}
	return st
}
