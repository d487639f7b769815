// Package storagetest holds the behaviour every storage.Store adapter must
// share. Adapter packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Store

// Run executes the shared store contract against factory.
func Run(t *testing.T, factory Factory) {
	t.Run("BatchRoundTripAndDuplicate", func(t *testing.T) { testBatch(t, factory(t)) })
	t.Run("StageUniquePerBatchAndType", func(t *testing.T) { testStageUnique(t, factory(t)) })
	t.Run("StageStatusCompareAndSet", func(t *testing.T) { testStageCAS(t, factory(t)) })
	t.Run("FinalizationWriteOnce", func(t *testing.T) { testFinalization(t, factory(t)) })
	t.Run("ConcurrentFinalizationCreate", func(t *testing.T) { testConcurrentFinalization(t, factory(t)) })
	t.Run("CertificateAnchorFill", func(t *testing.T) { testCertificate(t, factory(t)) })
	t.Run("EvidenceMerge", func(t *testing.T) { testEvidence(t, factory(t)) })
}

var base = time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)

// SeedBatch creates a batch with id.
func SeedBatch(t *testing.T, s storage.Store, id string) domain.Batch {
	t.Helper()
	b := domain.Batch{
		ID:             id,
		ProducerID:     "farm-7",
		Product:        "avocado",
		Variety:        "hass",
		OriginRegion:   "Michoacan",
		NetWeightGrams: 1_250_000,
		HarvestedOn:    "2026-03-01",
		CreatedAt:      base,
	}
	if err := s.CreateBatch(context.Background(), b); err != nil {
		t.Fatalf("create batch %s: %v", id, err)
	}
	return b
}

func testBatch(t *testing.T, s storage.Store) {
	ctx := context.Background()
	want := SeedBatch(t, s, "B1")
	got, err := s.GetBatch(ctx, "B1")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got != want {
		t.Fatalf("batch = %+v, want %+v", got, want)
	}
	if err := s.CreateBatch(ctx, want); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("duplicate batch err = %v, want ErrAlreadyExists", err)
	}
	if _, err := s.GetBatch(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing batch err = %v, want ErrNotFound", err)
	}
}

func stage(id, batchID string, st domain.StageType) domain.VerificationStage {
	return domain.VerificationStage{
		ID:          id,
		BatchID:     batchID,
		StageType:   st,
		Status:      domain.StatusPending,
		ActorID:     "actor-1",
		ActorRole:   domain.RoleFarmer,
		Timestamp:   base,
		Location:    "Uruapan",
		Coordinates: &domain.Coordinates{LatE6: 19_411_000, LngE6: -102_056_000},
	}
}

func testStageUnique(t *testing.T, s storage.Store) {
	ctx := context.Background()
	SeedBatch(t, s, "B1")
	if err := s.CreateStage(ctx, stage("s1", "B1", domain.StagePacking)); err != nil {
		t.Fatalf("create packing: %v", err)
	}
	if err := s.CreateStage(ctx, stage("s0", "B1", domain.StageHarvest)); err != nil {
		t.Fatalf("create harvest: %v", err)
	}
	err := s.CreateStage(ctx, stage("s2", "B1", domain.StageHarvest))
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("duplicate stage err = %v, want ErrAlreadyExists", err)
	}

	list, err := s.ListStages(ctx, "B1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].StageType != domain.StageHarvest || list[1].StageType != domain.StagePacking {
		t.Fatalf("list not in canonical order: %+v", list)
	}
	if list[0].Coordinates == nil || list[0].Coordinates.LatE6 != 19_411_000 {
		t.Fatalf("coordinates lost: %+v", list[0].Coordinates)
	}
	got, err := s.GetStageByType(ctx, "B1", domain.StagePacking)
	if err != nil || got.ID != "s1" {
		t.Fatalf("get by type = %+v, %v", got, err)
	}
	if _, err := s.GetStage(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing stage err = %v", err)
	}
}

func testStageCAS(t *testing.T, s storage.Store) {
	ctx := context.Background()
	SeedBatch(t, s, "B1")
	if err := s.CreateStage(ctx, stage("s1", "B1", domain.StageHarvest)); err != nil {
		t.Fatalf("create: %v", err)
	}
	at := base.Add(time.Hour)
	if err := s.UpdateStageStatus(ctx, "s1", domain.StatusPending, domain.StatusApproved, "insp-1", at, "ok"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	err := s.UpdateStageStatus(ctx, "s1", domain.StatusPending, domain.StatusRejected, "insp-2", at, "")
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale update err = %v, want ErrConflict", err)
	}
	got, err := s.GetStage(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusApproved || got.ReviewedBy != "insp-1" || got.Notes != "ok" {
		t.Fatalf("stage = %+v", got)
	}
	if got.ReviewedAt == nil || !got.ReviewedAt.Equal(at) {
		t.Fatalf("reviewed at = %v, want %v", got.ReviewedAt, at)
	}
	err = s.UpdateStageStatus(ctx, "missing", domain.StatusPending, domain.StatusApproved, "x", at, "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing update err = %v, want ErrNotFound", err)
	}
}

func testFinalization(t *testing.T, s storage.Store) {
	ctx := context.Background()
	SeedBatch(t, s, "B1")
	rec := domain.FinalizationRecord{BatchID: "B1", ContentHash: "sha256:aa", Payload: []byte(`{"a":1}`), FinalizedAt: base}
	if err := s.CreateFinalization(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateFinalization(ctx, rec); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("second create err = %v, want ErrAlreadyExists", err)
	}
	pending, err := s.ListUnanchoredFinalizations(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("unanchored = %v, %v", pending, err)
	}
	if err := s.SetFinalizationAnchor(ctx, "B1", "tx-1", "7"); err != nil {
		t.Fatalf("set anchor: %v", err)
	}
	if err := s.SetFinalizationAnchor(ctx, "B1", "tx-2", "8"); err != nil {
		t.Fatalf("second set anchor: %v", err)
	}
	got, err := s.GetFinalization(ctx, "B1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AnchorTxID != "tx-1" || got.AnchorEventID != "7" || string(got.Payload) != `{"a":1}` {
		t.Fatalf("record = %+v", got)
	}
	pending, _ = s.ListUnanchoredFinalizations(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("expected no unanchored records, got %d", len(pending))
	}
	if err := s.SetFinalizationAnchor(ctx, "missing", "tx", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing anchor err = %v", err)
	}
}

func testConcurrentFinalization(t *testing.T, s storage.Store) {
	ctx := context.Background()
	SeedBatch(t, s, "B1")
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.CreateFinalization(ctx, domain.FinalizationRecord{
				BatchID:     "B1",
				ContentHash: fmt.Sprintf("sha256:%02d", i),
				Payload:     []byte("{}"),
				FinalizedAt: base,
			})
		}(i)
	}
	wg.Wait()
	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, storage.ErrAlreadyExists):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != n-1 {
		t.Fatalf("ok=%d dup=%d, want 1 and %d", ok, dup, n-1)
	}
}

func testCertificate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	SeedBatch(t, s, "B1")
	c := domain.Certificate{
		ID:              "c1",
		BatchID:         "B1",
		Grade:           domain.GradeDomestic,
		CertifyingBody:  "SENASICA",
		PayloadSnapshot: []byte(`{"grade":"DOMESTIC"}`),
		ContentHash:     "sha256:bb",
		ValidFrom:       base,
		ValidTo:         base.Add(30 * 24 * time.Hour),
		IssuedBy:        "cert-officer",
	}
	if err := s.CreateCertificate(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateCertificate(ctx, c); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("duplicate err = %v", err)
	}
	pending, err := s.ListUnanchoredCertificates(ctx, 0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("unanchored = %v, %v", pending, err)
	}
	if err := s.SetCertificateAnchor(ctx, "c1", "tx-9", "3"); err != nil {
		t.Fatalf("set anchor: %v", err)
	}
	got, err := s.GetCertificate(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AnchorTxID != "tx-9" || !got.ValidTo.Equal(c.ValidTo) || string(got.PayloadSnapshot) != string(c.PayloadSnapshot) {
		t.Fatalf("certificate = %+v", got)
	}
	list, err := s.ListCertificates(ctx, "B1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, %v", list, err)
	}
	if _, err := s.GetCertificate(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func testEvidence(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if _, err := s.GetEvidence(ctx, "B1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing evidence err = %v", err)
	}
	seal := &domain.SealSummary{SealID: "SEAL-1", Intact: true, CheckedAt: base}
	if err := s.PutEvidence(ctx, domain.Evidence{BatchID: "B1", Seal: seal, UpdatedAt: base}); err != nil {
		t.Fatalf("put seal: %v", err)
	}
	temp := &domain.TemperatureSummary{MinMilliC: 4000, MaxMilliC: 7500, Readings: 96}
	if err := s.PutEvidence(ctx, domain.Evidence{BatchID: "B1", Temperature: temp, UpdatedAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("put temperature: %v", err)
	}
	got, err := s.GetEvidence(ctx, "B1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Temperature == nil || got.Temperature.MaxMilliC != 7500 {
		t.Fatalf("temperature = %+v", got.Temperature)
	}
	if got.Seal == nil || got.Seal.SealID != "SEAL-1" {
		t.Fatalf("seal lost on second put: %+v", got.Seal)
	}
}
