package finalization

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jcmexdev/agri-traceability/internal/anchor"
	"github.com/jcmexdev/agri-traceability/internal/anchor/anchortest"
	"github.com/jcmexdev/agri-traceability/internal/pkg/apperr"
	"github.com/jcmexdev/agri-traceability/internal/pkg/canonical"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/stages"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage/memory"
)

var admin = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}

var finalizedAt = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	ledger *stages.Ledger
	fake   *anchortest.Fake
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	fake := &anchortest.Fake{}
	return &fixture{
		store:  store,
		ledger: stages.New(store),
		fake:   fake,
		engine: New(store, fake, WithClock(func() time.Time { return finalizedAt })),
	}
}

// approve creates and approves stages in order until n are approved.
func (f *fixture) approve(t *testing.T, batchID string, n int) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.ledger.CreateBatch(ctx, domain.Batch{ID: batchID, ProducerID: "p1", Product: "blueberries"}); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	for _, st := range domain.StageOrder[:n] {
		in := domain.StageInput{Location: "Valparaiso", Coordinates: &domain.Coordinates{LatE6: -33047238, LngE6: -71612688}}
		if _, err := f.ledger.CreateNextStage(ctx, batchID, admin, in); err != nil {
			t.Fatalf("create %s: %v", st, err)
		}
		if _, err := f.ledger.Approve(ctx, batchID, st, admin, ""); err != nil {
			t.Fatalf("approve %s: %v", st, err)
		}
	}
}

func TestFinalizeScenarioA(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approve(t, "B1", domain.StageCount)

	ready, err := f.engine.IsReadyForFinalization(ctx, "B1")
	if err != nil || !ready {
		t.Fatalf("ready = %v, err = %v", ready, err)
	}

	res, err := f.engine.Finalize(ctx, "B1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !strings.HasPrefix(res.Record.ContentHash, canonical.HashPrefix) {
		t.Fatalf("hash = %q", res.Record.ContentHash)
	}
	if res.Record.ContentHash != canonical.Hash(res.Record.Payload) {
		t.Fatal("hash does not match payload")
	}
	if res.Record.AnchorTxID == "" || res.AnchorError != nil {
		t.Fatalf("expected anchored record, got %+v", res)
	}

	stored, err := f.engine.GetFinalization(ctx, "B1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.AnchorTxID != res.Record.AnchorTxID || stored.AnchorEventID == "" {
		t.Fatalf("stored = %+v", stored)
	}

	reqs := f.fake.Requests()
	if len(reqs) != 1 || reqs[0].EventType != anchor.EventTypeFinalization || reqs[0].ContentHash != res.Record.ContentHash {
		t.Fatalf("anchor requests = %+v", reqs)
	}
	if reqs[0].Location == nil || reqs[0].Location.LatE6 != -33047238 {
		t.Fatalf("anchor location = %+v", reqs[0].Location)
	}

	var p Payload
	if err := json.Unmarshal(res.Record.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.SchemaVersion != SchemaVersion || len(p.Stages) != domain.StageCount || p.Stages[4].StageType != domain.StageDelivery {
		t.Fatalf("payload = %+v", p)
	}
}

func TestFinalizeNotReady(t *testing.T) {
	f := newFixture(t)
	f.approve(t, "B1", 3)

	ready, err := f.engine.IsReadyForFinalization(context.Background(), "B1")
	if err != nil || ready {
		t.Fatalf("ready = %v, err = %v", ready, err)
	}

	_, err = f.engine.Finalize(context.Background(), "B1")
	if apperr.GetCode(err) != apperr.CodeBatchNotReady {
		t.Fatalf("err = %v", err)
	}
	e, _ := apperr.As(err)
	if e.Metadata["missing_stages"] != "EXPORT,DELIVERY" {
		t.Fatalf("metadata = %v", e.Metadata)
	}
	if len(f.fake.Requests()) != 0 {
		t.Fatal("not-ready batch must not be anchored")
	}
}

func TestFinalizeTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	f.approve(t, "B1", domain.StageCount)
	if _, err := f.engine.Finalize(context.Background(), "B1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := f.engine.Finalize(context.Background(), "B1")
	if !apperr.IsKind(err, apperr.KindConflict) || apperr.GetCode(err) != apperr.CodeBatchAlreadyFinalized {
		t.Fatalf("err = %v", err)
	}
}

func TestConcurrentFinalizeSingleRecord(t *testing.T) {
	f := newFixture(t)
	f.approve(t, "B1", domain.StageCount)

	const n = 10
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.engine.Finalize(context.Background(), "B1")
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.GetCode(err) == apperr.CodeBatchAlreadyFinalized:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != n-1 {
		t.Fatalf("ok = %d conflicts = %d", ok, conflicts)
	}
	if got := len(f.fake.Requests()); got != 1 {
		t.Fatalf("anchor requests = %d, want 1", got)
	}
}

func TestFinalizeSurvivesAnchorFailure(t *testing.T) {
	f := newFixture(t)
	f.fake.SetErr(anchortest.Exhausted())
	f.approve(t, "B1", domain.StageCount)

	res, err := f.engine.Finalize(context.Background(), "B1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Record.ContentHash == "" || res.Record.AnchorTxID != "" {
		t.Fatalf("record = %+v", res.Record)
	}
	if !apperr.IsRetryable(res.AnchorError) {
		t.Fatalf("anchor error = %v", res.AnchorError)
	}

	pending, err := f.store.ListUnanchoredFinalizations(context.Background(), 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v, err = %v", pending, err)
	}
}

func TestFinalizeIgnoresLedgerEventWithOtherHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.fake.Anchor(ctx, anchor.Request{
		EventType: anchor.EventTypeFinalization, BatchID: "B1", ContentHash: canonical.Hash([]byte(`{"batchId":"other"}`)),
	}); err != nil {
		t.Fatalf("preload: %v", err)
	}
	f.approve(t, "B1", domain.StageCount)

	res, err := f.engine.Finalize(ctx, "B1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.AnchorError != nil || res.Record.AnchorTxID != "" || res.Record.AnchorEventID != "" {
		t.Fatalf("res = %+v", res)
	}
	stored, err := f.store.GetFinalization(ctx, "B1")
	if err != nil || stored.Anchored() {
		t.Fatalf("stored = %+v, err = %v", stored, err)
	}
}

func TestFinalizeWithoutAnchorer(t *testing.T) {
	f := newFixture(t)
	f.engine = New(f.store, nil)
	f.approve(t, "B1", domain.StageCount)

	res, err := f.engine.Finalize(context.Background(), "B1")
	if err != nil || res.Record.AnchorTxID != "" || res.AnchorError != nil {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
}

func TestFinalizeUnknownBatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Finalize(context.Background(), "nope")
	if apperr.GetCode(err) != apperr.CodeBatchNotFound {
		t.Fatalf("err = %v", err)
	}
	_, err = f.engine.GetFinalization(context.Background(), "nope")
	if apperr.GetCode(err) != apperr.CodeFinalizationNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestPayloadHashIsDeterministic(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stageList := []domain.VerificationStage{
		{StageType: domain.StagePacking, Status: domain.StatusApproved, ActorID: "b", Timestamp: ts.Add(time.Hour)},
		{StageType: domain.StageHarvest, Status: domain.StatusApproved, ActorID: "a", Timestamp: ts, Coordinates: &domain.Coordinates{LatE6: 1, LngE6: 2}},
	}
	reversed := []domain.VerificationStage{stageList[1], stageList[0]}

	h1, b1, err := canonical.SumObject(BuildPayload("B1", ts, stageList))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h2, b2, err := canonical.SumObject(BuildPayload("B1", ts, reversed))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if h1 != h2 || string(b1) != string(b2) {
		t.Fatalf("hash differs across input order:\n%s\n%s", b1, b2)
	}
}
