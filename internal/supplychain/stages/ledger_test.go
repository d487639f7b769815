package stages

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jcmexdev/agri-traceability/internal/pkg/apperr"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage/memory"
)

var allRoles = []domain.Role{
	domain.RoleFarmer, domain.RolePackhouse, domain.RoleLogistics, domain.RoleExporter,
	domain.RoleImporter, domain.RoleInspector, domain.RoleCustoms, domain.RoleSystem, domain.RoleAdmin,
}

var (
	admin     = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	farmer    = domain.Actor{ID: "farmer-1", Role: domain.RoleFarmer}
	inspector = domain.Actor{ID: "inspector-1", Role: domain.RoleInspector}
)

// creatorFor and approverFor return a non-admin actor permitted for st.
var creatorFor = map[domain.StageType]domain.Actor{
	domain.StageHarvest:   farmer,
	domain.StagePacking:   {ID: "packhouse-1", Role: domain.RolePackhouse},
	domain.StageColdChain: {ID: "logistics-1", Role: domain.RoleLogistics},
	domain.StageExport:    {ID: "exporter-1", Role: domain.RoleExporter},
	domain.StageDelivery:  {ID: "importer-1", Role: domain.RoleImporter},
}

var approverFor = map[domain.StageType]domain.Actor{
	domain.StageHarvest:   inspector,
	domain.StagePacking:   inspector,
	domain.StageColdChain: inspector,
	domain.StageExport:    {ID: "customs-1", Role: domain.RoleCustoms},
	domain.StageDelivery:  {ID: "importer-1", Role: domain.RoleImporter},
}

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return New(memory.New(), WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}))
}

func seedBatch(t *testing.T, l *Ledger, id string) {
	t.Helper()
	_, err := l.CreateBatch(context.Background(), domain.Batch{
		ID: id, ProducerID: "producer-1", Product: "cherries", Variety: "Lapins",
		OriginRegion: "O'Higgins", NetWeightGrams: 1_200_000, HarvestedOn: "2026-01-10",
	})
	if err != nil {
		t.Fatalf("create batch %s: %v", id, err)
	}
}

// approveThrough approves every stage before stop in order using admin.
func approveThrough(t *testing.T, l *Ledger, batchID string, stop domain.StageType) {
	t.Helper()
	ctx := context.Background()
	for _, st := range domain.StageOrder {
		if st == stop {
			return
		}
		if _, err := l.CreateNextStage(ctx, batchID, admin, domain.StageInput{}); err != nil {
			t.Fatalf("create %s: %v", st, err)
		}
		if _, err := l.Approve(ctx, batchID, st, admin, ""); err != nil {
			t.Fatalf("approve %s: %v", st, err)
		}
	}
}

func requireCode(t *testing.T, err error, kind apperr.Kind, code apperr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s/%s, got nil", kind, code)
	}
	if apperr.KindOf(err) != kind || apperr.GetCode(err) != code {
		t.Fatalf("err = %v (%s/%s), want %s/%s", err, apperr.KindOf(err), apperr.GetCode(err), kind, code)
	}
}

func TestFullBatchInOrder(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	seedBatch(t, l, "B1")

	for i, st := range domain.StageOrder {
		rec, err := l.CreateNextStage(ctx, "B1", creatorFor[st], domain.StageInput{
			Location:    "Rancagua",
			Coordinates: &domain.Coordinates{LatE6: -34170000, LngE6: -70740000},
		})
		if err != nil {
			t.Fatalf("create %s: %v", st, err)
		}
		if rec.StageType != st || rec.Status != domain.StatusPending {
			t.Fatalf("created %+v, want pending %s", rec, st)
		}
		if _, err := l.Approve(ctx, "B1", st, approverFor[st], "ok"); err != nil {
			t.Fatalf("approve %s: %v", st, err)
		}

		view, err := l.GetBatchStages(ctx, "B1")
		if err != nil {
			t.Fatalf("view: %v", err)
		}
		if view.ApprovedCount != i+1 || view.CurrentStage == nil || *view.CurrentStage != st {
			t.Fatalf("view after %s = %+v", st, view)
		}
	}

	view, err := l.GetBatchStages(ctx, "B1")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !view.IsComplete || view.NextStage != nil || view.ProgressPercent != 100 || view.Progress != 1 {
		t.Fatalf("final view = %+v", view)
	}

	_, err = l.CreateNextStage(ctx, "B1", admin, domain.StageInput{})
	requireCode(t, err, apperr.KindValidation, apperr.CodeBatchComplete)
}

func TestCreatePermissionTable(t *testing.T) {
	for _, st := range domain.StageOrder {
		for _, role := range allRoles {
			t.Run(fmt.Sprintf("%s/%s", st, role), func(t *testing.T) {
				l := newLedger(t)
				seedBatch(t, l, "B")
				approveThrough(t, l, "B", st)

				rec, err := l.CreateSpecificStage(context.Background(), "B", st,
					domain.Actor{ID: "a", Role: role}, false, domain.StageInput{})
				if domain.CanCreate(role, st) {
					if err != nil {
						t.Fatalf("permitted create failed: %v", err)
					}
					want := domain.StatusPending
					if role == domain.RoleSystem {
						want = domain.StatusApproved
					}
					if rec.Status != want {
						t.Fatalf("status = %s, want %s", rec.Status, want)
					}
					return
				}
				requireCode(t, err, apperr.KindAuthorization, apperr.CodeRoleNotPermitted)
			})
		}
	}
}

func TestReviewPermissionTable(t *testing.T) {
	actions := map[string]func(*Ledger, context.Context, string, domain.StageType, domain.Actor, string) (domain.VerificationStage, error){
		"approve": (*Ledger).Approve,
		"reject":  (*Ledger).Reject,
		"flag":    (*Ledger).Flag,
	}
	for name, action := range actions {
		for _, st := range domain.StageOrder {
			for _, role := range allRoles {
				t.Run(fmt.Sprintf("%s/%s/%s", name, st, role), func(t *testing.T) {
					l := newLedger(t)
					ctx := context.Background()
					seedBatch(t, l, "B")
					approveThrough(t, l, "B", st)
					if _, err := l.CreateNextStage(ctx, "B", admin, domain.StageInput{}); err != nil {
						t.Fatalf("create: %v", err)
					}

					_, err := action(l, ctx, "B", st, domain.Actor{ID: "r", Role: role}, "")
					if domain.CanApprove(role, st) {
						if err != nil {
							t.Fatalf("permitted %s failed: %v", name, err)
						}
						return
					}
					requireCode(t, err, apperr.KindAuthorization, apperr.CodeRoleNotPermitted)
				})
			}
		}
	}
}

func TestDuplicateStageConflicts(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	seedBatch(t, l, "B1")

	if _, err := l.CreateNextStage(ctx, "B1", farmer, domain.StageInput{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// HARVEST is still pending, so the next slot is HARVEST again.
	_, err := l.CreateNextStage(ctx, "B1", farmer, domain.StageInput{})
	requireCode(t, err, apperr.KindConflict, apperr.CodeStageAlreadyExists)

	_, err = l.CreateSpecificStage(ctx, "B1", domain.StageHarvest, admin, true, domain.StageInput{})
	requireCode(t, err, apperr.KindConflict, apperr.CodeStageAlreadyExists)
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	l := newLedger(t)
	seedBatch(t, l, "B1")

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.CreateNextStage(context.Background(), "B1", farmer, domain.StageInput{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.IsKind(err, apperr.KindConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != n-1 {
		t.Fatalf("ok = %d conflicts = %d", ok, conflicts)
	}
}

func TestOutOfOrderAndOverride(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	seedBatch(t, l, "B1")

	_, err := l.CreateSpecificStage(ctx, "B1", domain.StagePacking, domain.Actor{ID: "p", Role: domain.RolePackhouse}, false, domain.StageInput{})
	requireCode(t, err, apperr.KindValidation, apperr.CodeStageOutOfOrder)

	_, err = l.CreateSpecificStage(ctx, "B1", domain.StagePacking, domain.Actor{ID: "p", Role: domain.RolePackhouse}, true, domain.StageInput{})
	requireCode(t, err, apperr.KindAuthorization, apperr.CodeOverrideNotPermitted)

	rec, err := l.CreateSpecificStage(ctx, "B1", domain.StageExport, admin, true, domain.StageInput{})
	if err != nil {
		t.Fatalf("admin override: %v", err)
	}
	if rec.StageType != domain.StageExport {
		t.Fatalf("stage = %s", rec.StageType)
	}
}

func TestTransitionTable(t *testing.T) {
	statuses := []domain.StageStatus{domain.StatusApproved, domain.StatusRejected, domain.StatusFlagged, domain.StatusPending}
	starts := map[domain.StageStatus][]domain.StageStatus{
		domain.StatusPending:  nil,
		domain.StatusFlagged:  {domain.StatusFlagged},
		domain.StatusApproved: {domain.StatusApproved},
		domain.StatusRejected: {domain.StatusRejected},
	}
	for from, path := range starts {
		for _, to := range statuses {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				l := newLedger(t)
				ctx := context.Background()
				seedBatch(t, l, "B")
				rec, err := l.CreateNextStage(ctx, "B", farmer, domain.StageInput{})
				if err != nil {
					t.Fatalf("create: %v", err)
				}
				for _, step := range path {
					if _, err := l.Transition(ctx, rec.ID, step, inspector, ""); err != nil {
						t.Fatalf("setup %s: %v", step, err)
					}
				}

				got, err := l.Transition(ctx, rec.ID, to, inspector, "reviewed")
				if domain.CanTransition(from, to) {
					if err != nil {
						t.Fatalf("allowed transition failed: %v", err)
					}
					if got.Status != to || got.ReviewedBy != inspector.ID || got.ReviewedAt == nil {
						t.Fatalf("stage = %+v", got)
					}
					return
				}
				requireCode(t, err, apperr.KindValidation, apperr.CodeInvalidStatusTransition)
			})
		}
	}
}

func TestRejectedStageBlocksSlot(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	seedBatch(t, l, "B1")
	if _, err := l.CreateNextStage(ctx, "B1", farmer, domain.StageInput{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := l.Reject(ctx, "B1", domain.StageHarvest, inspector, "bruised"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	view, err := l.GetBatchStages(ctx, "B1")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.CurrentStage != nil || view.NextStage == nil || *view.NextStage != domain.StageHarvest {
		t.Fatalf("view = %+v", view)
	}
	_, err = l.CreateNextStage(ctx, "B1", farmer, domain.StageInput{})
	requireCode(t, err, apperr.KindConflict, apperr.CodeStageAlreadyExists)
}

func TestUnknownBatchAndStage(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	_, err := l.CreateNextStage(ctx, "nope", farmer, domain.StageInput{})
	requireCode(t, err, apperr.KindNotFound, apperr.CodeBatchNotFound)

	_, err = l.Transition(ctx, "missing", domain.StatusApproved, inspector, "")
	requireCode(t, err, apperr.KindNotFound, apperr.CodeStageNotFound)

	seedBatch(t, l, "B1")
	_, err = l.Approve(ctx, "B1", domain.StagePacking, inspector, "")
	requireCode(t, err, apperr.KindNotFound, apperr.CodeStageNotFound)

	_, err = l.CreateSpecificStage(ctx, "B1", domain.StageType("SHIPPING"), admin, true, domain.StageInput{})
	requireCode(t, err, apperr.KindValidation, apperr.CodeInvalidStageType)
}

func TestCreateBatchValidation(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		batch domain.Batch
		code  apperr.Code
	}{
		{"missing producer", domain.Batch{ID: "X", Product: "apples"}, apperr.CodeInvalidArgument},
		{"missing product", domain.Batch{ID: "X", ProducerID: "p"}, apperr.CodeInvalidArgument},
		{"bad date", domain.Batch{ID: "X", ProducerID: "p", Product: "apples", HarvestedOn: "10/01/2026"}, apperr.CodeInvalidArgument},
		{"negative weight", domain.Batch{ID: "X", ProducerID: "p", Product: "apples", NetWeightGrams: -1}, apperr.CodeInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.CreateBatch(ctx, tc.batch)
			requireCode(t, err, apperr.KindValidation, tc.code)
		})
	}

	b, err := l.CreateBatch(ctx, domain.Batch{ProducerID: "p", Product: "apples"})
	if err != nil || b.ID == "" {
		t.Fatalf("generated id batch = %+v, err = %v", b, err)
	}
	_, err = l.CreateBatch(ctx, b)
	requireCode(t, err, apperr.KindConflict, apperr.CodeBatchAlreadyExists)
}
