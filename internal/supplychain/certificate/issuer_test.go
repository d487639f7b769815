package certificate

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jcmexdev/agri-traceability/internal/anchor"
	"github.com/jcmexdev/agri-traceability/internal/anchor/anchortest"
	"github.com/jcmexdev/agri-traceability/internal/anchor/localchain"
	"github.com/jcmexdev/agri-traceability/internal/pkg/apperr"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/stages"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage/memory"
)

var admin = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixture struct {
	store  *memory.Store
	ledger *stages.Ledger
	fake   *anchortest.Fake
	clock  *clock
	issuer *Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	fake := &anchortest.Fake{}
	c := &clock{t: time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)}
	return &fixture{
		store:  store,
		ledger: stages.New(store),
		fake:   fake,
		clock:  c,
		issuer: New(store, fake, WithClock(c.now)),
	}
}

func (f *fixture) seed(t *testing.T, batchID string, approved int) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.CreateBatch(ctx, domain.Batch{
		ID: batchID, ProducerID: "p1", Product: "avocado", Variety: "Hass", NetWeightGrams: 500_000,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	for _, st := range domain.StageOrder[:approved] {
		in := domain.StageInput{Coordinates: &domain.Coordinates{LatE6: -32780000, LngE6: -71200000}}
		if _, err := f.ledger.CreateNextStage(ctx, batchID, admin, in); err != nil {
			t.Fatalf("create %s: %v", st, err)
		}
		if _, err := f.ledger.Approve(ctx, batchID, st, admin, ""); err != nil {
			t.Fatalf("approve %s: %v", st, err)
		}
	}
}

// tamperedStore serves stored certificates with their snapshot replaced.
type tamperedStore struct {
	*memory.Store
	payloads map[string][]byte
}

func (s tamperedStore) GetCertificate(ctx context.Context, id string) (domain.Certificate, error) {
	c, err := s.Store.GetCertificate(ctx, id)
	if err != nil {
		return c, err
	}
	if p, ok := s.payloads[id]; ok {
		c.PayloadSnapshot = p
	}
	return c, nil
}

func request(batchID string, grade domain.Grade) IssueRequest {
	return IssueRequest{BatchID: batchID, Grade: grade, CertifyingBody: "SAG", ValidityDays: 30, IssuedBy: "inspector-7"}
}

func TestCanIssueScenarioB(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "B2", 2)

	got, err := f.issuer.CanIssue(context.Background(), "B2", domain.GradeExport)
	if err != nil {
		t.Fatalf("can issue: %v", err)
	}
	want := []domain.StageType{domain.StageColdChain, domain.StageExport}
	if got.CanIssue || len(got.MissingStages) != len(want) {
		t.Fatalf("eligibility = %+v", got)
	}
	for i := range want {
		if got.MissingStages[i] != want[i] {
			t.Fatalf("missing = %v, want %v", got.MissingStages, want)
		}
	}

	dom, err := f.issuer.CanIssue(context.Background(), "B2", domain.GradeDomestic)
	if err != nil || !dom.CanIssue || len(dom.MissingStages) != 0 {
		t.Fatalf("domestic = %+v, err = %v", dom, err)
	}
}

func TestIssueScenarioC(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "B3", 2)

	res, err := f.issuer.Issue(context.Background(), request("B3", domain.GradeDomestic))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	cert := res.Certificate
	if !cert.ValidTo.Equal(f.clock.t.Add(30 * 24 * time.Hour)) || !cert.ValidFrom.Equal(f.clock.t) {
		t.Fatalf("validity = %s..%s", cert.ValidFrom, cert.ValidTo)
	}
	if cert.AnchorTxID == "" || res.AnchorError != nil {
		t.Fatalf("expected anchored certificate: %+v", res)
	}
	reqs := f.fake.Requests()
	if len(reqs) != 1 || reqs[0].EventType != anchor.CertificateEventType("DOMESTIC") {
		t.Fatalf("anchor requests = %+v", reqs)
	}

	var p Payload
	if err := json.Unmarshal(cert.PayloadSnapshot, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.CertificateID != cert.ID || p.Batch.Variety != "Hass" || len(p.Stages) != 2 || p.Seal != nil {
		t.Fatalf("payload = %+v", p)
	}
}

func TestIssueRequirementsNotMet(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "B2", 2)

	_, err := f.issuer.Issue(context.Background(), request("B2", domain.GradePremium))
	if !apperr.IsKind(err, apperr.KindConflict) || apperr.GetCode(err) != apperr.CodeRequirementsNotMet {
		t.Fatalf("err = %v", err)
	}
	e, _ := apperr.As(err)
	if e.Metadata["missing_stages"] != "COLD_CHAIN,EXPORT,DELIVERY" {
		t.Fatalf("metadata = %v", e.Metadata)
	}
}

func TestIssueValidation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "B1", 2)

	tests := []struct {
		name string
		mut  func(*IssueRequest)
		code apperr.Code
	}{
		{"unknown grade", func(r *IssueRequest) { r.Grade = "GOLD" }, apperr.CodeInvalidGrade},
		{"empty body", func(r *IssueRequest) { r.CertifyingBody = " " }, apperr.CodeInvalidArgument},
		{"zero validity", func(r *IssueRequest) { r.ValidityDays = 0 }, apperr.CodeInvalidArgument},
		{"missing issuer", func(r *IssueRequest) { r.IssuedBy = "" }, apperr.CodeInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := request("B1", domain.GradeDomestic)
			tc.mut(&req)
			_, err := f.issuer.Issue(context.Background(), req)
			if !apperr.IsKind(err, apperr.KindValidation) || apperr.GetCode(err) != tc.code {
				t.Fatalf("err = %v", err)
			}
		})
	}

	_, err := f.issuer.Issue(context.Background(), request("missing", domain.GradeDomestic))
	if apperr.GetCode(err) != apperr.CodeBatchNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "B1", domain.StageCount)
	ctx := context.Background()

	res, err := f.issuer.Issue(ctx, request("B1", domain.GradePremium))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	v, err := f.issuer.Verify(ctx, res.Certificate.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.IsValid || v.IsExpired || !v.HashMatches || v.ComputedHash != v.StoredHash {
		t.Fatalf("verification = %+v", v)
	}

	tampered := append([]byte(nil), res.Certificate.PayloadSnapshot...)
	tampered[len(tampered)/2] ^= 0x01
	verifier := New(tamperedStore{f.store, map[string][]byte{res.Certificate.ID: tampered}}, nil, WithClock(f.clock.now))

	v, err = verifier.Verify(ctx, res.Certificate.ID)
	if err != nil {
		t.Fatalf("verify tampered: %v", err)
	}
	if v.IsValid || v.HashMatches {
		t.Fatalf("tampered verification = %+v", v)
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "B1", 2)
	ctx := context.Background()

	res, err := f.issuer.Issue(ctx, request("B1", domain.GradeDomestic))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	verifier := New(tamperedStore{f.store, map[string][]byte{res.Certificate.ID: nil}}, nil, WithClock(f.clock.now))

	v, err := verifier.Verify(ctx, res.Certificate.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.IsValid || v.Reason == "" {
		t.Fatalf("verification = %+v", v)
	}

	_, err = verifier.Verify(ctx, "no-such-cert")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "B1", 2)
	ctx := context.Background()

	res, err := f.issuer.Issue(ctx, request("B1", domain.GradeDomestic))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	f.clock.t = res.Certificate.ValidTo
	v, _ := f.issuer.Verify(ctx, res.Certificate.ID)
	if !v.IsValid {
		t.Fatalf("valid on last instant: %+v", v)
	}

	f.clock.t = res.Certificate.ValidTo.Add(time.Nanosecond)
	v, _ = f.issuer.Verify(ctx, res.Certificate.ID)
	if v.IsValid || !v.IsExpired || !v.HashMatches {
		t.Fatalf("expired verification = %+v", v)
	}
}

func TestIssueSurvivesAnchorFailure(t *testing.T) {
	f := newFixture(t)
	f.fake.SetErr(anchortest.Exhausted())
	f.seed(t, "B1", 2)

	res, err := f.issuer.Issue(context.Background(), request("B1", domain.GradeDomestic))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if res.Certificate.ContentHash == "" || res.Certificate.AnchorTxID != "" || res.AnchorError == nil {
		t.Fatalf("res = %+v", res)
	}
	stored, err := f.issuer.Get(context.Background(), res.Certificate.ID)
	if err != nil || stored.ContentHash != res.Certificate.ContentHash || stored.Anchored() {
		t.Fatalf("stored = %+v, err = %v", stored, err)
	}
}

func TestIssueFoldsEvidence(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "B1", 4)
	ctx := context.Background()

	err := f.store.PutEvidence(ctx, domain.Evidence{
		BatchID:     "B1",
		Temperature: &domain.TemperatureSummary{MinMilliC: 500, MaxMilliC: 4200, Readings: 288},
		Seal:        &domain.SealSummary{SealID: "S-77", Intact: true, CheckedAt: f.clock.t},
	})
	if err != nil {
		t.Fatalf("put evidence: %v", err)
	}

	res, err := f.issuer.Issue(ctx, request("B1", domain.GradeExport))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	var p Payload
	if err := json.Unmarshal(res.Certificate.PayloadSnapshot, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Temperature == nil || p.Temperature.Readings != 288 || p.Seal == nil || p.Seal.SealID != "S-77" {
		t.Fatalf("payload = %+v", p)
	}
	if len(p.Stages) != 4 {
		t.Fatalf("stages = %d", len(p.Stages))
	}
}

func TestIDCollision(t *testing.T) {
	f := newFixture(t)
	f.issuer = New(f.store, nil, WithIDGenerator(func() string { return "fixed" }), WithClock(f.clock.now))
	f.seed(t, "B1", 2)
	ctx := context.Background()

	if _, err := f.issuer.Issue(ctx, request("B1", domain.GradeDomestic)); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := f.issuer.Issue(ctx, request("B1", domain.GradeDomestic))
	if apperr.GetCode(err) != apperr.CodeCertificateIDCollision {
		t.Fatalf("err = %v", err)
	}
}

// The ledger keeps one event per batch and event type, so a second
// certificate of the same grade must not borrow the first one's reference.
func TestSameGradeCertificateKeepsOwnReference(t *testing.T) {
	chain, err := localchain.Open(filepath.Join(t.TempDir(), "chain.db"), localchain.Options{BaseFee: 1})
	if err != nil {
		t.Fatalf("open chain: %v", err)
	}
	t.Cleanup(func() { _ = chain.Close() })

	f := newFixture(t)
	f.issuer = New(f.store, anchor.New(chain, anchor.Config{BaseDelay: time.Millisecond}), WithClock(f.clock.now))
	f.seed(t, "B1", 2)
	ctx := context.Background()

	first, err := f.issuer.Issue(ctx, request("B1", domain.GradeDomestic))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.AnchorError != nil || first.Certificate.AnchorTxID == "" {
		t.Fatalf("first = %+v", first)
	}

	second, err := f.issuer.Issue(ctx, request("B1", domain.GradeDomestic))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.AnchorError != nil || second.Certificate.Anchored() {
		t.Fatalf("second = %+v", second)
	}

	stored, err := f.store.GetCertificate(ctx, second.Certificate.ID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if stored.AnchorTxID != "" || stored.AnchorEventID != "" {
		t.Fatalf("second stored with reference %q/%q", stored.AnchorTxID, stored.AnchorEventID)
	}
	kept, err := f.store.GetCertificate(ctx, first.Certificate.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if kept.AnchorTxID != first.Certificate.AnchorTxID {
		t.Fatalf("first tx = %q, want %q", kept.AnchorTxID, first.Certificate.AnchorTxID)
	}
}
