package httpx

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jcmexdev/agri-traceability/internal/anchor/anchortest"
	"github.com/jcmexdev/agri-traceability/internal/pkg/apperr"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/certificate"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/finalization"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/oracle"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/stages"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage/memory"
)

type testServer struct {
	t      *testing.T
	router http.Handler
	fake   *anchortest.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	fake := &anchortest.Fake{}
	issuer := certificate.New(store, fake)
	h := NewHandler(
		stages.New(store),
		finalization.New(store, fake),
		issuer,
		oracle.New(store, fake, issuer),
		store,
	)
	return &testServer{t: t, router: NewRouter(h), fake: fake}
}

// do sends body as JSON with the given actor ("" for none) and decodes the
// response into out when out is non-nil.
func (s *testServer) do(method, path, actorID, role string, body any, out any) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actorID != "" {
		req.Header.Set("X-Actor-Id", actorID)
		req.Header.Set("X-Actor-Role", role)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			s.t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func (s *testServer) createBatch(id string) {
	s.t.Helper()
	code := s.do(http.MethodPost, "/batches", "farmer-1", "FARMER", CreateBatchRequest{
		ID: id, ProducerID: "farmer-1", Product: "avocado", NetWeightGrams: 1200000, HarvestedOn: "2026-09-01",
	}, nil)
	if code != http.StatusCreated {
		s.t.Fatalf("create batch = %d", code)
	}
}

var custody = []struct {
	stage, creator, creatorRole, reviewer, reviewerRole string
}{
	{"HARVEST", "farmer-1", "FARMER", "insp-1", "INSPECTOR"},
	{"PACKING", "pack-1", "PACKHOUSE", "insp-1", "INSPECTOR"},
	{"COLD_CHAIN", "log-1", "LOGISTICS", "insp-1", "INSPECTOR"},
	{"EXPORT", "exp-1", "EXPORTER", "cust-1", "CUSTOMS"},
	{"DELIVERY", "imp-1", "IMPORTER", "imp-2", "IMPORTER"},
}

func (s *testServer) approveStages(batchID string, n int) {
	s.t.Helper()
	for _, c := range custody[:n] {
		var stage StageResponse
		code := s.do(http.MethodPost, "/batches/"+batchID+"/stages", c.creator, c.creatorRole,
			CreateStageRequest{Location: "field 7"}, &stage)
		if code != http.StatusCreated || stage.StageType != c.stage || stage.Status != "PENDING" {
			s.t.Fatalf("create %s = %d %+v", c.stage, code, stage)
		}
		code = s.do(http.MethodPost, "/batches/"+batchID+"/stages/"+c.stage+"/approve", c.reviewer, c.reviewerRole, nil, &stage)
		if code != http.StatusOK || stage.Status != "APPROVED" || stage.ReviewedBy != c.reviewer {
			s.t.Fatalf("approve %s = %d %+v", c.stage, code, stage)
		}
	}
}

func TestFullCustodyChainOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.createBatch("B1")
	s.approveStages("B1", 5)

	var view BatchStagesResponse
	if code := s.do(http.MethodGet, "/batches/B1/stages", "", "", nil, &view); code != http.StatusOK {
		t.Fatalf("stages = %d", code)
	}
	if !view.IsComplete || view.ProgressPercent != 100 || view.NextStage != nil || len(view.Stages) != 5 {
		t.Fatalf("view = %+v", view)
	}

	var fin FinalizationResponse
	if code := s.do(http.MethodPost, "/batches/B1/finalize", "sys", "SYSTEM", nil, &fin); code != http.StatusCreated {
		t.Fatalf("finalize = %d", code)
	}
	if fin.AnchorTxID == "" || fin.AnchorError != "" {
		t.Fatalf("finalization = %+v", fin)
	}

	var errBody ErrorResponse
	if code := s.do(http.MethodPost, "/batches/B1/finalize", "sys", "SYSTEM", nil, &errBody); code != http.StatusConflict {
		t.Fatalf("second finalize = %d", code)
	}
	if errBody.Error != string(apperr.CodeBatchAlreadyFinalized) {
		t.Fatalf("error = %+v", errBody)
	}

	var v BatchVerificationResponse
	if code := s.do(http.MethodGet, "/batches/B1/verify", "", "", nil, &v); code != http.StatusOK {
		t.Fatalf("verify = %d", code)
	}
	if !v.IsValid || !v.AnchorSeen || v.StoredHash != fin.ContentHash {
		t.Fatalf("verification = %+v", v)
	}

	var h HistoryResponse
	if code := s.do(http.MethodGet, "/batches/B1/history", "", "", nil, &h); code != http.StatusOK {
		t.Fatalf("history = %d", code)
	}
	if h.Source != "ledger" || len(h.Events) != 1 {
		t.Fatalf("history = %+v", h)
	}
}

func TestCertificateFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.createBatch("B1")
	s.approveStages("B1", 2)

	var el EligibilityResponse
	s.do(http.MethodGet, "/batches/B1/certificates/eligibility?grade=export", "", "", nil, &el)
	if el.CanIssue || len(el.MissingStages) != 2 || el.MissingStages[0] != "COLD_CHAIN" {
		t.Fatalf("eligibility = %+v", el)
	}

	code := s.do(http.MethodPut, "/batches/B1/evidence", "sensor", "SYSTEM", map[string]any{
		"temperature": map[string]int64{"minMilliC": 2000, "maxMilliC": 6000, "readings": 48},
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("evidence = %d", code)
	}

	req := IssueCertificateRequest{Grade: "DOMESTIC", CertifyingBody: "SAG", ValidityDays: 30}
	if code := s.do(http.MethodPost, "/batches/B1/certificates", "farmer-1", "FARMER", req, nil); code != http.StatusForbidden {
		t.Fatalf("farmer issue = %d", code)
	}
	var cert CertificateResponse
	if code := s.do(http.MethodPost, "/batches/B1/certificates", "insp-1", "INSPECTOR", req, &cert); code != http.StatusCreated {
		t.Fatalf("issue = %d", code)
	}
	if cert.ID == "" || cert.IssuedBy != "insp-1" || cert.AnchorTxID == "" {
		t.Fatalf("certificate = %+v", cert)
	}

	var got CertificateResponse
	if code := s.do(http.MethodGet, "/certificates/"+cert.ID, "", "", nil, &got); code != http.StatusOK || got.ContentHash != cert.ContentHash {
		t.Fatalf("get = %d %+v", code, got)
	}
	var cv CertificateVerificationResponse
	if code := s.do(http.MethodGet, "/certificates/"+cert.ID+"/verify", "", "", nil, &cv); code != http.StatusOK {
		t.Fatalf("verify = %d", code)
	}
	if !cv.IsValid || cv.IsExpired {
		t.Fatalf("verification = %+v", cv)
	}

	var errBody ErrorResponse
	req.Grade = "PREMIUM"
	if code := s.do(http.MethodPost, "/batches/B1/certificates", "insp-1", "INSPECTOR", req, &errBody); code != http.StatusConflict {
		t.Fatalf("premium issue = %d", code)
	}
	if errBody.Error != string(apperr.CodeRequirementsNotMet) || errBody.Metadata["missing_stages"] == "" {
		t.Fatalf("error = %+v", errBody)
	}
}

func TestAnchorFailureStillCreatesRecord(t *testing.T) {
	s := newTestServer(t)
	s.createBatch("B1")
	s.approveStages("B1", 5)
	s.fake.SetErr(anchortest.Exhausted())

	var fin FinalizationResponse
	if code := s.do(http.MethodPost, "/batches/B1/finalize", "sys", "SYSTEM", nil, &fin); code != http.StatusCreated {
		t.Fatalf("finalize = %d", code)
	}
	if fin.AnchorTxID != "" || fin.AnchorError == "" || fin.ContentHash == "" {
		t.Fatalf("finalization = %+v", fin)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	s := newTestServer(t)
	s.createBatch("B1")

	tests := []struct {
		name         string
		method, path string
		actor, role  string
		body         any
		wantStatus   int
		wantCode     string
	}{
		{"missing actor", http.MethodPost, "/batches/B1/stages", "", "", CreateStageRequest{}, http.StatusForbidden, string(apperr.CodeRoleNotPermitted)},
		{"wrong role", http.MethodPost, "/batches/B1/stages", "x", "EXPORTER", CreateStageRequest{}, http.StatusForbidden, string(apperr.CodeRoleNotPermitted)},
		{"unknown batch", http.MethodGet, "/batches/nope/stages", "", "", nil, http.StatusNotFound, string(apperr.CodeBatchNotFound)},
		{"out of order", http.MethodPost, "/batches/B1/stages", "p", "PACKHOUSE", CreateStageRequest{StageType: "PACKING"}, http.StatusBadRequest, string(apperr.CodeStageOutOfOrder)},
		{"override denied", http.MethodPost, "/batches/B1/stages", "p", "PACKHOUSE", CreateStageRequest{StageType: "PACKING", Override: true}, http.StatusForbidden, string(apperr.CodeOverrideNotPermitted)},
		{"bad stage type", http.MethodPost, "/batches/B1/stages/WASHING/approve", "i", "INSPECTOR", nil, http.StatusBadRequest, string(apperr.CodeInvalidStageType)},
		{"unknown field", http.MethodPost, "/batches", "f", "FARMER", map[string]string{"colour": "green"}, http.StatusBadRequest, "INVALID_JSON"},
		{"duplicate batch", http.MethodPost, "/batches", "f", "FARMER", CreateBatchRequest{ID: "B1", ProducerID: "f", Product: "kiwi"}, http.StatusConflict, string(apperr.CodeBatchAlreadyExists)},
		{"not ready", http.MethodPost, "/batches/B1/finalize", "s", "SYSTEM", nil, http.StatusConflict, string(apperr.CodeBatchNotReady)},
		{"bad grade", http.MethodGet, "/batches/B1/certificates/eligibility?grade=GOLD", "", "", nil, http.StatusBadRequest, string(apperr.CodeInvalidGrade)},
		{"missing certificate", http.MethodGet, "/certificates/none/verify", "", "", nil, http.StatusNotFound, string(apperr.CodeCertificateNotFound)},
		{"not finalized", http.MethodGet, "/batches/B1/verify", "", "", nil, http.StatusNotFound, string(apperr.CodeFinalizationNotFound)},
		{"evidence role", http.MethodPut, "/batches/B1/evidence", "f", "FARMER", EvidenceRequest{}, http.StatusForbidden, string(apperr.CodeRoleNotPermitted)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body ErrorResponse
			code := s.do(tt.method, tt.path, tt.actor, tt.role, tt.body, &body)
			if code != tt.wantStatus || body.Error != tt.wantCode {
				t.Fatalf("got %d %+v, want %d %s", code, body, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Request-Id") != "abc-123" {
		t.Fatalf("code = %d, header = %q", rec.Code, rec.Header().Get("X-Request-Id"))
	}
}
