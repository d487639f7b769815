package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/agri-traceability/internal/pkg/apperr"
	"github.com/jcmexdev/agri-traceability/internal/pkg/interceptors"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/certificate"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/finalization"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/oracle"
)

const maxBodyBytes = 1 << 20

// StageService is the stage ledger as seen by the handlers.
type StageService interface {
	CreateBatch(ctx context.Context, b domain.Batch) (domain.Batch, error)
	GetBatch(ctx context.Context, id string) (domain.Batch, error)
	CreateNextStage(ctx context.Context, batchID string, actor domain.Actor, in domain.StageInput) (domain.VerificationStage, error)
	CreateSpecificStage(ctx context.Context, batchID string, stageType domain.StageType, actor domain.Actor, override bool, in domain.StageInput) (domain.VerificationStage, error)
	Approve(ctx context.Context, batchID string, st domain.StageType, actor domain.Actor, notes string) (domain.VerificationStage, error)
	Reject(ctx context.Context, batchID string, st domain.StageType, actor domain.Actor, notes string) (domain.VerificationStage, error)
	Flag(ctx context.Context, batchID string, st domain.StageType, actor domain.Actor, notes string) (domain.VerificationStage, error)
	GetBatchStages(ctx context.Context, batchID string) (domain.BatchStages, error)
}

// FinalizationService finalizes batches.
type FinalizationService interface {
	Finalize(ctx context.Context, batchID string) (*finalization.Result, error)
	GetFinalization(ctx context.Context, batchID string) (domain.FinalizationRecord, error)
}

// CertificateService issues and reads certificates.
type CertificateService interface {
	CanIssue(ctx context.Context, batchID string, grade domain.Grade) (domain.Eligibility, error)
	Issue(ctx context.Context, req certificate.IssueRequest) (*certificate.Result, error)
	Get(ctx context.Context, certificateID string) (domain.Certificate, error)
}

// VerificationService answers public verification queries.
type VerificationService interface {
	GetBatchHistory(ctx context.Context, batchID string) oracle.History
	VerifyBatch(ctx context.Context, batchID string) (oracle.BatchVerification, error)
	VerifyCertificate(ctx context.Context, certificateID string) (domain.CertificateVerification, error)
}

// EvidenceStore persists seal and temperature summaries.
type EvidenceStore interface {
	PutEvidence(ctx context.Context, e domain.Evidence) error
}

// Handler serves the traceability HTTP API.
type Handler struct {
	stages       StageService
	finalizer    FinalizationService
	certificates CertificateService
	oracle       VerificationService
	evidence     EvidenceStore
	now          func() time.Time
}

// NewHandler wires the handler to its services.
func NewHandler(
	stages StageService,
	finalizer FinalizationService,
	certificates CertificateService,
	oracle VerificationService,
	evidence EvidenceStore,
) *Handler {
	return &Handler{
		stages:       stages,
		finalizer:    finalizer,
		certificates: certificates,
		oracle:       oracle,
		evidence:     evidence,
		now:          time.Now,
	}
}

// actor returns the caller resolved upstream. Mutating routes require one.
func actor(r *http.Request) (domain.Actor, error) {
	id, role := interceptors.ActorFromContext(r.Context())
	if id == "" || role == "" {
		return domain.Actor{}, apperr.Authorization(apperr.CodeRoleNotPermitted, "X-Actor-Id and X-Actor-Role headers are required")
	}
	return domain.Actor{ID: id, Role: domain.ParseRole(role)}, nil
}

func stageTypeParam(r *http.Request) (domain.StageType, error) {
	raw := chi.URLParam(r, "type")
	st, ok := domain.ParseStageType(raw)
	if !ok {
		return "", apperr.Validation(apperr.CodeInvalidStageType, "unknown stage type").WithMetadata("stage_type", raw)
	}
	return st, nil
}

// CreateBatch registers a new produce batch.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	if _, err := actor(r); err != nil {
		writeAppError(w, r, err)
		return
	}
	var req CreateBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	b, err := h.stages.CreateBatch(r.Context(), domain.Batch{
		ID:             req.ID,
		ProducerID:     req.ProducerID,
		Product:        req.Product,
		Variety:        req.Variety,
		OriginRegion:   req.OriginRegion,
		NetWeightGrams: req.NetWeightGrams,
		HarvestedOn:    req.HarvestedOn,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapBatch(b))
}

// GetBatch returns one batch.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.stages.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapBatch(b))
}

// GetBatchStages returns the ordered stage view of a batch.
func (h *Handler) GetBatchStages(w http.ResponseWriter, r *http.Request) {
	view, err := h.stages.GetBatchStages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapBatchStages(view))
}

// CreateStage creates the next stage, or the named one when stageType is set.
func (h *Handler) CreateStage(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req CreateStageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in := domain.StageInput{
		Location:    req.Location,
		Coordinates: req.Coordinates,
		Notes:       req.Notes,
		EvidenceRef: req.EvidenceRef,
	}
	batchID := chi.URLParam(r, "id")

	var stage domain.VerificationStage
	if req.StageType == "" {
		stage, err = h.stages.CreateNextStage(r.Context(), batchID, a, in)
	} else {
		st := domain.StageType(req.StageType)
		if parsed, ok := domain.ParseStageType(req.StageType); ok {
			st = parsed
		}
		stage, err = h.stages.CreateSpecificStage(r.Context(), batchID, st, a, req.Override, in)
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapStage(stage))
}

type reviewFunc func(ctx context.Context, batchID string, st domain.StageType, actor domain.Actor, notes string) (domain.VerificationStage, error)

// review builds the approve, reject and flag handlers.
func (h *Handler) review(fn reviewFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := actor(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		st, err := stageTypeParam(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		var req ReviewRequest
		if !decodeOptionalJSON(w, r, &req) {
			return
		}
		stage, err := fn(r.Context(), chi.URLParam(r, "id"), st, a, req.Notes)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, mapStage(stage))
	}
}

// ApproveStage moves a PENDING or FLAGGED stage to APPROVED.
func (h *Handler) ApproveStage(w http.ResponseWriter, r *http.Request) {
	h.review(h.stages.Approve)(w, r)
}

// RejectStage moves a PENDING or FLAGGED stage to REJECTED.
func (h *Handler) RejectStage(w http.ResponseWriter, r *http.Request) {
	h.review(h.stages.Reject)(w, r)
}

// FlagStage moves a PENDING stage to FLAGGED.
func (h *Handler) FlagStage(w http.ResponseWriter, r *http.Request) {
	h.review(h.stages.Flag)(w, r)
}

// Finalize freezes a fully approved batch. Anchoring failures are reported
// in the body; the record is created either way.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	if _, err := actor(r); err != nil {
		writeAppError(w, r, err)
		return
	}
	res, err := h.finalizer.Finalize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapFinalization(res))
}

// GetFinalization returns the stored finalization record.
func (h *Handler) GetFinalization(w http.ResponseWriter, r *http.Request) {
	rec, err := h.finalizer.GetFinalization(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapFinalization(&finalization.Result{Record: rec}))
}

// VerifyBatch re-hashes the finalization payload.
func (h *Handler) VerifyBatch(w http.ResponseWriter, r *http.Request) {
	v, err := h.oracle.VerifyBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapBatchVerification(v))
}

// GetBatchHistory returns the ledger trail. It always answers 200.
func (h *Handler) GetBatchHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, mapHistory(h.oracle.GetBatchHistory(r.Context(), chi.URLParam(r, "id"))))
}

// PutEvidence stores the seal and temperature summaries of a batch.
func (h *Handler) PutEvidence(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if !domain.CanReportEvidence(a.Role) {
		writeAppError(w, r, apperr.Authorization(apperr.CodeRoleNotPermitted, "role may not report evidence").
			WithMetadata("role", string(a.Role)))
		return
	}
	var req EvidenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Seal == nil && req.Temperature == nil {
		writeError(w, http.StatusBadRequest, string(apperr.CodeInvalidArgument), "seal or temperature is required")
		return
	}
	batchID := chi.URLParam(r, "id")
	if _, err := h.stages.GetBatch(r.Context(), batchID); err != nil {
		writeAppError(w, r, err)
		return
	}
	ev := domain.Evidence{
		BatchID:     batchID,
		Seal:        req.Seal,
		Temperature: req.Temperature,
		UpdatedAt:   h.now().UTC(),
	}
	if err := h.evidence.PutEvidence(r.Context(), ev); err != nil {
		writeAppError(w, r, apperr.Wrap("put evidence", err))
		return
	}
	writeJSON(w, http.StatusOK, mapEvidence(ev))
}

// CertificateEligibility reports whether a grade can be issued.
func (h *Handler) CertificateEligibility(w http.ResponseWriter, r *http.Request) {
	grade := domain.Grade(r.URL.Query().Get("grade"))
	if g, ok := domain.ParseGrade(string(grade)); ok {
		grade = g
	}
	e, err := h.certificates.CanIssue(r.Context(), chi.URLParam(r, "id"), grade)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapEligibility(e))
}

// IssueCertificate issues a grade certificate for a batch.
func (h *Handler) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if !domain.CanIssueCertificates(a.Role) {
		writeAppError(w, r, apperr.Authorization(apperr.CodeRoleNotPermitted, "role may not issue certificates").
			WithMetadata("role", string(a.Role)))
		return
	}
	var req IssueCertificateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	grade := domain.Grade(req.Grade)
	if g, ok := domain.ParseGrade(req.Grade); ok {
		grade = g
	}
	res, err := h.certificates.Issue(r.Context(), certificate.IssueRequest{
		BatchID:        chi.URLParam(r, "id"),
		Grade:          grade,
		CertifyingBody: req.CertifyingBody,
		ValidityDays:   req.ValidityDays,
		IssuedBy:       a.ID,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapIssued(res))
}

// GetCertificate returns a stored certificate.
func (h *Handler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	c, err := h.certificates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapCertificate(c))
}

// VerifyCertificate recomputes the certificate hash and checks expiry.
func (h *Handler) VerifyCertificate(w http.ResponseWriter, r *http.Request) {
	v, err := h.oracle.VerifyCertificate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapCertificateVerification(v))
}
