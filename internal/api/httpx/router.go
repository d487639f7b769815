package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/agri-traceability/internal/api/httpx/middlewares"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachRequestMetadata)
	r.Use(middlewares.Trace)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/batches", func(r chi.Router) {
		r.Post("/", handler.CreateBatch)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handler.GetBatch)
			r.Get("/stages", handler.GetBatchStages)
			r.Post("/stages", handler.CreateStage)
			r.Post("/stages/{type}/approve", handler.ApproveStage)
			r.Post("/stages/{type}/reject", handler.RejectStage)
			r.Post("/stages/{type}/flag", handler.FlagStage)
			r.Post("/finalize", handler.Finalize)
			r.Get("/finalization", handler.GetFinalization)
			r.Get("/verify", handler.VerifyBatch)
			r.Get("/history", handler.GetBatchHistory)
			r.Put("/evidence", handler.PutEvidence)
			r.Get("/certificates/eligibility", handler.CertificateEligibility)
			r.Post("/certificates", handler.IssueCertificate)
		})
	})

	r.Get("/certificates/{id}", handler.GetCertificate)
	r.Get("/certificates/{id}/verify", handler.VerifyCertificate)
	return r
}
