// Package middlewares holds the chi middlewares of the HTTP surface.
package middlewares

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/agri-traceability/internal/pkg/interceptors"
	"github.com/jcmexdev/agri-traceability/internal/pkg/interceptors/constants"
)

// AttachRequestMetadata stores the chi request id and the upstream-resolved
// actor headers in the context, and echoes the request id back.
// It must run after middleware.RequestID.
func AttachRequestMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		w.Header().Set(constants.HeaderXRequestID, requestID)

		ctx := interceptors.WithRequestMetadata(r.Context(), requestID,
			r.Header.Get(constants.HeaderXActorID),
			r.Header.Get(constants.HeaderXActorRole))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Trace opens a server span per request, continuing any W3C trace context
// carried by the request headers.
func Trace(next http.Handler) http.Handler {
	tracer := otel.Tracer("httpx")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		// The route pattern is only known once chi has matched it.
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			span.SetName(r.Method + " " + rctx.RoutePattern())
		}
		span.SetAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.Int("http.response.status_code", ww.Status()),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
		)
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}
