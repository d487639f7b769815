package interceptors

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/agri-traceability/internal/pkg/apperr"
)

// TraceServerInterceptor logs every call with its outcome and converts
// domain errors into gRPC status errors. It must run after
// UnaryServerInterceptor so the request id is in the context.
func TraceServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = ToStatus(err)

		attrs := []any{
			"method", info.FullMethod,
			"request_id", GetIDFromContext(ctx),
			"duration_ms", time.Since(start).Milliseconds(),
			"code", status.Code(err).String(),
		}
		if err != nil {
			slog.WarnContext(ctx, "grpc call failed", append(attrs, "error", err)...)
			return resp, err
		}
		slog.InfoContext(ctx, "grpc call finished", attrs...)
		return resp, nil
	}
}

// ToStatus converts err to a gRPC status error. Errors that already carry a
// status pass through; unclassified errors become codes.Internal.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := apperr.As(err); ok {
		return e.GRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(apperr.KindInternal.GRPCCode(), err.Error())
}
