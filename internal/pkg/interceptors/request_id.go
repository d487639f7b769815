// Package interceptors carries request metadata (request id, resolved actor)
// into the context of gRPC handlers and maps domain errors to gRPC status.
package interceptors

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/agri-traceability/internal/pkg/interceptors/constants"
)

const unknown = "unknown"

// UnaryServerInterceptor copies x-request-id and the actor headers from the
// incoming metadata into the context. A missing request id is generated.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		requestID := GetMetadataValue(ctx, constants.HeaderXRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = WithRequestMetadata(ctx, requestID,
			GetMetadataValue(ctx, constants.HeaderXActorID),
			GetMetadataValue(ctx, constants.HeaderXActorRole))

		slog.DebugContext(ctx, "grpc call started", "method", info.FullMethod, "request_id", requestID)
		return handler(ctx, req)
	}
}

// WithRequestMetadata stores the request id and actor in ctx. The HTTP
// middleware uses it too so both transports share the same keys.
func WithRequestMetadata(ctx context.Context, requestID, actorID, actorRole string) context.Context {
	ctx = context.WithValue(ctx, constants.ContextKeyRequestID, requestID)
	ctx = context.WithValue(ctx, constants.ContextKeyActorID, actorID)
	return context.WithValue(ctx, constants.ContextKeyActorRole, actorRole)
}

// GetIDFromContext returns the request id of ctx, or "unknown".
func GetIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(constants.ContextKeyRequestID).(string); ok && id != "" {
		return id
	}
	if id := GetMetadataValue(ctx, constants.HeaderXRequestID); id != "" {
		return id
	}
	return unknown
}

// ActorFromContext returns the actor id and role stored by the interceptor.
func ActorFromContext(ctx context.Context) (id, role string) {
	id, _ = ctx.Value(constants.ContextKeyActorID).(string)
	role, _ = ctx.Value(constants.ContextKeyActorRole).(string)
	return id, role
}

// ContextWithPropagatedID appends the request id to the outgoing metadata.
func ContextWithPropagatedID(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, constants.HeaderXRequestID, GetIDFromContext(ctx))
}

// GetMetadataValue reads key from the incoming, then the outgoing metadata.
func GetMetadataValue(ctx context.Context, key string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}
