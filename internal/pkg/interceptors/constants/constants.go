package constants

// contextKey is an unexported type for context keys in this package.
// Using a custom type prevents collisions with keys from other packages
// that might use the same underlying string value.
type contextKey string

const (
	HeaderXRequestID = "x-request-id"
	HeaderXActorID   = "x-actor-id"
	HeaderXActorRole = "x-actor-role"

	// ContextKeyRequestID is the context key for the request ID.
	ContextKeyRequestID contextKey = HeaderXRequestID
	// ContextKeyActorID is the context key for the resolved actor id.
	ContextKeyActorID contextKey = HeaderXActorID
	// ContextKeyActorRole is the context key for the resolved actor role.
	ContextKeyActorRole contextKey = HeaderXActorRole
)
