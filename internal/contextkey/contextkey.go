package contextkey

// ContextKey is the private type for values this service stores on a context.
// A dedicated type prevents collisions with keys set by other packages.
type ContextKey string

const (
	// ContextKeyRequestID carries the per-request UUID set by the request ID middleware.
	ContextKeyRequestID ContextKey = "request_id"

	// ContextKeyUserID carries the authenticated user's UUID set by the auth middleware
	// or the WebSocket handshake.
	ContextKeyUserID ContextKey = "user_id"

	// ContextKeyConnectionID carries the WebSocket connection UUID for events
	// dispatched through the gateway.
	ContextKeyConnectionID ContextKey = "connection_id"
)
