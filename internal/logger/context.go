package logger

import "context"

// Context correlation: the operational HTTP surface stamps a request id,
// and the MCP transport stamps the turn's session id. Lower layers (the
// fetcher, the session store) read these back so a log line deep in a
// fan-out still names the session that caused it.

type requestIDKeyType struct{}
type sessionIDKeyType struct{}

var (
	requestIDKey = requestIDKeyType{}
	sessionIDKey = sessionIDKeyType{}
)

// WithRequestID stamps the request id for this call chain.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID reads the stamped request id, or "" when none is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithSessionID stamps the session a turn belongs to.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionID reads the stamped session id, or "" when none is set.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}
