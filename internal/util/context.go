package util

import (
	"context"
	"time"
)

// Context keys.
type ctxKey string

const (
	ctxKeySessionID ctxKey = "session_id"
	ctxKeyClient    ctxKey = "client"
	ctxKeyBackend   ctxKey = "backend"
	ctxKeyStartTime ctxKey = "start_time"
)

// ContextWithSessionID adds a session ID to the context.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, sessionID)
}

// SessionIDFromContext extracts the session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeySessionID).(string); ok {
		return v
	}
	return ""
}

// ContextWithClient adds the client address to the context.
func ContextWithClient(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, ctxKeyClient, client)
}

// ClientFromContext extracts the client address from context.
func ClientFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyClient).(string); ok {
		return v
	}
	return ""
}

// ContextWithBackend adds the backend address to the context.
func ContextWithBackend(ctx context.Context, backend string) context.Context {
	return context.WithValue(ctx, ctxKeyBackend, backend)
}

// BackendFromContext extracts the backend address from context.
func BackendFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyBackend).(string); ok {
		return v
	}
	return ""
}

// ContextWithStartTime adds a start time to the context.
func ContextWithStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ctxKeyStartTime, t)
}

// StartTimeFromContext extracts the start time from context.
func StartTimeFromContext(ctx context.Context) time.Time {
	if v, ok := ctx.Value(ctxKeyStartTime).(time.Time); ok {
		return v
	}
	return time.Time{}
}
