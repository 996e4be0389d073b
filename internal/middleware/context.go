package middleware

import (
	"context"
)

type ctxKey int

const (
	ctxKeyClientIP ctxKey = iota
	ctxKeyCaptureState
)

// captureState is the mutable per-request flag bridge between the
// orchestrator (which learns the route's response-logging setting after
// the response writer is already wrapped) and the response capture filter.
// It is owned exclusively by one request's execution.
type captureState struct {
	logResponse bool
}

// ContextWithClientIP adds the derived client IP to the context.
func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyClientIP, ip)
}

// ClientIPFromContext extracts the derived client IP from context.
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyClientIP).(string); ok {
		return v
	}
	return ""
}

// contextWithCaptureState seeds the per-request capture state.
func contextWithCaptureState(ctx context.Context, s *captureState) context.Context {
	return context.WithValue(ctx, ctxKeyCaptureState, s)
}

// EnableResponseLog marks the current request for response body logging.
// Called by the orchestrator once the matched route is known.
func EnableResponseLog(ctx context.Context) {
	if s, ok := ctx.Value(ctxKeyCaptureState).(*captureState); ok {
		s.logResponse = true
	}
}

// responseLogEnabled reports whether the current request was marked for
// response body logging.
func responseLogEnabled(ctx context.Context) bool {
	if s, ok := ctx.Value(ctxKeyCaptureState).(*captureState); ok {
		return s.logResponse
	}
	return false
}
