package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/maxvoron/edgegate/internal/audit"
	"github.com/maxvoron/edgegate/internal/observability"
	"github.com/maxvoron/edgegate/internal/util"
)

// Headers produced toward the pipeline and backends.
const (
	// HeaderRequestID carries the per-request id.
	HeaderRequestID = "requestId"

	// HeaderFingerprint carries the derived caller fingerprint.
	HeaderFingerprint = "fingerprint"

	// HeaderAuthorization carries the bearer token.
	HeaderAuthorization = "Authorization"
)

// loggedHeaders is the explicit allow-list copied into the request audit
// record. Everything else, the Authorization header included, stays out of
// the logs.
var loggedHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Accept",
	"User-Agent",
	"Host",
	headerXForwardedFor,
	headerXRealIP,
}

// jsonBody matches a trimmed body that looks like a JSON object or array.
var jsonBody = regexp.MustCompile(`(?s)^[{\[].*[}\]]$`)

// RequestCapture assigns the request id and fingerprint, derives the
// client IP, buffers the request body exactly once so both the audit
// record and the downstream forwarder see identical bytes, and emits the
// request audit record fire-and-forget.
func RequestCapture(auditor audit.Logger, logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.New().String()
			clientIP := ClientIP(r)
			fingerprint := deriveFingerprint(r, clientIP)

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			ctx = observability.ContextWithFingerprint(ctx, fingerprint)
			ctx = ContextWithClientIP(ctx, clientIP)
			r = r.WithContext(ctx)

			r.Header.Set(HeaderRequestID, requestID)
			r.Header.Set(HeaderFingerprint, fingerprint)
			w.Header().Set(HeaderRequestID, requestID)

			// Buffer the body once and hand downstream a replayable
			// reader over the same bytes. GET requests carry no body
			// worth capturing.
			var body []byte
			if r.Method != http.MethodGet && r.Body != nil {
				var err error
				body, err = io.ReadAll(r.Body)
				if err != nil {
					// Client went away mid-read. No partial audit
					// record; cancellation propagates to the caller.
					logger.Debug("request body read aborted",
						observability.String("request_id", requestID),
						observability.Error(err),
					)
					return
				}
				_ = r.Body.Close()
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			event := buildRequestEvent(r, clientIP, body)
			go auditor.LogEvent(ctx, event)

			next.ServeHTTP(w, r)
		})
	}
}

// deriveFingerprint computes the caller fingerprint: hash of the token
// when one is present, otherwise hash of client IP plus user agent.
func deriveFingerprint(r *http.Request, clientIP string) string {
	if token := r.Header.Get(HeaderAuthorization); token != "" {
		return util.MD5Hex(token)
	}
	return util.MD5Hex(clientIP + r.UserAgent())
}

// buildRequestEvent assembles the request audit record: allow-listed
// headers, query parameters, and the parsed-or-raw body.
func buildRequestEvent(r *http.Request, clientIP string, body []byte) *audit.Event {
	headers := make(map[string]string, len(loggedHeaders))
	for _, name := range loggedHeaders {
		if value := r.Header.Get(name); value != "" {
			headers[name] = value
		}
	}

	var params map[string]string
	if query := r.URL.Query(); len(query) > 0 {
		params = make(map[string]string, len(query))
		for name, values := range query {
			params[name] = values[0]
		}
	}

	details := &audit.RequestDetails{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: headers,
		Params:  params,
		Body:    parseBody(body),
	}

	subject := &audit.Subject{
		IPAddress: clientIP,
		UserAgent: r.UserAgent(),
	}

	return audit.RequestEvent(details, subject)
}

// parseBody detects a JSON object or array by its bracket pattern and
// parses it; anything else is logged as the raw string.
func parseBody(body []byte) interface{} {
	if len(body) == 0 {
		return nil
	}

	trimmed := strings.TrimSpace(string(body))
	if jsonBody.MatchString(trimmed) {
		var parsed interface{}
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}

	return string(body)
}
