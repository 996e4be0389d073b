package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxvoron/edgegate/internal/audit"
	"github.com/maxvoron/edgegate/internal/observability"
	"github.com/maxvoron/edgegate/internal/util"
)

// recordingAuditor collects emitted events for inspection.
type recordingAuditor struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (r *recordingAuditor) LogEvent(ctx context.Context, event *audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingAuditor) Close() error { return nil }

func (r *recordingAuditor) all() []*audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*audit.Event(nil), r.events...)
}

// waitForEvents blocks until the auditor has seen n events. Capture emits
// fire-and-forget, so tests synchronize explicitly.
func waitForEvents(t *testing.T, auditor *recordingAuditor, n int) []*audit.Event {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(auditor.all()) >= n
	}, time.Second, 5*time.Millisecond)

	return auditor.all()
}

func TestRequestCapture_PopulatesContext(t *testing.T) {
	auditor := &recordingAuditor{}

	var gotRequestID, gotFingerprint, gotClientIP string
	handler := RequestCapture(auditor, observability.NewNopLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotRequestID = observability.RequestIDFromContext(r.Context())
			gotFingerprint = observability.FingerprintFromContext(r.Context())
			gotClientIP = ClientIPFromContext(r.Context())
		}))

	r := httptest.NewRequest("GET", "/x", nil)
	r.RemoteAddr = "10.0.0.1:555"
	r.Header.Set("User-Agent", "curl/8")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, r)

	assert.NotEmpty(t, gotRequestID)
	assert.Equal(t, "10.0.0.1", gotClientIP)
	// No token: fingerprint is the hash of client IP plus user agent.
	assert.Equal(t, util.MD5Hex("10.0.0.1curl/8"), gotFingerprint)

	// The id travels on both sides of the exchange.
	assert.Equal(t, gotRequestID, r.Header.Get(HeaderRequestID))
	assert.Equal(t, gotRequestID, rec.Header().Get(HeaderRequestID))
	assert.Equal(t, gotFingerprint, r.Header.Get(HeaderFingerprint))
}

func TestRequestCapture_TokenFingerprint(t *testing.T) {
	auditor := &recordingAuditor{}

	var gotFingerprint string
	handler := RequestCapture(auditor, observability.NewNopLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotFingerprint = observability.FingerprintFromContext(r.Context())
		}))

	r := httptest.NewRequest("GET", "/x", nil)
	r.Header.Set(HeaderAuthorization, "opaque-token")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, util.MD5Hex("opaque-token"), gotFingerprint)
}

func TestRequestCapture_BodyReplay(t *testing.T) {
	auditor := &recordingAuditor{}
	payload := []byte(`{"name":"alice","age":30}`)

	var downstreamBody []byte
	handler := RequestCapture(auditor, observability.NewNopLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var err error
			downstreamBody, err = io.ReadAll(r.Body)
			require.NoError(t, err)
		}))

	r := httptest.NewRequest("POST", "/x", bytes.NewReader(payload))
	handler.ServeHTTP(httptest.NewRecorder(), r)

	// Downstream sees the exact bytes the client sent.
	assert.Equal(t, payload, downstreamBody)

	events := waitForEvents(t, auditor, 1)
	require.NotNil(t, events[0].Request)

	// JSON bodies land parsed in the audit record.
	body, ok := events[0].Request.Body.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "alice", body["name"])
}

func TestRequestCapture_NonJSONBodyLoggedRaw(t *testing.T) {
	auditor := &recordingAuditor{}

	handler := RequestCapture(auditor, observability.NewNopLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest("POST", "/x", bytes.NewReader([]byte("key=value")))
	handler.ServeHTTP(httptest.NewRecorder(), r)

	events := waitForEvents(t, auditor, 1)
	assert.Equal(t, "key=value", events[0].Request.Body)
}

func TestRequestCapture_GetSkipsBody(t *testing.T) {
	auditor := &recordingAuditor{}

	handler := RequestCapture(auditor, observability.NewNopLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest("GET", "/x?page=2&size=10", nil)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	events := waitForEvents(t, auditor, 1)
	assert.Nil(t, events[0].Request.Body)
	assert.Equal(t, "2", events[0].Request.Params["page"])
}

func TestRequestCapture_AuthorizationNeverLogged(t *testing.T) {
	auditor := &recordingAuditor{}

	handler := RequestCapture(auditor, observability.NewNopLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest("GET", "/x", nil)
	r.Header.Set(HeaderAuthorization, "secret-token")
	r.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	events := waitForEvents(t, auditor, 1)
	headers := events[0].Request.Headers
	assert.NotContains(t, headers, HeaderAuthorization)
	assert.Equal(t, "application/json", headers["Content-Type"])
}

func TestParseBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want interface{}
	}{
		{"empty", "", nil},
		{"object", `{"a":1}`, map[string]interface{}{"a": float64(1)}},
		{"array", `[1,2]`, []interface{}{float64(1), float64(2)}},
		{"object with whitespace", "  {\"a\":1}\n", map[string]interface{}{"a": float64(1)}},
		{"form data", "a=1&b=2", "a=1&b=2"},
		{"bracket-shaped but invalid json", "{not json}", "{not json}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseBody([]byte(tt.body)))
		})
	}
}
