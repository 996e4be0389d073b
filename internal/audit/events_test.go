package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestEvent(t *testing.T) {
	details := &RequestDetails{Method: "POST", Path: "/base/user/v1.0/users"}
	subject := &Subject{IPAddress: "10.0.0.1", UserAgent: "curl/8"}

	event := RequestEvent(details, subject)

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, EventTypeRequest, event.Type)
	assert.Equal(t, OutcomeSuccess, event.Outcome)
	assert.Equal(t, details, event.Request)
	assert.Equal(t, subject, event.Subject)
}

func TestResponseEvent(t *testing.T) {
	details := &ResponseDetails{StatusCode: 200, Size: 128, Body: `{"ok":true}`}

	event := ResponseEvent(details, 42*time.Millisecond)

	assert.Equal(t, EventTypeResponse, event.Type)
	assert.Equal(t, details, event.Response)
	assert.Equal(t, 42*time.Millisecond, event.Duration)
}

func TestAuthorizationEvent(t *testing.T) {
	event := AuthorizationEvent(OutcomeDenied,
		&Subject{UserID: "u-1", Account: "alice"},
		&Resource{Type: "capability", Code: "admin:all"},
	)

	assert.Equal(t, EventTypeAuthorization, event.Type)
	assert.Equal(t, OutcomeDenied, event.Outcome)
	assert.Equal(t, "admin:all", event.Resource.Code)
}

func TestEventIDsAreUnique(t *testing.T) {
	a := RequestEvent(&RequestDetails{}, nil)
	b := RequestEvent(&RequestDetails{}, nil)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestWithMetadata(t *testing.T) {
	event := ResponseEvent(&ResponseDetails{}, 0).
		WithMetadata("body_truncated", true).
		WithMetadata("request_id", "req-1")

	assert.Equal(t, true, event.Metadata["body_truncated"])
	assert.Equal(t, "req-1", event.Metadata["request_id"])
}
