// Package audit produces structured audit records for the admission
// pipeline: captured requests and responses, and authorization denials.
// Emission is fire-and-forget; an audit failure never affects the request
// outcome.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event.
type EventType string

// Event types.
const (
	EventTypeRequest       EventType = "request"
	EventTypeResponse      EventType = "response"
	EventTypeAuthorization EventType = "authorization"
	EventTypeSecurity      EventType = "security"
)

// Outcome represents the outcome of an audited action.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailure Outcome = "failure"
)

// Subject is the entity performing the action.
type Subject struct {
	UserID    string `json:"user_id,omitempty"`
	Account   string `json:"account,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Resource is the resource being accessed.
type Resource struct {
	Type   string `json:"type,omitempty"`
	Path   string `json:"path,omitempty"`
	Method string `json:"method,omitempty"`
	Code   string `json:"code,omitempty"`
}

// RequestDetails captures the inbound request for the audit record. Body
// is either the parsed JSON document or the raw string.
type RequestDetails struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Body    interface{}       `json:"body,omitempty"`
}

// ResponseDetails captures the outbound response for the audit record.
type ResponseDetails struct {
	StatusCode int    `json:"status_code"`
	Size       int    `json:"size"`
	Body       string `json:"body,omitempty"`
}

// Event represents one audit record.
type Event struct {
	// ID is a unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Outcome is the outcome of the action.
	Outcome Outcome `json:"outcome"`

	// Subject is the entity performing the action.
	Subject *Subject `json:"subject,omitempty"`

	// Resource is the resource being accessed.
	Resource *Resource `json:"resource,omitempty"`

	// Request contains request details.
	Request *RequestDetails `json:"request,omitempty"`

	// Response contains response details.
	Response *ResponseDetails `json:"response,omitempty"`

	// Duration is the processing time for response events.
	Duration time.Duration `json:"duration,omitempty"`

	// Metadata contains additional metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// TraceID is the trace ID for distributed tracing.
	TraceID string `json:"trace_id,omitempty"`
}

// newEvent creates an event with id and timestamp populated.
func newEvent(eventType EventType, outcome Outcome) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Outcome:   outcome,
	}
}

// WithMetadata attaches one metadata entry to the event.
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// RequestEvent creates a request capture event.
func RequestEvent(details *RequestDetails, subject *Subject) *Event {
	event := newEvent(EventTypeRequest, OutcomeSuccess)
	event.Request = details
	event.Subject = subject
	return event
}

// ResponseEvent creates a response capture event.
func ResponseEvent(details *ResponseDetails, duration time.Duration) *Event {
	event := newEvent(EventTypeResponse, OutcomeSuccess)
	event.Response = details
	event.Duration = duration
	return event
}

// AuthorizationEvent creates an authorization decision event.
func AuthorizationEvent(outcome Outcome, subject *Subject, resource *Resource) *Event {
	event := newEvent(EventTypeAuthorization, outcome)
	event.Subject = subject
	event.Resource = resource
	return event
}
