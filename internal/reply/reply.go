// Package reply defines the business error envelope returned by the
// admission pipeline when a request is short-circuited.
//
// Codes are business codes, not transport status: the envelope is written
// with HTTP 200 and the caller inspects the code field. The taxonomy is
// fixed for wire compatibility with existing clients.
package reply

import (
	"encoding/json"
	"net/http"
)

// Business codes.
const (
	CodeSuccess            = 200
	CodeFail               = 400
	CodeNoAuth             = 403
	CodeNotFound           = 404
	CodeForbidden          = 413
	CodeInvalidToken       = 421
	CodeExpiredToken       = 422
	CodeSubmitTokenMissing = 424
	CodeTooOften           = 490
)

// Reply is the error/result envelope.
type Reply struct {
	// Code is the business result code.
	Code int `json:"code"`

	// Message is a human-readable description of the result.
	Message string `json:"message"`

	// Option carries the request id for failed requests so callers can
	// correlate with gateway logs.
	Option string `json:"option,omitempty"`
}

// OK reports whether the reply is a success.
func (r *Reply) OK() bool {
	return r.Code == CodeSuccess
}

// Success returns a success reply.
func Success() *Reply {
	return &Reply{Code: CodeSuccess, Message: "ok"}
}

// Fail returns a generic failure reply.
func Fail(requestID, message string) *Reply {
	return &Reply{Code: CodeFail, Message: message, Option: requestID}
}

// NoAuth indicates the caller is authenticated but lacks the required
// capability.
func NoAuth(requestID string) *Reply {
	return &Reply{Code: CodeNoAuth, Message: "permission denied", Option: requestID}
}

// NotFound indicates the request matched no route entry.
func NotFound(requestID string) *Reply {
	return &Reply{Code: CodeNotFound, Message: "interface not found", Option: requestID}
}

// Forbid indicates the account is disabled or signed in elsewhere.
func Forbid(requestID, message string) *Reply {
	if message == "" {
		message = "account is forbidden"
	}
	return &Reply{Code: CodeForbidden, Message: message, Option: requestID}
}

// InvalidToken indicates the access token failed verification.
func InvalidToken(requestID string) *Reply {
	return &Reply{Code: CodeInvalidToken, Message: "invalid token", Option: requestID}
}

// ExpiredToken indicates the access token is past its expiry and must be
// refreshed.
func ExpiredToken(requestID string) *Reply {
	return &Reply{Code: CodeExpiredToken, Message: "token expired, refresh required", Option: requestID}
}

// SubmitTokenMissing indicates the anti-replay submit token is absent or
// does not match.
func SubmitTokenMissing(requestID string) *Reply {
	return &Reply{Code: CodeSubmitTokenMissing, Message: "submit token missing or already used", Option: requestID}
}

// TooOften indicates the caller was rate limited. An empty message falls
// back to the default denial text.
func TooOften(requestID, message string) *Reply {
	if message == "" {
		message = "too many requests, please retry later"
	}
	return &Reply{Code: CodeTooOften, Message: message, Option: requestID}
}

// Write serializes the reply as JSON onto the response. The transport
// status stays 200: the business code inside the envelope is the contract.
func (r *Reply) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(r)
}
