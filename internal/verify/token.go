// Package verify validates bearer tokens against cached session records in
// the shared store, manages sliding expiry, enforces single-device and
// disabled-user checks, and authorizes required capability codes from a
// lazily refreshed permission cache.
package verify

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// Verification modes for a token record.
const (
	// ModeFingerprintHash compares the stored hash with
	// md5(rawToken+fingerprint). Binds the token to one device.
	ModeFingerprintHash = 0

	// ModeSecretKey compares the stored secret with the secret carried
	// inside the access token. Device-independent.
	ModeSecretKey = 1
)

// AccessToken is the decoded form of the opaque bearer token: base64 over
// a small JSON document. Decode failure means the caller never logged in.
type AccessToken struct {
	// ID is the token identifier, the suffix of the Token:<id> store key.
	ID string `json:"id"`

	// UserID is the owning user.
	UserID string `json:"userId"`

	// Secret is the shared secret for ModeSecretKey records.
	Secret string `json:"secret,omitempty"`
}

// DecodeAccessToken decodes a raw bearer token. Returns nil when the token
// is not well-formed; the verifier treats that as "no record".
func DecodeAccessToken(raw string) *AccessToken {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil
	}

	var token AccessToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil
	}
	if token.ID == "" || token.UserID == "" {
		return nil
	}

	return &token
}

// TokenRecord is the cached session record stored at Token:<id> with a TTL
// equal to its current validity window.
type TokenRecord struct {
	// Hash is md5(rawToken+fingerprint) for ModeFingerprintHash records.
	Hash string `json:"hash,omitempty"`

	// Secret is the shared secret for ModeSecretKey records.
	Secret string `json:"secret,omitempty"`

	// VerifyMode selects the verification strategy.
	VerifyMode int `json:"verifyMode"`

	// UserID is the owning user.
	UserID string `json:"userId"`

	// AppID is the application the token was issued for.
	AppID string `json:"appId,omitempty"`

	// TenantID is the owning tenant.
	TenantID string `json:"tenantId,omitempty"`

	// OrgID is the owning organization unit.
	OrgID string `json:"orgId,omitempty"`

	// AreaCode is the caller's area code.
	AreaCode string `json:"areaCode,omitempty"`

	// Life is the issue life in seconds.
	Life int64 `json:"life"`

	// ExpiryTime is the current expiry. Monotonically non-decreasing
	// across refreshes.
	ExpiryTime time.Time `json:"expiryTime"`

	// AutoRefresh enables sliding expiry.
	AutoRefresh bool `json:"autoRefresh"`

	// PermitFuncs is the cached permission-code list. Nil means never
	// fetched.
	PermitFuncs []string `json:"permitFuncs,omitempty"`

	// PermitTime is when the permission list was cached.
	PermitTime time.Time `json:"permitTime,omitempty"`
}

// VerifySource checks the caller's token material against the record,
// mode-dependent.
func (t *TokenRecord) VerifySource(hash, secret string) bool {
	switch t.VerifyMode {
	case ModeSecretKey:
		return t.Secret != "" && t.Secret == secret
	default:
		return t.Hash != "" && t.Hash == hash
	}
}

// Expired reports whether the record is past its expiry.
func (t *TokenRecord) Expired(now time.Time) bool {
	return now.After(t.ExpiryTime)
}

// NeedSlide reports whether sliding expiry should run: auto-refresh is on
// and the record is past half of its remaining life.
func (t *TokenRecord) NeedSlide(now time.Time) bool {
	if !t.AutoRefresh || t.Life <= 0 {
		return false
	}
	remaining := t.ExpiryTime.Sub(now)
	return remaining < time.Duration(t.Life)*time.Second/2
}

// PermitCacheValid reports whether the cached permission list can still be
// used without an upstream fetch.
func (t *TokenRecord) PermitCacheValid(now time.Time, life time.Duration) bool {
	if t.PermitFuncs == nil || t.PermitTime.IsZero() {
		return false
	}
	return now.Sub(t.PermitTime) < life
}

// Permits reports case-insensitive membership of code in the cached
// permission list.
func (t *TokenRecord) Permits(code string) bool {
	for _, fn := range t.PermitFuncs {
		if strings.EqualFold(fn, code) {
			return true
		}
	}
	return false
}
