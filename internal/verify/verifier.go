package verify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/maxvoron/edgegate/internal/audit"
	"github.com/maxvoron/edgegate/internal/permit"
	"github.com/maxvoron/edgegate/internal/reply"
	"github.com/maxvoron/edgegate/internal/store"
	"github.com/maxvoron/edgegate/internal/util"
)

// Store key prefixes used by the verifier.
const (
	tokenPrefix     = "Token:"
	userPrefix      = "User:"
	appPrefix       = "App:"
	userTokenPrefix = "UserToken:"
)

// Hash field names.
const (
	fieldInvalid    = "invalid"
	fieldUser       = "User"
	fieldSignInType = "SignInType"
)

// slideTimeout is the fixed grace added on top of the issue life when the
// expiry slides forward.
const slideTimeout = 5 * time.Minute

// DefaultPermitCacheLife is how long a fetched permission list serves
// before the next upstream refresh.
const DefaultPermitCacheLife = 30 * time.Minute

// Prometheus metrics for verification outcomes
var (
	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_verifications_total",
			Help: "Total number of token verifications by outcome",
		},
		[]string{"outcome"},
	)

	permitFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_permit_fetches_total",
			Help: "Total number of upstream permission list fetches",
		},
		[]string{"status"},
	)
)

// Manager builds per-request verifications. It owns the long-lived
// collaborators; all per-request state lives on the Verification so
// concurrent requests never share mutable fields.
type Manager struct {
	store           store.Store
	permits         permit.Client
	auditor         audit.Logger
	logger          *zap.Logger
	permitCacheLife time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPermitCacheLife overrides the permission cache validity window.
func WithPermitCacheLife(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.permitCacheLife = d
	}
}

// WithAuditLogger sets the audit logger for denial records.
func WithAuditLogger(a audit.Logger) ManagerOption {
	return func(m *Manager) {
		m.auditor = a
	}
}

// NewManager creates a verification manager.
func NewManager(s store.Store, permits permit.Client, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		store:           s,
		permits:         permits,
		auditor:         audit.NewNopLogger(),
		logger:          logger,
		permitCacheLife: DefaultPermitCacheLife,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Verification holds the per-request verifier state: decoded token, loaded
// record, derived hash. Owned exclusively by one request's execution.
type Verification struct {
	mgr *Manager

	requestID   string
	rawToken    string
	fingerprint string

	hash    string
	tokenID string
	userID  string
	record  *TokenRecord
}

// Verify constructs a per-request verification: decode the raw token, load
// the token record, and run sliding expiry. Decode failure or record
// absence leaves the verification in a "no record" state; Compare reports
// that as InvalidToken.
func (m *Manager) Verify(ctx context.Context, requestID, rawToken, fingerprint string) *Verification {
	v := &Verification{
		mgr:         m,
		requestID:   requestID,
		rawToken:    rawToken,
		fingerprint: fingerprint,
		hash:        util.MD5Hex(rawToken + fingerprint),
	}

	token := DecodeAccessToken(rawToken)
	if token == nil {
		if rawToken != "" {
			m.logger.Warn("failed to decode access token", zap.String("request_id", requestID))
		}
		return v
	}

	v.tokenID = token.ID
	v.userID = token.UserID

	record, err := m.loadRecord(ctx, token.ID)
	if err != nil {
		if !store.IsKeyNotFound(err) {
			m.logger.Error("failed to load token record",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
		}
		return v
	}
	v.record = record

	m.slideExpiry(ctx, v)

	return v
}

// loadRecord reads and decodes the token record from the shared store.
func (m *Manager) loadRecord(ctx context.Context, tokenID string) (*TokenRecord, error) {
	raw, err := m.store.Get(ctx, tokenPrefix+tokenID)
	if err != nil {
		return nil, err
	}

	var record TokenRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, err
	}

	return &record, nil
}

// slideExpiry extends the record's expiry when it is past half of its
// remaining life. Races between concurrent refreshes are harmless: all
// racing writers compute the same target expiry within request-processing
// skew, and the expiry only ever moves forward.
func (m *Manager) slideExpiry(ctx context.Context, v *Verification) {
	now := time.Now()
	record := v.record
	if !record.NeedSlide(now) {
		return
	}

	life := time.Duration(record.Life) * time.Second
	record.ExpiryTime = now.Add(slideTimeout + life)

	if err := m.persistRecord(ctx, v.tokenID, record, slideTimeout+life); err != nil {
		// Best effort: the request proceeds on the in-memory record.
		m.logger.Warn("failed to persist refreshed token record",
			zap.String("request_id", v.requestID),
			zap.Error(err),
		)
	}
}

// persistRecord writes the record back with the given TTL.
func (m *Manager) persistRecord(ctx context.Context, tokenID string, record *TokenRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, tokenPrefix+tokenID, string(data), ttl)
}

// Compare runs the verification state machine for a required capability
// code. The first failing check wins; an empty code means authentication
// only.
func (v *Verification) Compare(ctx context.Context, code string) *reply.Reply {
	r := v.compare(ctx, code)
	verificationsTotal.WithLabelValues(outcomeLabel(r)).Inc()
	return r
}

func (v *Verification) compare(ctx context.Context, code string) *reply.Reply {
	if v.record == nil {
		return reply.InvalidToken(v.requestID)
	}

	if !v.record.VerifySource(v.hash, v.secret()) {
		return reply.InvalidToken(v.requestID)
	}

	if v.record.Expired(time.Now()) {
		return reply.ExpiredToken(v.requestID)
	}

	if v.userDisabled(ctx) {
		return reply.Forbid(v.requestID, "account is disabled")
	}

	if v.signedInElsewhere(ctx) {
		return reply.Forbid(v.requestID, "account signed in elsewhere")
	}

	if code == "" {
		return reply.Success()
	}

	if !v.record.PermitCacheValid(time.Now(), v.mgr.permitCacheLife) {
		v.refreshPermits(ctx)
	}

	if v.record.Permits(code) {
		return reply.Success()
	}

	account := v.profile(ctx).Account
	v.mgr.logger.Warn("unauthorized capability attempt",
		zap.String("request_id", v.requestID),
		zap.String("account", account),
		zap.String("code", code),
	)
	v.mgr.auditor.LogEvent(ctx, audit.AuthorizationEvent(audit.OutcomeDenied,
		&audit.Subject{UserID: v.userID, Account: account},
		&audit.Resource{Type: "capability", Code: code},
	))

	return reply.NoAuth(v.requestID)
}

// secret extracts the secret carried in the raw token, for ModeSecretKey
// records.
func (v *Verification) secret() string {
	token := DecodeAccessToken(v.rawToken)
	if token == nil {
		return ""
	}
	return token.Secret
}

// userDisabled reads the disabled flag from the cached user profile. An
// absent profile counts as disabled: a user the platform does not know
// must not pass.
func (v *Verification) userDisabled(ctx context.Context) bool {
	value, err := v.mgr.store.HGet(ctx, userPrefix+v.userID, fieldInvalid)
	if err != nil {
		if !store.IsKeyNotFound(err) {
			v.mgr.logger.Error("failed to read user flags",
				zap.String("request_id", v.requestID),
				zap.Error(err),
			)
		}
		return true
	}
	return value == "true"
}

// signedInElsewhere enforces single-device mode when the application has
// it enabled: the token id must be the currently registered device token
// for this user and app.
func (v *Verification) signedInElsewhere(ctx context.Context) bool {
	if v.record.AppID == "" {
		return false
	}

	signInType, err := v.mgr.store.HGet(ctx, appPrefix+v.record.AppID, fieldSignInType)
	if err != nil || signInType != "true" {
		// Absent toggle means the app allows concurrent devices.
		return false
	}

	current, err := v.mgr.store.HGet(ctx, userTokenPrefix+v.userID, v.record.AppID)
	if err != nil {
		return false
	}

	return current != v.tokenID
}

// refreshPermits fetches a fresh permission list from the authorization
// service and caches it with TTL bounded by the remaining token life. An
// upstream failure leaves the stale cache in place; the membership test
// then fails closed for codes the stale list does not contain.
func (v *Verification) refreshPermits(ctx context.Context) {
	info := v.loginInfoWith(v.profile(ctx))

	codes, err := v.mgr.permits.GetPermits(ctx, info.Encode())
	if err != nil {
		permitFetchesTotal.WithLabelValues("error").Inc()
		v.mgr.logger.Error("failed to fetch permission list",
			zap.String("request_id", v.requestID),
			zap.String("user_id", v.userID),
			zap.Error(err),
		)
		return
	}
	permitFetchesTotal.WithLabelValues("success").Inc()

	now := time.Now()
	v.record.PermitFuncs = codes
	if v.record.PermitFuncs == nil {
		v.record.PermitFuncs = []string{}
	}
	v.record.PermitTime = now

	remaining := v.record.ExpiryTime.Sub(now)
	if remaining <= 0 {
		return
	}
	if err := v.mgr.persistRecord(ctx, v.tokenID, v.record, remaining); err != nil {
		v.mgr.logger.Warn("failed to persist permission cache",
			zap.String("request_id", v.requestID),
			zap.Error(err),
		)
	}
}

// profile loads the cached user profile. Missing fields degrade to empty
// strings; profile data is informational, not a gate.
func (v *Verification) profile(ctx context.Context) *userProfile {
	raw, err := v.mgr.store.HGet(ctx, userPrefix+v.userID, fieldUser)
	if err != nil {
		return &userProfile{}
	}

	var profile userProfile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return &userProfile{}
	}

	return &profile
}

// LoginInfo reconstructs the identity bundle for the verified caller.
// Valid only after a successful Compare.
func (v *Verification) LoginInfo(ctx context.Context) *LoginInfo {
	return v.loginInfoWith(v.profile(ctx))
}

// loginInfoWith builds the identity bundle from an already-loaded profile.
func (v *Verification) loginInfoWith(profile *userProfile) *LoginInfo {
	info := &LoginInfo{
		UserID:     v.userID,
		UserName:   profile.Name,
		Account:    profile.Account,
		TenantName: profile.TenantName,
		OrgName:    profile.OrgName,
	}
	if v.record != nil {
		info.AppID = v.record.AppID
		info.TenantID = v.record.TenantID
		info.OrgID = v.record.OrgID
		info.AreaCode = v.record.AreaCode
	}
	return info
}

// UserID returns the token owner's user id.
func (v *Verification) UserID() string {
	return v.userID
}

// outcomeLabel maps a reply to a metric label.
func outcomeLabel(r *reply.Reply) string {
	switch r.Code {
	case reply.CodeSuccess:
		return "success"
	case reply.CodeInvalidToken:
		return "invalid_token"
	case reply.CodeExpiredToken:
		return "expired_token"
	case reply.CodeForbidden:
		return "forbidden"
	case reply.CodeNoAuth:
		return "no_auth"
	default:
		return "fail"
	}
}
