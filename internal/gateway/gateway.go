// Package gateway composes the admission pipeline: request capture, route
// resolution, rate limiting, token verification, anti-replay token
// consumption, and forwarding, in that fixed order per request.
package gateway

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/maxvoron/edgegate/internal/audit"
	"github.com/maxvoron/edgegate/internal/middleware"
	"github.com/maxvoron/edgegate/internal/observability"
	"github.com/maxvoron/edgegate/internal/ratelimit"
	"github.com/maxvoron/edgegate/internal/reply"
	"github.com/maxvoron/edgegate/internal/router"
	"github.com/maxvoron/edgegate/internal/store"
	"github.com/maxvoron/edgegate/internal/util"
	"github.com/maxvoron/edgegate/internal/verify"
)

// Headers consumed and produced by the pipeline.
const (
	// HeaderLoginInfo carries the verified caller identity to backends.
	HeaderLoginInfo = "loginInfo"

	// HeaderSubmitToken carries the one-time anti-replay token.
	HeaderSubmitToken = "SubmitToken"
)

// submitTokenPrefix keys one-time submit tokens in the shared store.
const submitTokenPrefix = "SubmitToken:"

// pipelineShortCircuitsTotal counts requests stopped before forwarding.
var pipelineShortCircuitsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_pipeline_short_circuits_total",
		Help: "Total number of requests short-circuited by pipeline stage",
	},
	[]string{"stage"},
)

// Gateway is the admission pipeline orchestrator.
type Gateway struct {
	resolver *router.Resolver
	limiter  *ratelimit.Limiter
	verifier *verify.Manager
	store    store.Store
	auditor  audit.Logger
	logger   observability.Logger
	proxy    *httputil.ReverseProxy
}

// Options holds the collaborators and settings for a Gateway.
type Options struct {
	Resolver *router.Resolver
	Limiter  *ratelimit.Limiter
	Verifier *verify.Manager
	Store    store.Store
	Auditor  audit.Logger
	Logger   observability.Logger

	// Target is the downstream forward target.
	Target *url.URL

	// FlushInterval is the proxy streaming flush interval.
	FlushInterval time.Duration
}

// New creates a Gateway.
func New(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = observability.GetGlobalLogger()
	}
	if opts.Auditor == nil {
		opts.Auditor = audit.NewNopLogger()
	}

	gw := &Gateway{
		resolver: opts.Resolver,
		limiter:  opts.Limiter,
		verifier: opts.Verifier,
		store:    opts.Store,
		auditor:  opts.Auditor,
		logger:   opts.Logger,
	}

	gw.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(opts.Target)
			pr.Out.Host = opts.Target.Host
			pr.SetXForwarded()
		},
		FlushInterval: opts.FlushInterval,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			requestID := observability.RequestIDFromContext(r.Context())
			opts.Logger.Error("forward failed",
				observability.String("request_id", requestID),
				observability.String("path", r.URL.Path),
				observability.Error(err),
			)
			reply.Fail(requestID, "backend unavailable").Write(w)
		},
	}

	return gw
}

// Handler returns the full pipeline handler: response capture outermost,
// then request capture, then admission and forwarding.
func (g *Gateway) Handler() http.Handler {
	admission := http.HandlerFunc(g.admit)

	chain := middleware.RequestCapture(g.auditor, g.logger)(admission)
	chain = middleware.ResponseCapture(g.auditor)(chain)

	return chain
}

// admit runs the ordered admission stages and forwards on success. Each
// stage is terminal on failure: the error envelope is written and nothing
// later runs.
func (g *Gateway) admit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := observability.RequestIDFromContext(ctx)
	fingerprint := observability.FingerprintFromContext(ctx)

	// Route resolution.
	route, err := g.resolver.Resolve(ctx, r.Method, r.URL.Path)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			pipelineShortCircuitsTotal.WithLabelValues("route").Inc()
			reply.NotFound(requestID).Write(w)
			return
		}
		pipelineShortCircuitsTotal.WithLabelValues("route_error").Inc()
		g.logger.Error("route resolution failed",
			observability.String("request_id", requestID),
			observability.Error(err),
		)
		reply.Fail(requestID, "gateway temporarily unavailable").Write(w)
		return
	}

	if route.LogResult {
		middleware.EnableResponseLog(ctx)
	}

	// Rate limiting.
	if route.Limit {
		result, err := g.limiter.Admit(ctx, route.Key(), fingerprint, route)
		if err != nil {
			pipelineShortCircuitsTotal.WithLabelValues("limit_error").Inc()
			g.logger.Error("rate limit check failed",
				observability.String("request_id", requestID),
				observability.Error(err),
			)
			reply.Fail(requestID, "gateway temporarily unavailable").Write(w)
			return
		}
		if !result.Allowed {
			pipelineShortCircuitsTotal.WithLabelValues("limit").Inc()
			reply.TooOften(requestID, result.Message).Write(w)
			return
		}
	}

	// Token verification and capability authorization.
	var verification *verify.Verification
	if route.Verify {
		token := bearerToken(r)
		verification = g.verifier.Verify(ctx, requestID, token, fingerprint)

		if rep := verification.Compare(ctx, route.AuthCode); !rep.OK() {
			pipelineShortCircuitsTotal.WithLabelValues("verify").Inc()
			rep.Write(w)
			return
		}

		r.Header.Set(HeaderLoginInfo, verification.LoginInfo(ctx).Encode())
	}

	// Anti-replay submit token: validate and consume.
	if route.NeedToken {
		if !g.consumeSubmitToken(r, verification) {
			pipelineShortCircuitsTotal.WithLabelValues("submit_token").Inc()
			reply.SubmitTokenMissing(requestID).Write(w)
			return
		}
	}

	g.proxy.ServeHTTP(w, r)
}

// consumeSubmitToken validates the one-time token and deletes it from the
// store in a single atomic get-and-delete. A mismatched value is consumed
// all the same: replay of a stolen value must not succeed later.
func (g *Gateway) consumeSubmitToken(r *http.Request, verification *verify.Verification) bool {
	presented := r.Header.Get(HeaderSubmitToken)
	if presented == "" {
		return false
	}

	owner := observability.FingerprintFromContext(r.Context())
	if verification != nil && verification.UserID() != "" {
		owner = verification.UserID()
	}

	key := submitTokenPrefix + util.MD5Hex(owner+":"+r.Method+":"+r.URL.Path)
	stored, err := g.store.GetDel(r.Context(), key)
	if err != nil {
		return false
	}

	return stored == presented
}

// bearerToken extracts the raw token from the Authorization header,
// accepting both bare and "Bearer "-prefixed forms.
func bearerToken(r *http.Request) string {
	value := r.Header.Get(middleware.HeaderAuthorization)
	if after, ok := strings.CutPrefix(value, "Bearer "); ok {
		return after
	}
	return value
}

