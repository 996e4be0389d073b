package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/maxvoron/edgegate/internal/store"
	"github.com/maxvoron/edgegate/internal/util"
)

// ConfigKey is the shared store key holding the serialized route table.
const ConfigKey = "Config:Interface"

// DefaultRefreshInterval is how long an index snapshot may serve before a
// rebuild. Bounded staleness: up to this much route-table lag is traded for
// avoiding a store round trip on every request.
const DefaultRefreshInterval = 60 * time.Second

// Prometheus metrics for route resolution
var (
	routeResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_route_resolutions_total",
			Help: "Total number of route resolutions by outcome",
		},
		[]string{"outcome"},
	)

	routeIndexRebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_route_index_rebuilds_total",
			Help: "Total number of route index rebuilds",
		},
		[]string{"trigger", "status"},
	)

	routeIndexSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_route_index_entries",
			Help: "Number of entries in the current route index",
		},
		[]string{"kind"},
	)
)

// index is one immutable snapshot of the route table. Snapshots are
// replaced wholesale; readers holding an old snapshot during a concurrent
// rebuild keep a consistent view.
type index struct {
	exact   map[string]*Route
	regexes []*compiledRoute
	builtAt time.Time
}

// Resolver maps (method, path) to a Route using the cached index.
type Resolver struct {
	store           store.Store
	logger          *zap.Logger
	refreshInterval time.Duration

	snapshot atomic.Pointer[index]
	// rebuildMu collapses concurrent rebuilds into one store round trip.
	rebuildMu sync.Mutex
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithRefreshInterval overrides the staleness window.
func WithRefreshInterval(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.refreshInterval = d
	}
}

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a route resolver backed by the shared store.
func NewResolver(s store.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:           s,
		logger:          zap.NewNop(),
		refreshInterval: DefaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps an HTTP method and path to a route. It returns
// util.RouteNotFoundError after the exact index, the regex list, and one
// forced rebuild all fail to match.
func (r *Resolver) Resolve(ctx context.Context, method, path string) (*Route, error) {
	snap := r.snapshot.Load()

	if snap == nil || time.Since(snap.builtAt) > r.refreshInterval {
		rebuilt, err := r.rebuild(ctx, "stale")
		if err != nil {
			// Keep serving the old snapshot if one exists.
			if snap == nil {
				return nil, err
			}
			r.logger.Warn("route index refresh failed, serving stale snapshot",
				zap.Error(err),
				zap.Duration("age", time.Since(snap.builtAt)),
			)
		} else {
			snap = rebuilt
		}
	}

	if route := snap.lookup(method, path); route != nil {
		routeResolutionsTotal.WithLabelValues("hit").Inc()
		return route, nil
	}

	// A miss against a possibly stale index triggers one forced rebuild
	// before declaring NotFound.
	rebuilt, err := r.rebuild(ctx, "miss")
	if err == nil {
		if route := rebuilt.lookup(method, path); route != nil {
			routeResolutionsTotal.WithLabelValues("hit_after_rebuild").Inc()
			return route, nil
		}
	}

	routeResolutionsTotal.WithLabelValues("miss").Inc()

	return nil, util.NewRouteNotFoundError(method, path)
}

// lookup tests the exact index first, then the ordered regex list. First
// match in list order wins.
func (i *index) lookup(method, path string) *Route {
	if route, ok := i.exact[method+":"+path]; ok {
		return route
	}

	for _, cr := range i.regexes {
		if cr.route.Method == method && cr.regex.MatchString(path) {
			return cr.route
		}
	}

	return nil
}

// rebuild fetches the full route table and swaps in a fresh index. A
// rebuild requested while another is in flight reuses its result when the
// result is fresh enough.
func (r *Resolver) rebuild(ctx context.Context, trigger string) (*index, error) {
	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()

	// Another caller may have rebuilt while this one waited on the lock.
	if snap := r.snapshot.Load(); snap != nil && time.Since(snap.builtAt) < time.Second {
		return snap, nil
	}

	raw, err := r.store.Get(ctx, ConfigKey)
	if err != nil {
		routeIndexRebuildsTotal.WithLabelValues(trigger, "error").Inc()
		if store.IsKeyNotFound(err) {
			return nil, fmt.Errorf("route table %s absent from shared store", ConfigKey)
		}
		return nil, fmt.Errorf("failed to load route table: %w", err)
	}

	var routes []*Route
	if err := json.Unmarshal([]byte(raw), &routes); err != nil {
		routeIndexRebuildsTotal.WithLabelValues(trigger, "error").Inc()
		return nil, fmt.Errorf("failed to decode route table: %w", err)
	}

	snap := &index{
		exact:   make(map[string]*Route, len(routes)),
		builtAt: time.Now(),
	}

	for _, route := range routes {
		if !route.HasParams() {
			snap.exact[route.Key()] = route
			continue
		}

		re, err := compileTemplate(route.URL)
		if err != nil {
			// A single bad template must not take down the whole table.
			r.logger.Error("skipping route with invalid template",
				zap.String("method", route.Method),
				zap.String("url", route.URL),
				zap.Error(err),
			)
			continue
		}
		snap.regexes = append(snap.regexes, &compiledRoute{route: route, regex: re})
	}

	r.snapshot.Store(snap)

	routeIndexRebuildsTotal.WithLabelValues(trigger, "success").Inc()
	routeIndexSize.WithLabelValues("exact").Set(float64(len(snap.exact)))
	routeIndexSize.WithLabelValues("regex").Set(float64(len(snap.regexes)))

	r.logger.Debug("route index rebuilt",
		zap.String("trigger", trigger),
		zap.Int("exact", len(snap.exact)),
		zap.Int("regex", len(snap.regexes)),
	)

	return snap, nil
}
