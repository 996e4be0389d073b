package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxvoron/edgegate/internal/store"
	"github.com/maxvoron/edgegate/internal/util"
)

// seedRoutes writes a route table into miniredis under ConfigKey.
func seedRoutes(t *testing.T, mr *miniredis.Miniredis, routes []*Route) {
	t.Helper()

	data, err := json.Marshal(routes)
	require.NoError(t, err)
	mr.Set(ConfigKey, string(data))
}

func newTestResolver(t *testing.T, opts ...ResolverOption) (*Resolver, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewResolver(store.NewRedisStoreFromClient(client), opts...), mr
}

func TestResolver_ExactMatch(t *testing.T) {
	resolver, mr := newTestResolver(t)
	seedRoutes(t, mr, []*Route{
		{Method: "GET", URL: "/base/user/v1.0/users", Verify: true},
		{Method: "POST", URL: "/base/user/v1.0/users", Verify: true, NeedToken: true},
	})

	route, err := resolver.Resolve(context.Background(), "GET", "/base/user/v1.0/users")
	require.NoError(t, err)
	assert.Equal(t, "GET", route.Method)
	assert.False(t, route.NeedToken)

	route, err = resolver.Resolve(context.Background(), "POST", "/base/user/v1.0/users")
	require.NoError(t, err)
	assert.True(t, route.NeedToken)
}

func TestResolver_RegexFallback(t *testing.T) {
	resolver, mr := newTestResolver(t)
	seedRoutes(t, mr, []*Route{
		{Method: "GET", URL: "/base/user/v1.0/users/{id}", AuthCode: "user:read"},
	})

	tests := []struct {
		path string
		hit  bool
	}{
		{"/base/user/v1.0/users/42", true},
		{"/base/user/v1.0/users/0123456789abcdef0123456789abcdef", true},
		{"/base/user/v1.0/users/not-an-id", false},
	}

	for _, tt := range tests {
		route, err := resolver.Resolve(context.Background(), "GET", tt.path)
		if tt.hit {
			require.NoError(t, err, tt.path)
			assert.Equal(t, "user:read", route.AuthCode)
		} else {
			assert.ErrorIs(t, err, util.ErrNotFound, tt.path)
		}
	}
}

func TestResolver_ExactWinsOverRegex(t *testing.T) {
	resolver, mr := newTestResolver(t)
	seedRoutes(t, mr, []*Route{
		{Method: "GET", URL: "/v1.0/items/{id}", AuthCode: "generic"},
		{Method: "GET", URL: "/v1.0/items/42", AuthCode: "special"},
	})

	// 42 matches both the literal entry and the template; the exact
	// index wins.
	route, err := resolver.Resolve(context.Background(), "GET", "/v1.0/items/42")
	require.NoError(t, err)
	assert.Equal(t, "special", route.AuthCode)
}

func TestResolver_MethodMismatch(t *testing.T) {
	resolver, mr := newTestResolver(t)
	seedRoutes(t, mr, []*Route{
		{Method: "GET", URL: "/v1.0/items/{id}"},
	})

	_, err := resolver.Resolve(context.Background(), "DELETE", "/v1.0/items/42")
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestResolver_MissTriggersRebuild(t *testing.T) {
	resolver, mr := newTestResolver(t, WithRefreshInterval(time.Hour))
	seedRoutes(t, mr, []*Route{
		{Method: "GET", URL: "/old"},
	})

	// Warm the snapshot.
	_, err := resolver.Resolve(context.Background(), "GET", "/old")
	require.NoError(t, err)

	// A route added after the snapshot was built is found through the
	// forced rebuild on miss, despite the long refresh interval.
	seedRoutes(t, mr, []*Route{
		{Method: "GET", URL: "/old"},
		{Method: "GET", URL: "/new"},
	})

	// The rebuild guard reuses snapshots younger than a second; age the
	// current one past that.
	snap := resolver.snapshot.Load()
	snap.builtAt = time.Now().Add(-2 * time.Second)

	route, err := resolver.Resolve(context.Background(), "GET", "/new")
	require.NoError(t, err)
	assert.Equal(t, "/new", route.URL)
}

func TestResolver_ServesStaleOnStoreFailure(t *testing.T) {
	resolver, mr := newTestResolver(t, WithRefreshInterval(time.Millisecond))
	seedRoutes(t, mr, []*Route{
		{Method: "GET", URL: "/cached"},
	})

	_, err := resolver.Resolve(context.Background(), "GET", "/cached")
	require.NoError(t, err)

	// Store goes away; the stale snapshot keeps serving hits.
	mr.Close()
	time.Sleep(5 * time.Millisecond)

	snap := resolver.snapshot.Load()
	snap.builtAt = time.Now().Add(-2 * time.Second)

	route, err := resolver.Resolve(context.Background(), "GET", "/cached")
	require.NoError(t, err)
	assert.Equal(t, "/cached", route.URL)
}

func TestResolver_NoSnapshotAndStoreDown(t *testing.T) {
	resolver, mr := newTestResolver(t)
	mr.Close()

	_, err := resolver.Resolve(context.Background(), "GET", "/anything")
	require.Error(t, err)
	assert.NotErrorIs(t, err, util.ErrNotFound)
}

func TestResolver_AbsentRouteTable(t *testing.T) {
	resolver, _ := newTestResolver(t)

	_, err := resolver.Resolve(context.Background(), "GET", "/anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ConfigKey)
}

func TestResolver_ToleratesOddTemplates(t *testing.T) {
	resolver, mr := newTestResolver(t)
	seedRoutes(t, mr, []*Route{
		{Method: "GET", URL: "/ok"},
		{Method: "GET", URL: "/odd/{unclosed"},
	})

	// An unclosed brace is treated as a literal; the rest of the table
	// is unaffected.
	route, err := resolver.Resolve(context.Background(), "GET", "/ok")
	require.NoError(t, err)
	assert.Equal(t, "/ok", route.URL)

	_, err = resolver.Resolve(context.Background(), "GET", "/odd/5")
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestResolver_MalformedTable(t *testing.T) {
	resolver, mr := newTestResolver(t)
	mr.Set(ConfigKey, "not json")

	_, err := resolver.Resolve(context.Background(), "GET", "/anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}
