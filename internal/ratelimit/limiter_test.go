package ratelimit

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxvoron/edgegate/internal/router"
	"github.com/maxvoron/edgegate/internal/store"
	"github.com/maxvoron/edgegate/internal/util"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewLimiter(store.NewRedisStoreFromClient(client), nil), mr
}

func TestLimiter_NoLimitsConfigured(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	route := &router.Route{Method: "GET", URL: "/free", Limit: true}

	result, err := limiter.Admit(context.Background(), route.Key(), "fp", route)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLimiter_GapCheck(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	route := &router.Route{
		Method: "POST", URL: "/login",
		Limit: true, LimitGap: 5, Message: "wait before retrying",
	}
	ctx := context.Background()

	// First call passes and arms the gap.
	result, err := limiter.Admit(ctx, route.Key(), "fp", route)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	// Second call inside the gap is denied with the route's message.
	result, err = limiter.Admit(ctx, route.Key(), "fp", route)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, "wait before retrying", result.Message)

	// After the gap expires the caller is admitted again.
	mr.FastForward(6 * time.Second)
	result, err = limiter.Admit(ctx, route.Key(), "fp", route)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLimiter_GapPenaltyReArms(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	route := &router.Route{
		Method: "POST", URL: "/login",
		Limit: true, LimitGap: 5,
	}
	ctx := context.Background()

	result, err := limiter.Admit(ctx, route.Key(), "fp", route)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	key := surplusPrefix + util.MD5Hex("fp"+route.Key())
	armed, err := mr.Get(key)
	require.NoError(t, err)

	// A retry within a second of the stored timestamp is denied and the
	// timestamp moves forward: hammering extends the window.
	result, err = limiter.Admit(ctx, route.Key(), "fp", route)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	rearmed, err := mr.Get(key)
	require.NoError(t, err)

	first, _ := strconv.ParseInt(armed, 10, 64)
	second, _ := strconv.ParseInt(rearmed, 10, 64)
	assert.GreaterOrEqual(t, second, first)
}

func TestLimiter_GapPenaltySkippedAfterOneSecond(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	route := &router.Route{
		Method: "POST", URL: "/login",
		Limit: true, LimitGap: 30,
	}
	ctx := context.Background()

	result, err := limiter.Admit(ctx, route.Key(), "fp", route)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	key := surplusPrefix + util.MD5Hex("fp"+route.Key())

	// Backdate the stored timestamp past the penalty threshold. The
	// retry is still denied but the timestamp stays put.
	mr.Set(key, strconv.FormatInt(time.Now().Add(-5*time.Second).UnixMilli(), 10))
	before, err := mr.Get(key)
	require.NoError(t, err)

	result, err = limiter.Admit(ctx, route.Key(), "fp", route)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	after, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLimiter_CycleCheck(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	route := &router.Route{
		Method: "GET", URL: "/search",
		Limit: true, LimitCycle: 60, LimitMax: 3, Message: "quota exhausted",
	}
	ctx := context.Background()

	// The count is compared before it is incremented, so max+1 calls
	// are admitted before the first denial.
	for i := 0; i < route.LimitMax+1; i++ {
		result, err := limiter.Admit(ctx, route.Key(), "fp", route)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "call %d", i+1)
	}

	result, err := limiter.Admit(ctx, route.Key(), "fp", route)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, "quota exhausted", result.Message)
}

func TestLimiter_CycleResetsAfterWindow(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	route := &router.Route{
		Method: "GET", URL: "/search",
		Limit: true, LimitCycle: 60, LimitMax: 1,
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := limiter.Admit(ctx, route.Key(), "fp", route)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := limiter.Admit(ctx, route.Key(), "fp", route)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// A fresh window starts counting from scratch.
	mr.FastForward(61 * time.Second)
	result, err = limiter.Admit(ctx, route.Key(), "fp", route)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLimiter_CallersAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	route := &router.Route{
		Method: "POST", URL: "/login",
		Limit: true, LimitGap: 5,
	}
	ctx := context.Background()

	result, err := limiter.Admit(ctx, route.Key(), "caller-a", route)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	// A different fingerprint hashes to a different counter.
	result, err = limiter.Admit(ctx, route.Key(), "caller-b", route)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLimiter_GapDenialShortCircuitsCycle(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	route := &router.Route{
		Method: "GET", URL: "/both",
		Limit: true, LimitGap: 5, LimitCycle: 60, LimitMax: 10,
	}
	ctx := context.Background()

	result, err := limiter.Admit(ctx, route.Key(), "fp", route)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = limiter.Admit(ctx, route.Key(), "fp", route)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// The denied call never reached the cycle counter.
	count, err := mr.Get(limitPrefix + util.MD5Hex("fp"+route.Key()))
	require.NoError(t, err)
	assert.Equal(t, "1", count)
}

func TestLimiter_StoreFailureSurfacesAsError(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	route := &router.Route{
		Method: "GET", URL: "/search",
		Limit: true, LimitGap: 5,
	}

	mr.Close()

	_, err := limiter.Admit(context.Background(), route.Key(), "fp", route)
	assert.Error(t, err)
}
