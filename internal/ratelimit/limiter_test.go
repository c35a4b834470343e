package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, prefix string, capacity int, refill float64) (*Limiter, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l, err := New(client, prefix, capacity, refill)
	require.NoError(t, err)
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	l.now = clock.now
	return l, clock, mr
}

func TestLimiterSpendsCapacityThenRefills(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newTestLimiter(t, TenantPrefix, 2, 1)

	d, err := l.Take(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)

	d, _ = l.Take(ctx, "acme")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)

	d, _ = l.Take(ctx, "acme")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	clock.advance(400 * time.Millisecond)
	d, _ = l.Take(ctx, "acme")
	assert.False(t, d.Allowed)
	assert.Equal(t, 600*time.Millisecond, d.RetryAfter)

	clock.advance(600 * time.Millisecond)
	d, _ = l.Take(ctx, "acme")
	assert.True(t, d.Allowed)
	assert.Zero(t, d.RetryAfter)
}

func TestLimiterNeverExceedsCapacity(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newTestLimiter(t, TenantPrefix, 3, 10)

	clock.advance(time.Hour)
	allowed := 0
	for i := 0; i < 5; i++ {
		if d, _ := l.Take(ctx, "acme"); d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestLimiterSubjectsAreIsolated(t *testing.T) {
	ctx := context.Background()
	l, _, mr := newTestLimiter(t, WebsitePrefix, 1, 0.001)

	d, _ := l.Take(ctx, "1")
	assert.True(t, d.Allowed)
	d, _ = l.Take(ctx, "1")
	assert.False(t, d.Allowed)
	d, _ = l.Take(ctx, "2")
	assert.True(t, d.Allowed, "website 2 must not share website 1's bucket")

	assert.True(t, mr.Exists("rl:website:1"))
	assert.True(t, mr.Exists("rl:website:2"))
}

func TestLimiterBucketExpiresOnceFull(t *testing.T) {
	l, _, mr := newTestLimiter(t, TenantPrefix, 4, 2)

	_, err := l.Take(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, mr.TTL("rl:tenant:acme"))
}

func TestNewRejectsUnusableSettings(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	_, err := New(client, TenantPrefix, 0, 1)
	assert.Error(t, err)
	_, err = New(client, TenantPrefix, 1, 0)
	assert.Error(t, err)
	_, err = New(nil, TenantPrefix, 1, 1)
	assert.Error(t, err)
}
