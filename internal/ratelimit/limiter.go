package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for the two kinds of bucket the hub keeps.
const (
	TenantPrefix  = "rl:tenant:"
	WebsitePrefix = "rl:website:"
)

// Decision is the result of taking one token from a bucket. RetryAfter is how long until
// the next token is available and is zero when Allowed.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter keeps one token bucket per subject in Redis, so every API and worker process
// sharing the prefix draws from the same budget.
type Limiter struct {
	client   redis.Scripter
	prefix   string
	capacity int
	refill   float64
	now      func() time.Time
}

// New returns a limiter whose buckets hold capacity tokens and regain refillPerSecond
// tokens each second. Idle buckets expire once they would be full again.
func New(client redis.Scripter, prefix string, capacity int, refillPerSecond float64) (*Limiter, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if capacity <= 0 || refillPerSecond <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity %d and refill %g must be positive", capacity, refillPerSecond)
	}
	return &Limiter{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		now:      time.Now,
	}, nil
}

// Take consumes a token from the subject's bucket if one is available.
func (l *Limiter) Take(ctx context.Context, subject string) (Decision, error) {
	key := l.prefix + subject
	res, err := takeScript.Run(ctx, l.client, []string{key}, l.capacity, l.refill, l.now().UnixMilli()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("take %s: unexpected script result %v", key, res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  res[1],
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// Returns {allowed, whole tokens left, ms until the next token}.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * refill / 1000)
  ts = now
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) * 1000 / refill)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', ts)
redis.call('PEXPIRE', key, math.ceil(capacity * 1000 / refill))
return {allowed, math.floor(tokens), wait}
`)
