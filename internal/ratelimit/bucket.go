package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyRoot = "metricflow:ratelimit"

// Scopes separate budgets that share one Redis.
const (
	ScopeAPI    = "api"
	ScopeSheets = "sheets"
)

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// takeScript refills the bucket for the time elapsed since its last update
// and takes one token. It returns {granted, tokens left, wait ms}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "at")
local tokens = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now
if now > at then
  tokens = math.min(capacity, tokens + (now - at) * rate)
  at = now
end

local granted = 0
local wait_ms = 0
if tokens >= 1 then
  tokens = tokens - 1
  granted = 1
else
  wait_ms = math.ceil((1 - tokens) / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "at", at)
redis.call("PEXPIRE", KEYS[1], ttl)
return {granted, math.floor(tokens), wait_ms}
`)

// Bucket is a token bucket held in Redis, so API replicas and workers draw
// from one budget per scope and subject.
type Bucket struct {
	scripter    redis.Scripter
	scope       string
	capacity    int64
	refillPerMS float64
	ttl         time.Duration
	now         func() time.Time
}

// NewBucket admits perWindow calls per window for each subject in scope.
func NewBucket(scripter redis.Scripter, scope string, perWindow int, window time.Duration) (*Bucket, error) {
	if scripter == nil {
		return nil, errors.New("redis client is required")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	if perWindow <= 0 {
		return nil, fmt.Errorf("calls per window must be positive, got %d", perWindow)
	}
	if window < time.Millisecond {
		return nil, fmt.Errorf("window must be at least 1ms, got %s", window)
	}

	return &Bucket{
		scripter:    scripter,
		scope:       scope,
		capacity:    int64(perWindow),
		refillPerMS: float64(perWindow) / float64(window.Milliseconds()),
		ttl:         2 * window,
		now:         time.Now,
	}, nil
}

// Key is the Redis key holding subject's bucket.
func (b *Bucket) Key(subject string) string {
	return keyRoot + ":" + b.scope + ":" + subject
}

func (b *Bucket) Allow(ctx context.Context, subject string) (Decision, error) {
	vals, err := takeScript.Run(ctx, b.scripter,
		[]string{b.Key(subject)},
		b.capacity,
		b.refillPerMS,
		b.now().UnixMilli(),
		b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take %s token for %s: %w", b.scope, subject, err)
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("take %s token: unexpected reply of %d values", b.scope, len(vals))
	}

	return Decision{
		Allowed:    vals[0] == 1,
		Remaining:  vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// SpreadsheetSubject keys Sheets writes by target spreadsheet; the Sheets
// write quota is counted per spreadsheet.
func SpreadsheetSubject(spreadsheetID string) string {
	return "spreadsheet:" + spreadsheetID
}

// ClientSubject keys API calls by the caller's user ID.
func ClientSubject(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = "anonymous"
	}
	return "client:" + userID
}
