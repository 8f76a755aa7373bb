package circuitbreaker

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tunedeck/chat-gateway/internal/domain"
)

// Lua scripts keep state transitions atomic across the keys that make up
// one breaker, so concurrent gateway instances agree on the state.

// isOpenScript checks the breaker and flips open -> half-open once the
// cooldown has elapsed.
// Keys: [state, opened_at]  Args: [cooldown_seconds]
// Returns: "1" when requests must be skipped, "0" otherwise.
var isOpenScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state ~= 'open' then
    return '0'
end

local openedAt = tonumber(redis.call('GET', KEYS[2]) or '0')
local now = tonumber(redis.call('TIME')[1])

if (now - openedAt) >= tonumber(ARGV[1]) then
    redis.call('SET', KEYS[1], 'half-open')
    return '0'
end

return '1'
`)

// recordFailureScript counts a failure and opens the breaker when the
// threshold is crossed or the breaker was half-open.
// Keys: [state, failures, opened_at, reason]  Args: [threshold, reason]
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local failures = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[4], ARGV[2])

if state == 'half-open' or failures >= tonumber(ARGV[1]) then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[3], redis.call('TIME')[1])
    return 'open'
end

return state
`)

// RedisManager is the distributed counterpart of Manager. A success resets
// the breaker unconditionally, matching the in-memory behavior.
type RedisManager struct {
	client *redis.Client
	config Config
}

func NewRedisManager(redisURL string, cfg Config) (*RedisManager, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisManager{client: client, config: cfg}, nil
}

func NewRedisManagerWithClient(client *redis.Client, cfg Config) *RedisManager {
	return &RedisManager{client: client, config: cfg}
}

func (m *RedisManager) keys(provider string) (state, failures, openedAt, reason string) {
	prefix := "cb:" + provider + ":"
	return prefix + "state", prefix + "failures", prefix + "opened_at", prefix + "reason"
}

// IsOpen fails open on Redis errors: an unreachable coordination store must
// not take every provider offline.
func (m *RedisManager) IsOpen(provider string) bool {
	state, _, openedAt, _ := m.keys(provider)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := isOpenScript.Run(ctx, m.client,
		[]string{state, openedAt},
		int(m.config.Cooldown.Seconds()),
	).Text()
	if err != nil {
		return false
	}

	return result == "1"
}

func (m *RedisManager) RecordSuccess(provider string) {
	state, failures, openedAt, reason := m.keys(provider)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := m.client.Pipeline()
	pipe.Set(ctx, state, "closed", 0)
	pipe.Set(ctx, failures, "0", 0)
	pipe.Del(ctx, openedAt, reason)
	pipe.Exec(ctx)
}

func (m *RedisManager) RecordFailure(provider, failureReason string) {
	state, failures, openedAt, reason := m.keys(provider)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	recordFailureScript.Run(ctx, m.client,
		[]string{state, failures, openedAt, reason},
		m.config.FailureThreshold, failureReason,
	)
}

func (m *RedisManager) Reset(provider string) {
	m.RecordSuccess(provider)
}

// Snapshot reads the observable state for one provider.
func (m *RedisManager) Snapshot(ctx context.Context, provider string) domain.BreakerSnapshot {
	state, failures, openedAt, reason := m.keys(provider)

	snap := domain.BreakerSnapshot{Provider: provider, State: "closed"}

	if s, err := m.client.Get(ctx, state).Result(); err == nil {
		snap.State = s
	}
	if f, err := m.client.Get(ctx, failures).Result(); err == nil {
		snap.ConsecutiveFailures, _ = strconv.Atoi(f)
	}
	if r, err := m.client.Get(ctx, reason).Result(); err == nil {
		snap.LastFailureReason = r
	}
	if o, err := m.client.Get(ctx, openedAt).Result(); err == nil {
		if sec, perr := strconv.ParseInt(o, 10, 64); perr == nil {
			t := time.Unix(sec, 0)
			snap.OpenedAt = &t
		}
	}

	return snap
}

func (m *RedisManager) Close() error {
	return m.client.Close()
}
