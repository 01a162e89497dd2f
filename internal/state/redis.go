package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"vigil/internal/apperr"
)

const defaultKeyPrefix = "vigil:window:"

// admitScript performs read-decide-write for one window in a single
// round trip. Redis runs scripts serially, which is what makes the open
// decision atomic across processes.
//
// KEYS[1] window hash; ARGV: max, candidate alert id, first seen ms, ttl ms
var admitScript = redis.NewScript(`
local count = redis.call('HGET', KEYS[1], 'count')
if not count then
  redis.call('HSET', KEYS[1], 'first_seen_ms', ARGV[3], 'count', 1, 'alert_id', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
  return {'open', 1, ARGV[3], ARGV[2]}
end
local id = redis.call('HGET', KEYS[1], 'alert_id') or ''
local first = redis.call('HGET', KEYS[1], 'first_seen_ms') or '0'
local n = redis.call('HINCRBY', KEYS[1], 'count', 1)
if id ~= '' and (n - 1) < tonumber(ARGV[1]) then
  return {'fold', n, first, id}
end
return {'drop', n, first, id}
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'alert_id') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisTracker shares windows between engine replicas. Window hashes
// expire on their own two windows after they open, so Reap is a no-op.
type RedisTracker struct {
	client redis.UniversalClient
	prefix string
	owned  bool
	newID  func() string
}

// RedisConfig holds connection settings for NewRedisTracker.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisTracker connects to Redis and verifies the connection.
func NewRedisTracker(ctx context.Context, cfg RedisConfig) (*RedisTracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	t := NewRedisTrackerWithClient(client, cfg.KeyPrefix)
	t.owned = true
	return t, nil
}

// NewRedisTrackerWithClient wraps an existing client. The caller keeps
// ownership of client.
func NewRedisTrackerWithClient(client redis.UniversalClient, prefix string) *RedisTracker {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisTracker{client: client, prefix: prefix, newID: uuid.NewString}
}

// Admit implements Tracker.
func (t *RedisTracker) Admit(ctx context.Context, a Admission) (Decision, error) {
	if err := validate(a); err != nil {
		return Decision{}, err
	}
	key := WindowKey(a.RuleID, a.Window, a.EventTime)
	ttl := 2 * a.Window

	vals, err := admitScript.Run(ctx, t.client, []string{t.prefix + key},
		a.MaxPerWindow, t.newID(), a.EventTime.UnixMilli(), ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, apperr.Wrap(apperr.KindTransientStore, "window.admit", err)
	}
	if len(vals) != 4 {
		return Decision{}, fmt.Errorf("window.admit: unexpected script reply %v", vals)
	}

	action, _ := vals[0].(string)
	count, _ := vals[1].(int64)
	firstStr, _ := vals[2].(string)
	alertID, _ := vals[3].(string)
	firstMs, err := strconv.ParseInt(firstStr, 10, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("window.admit: bad first_seen_ms %q: %w", firstStr, err)
	}

	return Decision{
		Action:      Action(action),
		WindowKey:   key,
		Count:       count,
		FirstSeenAt: time.UnixMilli(firstMs).UTC(),
		AlertID:     alertID,
	}, nil
}

// Release implements Tracker.
func (t *RedisTracker) Release(ctx context.Context, windowKey, alertID string) error {
	if err := releaseScript.Run(ctx, t.client, []string{t.prefix + windowKey}, alertID).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransientStore, "window.release", err)
	}
	return nil
}

// Peek implements Tracker.
func (t *RedisTracker) Peek(ctx context.Context, windowKey string) (Entry, bool, error) {
	fields, err := t.client.HGetAll(ctx, t.prefix+windowKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, apperr.Wrap(apperr.KindTransientStore, "window.peek", err)
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}
	count, _ := strconv.ParseInt(fields["count"], 10, 64)
	firstMs, _ := strconv.ParseInt(fields["first_seen_ms"], 10, 64)
	return Entry{
		WindowKey:   windowKey,
		FirstSeenAt: time.UnixMilli(firstMs).UTC(),
		Count:       count,
		AlertID:     fields["alert_id"],
	}, true, nil
}

// Reap implements Tracker.
func (t *RedisTracker) Reap(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// Close implements Tracker.
func (t *RedisTracker) Close() error {
	if t.owned {
		return t.client.Close()
	}
	return nil
}
