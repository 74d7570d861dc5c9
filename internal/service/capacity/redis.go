package capacity

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/call-routing/internal/domain"
)

var reserveScript = redis.NewScript(`
local day = tonumber(redis.call('GET', KEYS[2]) or '0')
local hour = tonumber(redis.call('GET', KEYS[3]) or '0')
local active = tonumber(redis.call('GET', KEYS[1]) or '0')
local daily = tonumber(ARGV[1])
local hourly = tonumber(ARGV[2])
local concurrency = tonumber(ARGV[3])
if daily > 0 and day >= daily then
  return 1
end
if hourly > 0 and hour >= hourly then
  return 2
end
if concurrency > 0 and active >= concurrency then
  return 3
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[4]))
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], tonumber(ARGV[5]))
redis.call('INCR', KEYS[3])
redis.call('PEXPIRE', KEYS[3], tonumber(ARGV[6]))
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 0 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// RedisStore keeps capacity counters in Redis.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	activeTTL time.Duration
	now       func() time.Time
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client *redis.Client, prefix string, activeTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "routing"
	}
	if activeTTL <= 0 {
		activeTTL = 2 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, activeTTL: activeTTL, now: time.Now}
}

// Snapshot reads the current counters for key.
func (s *RedisStore) Snapshot(ctx context.Context, key Key) (domain.Counters, error) {
	out, err := s.SnapshotMany(ctx, []Key{key})
	if err != nil {
		return domain.Counters{}, err
	}
	return out[key], nil
}

// SnapshotMany reads counters for several keys in one round trip.
func (s *RedisStore) SnapshotMany(ctx context.Context, keys []Key) (map[Key]domain.Counters, error) {
	out := make(map[Key]domain.Counters, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	now := s.now().UTC()
	pipe := s.client.Pipeline()
	cmds := make([][3]*redis.StringCmd, len(keys))
	for i, k := range keys {
		active, day, hour := s.keys(k, now)
		cmds[i] = [3]*redis.StringCmd{pipe.Get(ctx, active), pipe.Get(ctx, day), pipe.Get(ctx, hour)}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("capacity snapshot: %w", err)
	}

	for i, k := range keys {
		var c domain.Counters
		var err error
		if c.Active, err = intValue(cmds[i][0]); err != nil {
			return nil, err
		}
		if c.Today, err = intValue(cmds[i][1]); err != nil {
			return nil, err
		}
		if c.ThisHour, err = intValue(cmds[i][2]); err != nil {
			return nil, err
		}
		out[k] = c
	}
	return out, nil
}

// Reserve checks every cap and takes a slot in one script execution.
func (s *RedisStore) Reserve(ctx context.Context, key Key, limits domain.Capacity) (bool, string, error) {
	now := s.now().UTC()
	active, day, hour := s.keys(key, now)
	code, err := reserveScript.Run(ctx, s.client, []string{active, day, hour},
		limits.DailyCap, limits.HourlyCap, limits.ConcurrencyLimit,
		s.activeTTL.Milliseconds(), (48 * time.Hour).Milliseconds(), (2 * time.Hour).Milliseconds(),
	).Int()
	if err != nil {
		return false, "", fmt.Errorf("capacity reserve: %w", err)
	}
	if code != reserveOK {
		return false, denialReason(code), nil
	}
	return true, "", nil
}

// Release frees an in-flight slot taken by Reserve.
func (s *RedisStore) Release(ctx context.Context, key Key) error {
	active, _, _ := s.keys(key, s.now().UTC())
	if _, err := releaseScript.Run(ctx, s.client, []string{active}).Int(); err != nil {
		return fmt.Errorf("capacity release: %w", err)
	}
	return nil
}

// keys share a hash tag so the reserve script stays on one cluster slot.
func (s *RedisStore) keys(k Key, now time.Time) (active, day, hour string) {
	base := fmt.Sprintf("%s:{%s:%s}", s.prefix, k.Kind, k.ID)
	return base + ":active",
		base + ":day:" + now.Format("20060102"),
		base + ":hour:" + now.Format("2006010215")
}

func intValue(cmd *redis.StringCmd) (int, error) {
	v, err := cmd.Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("capacity counter %v: %w", cmd.Args()[1], err)
	}
	if v < 0 {
		return 0, nil
	}
	return v, nil
}
