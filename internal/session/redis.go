package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// keyGrace keeps the payload readable for a while after the session expires,
// so the sweeper can still release its reservation.
const keyGrace = 10 * time.Minute

const sweepBatch = 500

// closeScript drops the live session and writes the tombstone, never lowering
// a sequence an earlier close already stored.
var closeScript = redis.NewScript(`
local seq = tonumber(ARGV[2])
local prev = tonumber(redis.call('GET', KEYS[3]) or '-1')
if prev > seq then
  seq = prev
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], seq, 'PX', tonumber(ARGV[3]))
return seq
`)

// RedisStore keeps sessions as JSON strings and indexes their expiry in a
// sorted set scored by unix milliseconds.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
}

func NewRedisStore(client *redis.Client, prefix string, ttl, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "routing"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, retention: retention, now: time.Now}
}

func (r *RedisStore) Get(ctx context.Context, callID string) (*State, error) {
	raw, err := r.client.Get(ctx, r.key(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", callID, err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", callID, err)
	}
	if !s.ExpiresAt.IsZero() && !r.now().Before(s.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *RedisStore) Put(ctx context.Context, s *State) error {
	now := r.now().UTC()
	s.UpdatedAt = now
	s.ExpiresAt = now.Add(r.ttl)

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", s.CallID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(s.CallID), payload, r.ttl+keyGrace)
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: s.CallID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: put %s: %w", s.CallID, err)
	}
	return nil
}

func (r *RedisStore) Close(ctx context.Context, callID string, lastSequence int) error {
	err := closeScript.Run(ctx, r.client,
		[]string{r.key(callID), r.indexKey(), r.closedKey(callID)},
		callID, lastSequence, r.retention.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("session: close %s: %w", callID, err)
	}
	return nil
}

func (r *RedisStore) Closed(ctx context.Context, callID string) (int, bool, error) {
	seq, err := r.client.Get(ctx, r.closedKey(callID)).Int()
	if err == nil {
		return seq, true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, false, fmt.Errorf("session: tombstone %s: %w", callID, err)
	}

	// expired but not yet swept
	raw, err := r.client.Get(ctx, r.key(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("session: get %s: %w", callID, err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false, fmt.Errorf("session: decode %s: %w", callID, err)
	}
	if !s.ExpiresAt.IsZero() && !r.now().Before(s.ExpiresAt) {
		return s.LastSequence, true, nil
	}
	return 0, false, nil
}

func (r *RedisStore) Sweep(ctx context.Context, now time.Time) ([]State, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: sweepBatch,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("session: scan expired: %w", err)
	}

	var expired []State
	for _, id := range ids {
		// ZRem decides ownership when several sweepers run.
		removed, err := r.client.ZRem(ctx, r.indexKey(), id).Result()
		if err != nil {
			return expired, fmt.Errorf("session: claim %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		raw, err := r.client.GetDel(ctx, r.key(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("session: take %s: %w", id, err)
		}
		var s State
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if err := r.Close(ctx, id, s.LastSequence); err != nil {
			return append(expired, s), err
		}
		expired = append(expired, s)
	}
	return expired, nil
}

func (r *RedisStore) key(callID string) string {
	return r.prefix + ":session:" + callID
}

func (r *RedisStore) closedKey(callID string) string {
	return r.prefix + ":session:closed:" + callID
}

func (r *RedisStore) indexKey() string {
	return r.prefix + ":session:expiry"
}
