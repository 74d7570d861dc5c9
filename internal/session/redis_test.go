package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-routing/internal/domain"
)

func newRedisStore(t *testing.T, mr *miniredis.Miniredis, clock *time.Time) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, "test", time.Minute, time.Hour)
	store.now = func() time.Time { return *clock }
	return store
}

func TestRedisStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newRedisStore(t, mr, &clock)

	_, err := store.Get(ctx, "call-1")
	require.ErrorIs(t, err, ErrNotFound)

	state := &State{
		CallID:       "call-1",
		CampaignID:   "camp-1",
		LastSequence: 3,
		Current:      &Reservation{Kind: domain.TargetTypeRecipient, ID: "r-1", Limits: domain.Capacity{ConcurrencyLimit: 2}},
	}
	require.NoError(t, store.Put(ctx, state))
	assert.Equal(t, clock.Add(time.Minute), state.ExpiresAt)
	assert.Equal(t, time.Minute+keyGrace, mr.TTL("test:session:call-1"))

	got, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.LastSequence)
	assert.Equal(t, 2, got.Current.Limits.ConcurrencyLimit)

	require.NoError(t, store.Close(ctx, "call-1", 4))
	_, err = store.Get(ctx, "call-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists("test:session:call-1"))
	assert.False(t, mr.Exists("test:session:expiry"), "closing drops the expiry index entry")

	last, done, err := store.Closed(ctx, "call-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 4, last)
	assert.Equal(t, time.Hour, mr.TTL("test:session:closed:call-1"))
}

func TestRedisStoreTombstoneKeepsHighestSequence(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newRedisStore(t, mr, &clock)

	_, done, err := store.Closed(ctx, "call-1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, store.Close(ctx, "call-1", 5))
	require.NoError(t, store.Close(ctx, "call-1", 2))
	last, done, err := store.Closed(ctx, "call-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 5, last)

	mr.FastForward(time.Hour)
	_, done, err = store.Closed(ctx, "call-1")
	require.NoError(t, err)
	assert.False(t, done, "tombstones lapse after the retention period")
}

func TestRedisStoreClosedSeesUnsweptExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newRedisStore(t, mr, &clock)

	require.NoError(t, store.Put(ctx, &State{CallID: "call-1", LastSequence: 2}))
	_, done, err := store.Closed(ctx, "call-1")
	require.NoError(t, err)
	assert.False(t, done)

	clock = clock.Add(2 * time.Minute)
	_, err = store.Get(ctx, "call-1")
	assert.ErrorIs(t, err, ErrNotFound)

	last, done, err := store.Closed(ctx, "call-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 2, last)
}

func TestRedisStoreSweepClaimsOnce(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newRedisStore(t, mr, &clock)

	require.NoError(t, store.Put(ctx, &State{CallID: "old", LastSequence: 2, Current: &Reservation{ID: "r-1"}}))
	clock = clock.Add(45 * time.Second)
	require.NoError(t, store.Put(ctx, &State{CallID: "new"}))
	clock = clock.Add(20 * time.Second)

	expired, err := store.Sweep(ctx, clock)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].CallID)
	assert.Equal(t, "r-1", expired[0].Current.ID)

	again, err := store.Sweep(ctx, clock)
	require.NoError(t, err)
	assert.Empty(t, again)

	last, done, err := store.Closed(ctx, "old")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 2, last)

	_, err = store.Get(ctx, "new")
	assert.NoError(t, err)
}

func TestRedisStoreConcurrentSweepersShareWork(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := newRedisStore(t, mr, &clock)
	b := newRedisStore(t, mr, &clock)

	const calls = 40
	for i := 0; i < calls; i++ {
		require.NoError(t, a.Put(ctx, &State{CallID: fmt.Sprintf("call-%02d", i)}))
	}
	sweepAt := clock.Add(2 * time.Minute)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for _, s := range []*RedisStore{a, b, a, b} {
		wg.Add(1)
		go func(s *RedisStore) {
			defer wg.Done()
			expired, err := s.Sweep(ctx, sweepAt)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, st := range expired {
				seen[st.CallID]++
			}
		}(s)
	}
	wg.Wait()

	assert.Len(t, seen, calls)
	for id, n := range seen {
		assert.Equal(t, 1, n, "session %s swept more than once", id)
	}
}
