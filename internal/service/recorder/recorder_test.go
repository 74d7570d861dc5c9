package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-routing/internal/domain"
)

type failingSink struct {
	calls int
}

func (f *failingSink) AppendDecision(context.Context, domain.RoutingDecision) error {
	f.calls++
	return errors.New("scylla unavailable")
}

func TestRecordSwallowsSinkErrors(t *testing.T) {
	sink := &failingSink{}
	rec := New(sink, nil)

	assert.NotPanics(t, func() {
		rec.Record(context.Background(), domain.RoutingDecision{CallID: "c1", Sequence: 1, Outcome: domain.OutcomeFailed})
	})
	assert.Equal(t, 1, sink.calls)
}

func TestRecordStampsTimeAndKeepsOrder(t *testing.T) {
	sink := NewMemorySink()
	rec := New(sink, nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return fixed }

	seq := NewSequence(0)
	for _, outcome := range []domain.Outcome{domain.OutcomeTimeout, domain.OutcomeSelected} {
		rec.Record(context.Background(), domain.RoutingDecision{CallID: "c1", Sequence: seq.Next(), Outcome: outcome})
	}

	got := sink.Decisions("c1")
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Sequence)
	assert.Equal(t, 2, got[1].Sequence)
	assert.Equal(t, fixed, got[0].CreatedAt)
}

func TestRecordDropsMalformed(t *testing.T) {
	sink := NewMemorySink()
	rec := New(sink, nil)

	rec.Record(context.Background(), domain.RoutingDecision{CallID: "c1"})
	rec.Record(context.Background(), domain.RoutingDecision{Sequence: 1})

	assert.Empty(t, sink.Decisions("c1"))
}

func TestRecordOnCancelledContext(t *testing.T) {
	sink := NewMemorySink()
	rec := New(sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Record(ctx, domain.RoutingDecision{CallID: "c1", Sequence: 1})

	assert.Len(t, sink.Decisions("c1"), 1)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() {
		rec.Record(context.Background(), domain.RoutingDecision{CallID: "c1", Sequence: 1})
	})
}

func TestSequenceConcurrentNext(t *testing.T) {
	seq := NewSequence(3)
	seen := make(map[int]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := seq.Next()
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	for n := 4; n <= 23; n++ {
		assert.True(t, seen[n], "missing sequence %d", n)
	}
	assert.Equal(t, 23, seq.Last())
}
