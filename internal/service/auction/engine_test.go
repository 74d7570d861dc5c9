package auction

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-routing/internal/bidder"
	"github.com/acme/call-routing/internal/domain"
	"github.com/acme/call-routing/internal/service/recorder"
)

type behaviour struct {
	delay       time.Duration
	ignoreCtx   bool
	amount      string
	destination string
	err         error
	panic       bool
}

type fakeSolicitor struct {
	behaviours map[string]behaviour
	calls      atomic.Int32
}

func (f *fakeSolicitor) Solicit(ctx context.Context, b domain.Bidder, _ bidder.Solicitation) (bidder.Bid, error) {
	f.calls.Add(1)
	bh := f.behaviours[b.ID]
	if bh.panic {
		panic("adapter bug")
	}
	if bh.delay > 0 {
		if bh.ignoreCtx {
			time.Sleep(bh.delay)
		} else {
			select {
			case <-time.After(bh.delay):
			case <-ctx.Done():
				return bidder.Bid{}, bidder.ErrTimeout
			}
		}
	}
	if bh.err != nil {
		return bidder.Bid{}, bh.err
	}
	bid := bidder.Bid{Destination: bh.destination, Currency: "USD"}
	if bh.amount != "" {
		d := decimal.RequireFromString(bh.amount)
		bid.Amount = &d
		bid.RawAmount = bh.amount
	}
	return bid, nil
}

func newBidder(id string) domain.Bidder {
	return domain.Bidder{
		ID:          id,
		Name:        "bidder " + id,
		EndpointURL: "https://" + id + ".example",
		MinBid:      decimal.RequireFromString("1"),
		MaxBid:      decimal.RequireFromString("50"),
		Currency:    "USD",
		Active:      true,
	}
}

type harness struct {
	engine    *Engine
	store     *MemoryStore
	sink      *recorder.MemorySink
	solicitor *fakeSolicitor
}

func newHarness(cfg Config, behaviours map[string]behaviour) *harness {
	store := NewMemoryStore()
	sink := recorder.NewMemorySink()
	solicitor := &fakeSolicitor{behaviours: behaviours}
	engine := NewEngine(solicitor, store, recorder.New(sink, nil), nil, cfg, nil)
	return &harness{engine: engine, store: store, sink: sink, solicitor: solicitor}
}

func input(callID string, bidders ...domain.Bidder) Input {
	return Input{
		Call:     domain.InboundCall{CallID: callID, CampaignID: "camp-1", CallerID: "+15550001111", StartedAt: time.Now()},
		Campaign: domain.Campaign{ID: "camp-1", ExternalID: "ext-1", RTBEnabled: true},
		Bidders:  bidders,
	}
}

func TestRunPicksHighestAndRecordsTimeout(t *testing.T) {
	h := newHarness(Config{DefaultTimeout: 80 * time.Millisecond, Deadline: time.Second, MinimumBidders: 1}, map[string]behaviour{
		"a": {amount: "4.50", destination: "+15550000001"},
		"b": {amount: "6.00", destination: "+15550000002", delay: 10 * time.Millisecond},
		"c": {delay: time.Second},
	})

	res := h.engine.Run(context.Background(), input("call-1", newBidder("a"), newBidder("b"), newBidder("c")))

	require.NoError(t, res.Err)
	require.True(t, res.Success)
	assert.Equal(t, "b", res.Winner.Bidder.ID)
	assert.True(t, res.Winner.Response.Amount.Equal(decimal.RequireFromString("6.00")))
	assert.Equal(t, 3, res.TotalPinged)
	assert.Equal(t, 2, res.SuccessfulResponses)

	stored, err := h.store.GetBidRequest(context.Background(), res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.TotalTargetsPinged)
	assert.Equal(t, 2, stored.SuccessfulResponses)
	assert.Equal(t, "b", stored.WinningBidderID)
	require.NotNil(t, stored.CompletedAt)

	responses, err := h.store.ListBidResponses(context.Background(), res.Request.ID)
	require.NoError(t, err)
	require.Len(t, responses, stored.TotalTargetsPinged)

	winners := 0
	for _, r := range responses {
		if r.Winning {
			winners++
			assert.Equal(t, "b", r.BidderID)
		}
		if r.BidderID == "c" {
			assert.Equal(t, domain.ResponseTimeout, r.Status)
			assert.False(t, r.Valid)
		}
	}
	assert.Equal(t, 1, winners)

	decisions := h.sink.Decisions("call-1")
	require.Len(t, decisions, 3)
	timeouts := 0
	for i, d := range decisions {
		assert.Equal(t, i+1, d.Sequence)
		assert.Equal(t, domain.TargetTypeRTB, d.TargetType)
		if d.Outcome == domain.OutcomeTimeout {
			timeouts++
			assert.Equal(t, "c", d.TargetID)
		}
	}
	assert.Equal(t, 1, timeouts)
}

func TestRunInsufficientBidders(t *testing.T) {
	h := newHarness(Config{MinimumBidders: 1}, nil)

	res := h.engine.Run(context.Background(), input("call-2"))

	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrInsufficientBidders)
	assert.Contains(t, res.Err.Error(), "insufficient eligible bidders")
	assert.Equal(t, int32(0), h.solicitor.calls.Load())
	assert.Empty(t, h.sink.Decisions("call-2"))
}

func TestRunCampaignMinimumOverrides(t *testing.T) {
	h := newHarness(Config{MinimumBidders: 1}, map[string]behaviour{"a": {amount: "5", destination: "+1"}})
	in := input("call-3", newBidder("a"))
	in.Campaign.MinimumBidders = 2

	res := h.engine.Run(context.Background(), in)
	assert.ErrorIs(t, res.Err, ErrInsufficientBidders)
	assert.Equal(t, int32(0), h.solicitor.calls.Load())
}

func TestRunRejectsBidAboveMaximum(t *testing.T) {
	h := newHarness(Config{MinimumBidders: 1}, map[string]behaviour{
		"greedy": {amount: "1000", destination: "+15550000003"},
	})

	res := h.engine.Run(context.Background(), input("call-4", newBidder("greedy")))

	require.NoError(t, res.Err)
	assert.False(t, res.Success)
	assert.Nil(t, res.Winner)
	assert.Equal(t, 0, res.SuccessfulResponses)
	require.Len(t, res.Responses, 1)
	assert.False(t, res.Responses[0].Valid)
	assert.Equal(t, domain.ResponseInvalid, res.Responses[0].Status)
	assert.Equal(t, "bid exceeds maximum", res.Responses[0].RejectionReason)

	decisions := h.sink.Decisions("call-4")
	require.Len(t, decisions, 1)
	assert.Equal(t, domain.OutcomeRejected, decisions[0].Outcome)
	assert.Equal(t, "bid exceeds maximum", decisions[0].Reason)
}

func TestRunValidationReasons(t *testing.T) {
	h := newHarness(Config{MinimumBidders: 1}, map[string]behaviour{
		"low":    {amount: "0.5", destination: "+1"},
		"neg":    {amount: "-2", destination: "+1"},
		"nodest": {amount: "5"},
		"noamt":  {destination: "+1"},
	})

	res := h.engine.Run(context.Background(), input("call-5", newBidder("low"), newBidder("neg"), newBidder("nodest"), newBidder("noamt")))

	reasons := make(map[string]string)
	for _, r := range res.Responses {
		reasons[r.BidderID] = r.RejectionReason
	}
	assert.Equal(t, ReasonBelowMinimum, reasons["low"])
	assert.Equal(t, ReasonAmountNegative, reasons["neg"])
	assert.Equal(t, ReasonMissingDestination, reasons["nodest"])
	assert.Equal(t, ReasonAmountMissing, reasons["noamt"])
	assert.False(t, res.Success)
}

func TestRunIsolatesFailures(t *testing.T) {
	h := newHarness(Config{MinimumBidders: 1}, map[string]behaviour{
		"boom":  {panic: true},
		"down":  {err: bidder.ErrBadStatus},
		"solid": {amount: "3", destination: "+15550000004"},
	})

	res := h.engine.Run(context.Background(), input("call-6", newBidder("boom"), newBidder("down"), newBidder("solid")))

	require.True(t, res.Success)
	assert.Equal(t, "solid", res.Winner.Bidder.ID)
	require.Len(t, res.Responses, 3)

	outcomes := make(map[string]domain.Outcome)
	for _, d := range h.sink.Decisions("call-6") {
		outcomes[d.TargetID] = d.Outcome
	}
	assert.Equal(t, domain.OutcomeFailed, outcomes["boom"])
	assert.Equal(t, domain.OutcomeFailed, outcomes["down"])
	assert.Equal(t, domain.OutcomeSelected, outcomes["solid"])
}

func TestRunDiscardsLateResults(t *testing.T) {
	h := newHarness(Config{DefaultTimeout: 20 * time.Millisecond, Deadline: time.Second, MinimumBidders: 1}, map[string]behaviour{
		"late":   {amount: "49", destination: "+1", delay: 60 * time.Millisecond, ignoreCtx: true},
		"prompt": {amount: "2", destination: "+2"},
	})

	res := h.engine.Run(context.Background(), input("call-7", newBidder("late"), newBidder("prompt")))

	require.True(t, res.Success)
	assert.Equal(t, "prompt", res.Winner.Bidder.ID)
	for _, r := range res.Responses {
		if r.BidderID == "late" {
			assert.Equal(t, domain.ResponseTimeout, r.Status)
		}
	}
}

func TestRunAuctionDeadlineCapsSlowBidders(t *testing.T) {
	h := newHarness(Config{DefaultTimeout: time.Second, Deadline: 40 * time.Millisecond, MinimumBidders: 1}, map[string]behaviour{
		"stuck": {amount: "40", destination: "+1", delay: 300 * time.Millisecond, ignoreCtx: true},
		"quick": {amount: "2", destination: "+2"},
	})

	started := time.Now()
	res := h.engine.Run(context.Background(), input("call-8", newBidder("stuck"), newBidder("quick")))

	assert.Less(t, time.Since(started), 250*time.Millisecond)
	require.True(t, res.Success)
	assert.Equal(t, "quick", res.Winner.Bidder.ID)
	require.Len(t, res.Responses, 2)
}

func TestRunTieBreaks(t *testing.T) {
	behaviours := map[string]behaviour{
		"b": {amount: "5.00", destination: "+1"},
		"a": {amount: "5.0", destination: "+2", delay: 30 * time.Millisecond},
	}

	arrival := newHarness(Config{MinimumBidders: 1}, behaviours)
	res := arrival.engine.Run(context.Background(), input("call-9", newBidder("b"), newBidder("a")))
	require.True(t, res.Success)
	assert.Equal(t, "b", res.Winner.Bidder.ID)

	byID := newHarness(Config{MinimumBidders: 1, TieBreak: TieBreakBidderID}, behaviours)
	res = byID.engine.Run(context.Background(), input("call-10", newBidder("b"), newBidder("a")))
	require.True(t, res.Success)
	assert.Equal(t, "a", res.Winner.Bidder.ID)
}

func TestRunContinuesCallerSequence(t *testing.T) {
	h := newHarness(Config{MinimumBidders: 1}, map[string]behaviour{"a": {amount: "5", destination: "+1"}})
	in := input("call-11", newBidder("a"))
	in.Sequence = recorder.NewSequence(4)

	h.engine.Run(context.Background(), in)

	decisions := h.sink.Decisions("call-11")
	require.Len(t, decisions, 1)
	assert.Equal(t, 5, decisions[0].Sequence)
	assert.Equal(t, 5, in.Sequence.Last())
}

type failingStore struct{ *MemoryStore }

func (failingStore) CreateBidRequest(context.Context, *domain.BidRequest) error {
	return errors.New("postgres down")
}

func TestRunStoreFailureAbortsBeforeDispatch(t *testing.T) {
	solicitor := &fakeSolicitor{behaviours: map[string]behaviour{"a": {amount: "5", destination: "+1"}}}
	engine := NewEngine(solicitor, failingStore{NewMemoryStore()}, nil, nil, Config{MinimumBidders: 1}, nil)

	res := engine.Run(context.Background(), input("call-12", newBidder("a")))
	require.Error(t, res.Err)
	assert.False(t, res.Success)
	assert.Equal(t, int32(0), solicitor.calls.Load())
}

func TestRunWithWorkerPool(t *testing.T) {
	pool, err := NewPool(4)
	require.NoError(t, err)
	defer pool.Release()

	store := NewMemoryStore()
	solicitor := &fakeSolicitor{behaviours: map[string]behaviour{
		"a": {amount: "5", destination: "+1"},
		"b": {amount: "7", destination: "+2"},
	}}
	engine := NewEngine(solicitor, store, nil, pool, Config{MinimumBidders: 2}, nil)

	res := engine.Run(context.Background(), input("call-13", newBidder("a"), newBidder("b")))
	require.True(t, res.Success)
	assert.Equal(t, "b", res.Winner.Bidder.ID)
}

func TestRunFullPoolRejectsInsteadOfWaiting(t *testing.T) {
	pool, err := NewPool(1)
	require.NoError(t, err)
	defer pool.Release()

	store := NewMemoryStore()
	solicitor := &fakeSolicitor{behaviours: map[string]behaviour{
		"slow": {amount: "5", destination: "+1", delay: 200 * time.Millisecond},
		"fast": {amount: "7", destination: "+2"},
	}}
	engine := NewEngine(solicitor, store, nil, pool, Config{
		DefaultTimeout: 500 * time.Millisecond,
		Deadline:       time.Second,
		MinimumBidders: 1,
	}, nil)

	started := time.Now()
	res := engine.Run(context.Background(), input("call-14", newBidder("slow"), newBidder("fast")))
	assert.Less(t, time.Since(started), 900*time.Millisecond)

	require.True(t, res.Success)
	assert.Equal(t, "slow", res.Winner.Bidder.ID)
	assert.Equal(t, int32(1), solicitor.calls.Load())

	var rejected *domain.BidResponse
	for i := range res.Responses {
		if res.Responses[i].BidderID == "fast" {
			rejected = &res.Responses[i]
		}
	}
	require.NotNil(t, rejected)
	assert.Equal(t, domain.ResponseError, rejected.Status)
	assert.Contains(t, rejected.RejectionReason, "dispatch rejected")
}
