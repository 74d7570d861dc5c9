package auction

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/call-routing/internal/bidder"
	"github.com/acme/call-routing/internal/domain"
	"github.com/acme/call-routing/internal/metrics"
	"github.com/acme/call-routing/internal/service/recorder"
	apperrors "github.com/acme/call-routing/pkg/errors"
	"github.com/acme/call-routing/pkg/logger"
)

// ErrInsufficientBidders fails an auction before any network call is made.
var ErrInsufficientBidders = fmt.Errorf("%w: insufficient eligible bidders", apperrors.ErrValidation)

var errDeadline = fmt.Errorf("%w: auction deadline reached", bidder.ErrTimeout)

// TieBreak picks between valid bids of equal amount.
type TieBreak string

const (
	// TieBreakArrival keeps the bid that settled first.
	TieBreakArrival TieBreak = "arrival"
	// TieBreakBidderID keeps the lexicographically smallest bidder id.
	TieBreakBidderID TieBreak = "bidder_id"
)

// Solicitor asks a single bidder for a bid.
type Solicitor interface {
	Solicit(ctx context.Context, b domain.Bidder, s bidder.Solicitation) (bidder.Bid, error)
}

// DecisionRecorder receives one routing decision per dispatched bidder.
type DecisionRecorder interface {
	Record(ctx context.Context, d domain.RoutingDecision)
}

// Config holds engine-wide defaults. Campaign settings override them when set.
type Config struct {
	DefaultTimeout time.Duration
	Deadline       time.Duration
	MinimumBidders int
	TieBreak       TieBreak
}

// Input is everything one auction needs.
type Input struct {
	Call     domain.InboundCall
	Campaign domain.Campaign
	Bidders  []domain.Bidder
	// Sequence numbers the decisions; a fresh one is used when nil.
	Sequence *recorder.Sequence
}

// Winner pairs the winning bidder with its stored response.
type Winner struct {
	Bidder   domain.Bidder
	Response domain.BidResponse
}

// Result summarises one auction. Err is set only when the auction could not run.
type Result struct {
	Success             bool
	Winner              *Winner
	Request             *domain.BidRequest
	Responses           []domain.BidResponse
	TotalPinged         int
	SuccessfulResponses int
	TotalElapsed        time.Duration
	Err                 error
}

// Engine runs sealed-bid auctions across a campaign's eligible bidders.
type Engine struct {
	solicitor Solicitor
	store     Store
	recorder  DecisionRecorder
	pool      *ants.Pool
	cfg       Config
	logger    *logger.Logger
	now       func() time.Time
	newID     func() string
}

// NewPool builds a dispatch pool that rejects work when every worker is busy.
// A rejected bidder is recorded as an error instead of waiting past the
// auction deadline for a free worker.
func NewPool(size int) (*ants.Pool, error) {
	return ants.NewPool(size, ants.WithNonblocking(true))
}

// NewEngine constructs an engine. A nil pool dispatches on plain goroutines.
func NewEngine(solicitor Solicitor, store Store, rec DecisionRecorder, pool *ants.Pool, cfg Config, lg *logger.Logger) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 3 * time.Second
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Second
	}
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakArrival
	}
	return &Engine{
		solicitor: solicitor,
		store:     store,
		recorder:  rec,
		pool:      pool,
		cfg:       cfg,
		logger:    logger.OrNop(lg).Named("auction"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

type settlement struct {
	index   int
	bidder  domain.Bidder
	bid     bidder.Bid
	err     error
	latency time.Duration
}

// Run solicits every bidder concurrently and picks the highest valid bid.
// Individual bidder failures are recorded and never fail the auction.
func (e *Engine) Run(ctx context.Context, in Input) Result {
	start := e.now()
	tracer := otel.Tracer("routing.auction")
	ctx, span := tracer.Start(ctx, "auction.run", trace.WithAttributes(
		attribute.String("call.id", in.Call.CallID),
		attribute.String("campaign.id", in.Campaign.ID),
		attribute.Int("bidders", len(in.Bidders)),
	))
	defer span.End()

	lg := e.logger.WithCall(in.Call.CallID)

	minimum := e.cfg.MinimumBidders
	if in.Campaign.MinimumBidders > 0 {
		minimum = in.Campaign.MinimumBidders
	}
	if len(in.Bidders) == 0 || len(in.Bidders) < minimum {
		err := fmt.Errorf("%w: have %d, need %d", ErrInsufficientBidders, len(in.Bidders), max(minimum, 1))
		span.RecordError(err)
		metrics.AuctionDuration.WithLabelValues("insufficient").Observe(e.now().Sub(start).Seconds())
		lg.Info("auction skipped", zap.Error(err))
		return Result{Err: err, TotalElapsed: e.now().Sub(start)}
	}

	deadline := e.cfg.Deadline
	if in.Campaign.AuctionTimeout > 0 {
		deadline = in.Campaign.AuctionTimeout
	}

	req := &domain.BidRequest{
		ID:                 e.newID(),
		CallID:             in.Call.CallID,
		CampaignID:         in.Campaign.ID,
		CampaignExternalID: in.Campaign.ExternalID,
		CallerID:           in.Call.CallerID,
		CallerState:        in.Call.CallerState,
		CallerZip:          in.Call.CallerZip,
		CallStartedAt:      in.Call.StartedAt,
		TimeoutMs:          deadline.Milliseconds(),
		TotalTargetsPinged: len(in.Bidders),
		CreatedAt:          start.UTC(),
	}
	if err := e.store.CreateBidRequest(ctx, req); err != nil {
		err = fmt.Errorf("auction: persist bid request: %w", err)
		span.RecordError(err)
		metrics.AuctionDuration.WithLabelValues("error").Observe(e.now().Sub(start).Seconds())
		lg.Error("auction aborted", zap.Error(err))
		return Result{Err: err, TotalElapsed: e.now().Sub(start)}
	}

	solicitation := bidder.Solicitation{
		RequestID:          req.ID,
		CampaignExternalID: in.Campaign.ExternalID,
		CallerID:           in.Call.CallerID,
		CallerState:        in.Call.CallerState,
		CallerZip:          in.Call.CallerZip,
		CallStartedAt:      in.Call.StartedAt,
	}

	settled := e.fanOut(ctx, in.Bidders, solicitation, deadline)

	responses := make([]domain.BidResponse, 0, len(settled))
	for _, s := range settled {
		resp := e.toResponse(req.ID, s)
		if err := e.store.InsertBidResponse(ctx, &resp); err != nil {
			lg.Warn("bid response write failed", zap.Error(err), zap.String("bidder_id", s.bidder.ID))
		}
		metrics.BidderLatency.WithLabelValues(s.bidder.ID, string(resp.Status)).Observe(s.latency.Seconds())
		responses = append(responses, resp)
	}

	winnerIdx := e.selectWinner(responses)
	valid := 0
	for _, r := range responses {
		if r.Valid {
			valid++
		}
	}

	completed := e.now().UTC()
	req.SuccessfulResponses = valid
	req.CompletedAt = &completed
	req.TotalElapsed = completed.Sub(start)

	winningID := ""
	var winner *Winner
	if winnerIdx >= 0 {
		responses[winnerIdx].Winning = true
		w := responses[winnerIdx]
		amount := *w.Amount
		req.WinningAmount = &amount
		req.WinningBidderID = w.BidderID
		winningID = w.ID
		winner = &Winner{Bidder: settled[winnerIdx].bidder, Response: w}
	}
	if err := e.store.CompleteBidRequest(ctx, req, winningID); err != nil {
		lg.Warn("bid request completion write failed", zap.Error(err), zap.String("bid_request_id", req.ID))
	}

	seq := in.Sequence
	if seq == nil {
		seq = recorder.NewSequence(0)
	}
	for i, r := range responses {
		e.recordDecision(ctx, in.Call.CallID, seq.Next(), settled[i], r)
	}

	result := "no_winner"
	if winner != nil {
		result = "won"
	}
	metrics.AuctionDuration.WithLabelValues(result).Observe(req.TotalElapsed.Seconds())
	span.SetAttributes(
		attribute.Int("auction.valid", valid),
		attribute.String("auction.result", result),
		attribute.String("auction.winner", req.WinningBidderID),
	)
	lg.Info("auction completed",
		zap.String("bid_request_id", req.ID),
		zap.Int("pinged", len(in.Bidders)),
		zap.Int("valid", valid),
		zap.String("winner", req.WinningBidderID),
		zap.Duration("elapsed", req.TotalElapsed),
	)

	return Result{
		Success:             winner != nil,
		Winner:              winner,
		Request:             req,
		Responses:           responses,
		TotalPinged:         len(in.Bidders),
		SuccessfulResponses: valid,
		TotalElapsed:        req.TotalElapsed,
	}
}

// fanOut dispatches every bidder and returns one settlement per bidder in
// completion order. Bidders still pending at the deadline are settled as timeouts
// and whatever they return later is dropped.
func (e *Engine) fanOut(ctx context.Context, bidders []domain.Bidder, s bidder.Solicitation, deadline time.Duration) []settlement {
	auctionCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make(chan settlement, len(bidders))
	for i, b := range bidders {
		e.dispatch(auctionCtx, i, b, s, results)
	}

	settled := make([]settlement, 0, len(bidders))
	done := make([]bool, len(bidders))

collect:
	for len(settled) < len(bidders) {
		select {
		case r := <-results:
			settled = append(settled, r)
			done[r.index] = true
		case <-auctionCtx.Done():
			break collect
		}
	}

drain:
	for len(settled) < len(bidders) {
		select {
		case r := <-results:
			settled = append(settled, r)
			done[r.index] = true
		default:
			break drain
		}
	}

	for i, b := range bidders {
		if !done[i] {
			settled = append(settled, settlement{index: i, bidder: b, err: errDeadline, latency: deadline})
		}
	}
	return settled
}

func (e *Engine) dispatch(ctx context.Context, idx int, b domain.Bidder, s bidder.Solicitation, out chan<- settlement) {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	s.Timeout = timeout

	task := func() {
		started := e.now()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("bidder dispatch panicked",
					zap.String("bidder_id", b.ID),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				out <- settlement{index: idx, bidder: b, err: fmt.Errorf("bidder dispatch panicked: %v", r), latency: e.now().Sub(started)}
			}
		}()

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		tracer := otel.Tracer("routing.auction")
		callCtx, span := tracer.Start(callCtx, "auction.solicit", trace.WithAttributes(attribute.String("bidder.id", b.ID)))
		defer span.End()

		bid, err := e.solicitor.Solicit(callCtx, b, s)
		if err == nil && callCtx.Err() != nil {
			err = fmt.Errorf("%w: response arrived after deadline", bidder.ErrTimeout)
		}
		if err != nil {
			span.RecordError(err)
		}
		out <- settlement{index: idx, bidder: b, bid: bid, err: err, latency: e.now().Sub(started)}
	}

	if e.pool == nil {
		go task()
		return
	}
	if err := e.pool.Submit(task); err != nil {
		out <- settlement{index: idx, bidder: b, err: fmt.Errorf("dispatch rejected: %w", err)}
	}
}

func (e *Engine) toResponse(requestID string, s settlement) domain.BidResponse {
	resp := domain.BidResponse{
		ID:           e.newID(),
		BidRequestID: requestID,
		BidderID:     s.bidder.ID,
		Currency:     s.bidder.Currency,
		Latency:      s.latency,
		CreatedAt:    e.now().UTC(),
	}

	switch {
	case isTimeout(s.err):
		resp.Status = domain.ResponseTimeout
		resp.RejectionReason = s.err.Error()
		return resp
	case s.err != nil:
		resp.Status = domain.ResponseError
		resp.RejectionReason = s.err.Error()
		return resp
	}

	resp.Amount = s.bid.Amount
	resp.Destination = s.bid.Destination
	resp.RequiredSeconds = s.bid.RequiredSeconds
	if s.bid.Currency != "" {
		resp.Currency = s.bid.Currency
	}

	if reason := validate(s.bid, s.bidder); reason != "" {
		resp.Status = domain.ResponseInvalid
		resp.RejectionReason = reason
		return resp
	}
	resp.Status = domain.ResponseSuccess
	resp.Valid = true
	return resp
}

// selectWinner returns the index of the strictly highest valid bid, or -1.
func (e *Engine) selectWinner(responses []domain.BidResponse) int {
	winner := -1
	for i, r := range responses {
		if !r.Valid {
			continue
		}
		if winner < 0 {
			winner = i
			continue
		}
		switch cmp := r.Amount.Cmp(*responses[winner].Amount); {
		case cmp > 0:
			winner = i
		case cmp == 0 && e.cfg.TieBreak == TieBreakBidderID && r.BidderID < responses[winner].BidderID:
			winner = i
		}
	}
	return winner
}

func (e *Engine) recordDecision(ctx context.Context, callID string, seq int, s settlement, r domain.BidResponse) {
	d := domain.RoutingDecision{
		CallID:       callID,
		Sequence:     seq,
		TargetType:   domain.TargetTypeRTB,
		TargetID:     s.bidder.ID,
		TargetName:   s.bidder.Name,
		ResponseTime: r.Latency,
		BidAmount:    r.Amount,
		Reason:       r.RejectionReason,
	}
	switch {
	case r.Winning:
		d.Outcome = domain.OutcomeSelected
		d.Reason = "highest valid bid"
	case r.Valid:
		d.Outcome = domain.OutcomeAttempted
		d.Reason = "outbid"
	case r.Status == domain.ResponseInvalid:
		d.Outcome = domain.OutcomeRejected
	case r.Status == domain.ResponseTimeout:
		d.Outcome = domain.OutcomeTimeout
	default:
		d.Outcome = domain.OutcomeFailed
	}
	if e.recorder != nil {
		e.recorder.Record(ctx, d)
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, bidder.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
