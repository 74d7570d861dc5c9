package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/call-routing/internal/domain"
	"github.com/acme/call-routing/internal/metrics"
	"github.com/acme/call-routing/internal/repository"
	"github.com/acme/call-routing/internal/service/auction"
	"github.com/acme/call-routing/internal/service/capacity"
	"github.com/acme/call-routing/internal/service/eligibility"
	"github.com/acme/call-routing/internal/service/priority"
	"github.com/acme/call-routing/internal/service/recorder"
	"github.com/acme/call-routing/internal/session"
	apperrors "github.com/acme/call-routing/pkg/errors"
	"github.com/acme/call-routing/pkg/logger"
)

// Source names the path that produced a destination.
type Source string

const (
	SourceAuction  Source = "auction"
	SourcePriority Source = "priority"
	SourceTerminal Source = "terminal"
)

// TerminalTarget is the target id recorded when no destination is found. The
// call-handling side plays its apology or voicemail flow.
const TerminalTarget = "fallback"

const (
	reasonNoRoute      = "no destination available"
	reasonNextSelected = "next eligible alternative"
	reasonNotConnected = "caller requested next destination"
)

// ErrAlreadyRouted is returned when Route is called twice for one call.
var ErrAlreadyRouted = fmt.Errorf("%w: call already routed", apperrors.ErrConflict)

// Alternative is a follow-up destination in preference order.
type Alternative struct {
	ID               string
	Name             string
	Destination      string
	Priority         int
	CampaignPriority int
}

// Result is what the call-bridging side needs to connect the caller.
// BidAmount is nil unless the destination came from an auction.
type Result struct {
	CallID       string
	Source       Source
	TargetID     string
	TargetName   string
	Destination  string
	BidAmount    *decimal.Decimal
	Currency     string
	BidRequestID string
	Alternatives []Alternative
}

// Service drives a call through auction, priority fallback and terminal
// fallback, keeping per-call state in a session store.
type Service struct {
	campaigns repository.CampaignRepository
	bidders   repository.BidderRepository
	engine    *auction.Engine
	router    *priority.Router
	checker   *eligibility.Checker
	counters  capacity.Store
	sessions  session.Store
	recorder  *recorder.Recorder
	logger    *logger.Logger
}

// Deps groups the collaborators of the service.
type Deps struct {
	Campaigns repository.CampaignRepository
	Bidders   repository.BidderRepository
	Engine    *auction.Engine
	Router    *priority.Router
	Checker   *eligibility.Checker
	Counters  capacity.Store
	Sessions  session.Store
	Recorder  *recorder.Recorder
	Logger    *logger.Logger
}

func NewService(d Deps) *Service {
	checker := d.Checker
	if checker == nil {
		checker = eligibility.NewChecker()
	}
	return &Service{
		campaigns: d.Campaigns,
		bidders:   d.Bidders,
		engine:    d.Engine,
		router:    d.Router,
		checker:   checker,
		counters:  d.Counters,
		sessions:  d.Sessions,
		recorder:  d.Recorder,
		logger:    logger.OrNop(d.Logger).Named("routing"),
	}
}

// Route resolves a destination for a new inbound call. Only campaign lookup
// and session store failures are returned as errors; every bidder or recipient
// fault ends up in the decision log instead.
func (s *Service) Route(ctx context.Context, call domain.InboundCall) (Result, error) {
	if strings.TrimSpace(call.CallID) == "" || strings.TrimSpace(call.CampaignID) == "" {
		return Result{}, fmt.Errorf("%w: call_id and campaign_id are required", apperrors.ErrValidation)
	}

	tracer := otel.Tracer("routing.service")
	ctx, span := tracer.Start(ctx, "routing.route", trace.WithAttributes(
		attribute.String("call.id", call.CallID),
		attribute.String("campaign.id", call.CampaignID),
	))
	defer span.End()

	lg := s.logger.WithCall(call.CallID)

	if _, err := s.sessions.Get(ctx, call.CallID); err == nil {
		return Result{}, ErrAlreadyRouted
	} else if !errors.Is(err, session.ErrNotFound) {
		span.RecordError(err)
		return Result{}, fmt.Errorf("routing: session lookup: %w", err)
	}
	if last, done, err := s.sessions.Closed(ctx, call.CallID); err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("routing: session lookup: %w", err)
	} else if done {
		lg.Info("call already finished routing", zap.Int("last_sequence", last))
		return Result{}, ErrAlreadyRouted
	}

	campaign, bidders, err := s.load(ctx, call.CampaignID)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	seq := recorder.NewSequence(0)
	state := &session.State{CallID: call.CallID, CampaignID: campaign.ID}

	if campaign.RTBEnabled {
		if res, ok := s.runAuction(ctx, call, campaign, bidders, seq, state); ok {
			return s.finish(ctx, span, state, seq, res)
		}
	}

	pr, err := s.router.Select(ctx, call.CallID, campaign.ID, seq)
	if err != nil {
		lg.Warn("priority routing unavailable", zap.Error(err))
	}
	state.FallbackEvaluated = true
	candidates, prechecked := fallbackCandidates(pr)

	if rc, rest, ok := s.walk(ctx, call.CallID, seq, candidates, prechecked); ok {
		state.Source = string(SourcePriority)
		state.Current = reservationFor(rc)
		state.Alternatives = rest
		return s.finish(ctx, span, state, seq, recipientResult(call.CallID, rc, rest))
	}

	return s.terminal(ctx, span, call.CallID, seq)
}

// Next abandons the current destination of a call and tries the next
// alternative, re-checking eligibility against fresh counters.
func (s *Service) Next(ctx context.Context, callID string) (Result, error) {
	tracer := otel.Tracer("routing.service")
	ctx, span := tracer.Start(ctx, "routing.next", trace.WithAttributes(attribute.String("call.id", callID)))
	defer span.End()

	state, err := s.sessions.Get(ctx, callID)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	seq := recorder.NewSequence(state.LastSequence)

	if cur := state.Current; cur != nil {
		s.release(ctx, callID, cur)
		s.recorder.Record(ctx, domain.RoutingDecision{
			CallID:     callID,
			Sequence:   seq.Next(),
			TargetType: cur.Kind,
			TargetID:   cur.ID,
			TargetName: cur.Name,
			Outcome:    domain.OutcomeFailed,
			Reason:     reasonNotConnected,
		})
		state.Current = nil
	}

	candidates := state.Alternatives
	prechecked := 0
	if !state.FallbackEvaluated {
		pr, err := s.router.Select(ctx, callID, state.CampaignID, seq)
		if err != nil {
			s.logger.WithCall(callID).Warn("priority routing unavailable", zap.Error(err))
		}
		state.FallbackEvaluated = true
		candidates, prechecked = fallbackCandidates(pr)
	}

	if rc, rest, ok := s.walk(ctx, callID, seq, candidates, prechecked); ok {
		state.Source = string(SourcePriority)
		state.Current = reservationFor(rc)
		state.Alternatives = rest
		return s.finish(ctx, span, state, seq, recipientResult(callID, rc, rest))
	}

	return s.terminal(ctx, span, callID, seq)
}

// Complete ends routing for a call and frees its capacity slot.
func (s *Service) Complete(ctx context.Context, callID string) error {
	state, err := s.sessions.Get(ctx, callID)
	if err != nil {
		return err
	}
	if state.Current != nil {
		s.release(ctx, callID, state.Current)
	}
	if err := s.sessions.Close(ctx, callID, state.LastSequence); err != nil {
		return fmt.Errorf("routing: close session: %w", err)
	}
	return nil
}

// Expire releases the reservations of sessions that timed out without Complete.
func (s *Service) Expire(ctx context.Context, expired []session.State) int {
	released := 0
	for i := range expired {
		if cur := expired[i].Current; cur != nil {
			s.release(ctx, expired[i].CallID, cur)
			released++
		}
	}
	return released
}

func (s *Service) load(ctx context.Context, campaignID string) (*domain.Campaign, []domain.Bidder, error) {
	var (
		campaign *domain.Campaign
		bidders  []domain.Bidder
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := s.campaigns.Get(gctx, campaignID)
		if err != nil {
			return fmt.Errorf("routing: load campaign %s: %w", campaignID, err)
		}
		campaign = c
		return nil
	})
	g.Go(func() error {
		b, err := s.bidders.ListBidders(gctx, campaignID)
		if err != nil {
			// the auction is skipped and the call falls through to priority routing
			s.logger.Warn("bidder load failed", zap.String("campaign_id", campaignID), zap.Error(err))
			return nil
		}
		bidders = b
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return campaign, bidders, nil
}

// runAuction filters bidders, runs the auction and reserves the winner. It
// reports false when the call must fall through to the priority router.
func (s *Service) runAuction(ctx context.Context, call domain.InboundCall, campaign *domain.Campaign, bidders []domain.Bidder, seq *recorder.Sequence, state *session.State) (Result, bool) {
	lg := s.logger.WithCall(call.CallID)
	eligible := s.eligibleBidders(ctx, call.CallID, bidders, seq)

	res := s.engine.Run(ctx, auction.Input{
		Call:     call,
		Campaign: *campaign,
		Bidders:  eligible,
		Sequence: seq,
	})
	if res.Err != nil {
		lg.Info("auction did not run", zap.Error(res.Err))
		return Result{}, false
	}
	if !res.Success {
		return Result{}, false
	}

	w := res.Winner
	key := capacity.KeyFor(w.Bidder.Profile())
	ok, reason, err := s.reserve(ctx, key, w.Bidder.Capacity)
	if !ok {
		if err != nil {
			reason = "capacity store unavailable"
		}
		s.recorder.Record(ctx, domain.RoutingDecision{
			CallID:     call.CallID,
			Sequence:   seq.Next(),
			TargetType: domain.TargetTypeRTB,
			TargetID:   w.Bidder.ID,
			TargetName: w.Bidder.Name,
			Outcome:    domain.OutcomeRejected,
			BidAmount:  w.Response.Amount,
			Reason:     "winner capacity: " + reason,
		})
		return Result{}, false
	}

	state.Source = string(SourceAuction)
	state.Current = &session.Reservation{Kind: key.Kind, ID: key.ID, Name: w.Bidder.Name, Limits: w.Bidder.Capacity}

	return Result{
		CallID:       call.CallID,
		Source:       SourceAuction,
		TargetID:     w.Bidder.ID,
		TargetName:   w.Bidder.Name,
		Destination:  w.Response.Destination,
		BidAmount:    w.Response.Amount,
		Currency:     w.Response.Currency,
		BidRequestID: res.Request.ID,
	}, true
}

func (s *Service) eligibleBidders(ctx context.Context, callID string, bidders []domain.Bidder, seq *recorder.Sequence) []domain.Bidder {
	if len(bidders) == 0 {
		return nil
	}
	keys := make([]capacity.Key, 0, len(bidders))
	for _, b := range bidders {
		keys = append(keys, capacity.KeyFor(b.Profile()))
	}
	snapshot, err := s.counters.SnapshotMany(ctx, keys)
	if err != nil {
		s.logger.WithCall(callID).Warn("bidder counters unavailable", zap.Error(err))
	}

	eligible := make([]domain.Bidder, 0, len(bidders))
	for _, b := range bidders {
		ok, reason := s.checker.Check(b.Profile(), snapshot[capacity.KeyFor(b.Profile())])
		if ok {
			eligible = append(eligible, b)
			continue
		}
		s.recorder.Record(ctx, domain.RoutingDecision{
			CallID:     callID,
			Sequence:   seq.Next(),
			TargetType: domain.TargetTypeRTB,
			TargetID:   b.ID,
			TargetName: b.Name,
			Outcome:    domain.OutcomeRejected,
			Reason:     reason,
		})
	}
	return eligible
}

// walk reserves the first candidate that still has room. The first prechecked
// candidates were already judged eligible by the router.
func (s *Service) walk(ctx context.Context, callID string, seq *recorder.Sequence, candidates []domain.Recipient, prechecked int) (domain.Recipient, []domain.Recipient, bool) {
	for i, rc := range candidates {
		if i >= prechecked {
			if c := s.router.Recheck(ctx, rc); c.Reason != "" {
				s.recordRecipient(ctx, callID, seq.Next(), rc, domain.OutcomeRejected, c.Reason)
				continue
			}
		}

		ok, reason, err := s.reserve(ctx, capacity.KeyFor(rc.Profile()), rc.Capacity)
		if err != nil {
			s.recordRecipient(ctx, callID, seq.Next(), rc, domain.OutcomeFailed, "capacity store unavailable")
			continue
		}
		if !ok {
			s.recordRecipient(ctx, callID, seq.Next(), rc, domain.OutcomeRejected, reason)
			continue
		}
		if i >= prechecked {
			s.recordRecipient(ctx, callID, seq.Next(), rc, domain.OutcomeSelected, reasonNextSelected)
		}
		return rc, candidates[i+1:], true
	}
	return domain.Recipient{}, nil, false
}

func (s *Service) reserve(ctx context.Context, key capacity.Key, limits domain.Capacity) (bool, string, error) {
	ok, reason, err := s.counters.Reserve(ctx, key, limits)
	switch {
	case err != nil:
		metrics.CapacityReservations.WithLabelValues(string(key.Kind), "error").Inc()
		s.logger.Warn("capacity reserve failed", zap.String("key", key.String()), zap.Error(err))
		return false, "", err
	case !ok:
		metrics.CapacityReservations.WithLabelValues(string(key.Kind), "denied").Inc()
	default:
		metrics.CapacityReservations.WithLabelValues(string(key.Kind), "reserved").Inc()
	}
	return ok, reason, nil
}

func (s *Service) release(ctx context.Context, callID string, r *session.Reservation) {
	key := capacity.Key{Kind: r.Kind, ID: r.ID}
	if err := s.counters.Release(ctx, key); err != nil {
		s.logger.WithCall(callID).Warn("capacity release failed", zap.String("key", key.String()), zap.Error(err))
	}
}

func (s *Service) recordRecipient(ctx context.Context, callID string, seq int, rc domain.Recipient, outcome domain.Outcome, reason string) {
	priority := rc.CampaignPriority
	s.recorder.Record(ctx, domain.RoutingDecision{
		CallID:     callID,
		Sequence:   seq,
		TargetType: domain.TargetTypeRecipient,
		TargetID:   rc.ID,
		TargetName: rc.Name,
		Priority:   &priority,
		Outcome:    outcome,
		Reason:     reason,
	})
}

// finish stores the session and reports the result. A session write failure
// gives the slot back since nothing could release it later.
func (s *Service) finish(ctx context.Context, span trace.Span, state *session.State, seq *recorder.Sequence, res Result) (Result, error) {
	state.LastSequence = seq.Last()
	if err := s.sessions.Put(ctx, state); err != nil {
		if state.Current != nil {
			s.release(ctx, state.CallID, state.Current)
		}
		span.RecordError(err)
		return Result{}, fmt.Errorf("routing: store session: %w", err)
	}

	metrics.RoutingSource.WithLabelValues(string(res.Source)).Inc()
	span.SetAttributes(
		attribute.String("routing.source", string(res.Source)),
		attribute.String("routing.target", res.TargetID),
	)
	s.logger.WithCall(res.CallID).Info("call routed",
		zap.String("source", string(res.Source)),
		zap.String("target_id", res.TargetID),
		zap.Int("alternatives", len(res.Alternatives)),
		zap.Int("decisions", state.LastSequence),
	)
	return res, nil
}

func (s *Service) terminal(ctx context.Context, span trace.Span, callID string, seq *recorder.Sequence) (Result, error) {
	s.recorder.Record(ctx, domain.RoutingDecision{
		CallID:     callID,
		Sequence:   seq.Next(),
		TargetType: domain.TargetTypeTerminal,
		TargetID:   TerminalTarget,
		TargetName: TerminalTarget,
		Outcome:    domain.OutcomeFailed,
		Reason:     reasonNoRoute,
	})
	if err := s.sessions.Close(ctx, callID, seq.Last()); err != nil {
		s.logger.WithCall(callID).Warn("session close failed", zap.Error(err))
	}
	metrics.RoutingSource.WithLabelValues(string(SourceTerminal)).Inc()
	span.SetAttributes(attribute.String("routing.source", string(SourceTerminal)))
	s.logger.WithCall(callID).Info("no destination found", zap.Int("decisions", seq.Last()))
	return Result{CallID: callID, Source: SourceTerminal}, nil
}

// fallbackCandidates flattens a router result into attempt order. The selected
// recipient has already passed eligibility.
func fallbackCandidates(pr priority.Result) ([]domain.Recipient, int) {
	if pr.Selected == nil {
		return nil, 0
	}
	out := make([]domain.Recipient, 0, len(pr.Alternatives)+1)
	out = append(out, pr.Selected.Recipient)
	for _, alt := range pr.Alternatives {
		out = append(out, alt.Recipient)
	}
	return out, 1
}

func reservationFor(rc domain.Recipient) *session.Reservation {
	key := capacity.KeyFor(rc.Profile())
	return &session.Reservation{Kind: key.Kind, ID: key.ID, Name: rc.Name, Limits: rc.Capacity}
}

func recipientResult(callID string, rc domain.Recipient, rest []domain.Recipient) Result {
	alts := make([]Alternative, 0, len(rest))
	for _, a := range rest {
		alts = append(alts, Alternative{
			ID:               a.ID,
			Name:             a.Name,
			Destination:      a.PhoneNumber,
			Priority:         a.Priority,
			CampaignPriority: a.CampaignPriority,
		})
	}
	return Result{
		CallID:       callID,
		Source:       SourcePriority,
		TargetID:     rc.ID,
		TargetName:   rc.Name,
		Destination:  rc.PhoneNumber,
		Alternatives: alts,
	}
}
