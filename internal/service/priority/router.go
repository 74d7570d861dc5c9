package priority

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/call-routing/internal/domain"
	"github.com/acme/call-routing/internal/service/capacity"
	"github.com/acme/call-routing/internal/service/eligibility"
	"github.com/acme/call-routing/internal/service/recorder"
	"github.com/acme/call-routing/pkg/logger"
)

// ReasonExhausted is reported when no recipient passes eligibility.
const ReasonExhausted = "no eligible recipients"

const reasonSelected = "highest priority eligible recipient"

// RecipientSource loads the fixed candidate list of a campaign.
type RecipientSource interface {
	ListRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error)
}

// DecisionRecorder receives eliminations and selections.
type DecisionRecorder interface {
	Record(ctx context.Context, d domain.RoutingDecision)
}

// Candidate is a recipient together with the counters it was judged on.
type Candidate struct {
	Recipient domain.Recipient
	Counters  domain.Counters
	// Reason is empty for eligible candidates.
	Reason string
}

// Result is the outcome of one selection. Selected is nil when the campaign is
// exhausted, in which case Alternatives lists the ineligible candidates.
type Result struct {
	Selected     *Candidate
	Reason       string
	Alternatives []Candidate
}

// Router deterministically picks a recipient when the auction yields nobody.
type Router struct {
	source   RecipientSource
	counters capacity.Store
	checker  *eligibility.Checker
	recorder DecisionRecorder
	logger   *logger.Logger
}

func NewRouter(source RecipientSource, counters capacity.Store, checker *eligibility.Checker, rec DecisionRecorder, lg *logger.Logger) *Router {
	if checker == nil {
		checker = eligibility.NewChecker()
	}
	return &Router{
		source:   source,
		counters: counters,
		checker:  checker,
		recorder: rec,
		logger:   logger.OrNop(lg).Named("priority"),
	}
}

// Select evaluates every recipient of the campaign and orders the eligible ones
// by campaign priority, then global priority (both descending), then calls
// handled today (ascending). Equal keys keep their original order.
func (r *Router) Select(ctx context.Context, callID, campaignID string, seq *recorder.Sequence) (Result, error) {
	tracer := otel.Tracer("routing.priority")
	ctx, span := tracer.Start(ctx, "priority.select", trace.WithAttributes(
		attribute.String("call.id", callID),
		attribute.String("campaign.id", campaignID),
	))
	defer span.End()

	recipients, err := r.source.ListRecipients(ctx, campaignID)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("priority: load recipients: %w", err)
	}
	if seq == nil {
		seq = recorder.NewSequence(0)
	}

	snapshot := r.snapshot(ctx, recipients)

	var eligible, ineligible []Candidate
	for _, rc := range recipients {
		c := Candidate{Recipient: rc, Counters: snapshot[capacity.KeyFor(rc.Profile())]}
		if ok, reason := r.checker.Check(rc.Profile(), c.Counters); !ok {
			c.Reason = reason
			ineligible = append(ineligible, c)
			r.record(ctx, callID, seq.Next(), rc, domain.OutcomeRejected, reason)
			continue
		}
		eligible = append(eligible, c)
	}

	if len(eligible) == 0 {
		span.SetAttributes(attribute.Bool("priority.exhausted", true))
		r.logger.WithCall(callID).Info("priority routing exhausted",
			zap.String("campaign_id", campaignID),
			zap.Int("candidates", len(recipients)),
		)
		return Result{Reason: ReasonExhausted, Alternatives: ineligible}, nil
	}

	Order(eligible)

	selected := eligible[0]
	r.record(ctx, callID, seq.Next(), selected.Recipient, domain.OutcomeSelected, reasonSelected)
	span.SetAttributes(attribute.String("priority.selected", selected.Recipient.ID))

	return Result{
		Selected:     &selected,
		Reason:       reasonSelected,
		Alternatives: eligible[1:],
	}, nil
}

// Recheck re-evaluates one candidate against fresh counters. Callers use it
// before trying an alternative since load may have changed since selection.
func (r *Router) Recheck(ctx context.Context, rc domain.Recipient) Candidate {
	c := Candidate{Recipient: rc}
	if r.counters != nil {
		counters, err := r.counters.Snapshot(ctx, capacity.KeyFor(rc.Profile()))
		if err != nil {
			r.logger.Warn("recipient counters unavailable", zap.String("recipient_id", rc.ID), zap.Error(err))
		}
		c.Counters = counters
	}
	if ok, reason := r.checker.Check(rc.Profile(), c.Counters); !ok {
		c.Reason = reason
	}
	return c
}

// Order sorts candidates in routing preference order.
func Order(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Recipient.CampaignPriority != b.Recipient.CampaignPriority {
			return a.Recipient.CampaignPriority > b.Recipient.CampaignPriority
		}
		if a.Recipient.Priority != b.Recipient.Priority {
			return a.Recipient.Priority > b.Recipient.Priority
		}
		return a.Counters.Today < b.Counters.Today
	})
}

func (r *Router) snapshot(ctx context.Context, recipients []domain.Recipient) map[capacity.Key]domain.Counters {
	if r.counters == nil || len(recipients) == 0 {
		return nil
	}
	keys := make([]capacity.Key, 0, len(recipients))
	for _, rc := range recipients {
		keys = append(keys, capacity.KeyFor(rc.Profile()))
	}
	snapshot, err := r.counters.SnapshotMany(ctx, keys)
	if err != nil {
		// Reserve still guards the caps at attempt time.
		r.logger.Warn("recipient counters unavailable", zap.Error(err))
		return nil
	}
	return snapshot
}

func (r *Router) record(ctx context.Context, callID string, seq int, rc domain.Recipient, outcome domain.Outcome, reason string) {
	if r.recorder == nil {
		return
	}
	priority := rc.CampaignPriority
	r.recorder.Record(ctx, domain.RoutingDecision{
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
