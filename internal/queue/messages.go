package queue

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/acme/call-routing/internal/domain"
)

// DecisionMessage is the wire form of one routing decision on the decision topic.
type DecisionMessage struct {
	CallID         string           `json:"call_id"`
	Sequence       int              `json:"sequence"`
	TargetType     string           `json:"target_type"`
	TargetID       string           `json:"target_id"`
	TargetName     string           `json:"target_name,omitempty"`
	Priority       *int             `json:"priority,omitempty"`
	Outcome        string           `json:"outcome"`
	ResponseTimeMs int64            `json:"response_time_ms"`
	BidAmount      *decimal.Decimal `json:"bid_amount,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// NewDecisionMessage converts a decision for publishing.
func NewDecisionMessage(d domain.RoutingDecision) DecisionMessage {
	return DecisionMessage{
		CallID:         d.CallID,
		Sequence:       d.Sequence,
		TargetType:     string(d.TargetType),
		TargetID:       d.TargetID,
		TargetName:     d.TargetName,
		Priority:       d.Priority,
		Outcome:        string(d.Outcome),
		ResponseTimeMs: d.ResponseTime.Milliseconds(),
		BidAmount:      d.BidAmount,
		Reason:         d.Reason,
		CreatedAt:      d.CreatedAt,
	}
}

// Decision converts the message back to the domain form.
func (m DecisionMessage) Decision() domain.RoutingDecision {
	return domain.RoutingDecision{
		CallID:       m.CallID,
		Sequence:     m.Sequence,
		TargetType:   domain.TargetType(m.TargetType),
		TargetID:     m.TargetID,
		TargetName:   m.TargetName,
		Priority:     m.Priority,
		Outcome:      domain.Outcome(m.Outcome),
		ResponseTime: time.Duration(m.ResponseTimeMs) * time.Millisecond,
		BidAmount:    m.BidAmount,
		Reason:       m.Reason,
		CreatedAt:    m.CreatedAt,
	}
}
