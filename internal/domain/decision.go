package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TargetType identifies what kind of destination a decision concerns.
type TargetType string

const (
	TargetTypeRTB       TargetType = "rtb"
	TargetTypeRecipient TargetType = "recipient"
	TargetTypeTerminal  TargetType = "terminal"
)

// Outcome is the result of one routing attempt.
type Outcome string

const (
	OutcomeSelected  Outcome = "selected"
	OutcomeAttempted Outcome = "attempted"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimeout   Outcome = "timeout"
)

// RoutingDecision is one append-only audit record of a routing attempt.
type RoutingDecision struct {
	CallID       string
	Sequence     int
	TargetType   TargetType
	TargetID     string
	TargetName   string
	Priority     *int
	Outcome      Outcome
	ResponseTime time.Duration
	BidAmount    *decimal.Decimal
	Reason       string
	CreatedAt    time.Time
}
