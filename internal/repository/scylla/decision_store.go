package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/shopspring/decimal"

	"github.com/acme/call-routing/internal/domain"
)

// DecisionStore persists routing decisions in Scylla, one partition per call
// clustered by sequence. Rewriting the same (call_id, sequence) is idempotent,
// so redelivered messages are harmless.
type DecisionStore struct {
	session *gocql.Session
}

// NewDecisionStore creates a new decision store.
func NewDecisionStore(session *gocql.Session) *DecisionStore {
	return &DecisionStore{session: session}
}

// AppendDecision inserts one decision row.
func (s *DecisionStore) AppendDecision(ctx context.Context, d domain.RoutingDecision) error {
	if err := s.session.Query(`INSERT INTO routing_decisions (call_id, sequence, target_type, target_id, target_name, priority, outcome, response_time_ms, bid_amount, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.CallID, d.Sequence, string(d.TargetType), d.TargetID, d.TargetName, d.Priority, string(d.Outcome),
		d.ResponseTime.Milliseconds(), amountText(d.BidAmount), d.Reason, d.CreatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("decision store: insert: %w", err)
	}
	return nil
}

// ListDecisions pages through a call's decisions in sequence order.
func (s *DecisionStore) ListDecisions(ctx context.Context, callID string, limit int, pagingState []byte) ([]domain.RoutingDecision, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT sequence, target_type, target_id, target_name, priority, outcome, response_time_ms, bid_amount, reason, created_at
		FROM routing_decisions WHERE call_id = ?`, callID).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	decisions := make([]domain.RoutingDecision, 0, limit)

	var row decisionRow
	for iter.Scan(&row.sequence, &row.targetType, &row.targetID, &row.targetName, &row.priority, &row.outcome, &row.responseMs, &row.amount, &row.reason, &row.created) {
		decisions = append(decisions, row.decision(callID))
		row = decisionRow{}
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("decision store: iter close: %w", err)
	}

	return decisions, iter.PageState(), nil
}

// decisionRow holds the scan targets of one routing_decisions row.
type decisionRow struct {
	sequence   int
	targetType string
	targetID   string
	targetName string
	priority   *int
	outcome    string
	responseMs int64
	amount     *string
	reason     string
	created    time.Time
}

// decision converts the row. An amount that does not parse is dropped rather
// than failing the whole page.
func (r decisionRow) decision(callID string) domain.RoutingDecision {
	d := domain.RoutingDecision{
		CallID:       callID,
		Sequence:     r.sequence,
		TargetType:   domain.TargetType(r.targetType),
		TargetID:     r.targetID,
		TargetName:   r.targetName,
		Outcome:      domain.Outcome(r.outcome),
		ResponseTime: time.Duration(r.responseMs) * time.Millisecond,
		Reason:       r.reason,
		CreatedAt:    r.created,
	}
	if r.priority != nil {
		p := *r.priority
		d.Priority = &p
	}
	if r.amount != nil {
		if v, err := decimal.NewFromString(*r.amount); err == nil {
			d.BidAmount = &v
		}
	}
	return d
}

// amountText renders a bid amount for the text column.
func amountText(amount *decimal.Decimal) *string {
	if amount == nil {
		return nil
	}
	v := amount.String()
	return &v
}
