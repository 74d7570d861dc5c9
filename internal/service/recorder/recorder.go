package recorder

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/acme/call-routing/internal/domain"
	"github.com/acme/call-routing/internal/metrics"
	"github.com/acme/call-routing/pkg/logger"
)

const writeTimeout = 2 * time.Second

// Sink is an append-only destination for routing decisions.
type Sink interface {
	AppendDecision(ctx context.Context, decision domain.RoutingDecision) error
}

// Recorder writes routing decisions without ever failing the routing path.
type Recorder struct {
	sink   Sink
	logger *logger.Logger
	now    func() time.Time
}

// New constructs a recorder writing to sink.
func New(sink Sink, lg *logger.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger.OrNop(lg).Named("recorder"), now: time.Now}
}

// Record appends one decision. Write errors are logged and dropped.
func (r *Recorder) Record(ctx context.Context, d domain.RoutingDecision) {
	if r == nil || r.sink == nil {
		return
	}
	if d.CallID == "" || d.Sequence <= 0 {
		r.logger.Warn("dropping malformed routing decision",
			zap.String("call_id", d.CallID),
			zap.Int("sequence", d.Sequence),
			zap.String("outcome", string(d.Outcome)),
		)
		return
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.now().UTC()
	}

	// routing may already be past its own deadline
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := r.sink.AppendDecision(wctx, d); err != nil {
		metrics.RecorderFailures.Inc()
		r.logger.Warn("routing decision write failed",
			zap.Error(err),
			zap.String("call_id", d.CallID),
			zap.Int("sequence", d.Sequence),
			zap.String("target_type", string(d.TargetType)),
			zap.String("target_id", d.TargetID),
			zap.String("outcome", string(d.Outcome)),
		)
	}
}
