package decision

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/call-routing/internal/metrics"
	"github.com/acme/call-routing/internal/queue"
	"github.com/acme/call-routing/internal/service/recorder"
	"github.com/acme/call-routing/pkg/logger"
)

// Reader is the consumer side of the decision topic.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Options tunes how hard a write is retried before the message is skipped.
type Options struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// Worker drains routing decisions from Kafka into the decision store. A
// message is committed only after its write succeeded or was given up on.
type Worker struct {
	reader Reader
	store  recorder.Sink
	opts   Options
	logger *logger.Logger
}

// New creates a new decision worker.
func New(reader Reader, store recorder.Sink, opts Options, lg *logger.Logger) *Worker {
	if opts.Attempts == 0 {
		opts.Attempts = 5
	}
	if opts.Delay <= 0 {
		opts.Delay = 200 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	return &Worker{reader: reader, store: store, opts: opts, logger: logger.OrNop(lg).Named("decisionworker")}
}

// Run processes decision events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("decision worker: fetch", zap.Error(err))
			continue
		}

		w.handle(ctx, msg)

		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("decision worker: commit", zap.Error(err))
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) {
	var payload queue.DecisionMessage
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		w.logger.Error("decision worker: unmarshal", zap.Error(err), zap.Int64("offset", msg.Offset))
		return
	}

	tracer := otel.Tracer("routing.decisionworker")
	sctx, span := tracer.Start(ctx, "decision.persist", trace.WithAttributes(
		attribute.String("call.id", payload.CallID),
		attribute.Int("sequence", payload.Sequence),
		attribute.String("outcome", payload.Outcome),
	))
	defer span.End()

	err := retry.Do(
		func() error {
			return w.store.AppendDecision(sctx, payload.Decision())
		},
		retry.Context(sctx),
		retry.Attempts(w.opts.Attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(w.opts.Delay),
		retry.MaxDelay(w.opts.MaxDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			w.logger.Warn("decision worker: write retry",
				zap.Uint("attempt", n+1),
				zap.String("call_id", payload.CallID),
				zap.Int("sequence", payload.Sequence),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		span.RecordError(err)
		metrics.RecorderFailures.Inc()
		w.logger.Error("decision worker: write failed after retries",
			zap.String("call_id", payload.CallID),
			zap.Int("sequence", payload.Sequence),
			zap.Error(err),
		)
	}
}
