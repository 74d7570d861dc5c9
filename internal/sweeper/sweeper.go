package sweeper

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/call-routing/internal/session"
	"github.com/acme/call-routing/pkg/logger"
)

// Expirer releases whatever an expired session was still holding.
type Expirer interface {
	Expire(ctx context.Context, expired []session.State) int
}

// Sweeper periodically evicts abandoned routing sessions.
type Sweeper struct {
	sessions session.Store
	expirer  Expirer
	interval time.Duration
	logger   *logger.Logger
	now      func() time.Time
}

// New constructs a sweeper.
func New(sessions session.Store, expirer Expirer, interval time.Duration, lg *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		sessions: sessions,
		expirer:  expirer,
		interval: interval,
		logger:   logger.OrNop(lg).Named("sweeper"),
		now:      time.Now,
	}
}

// Run executes the sweep loop until cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweeper: tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep evicts expired sessions once and returns how many reservations were released.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	sctx, span := otel.Tracer("routing.sweeper").Start(ctx, "sweeper.tick")
	defer span.End()

	expired, err := s.sessions.Sweep(sctx, s.now())
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	released := s.expirer.Expire(sctx, expired)
	span.SetAttributes(
		attribute.Int("sessions.expired", len(expired)),
		attribute.Int("reservations.released", released),
	)
	s.logger.Info("sweeper: expired sessions",
		zap.Int("expired", len(expired)),
		zap.Int("released", released),
	)
	return released, nil
}
