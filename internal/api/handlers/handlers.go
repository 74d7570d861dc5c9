package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/acme/call-routing/internal/domain"
	"github.com/acme/call-routing/internal/service/auction"
	"github.com/acme/call-routing/internal/service/identity"
	"github.com/acme/call-routing/internal/service/routing"
	"github.com/acme/call-routing/pkg/logger"
)

// CallRouter is the routing surface the call-bridging side talks to.
type CallRouter interface {
	Route(ctx context.Context, call domain.InboundCall) (routing.Result, error)
	Next(ctx context.Context, callID string) (routing.Result, error)
	Complete(ctx context.Context, callID string) error
}

// DecisionLister pages through a call's decision log.
type DecisionLister interface {
	ListDecisions(ctx context.Context, callID string, limit int, pagingState []byte) ([]domain.RoutingDecision, []byte, error)
}

// Deps are the collaborators the handlers need. Health returns one entry per
// backing store; a nil error means the store is reachable.
type Deps struct {
	Router      CallRouter
	Decisions   DecisionLister
	Auctions    auction.Reader
	Campaigns   identity.Store
	Issuer      *identity.Issuer
	Health      func(ctx context.Context) map[string]error
	MetricsPath string
	Logger      *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	router    CallRouter
	decisions DecisionLister
	auctions  auction.Reader
	campaigns identity.Store
	issuer    *identity.Issuer
	health    func(ctx context.Context) map[string]error
	metrics   string
	logger    *logger.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(d Deps) *HandlerSet {
	issuer := d.Issuer
	if issuer == nil {
		issuer = identity.NewIssuer(identity.DefaultMaxAttempts, d.Logger)
	}
	return &HandlerSet{
		router:    d.Router,
		decisions: d.Decisions,
		auctions:  d.Auctions,
		campaigns: d.Campaigns,
		issuer:    issuer,
		health:    d.Health,
		metrics:   d.MetricsPath,
		logger:    logger.OrNop(d.Logger).Named("http"),
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.healthz)
	if h.metrics != "" {
		app.Get(h.metrics, adaptor.HTTPHandler(promhttp.Handler()))
	}

	v1 := app.Group("/api").Group("/v1")

	calls := v1.Group("/calls")
	calls.Post("/route", h.routeCall)
	calls.Post("/:id/next", h.nextDestination)
	calls.Post("/:id/complete", h.completeCall)
	calls.Get("/:id/decisions", h.listDecisions)

	v1.Get("/bid-requests/:id", h.getBidRequest)
	v1.Post("/campaigns/:id/external-id", h.assignExternalID)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) healthz(ctx *fiber.Ctx) error {
	if h.health == nil {
		return ctx.JSON(fiber.Map{"status": "ok"})
	}

	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, err := range h.health(healthCtx) {
		if err != nil {
			errs[name] = err.Error()
		}
	}

	if len(errs) > 0 {
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "errors": errs})
	}
	return ctx.JSON(fiber.Map{"status": "ok"})
}
