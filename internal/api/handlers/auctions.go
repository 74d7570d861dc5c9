package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/acme/call-routing/internal/domain"
)

type bidResponseView struct {
	ID              string                `json:"id"`
	BidderID        string                `json:"bidder_id"`
	Amount          *decimal.Decimal      `json:"amount,omitempty"`
	Currency        string                `json:"currency,omitempty"`
	Destination     string                `json:"destination,omitempty"`
	RequiredSeconds *int                  `json:"required_seconds,omitempty"`
	LatencyMs       int64                 `json:"latency_ms"`
	Status          domain.ResponseStatus `json:"status"`
	Valid           bool                  `json:"valid"`
	Winning         bool                  `json:"winning"`
	RejectionReason string                `json:"rejection_reason,omitempty"`
}

type bidRequestView struct {
	ID                  string            `json:"id"`
	CallID              string            `json:"call_id"`
	CampaignID          string            `json:"campaign_id"`
	TimeoutMs           int64             `json:"timeout_ms"`
	TotalTargetsPinged  int               `json:"total_targets_pinged"`
	SuccessfulResponses int               `json:"successful_responses"`
	WinningAmount       *decimal.Decimal  `json:"winning_amount,omitempty"`
	WinningBidderID     string            `json:"winning_bidder_id,omitempty"`
	TotalElapsedMs      int64             `json:"total_elapsed_ms"`
	CreatedAt           time.Time         `json:"created_at"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	Responses           []bidResponseView `json:"responses"`
}

func (h *HandlerSet) getBidRequest(ctx *fiber.Ctx) error {
	id := ctx.Params("id")

	var (
		req       *domain.BidRequest
		responses []domain.BidResponse
	)
	g, gctx := errgroup.WithContext(ctx.UserContext())
	g.Go(func() error {
		var err error
		req, err = h.auctions.GetBidRequest(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		responses, err = h.auctions.ListBidResponses(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return translateError(err)
	}

	view := bidRequestView{
		ID:                  req.ID,
		CallID:              req.CallID,
		CampaignID:          req.CampaignID,
		TimeoutMs:           req.TimeoutMs,
		TotalTargetsPinged:  req.TotalTargetsPinged,
		SuccessfulResponses: req.SuccessfulResponses,
		WinningAmount:       req.WinningAmount,
		WinningBidderID:     req.WinningBidderID,
		TotalElapsedMs:      req.TotalElapsed.Milliseconds(),
		CreatedAt:           req.CreatedAt,
		CompletedAt:         req.CompletedAt,
		Responses:           make([]bidResponseView, 0, len(responses)),
	}
	for _, r := range responses {
		view.Responses = append(view.Responses, bidResponseView{
			ID:              r.ID,
			BidderID:        r.BidderID,
			Amount:          r.Amount,
			Currency:        r.Currency,
			Destination:     r.Destination,
			RequiredSeconds: r.RequiredSeconds,
			LatencyMs:       r.Latency.Milliseconds(),
			Status:          r.Status,
			Valid:           r.Valid,
			Winning:         r.Winning,
			RejectionReason: r.RejectionReason,
		})
	}

	return ctx.Status(http.StatusOK).JSON(view)
}
