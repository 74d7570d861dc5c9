package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/acme/call-routing/internal/domain"
	"github.com/acme/call-routing/internal/service/routing"
)

const maxDecisionPage = 500

type routeCallRequest struct {
	CallID      string     `json:"call_id"`
	CampaignID  string     `json:"campaign_id"`
	CallerID    string     `json:"caller_id"`
	CallerState string     `json:"caller_state"`
	CallerZip   string     `json:"caller_zip"`
	StartedAt   *time.Time `json:"started_at"`
}

type alternativeResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Destination      string `json:"destination"`
	Priority         int    `json:"priority"`
	CampaignPriority int    `json:"campaign_priority"`
}

type routeResponse struct {
	CallID       string                `json:"call_id"`
	Source       routing.Source        `json:"source"`
	TargetID     string                `json:"target_id"`
	TargetName   string                `json:"target_name,omitempty"`
	Destination  string                `json:"destination,omitempty"`
	BidAmount    *decimal.Decimal      `json:"bid_amount,omitempty"`
	Currency     string                `json:"currency,omitempty"`
	BidRequestID string                `json:"bid_request_id,omitempty"`
	Alternatives []alternativeResponse `json:"alternatives"`
}

type decisionResponse struct {
	Sequence       int               `json:"sequence"`
	TargetType     domain.TargetType `json:"target_type"`
	TargetID       string            `json:"target_id"`
	TargetName     string            `json:"target_name,omitempty"`
	Priority       *int              `json:"priority,omitempty"`
	Outcome        domain.Outcome    `json:"outcome"`
	ResponseTimeMs int64             `json:"response_time_ms"`
	BidAmount      *decimal.Decimal  `json:"bid_amount,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

type listDecisionsResponse struct {
	Decisions []decisionResponse `json:"decisions"`
	NextPage  string             `json:"next_page,omitempty"`
}

func (h *HandlerSet) routeCall(ctx *fiber.Ctx) error {
	var req routeCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	call := domain.InboundCall{
		CallID:      req.CallID,
		CampaignID:  req.CampaignID,
		CallerID:    req.CallerID,
		CallerState: req.CallerState,
		CallerZip:   req.CallerZip,
		StartedAt:   time.Now().UTC(),
	}
	if req.StartedAt != nil {
		call.StartedAt = req.StartedAt.UTC()
	}

	result, err := h.router.Route(ctx.UserContext(), call)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toRouteResponse(result))
}

func (h *HandlerSet) nextDestination(ctx *fiber.Ctx) error {
	result, err := h.router.Next(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toRouteResponse(result))
}

func (h *HandlerSet) completeCall(ctx *fiber.Ctx) error {
	if err := h.router.Complete(ctx.UserContext(), ctx.Params("id")); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) listDecisions(ctx *fiber.Ctx) error {
	limit, err := strconv.Atoi(ctx.Query("limit", "100"))
	if err != nil || limit <= 0 {
		return fiber.NewError(http.StatusBadRequest, "invalid limit")
	}
	if limit > maxDecisionPage {
		limit = maxDecisionPage
	}

	paging, err := decodePageToken(ctx.Query("page_token"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid page token")
	}

	decisions, next, err := h.decisions.ListDecisions(ctx.UserContext(), ctx.Params("id"), limit, paging)
	if err != nil {
		return translateError(err)
	}

	resp := listDecisionsResponse{Decisions: make([]decisionResponse, 0, len(decisions))}
	for _, d := range decisions {
		resp.Decisions = append(resp.Decisions, decisionResponse{
			Sequence:       d.Sequence,
			TargetType:     d.TargetType,
			TargetID:       d.TargetID,
			TargetName:     d.TargetName,
			Priority:       d.Priority,
			Outcome:        d.Outcome,
			ResponseTimeMs: d.ResponseTime.Milliseconds(),
			BidAmount:      d.BidAmount,
			Reason:         d.Reason,
			CreatedAt:      d.CreatedAt,
		})
	}
	resp.NextPage = encodePageToken(next)

	return ctx.Status(http.StatusOK).JSON(resp)
}

func toRouteResponse(r routing.Result) routeResponse {
	resp := routeResponse{
		CallID:       r.CallID,
		Source:       r.Source,
		TargetID:     r.TargetID,
		TargetName:   r.TargetName,
		Destination:  r.Destination,
		BidAmount:    r.BidAmount,
		Currency:     r.Currency,
		BidRequestID: r.BidRequestID,
		Alternatives: make([]alternativeResponse, 0, len(r.Alternatives)),
	}
	for _, a := range r.Alternatives {
		resp.Alternatives = append(resp.Alternatives, alternativeResponse(a))
	}
	return resp
}
