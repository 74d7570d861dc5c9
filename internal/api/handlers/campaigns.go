package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

func (h *HandlerSet) assignExternalID(ctx *fiber.Ctx) error {
	id, err := h.issuer.AssignToCampaign(ctx.UserContext(), h.campaigns, ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(fiber.Map{"campaign_id": ctx.Params("id"), "external_id": id})
}
