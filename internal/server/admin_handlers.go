package server

import (
	"time"

	"carewire/internal/models"

	"github.com/gofiber/fiber/v2"
)

// adminRequired rejects callers whose token does not carry the admin role.
// Runs after the auth middleware populated locals.
func adminRequired(c *fiber.Ctx) error {
	role, _ := c.Locals("userRole").(string)
	if role != "admin" {
		return models.RespondWithError(c, fiber.StatusForbidden,
			models.NewForbiddenError("Admin access required"))
	}
	return c.Next()
}

// StorageStatus reports the active tier, the latest metrics snapshot, the
// threshold table, and any scaling recommendations.
func (s *Server) StorageStatus(c *fiber.Ctx) error {
	return c.JSON(s.orchestrator.Info(c.Context()))
}

// ResetStorageTier manually re-evaluates the scaling policy from scratch,
// allowing a downgrade after load subsides. Escalation is otherwise
// monotonic.
func (s *Server) ResetStorageTier(c *fiber.Ctx) error {
	if err := s.orchestrator.Reset(c.Context()); err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{"tier": s.orchestrator.Tier().String()})
}

// ComplianceReport returns audit entries in a time window, newest first.
// Defaults to the trailing 30 days.
func (s *Server) ComplianceReport(c *fiber.Ctx) error {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)

	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("from must be an RFC 3339 timestamp"))
		}
		from = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("to must be an RFC 3339 timestamp"))
		}
		to = t
	}
	limit := c.QueryInt("limit", 500)

	rows, err := s.riskLog.Report(c.Context(), from, to, limit)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{
		"from":    from,
		"to":      to,
		"entries": rows,
	})
}

type investigationRequest struct {
	Status string `json:"status"`
}

// MarkInvestigation transitions the follow-up status of a flagged audit
// entry.
func (s *Server) MarkInvestigation(c *fiber.Ctx) error {
	entryID := c.Params("id")
	var req investigationRequest
	if err := c.BodyParser(&req); err != nil || req.Status == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("status is required"))
	}

	err := s.riskLog.MarkInvestigation(c.Context(), entryID, models.InvestigationStatus(req.Status))
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
