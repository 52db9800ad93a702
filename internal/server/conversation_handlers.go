package server

import (
	"time"

	"carewire/internal/models"
	"carewire/internal/service"

	"github.com/gofiber/fiber/v2"
)

type createConversationRequest struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	ParticipantIDs []uint `json:"participant_ids"`
}

// CreateConversation creates a conversation with the caller as owner.
func (s *Server) CreateConversation(c *fiber.Ctx) error {
	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	convType := models.ConversationType(req.Type)
	if convType == "" {
		convType = models.ConversationDirect
	}

	conv, err := s.messaging.CreateConversation(c.Context(), service.CreateConversationInput{
		CreatorID:      callerID(c),
		Name:           req.Name,
		Type:           convType,
		ParticipantIDs: req.ParticipantIDs,
		Meta:           requestMeta(c),
	})
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(conv)
}

// ListConversations returns the caller's conversations, most recent first.
func (s *Server) ListConversations(c *fiber.Ctx) error {
	convs, err := s.messaging.ListConversations(c.Context(), callerID(c))
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(fiber.Map{"conversations": convs})
}

// GetConversation returns one conversation the caller belongs to.
func (s *Server) GetConversation(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	conv, err := s.messaging.GetConversation(c.Context(), convID, callerID(c))
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(conv)
}

type addParticipantRequest struct {
	UserID uint   `json:"user_id"`
	Role   string `json:"role"`
}

// AddParticipant enrolls a user in the conversation.
func (s *Server) AddParticipant(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req addParticipantRequest
	if err := c.BodyParser(&req); err != nil || req.UserID == 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("user_id is required"))
	}

	err = s.messaging.AddParticipant(c.Context(), convID, callerID(c), req.UserID,
		models.ParticipantRole(req.Role), requestMeta(c))
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// RemoveParticipant deactivates a member, or lets the caller leave.
func (s *Server) RemoveParticipant(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	userID, err := s.parseID(c, "userId")
	if err != nil {
		return nil
	}

	if err := s.messaging.RemoveParticipant(c.Context(), convID, callerID(c), userID, requestMeta(c)); err != nil {
		return respondServiceError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type muteRequest struct {
	// DurationMinutes of 0 mutes until explicitly lifted.
	DurationMinutes int `json:"duration_minutes"`
}

// MuteConversation silences routine notifications for the caller.
func (s *Server) MuteConversation(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req muteRequest
	_ = c.BodyParser(&req)
	if req.DurationMinutes < 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("duration_minutes must not be negative"))
	}

	duration := time.Duration(req.DurationMinutes) * time.Minute
	if err := s.messaging.MuteConversation(c.Context(), convID, callerID(c), duration); err != nil {
		return respondServiceError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// UnmuteConversation lifts the caller's mute.
func (s *Server) UnmuteConversation(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	if err := s.messaging.UnmuteConversation(c.Context(), convID, callerID(c)); err != nil {
		return respondServiceError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
