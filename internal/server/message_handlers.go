package server

import (
	"time"

	"carewire/internal/models"
	"carewire/internal/service"
	"carewire/internal/storage"

	"github.com/gofiber/fiber/v2"
)

type sendMessageRequest struct {
	Content        string  `json:"content"`
	MessageType    string  `json:"message_type"`
	Priority       string  `json:"priority"`
	ReplyToID      *string `json:"reply_to_id"`
	PatientContext *string `json:"patient_context"`
}

// SendMessage stores a message and fans it out to the conversation.
func (s *Server) SendMessage(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	view, err := s.messaging.SendMessage(c.Context(), service.SendMessageInput{
		UserID:         callerID(c),
		UserName:       callerName(c),
		ConversationID: convID,
		Content:        req.Content,
		MessageType:    models.MessageType(req.MessageType),
		Priority:       models.MessagePriority(req.Priority),
		ReplyToID:      req.ReplyToID,
		PatientContext: req.PatientContext,
		Meta:           requestMeta(c),
	})
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(view)
}

// GetMessages returns a page of decrypted messages, newest first. An optional
// before query parameter (RFC 3339) pages backwards.
func (s *Server) GetMessages(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	limit := c.QueryInt("limit", 50)
	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		t, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("before must be an RFC 3339 timestamp"))
		}
		before = &t
	}
	var patientContext *string
	if raw := c.Query("patient_context"); raw != "" {
		patientContext = &raw
	}

	views, err := s.messaging.GetMessages(c.Context(), convID, callerID(c), limit, before, patientContext)
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(fiber.Map{"messages": views})
}

type markReadRequest struct {
	MessageID string `json:"message_id"`
}

// MarkRead advances the caller's read cursor.
func (s *Server) MarkRead(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req markReadRequest
	if err := c.BodyParser(&req); err != nil || req.MessageID == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("message_id is required"))
	}

	if err := s.messaging.MarkRead(c.Context(), convID, callerID(c), req.MessageID); err != nil {
		return respondServiceError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type editMessageRequest struct {
	Content string `json:"content"`
}

// EditMessage replaces a message's content. Sender only.
func (s *Server) EditMessage(c *fiber.Ctx) error {
	messageID := c.Params("messageId")
	if messageID == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid messageId"))
	}
	var req editMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	view, err := s.messaging.EditMessage(c.Context(), callerID(c), messageID, req.Content, requestMeta(c))
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(view)
}

// DeleteMessage removes a message. The active storage tier may not support
// deletion, which reports as 501.
func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	messageID := c.Params("messageId")
	if messageID == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid messageId"))
	}

	if err := s.messaging.DeleteMessage(c.Context(), callerID(c), messageID, requestMeta(c)); err != nil {
		if storage.IsUnsupported(err) {
			return models.RespondWithError(c, fiber.StatusNotImplemented,
				models.NewValidationError("Deletion is not supported on the current storage tier"))
		}
		return respondServiceError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SearchMessages runs a plaintext search over the conversation. The active
// storage tier may not support search, which reports as 501.
func (s *Server) SearchMessages(c *fiber.Ctx) error {
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	query := c.Query("q")

	views, err := s.messaging.SearchMessages(c.Context(), convID, callerID(c), query)
	if err != nil {
		if storage.IsUnsupported(err) {
			return models.RespondWithError(c, fiber.StatusNotImplemented,
				models.NewValidationError("Search is not supported on the current storage tier"))
		}
		return respondServiceError(c, err)
	}
	return c.JSON(fiber.Map{"messages": views})
}
