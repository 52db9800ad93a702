package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"carewire/internal/middleware"
	"carewire/internal/models"
	"carewire/internal/notifications"
	"carewire/internal/observability"
	"carewire/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// WebSocket close codes beyond the RFC range: 4001 for failed auth, 4003 for
// a caller who is not a participant of the requested conversation.
const (
	closeUnauthorized   = 4001
	closeNotParticipant = 4003
)

type inboundFrame struct {
	Type           string  `json:"type"`
	ConversationID uint    `json:"conversation_id"`
	Content        string  `json:"content"`
	MessageType    string  `json:"message_type"`
	Priority       string  `json:"priority"`
	ReplyTo        *string `json:"reply_to"`
	PatientContext *string `json:"patient_context"`
	MessageID      string  `json:"message_id"`
}

// WebSocketChatHandler upgrades the connection, verifies conversation
// membership, and pumps frames in both directions until the peer goes away.
func (s *Server) WebSocketChatHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		ctx := context.Background()

		userIDVal := conn.Locals("userID")
		if userIDVal == nil {
			closeWith(conn, closeUnauthorized, "unauthorized")
			return
		}
		userID := userIDVal.(uint)
		userName, _ := conn.Locals("userName").(string)

		conversationID, err := strconv.ParseUint(conn.Query("conversation_id"), 10, 32)
		if err != nil || conversationID == 0 {
			closeWith(conn, websocket.ClosePolicyViolation, "conversation_id required")
			return
		}

		active, err := s.registry.IsActiveParticipant(ctx, uint(conversationID), userID)
		if err != nil || !active {
			closeWith(conn, closeNotParticipant, "not a participant")
			return
		}

		client, err := s.hub.Register(ctx, conn, userID, userName, uint(conversationID))
		if err != nil {
			closeWith(conn, websocket.CloseTryAgainLater, err.Error())
			return
		}

		if err := s.registry.TouchPresence(ctx, userID, time.Now().UTC()); err != nil {
			observability.GlobalLogger.Warn("presence touch failed", slog.String("error", err.Error()))
		}

		client.IncomingHandler = func(c *notifications.Client, frame []byte) {
			s.handleInboundFrame(ctx, c, frame)
		}

		go client.WritePump()
		client.ReadPump()
	})
}

// handleInboundFrame dispatches one client frame. Malformed or unknown frames
// produce an error event without closing the connection.
func (s *Server) handleInboundFrame(ctx context.Context, client *notifications.Client, frame []byte) {
	var in inboundFrame
	if err := json.Unmarshal(frame, &in); err != nil {
		s.hub.SendError(client, "invalid message format")
		return
	}
	if in.ConversationID == 0 {
		in.ConversationID = client.ConversationID
	}

	switch in.Type {
	case notifications.EventSendMessage:
		if !s.wsAllowed(ctx, "ws_send", client.UserID, 30) {
			s.hub.SendError(client, "rate limit exceeded, slow down")
			return
		}
		_, err := s.messaging.SendMessage(ctx, service.SendMessageInput{
			UserID:         client.UserID,
			UserName:       client.UserName,
			ConversationID: in.ConversationID,
			Content:        in.Content,
			MessageType:    models.MessageType(in.MessageType),
			Priority:       models.MessagePriority(in.Priority),
			ReplyToID:      in.ReplyTo,
			PatientContext: in.PatientContext,
		})
		if err != nil {
			s.hub.SendError(client, userFacingError(err))
		}
	case notifications.EventMarkRead:
		if in.MessageID == "" {
			s.hub.SendError(client, "message_id is required")
			return
		}
		if err := s.messaging.MarkRead(ctx, in.ConversationID, client.UserID, in.MessageID); err != nil {
			s.hub.SendError(client, userFacingError(err))
		}
	case notifications.EventStartTyping:
		if !s.wsAllowed(ctx, "ws_typing", client.UserID, 60) {
			return
		}
		if err := s.messaging.StartTyping(ctx, in.ConversationID, client.UserID, client.UserName); err != nil {
			s.hub.SendError(client, userFacingError(err))
		}
	case notifications.EventStopTyping:
		if err := s.messaging.StopTyping(ctx, in.ConversationID, client.UserID, client.UserName); err != nil {
			s.hub.SendError(client, userFacingError(err))
		}
	default:
		s.hub.SendError(client, "unknown message type")
	}
}

// wsAllowed applies a per-user per-minute budget to inbound frames. Without
// Redis every frame passes; the REST surface still enforces its own limits.
func (s *Server) wsAllowed(ctx context.Context, resource string, userID uint, limit int) bool {
	if s.redis == nil {
		return true
	}
	allowed, err := middleware.CheckRateLimit(ctx, s.redis, resource,
		strconv.FormatUint(uint64(userID), 10), limit, time.Minute)
	if err != nil {
		return true
	}
	return allowed
}

func userFacingError(err error) string {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "request failed"
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}
