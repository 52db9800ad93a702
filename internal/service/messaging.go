// Package service provides the application business logic over the storage,
// registry, fanout, and audit layers.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"carewire/internal/audit"
	"carewire/internal/crypto"
	"carewire/internal/models"
	"carewire/internal/notifications"
	"carewire/internal/observability"
	"carewire/internal/registry"
	"carewire/internal/storage"
)

const maxMessageContentLen = 10000

// RequestMeta carries per-request client attribution for the audit trail.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// SendMessageInput is the input for sending a message.
type SendMessageInput struct {
	UserID         uint
	UserName       string
	ConversationID uint
	Content        string
	MessageType    models.MessageType
	Priority       models.MessagePriority
	ReplyToID      *string
	PatientContext *string
	Meta           RequestMeta
}

// MessageView pairs a stored envelope with its decrypted content for
// rendering.
type MessageView struct {
	Message *models.Message `json:"message"`
	Content string          `json:"content"`
}

// MessagingService ties the storage orchestrator, conversation registry,
// realtime fanout, and audit log into the message lifecycle.
type MessagingService struct {
	store    *storage.Orchestrator
	registry registry.Registry
	fanout   *notifications.Fanout
	notifier *notifications.Notifier
	audit    *audit.RiskLog
}

// NewMessagingService returns a new MessagingService.
func NewMessagingService(
	store *storage.Orchestrator,
	reg registry.Registry,
	fanout *notifications.Fanout,
	notifier *notifications.Notifier,
	riskLog *audit.RiskLog,
) *MessagingService {
	return &MessagingService{
		store:    store,
		registry: reg,
		fanout:   fanout,
		notifier: notifier,
		audit:    riskLog,
	}
}

// SendMessage validates, persists, fans out, and audits one message. The
// stored content is ciphertext; the broadcast carries the plaintext to
// connected participants.
func (s *MessagingService) SendMessage(ctx context.Context, in SendMessageInput) (*MessageView, error) {
	if in.Content == "" {
		return nil, models.NewValidationError("Message content is required")
	}
	if len(in.Content) > maxMessageContentLen {
		return nil, models.NewValidationError("Message content too long (max 10000 characters)")
	}

	participant, err := s.requireActiveParticipant(ctx, in.ConversationID, in.UserID)
	if err != nil {
		s.auditUnauthorized(ctx, in.UserID, in.ConversationID, in.Meta)
		return nil, err
	}
	if !registry.HasPermission(participant.Role, registry.ActionSendMessage) {
		return nil, models.NewForbiddenError("Your role cannot send messages in this conversation")
	}

	msg, err := s.store.Store(ctx, storage.StoreInput{
		ConversationID:   in.ConversationID,
		SenderID:         in.UserID,
		Content:          in.Content,
		MessageType:      in.MessageType,
		Priority:         in.Priority,
		ReplyToID:        in.ReplyToID,
		PatientContextID: in.PatientContext,
	})
	if err != nil {
		// No tier detail leaks to the caller.
		observability.GlobalLogger.Error("message store failed",
			slog.Uint64("conversation_id", uint64(in.ConversationID)),
			slog.String("error", err.Error()),
		)
		return nil, models.NewInternalError(errors.New("failed to send message"))
	}

	if err := s.registry.IncrementUnread(ctx, in.ConversationID, in.UserID); err != nil {
		observability.GlobalLogger.Warn("unread increment failed", slog.String("error", err.Error()))
	}
	if err := s.registry.TouchLastMessage(ctx, in.ConversationID, msg.CreatedAt); err != nil {
		observability.GlobalLogger.Warn("last-message touch failed", slog.String("error", err.Error()))
	}

	s.fanout.BroadcastNewMessage(ctx, msg, in.Content)
	event := notifications.NewEvent(notifications.EventNewMessage, msg.ConversationID, msg.SenderID,
		notifications.NewMessagePayload{Message: msg, Content: in.Content})
	if err := s.notifier.PublishConversation(ctx, msg.ConversationID, event); err != nil {
		observability.GlobalLogger.Warn("conversation publish failed", slog.String("error", err.Error()))
	}

	if msg.IsEmergency() {
		s.pushEmergency(ctx, msg, in)
	}

	s.auditLog(ctx, audit.Record{
		Action:           models.AuditMessageSent,
		ActorID:          &in.UserID,
		ActorName:        in.UserName,
		ConversationID:   &in.ConversationID,
		MessageID:        &msg.ID,
		PatientContextID: in.PatientContext,
		IPAddress:        in.Meta.IPAddress,
		UserAgent:        in.Meta.UserAgent,
	})

	return &MessageView{Message: msg, Content: in.Content}, nil
}

// pushEmergency delivers the dedicated alert to every active participant,
// bypassing mutes, and audits the alert.
func (s *MessagingService) pushEmergency(ctx context.Context, msg *models.Message, in SendMessageInput) {
	participants, err := s.registry.ActiveParticipants(ctx, msg.ConversationID)
	if err != nil {
		observability.GlobalLogger.Error("emergency participant lookup failed", slog.String("error", err.Error()))
		return
	}
	ids := make([]uint, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
	}

	payload := notifications.EmergencyPayload{
		Title:          "Emergency alert",
		Message:        in.Content,
		ConversationID: msg.ConversationID,
		Actions:        []string{"acknowledge", "open_conversation"},
	}
	s.fanout.BroadcastEmergency(msg.ConversationID, msg.SenderID, ids, payload)

	event := notifications.NewEvent(notifications.EventEmergency, msg.ConversationID, msg.SenderID, payload)
	for _, id := range ids {
		if id == msg.SenderID {
			continue
		}
		if err := s.notifier.PublishEmergency(ctx, id, event); err != nil {
			observability.GlobalLogger.Warn("emergency publish failed",
				slog.Uint64("user_id", uint64(id)), slog.String("error", err.Error()))
		}
	}

	s.auditLog(ctx, audit.Record{
		Action:           models.AuditEmergencyAlert,
		ActorID:          &in.UserID,
		ActorName:        in.UserName,
		ConversationID:   &msg.ConversationID,
		MessageID:        &msg.ID,
		PatientContextID: in.PatientContext,
		IPAddress:        in.Meta.IPAddress,
		UserAgent:        in.Meta.UserAgent,
	})
}

// GetMessages lists a conversation page with decrypted content, newest first.
// Undecryptable content renders as the sentinel; tampered content renders as
// the sentinel and is already audited by the decrypt path.
func (s *MessagingService) GetMessages(ctx context.Context, conversationID, userID uint, limit int, before *time.Time, patientContext *string) ([]MessageView, error) {
	if _, err := s.requireActiveParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	messages, err := s.store.RetrieveConversation(ctx, conversationID, limit, before)
	if err != nil {
		return nil, models.NewInternalError(errors.New("failed to load messages"))
	}

	views := make([]MessageView, 0, len(messages))
	for _, msg := range messages {
		if patientContext != nil {
			if msg.PatientContextID == nil || *msg.PatientContextID != *patientContext {
				continue
			}
		}
		content, derr := s.store.DecryptContent(ctx, msg)
		if derr != nil {
			content = crypto.ContentUnavailable
		}
		views = append(views, MessageView{Message: msg, Content: content})
	}
	return views, nil
}

// MarkRead advances the reader's cursor and announces the receipt.
func (s *MessagingService) MarkRead(ctx context.Context, conversationID, userID uint, messageID string) error {
	if _, err := s.requireActiveParticipant(ctx, conversationID, userID); err != nil {
		return err
	}

	msg, err := s.store.Retrieve(ctx, messageID)
	if err != nil {
		return models.NewInternalError(errors.New("failed to load message"))
	}
	if msg == nil || msg.ConversationID != conversationID {
		return models.NewNotFoundError("Message", messageID)
	}

	if _, err := s.registry.MarkRead(ctx, conversationID, userID, messageID, msg.CreatedAt); err != nil {
		return err
	}

	now := time.Now().UTC()
	s.fanout.BroadcastRead(conversationID, userID, messageID, now)
	event := notifications.NewEvent(notifications.EventMessageRead, conversationID, userID,
		notifications.MessageReadPayload{MessageID: messageID, ReaderID: userID, Timestamp: now})
	if err := s.notifier.PublishConversation(ctx, conversationID, event); err != nil {
		observability.GlobalLogger.Warn("read receipt publish failed", slog.String("error", err.Error()))
	}

	s.auditLog(ctx, audit.Record{
		Action:         models.AuditMessageRead,
		ActorID:        &userID,
		ConversationID: &conversationID,
		MessageID:      &messageID,
	})
	return nil
}

// EditMessage re-encrypts a message's content. Only the sender may edit, and
// only when their role allows edits.
func (s *MessagingService) EditMessage(ctx context.Context, userID uint, messageID, newContent string, meta RequestMeta) (*MessageView, error) {
	if newContent == "" {
		return nil, models.NewValidationError("Message content is required")
	}
	if len(newContent) > maxMessageContentLen {
		return nil, models.NewValidationError("Message content too long (max 10000 characters)")
	}

	msg, err := s.store.Retrieve(ctx, messageID)
	if err != nil {
		return nil, models.NewInternalError(errors.New("failed to load message"))
	}
	if msg == nil {
		return nil, models.NewNotFoundError("Message", messageID)
	}
	if msg.SenderID != userID {
		return nil, models.NewForbiddenError("Only the sender can edit a message")
	}
	participant, err := s.requireActiveParticipant(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if !registry.HasPermission(participant.Role, registry.ActionEditMessage) {
		return nil, models.NewForbiddenError("Your role cannot edit messages")
	}

	if err := s.store.UpdateContent(ctx, msg, newContent); err != nil {
		return nil, models.NewInternalError(errors.New("failed to edit message"))
	}

	s.auditLog(ctx, audit.Record{
		Action:         models.AuditMessageEdited,
		ActorID:        &userID,
		ConversationID: &msg.ConversationID,
		MessageID:      &messageID,
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
	})
	return &MessageView{Message: msg, Content: newContent}, nil
}

// DeleteMessage removes a message. Senders delete their own; otherwise the
// delete-messages permission is required. The active tier may not support
// deletion.
func (s *MessagingService) DeleteMessage(ctx context.Context, userID uint, messageID string, meta RequestMeta) error {
	msg, err := s.store.Retrieve(ctx, messageID)
	if err != nil {
		return models.NewInternalError(errors.New("failed to load message"))
	}
	if msg == nil {
		return models.NewNotFoundError("Message", messageID)
	}

	participant, err := s.requireActiveParticipant(ctx, msg.ConversationID, userID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID && !registry.HasPermission(participant.Role, registry.ActionDeleteMessages) {
		return models.NewForbiddenError("Your role cannot delete messages")
	}

	if err := s.store.Delete(ctx, messageID); err != nil {
		if storage.IsUnsupported(err) {
			return err
		}
		return models.NewInternalError(errors.New("failed to delete message"))
	}

	s.auditLog(ctx, audit.Record{
		Action:         models.AuditMessageDeleted,
		ActorID:        &userID,
		ConversationID: &msg.ConversationID,
		MessageID:      &messageID,
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
	})
	return nil
}

// SearchMessages decrypt-scans a conversation. The active tier may not
// support search.
func (s *MessagingService) SearchMessages(ctx context.Context, conversationID, userID uint, query string) ([]MessageView, error) {
	if query == "" {
		return nil, models.NewValidationError("Search query is required")
	}
	if _, err := s.requireActiveParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	matches, err := s.store.Search(ctx, query, &conversationID)
	if err != nil {
		return nil, err
	}
	views := make([]MessageView, 0, len(matches))
	for _, msg := range matches {
		content, derr := s.store.DecryptContent(ctx, msg)
		if derr != nil {
			content = crypto.ContentUnavailable
		}
		views = append(views, MessageView{Message: msg, Content: content})
	}
	return views, nil
}

// StartTyping records and broadcasts a typing start with a server timestamp.
func (s *MessagingService) StartTyping(ctx context.Context, conversationID, userID uint, userName string) error {
	if _, err := s.requireActiveParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	now := time.Now().UTC()
	applied, err := s.registry.StartTyping(ctx, conversationID, userID, now)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	s.fanout.BroadcastTyping(conversationID, userID, userName, true, now)
	payload := notifications.TypingStatusPayload{UserID: userID, UserName: userName, IsTyping: true, Timestamp: now}
	if err := s.notifier.PublishTyping(ctx, conversationID, payload); err != nil {
		observability.GlobalLogger.Warn("typing publish failed", slog.String("error", err.Error()))
	}
	return nil
}

// StopTyping clears and broadcasts a typing stop. Stale stops (older than the
// recorded start) are discarded without a broadcast.
func (s *MessagingService) StopTyping(ctx context.Context, conversationID, userID uint, userName string) error {
	if _, err := s.requireActiveParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	now := time.Now().UTC()
	applied, err := s.registry.StopTyping(ctx, conversationID, userID, now)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	s.fanout.BroadcastTyping(conversationID, userID, userName, false, now)
	payload := notifications.TypingStatusPayload{UserID: userID, UserName: userName, IsTyping: false, Timestamp: now}
	if err := s.notifier.PublishTyping(ctx, conversationID, payload); err != nil {
		observability.GlobalLogger.Warn("typing publish failed", slog.String("error", err.Error()))
	}
	return nil
}

// SweepStaleTyping clears typing flags older than the timeout and broadcasts
// the stops. Intended to run on a ticker.
func (s *MessagingService) SweepStaleTyping(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-registry.DefaultTypingTimeout)
	stale, err := s.registry.ClearStaleTyping(ctx, cutoff)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, p := range stale {
		s.fanout.BroadcastTyping(p.ConversationID, p.UserID, "", false, now)
		payload := notifications.TypingStatusPayload{UserID: p.UserID, IsTyping: false, Timestamp: now}
		if err := s.notifier.PublishTyping(ctx, p.ConversationID, payload); err != nil {
			observability.GlobalLogger.Warn("typing publish failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *MessagingService) requireActiveParticipant(ctx context.Context, conversationID, userID uint) (*models.ConversationParticipant, error) {
	participant, err := s.registry.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, registry.ErrNotParticipant) {
		return nil, models.NewUnauthorizedError("You are not a participant in this conversation")
	}
	if err != nil {
		return nil, err
	}
	if !participant.IsActive {
		return nil, models.NewUnauthorizedError("You are not a participant in this conversation")
	}
	return participant, nil
}

func (s *MessagingService) auditUnauthorized(ctx context.Context, userID, conversationID uint, meta RequestMeta) {
	s.auditLog(ctx, audit.Record{
		Action:         models.AuditUnauthorizedAccess,
		ActorID:        &userID,
		ConversationID: &conversationID,
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
	})
}

func (s *MessagingService) auditLog(ctx context.Context, rec audit.Record) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Log(ctx, rec); err != nil {
		observability.GlobalLogger.Error("audit write failed",
			slog.String("action", string(rec.Action)),
			slog.String("error", err.Error()),
		)
	}
}
