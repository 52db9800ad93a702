package service

import (
	"context"
	"time"

	"carewire/internal/audit"
	"carewire/internal/models"
	"carewire/internal/registry"
)

// CreateConversationInput is the input for creating a conversation. The
// creator becomes the owner; all other participants join as members.
type CreateConversationInput struct {
	CreatorID      uint
	Name           string
	Type           models.ConversationType
	ParticipantIDs []uint
	Meta           RequestMeta
}

// CreateConversation creates a conversation and enrolls its initial
// participants.
func (s *MessagingService) CreateConversation(ctx context.Context, in CreateConversationInput) (*models.Conversation, error) {
	if in.Type == models.ConversationDirect && len(in.ParticipantIDs) != 1 {
		return nil, models.NewValidationError("Direct conversations need exactly one other participant")
	}
	if in.Type == models.ConversationGroup && in.Name == "" {
		return nil, models.NewValidationError("Group conversations need a name")
	}

	conv := &models.Conversation{
		Name:      in.Name,
		Type:      in.Type,
		CreatedBy: in.CreatorID,
	}
	if err := s.registry.CreateConversation(ctx, conv); err != nil {
		return nil, models.NewInternalError(err)
	}
	if err := s.registry.AddParticipant(ctx, conv.ID, in.CreatorID, models.RoleOwner); err != nil {
		return nil, models.NewInternalError(err)
	}
	for _, id := range in.ParticipantIDs {
		if id == in.CreatorID {
			continue
		}
		if err := s.registry.AddParticipant(ctx, conv.ID, id, models.RoleMember); err != nil {
			return nil, models.NewInternalError(err)
		}
	}

	s.auditLog(ctx, audit.Record{
		Action:         models.AuditConversationCreated,
		ActorID:        &in.CreatorID,
		ConversationID: &conv.ID,
		IPAddress:      in.Meta.IPAddress,
		UserAgent:      in.Meta.UserAgent,
	})
	return s.registry.GetConversation(ctx, conv.ID)
}

// ListConversations returns the caller's active conversations, most recent
// activity first.
func (s *MessagingService) ListConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	return s.registry.UserConversations(ctx, userID)
}

// GetConversation returns one conversation the caller belongs to.
func (s *MessagingService) GetConversation(ctx context.Context, conversationID, userID uint) (*models.Conversation, error) {
	if _, err := s.requireActiveParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	conv, err := s.registry.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, models.NewNotFoundError("Conversation", conversationID)
	}
	return conv, nil
}

// AddParticipant enrolls a user, subject to the caller's role.
func (s *MessagingService) AddParticipant(ctx context.Context, conversationID, callerID, userID uint, role models.ParticipantRole, meta RequestMeta) error {
	caller, err := s.requireActiveParticipant(ctx, conversationID, callerID)
	if err != nil {
		return err
	}
	if !registry.HasPermission(caller.Role, registry.ActionAddParticipants) {
		return models.NewForbiddenError("Your role cannot add participants")
	}
	if role == "" {
		role = models.RoleMember
	}
	// Granting a role above your own is not allowed.
	if role == models.RoleOwner && caller.Role != models.RoleOwner {
		return models.NewForbiddenError("Only the owner can grant ownership")
	}

	if err := s.registry.AddParticipant(ctx, conversationID, userID, role); err != nil {
		return models.NewInternalError(err)
	}

	s.auditLog(ctx, audit.Record{
		Action:         models.AuditParticipantAdded,
		ActorID:        &callerID,
		ConversationID: &conversationID,
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
		Details:        map[string]uint{"user_id": userID},
	})
	return nil
}

// RemoveParticipant deactivates a member. Anyone may leave; removing someone
// else requires the manage-participants permission.
func (s *MessagingService) RemoveParticipant(ctx context.Context, conversationID, callerID, userID uint, meta RequestMeta) error {
	caller, err := s.requireActiveParticipant(ctx, conversationID, callerID)
	if err != nil {
		return err
	}
	if callerID != userID && !registry.HasPermission(caller.Role, registry.ActionManageParticipants) {
		return models.NewForbiddenError("Your role cannot remove participants")
	}

	if err := s.registry.RemoveParticipant(ctx, conversationID, userID); err != nil {
		return models.NewInternalError(err)
	}

	s.auditLog(ctx, audit.Record{
		Action:         models.AuditParticipantRemoved,
		ActorID:        &callerID,
		ConversationID: &conversationID,
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
		Details:        map[string]uint{"user_id": userID},
	})
	return nil
}

// MuteConversation silences routine notifications for the caller. A zero
// duration mutes until explicitly lifted. Emergency traffic is never muted.
func (s *MessagingService) MuteConversation(ctx context.Context, conversationID, userID uint, duration time.Duration) error {
	if _, err := s.requireActiveParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.registry.Mute(ctx, conversationID, userID, duration)
}

// UnmuteConversation lifts the caller's mute.
func (s *MessagingService) UnmuteConversation(ctx context.Context, conversationID, userID uint) error {
	if _, err := s.requireActiveParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.registry.Unmute(ctx, conversationID, userID)
}
