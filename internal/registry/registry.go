// Package registry tracks conversation membership state: who is in a
// conversation, what they have read, whether they are typing, and whether
// they are muted. Counters live in single participant rows; updates go
// through row-level SQL rather than application locks.
package registry

import (
	"context"
	"errors"
	"time"

	"carewire/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTypingTimeout is how long a typing flag survives without a refresh
// before the sweeper clears it. Clients that vanish mid-keystroke would
// otherwise leave the flag set forever.
const DefaultTypingTimeout = 10 * time.Second

// ErrNotParticipant is returned when the addressed user has no active
// membership in the conversation.
var ErrNotParticipant = errors.New("user is not an active participant")

// Registry defines conversation and participant state operations.
type Registry interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id uint) (*models.Conversation, error)
	UserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error)

	AddParticipant(ctx context.Context, conversationID, userID uint, role models.ParticipantRole) error
	RemoveParticipant(ctx context.Context, conversationID, userID uint) error
	GetParticipant(ctx context.Context, conversationID, userID uint) (*models.ConversationParticipant, error)
	ActiveParticipants(ctx context.Context, conversationID uint) ([]models.ConversationParticipant, error)
	IsActiveParticipant(ctx context.Context, conversationID, userID uint) (bool, error)

	MarkRead(ctx context.Context, conversationID, userID uint, messageID string, messageCreatedAt time.Time) (int, error)
	IncrementUnread(ctx context.Context, conversationID, senderID uint) error
	TouchLastMessage(ctx context.Context, conversationID uint, at time.Time) error

	StartTyping(ctx context.Context, conversationID, userID uint, at time.Time) (bool, error)
	StopTyping(ctx context.Context, conversationID, userID uint, at time.Time) (bool, error)
	ClearStaleTyping(ctx context.Context, cutoff time.Time) ([]models.ConversationParticipant, error)

	Mute(ctx context.Context, conversationID, userID uint, duration time.Duration) error
	Unmute(ctx context.Context, conversationID, userID uint) error
	IsMutedNow(ctx context.Context, conversationID, userID uint, now time.Time) (bool, error)

	TouchPresence(ctx context.Context, userID uint, at time.Time) error
}

type conversationRegistry struct {
	db *gorm.DB
}

// New creates a Registry backed by the relational store.
func New(db *gorm.DB) Registry {
	return &conversationRegistry{db: db}
}

func (r *conversationRegistry) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	return r.db.WithContext(ctx).Create(conv).Error
}

func (r *conversationRegistry) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participants", "is_active = ?", true).
		First(&conv, id).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRegistry) UserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	err := r.db.WithContext(ctx).
		Joins("JOIN conversation_participants cp ON conversations.id = cp.conversation_id").
		Where("cp.user_id = ? AND cp.is_active = ?", userID, true).
		Preload("Participants", "is_active = ?", true).
		Order("conversations.last_message_at DESC").
		Find(&conversations).Error
	return conversations, err
}

func (r *conversationRegistry) AddParticipant(ctx context.Context, conversationID, userID uint, role models.ParticipantRole) error {
	if role == "" {
		role = models.RoleMember
	}
	participant := models.ConversationParticipant{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		IsActive:       true,
		Notifications:  models.NotifyAll,
	}
	// Re-adding a previously removed participant reactivates the existing row
	// and keeps their read cursor.
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"is_active": true,
			"left_at":   nil,
			"role":      role,
		}),
	}).Create(&participant).Error
}

// RemoveParticipant is soft: the row survives so audit trails and read
// cursors remain intact.
func (r *conversationRegistry) RemoveParticipant(ctx context.Context, conversationID, userID uint) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Updates(map[string]interface{}{
			"is_active": false,
			"left_at":   now,
			"is_typing": false,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotParticipant
	}
	return nil
}

func (r *conversationRegistry) GetParticipant(ctx context.Context, conversationID, userID uint) (*models.ConversationParticipant, error) {
	var participant models.ConversationParticipant
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, err
	}
	return &participant, nil
}

func (r *conversationRegistry) ActiveParticipants(ctx context.Context, conversationID uint) ([]models.ConversationParticipant, error) {
	var participants []models.ConversationParticipant
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Find(&participants).Error
	return participants, err
}

func (r *conversationRegistry) IsActiveParticipant(ctx context.Context, conversationID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Count(&count).Error
	return count > 0, err
}

// MarkRead advances the participant's read cursor to the given message and
// recomputes the unread counter from scratch: messages created after the
// read message, not sent by the reader, not deleted. Messages that live only
// in the remote tier are counted through the local index. Returns the new
// unread count.
func (r *conversationRegistry) MarkRead(ctx context.Context, conversationID, userID uint, messageID string, messageCreatedAt time.Time) (int, error) {
	var local int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND created_at > ? AND sender_id <> ?", conversationID, messageCreatedAt, userID).
		Count(&local).Error
	if err != nil {
		return 0, err
	}

	var remoteOnly int64
	err = r.db.WithContext(ctx).Model(&models.RemoteMessageIndex{}).
		Where("conversation_id = ? AND created_at > ? AND sender_id <> ?", conversationID, messageCreatedAt, userID).
		Where("NOT EXISTS (SELECT 1 FROM messages m WHERE m.id = remote_message_indexes.message_id)").
		Count(&remoteOnly).Error
	if err != nil {
		return 0, err
	}

	unread := int(local + remoteOnly)
	result := r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Updates(map[string]interface{}{
			"last_read_at":         messageCreatedAt,
			"last_read_message_id": messageID,
			"unread_count":         unread,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ErrNotParticipant
	}
	return unread, nil
}

// IncrementUnread bumps the unread counter of every active participant other
// than the sender. Single UPDATE, no read-modify-write.
func (r *conversationRegistry) IncrementUnread(ctx context.Context, conversationID, senderID uint) error {
	return r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id <> ? AND is_active = ?", conversationID, senderID, true).
		Update("unread_count", gorm.Expr("unread_count + 1")).Error
}

func (r *conversationRegistry) TouchLastMessage(ctx context.Context, conversationID uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("last_message_at", at).Error
}

// StartTyping sets the typing flag with a server timestamp. Events older than
// the recorded timestamp are discarded so delivery reordering cannot revive a
// stale state. Returns whether the event was applied.
func (r *conversationRegistry) StartTyping(ctx context.Context, conversationID, userID uint, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Where("typing_started_at IS NULL OR typing_started_at <= ?", at).
		Updates(map[string]interface{}{
			"is_typing":         true,
			"typing_started_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// StopTyping clears the flag unless a newer start event has already been
// recorded.
func (r *conversationRegistry) StopTyping(ctx context.Context, conversationID, userID uint, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ? AND is_typing = ?", conversationID, userID, true).
		Where("typing_started_at IS NULL OR typing_started_at <= ?", at).
		Updates(map[string]interface{}{
			"is_typing":         false,
			"typing_started_at": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ClearStaleTyping clears every typing flag whose timestamp is older than the
// cutoff and returns the affected rows so the caller can broadcast the
// stopped state.
func (r *conversationRegistry) ClearStaleTyping(ctx context.Context, cutoff time.Time) ([]models.ConversationParticipant, error) {
	var stale []models.ConversationParticipant
	err := r.db.WithContext(ctx).
		Where("is_typing = ? AND typing_started_at < ?", true, cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}
	err = r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("is_typing = ? AND typing_started_at < ?", true, cutoff).
		Updates(map[string]interface{}{
			"is_typing":         false,
			"typing_started_at": nil,
		}).Error
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// Mute silences a participant. Zero duration means muted until unmuted.
func (r *conversationRegistry) Mute(ctx context.Context, conversationID, userID uint, duration time.Duration) error {
	updates := map[string]interface{}{"is_muted": true, "muted_until": nil}
	if duration > 0 {
		until := time.Now().UTC().Add(duration)
		updates["muted_until"] = until
	}
	result := r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotParticipant
	}
	return nil
}

func (r *conversationRegistry) Unmute(ctx context.Context, conversationID, userID uint) error {
	result := r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Updates(map[string]interface{}{"is_muted": false, "muted_until": nil})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotParticipant
	}
	return nil
}

// IsMutedNow checks the mute state at the given instant. An expired mute is
// lazily cleared on read; there is no timer.
func (r *conversationRegistry) IsMutedNow(ctx context.Context, conversationID, userID uint, now time.Time) (bool, error) {
	participant, err := r.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return false, err
	}
	if participant.MutedNow(now) {
		return true, nil
	}
	if participant.IsMuted {
		if err := r.Unmute(ctx, conversationID, userID); err != nil {
			return false, err
		}
	}
	return false, nil
}

// TouchPresence bumps last-seen on every membership row for the user. The
// metrics probe derives concurrent-user counts from these timestamps.
func (r *conversationRegistry) TouchPresence(ctx context.Context, userID uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("user_id = ?", userID).
		Update("last_seen_at", at).Error
}
