package models

import (
	"time"
)

// ParticipantRole determines what a participant may do inside a conversation.
type ParticipantRole string

// Participant roles.
const (
	RoleMember    ParticipantRole = "member"
	RoleAdmin     ParticipantRole = "admin"
	RoleModerator ParticipantRole = "moderator"
	RoleOwner     ParticipantRole = "owner"
	RoleObserver  ParticipantRole = "observer"
)

// NotificationPreference controls how a participant is notified.
type NotificationPreference string

// Notification preferences.
const (
	NotifyAll      NotificationPreference = "all"
	NotifyMentions NotificationPreference = "mentions"
	NotifyNone     NotificationPreference = "none"
)

// ConversationParticipant tracks a user's membership in a conversation.
// UnreadCount is a cache: the source of truth is always the count of messages
// created after LastReadAt, excluding the participant's own and deleted ones.
type ConversationParticipant struct {
	ConversationID    uint                   `gorm:"primaryKey" json:"conversation_id"`
	UserID            uint                   `gorm:"primaryKey" json:"user_id"`
	Role              ParticipantRole        `gorm:"type:varchar(16);default:'member'" json:"role"`
	IsActive          bool                   `gorm:"default:true;index" json:"is_active"`
	JoinedAt          time.Time              `gorm:"autoCreateTime" json:"joined_at"`
	LeftAt            *time.Time             `json:"left_at,omitempty"`
	LastReadAt        *time.Time             `json:"last_read_at,omitempty"`
	LastReadMessageID *string                `gorm:"type:uuid" json:"last_read_message_id,omitempty"`
	UnreadCount       int                    `gorm:"default:0" json:"unread_count"`
	IsTyping          bool                   `gorm:"default:false" json:"is_typing"`
	TypingStartedAt   *time.Time             `json:"typing_started_at,omitempty"`
	IsMuted           bool                   `gorm:"default:false" json:"is_muted"`
	MutedUntil        *time.Time             `json:"muted_until,omitempty"`
	Notifications     NotificationPreference `gorm:"type:varchar(16);default:'all'" json:"notifications"`
	LastSeenAt        *time.Time             `gorm:"index" json:"last_seen_at,omitempty"`
}

// MutedNow reports whether the mute is in effect at t. A mute with an expiry
// in the past counts as not muted; callers are expected to lazily clear it.
func (p *ConversationParticipant) MutedNow(t time.Time) bool {
	if !p.IsMuted {
		return false
	}
	if p.MutedUntil != nil && p.MutedUntil.Before(t) {
		return false
	}
	return true
}
