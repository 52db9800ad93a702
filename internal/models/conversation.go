package models

import (
	"time"

	"gorm.io/gorm"
)

// ConversationType classifies how a conversation is used.
type ConversationType string

// Conversation types.
const (
	ConversationDirect     ConversationType = "direct"
	ConversationGroup      ConversationType = "group"
	ConversationDepartment ConversationType = "department"
	ConversationEmergency  ConversationType = "emergency"
	ConversationBroadcast  ConversationType = "broadcast"
)

// Conversation represents a chat conversation between two or more participants.
// Retention settings are advisory to the storage tier; the model itself never
// deletes anything.
type Conversation struct {
	ID             uint                      `gorm:"primaryKey" json:"id"`
	Name           string                    `json:"name"`
	Type           ConversationType          `gorm:"type:varchar(16);default:'direct';index" json:"type"`
	Priority       MessagePriority           `gorm:"type:varchar(16);default:'routine'" json:"priority"`
	CreatedBy      uint                      `json:"created_by"`
	RetentionDays  int                       `gorm:"default:0" json:"retention_days"`
	AutoDelete     bool                      `gorm:"default:false" json:"auto_delete"`
	LastMessageAt  *time.Time                `gorm:"index" json:"last_message_at,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	DeletedAt      gorm.DeletedAt            `gorm:"index" json:"-"`
	Participants   []ConversationParticipant `gorm:"foreignKey:ConversationID" json:"participants,omitempty"`
}
