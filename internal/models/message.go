// Package models contains data structures for the messaging core's domain models.
package models

import (
	"time"

	"gorm.io/gorm"
)

// MessageType classifies the payload carried by a message.
type MessageType string

// Message types.
const (
	MessageTypeText      MessageType = "text"
	MessageTypeFile      MessageType = "file"
	MessageTypeImage     MessageType = "image"
	MessageTypeVoice     MessageType = "voice"
	MessageTypeVideo     MessageType = "video"
	MessageTypeSystem    MessageType = "system"
	MessageTypeEmergency MessageType = "emergency_alert"
)

// MessageStatus tracks delivery progress of a message.
type MessageStatus string

// Message statuses.
const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// MessagePriority drives routing urgency; emergency messages bypass mutes.
type MessagePriority string

// Message priorities.
const (
	PriorityRoutine   MessagePriority = "routine"
	PriorityUrgent    MessagePriority = "urgent"
	PriorityEmergency MessagePriority = "emergency"
)

// Message is an immutable envelope once sent. Content edits produce a new
// encrypted payload and set the Edited flag; the envelope itself never changes
// conversation, sender, or type. Content is always ciphertext at rest —
// ContentHash verifies the decrypted plaintext.
type Message struct {
	ID               string          `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID   uint            `gorm:"not null;index" json:"conversation_id"`
	Conversation     *Conversation   `gorm:"foreignKey:ConversationID" json:"conversation,omitempty"`
	SenderID         uint            `gorm:"not null;index" json:"sender_id"`
	Content          string          `gorm:"type:text;not null" json:"content"`
	ContentHash      string          `gorm:"type:varchar(64);not null" json:"content_hash"`
	MessageType      MessageType     `gorm:"type:varchar(32);default:'text'" json:"message_type"`
	Status           MessageStatus   `gorm:"type:varchar(16);default:'sent'" json:"status"`
	Priority         MessagePriority `gorm:"type:varchar(16);default:'routine';index" json:"priority"`
	ReplyToID        *string         `gorm:"type:uuid" json:"reply_to_id,omitempty"`
	PatientContextID *string         `gorm:"type:varchar(64);index" json:"patient_context_id,omitempty"`
	Edited           bool            `gorm:"default:false" json:"edited"`
	CreatedAt        time.Time       `gorm:"index" json:"created_at"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	ReadAt           *time.Time      `json:"read_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
	DeletedAt        gorm.DeletedAt  `gorm:"index" json:"-"`
}

// IsEmergency reports whether the message must bypass participant mute state.
func (m *Message) IsEmergency() bool {
	return m.Priority == PriorityEmergency || m.MessageType == MessageTypeEmergency
}

// RemoteMessageIndex is the lightweight local metadata row written alongside
// every remote-store document. It exists purely so conversation-scoped
// listings don't need a remote round trip; Content never appears here.
type RemoteMessageIndex struct {
	MessageID        string          `gorm:"type:uuid;primaryKey" json:"message_id"`
	ConversationID   uint            `gorm:"not null;index" json:"conversation_id"`
	SenderID         uint            `gorm:"not null" json:"sender_id"`
	MessageType      MessageType     `gorm:"type:varchar(32)" json:"message_type"`
	Priority         MessagePriority `gorm:"type:varchar(16)" json:"priority"`
	RemoteKey        string          `gorm:"type:varchar(128);not null" json:"remote_key"`
	CreatedAt        time.Time       `gorm:"index" json:"created_at"`
	PatientContextID *string         `gorm:"type:varchar(64)" json:"patient_context_id,omitempty"`
}

// TableName pins the plural form; the default inflection turns "index" into
// "indices" which the raw queries do not use.
func (RemoteMessageIndex) TableName() string {
	return "remote_message_indexes"
}
