package notifications

import (
	"encoding/json"
	"time"

	"carewire/internal/models"
)

// Outbound event types.
const (
	EventNewMessage    = "new_message"
	EventMessageRead   = "message_read"
	EventTypingStatus  = "typing_status"
	EventUserPresence  = "user_presence"
	EventEmergency     = "emergency_notification"
	EventError         = "error"
	EventDroppedNotice = "messages_dropped"
)

// Inbound event types.
const (
	EventSendMessage = "send_message"
	EventMarkRead    = "mark_read"
	EventStartTyping = "start_typing"
	EventStopTyping  = "stop_typing"
)

// Event is the JSON envelope on the wire. Type discriminates the payload.
// Origin tags the publishing instance so a hub can drop its own events when
// they come back through Redis.
type Event struct {
	Type           string          `json:"type"`
	ConversationID uint            `json:"conversation_id,omitempty"`
	SenderID       uint            `json:"sender_id,omitempty"`
	Origin         string          `json:"origin,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewMessagePayload carries a delivered message with decrypted content.
type NewMessagePayload struct {
	Message *models.Message `json:"message"`
	Content string          `json:"content"`
}

// MessageReadPayload announces a read receipt.
type MessageReadPayload struct {
	MessageID string    `json:"message_id"`
	ReaderID  uint      `json:"reader_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingStatusPayload announces a typing transition. Timestamp is the server
// clock; receivers discard events older than the last one they applied.
type TypingStatusPayload struct {
	UserID    uint      `json:"user_id"`
	UserName  string    `json:"user_name"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

// UserPresencePayload announces an online/offline transition.
type UserPresencePayload struct {
	UserID    uint      `json:"user_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// EmergencyPayload is pushed on the dedicated alert path, mute or not.
type EmergencyPayload struct {
	Title          string   `json:"title"`
	Message        string   `json:"message"`
	ConversationID uint     `json:"conversation_id"`
	Actions        []string `json:"actions,omitempty"`
}

// ErrorPayload is sent back on the same connection for recoverable protocol
// errors; the connection stays open.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEvent builds an envelope with a marshaled payload. Marshal errors are
// impossible for the payload types above, so they are swallowed into an empty
// payload rather than plumbed through every call site.
func NewEvent(eventType string, conversationID, senderID uint, payload interface{}) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	return Event{
		Type:           eventType,
		ConversationID: conversationID,
		SenderID:       senderID,
		Payload:        raw,
	}
}
