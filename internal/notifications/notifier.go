package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"

	"carewire/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Notifier publishes realtime events into Redis channels so every instance's
// hub can fan them out to its local connections. Each notifier stamps its
// events with an instance ID; the local hub delivers directly and the wired
// subscriber drops echoes of its own publishes.
type Notifier struct {
	rdb        *redis.Client
	instanceID string
}

// NewNotifier creates a Notifier. A nil client turns publishing into a no-op
// for single-instance deployments.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb, instanceID: uuid.NewString()}
}

// PublishConversation sends an event to a conversation channel.
func (n *Notifier) PublishConversation(ctx context.Context, conversationID uint, event Event) error {
	if n.rdb == nil {
		return nil
	}
	event.Origin = n.instanceID
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.rdb.Publish(ctx, ConversationChannel(conversationID), payload).Err()
}

// PublishTyping sends a typing transition to the conversation's typing
// channel.
func (n *Notifier) PublishTyping(ctx context.Context, conversationID uint, payload TypingStatusPayload) error {
	if n.rdb == nil {
		return nil
	}
	event := NewEvent(EventTypingStatus, conversationID, payload.UserID, payload)
	event.Origin = n.instanceID
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	channel := "typing:conv:" + strconv.FormatUint(uint64(conversationID), 10)
	return n.rdb.Publish(ctx, channel, raw).Err()
}

// PublishPresence sends a presence transition to the conversation's presence
// channel.
func (n *Notifier) PublishPresence(ctx context.Context, conversationID uint, payload UserPresencePayload) error {
	if n.rdb == nil {
		return nil
	}
	event := NewEvent(EventUserPresence, conversationID, payload.UserID, payload)
	event.Origin = n.instanceID
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	channel := "presence:conv:" + strconv.FormatUint(uint64(conversationID), 10)
	return n.rdb.Publish(ctx, channel, raw).Err()
}

// PublishEmergency sends an alert to a user's dedicated emergency channel.
// These bypass conversation groups entirely.
func (n *Notifier) PublishEmergency(ctx context.Context, userID uint, event Event) error {
	if n.rdb == nil {
		return nil
	}
	event.Origin = n.instanceID
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.rdb.Publish(ctx, EmergencyChannel(userID), raw).Err()
}

// StartSubscriber subscribes to every realtime pattern and invokes onMessage
// per delivery until ctx is cancelled. Handler panics are contained.
func (n *Notifier) StartSubscriber(ctx context.Context, onMessage func(channel, payload string)) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, "chat:conv:*", "typing:conv:*", "presence:conv:*", "emergency:user:*")
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							observability.GlobalLogger.Error("panic in realtime subscriber",
								slog.Any("panic", r),
								slog.String("stack", string(debug.Stack())),
							)
						}
					}()
					onMessage(msg.Channel, msg.Payload)
				}()
			}
		}
	}()
	return nil
}

// Wire connects a Fanout hub to the Redis subscriber so events published by
// other instances reach this one's local connections. Events this notifier
// published itself are dropped; the hub already delivered them directly.
func (n *Notifier) Wire(ctx context.Context, hub *Fanout) error {
	return n.StartSubscriber(ctx, func(channel, payload string) {
		var conversationID, userID uint

		if _, err := fmt.Sscanf(channel, "emergency:user:%d", &userID); err == nil {
			var event Event
			if uerr := json.Unmarshal([]byte(payload), &event); uerr != nil {
				return
			}
			if event.Origin == n.instanceID {
				return
			}
			hub.SendToUser(userID, event)
			return
		}

		knownPrefix := false
		for _, format := range []string{"chat:conv:%d", "typing:conv:%d", "presence:conv:%d"} {
			if _, err := fmt.Sscanf(channel, format, &conversationID); err == nil {
				knownPrefix = true
				break
			}
		}
		if !knownPrefix {
			observability.GlobalLogger.Warn("unexpected realtime channel", slog.String("channel", channel))
			return
		}

		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			observability.GlobalLogger.Warn("bad realtime payload",
				slog.String("channel", channel), slog.String("error", err.Error()))
			return
		}
		if event.Origin == n.instanceID {
			return
		}
		event.ConversationID = conversationID

		// New messages go through the mute-aware delivery path.
		if event.Type == EventNewMessage {
			var msg NewMessagePayload
			if err := json.Unmarshal(event.Payload, &msg); err == nil && msg.Message != nil {
				hub.BroadcastNewMessage(ctx, msg.Message, msg.Content)
				return
			}
		}
		hub.broadcast(conversationID, event.SenderID, event, nil)
	})
}

// ConversationChannel derives the Redis channel name for a conversation.
func ConversationChannel(conversationID uint) string {
	return "chat:conv:" + strconv.FormatUint(uint64(conversationID), 10)
}

// EmergencyChannel derives the Redis channel name for a user's alerts.
func EmergencyChannel(userID uint) string {
	return "emergency:user:" + strconv.FormatUint(uint64(userID), 10)
}
