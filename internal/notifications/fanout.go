package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"carewire/internal/models"
	"carewire/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const maxConnsPerUser = 8

// ErrConnectionLimit is returned when a user exceeds their device budget.
var ErrConnectionLimit = errors.New("user connection limit reached")

// MuteChecker answers whether a participant is muted right now. Satisfied by
// the conversation registry.
type MuteChecker interface {
	IsMutedNow(ctx context.Context, conversationID, userID uint, now time.Time) (bool, error)
}

// Fanout is the conversation-centric broadcast hub. Every conversation has a
// group of connected members; a user may hold several connections. Senders
// never receive their own events back.
type Fanout struct {
	mu sync.RWMutex

	// conversationID -> set of member userIDs with at least one connection
	conversations map[uint]map[uint]struct{}

	// userID -> set of conversationIDs joined
	userConvs map[uint]map[uint]struct{}

	// userID -> active clients (multi-device)
	userConns map[uint]map[*Client]bool

	// userID -> conversations at last full disconnect; lets the delayed
	// offline announcement reach the groups the user just left
	lastConvs map[uint][]uint

	presence *PresenceTracker
	mutes    MuteChecker
}

// NewFanout creates the hub. The presence tracker announces online/offline
// transitions to the user's joined conversations.
func NewFanout(presence *PresenceTracker, mutes MuteChecker) *Fanout {
	f := &Fanout{
		conversations: make(map[uint]map[uint]struct{}),
		userConvs:     make(map[uint]map[uint]struct{}),
		userConns:     make(map[uint]map[*Client]bool),
		lastConvs:     make(map[uint][]uint),
		presence:      presence,
		mutes:         mutes,
	}
	if presence != nil {
		presence.SetCallbacks(
			func(userID uint) { f.announcePresence(userID, "online") },
			func(userID uint) { f.announcePresence(userID, "offline") },
		)
	}
	return f
}

// Register admits an authenticated, membership-verified connection and joins
// it to its conversation group.
func (f *Fanout) Register(ctx context.Context, conn *websocket.Conn, userID uint, userName string, conversationID uint) (*Client, error) {
	client := NewClient(f, conn, userID, userName, conversationID)
	if err := f.Admit(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// Admit performs the hub bookkeeping for an already-built client.
func (f *Fanout) Admit(ctx context.Context, client *Client) error {
	client.hub = f
	userID := client.UserID
	conversationID := client.ConversationID

	f.mu.Lock()
	if f.userConns[userID] == nil {
		f.userConns[userID] = make(map[*Client]bool)
	}
	if len(f.userConns[userID]) >= maxConnsPerUser {
		f.mu.Unlock()
		return ErrConnectionLimit
	}
	f.userConns[userID][client] = true

	if f.conversations[conversationID] == nil {
		f.conversations[conversationID] = make(map[uint]struct{})
	}
	f.conversations[conversationID][userID] = struct{}{}
	if f.userConvs[userID] == nil {
		f.userConvs[userID] = make(map[uint]struct{})
	}
	f.userConvs[userID][conversationID] = struct{}{}
	f.mu.Unlock()

	observability.WebSocketConnectionsTotal.Inc()
	if f.presence != nil {
		f.presence.Register(ctx, userID)
	}
	return nil
}

// Unregister drops one connection. Conversation membership is cleaned up only
// when the user's last connection goes away.
func (f *Fanout) Unregister(client *Client) {
	f.mu.Lock()
	clients, ok := f.userConns[client.UserID]
	if !ok || !clients[client] {
		f.mu.Unlock()
		return
	}
	delete(clients, client)
	observability.WebSocketConnectionsTotal.Dec()

	if len(clients) > 0 {
		f.mu.Unlock()
		if f.presence != nil {
			f.presence.Unregister(client.UserID)
		}
		return
	}
	delete(f.userConns, client.UserID)

	if convs, ok := f.userConvs[client.UserID]; ok {
		snapshot := make([]uint, 0, len(convs))
		for convID := range convs {
			snapshot = append(snapshot, convID)
			if members, ok := f.conversations[convID]; ok {
				delete(members, client.UserID)
				if len(members) == 0 {
					delete(f.conversations, convID)
				}
			}
		}
		f.lastConvs[client.UserID] = snapshot
		delete(f.userConvs, client.UserID)
	}
	f.mu.Unlock()

	if f.presence != nil {
		f.presence.Unregister(client.UserID)
	}
}

// IsUserConnected reports whether the user holds at least one connection on
// this instance.
func (f *Fanout) IsUserConnected(userID uint) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.userConns[userID]) > 0
}

// ConnectedMembers returns the userIDs connected to a conversation group.
func (f *Fanout) ConnectedMembers(conversationID uint) []uint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	members := f.conversations[conversationID]
	out := make([]uint, 0, len(members))
	for userID := range members {
		out = append(out, userID)
	}
	return out
}

// BroadcastNewMessage delivers a message to every connected member of its
// conversation except the sender. Muted members are skipped unless the
// message is an emergency.
func (f *Fanout) BroadcastNewMessage(ctx context.Context, msg *models.Message, content string) {
	event := NewEvent(EventNewMessage, msg.ConversationID, msg.SenderID, NewMessagePayload{
		Message: msg,
		Content: content,
	})
	bypassMute := msg.IsEmergency()
	f.broadcast(msg.ConversationID, msg.SenderID, event, func(userID uint) bool {
		if bypassMute || f.mutes == nil {
			return true
		}
		muted, err := f.mutes.IsMutedNow(ctx, msg.ConversationID, userID, time.Now().UTC())
		if err != nil {
			return true
		}
		return !muted
	})
}

// BroadcastEmergency pushes the dedicated alert to every listed participant's
// connections, joined to the group or not, muted or not. The sender is
// excluded.
func (f *Fanout) BroadcastEmergency(conversationID, senderID uint, participantIDs []uint, payload EmergencyPayload) {
	event := NewEvent(EventEmergency, conversationID, senderID, payload)
	frame, err := json.Marshal(event)
	if err != nil {
		return
	}
	observability.WebSocketEventsTotal.WithLabelValues(EventEmergency).Inc()

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, userID := range participantIDs {
		if userID == senderID {
			continue
		}
		for client := range f.userConns[userID] {
			client.TrySend(frame)
		}
	}
}

// BroadcastRead announces a read receipt to the conversation, excluding the
// reader.
func (f *Fanout) BroadcastRead(conversationID, readerID uint, messageID string, at time.Time) {
	event := NewEvent(EventMessageRead, conversationID, readerID, MessageReadPayload{
		MessageID: messageID,
		ReaderID:  readerID,
		Timestamp: at,
	})
	f.broadcast(conversationID, readerID, event, nil)
}

// BroadcastTyping announces a typing transition to the conversation,
// excluding the typist. The server timestamp lets receivers discard stale
// events.
func (f *Fanout) BroadcastTyping(conversationID, userID uint, userName string, isTyping bool, at time.Time) {
	event := NewEvent(EventTypingStatus, conversationID, userID, TypingStatusPayload{
		UserID:    userID,
		UserName:  userName,
		IsTyping:  isTyping,
		Timestamp: at,
	})
	f.broadcast(conversationID, userID, event, nil)
}

// SendToUser delivers an event to all of one user's connections.
func (f *Fanout) SendToUser(userID uint, event Event) {
	frame, err := json.Marshal(event)
	if err != nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for client := range f.userConns[userID] {
		client.TrySend(frame)
	}
}

// SendError reports a recoverable protocol error back on the offending
// connection without closing it.
func (f *Fanout) SendError(client *Client, message string) {
	event := NewEvent(EventError, 0, 0, ErrorPayload{Message: message})
	frame, err := json.Marshal(event)
	if err != nil {
		return
	}
	client.TrySend(frame)
}

// announcePresence tells every conversation the user has joined about an
// online/offline transition. The user does not hear about themselves.
func (f *Fanout) announcePresence(userID uint, status string) {
	now := time.Now().UTC()

	f.mu.Lock()
	convs := make([]uint, 0, len(f.userConvs[userID]))
	for convID := range f.userConvs[userID] {
		convs = append(convs, convID)
	}
	if len(convs) == 0 {
		convs = f.lastConvs[userID]
	}
	if status == "offline" {
		delete(f.lastConvs, userID)
	}
	f.mu.Unlock()

	for _, convID := range convs {
		event := NewEvent(EventUserPresence, convID, userID, UserPresencePayload{
			UserID:    userID,
			Status:    status,
			Timestamp: now,
		})
		f.broadcast(convID, userID, event, nil)
	}
}

// broadcast sends an event to every connected member of a conversation except
// excludeUserID. deliver, when non-nil, vetoes individual recipients.
func (f *Fanout) broadcast(conversationID, excludeUserID uint, event Event, deliver func(userID uint) bool) {
	frame, err := json.Marshal(event)
	if err != nil {
		observability.GlobalLogger.Error("event marshal failed", slog.String("type", event.Type))
		return
	}
	observability.WebSocketEventsTotal.WithLabelValues(event.Type).Inc()

	f.mu.RLock()
	defer f.mu.RUnlock()
	members, ok := f.conversations[conversationID]
	if !ok {
		return
	}
	for userID := range members {
		if userID == excludeUserID {
			continue
		}
		if deliver != nil && !deliver(userID) {
			continue
		}
		for client := range f.userConns[userID] {
			client.TrySend(frame)
		}
	}
}

// Shutdown closes every connection and clears hub state.
func (f *Fanout) Shutdown(_ context.Context) error {
	if f.presence != nil {
		f.presence.Stop()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for userID, clients := range f.userConns {
		for client := range clients {
			if client.Conn == nil {
				continue
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"type":"server_shutdown","payload":{"message":"server is shutting down"}}`)); err != nil {
				observability.GlobalLogger.Warn("shutdown notice failed",
					slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
			}
			_ = client.Conn.Close()
		}
	}
	f.conversations = make(map[uint]map[uint]struct{})
	f.userConvs = make(map[uint]map[uint]struct{})
	f.userConns = make(map[uint]map[*Client]bool)
	return nil
}
