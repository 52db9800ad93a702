package notifications

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupNotifier returns a publisher and a separate subscriber already wired
// to the hub, modeling two instances sharing one Redis.
func setupNotifier(t *testing.T) (*Notifier, *Fanout) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hub := newTestFanout(nil)
	t.Cleanup(func() { _ = hub.Shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	subscriber := NewNotifier(rdb)
	require.NoError(t, subscriber.Wire(ctx, hub))

	return NewNotifier(rdb), hub
}

func TestNotifier_ConversationEventReachesLocalHub(t *testing.T) {
	notifier, hub := setupNotifier(t)
	ctx := context.Background()

	receiver := admitTestClient(t, hub, 2, 101)
	drainClient(receiver)

	event := NewEvent(EventMessageRead, 101, 1, MessageReadPayload{
		MessageID: "msg-7",
		ReaderID:  1,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, notifier.PublishConversation(ctx, 101, event))

	assert.Eventually(t, func() bool {
		select {
		case frame := <-receiver.Send:
			var got Event
			return json.Unmarshal(frame, &got) == nil && got.Type == EventMessageRead
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifier_SenderFilteredOnRemoteDelivery(t *testing.T) {
	notifier, hub := setupNotifier(t)
	ctx := context.Background()

	sender := admitTestClient(t, hub, 1, 101)
	receiver := admitTestClient(t, hub, 2, 101)
	drainClient(sender)
	drainClient(receiver)

	event := NewEvent(EventTypingStatus, 101, 1, TypingStatusPayload{
		UserID:    1,
		IsTyping:  true,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, notifier.PublishConversation(ctx, 101, event))

	assert.Eventually(t, func() bool {
		select {
		case <-receiver.Send:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, receivedNothing(sender))
}

func TestNotifier_EmergencyChannelTargetsUser(t *testing.T) {
	notifier, hub := setupNotifier(t)
	ctx := context.Background()

	target := admitTestClient(t, hub, 4, 999)
	bystander := admitTestClient(t, hub, 5, 999)
	drainClient(target)
	drainClient(bystander)

	event := NewEvent(EventEmergency, 101, 1, EmergencyPayload{
		Title:   "Emergency",
		Message: "code blue room 4",
	})
	require.NoError(t, notifier.PublishEmergency(ctx, 4, event))

	assert.Eventually(t, func() bool {
		select {
		case frame := <-target.Send:
			var got Event
			return json.Unmarshal(frame, &got) == nil && got.Type == EventEmergency
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, receivedNothing(bystander))
}

func TestNotifier_OwnPublishesNotRedelivered(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hub := newTestFanout(nil)
	t.Cleanup(func() { _ = hub.Shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifier := NewNotifier(rdb)
	require.NoError(t, notifier.Wire(ctx, hub))

	receiver := admitTestClient(t, hub, 2, 101)
	drainClient(receiver)

	// The hub already delivered this event directly; the Redis echo of our
	// own publish must not deliver it a second time.
	event := NewEvent(EventMessageRead, 101, 1, MessageReadPayload{MessageID: "msg-1", ReaderID: 1})
	require.NoError(t, notifier.PublishConversation(ctx, 101, event))

	time.Sleep(100 * time.Millisecond)
	assert.True(t, receivedNothing(receiver))
}

func TestNotifier_NilRedisIsNoOp(t *testing.T) {
	notifier := NewNotifier(nil)
	ctx := context.Background()

	assert.NoError(t, notifier.PublishConversation(ctx, 1, Event{Type: EventNewMessage}))
	assert.NoError(t, notifier.PublishTyping(ctx, 1, TypingStatusPayload{}))
	assert.NoError(t, notifier.PublishPresence(ctx, 1, UserPresencePayload{}))
	assert.NoError(t, notifier.PublishEmergency(ctx, 1, Event{}))
	assert.NoError(t, notifier.StartSubscriber(ctx, nil))
}
