package registry

import (
	"context"
	"testing"
	"time"

	"carewire/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupRegistry(t *testing.T) (Registry, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Conversation{},
		&models.ConversationParticipant{},
		&models.Message{},
		&models.RemoteMessageIndex{},
	))
	return New(db), db
}

func seedConversation(t *testing.T, r Registry, userIDs ...uint) *models.Conversation {
	t.Helper()
	ctx := context.Background()
	conv := &models.Conversation{Name: "oncology ward", Type: models.ConversationGroup, CreatedBy: userIDs[0]}
	require.NoError(t, r.CreateConversation(ctx, conv))
	for i, id := range userIDs {
		role := models.RoleMember
		if i == 0 {
			role = models.RoleOwner
		}
		require.NoError(t, r.AddParticipant(ctx, conv.ID, id, role))
	}
	return conv
}

func seedRegistryMessage(t *testing.T, db *gorm.DB, convID, senderID uint, createdAt time.Time) *models.Message {
	t.Helper()
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       senderID,
		Content:        "ciphertext",
		ContentHash:    "hash",
		MessageType:    models.MessageTypeText,
		Status:         models.MessageStatusSent,
		Priority:       models.PriorityRoutine,
		CreatedAt:      createdAt,
	}
	require.NoError(t, db.Create(msg).Error)
	return msg
}

func TestRegistry_AddAndRemoveParticipant(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()
	conv := seedConversation(t, r, 1, 2)

	active, err := r.IsActiveParticipant(ctx, conv.ID, 2)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, r.RemoveParticipant(ctx, conv.ID, 2))

	active, err = r.IsActiveParticipant(ctx, conv.ID, 2)
	require.NoError(t, err)
	assert.False(t, active)

	// Soft removal keeps the row.
	p, err := r.GetParticipant(ctx, conv.ID, 2)
	require.NoError(t, err)
	assert.False(t, p.IsActive)
	require.NotNil(t, p.LeftAt)

	// Removing again reports the missing membership.
	assert.ErrorIs(t, r.RemoveParticipant(ctx, conv.ID, 2), ErrNotParticipant)

	// Re-adding reactivates the same row.
	require.NoError(t, r.AddParticipant(ctx, conv.ID, 2, models.RoleMember))
	p, err = r.GetParticipant(ctx, conv.ID, 2)
	require.NoError(t, err)
	assert.True(t, p.IsActive)
	assert.Nil(t, p.LeftAt)
}

func TestRegistry_UnreadCounters(t *testing.T) {
	r, db := setupRegistry(t)
	ctx := context.Background()
	conv := seedConversation(t, r, 1, 2, 3)
	base := time.Now().UTC().Add(-time.Hour)

	first := seedRegistryMessage(t, db, conv.ID, 1, base)
	require.NoError(t, r.IncrementUnread(ctx, conv.ID, 1))
	seedRegistryMessage(t, db, conv.ID, 1, base.Add(time.Minute))
	require.NoError(t, r.IncrementUnread(ctx, conv.ID, 1))
	seedRegistryMessage(t, db, conv.ID, 2, base.Add(2*time.Minute))
	require.NoError(t, r.IncrementUnread(ctx, conv.ID, 2))

	// The sender's own counter never moves.
	p1, err := r.GetParticipant(ctx, conv.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, p1.UnreadCount)

	p2, err := r.GetParticipant(ctx, conv.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, p2.UnreadCount)

	p3, err := r.GetParticipant(ctx, conv.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, p3.UnreadCount)

	// User 2 reads up to the first message: one later message from user 1
	// remains (their own later message does not count).
	unread, err := r.MarkRead(ctx, conv.ID, 2, first.ID, first.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	p2, err = r.GetParticipant(ctx, conv.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, p2.UnreadCount)
	require.NotNil(t, p2.LastReadMessageID)
	assert.Equal(t, first.ID, *p2.LastReadMessageID)
}

func TestRegistry_MarkReadSkipsDeletedMessages(t *testing.T) {
	r, db := setupRegistry(t)
	ctx := context.Background()
	conv := seedConversation(t, r, 1, 2)
	base := time.Now().UTC().Add(-time.Hour)

	first := seedRegistryMessage(t, db, conv.ID, 1, base)
	deleted := seedRegistryMessage(t, db, conv.ID, 1, base.Add(time.Minute))
	seedRegistryMessage(t, db, conv.ID, 1, base.Add(2*time.Minute))
	require.NoError(t, db.Delete(&models.Message{}, "id = ?", deleted.ID).Error)

	unread, err := r.MarkRead(ctx, conv.ID, 2, first.ID, first.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
}

func TestRegistry_MarkReadCountsRemoteOnlyMessages(t *testing.T) {
	r, db := setupRegistry(t)
	ctx := context.Background()
	conv := seedConversation(t, r, 1, 2)
	base := time.Now().UTC().Add(-time.Hour)

	first := seedRegistryMessage(t, db, conv.ID, 1, base)

	// A message that only exists in the remote tier appears via its index row.
	require.NoError(t, db.Create(&models.RemoteMessageIndex{
		MessageID:      uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       1,
		RemoteKey:      "msg:remote-1",
		CreatedAt:      base.Add(time.Minute),
	}).Error)

	// An index row whose message also exists locally must not double count.
	replicated := seedRegistryMessage(t, db, conv.ID, 1, base.Add(2*time.Minute))
	require.NoError(t, db.Create(&models.RemoteMessageIndex{
		MessageID:      replicated.ID,
		ConversationID: conv.ID,
		SenderID:       1,
		RemoteKey:      "msg:" + replicated.ID,
		CreatedAt:      replicated.CreatedAt,
	}).Error)

	unread, err := r.MarkRead(ctx, conv.ID, 2, first.ID, first.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, 2, unread)
}

func TestRegistry_TypingStaleEventsDiscarded(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()
	conv := seedConversation(t, r, 1, 2)
	now := time.Now().UTC()

	applied, err := r.StartTyping(ctx, conv.ID, 1, now)
	require.NoError(t, err)
	assert.True(t, applied)

	// A stop that predates the recorded start must not revert the state.
	applied, err = r.StopTyping(ctx, conv.ID, 1, now.Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, applied)

	p, err := r.GetParticipant(ctx, conv.ID, 1)
	require.NoError(t, err)
	assert.True(t, p.IsTyping)

	applied, err = r.StopTyping(ctx, conv.ID, 1, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, applied)

	p, err = r.GetParticipant(ctx, conv.ID, 1)
	require.NoError(t, err)
	assert.False(t, p.IsTyping)
	assert.Nil(t, p.TypingStartedAt)
}

func TestRegistry_ClearStaleTyping(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()
	conv := seedConversation(t, r, 1, 2)
	now := time.Now().UTC()

	_, err := r.StartTyping(ctx, conv.ID, 1, now.Add(-30*time.Second))
	require.NoError(t, err)
	_, err = r.StartTyping(ctx, conv.ID, 2, now)
	require.NoError(t, err)

	stale, err := r.ClearStaleTyping(ctx, now.Add(-DefaultTypingTimeout))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, uint(1), stale[0].UserID)

	p1, err := r.GetParticipant(ctx, conv.ID, 1)
	require.NoError(t, err)
	assert.False(t, p1.IsTyping)

	p2, err := r.GetParticipant(ctx, conv.ID, 2)
	require.NoError(t, err)
	assert.True(t, p2.IsTyping)
}

func TestRegistry_MuteLazyExpiry(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()
	conv := seedConversation(t, r, 1, 2)
	now := time.Now().UTC()

	require.NoError(t, r.Mute(ctx, conv.ID, 2, time.Hour))

	muted, err := r.IsMutedNow(ctx, conv.ID, 2, now)
	require.NoError(t, err)
	assert.True(t, muted)

	// Reading past the expiry clears the flag in place.
	muted, err = r.IsMutedNow(ctx, conv.ID, 2, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, muted)

	p, err := r.GetParticipant(ctx, conv.ID, 2)
	require.NoError(t, err)
	assert.False(t, p.IsMuted)
	assert.Nil(t, p.MutedUntil)
}

func TestRegistry_MuteWithoutDurationPersists(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()
	conv := seedConversation(t, r, 1, 2)

	require.NoError(t, r.Mute(ctx, conv.ID, 2, 0))

	muted, err := r.IsMutedNow(ctx, conv.ID, 2, time.Now().UTC().Add(24*365*time.Hour))
	require.NoError(t, err)
	assert.True(t, muted)

	require.NoError(t, r.Unmute(ctx, conv.ID, 2))
	muted, err = r.IsMutedNow(ctx, conv.ID, 2, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, muted)
}

func TestRegistry_UserConversationsOrder(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()
	older := seedConversation(t, r, 1, 2)
	newer := seedConversation(t, r, 1, 3)

	now := time.Now().UTC()
	require.NoError(t, r.TouchLastMessage(ctx, older.ID, now.Add(-time.Hour)))
	require.NoError(t, r.TouchLastMessage(ctx, newer.ID, now))

	conversations, err := r.UserConversations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, newer.ID, conversations[0].ID)
	assert.Equal(t, older.ID, conversations[1].ID)

	// User 3 only belongs to one.
	conversations, err = r.UserConversations(ctx, 3)
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	assert.Equal(t, newer.ID, conversations[0].ID)
}

func TestHasPermission(t *testing.T) {
	cases := []struct {
		role    models.ParticipantRole
		action  Action
		allowed bool
	}{
		{models.RoleOwner, ActionDeleteConversation, true},
		{models.RoleAdmin, ActionDeleteConversation, false},
		{models.RoleAdmin, ActionManageParticipants, true},
		{models.RoleModerator, ActionManageParticipants, false},
		{models.RoleModerator, ActionDeleteMessages, true},
		{models.RoleMember, ActionSendMessage, true},
		{models.RoleMember, ActionAddParticipants, false},
		{models.RoleObserver, ActionSendMessage, false},
		{models.ParticipantRole("ghost"), ActionSendMessage, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, HasPermission(tc.role, tc.action),
			"role %s action %s", tc.role, tc.action)
	}
}
