package storage

import (
	"context"
	"testing"
	"time"

	"carewire/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHybridStore(t *testing.T) (*HybridStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db := setupTestDB(t)
	local := NewEmbeddedStore(db, testCodec(t))
	remote := NewRemoteDocumentStore(rdb, db)
	store := NewHybridStore(local, remote, 0)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestHybridStore_LocalWriteWithAsyncReplication(t *testing.T) {
	store, mr := setupHybridStore(t)
	ctx := context.Background()

	msg := remoteTestMessage(20, time.Now().UTC())
	require.NoError(t, store.Store(ctx, msg))

	// Local copy is immediately visible.
	got, err := store.local.Retrieve(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	// The remote copy appears once the replication worker catches up.
	assert.Eventually(t, func() bool {
		return mr.Exists(remoteKey(msg.ID))
	}, time.Second, 10*time.Millisecond)
}

func TestHybridStore_ReplicationFailureDoesNotFailWrite(t *testing.T) {
	store, mr := setupHybridStore(t)
	ctx := context.Background()

	// Remote store down: writes must still succeed on local durability.
	mr.Close()

	msg := remoteTestMessage(21, time.Now().UTC())
	require.NoError(t, store.Store(ctx, msg))

	got, err := store.local.Retrieve(ctx, msg.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestHybridStore_RecencyWindowRouting(t *testing.T) {
	store, _ := setupHybridStore(t)
	ctx := context.Background()

	now := time.Now().UTC()

	// Old message lives only remotely, fresh one only locally.
	oldMsg := remoteTestMessage(22, now.Add(-60*24*time.Hour))
	require.NoError(t, store.remote.Store(ctx, oldMsg))

	freshMsg := remoteTestMessage(22, now)
	require.NoError(t, store.local.Store(ctx, freshMsg))

	// A read inside the window goes to the embedded store.
	messages, err := store.RetrieveConversation(ctx, 22, 10, nil)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, freshMsg.ID, messages[0].ID)

	// A read older than the window falls through to the remote store.
	before := now.Add(-45 * 24 * time.Hour)
	messages, err = store.RetrieveConversation(ctx, 22, 10, &before)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, oldMsg.ID, messages[0].ID)
}

func TestHybridStore_RetrieveFallsThroughToRemote(t *testing.T) {
	store, _ := setupHybridStore(t)
	ctx := context.Background()

	remoteOnly := remoteTestMessage(23, time.Now().UTC())
	require.NoError(t, store.remote.Store(ctx, remoteOnly))

	got, err := store.Retrieve(ctx, remoteOnly.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, remoteOnly.ID, got.ID)
}

func TestHybridStore_DeleteRemovesBothCopies(t *testing.T) {
	store, mr := setupHybridStore(t)
	ctx := context.Background()

	msg := remoteTestMessage(24, time.Now().UTC())
	require.NoError(t, store.Store(ctx, msg))
	require.Eventually(t, func() bool {
		return mr.Exists(remoteKey(msg.ID))
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, store.Delete(ctx, msg.ID))

	got, err := store.Retrieve(ctx, msg.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists(remoteKey(msg.ID)))
}

func TestHybridStore_CloseDrainsQueue(t *testing.T) {
	store, mr := setupHybridStore(t)
	ctx := context.Background()

	var msgs []*models.Message
	for i := 0; i < 10; i++ {
		msg := remoteTestMessage(25, time.Now().UTC())
		require.NoError(t, store.Store(ctx, msg))
		msgs = append(msgs, msg)
	}

	require.NoError(t, store.Close())

	for _, msg := range msgs {
		assert.True(t, mr.Exists(remoteKey(msg.ID)), "queued replication must flush on close")
	}
}
