package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"carewire/internal/models"
	"carewire/internal/observability"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	remoteKeyPrefix  = "msg:"
	remoteConvPrefix = "conv:"
)

// RemoteDocumentStore keeps every message as an encrypted JSON document in the
// remote store. Content is ciphertext before it leaves the process; the remote
// store never sees plaintext. A lightweight metadata row per message goes into
// a local index table so conversation-scoped listings avoid a remote round
// trip.
type RemoteDocumentStore struct {
	rdb *redis.Client
	db  *gorm.DB
	log *observability.StorageLogger
}

// NewRemoteDocumentStore returns a RemoteDocumentStore over the given Redis
// client and local index database.
func NewRemoteDocumentStore(rdb *redis.Client, db *gorm.DB) *RemoteDocumentStore {
	return &RemoteDocumentStore{
		rdb: rdb,
		db:  db,
		log: observability.NewStorageLogger(TierRemote.String()),
	}
}

// Tier reports TierRemote.
func (s *RemoteDocumentStore) Tier() Tier { return TierRemote }

func remoteKey(id string) string { return remoteKeyPrefix + id }

func convKey(conversationID uint) string {
	return fmt.Sprintf("%s%d", remoteConvPrefix, conversationID)
}

// Store writes the document to the remote store and the metadata row to the
// local index.
func (s *RemoteDocumentStore) Store(ctx context.Context, msg *models.Message) error {
	defer observability.TrackWrite(TierRemote.String())()

	if s.rdb == nil {
		observability.StorageWriteFailures.WithLabelValues(TierRemote.String()).Inc()
		return fmt.Errorf("%w: remote store not configured", ErrStorageUnavailable)
	}

	doc, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal document: %v", ErrStorageUnavailable, err)
	}

	key := remoteKey(msg.ID)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, doc, 0)
	pipe.ZAdd(ctx, convKey(msg.ConversationID), redis.Z{
		Score:  float64(msg.CreatedAt.UnixMilli()),
		Member: msg.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		observability.StorageWriteFailures.WithLabelValues(TierRemote.String()).Inc()
		return fmt.Errorf("%w: remote write: %v", ErrStorageUnavailable, err)
	}

	index := models.RemoteMessageIndex{
		MessageID:        msg.ID,
		ConversationID:   msg.ConversationID,
		SenderID:         msg.SenderID,
		MessageType:      msg.MessageType,
		Priority:         msg.Priority,
		RemoteKey:        key,
		CreatedAt:        msg.CreatedAt,
		PatientContextID: msg.PatientContextID,
	}
	if err := s.db.WithContext(ctx).Save(&index).Error; err != nil {
		// The document is durably stored; a missing index row only degrades
		// listing performance.
		s.log.LogFailure(ctx, "index_write", err)
	}

	s.log.LogWrite(ctx, msg.ID, msg.ConversationID)
	return nil
}

// Retrieve fetches one document, or (nil, nil) when absent.
func (s *RemoteDocumentStore) Retrieve(ctx context.Context, id string) (*models.Message, error) {
	if s.rdb == nil {
		return nil, fmt.Errorf("%w: remote store not configured", ErrStorageUnavailable)
	}

	raw, err := s.rdb.Get(ctx, remoteKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: remote read: %v", ErrStorageUnavailable, err)
	}

	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal document: %v", ErrStorageUnavailable, err)
	}
	return &msg, nil
}

// RetrieveConversation lists messages newest first. IDs come from the local
// index when available, falling back to the remote sorted set.
func (s *RemoteDocumentStore) RetrieveConversation(ctx context.Context, conversationID uint, limit int, before *time.Time) ([]*models.Message, error) {
	ids, err := s.indexIDs(ctx, conversationID, limit, before)
	if err != nil || len(ids) == 0 {
		// An empty index is indistinguishable from a lost one; the sorted
		// set is the durable record either way.
		ids, err = s.remoteIDs(ctx, conversationID, limit, before)
		if err != nil {
			return nil, err
		}
	}
	return s.fetchAll(ctx, ids)
}

func (s *RemoteDocumentStore) indexIDs(ctx context.Context, conversationID uint, limit int, before *time.Time) ([]string, error) {
	q := s.db.WithContext(ctx).
		Model(&models.RemoteMessageIndex{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit)
	if before != nil {
		q = q.Where("created_at < ?", *before)
	}

	var ids []string
	if err := q.Pluck("message_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("index lookup: %w", err)
	}
	return ids, nil
}

func (s *RemoteDocumentStore) remoteIDs(ctx context.Context, conversationID uint, limit int, before *time.Time) ([]string, error) {
	if s.rdb == nil {
		return nil, fmt.Errorf("%w: remote store not configured", ErrStorageUnavailable)
	}

	maxScore := "+inf"
	if before != nil {
		maxScore = fmt.Sprintf("(%d", before.UnixMilli())
	}
	ids, err := s.rdb.ZRevRangeByScore(ctx, convKey(conversationID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: remote range: %v", ErrStorageUnavailable, err)
	}
	return ids, nil
}

func (s *RemoteDocumentStore) fetchAll(ctx context.Context, ids []string) ([]*models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if s.rdb == nil {
		return nil, fmt.Errorf("%w: remote store not configured", ErrStorageUnavailable)
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = remoteKey(id)
	}
	raws, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: remote mget: %v", ErrStorageUnavailable, err)
	}

	messages := make([]*models.Message, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(str), &msg); err != nil {
			s.log.LogFailure(ctx, "unmarshal_document", err)
			continue
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

// RecentMessages lists documents created after since, newest first, via the
// local index.
func (s *RemoteDocumentStore) RecentMessages(ctx context.Context, since time.Time, limit int) ([]*models.Message, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.RemoteMessageIndex{}).
		Where("created_at > ?", since).
		Order("created_at DESC").
		Limit(limit).
		Pluck("message_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("%w: recent index lookup: %v", ErrStorageUnavailable, err)
	}
	return s.fetchAll(ctx, ids)
}

// Delete removes the document, its sorted-set entry, and the index row.
func (s *RemoteDocumentStore) Delete(ctx context.Context, id string) error {
	if s.rdb == nil {
		return fmt.Errorf("%w: remote store not configured", ErrStorageUnavailable)
	}

	msg, err := s.Retrieve(ctx, id)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, remoteKey(id))
	pipe.ZRem(ctx, convKey(msg.ConversationID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: remote delete: %v", ErrStorageUnavailable, err)
	}

	if err := s.db.WithContext(ctx).Where("message_id = ?", id).Delete(&models.RemoteMessageIndex{}).Error; err != nil {
		s.log.LogFailure(ctx, "index_delete", err)
	}
	return nil
}

// Search is not supported on the remote tier: documents are encrypted and a
// remote scan would pull every one of them over the wire.
func (s *RemoteDocumentStore) Search(_ context.Context, _ string, _ *uint) ([]*models.Message, error) {
	return nil, ErrUnsupportedCapability
}

// Close is a no-op; the Redis client is shared and owned by the caller.
func (s *RemoteDocumentStore) Close() error { return nil }
