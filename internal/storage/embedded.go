package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carewire/internal/crypto"
	"carewire/internal/models"
	"carewire/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// searchScanLimit is the candidate batch size for one decrypt-scan pass.
	searchScanLimit = 500
	// searchMaxResults stops a scan once enough matches are in hand.
	searchMaxResults = 100
)

// EmbeddedStore writes message rows directly to the relational store. It is
// the simplest tier: lowest operational overhead, bounded by single-node
// write throughput.
type EmbeddedStore struct {
	db    *gorm.DB
	codec *crypto.ContentCodec
	log   *observability.StorageLogger
}

// NewEmbeddedStore returns an EmbeddedStore over the given database. The
// codec is only used for decrypt-scan search; stored content stays ciphertext.
func NewEmbeddedStore(db *gorm.DB, codec *crypto.ContentCodec) *EmbeddedStore {
	return &EmbeddedStore{
		db:    db,
		codec: codec,
		log:   observability.NewStorageLogger(TierEmbedded.String()),
	}
}

// Tier reports TierEmbedded.
func (s *EmbeddedStore) Tier() Tier { return TierEmbedded }

// Store persists the message row. Writes are upserts keyed by message ID so
// content edits and tier migrations can re-store an existing envelope.
func (s *EmbeddedStore) Store(ctx context.Context, msg *models.Message) error {
	defer observability.TrackWrite(TierEmbedded.String())()

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(msg).Error; err != nil {
		observability.StorageWriteFailures.WithLabelValues(TierEmbedded.String()).Inc()
		return fmt.Errorf("%w: embedded write: %v", ErrStorageUnavailable, err)
	}
	s.log.LogWrite(ctx, msg.ID, msg.ConversationID)
	return nil
}

// Retrieve fetches one message, or (nil, nil) when absent.
func (s *EmbeddedStore) Retrieve(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: embedded read: %v", ErrStorageUnavailable, err)
	}
	return &msg, nil
}

// RetrieveConversation lists messages newest first.
func (s *EmbeddedStore) RetrieveConversation(ctx context.Context, conversationID uint, limit int, before *time.Time) ([]*models.Message, error) {
	q := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit)
	if before != nil {
		q = q.Where("created_at < ?", *before)
	}

	var messages []*models.Message
	if err := q.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("%w: embedded conversation read: %v", ErrStorageUnavailable, err)
	}
	return messages, nil
}

// RecentMessages lists messages created after since, newest first.
func (s *EmbeddedStore) RecentMessages(ctx context.Context, since time.Time, limit int) ([]*models.Message, error) {
	var messages []*models.Message
	err := s.db.WithContext(ctx).
		Where("created_at > ?", since).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("%w: embedded recent read: %v", ErrStorageUnavailable, err)
	}
	return messages, nil
}

// Delete soft-deletes the message row.
func (s *EmbeddedStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Message{})
	if res.Error != nil {
		return fmt.Errorf("%w: embedded delete: %v", ErrStorageUnavailable, res.Error)
	}
	return nil
}

// Search decrypt-scans rows newest first and matches the plaintext. Content
// is encrypted at rest, so a SQL LIKE over the content column would match
// nothing. Candidates are paged through in batches until the table is
// exhausted or searchMaxResults matches are collected.
func (s *EmbeddedStore) Search(ctx context.Context, query string, conversationID *uint) ([]*models.Message, error) {
	needle := strings.ToLower(query)
	var matches []*models.Message

	for offset := 0; ; offset += searchScanLimit {
		q := s.db.WithContext(ctx).
			Order("created_at DESC").
			Limit(searchScanLimit).
			Offset(offset)
		if conversationID != nil {
			q = q.Where("conversation_id = ?", *conversationID)
		}

		var candidates []*models.Message
		if err := q.Find(&candidates).Error; err != nil {
			return nil, fmt.Errorf("%w: embedded search scan: %v", ErrStorageUnavailable, err)
		}

		for _, msg := range candidates {
			plaintext, err := s.codec.Decrypt(msg.Content)
			if err != nil {
				// Unreadable content is skipped, not fatal: search is best-effort.
				continue
			}
			if strings.Contains(strings.ToLower(plaintext), needle) {
				matches = append(matches, msg)
				if len(matches) >= searchMaxResults {
					return matches, nil
				}
			}
		}

		if len(candidates) < searchScanLimit {
			return matches, nil
		}
	}
}

// Close is a no-op; the embedded store does not own the DB handle.
func (s *EmbeddedStore) Close() error { return nil }
