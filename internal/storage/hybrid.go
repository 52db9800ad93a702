package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"carewire/internal/models"
	"carewire/internal/observability"
)

const (
	// DefaultRecencyWindow is how far back reads are served from the
	// embedded store before falling through to the remote store.
	DefaultRecencyWindow = 30 * 24 * time.Hour

	replicationQueueSize = 1024
	replicationTimeout   = 10 * time.Second
)

// HybridStore writes synchronously to the embedded store (recent reads stay
// fast) and replicates asynchronously to the remote document store. Local
// durability is sufficient: a failed replication is logged, never surfaced.
type HybridStore struct {
	local  *EmbeddedStore
	remote *RemoteDocumentStore
	window time.Duration
	log    *observability.StorageLogger

	replq    chan *models.Message
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHybridStore returns a HybridStore replicating to remote in the
// background. A window of zero selects DefaultRecencyWindow.
func NewHybridStore(local *EmbeddedStore, remote *RemoteDocumentStore, window time.Duration) *HybridStore {
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	s := &HybridStore{
		local:  local,
		remote: remote,
		window: window,
		log:    observability.NewStorageLogger(TierHybrid.String()),
		replq:  make(chan *models.Message, replicationQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.replicationWorker()
	return s
}

// Tier reports TierHybrid.
func (s *HybridStore) Tier() Tier { return TierHybrid }

// Store writes locally and enqueues remote replication. The write succeeds as
// soon as the local store accepts it.
func (s *HybridStore) Store(ctx context.Context, msg *models.Message) error {
	defer observability.TrackWrite(TierHybrid.String())()

	if err := s.local.Store(ctx, msg); err != nil {
		observability.StorageWriteFailures.WithLabelValues(TierHybrid.String()).Inc()
		return err
	}

	select {
	case s.replq <- msg:
		observability.ReplicationQueueDepth.Set(float64(len(s.replq)))
	default:
		observability.GlobalLogger.Warn("replication queue full, skipping remote copy",
			slog.String("message_id", msg.ID))
	}
	return nil
}

func (s *HybridStore) replicationWorker() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case msg := <-s.replq:
					s.replicate(msg)
				default:
					return
				}
			}
		case msg := <-s.replq:
			s.replicate(msg)
			observability.ReplicationQueueDepth.Set(float64(len(s.replq)))
		}
	}
}

func (s *HybridStore) replicate(msg *models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), replicationTimeout)
	defer cancel()

	if err := s.remote.Store(ctx, msg); err != nil {
		observability.GlobalLogger.Warn("async replication to remote store failed",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Retrieve checks the recent local window first, then the remote store.
func (s *HybridStore) Retrieve(ctx context.Context, id string) (*models.Message, error) {
	msg, err := s.local.Retrieve(ctx, id)
	if err == nil && msg != nil {
		return msg, nil
	}
	if err != nil {
		s.log.LogFailure(ctx, "local_retrieve", err)
	}
	return s.remote.Retrieve(ctx, id)
}

// RetrieveConversation routes by recency: reads entirely inside the window go
// to the embedded store, older reads fall through to the remote store.
func (s *HybridStore) RetrieveConversation(ctx context.Context, conversationID uint, limit int, before *time.Time) ([]*models.Message, error) {
	windowStart := time.Now().Add(-s.window)
	if before != nil && before.Before(windowStart) {
		return s.remote.RetrieveConversation(ctx, conversationID, limit, before)
	}
	return s.local.RetrieveConversation(ctx, conversationID, limit, before)
}

// RecentMessages serves from the local store, which by construction holds the
// recency window.
func (s *HybridStore) RecentMessages(ctx context.Context, since time.Time, limit int) ([]*models.Message, error) {
	return s.local.RecentMessages(ctx, since, limit)
}

// Delete removes both copies; the remote removal is best effort.
func (s *HybridStore) Delete(ctx context.Context, id string) error {
	if err := s.local.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.remote.Delete(ctx, id); err != nil {
		s.log.LogFailure(ctx, "remote_delete", err)
	}
	return nil
}

// Search delegates to the embedded store's decrypt-scan over the recent window.
func (s *HybridStore) Search(ctx context.Context, query string, conversationID *uint) ([]*models.Message, error) {
	return s.local.Search(ctx, query, conversationID)
}

// Close stops the replication worker after draining the queue.
func (s *HybridStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
