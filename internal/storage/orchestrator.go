package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"carewire/internal/crypto"
	"carewire/internal/models"
	"carewire/internal/observability"

	"github.com/google/uuid"
)

const (
	// scaleCheckEvery throttles policy re-evaluation to every Nth store call.
	scaleCheckEvery = 100
	// scaleCheckWindow additionally caps re-evaluation to once per wall-clock
	// window, so concurrent writers can't thrash the policy.
	scaleCheckWindow = 5 * time.Minute

	migrationWindow    = 30 * 24 * time.Hour
	migrationBatchSize = 500

	// triggerManualReset marks the only switch allowed to move down a tier.
	triggerManualReset = "manual_reset"
)

// BackendFactory builds a fresh backend for a tier. Backends are disposable;
// the orchestrator replaces them wholesale on a switch.
type BackendFactory func(tier Tier) (Backend, error)

// Sampler supplies metrics snapshots for scaling decisions. *MetricsProbe is
// the production implementation.
type Sampler interface {
	Snapshot(ctx context.Context) MetricsSnapshot
}

// AuditSink receives the audit-relevant events the orchestrator produces.
type AuditSink interface {
	RecordStorageSwitch(ctx context.Context, from, to, trigger string, snapshot MetricsSnapshot)
	RecordIntegrityViolation(ctx context.Context, messageID string)
}

// MigrationResult reports the outcome of one background data migration.
type MigrationResult struct {
	From  Tier
	To    Tier
	Moved int
	Err   error
}

// StoreInput is the plaintext submission for a new message. Encryption
// happens inside the orchestrator; backends only ever see ciphertext.
type StoreInput struct {
	ConversationID   uint
	SenderID         uint
	Content          string
	MessageType      models.MessageType
	Priority         models.MessagePriority
	ReplyToID        *string
	PatientContextID *string
}

// Info is the operator-facing status of the orchestrator.
type Info struct {
	Tier            string          `json:"tier"`
	Snapshot        MetricsSnapshot `json:"snapshot"`
	Thresholds      ThresholdTable  `json:"thresholds"`
	Recommendations []string        `json:"recommendations"`
}

// Orchestrator owns the active storage backend, re-evaluates the scaling
// policy on a throttled cadence, hot-swaps tiers without blocking writes, and
// escalates a tier on write failure before surfacing an error.
type Orchestrator struct {
	mu     sync.RWMutex
	active Backend
	tier   Tier

	factory    BackendFactory
	probe      Sampler
	thresholds ThresholdTable
	codec      *crypto.ContentCodec
	audit      AuditSink

	writeCount atomic.Uint64

	checkMu   sync.Mutex
	lastCheck time.Time

	// Migrations carries the typed result of every background migration. The
	// channel is buffered; callers may await results or ignore them.
	Migrations chan MigrationResult
}

// NewOrchestrator picks the initial tier by running the scaling policy once
// and instantiates that tier's backend.
func NewOrchestrator(factory BackendFactory, probe Sampler, thresholds ThresholdTable, codec *crypto.ContentCodec, audit AuditSink) (*Orchestrator, error) {
	o := &Orchestrator{
		factory:    factory,
		probe:      probe,
		thresholds: thresholds,
		codec:      codec,
		audit:      audit,
		Migrations: make(chan MigrationResult, 16),
	}

	snapshot := probe.Snapshot(context.Background())
	tier, _ := thresholds.Evaluate(snapshot)

	backend, err := factory(tier)
	if err != nil {
		return nil, fmt.Errorf("create initial %s backend: %w", tier, err)
	}
	o.active = backend
	o.tier = tier
	observability.StorageTier.Set(float64(tier))

	observability.GlobalLogger.Info("storage orchestrator started",
		slog.String("tier", tier.String()),
		slog.Int64("message_count", snapshot.MessageCount),
	)
	return o, nil
}

// Tier returns the currently active tier.
func (o *Orchestrator) Tier() Tier {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tier
}

func (o *Orchestrator) backend() (Backend, Tier) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active, o.tier
}

// Store encrypts the content, persists the envelope via the active backend,
// and returns the stored message (content in ciphertext). A failing write
// escalates one tier and retries; only a remote-tier failure is surfaced.
func (o *Orchestrator) Store(ctx context.Context, in StoreInput) (*models.Message, error) {
	o.maybeRescale(ctx)

	ciphertext, hash, err := o.codec.Encrypt(in.Content)
	if err != nil {
		return nil, err
	}

	messageType := in.MessageType
	if messageType == "" {
		messageType = models.MessageTypeText
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityRoutine
	}

	msg := &models.Message{
		ID:               uuid.NewString(),
		ConversationID:   in.ConversationID,
		SenderID:         in.SenderID,
		Content:          ciphertext,
		ContentHash:      hash,
		MessageType:      messageType,
		Status:           models.MessageStatusSent,
		Priority:         priority,
		ReplyToID:        in.ReplyToID,
		PatientContextID: in.PatientContextID,
		CreatedAt:        time.Now().UTC(),
	}

	if err := o.storeEnvelope(ctx, msg); err != nil {
		return nil, err
	}
	observability.MessageThroughput.WithLabelValues(string(msg.MessageType), string(msg.Priority)).Inc()
	return msg, nil
}

// UpdateContent re-encrypts a message's content in place and re-stores the
// envelope. The envelope keeps its identity; only content, hash, and the
// edited flag change.
func (o *Orchestrator) UpdateContent(ctx context.Context, msg *models.Message, newContent string) error {
	ciphertext, hash, err := o.codec.Encrypt(newContent)
	if err != nil {
		return err
	}
	msg.Content = ciphertext
	msg.ContentHash = hash
	msg.Edited = true
	msg.UpdatedAt = time.Now().UTC()
	return o.storeEnvelope(ctx, msg)
}

// storeEnvelope writes through the active backend, escalating one tier and
// retrying on failure. Only a remote-tier failure surfaces.
func (o *Orchestrator) storeEnvelope(ctx context.Context, msg *models.Message) error {
	for {
		backend, tier := o.backend()
		err := backend.Store(ctx, msg)
		if err == nil {
			o.writeCount.Add(1)
			return nil
		}

		// A failed write is treated as a capacity problem: force an upgrade
		// and retry once at the new tier.
		next, ok := tier.Next()
		if !ok {
			return fmt.Errorf("store message at %s tier: %w", tier, err)
		}
		observability.GlobalLogger.Error("write failed, escalating storage tier",
			slog.String("from", tier.String()),
			slog.String("to", next.String()),
			slog.String("error", err.Error()),
		)
		if serr := o.switchTo(ctx, next, "write_failure"); serr != nil {
			return fmt.Errorf("store message at %s tier: %w", tier, err)
		}
	}
}

// Retrieve delegates to the active backend.
func (o *Orchestrator) Retrieve(ctx context.Context, id string) (*models.Message, error) {
	backend, _ := o.backend()
	return backend.Retrieve(ctx, id)
}

// RetrieveConversation delegates to the active backend.
func (o *Orchestrator) RetrieveConversation(ctx context.Context, conversationID uint, limit int, before *time.Time) ([]*models.Message, error) {
	backend, _ := o.backend()
	return backend.RetrieveConversation(ctx, conversationID, limit, before)
}

// Delete delegates to the active backend. May return ErrUnsupportedCapability.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	backend, _ := o.backend()
	return backend.Delete(ctx, id)
}

// Search delegates to the active backend. May return ErrUnsupportedCapability.
func (o *Orchestrator) Search(ctx context.Context, query string, conversationID *uint) ([]*models.Message, error) {
	backend, _ := o.backend()
	return backend.Search(ctx, query, conversationID)
}

// DecryptContent returns the plaintext for a stored message. A decryption
// failure is contained: the sentinel is substituted and a security event
// logged. An integrity mismatch fails closed with an error and a high-risk
// audit entry.
func (o *Orchestrator) DecryptContent(ctx context.Context, msg *models.Message) (string, error) {
	plaintext, err := o.codec.Decrypt(msg.Content)
	if err != nil {
		observability.CodecFailures.WithLabelValues("decrypt").Inc()
		observability.SecurityEvent(ctx, "message_decryption_failed",
			slog.String("message_id", msg.ID))
		return crypto.ContentUnavailable, nil
	}
	if !crypto.Verify(plaintext, msg.ContentHash) {
		observability.CodecFailures.WithLabelValues("integrity").Inc()
		observability.SecurityEvent(ctx, "message_integrity_mismatch",
			slog.String("message_id", msg.ID))
		if o.audit != nil {
			o.audit.RecordIntegrityViolation(ctx, msg.ID)
		}
		return "", crypto.ErrIntegrityMismatch
	}
	return plaintext, nil
}

// Info returns the current tier, a fresh metrics snapshot, the threshold
// table, and operator recommendations. Read-only, no side effects on state.
func (o *Orchestrator) Info(ctx context.Context) Info {
	snapshot := o.probe.Snapshot(ctx)
	tier := o.Tier()
	return Info{
		Tier:            tier.String(),
		Snapshot:        snapshot,
		Thresholds:      o.thresholds,
		Recommendations: o.thresholds.Recommendations(tier, snapshot),
	}
}

// Reset is the explicit manual path back to the base tier. Automatic
// de-escalation never happens.
func (o *Orchestrator) Reset(ctx context.Context) error {
	if o.Tier() == TierEmbedded {
		return nil
	}
	return o.switchTo(ctx, TierEmbedded, triggerManualReset)
}

// maybeRescale re-evaluates the scaling policy every scaleCheckEvery writes
// and at most once per scaleCheckWindow.
func (o *Orchestrator) maybeRescale(ctx context.Context) {
	count := o.writeCount.Load()
	if count == 0 || count%scaleCheckEvery != 0 {
		return
	}

	o.checkMu.Lock()
	if time.Since(o.lastCheck) < scaleCheckWindow {
		o.checkMu.Unlock()
		return
	}
	o.lastCheck = time.Now()
	o.checkMu.Unlock()

	snapshot := o.probe.Snapshot(ctx)
	desired, reasons := o.thresholds.Decide(o.Tier(), snapshot)
	if desired == o.Tier() {
		return
	}

	trigger := "policy"
	if len(reasons) > 0 {
		trigger = reasons[0]
	}
	if err := o.switchTo(ctx, desired, trigger); err != nil {
		observability.GlobalLogger.Error("storage tier switch failed",
			slog.String("desired", desired.String()),
			slog.String("error", err.Error()),
		)
	}
}

// switchTo hot-swaps the active backend: the new instance is built outside
// the lock, the pointer is repointed under the write lock, and migration of
// recent data runs in the background. In-flight operations keep using the old
// backend they already hold; no operation observes a half-swapped state.
func (o *Orchestrator) switchTo(ctx context.Context, tier Tier, trigger string) error {
	next, err := o.factory(tier)
	if err != nil {
		return fmt.Errorf("create %s backend: %w", tier, err)
	}

	o.mu.Lock()
	// Writers race: one may read the tier, stall in the old backend, and ask
	// for an escalation another writer has already passed. Anything at or
	// below the installed tier is stale; only the manual reset path goes down.
	if tier == o.tier || (tier < o.tier && trigger != triggerManualReset) {
		o.mu.Unlock()
		_ = next.Close()
		return nil
	}
	old := o.active
	from := o.tier
	o.active = next
	o.tier = tier
	o.mu.Unlock()

	snapshot := o.probe.Snapshot(ctx)
	observability.StorageTier.Set(float64(tier))
	observability.StorageTierSwitches.WithLabelValues(from.String(), tier.String(), trigger).Inc()
	observability.NewStorageLogger(from.String()).LogSwitch(ctx, from.String(), tier.String(), trigger)

	if o.audit != nil {
		o.audit.RecordStorageSwitch(ctx, from.String(), tier.String(), trigger, snapshot)
	}

	go o.migrate(old, next, from, tier)
	return nil
}

// migrate copies the recent window from the old backend into the new one,
// best effort, and closes the old backend. The orchestrator never blocks on
// it; the result is published for anyone who cares.
func (o *Orchestrator) migrate(old, next Backend, from, to Tier) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result := MigrationResult{From: from, To: to}
	since := time.Now().Add(-migrationWindow)

	messages, err := old.RecentMessages(ctx, since, migrationBatchSize)
	if err != nil {
		result.Err = fmt.Errorf("read from %s: %w", from, err)
	} else {
		for _, msg := range messages {
			if existing, err := next.Retrieve(ctx, msg.ID); err == nil && existing != nil {
				continue
			}
			if err := next.Store(ctx, msg); err != nil {
				result.Err = fmt.Errorf("copy to %s: %w", to, err)
				break
			}
			result.Moved++
		}
	}

	_ = old.Close()

	if result.Err != nil {
		observability.GlobalLogger.Warn("background storage migration incomplete",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.Int("moved", result.Moved),
			slog.String("error", result.Err.Error()),
		)
	} else {
		observability.GlobalLogger.Info("background storage migration complete",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.Int("moved", result.Moved),
		)
	}

	select {
	case o.Migrations <- result:
	default:
	}
}

// Close shuts down the active backend.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return o.active.Close()
	}
	return nil
}

// IsUnsupported reports whether err marks an optional capability the current
// backend does not implement.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupportedCapability)
}
