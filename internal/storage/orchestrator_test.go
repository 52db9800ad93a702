package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"carewire/internal/crypto"
	"carewire/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	tier Tier

	mu       sync.Mutex
	stored   map[string]*models.Message
	storeErr error
	attempts int
	closed   bool
}

func newFakeBackend(tier Tier) *fakeBackend {
	return &fakeBackend{tier: tier, stored: make(map[string]*models.Message)}
}

func (f *fakeBackend) Tier() Tier { return f.tier }

func (f *fakeBackend) Store(_ context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.storeErr != nil {
		return f.storeErr
	}
	copied := *msg
	f.stored[msg.ID] = &copied
	return nil
}

func (f *fakeBackend) Retrieve(_ context.Context, id string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[id], nil
}

func (f *fakeBackend) RetrieveConversation(_ context.Context, conversationID uint, _ int, _ *time.Time) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Message
	for _, msg := range f.stored {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeBackend) RecentMessages(_ context.Context, since time.Time, limit int) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Message
	for _, msg := range f.stored {
		if msg.CreatedAt.After(since) && len(out) < limit {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeBackend) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stored, id)
	return nil
}

func (f *fakeBackend) Search(context.Context, string, *uint) ([]*models.Message, error) {
	return nil, ErrUnsupportedCapability
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) storeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeBackend) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeFactory hands out a fresh fakeBackend per call and remembers each one so
// tests can inspect backends created during a switch.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeBackend
	prepare func(*fakeBackend)
}

func (f *fakeFactory) new(tier Tier) (Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := newFakeBackend(tier)
	if f.prepare != nil {
		f.prepare(b)
	}
	f.created = append(f.created, b)
	return b, nil
}

func (f *fakeFactory) lastForTier(tier Tier) *fakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.created) - 1; i >= 0; i-- {
		if f.created[i].tier == tier {
			return f.created[i]
		}
	}
	return nil
}

type fakeSampler struct {
	mu   sync.Mutex
	snap MetricsSnapshot
}

func (s *fakeSampler) Snapshot(context.Context) MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *fakeSampler) set(snap MetricsSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

type switchRecord struct {
	From, To, Trigger string
}

type fakeAudit struct {
	mu        sync.Mutex
	switches  []switchRecord
	integrity []string
}

func (a *fakeAudit) RecordStorageSwitch(_ context.Context, from, to, trigger string, _ MetricsSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.switches = append(a.switches, switchRecord{From: from, To: to, Trigger: trigger})
}

func (a *fakeAudit) RecordIntegrityViolation(_ context.Context, messageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.integrity = append(a.integrity, messageID)
}

func (a *fakeAudit) recordedSwitches() []switchRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]switchRecord(nil), a.switches...)
}

func (a *fakeAudit) recordedViolations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.integrity...)
}

func newTestOrchestrator(t *testing.T, sampler *fakeSampler) (*Orchestrator, *fakeFactory, *fakeAudit) {
	t.Helper()
	factory := &fakeFactory{}
	audit := &fakeAudit{}
	o, err := NewOrchestrator(factory.new, sampler, DefaultThresholds(), testCodec(t), audit)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o, factory, audit
}

func TestOrchestrator_InitialTierFromPolicy(t *testing.T) {
	sampler := &fakeSampler{snap: quietSnapshot()}
	o, _, _ := newTestOrchestrator(t, sampler)
	assert.Equal(t, TierEmbedded, o.Tier())

	busy := &fakeSampler{snap: MetricsSnapshot{MessageCount: 200_000, TakenAt: time.Now()}}
	o2, _, _ := newTestOrchestrator(t, busy)
	assert.Equal(t, TierHybrid, o2.Tier())
}

func TestOrchestrator_StoreEncryptsBeforeBackend(t *testing.T) {
	sampler := &fakeSampler{snap: quietSnapshot()}
	o, factory, _ := newTestOrchestrator(t, sampler)

	msg, err := o.Store(context.Background(), StoreInput{
		ConversationID: 1,
		SenderID:       7,
		Content:        "patient stable, vitals nominal",
	})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	assert.NotEqual(t, "patient stable, vitals nominal", msg.Content)
	assert.NotContains(t, msg.Content, "vitals")

	backend := factory.lastForTier(TierEmbedded)
	require.NotNil(t, backend)
	stored, err := backend.Retrieve(context.Background(), msg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotContains(t, stored.Content, "vitals")

	plaintext, err := o.DecryptContent(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, "patient stable, vitals nominal", plaintext)
}

func TestOrchestrator_WriteFailureEscalatesOneTier(t *testing.T) {
	sampler := &fakeSampler{snap: quietSnapshot()}
	o, factory, audit := newTestOrchestrator(t, sampler)

	embedded := factory.lastForTier(TierEmbedded)
	require.NotNil(t, embedded)
	embedded.mu.Lock()
	embedded.storeErr = errors.New("disk full")
	embedded.mu.Unlock()

	msg, err := o.Store(context.Background(), StoreInput{ConversationID: 1, SenderID: 2, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, TierHybrid, o.Tier())

	hybrid := factory.lastForTier(TierHybrid)
	require.NotNil(t, hybrid)
	assert.Equal(t, 1, embedded.storeCalls(), "failed tier is tried exactly once")
	assert.Equal(t, 1, hybrid.storeCalls(), "exactly one retry at the next tier")

	stored, err := hybrid.Retrieve(context.Background(), msg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	switches := audit.recordedSwitches()
	require.Len(t, switches, 1)
	assert.Equal(t, switchRecord{From: "embedded", To: "hybrid", Trigger: "write_failure"}, switches[0])

	select {
	case result := <-o.Migrations:
		assert.Equal(t, TierEmbedded, result.From)
		assert.Equal(t, TierHybrid, result.To)
		assert.NoError(t, result.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("no migration result published")
	}
	assert.Eventually(t, embedded.isClosed, time.Second, 10*time.Millisecond)
}

func TestOrchestrator_RemoteFailureSurfaces(t *testing.T) {
	sampler := &fakeSampler{snap: MetricsSnapshot{MessageCount: 2_000_000, TakenAt: time.Now()}}
	factory := &fakeFactory{prepare: func(b *fakeBackend) {
		if b.tier == TierRemote {
			b.storeErr = errors.New("cluster unreachable")
		}
	}}
	o, err := NewOrchestrator(factory.new, sampler, DefaultThresholds(), testCodec(t), &fakeAudit{})
	require.NoError(t, err)
	defer o.Close()
	require.Equal(t, TierRemote, o.Tier())

	_, err = o.Store(context.Background(), StoreInput{ConversationID: 1, SenderID: 2, Content: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote")
	assert.ErrorContains(t, err, "cluster unreachable")
	assert.Equal(t, TierRemote, o.Tier(), "nothing above remote to escalate to")
}

func TestOrchestrator_RescaleThrottledByWindow(t *testing.T) {
	sampler := &fakeSampler{snap: quietSnapshot()}
	o, _, audit := newTestOrchestrator(t, sampler)

	store := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			_, err := o.Store(context.Background(), StoreInput{ConversationID: 1, SenderID: 2, Content: "m"})
			require.NoError(t, err)
		}
	}

	// Below the write-count cadence nothing is re-evaluated even when the
	// metrics already cross a threshold.
	store(50)
	sampler.set(MetricsSnapshot{MessageCount: 200_000, TakenAt: time.Now()})
	store(49)
	assert.Equal(t, TierEmbedded, o.Tier())

	// The 100th recorded write arms the next check.
	store(2)
	assert.Equal(t, TierHybrid, o.Tier())
	require.Len(t, audit.recordedSwitches(), 1)

	// Another hundred writes inside the same wall-clock window stay put even
	// though the metrics now warrant the remote tier.
	sampler.set(MetricsSnapshot{MessageCount: 3_000_000, TakenAt: time.Now()})
	store(101)
	assert.Equal(t, TierHybrid, o.Tier())
	assert.Len(t, audit.recordedSwitches(), 1)
}

func TestOrchestrator_EscalationIsMonotonic(t *testing.T) {
	sampler := &fakeSampler{snap: quietSnapshot()}
	o, _, audit := newTestOrchestrator(t, sampler)

	sampler.set(MetricsSnapshot{MessageCount: 200_000, TakenAt: time.Now()})
	for i := 0; i < 101; i++ {
		_, err := o.Store(context.Background(), StoreInput{ConversationID: 1, SenderID: 2, Content: "m"})
		require.NoError(t, err)
	}
	require.Equal(t, TierHybrid, o.Tier())

	// Load falling back off never downgrades automatically.
	sampler.set(quietSnapshot())
	o.checkMu.Lock()
	o.lastCheck = time.Time{}
	o.checkMu.Unlock()
	for i := 0; i < 101; i++ {
		_, err := o.Store(context.Background(), StoreInput{ConversationID: 1, SenderID: 2, Content: "m"})
		require.NoError(t, err)
	}
	assert.Equal(t, TierHybrid, o.Tier())
	assert.Len(t, audit.recordedSwitches(), 1)
}

func TestOrchestrator_StaleEscalationCannotDowngrade(t *testing.T) {
	sampler := &fakeSampler{snap: quietSnapshot()}
	o, _, audit := newTestOrchestrator(t, sampler)
	ctx := context.Background()

	require.NoError(t, o.switchTo(ctx, TierHybrid, "write_failure"))
	require.NoError(t, o.switchTo(ctx, TierRemote, "write_failure"))
	require.Equal(t, TierRemote, o.Tier())

	// A writer that read the hybrid tier before the second escalation may
	// still request it after; the stale request must not move the tier down.
	require.NoError(t, o.switchTo(ctx, TierHybrid, "write_failure"))
	assert.Equal(t, TierRemote, o.Tier())
	assert.Len(t, audit.recordedSwitches(), 2)

	// Manual reset stays the only downgrade path.
	require.NoError(t, o.Reset(ctx))
	assert.Equal(t, TierEmbedded, o.Tier())
}

func TestOrchestrator_ManualReset(t *testing.T) {
	sampler := &fakeSampler{snap: MetricsSnapshot{MessageCount: 200_000, TakenAt: time.Now()}}
	o, _, audit := newTestOrchestrator(t, sampler)
	require.Equal(t, TierHybrid, o.Tier())

	require.NoError(t, o.Reset(context.Background()))
	assert.Equal(t, TierEmbedded, o.Tier())

	switches := audit.recordedSwitches()
	require.Len(t, switches, 1)
	assert.Equal(t, switchRecord{From: "hybrid", To: "embedded", Trigger: "manual_reset"}, switches[0])

	// Reset at the base tier is a no-op.
	require.NoError(t, o.Reset(context.Background()))
	assert.Len(t, audit.recordedSwitches(), 1)
}

func TestOrchestrator_DecryptContentFailsSafe(t *testing.T) {
	sampler := &fakeSampler{snap: quietSnapshot()}
	o, _, audit := newTestOrchestrator(t, sampler)

	msg, err := o.Store(context.Background(), StoreInput{ConversationID: 1, SenderID: 2, Content: "rounds at 0800"})
	require.NoError(t, err)

	// Undecryptable content is contained behind the sentinel, not an error.
	garbled := *msg
	garbled.Content = "not-even-base64!!"
	plaintext, err := o.DecryptContent(context.Background(), &garbled)
	require.NoError(t, err)
	assert.Equal(t, crypto.ContentUnavailable, plaintext)

	// A hash mismatch on otherwise valid ciphertext fails closed and lands in
	// the audit log.
	tampered := *msg
	tampered.ContentHash = crypto.Hash("something else entirely")
	_, err = o.DecryptContent(context.Background(), &tampered)
	require.ErrorIs(t, err, crypto.ErrIntegrityMismatch)
	assert.Equal(t, []string{msg.ID}, audit.recordedViolations())
}

func TestOrchestrator_Info(t *testing.T) {
	thresholds := DefaultThresholds()
	warm := MetricsSnapshot{
		MessageCount: int64(float64(thresholds.Hybrid.MessageCount) * 0.9),
		TakenAt:      time.Now(),
	}
	sampler := &fakeSampler{snap: warm}
	o, _, _ := newTestOrchestrator(t, sampler)

	info := o.Info(context.Background())
	assert.Equal(t, "embedded", info.Tier)
	assert.Equal(t, warm.MessageCount, info.Snapshot.MessageCount)
	require.NotEmpty(t, info.Recommendations)
	assert.Contains(t, info.Recommendations[0], "hybrid")
}

func TestOrchestrator_DelegatesSearchErrors(t *testing.T) {
	sampler := &fakeSampler{snap: quietSnapshot()}
	o, _, _ := newTestOrchestrator(t, sampler)

	_, err := o.Search(context.Background(), "vitals", nil)
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))
}
