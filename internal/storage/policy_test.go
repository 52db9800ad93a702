package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietSnapshot() MetricsSnapshot {
	return MetricsSnapshot{
		MessageCount:    10,
		WriteLatencyMS:  5,
		StorageSizeGB:   0.1,
		ConcurrentUsers: 3,
		MessagesPerHour: 12,
	}
}

func TestEvaluate_QuietSystemStaysEmbedded(t *testing.T) {
	table := DefaultThresholds()
	tier, reasons := table.Evaluate(quietSnapshot())
	assert.Equal(t, TierEmbedded, tier)
	assert.Empty(t, reasons)
}

func TestEvaluate_HybridBoundary(t *testing.T) {
	table := DefaultThresholds()

	s := quietSnapshot()
	s.MessageCount = table.Hybrid.MessageCount - 1
	tier, _ := table.Evaluate(s)
	assert.Equal(t, TierEmbedded, tier, "one below the threshold must stay embedded")

	s.MessageCount = table.Hybrid.MessageCount
	tier, reasons := table.Evaluate(s)
	assert.Equal(t, TierHybrid, tier, "exactly the threshold must escalate")
	assert.Contains(t, reasons, "message_count")
}

func TestEvaluate_AnySingleTriggerEscalates(t *testing.T) {
	table := DefaultThresholds()

	cases := map[string]func(*MetricsSnapshot){
		"write_latency":     func(s *MetricsSnapshot) { s.WriteLatencyMS = table.Hybrid.WriteLatencyMS },
		"storage_size":      func(s *MetricsSnapshot) { s.StorageSizeGB = table.Hybrid.StorageSizeGB },
		"concurrent_users":  func(s *MetricsSnapshot) { s.ConcurrentUsers = table.Hybrid.ConcurrentUsers },
		"messages_per_hour": func(s *MetricsSnapshot) { s.MessagesPerHour = table.Hybrid.MessagesPerHour },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := quietSnapshot()
			mutate(&s)
			tier, reasons := table.Evaluate(s)
			assert.Equal(t, TierHybrid, tier)
			assert.Contains(t, reasons, name)
		})
	}
}

func TestEvaluate_RemoteCheckedBeforeHybrid(t *testing.T) {
	table := DefaultThresholds()
	s := quietSnapshot()
	s.MessageCount = table.Remote.MessageCount
	tier, _ := table.Evaluate(s)
	assert.Equal(t, TierRemote, tier)
}

func TestEvaluate_ForceThresholdDominates(t *testing.T) {
	table := DefaultThresholds()

	// All other signals at rock bottom: the force multiple alone must carry
	// the escalation.
	s := MetricsSnapshot{
		MessageCount: int64(float64(table.Remote.MessageCount) * table.Remote.ForceFactor),
	}
	tier, reasons := table.Evaluate(s)
	assert.Equal(t, TierRemote, tier)
	assert.Contains(t, reasons, "message_count_force")
}

func TestDecide_MonotonicEscalation(t *testing.T) {
	table := DefaultThresholds()

	// Load spikes to hybrid levels, then falls back to nothing. The decided
	// tier must never decrease across evaluations.
	snapshots := []MetricsSnapshot{
		quietSnapshot(),
		{MessageCount: table.Hybrid.MessageCount + 1},
		quietSnapshot(),
		{MessageCount: table.Remote.MessageCount + 1},
		quietSnapshot(),
		{},
	}

	current := TierEmbedded
	for i, s := range snapshots {
		next, _ := table.Decide(current, s)
		assert.GreaterOrEqual(t, next, current, "evaluation %d decreased the tier", i)
		current = next
	}
	assert.Equal(t, TierRemote, current)
}

func TestRecommendations(t *testing.T) {
	table := DefaultThresholds()

	s := quietSnapshot()
	recs := table.Recommendations(TierEmbedded, s)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0], "headroom")

	s.MessageCount = int64(float64(table.Hybrid.MessageCount) * 0.9)
	recs = table.Recommendations(TierEmbedded, s)
	require.NotEmpty(t, recs)
	assert.Contains(t, recs[0], "approaching hybrid threshold")

	recs = table.Recommendations(TierRemote, quietSnapshot())
	require.NotEmpty(t, recs)
	assert.Contains(t, recs[0], "remote tier")
}

func TestLoadThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scaling.yml")
	content := []byte("hybrid:\n  message_count: 5\n  force_factor: 2.0\nremote:\n  message_count: 50\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	table, err := LoadThresholds(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), table.Hybrid.MessageCount)
	assert.Equal(t, 2.0, table.Hybrid.ForceFactor)
	assert.Equal(t, int64(50), table.Remote.MessageCount)

	_, err = LoadThresholds(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestTierStringAndParse(t *testing.T) {
	for _, tier := range []Tier{TierEmbedded, TierHybrid, TierRemote} {
		parsed, ok := ParseTier(tier.String())
		assert.True(t, ok)
		assert.Equal(t, tier, parsed)
	}
	_, ok := ParseTier("punchcards")
	assert.False(t, ok)
}

func TestTierNext(t *testing.T) {
	next, ok := TierEmbedded.Next()
	assert.True(t, ok)
	assert.Equal(t, TierHybrid, next)

	next, ok = TierHybrid.Next()
	assert.True(t, ok)
	assert.Equal(t, TierRemote, next)

	_, ok = TierRemote.Next()
	assert.False(t, ok)
}
