package storage

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MetricsSnapshot is a point-in-time read of the load indicators the scaling
// policy decides on.
type MetricsSnapshot struct {
	MessageCount    int64     `json:"message_count" yaml:"message_count"`
	WriteLatencyMS  float64   `json:"write_latency_ms" yaml:"write_latency_ms"`
	StorageSizeGB   float64   `json:"storage_size_gb" yaml:"storage_size_gb"`
	ConcurrentUsers int64     `json:"concurrent_users" yaml:"concurrent_users"`
	MessagesPerHour int64     `json:"messages_per_hour" yaml:"messages_per_hour"`
	TakenAt         time.Time `json:"taken_at" yaml:"-"`
}

// TierThresholds holds the five soft trigger conditions for one tier plus the
// force factor: message_count >= ForceFactor * MessageCount guarantees
// escalation even when every other signal lags.
type TierThresholds struct {
	MessageCount    int64   `yaml:"message_count" json:"message_count"`
	WriteLatencyMS  float64 `yaml:"write_latency_ms" json:"write_latency_ms"`
	StorageSizeGB   float64 `yaml:"storage_size_gb" json:"storage_size_gb"`
	ConcurrentUsers int64   `yaml:"concurrent_users" json:"concurrent_users"`
	MessagesPerHour int64   `yaml:"messages_per_hour" json:"messages_per_hour"`
	ForceFactor     float64 `yaml:"force_factor" json:"force_factor"`
}

// ThresholdTable pairs the hybrid and remote trigger tables.
type ThresholdTable struct {
	Hybrid TierThresholds `yaml:"hybrid" json:"hybrid"`
	Remote TierThresholds `yaml:"remote" json:"remote"`
}

// DefaultThresholds returns the built-in threshold table.
func DefaultThresholds() ThresholdTable {
	return ThresholdTable{
		Hybrid: TierThresholds{
			MessageCount:    100_000,
			WriteLatencyMS:  500,
			StorageSizeGB:   5,
			ConcurrentUsers: 500,
			MessagesPerHour: 1_000,
			ForceFactor:     1.2,
		},
		Remote: TierThresholds{
			MessageCount:    1_000_000,
			WriteLatencyMS:  1_000,
			StorageSizeGB:   20,
			ConcurrentUsers: 2_000,
			MessagesPerHour: 10_000,
			ForceFactor:     1.2,
		},
	}
}

// LoadThresholds reads a threshold table from a YAML file, filling omitted
// fields from the defaults.
func LoadThresholds(path string) (ThresholdTable, error) {
	table := DefaultThresholds()
	raw, err := os.ReadFile(path)
	if err != nil {
		return table, fmt.Errorf("read scaling config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return DefaultThresholds(), fmt.Errorf("parse scaling config: %w", err)
	}
	return table, nil
}

// triggered returns the names of the conditions in t that the snapshot meets.
func (t TierThresholds) triggered(s MetricsSnapshot) []string {
	var reasons []string
	if t.ForceFactor > 0 && s.MessageCount >= int64(float64(t.MessageCount)*t.ForceFactor) {
		reasons = append(reasons, "message_count_force")
	}
	if t.MessageCount > 0 && s.MessageCount >= t.MessageCount {
		reasons = append(reasons, "message_count")
	}
	if t.WriteLatencyMS > 0 && s.WriteLatencyMS >= t.WriteLatencyMS {
		reasons = append(reasons, "write_latency")
	}
	if t.StorageSizeGB > 0 && s.StorageSizeGB >= t.StorageSizeGB {
		reasons = append(reasons, "storage_size")
	}
	if t.ConcurrentUsers > 0 && s.ConcurrentUsers >= t.ConcurrentUsers {
		reasons = append(reasons, "concurrent_users")
	}
	if t.MessagesPerHour > 0 && s.MessagesPerHour >= t.MessagesPerHour {
		reasons = append(reasons, "messages_per_hour")
	}
	return reasons
}

// Evaluate is the pure scaling decision: it returns the highest tier for
// which any trigger condition holds, remote checked before hybrid, along with
// the conditions that fired.
func (tbl ThresholdTable) Evaluate(s MetricsSnapshot) (Tier, []string) {
	if reasons := tbl.Remote.triggered(s); len(reasons) > 0 {
		return TierRemote, reasons
	}
	if reasons := tbl.Hybrid.triggered(s); len(reasons) > 0 {
		return TierHybrid, reasons
	}
	return TierEmbedded, nil
}

// Decide applies the monotonic-escalation rule: the desired tier is the
// evaluated tier or the current one, whichever is higher. De-escalation only
// happens through an explicit manual reset, never here — migrating data back
// down implicitly is unsafe.
func (tbl ThresholdTable) Decide(current Tier, s MetricsSnapshot) (Tier, []string) {
	desired, reasons := tbl.Evaluate(s)
	if desired < current {
		return current, nil
	}
	return desired, reasons
}

// Recommendations compares the snapshot against 80% of each threshold and
// returns human-readable operator hints.
func (tbl ThresholdTable) Recommendations(current Tier, s MetricsSnapshot) []string {
	var recs []string
	const warnFraction = 0.8

	approach := func(tier string, t TierThresholds) {
		if t.MessageCount > 0 && float64(s.MessageCount) >= float64(t.MessageCount)*warnFraction {
			recs = append(recs, fmt.Sprintf("message count %d approaching %s threshold (%d)", s.MessageCount, tier, t.MessageCount))
		}
		if t.WriteLatencyMS > 0 && s.WriteLatencyMS >= t.WriteLatencyMS*warnFraction {
			recs = append(recs, fmt.Sprintf("write latency %.0fms approaching %s threshold (%.0fms)", s.WriteLatencyMS, tier, t.WriteLatencyMS))
		}
		if t.StorageSizeGB > 0 && s.StorageSizeGB >= t.StorageSizeGB*warnFraction {
			recs = append(recs, fmt.Sprintf("storage size %.1fGB approaching %s threshold (%.1fGB)", s.StorageSizeGB, tier, t.StorageSizeGB))
		}
		if t.ConcurrentUsers > 0 && float64(s.ConcurrentUsers) >= float64(t.ConcurrentUsers)*warnFraction {
			recs = append(recs, fmt.Sprintf("concurrent users %d approaching %s threshold (%d)", s.ConcurrentUsers, tier, t.ConcurrentUsers))
		}
		if t.MessagesPerHour > 0 && float64(s.MessagesPerHour) >= float64(t.MessagesPerHour)*warnFraction {
			recs = append(recs, fmt.Sprintf("message rate %d/h approaching %s threshold (%d/h)", s.MessagesPerHour, tier, t.MessagesPerHour))
		}
	}

	switch current {
	case TierEmbedded:
		approach("hybrid", tbl.Hybrid)
	case TierHybrid:
		approach("remote", tbl.Remote)
	case TierRemote:
		recs = append(recs, "already at remote tier; consider sharding if load keeps growing")
	}

	if len(recs) == 0 {
		recs = append(recs, "storage headroom is comfortable at the current tier")
	}
	return recs
}
