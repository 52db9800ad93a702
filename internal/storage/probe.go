package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"carewire/internal/models"
	"carewire/internal/observability"

	"gorm.io/gorm"
)

// Default probe cache TTLs. Each gauge is cached independently so one
// expensive probe cannot force the others to recompute.
const (
	ttlMessageCount    = 300 * time.Second
	ttlWriteLatency    = 60 * time.Second
	ttlStorageSize     = 1800 * time.Second
	ttlConcurrentUsers = 60 * time.Second
	ttlMessagesPerHour = 300 * time.Second

	concurrentUserWindow = 5 * time.Minute
)

// writeProbeRow is the table used for the timed write/read latency probe.
type writeProbeRow struct {
	ID        uint      `gorm:"primaryKey"`
	Token     string    `gorm:"type:varchar(36)"`
	CreatedAt time.Time
}

func (writeProbeRow) TableName() string { return "storage_write_probes" }

// gauge is a compute-if-stale-else-cached metric. A failed compute logs and
// yields zero without caching, so the next read retries.
type gauge struct {
	name    string
	ttl     time.Duration
	compute func(ctx context.Context) (float64, error)

	mu        sync.Mutex
	value     float64
	fetchedAt time.Time
}

func (g *gauge) get(ctx context.Context, now time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.fetchedAt.IsZero() && now.Sub(g.fetchedAt) < g.ttl {
		return g.value
	}

	v, err := g.compute(ctx)
	if err != nil {
		observability.GlobalLogger.Warn("metrics probe failed",
			slog.String("gauge", g.name),
			slog.String("error", err.Error()),
		)
		return 0
	}

	g.value = v
	g.fetchedAt = now
	return v
}

// MetricsProbe samples the five load indicators the scaling policy needs.
// Every gauge is independently TTL-cached; a failing gauge never blocks a
// decision cycle.
type MetricsProbe struct {
	db  *gorm.DB
	now func() time.Time

	messageCount    *gauge
	writeLatency    *gauge
	storageSize     *gauge
	concurrentUsers *gauge
	messagesPerHour *gauge
}

// NewMetricsProbe builds a probe over the relational store. The probe table
// is migrated on construction.
func NewMetricsProbe(db *gorm.DB) (*MetricsProbe, error) {
	if err := db.AutoMigrate(&writeProbeRow{}); err != nil {
		return nil, fmt.Errorf("migrate probe table: %w", err)
	}

	p := &MetricsProbe{db: db, now: time.Now}
	p.messageCount = &gauge{name: "message_count", ttl: ttlMessageCount, compute: p.computeMessageCount}
	p.writeLatency = &gauge{name: "write_latency_ms", ttl: ttlWriteLatency, compute: p.computeWriteLatency}
	p.storageSize = &gauge{name: "storage_size_gb", ttl: ttlStorageSize, compute: p.computeStorageSize}
	p.concurrentUsers = &gauge{name: "concurrent_users", ttl: ttlConcurrentUsers, compute: p.computeConcurrentUsers}
	p.messagesPerHour = &gauge{name: "messages_per_hour", ttl: ttlMessagesPerHour, compute: p.computeMessagesPerHour}
	return p, nil
}

// Snapshot reads all five gauges, each served from cache while fresh.
func (p *MetricsProbe) Snapshot(ctx context.Context) MetricsSnapshot {
	now := p.now()
	return MetricsSnapshot{
		MessageCount:    int64(p.messageCount.get(ctx, now)),
		WriteLatencyMS:  p.writeLatency.get(ctx, now),
		StorageSizeGB:   p.storageSize.get(ctx, now),
		ConcurrentUsers: int64(p.concurrentUsers.get(ctx, now)),
		MessagesPerHour: int64(p.messagesPerHour.get(ctx, now)),
		TakenAt:         now,
	}
}

func (p *MetricsProbe) computeMessageCount(ctx context.Context) (float64, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&models.Message{}).Count(&count).Error
	return float64(count), err
}

// computeWriteLatency times a representative write/read round trip against
// the probe table and reports it in milliseconds.
func (p *MetricsProbe) computeWriteLatency(ctx context.Context) (float64, error) {
	row := writeProbeRow{Token: fmt.Sprintf("probe-%d", p.now().UnixNano())}

	start := p.now()
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("probe write: %w", err)
	}
	var back writeProbeRow
	if err := p.db.WithContext(ctx).First(&back, row.ID).Error; err != nil {
		return 0, fmt.Errorf("probe read: %w", err)
	}
	elapsed := p.now().Sub(start)

	// Keep the probe table from growing unbounded.
	p.db.WithContext(ctx).Where("id <= ?", row.ID).Delete(&writeProbeRow{})

	return float64(elapsed.Microseconds()) / 1000.0, nil
}

func (p *MetricsProbe) computeStorageSize(ctx context.Context) (float64, error) {
	const bytesPerGB = 1024 * 1024 * 1024

	switch p.db.Dialector.Name() {
	case "postgres":
		var bytes int64
		err := p.db.WithContext(ctx).
			Raw("SELECT COALESCE(pg_total_relation_size('messages'), 0)").
			Scan(&bytes).Error
		return float64(bytes) / bytesPerGB, err
	case "sqlite":
		var pageCount, pageSize int64
		if err := p.db.WithContext(ctx).Raw("PRAGMA page_count").Scan(&pageCount).Error; err != nil {
			return 0, err
		}
		if err := p.db.WithContext(ctx).Raw("PRAGMA page_size").Scan(&pageSize).Error; err != nil {
			return 0, err
		}
		return float64(pageCount*pageSize) / bytesPerGB, nil
	default:
		// No engine-reported size available; estimate from row count.
		var count int64
		if err := p.db.WithContext(ctx).Model(&models.Message{}).Count(&count).Error; err != nil {
			return 0, err
		}
		const avgMessageBytes = 1024
		return float64(count*avgMessageBytes) / bytesPerGB, nil
	}
}

func (p *MetricsProbe) computeConcurrentUsers(ctx context.Context) (float64, error) {
	cutoff := p.now().Add(-concurrentUserWindow)
	var count int64
	err := p.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Distinct("user_id").
		Where("last_seen_at > ?", cutoff).
		Count(&count).Error
	return float64(count), err
}

func (p *MetricsProbe) computeMessagesPerHour(ctx context.Context) (float64, error) {
	cutoff := p.now().Add(-time.Hour)
	var count int64
	err := p.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("created_at > ?", cutoff).
		Count(&count).Error
	return float64(count), err
}
