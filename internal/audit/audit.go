// Package audit is the append-only compliance log for every mutating action
// in the messaging core. Entries grade their own risk, run suspicion
// heuristics at write time, and carry a retention date sized for healthcare
// record-keeping.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"carewire/internal/models"
	"carewire/internal/observability"
	"carewire/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// rapidFireThreshold flags an actor once more than this many of their
	// actions land inside rapidFireWindow.
	rapidFireThreshold = 50
	rapidFireWindow    = 5 * time.Minute

	// Accesses to medical data or attachments outside these local hours are
	// flagged.
	workdayStartHour = 6
	workdayEndHour   = 22

	// knownIPWindow bounds how far back an actor's previous addresses count
	// as "seen".
	knownIPWindow = 30 * 24 * time.Hour

	// Regulatory retention. Entries touching a patient context are kept
	// longer.
	defaultRetention = 7 * 365 * 24 * time.Hour
	patientRetention = 10 * 365 * 24 * time.Hour
)

// Suspicion reasons attached to alerts.
const (
	ReasonRapidFire  = "rapid_fire_actions"
	ReasonAfterHours = "after_hours_access"
	ReasonNewIP      = "unrecognized_ip"
	ReasonHighRisk   = "high_risk_action"
)

// highRiskActions are always graded high regardless of context.
var highRiskActions = map[models.AuditAction]bool{
	models.AuditUnauthorizedAccess:  true,
	models.AuditEncryptionFailure:   true,
	models.AuditDecryptionFailure:   true,
	models.AuditIntegrityMismatch:   true,
	models.AuditMedicalDataAccessed: true,
	models.AuditEmergencyAlert:      true,
}

// mediumRiskActions cover destructive operations.
var mediumRiskActions = map[models.AuditAction]bool{
	models.AuditMessageDeleted:      true,
	models.AuditConversationDeleted: true,
	models.AuditParticipantRemoved:  true,
}

// afterHoursActions are the ones subject to the workday-window heuristic.
var afterHoursActions = map[models.AuditAction]bool{
	models.AuditMedicalDataAccessed: true,
	models.AuditAttachmentDownload:  true,
}

// Alert is handed to the security-alert hook when an entry is flagged.
type Alert struct {
	Entry   *models.AuditEntry
	Reasons []string
}

// AlertFunc receives flagged entries. It is invoked asynchronously; the
// logging path never blocks on it.
type AlertFunc func(ctx context.Context, alert Alert)

// Record is the input for one audit entry. RiskLevel may be left empty to
// have it assigned from the action and context.
type Record struct {
	Action           models.AuditAction
	ActorID          *uint
	ActorName        string
	ConversationID   *uint
	MessageID        *string
	AttachmentID     *string
	PatientContextID *string
	IPAddress        string
	UserAgent        string
	RiskLevel        models.RiskLevel
	Details          interface{}
}

// RiskLog writes audit entries and runs suspicious-activity detection. It
// doubles as the orchestrator's audit sink for storage events.
type RiskLog struct {
	db    *gorm.DB
	alert AlertFunc
	now   func() time.Time
}

// New creates a RiskLog. The alert hook may be nil.
func New(db *gorm.DB, alert AlertFunc) *RiskLog {
	return &RiskLog{db: db, alert: alert, now: time.Now}
}

// Log creates one audit entry. Suspicion heuristics run before the insert so
// the stored row already carries its flag; the security alert fires
// asynchronously afterwards.
func (l *RiskLog) Log(ctx context.Context, rec Record) (*models.AuditEntry, error) {
	now := l.now().UTC()

	risk := rec.RiskLevel
	if risk == "" {
		risk = autoRisk(rec)
	}

	reasons, err := l.detectSuspicious(ctx, rec, now)
	if err != nil {
		// Detection failure must not lose the entry itself.
		observability.GlobalLogger.Error("suspicion detection failed",
			slog.String("action", string(rec.Action)),
			slog.String("error", err.Error()),
		)
		reasons = nil
	}

	retain := now.Add(defaultRetention)
	if rec.PatientContextID != nil {
		retain = now.Add(patientRetention)
	}

	var details json.RawMessage
	if rec.Details != nil {
		if raw, merr := json.Marshal(rec.Details); merr == nil {
			details = raw
		}
	}

	entry := &models.AuditEntry{
		ID:               uuid.NewString(),
		Action:           rec.Action,
		ActorID:          rec.ActorID,
		ActorName:        rec.ActorName,
		ConversationID:   rec.ConversationID,
		MessageID:        rec.MessageID,
		AttachmentID:     rec.AttachmentID,
		PatientContextID: rec.PatientContextID,
		IPAddress:        rec.IPAddress,
		UserAgent:        rec.UserAgent,
		RiskLevel:        risk,
		Suspicious:       len(reasons) > 0,
		Investigation:    models.InvestigationNone,
		Details:          details,
		CreatedAt:        now,
		RetainUntil:      retain,
	}
	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}

	observability.AuditEntriesTotal.WithLabelValues(string(entry.RiskLevel)).Inc()
	if entry.Suspicious {
		for _, reason := range reasons {
			observability.SuspiciousActivityTotal.WithLabelValues(reason).Inc()
		}
	}

	if entry.Suspicious || risk == models.RiskHigh || risk == models.RiskCritical {
		alertReasons := reasons
		if len(alertReasons) == 0 {
			alertReasons = []string{ReasonHighRisk}
		}
		l.dispatchAlert(Alert{Entry: entry, Reasons: alertReasons})
	}
	return entry, nil
}

func (l *RiskLog) dispatchAlert(alert Alert) {
	if l.alert == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		l.alert(ctx, alert)
	}()
}

// autoRisk grades an action when the caller did not grade it explicitly.
func autoRisk(rec Record) models.RiskLevel {
	if highRiskActions[rec.Action] {
		return models.RiskHigh
	}
	if mediumRiskActions[rec.Action] {
		return models.RiskMedium
	}
	if rec.PatientContextID != nil {
		return models.RiskMedium
	}
	return models.RiskLow
}

// detectSuspicious runs the three independent heuristics and returns the ones
// that fired. Each needs an identified actor.
func (l *RiskLog) detectSuspicious(ctx context.Context, rec Record, now time.Time) ([]string, error) {
	if rec.ActorID == nil {
		return nil, nil
	}
	var reasons []string

	var recent int64
	err := l.db.WithContext(ctx).Model(&models.AuditEntry{}).
		Where("actor_id = ? AND created_at > ?", *rec.ActorID, now.Add(-rapidFireWindow)).
		Count(&recent).Error
	if err != nil {
		return nil, err
	}
	if recent >= rapidFireThreshold {
		reasons = append(reasons, ReasonRapidFire)
	}

	if afterHoursActions[rec.Action] {
		hour := now.Local().Hour()
		if hour < workdayStartHour || hour >= workdayEndHour {
			reasons = append(reasons, ReasonAfterHours)
		}
	}

	if rec.IPAddress != "" {
		var knownIPs int64
		err = l.db.WithContext(ctx).Model(&models.AuditEntry{}).
			Where("actor_id = ? AND ip_address <> '' AND created_at > ?", *rec.ActorID, now.Add(-knownIPWindow)).
			Count(&knownIPs).Error
		if err != nil {
			return nil, err
		}
		// The heuristic only applies once the actor has an address history.
		if knownIPs > 0 {
			var sameIP int64
			err = l.db.WithContext(ctx).Model(&models.AuditEntry{}).
				Where("actor_id = ? AND ip_address = ? AND created_at > ?", *rec.ActorID, rec.IPAddress, now.Add(-knownIPWindow)).
				Count(&sameIP).Error
			if err != nil {
				return nil, err
			}
			if sameIP == 0 {
				reasons = append(reasons, ReasonNewIP)
			}
		}
	}
	return reasons, nil
}

// RecordStorageSwitch implements storage.AuditSink. Tier switches are system
// actions with the full metrics snapshot attached.
func (l *RiskLog) RecordStorageSwitch(ctx context.Context, from, to, trigger string, snapshot storage.MetricsSnapshot) {
	_, err := l.Log(ctx, Record{
		Action: models.AuditStorageSwitch,
		Details: map[string]interface{}{
			"from":     from,
			"to":       to,
			"trigger":  trigger,
			"snapshot": snapshot,
		},
	})
	if err != nil {
		observability.GlobalLogger.Error("failed to audit storage switch",
			slog.String("from", from),
			slog.String("to", to),
			slog.String("error", err.Error()),
		)
	}
}

// RecordIntegrityViolation implements storage.AuditSink. Content that fails
// its integrity check is treated as tampering.
func (l *RiskLog) RecordIntegrityViolation(ctx context.Context, messageID string) {
	_, err := l.Log(ctx, Record{
		Action:    models.AuditIntegrityMismatch,
		MessageID: &messageID,
	})
	if err != nil {
		observability.GlobalLogger.Error("failed to audit integrity violation",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
	}
}

// Report returns the flat compliance view of entries in [from, to), newest
// first.
func (l *RiskLog) Report(ctx context.Context, from, to time.Time, limit int) ([]models.AuditSummary, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var entries []models.AuditEntry
	err := l.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from, to).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	summaries := make([]models.AuditSummary, 0, len(entries))
	for _, entry := range entries {
		summaries = append(summaries, entry.Summary())
	}
	return summaries, nil
}

// MarkInvestigation transitions the follow-up status of a flagged entry. The
// only mutation entries ever receive.
func (l *RiskLog) MarkInvestigation(ctx context.Context, entryID string, status models.InvestigationStatus) error {
	return l.db.WithContext(ctx).Model(&models.AuditEntry{}).
		Where("id = ?", entryID).
		Update("investigation", status).Error
}

// PurgeExpired removes entries past their retention date. Returns the number
// removed.
func (l *RiskLog) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("retain_until < ?", now).
		Delete(&models.AuditEntry{})
	return result.RowsAffected, result.Error
}
