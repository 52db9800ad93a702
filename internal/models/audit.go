package models

import (
	"encoding/json"
	"time"
)

// AuditAction identifies the mutating action an audit entry records.
type AuditAction string

// Audit actions.
const (
	AuditMessageSent         AuditAction = "message_sent"
	AuditMessageEdited       AuditAction = "message_edited"
	AuditMessageDeleted      AuditAction = "message_deleted"
	AuditMessageRead         AuditAction = "message_read"
	AuditConversationCreated AuditAction = "conversation_created"
	AuditConversationDeleted AuditAction = "conversation_deleted"
	AuditParticipantAdded    AuditAction = "participant_added"
	AuditParticipantRemoved  AuditAction = "participant_removed"
	AuditAttachmentDownload  AuditAction = "attachment_downloaded"
	AuditMedicalDataAccessed AuditAction = "medical_data_accessed"
	AuditEmergencyAlert      AuditAction = "emergency_alert_sent"
	AuditUnauthorizedAccess  AuditAction = "unauthorized_access"
	AuditEncryptionFailure   AuditAction = "encryption_failure"
	AuditDecryptionFailure   AuditAction = "decryption_failure"
	AuditIntegrityMismatch   AuditAction = "integrity_mismatch"
	AuditStorageSwitch       AuditAction = "storage_strategy_switch"
)

// RiskLevel grades the severity of an audited action.
type RiskLevel string

// Risk levels, lowest to highest.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// InvestigationStatus tracks follow-up on a flagged entry.
type InvestigationStatus string

// Investigation statuses.
const (
	InvestigationNone     InvestigationStatus = "none"
	InvestigationPending  InvestigationStatus = "pending"
	InvestigationResolved InvestigationStatus = "resolved"
)

// AuditEntry is an append-only record of a mutating action. Entries are never
// mutated after creation except for investigation-status transitions.
type AuditEntry struct {
	ID               string              `gorm:"type:uuid;primaryKey" json:"id"`
	Action           AuditAction         `gorm:"type:varchar(48);not null;index" json:"action"`
	ActorID          *uint               `gorm:"index" json:"actor_id,omitempty"`
	ActorName        string              `gorm:"type:varchar(128)" json:"actor_name,omitempty"`
	ConversationID   *uint               `gorm:"index" json:"conversation_id,omitempty"`
	MessageID        *string             `gorm:"type:uuid" json:"message_id,omitempty"`
	AttachmentID     *string             `gorm:"type:varchar(64)" json:"attachment_id,omitempty"`
	PatientContextID *string             `gorm:"type:varchar(64);index" json:"patient_context_id,omitempty"`
	IPAddress        string              `gorm:"type:varchar(45)" json:"ip_address,omitempty"`
	UserAgent        string              `gorm:"type:varchar(256)" json:"user_agent,omitempty"`
	RiskLevel        RiskLevel           `gorm:"type:varchar(16);default:'low';index" json:"risk_level"`
	Suspicious       bool                `gorm:"default:false;index" json:"suspicious"`
	Investigation    InvestigationStatus `gorm:"type:varchar(16);default:'none'" json:"investigation"`
	Details          json.RawMessage     `gorm:"type:json" json:"details,omitempty"`
	CreatedAt        time.Time           `gorm:"index" json:"created_at"`
	RetainUntil      time.Time           `gorm:"index" json:"retain_until"`
}

// AuditSummary is the flat compliance-report view of an entry, the only audit
// surface consumed outside the core.
type AuditSummary struct {
	Action                string    `json:"action"`
	Actor                 string    `json:"actor"`
	Timestamp             time.Time `json:"timestamp"`
	RiskLevel             string    `json:"risk_level"`
	Suspicious            bool      `json:"suspicious"`
	PatientInvolved       bool      `json:"patient_involved"`
	InvestigationRequired bool      `json:"investigation_required"`
}

// Summary flattens the entry for compliance export. System actions (no actor)
// render as "System".
func (e *AuditEntry) Summary() AuditSummary {
	actor := e.ActorName
	if e.ActorID == nil {
		actor = "System"
	} else if actor == "" {
		actor = "Unknown"
	}
	return AuditSummary{
		Action:                string(e.Action),
		Actor:                 actor,
		Timestamp:             e.CreatedAt,
		RiskLevel:             string(e.RiskLevel),
		Suspicious:            e.Suspicious,
		PatientInvolved:       e.PatientContextID != nil,
		InvestigationRequired: e.Suspicious || e.RiskLevel == RiskHigh || e.RiskLevel == RiskCritical,
	}
}
