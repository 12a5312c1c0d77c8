package model

import "time"

type AuditStatus string

const (
	AuditReceived   AuditStatus = "received"
	AuditProcessing AuditStatus = "processing"
	AuditCompleted  AuditStatus = "completed"
	AuditError      AuditStatus = "error"
)

// AuditRetention is how long compliance audit rows are kept.
const AuditRetention = 30 * 24 * time.Hour

func (s AuditStatus) String() string {
	return string(s)
}

func (s AuditStatus) Terminal() bool {
	return s == AuditCompleted || s == AuditError
}

// ComplianceAuditRecord is persisted in compliance_audit and read by compliance reporting.
type ComplianceAuditRecord struct {
	ID          int64       `db:"id"          json:"id"`
	JobID       *string     `db:"job_id"      json:"job_id,omitempty"` // one record per event across retries
	TenantID    string      `db:"tenant_id"   json:"tenant_id"`
	Topic       Topic       `db:"topic"       json:"topic"`
	SubjectID   *string     `db:"subject_id"  json:"subject_id,omitempty"`
	Payload     []byte      `db:"payload"     json:"-"`
	Status      AuditStatus `db:"status"      json:"status"`
	Response    []byte      `db:"response"    json:"response,omitempty"`
	ReceivedAt  time.Time   `db:"received_at" json:"received_at"`
	CompletedAt *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
	ExpiresAt   time.Time   `db:"expires_at"  json:"expires_at"`
	Notes       *string     `db:"notes"       json:"notes,omitempty"`
}
