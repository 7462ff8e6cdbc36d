package model

import "time"

// AuditEventType identifies the type of auditable event.
type AuditEventType string

const (
	EventSnapshotCreate   AuditEventType = "snapshot_create"
	EventSnapshotRestore  AuditEventType = "snapshot_restore"
	EventSnapshotDelete   AuditEventType = "snapshot_delete"
	EventBackupCreate     AuditEventType = "backup_create"
	EventBackupRestore    AuditEventType = "backup_restore"
	EventBackupDelete     AuditEventType = "backup_delete"
	EventPointCreate      AuditEventType = "point_create"
	EventPointDelete      AuditEventType = "point_delete"
	EventRollbackStart    AuditEventType = "rollback_start"
	EventRollbackComplete AuditEventType = "rollback_complete"
	EventRollbackFail     AuditEventType = "rollback_fail"
	EventRollbackCancel   AuditEventType = "rollback_cancel"
	EventRetentionRun     AuditEventType = "retention_run"
)

// AuditRecord is a single line in the audit log (JSONL format).
type AuditRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  AuditEventType `json:"event_type"`
	Subject    string         `json:"subject,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   HashValue      `json:"prev_hash"`
	RecordHash HashValue      `json:"record_hash"`
}
