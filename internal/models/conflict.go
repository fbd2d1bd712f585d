// Package models provides data model definitions for the AgroTour offline core.
package models

import (
	"encoding/json"
	"time"
)

// ConflictType classifies why the remote authority rejected an operation.
type ConflictType string

const (
	ConflictConcurrentModification ConflictType = "concurrent-modification"
	ConflictBusinessRuleViolation  ConflictType = "business-rule-violation"
	ConflictDataInconsistency      ConflictType = "data-inconsistency"
)

// Resolution is the human choice applied to an open conflict.
type Resolution string

const (
	ResolutionLocal  Resolution = "LOCAL"  // re-submit local payload, overwriting remote
	ResolutionRemote Resolution = "REMOTE" // discard local operation, accept remote state
)

// SyncConflict records an inconsistency detected during a drain.
// At most one open conflict exists per (entity_type, entity_id);
// a newer conflict for the same key replaces the old one.
type SyncConflict struct {
	ID            UUID            `db:"id" json:"id"`
	OperationID   UUID            `db:"operation_id" json:"operation_id"`
	EntityType    string          `db:"entity_type" json:"entity_type"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	ConflictType  ConflictType    `db:"conflict_type" json:"conflict_type"`
	LocalVersion  json.RawMessage `db:"local_version" json:"local_version"`
	RemoteVersion json.RawMessage `db:"remote_version" json:"remote_version"`
	Details       string          `db:"details" json:"details,omitempty"`
	DetectedAt    int64           `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for SyncConflict.
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}

// EntityKey identifies the entity the conflict blocks.
func (c *SyncConflict) EntityKey() string {
	return c.EntityType + "/" + c.EntityID
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *SyncConflict) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
