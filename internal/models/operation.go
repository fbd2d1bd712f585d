// Package models provides data model definitions for the AgroTour offline core.
package models

import (
	"encoding/json"
	"time"
)

// OperationKind describes the mutation an operation carries.
type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

// OperationStatus tracks an operation through the sync lifecycle.
type OperationStatus string

const (
	StatusPending  OperationStatus = "pending"
	StatusSyncing  OperationStatus = "syncing"
	StatusConflict OperationStatus = "conflict"
	StatusFailed   OperationStatus = "failed"
	StatusApplied  OperationStatus = "applied"
)

// statusRank orders statuses along the forward lifecycle.
// pending < syncing < (conflict | failed | applied).
var statusRank = map[OperationStatus]int{
	StatusPending:  0,
	StatusSyncing:  1,
	StatusConflict: 2,
	StatusFailed:   2,
	StatusApplied:  2,
}

// CanTransition reports whether a status change is legal.
// Statuses never move backward, with one exception: conflict -> pending
// after a manual resolution re-queues the operation.
func (s OperationStatus) CanTransition(to OperationStatus) bool {
	if s == to {
		return true
	}
	if s == StatusConflict && to == StatusPending {
		return true
	}
	return statusRank[to] > statusRank[s]
}

// Terminal reports whether the status ends the operation's lifecycle.
// A failed operation is retained for user inspection; an applied one
// is removed from the queue.
func (s OperationStatus) Terminal() bool {
	return s == StatusApplied || s == StatusFailed
}

// Operation is a pending local mutation awaiting acknowledgement
// by the remote authority. The durable queue is the source of truth
// for these; they are never dropped without a terminal status.
type Operation struct {
	ID          UUID            `db:"id" json:"id"`
	EntityType  string          `db:"entity_type" json:"entity_type"`
	EntityID    string          `db:"entity_id" json:"entity_id"` // empty for creates
	Kind        OperationKind   `db:"kind" json:"kind"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	ContentHash string          `db:"content_hash" json:"content_hash"`
	Force       bool            `db:"force" json:"force,omitempty"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	Status      OperationStatus `db:"status" json:"status"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	UpdatedAt   int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Operation.
func (Operation) TableName() string {
	return "operations"
}

// EntityKey identifies the entity the operation mutates. Operations
// sharing a key are applied strictly in creation order.
func (o *Operation) EntityKey() string {
	return o.EntityType + "/" + o.EntityID
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (o *Operation) CreatedAtTime() time.Time {
	return time.Unix(o.CreatedAt, 0)
}
