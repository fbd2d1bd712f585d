// Package queue provides the durable operation queue for offline writes.
// Every mutation made while offline lands here first; the syncer drains
// the queue in FIFO order once connectivity returns.
package queue

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/agrotour/offline/internal/db"
	"github.com/agrotour/offline/internal/errors"
	"github.com/agrotour/offline/internal/logging"
	"github.com/agrotour/offline/internal/models"
)

// Stats summarizes queue occupancy by status.
type Stats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Syncing  int `json:"syncing"`
	Conflict int `json:"conflict"`
	Failed   int `json:"failed"`
}

// Queue is the durable operation queue. All writes go through the
// repository so a crash never loses an accepted operation. The mutex
// serializes enqueue/status transitions; reads go straight to SQLite.
type Queue struct {
	repo    *db.Repository
	maxSize int
	mu      sync.Mutex
}

// New creates a Queue backed by the given repository. maxSize caps the
// number of not-yet-applied operations; 0 means unbounded.
func New(repo *db.Repository, maxSize int) *Queue {
	return &Queue{repo: repo, maxSize: maxSize}
}

// Enqueue validates and persists a new operation. The operation starts
// as pending and is assigned an ID, timestamps and a content hash. The
// hash lets the server deduplicate a re-submitted operation after a
// crash mid-drain.
func (q *Queue) Enqueue(entityType, entityID string, kind models.OperationKind, payload json.RawMessage) (*models.Operation, error) {
	if err := models.ValidatePayload(entityType, kind, payload); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "operation rejected", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 {
		active, err := q.activeCountLocked()
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to check queue capacity", err)
		}
		if active >= q.maxSize {
			return nil, errors.New(errors.ErrQueueFull,
				fmt.Sprintf("operation queue is full (max size: %d)", q.maxSize))
		}
	}

	op := &models.Operation{
		EntityType:  entityType,
		EntityID:    entityID,
		Kind:        kind,
		Payload:     payload,
		ContentHash: ContentHash(entityType, entityID, kind, payload),
	}

	if err := q.repo.CreateOperation(op); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to persist operation", err)
	}

	logging.Info("operation enqueued", map[string]interface{}{
		"operation_id": string(op.ID),
		"entity":       op.EntityKey(),
		"kind":         string(op.Kind),
	})

	return op, nil
}

// Get returns the operation with the given ID.
func (q *Queue) Get(id string) (*models.Operation, error) {
	op, err := q.repo.GetOperation(id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("operation %s not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to load operation", err)
	}
	return op, nil
}

// Pending returns all pending operations in insertion order.
func (q *Queue) Pending() ([]*models.Operation, error) {
	ops, err := q.repo.ListOperationsByStatus(models.StatusPending)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list pending operations", err)
	}
	return ops, nil
}

// Active returns every non-terminal operation in insertion order. This
// is what the syncer walks during a drain and what the UI shows as
// "waiting to sync".
func (q *Queue) Active() ([]*models.Operation, error) {
	ops, err := q.repo.ListActiveOperations()
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list active operations", err)
	}
	return ops, nil
}

// MarkStatus transitions an operation to a new status. Illegal
// transitions (anything backward except conflict to pending) are
// rejected. Re-applying the current status is a no-op refresh.
func (q *Queue) MarkStatus(id string, status models.OperationStatus, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.repo.GetOperation(id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("operation %s not found", id))
	}
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to load operation", err)
	}

	if op.Status != status && !op.Status.CanTransition(status) {
		return errors.New(errors.ErrInvalid,
			fmt.Sprintf("illegal status transition %s -> %s for operation %s", op.Status, status, id))
	}

	if err := q.repo.UpdateOperationStatus(id, status, lastError); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to update operation status", err)
	}
	return nil
}

// Requeue resets a conflicted operation back to pending, optionally
// replacing its payload. Used when a conflict is resolved in favor of
// the local version: the operation re-enters the drain with force set.
func (q *Queue) Requeue(id string, payload json.RawMessage, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.repo.GetOperation(id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("operation %s not found", id))
	}
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to load operation", err)
	}

	if op.Status != models.StatusConflict {
		return errors.New(errors.ErrInvalid,
			fmt.Sprintf("operation %s is %s, only conflicted operations can be requeued", id, op.Status))
	}

	if payload == nil {
		payload = op.Payload
	}
	hash := ContentHash(op.EntityType, op.EntityID, op.Kind, payload)

	if err := q.repo.RequeueOperation(id, payload, hash, force); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to requeue operation", err)
	}

	logging.Info("operation requeued", map[string]interface{}{
		"operation_id": id,
		"entity":       op.EntityKey(),
		"force":        force,
	})
	return nil
}

// Release puts an in-flight operation back to pending after an aborted
// submission. This is the one legal backward move besides conflict
// resolution: the outcome of the submission is unknown, so the next
// drain must try again and the content hash keeps that idempotent.
func (q *Queue) Release(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.repo.ReleaseOperation(id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("operation %s is not in flight", id))
	}
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to release operation", err)
	}
	return nil
}

// IncrementRetry records a transient failure attempt.
func (q *Queue) IncrementRetry(id string) error {
	if err := q.repo.IncrementOperationRetry(id); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to increment retry count", err)
	}
	return nil
}

// Discard removes an operation. Applied operations are discarded by the
// syncer after a successful drain; failed ones by an explicit user action.
func (q *Queue) Discard(id string) error {
	err := q.repo.DeleteOperation(id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("operation %s not found", id))
	}
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to discard operation", err)
	}
	return nil
}

// Recover resets operations left syncing by a previous process back to
// pending. Called once at startup before the first drain.
func (q *Queue) Recover() (int, error) {
	n, err := q.repo.RequeueSyncing()
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to recover in-flight operations", err)
	}
	if n > 0 {
		logging.Warn("recovered in-flight operations from previous run", map[string]interface{}{
			"count": n,
		})
	}
	return n, nil
}

// Stats returns queue occupancy by status. Applied operations are
// deleted on drain so they never appear here.
func (q *Queue) Stats() (Stats, error) {
	var s Stats
	counts := []struct {
		status models.OperationStatus
		dst    *int
	}{
		{models.StatusPending, &s.Pending},
		{models.StatusSyncing, &s.Syncing},
		{models.StatusConflict, &s.Conflict},
		{models.StatusFailed, &s.Failed},
	}
	for _, c := range counts {
		n, err := q.repo.CountOperationsByStatus(c.status)
		if err != nil {
			return Stats{}, errors.Wrap(errors.ErrDatabase, "failed to count operations", err)
		}
		*c.dst = n
	}
	s.Total = s.Pending + s.Syncing + s.Conflict + s.Failed
	return s, nil
}

func (q *Queue) activeCountLocked() (int, error) {
	var total int
	for _, status := range []models.OperationStatus{
		models.StatusPending, models.StatusSyncing, models.StatusConflict, models.StatusFailed,
	} {
		n, err := q.repo.CountOperationsByStatus(status)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ContentHash derives a stable identity for an operation's content.
// Submitting the same content twice yields the same hash, which the
// server uses to deduplicate retries after a crash.
func ContentHash(entityType, entityID string, kind models.OperationKind, payload json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(entityType))
	h.Write([]byte{0})
	h.Write([]byte(entityID))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
