// Package db provides CRUD repository operations for the sync data models.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/agrotour/offline/internal/models"
	"github.com/agrotour/offline/internal/uuid"
)

// Repository provides persistence for operations and conflicts.
// Prepared statements are cached to avoid repeated SQL parsing on the
// hot enqueue/dequeue path.
type Repository struct {
	db *sql.DB

	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Operation Queue Persistence
// =====================================================

const operationColumns = `id, entity_type, entity_id, kind, payload, content_hash,
	force_flag, retry_count, status, last_error, created_at, updated_at`

// CreateOperation appends an operation to the durable queue.
// ID and timestamps are assigned here; the status starts as pending.
func (r *Repository) CreateOperation(op *models.Operation) error {
	if op.ID == "" {
		op.ID = models.UUID(uuid.New())
	}
	now := time.Now().Unix()
	op.CreatedAt = now
	op.UpdatedAt = now
	op.Status = models.StatusPending

	query := `
	INSERT INTO operations (id, entity_type, entity_id, kind, payload, content_hash,
		force_flag, retry_count, status, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, op.ID, op.EntityType, op.EntityID, op.Kind,
		string(op.Payload), op.ContentHash, op.Force, op.RetryCount,
		op.Status, op.LastError, op.CreatedAt, op.UpdatedAt)
	return err
}

// GetOperation retrieves an operation by ID.
func (r *Repository) GetOperation(id string) (*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanOperation(stmt.QueryRow(id))
}

// ListOperationsByStatus returns operations with the given status in
// insertion order.
func (r *Repository) ListOperationsByStatus(status models.OperationStatus) ([]*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE status = ? ORDER BY seq ASC`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOperations(rows)
}

// ListActiveOperations returns every non-terminal operation in insertion
// order. This is the drain working set and the user's pending view:
// pending, syncing, conflict and failed entries, oldest first. Failed
// entries stay listed until discarded or requeued.
func (r *Repository) ListActiveOperations() ([]*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations
	WHERE status IN ('pending', 'syncing', 'conflict', 'failed') ORDER BY seq ASC`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOperations(rows)
}

// UpdateOperationStatus sets the status and last error of an operation.
// Idempotent: re-applying the current status only refreshes updated_at.
func (r *Repository) UpdateOperationStatus(id string, status models.OperationStatus, lastError string) error {
	query := `UPDATE operations SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`
	result, err := r.db.Exec(query, status, lastError, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IncrementOperationRetry bumps the retry counter after a transient failure.
func (r *Repository) IncrementOperationRetry(id string) error {
	query := `UPDATE operations SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`
	_, err := r.db.Exec(query, time.Now().Unix(), id)
	return err
}

// DeleteOperation removes an operation from the queue. Callers only do
// this for applied operations or user-discarded failed ones.
func (r *Repository) DeleteOperation(id string) error {
	result, err := r.db.Exec(`DELETE FROM operations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountOperationsByStatus returns the number of operations with a status.
func (r *Repository) CountOperationsByStatus(status models.OperationStatus) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM operations WHERE status = ?`, status).Scan(&count)
	return count, err
}

// RequeueOperation resets a conflicted or failed operation back to
// pending with a fresh payload, content hash and force flag. The retry
// counter starts over.
func (r *Repository) RequeueOperation(id string, payload []byte, contentHash string, force bool) error {
	query := `UPDATE operations SET status = 'pending', payload = ?, content_hash = ?,
		force_flag = ?, retry_count = 0, last_error = '', updated_at = ? WHERE id = ?`
	result, err := r.db.Exec(query, string(payload), contentHash, force, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RequeueSyncing resets in-flight operations back to pending. Called once
// at startup: an operation left syncing means the process died mid-drain,
// and the submission outcome is unknown. The content hash makes the
// re-submission idempotent on the server side.
func (r *Repository) RequeueSyncing() (int, error) {
	result, err := r.db.Exec(
		`UPDATE operations SET status = 'pending', updated_at = ? WHERE status = 'syncing'`,
		time.Now().Unix())
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// ReleaseOperation puts a single in-flight operation back to pending.
// Used when a drain is cancelled mid-submission so the next pass picks
// the operation up again. Returns sql.ErrNoRows if the operation does
// not exist or is not syncing.
func (r *Repository) ReleaseOperation(id string) error {
	result, err := r.db.Exec(
		`UPDATE operations SET status = 'pending', updated_at = ? WHERE id = ? AND status = 'syncing'`,
		time.Now().Unix(), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// scanOperation scans a single operation row.
func scanOperation(row *sql.Row) (*models.Operation, error) {
	var op models.Operation
	var payload sql.NullString
	err := row.Scan(&op.ID, &op.EntityType, &op.EntityID, &op.Kind, &payload,
		&op.ContentHash, &op.Force, &op.RetryCount, &op.Status, &op.LastError,
		&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		op.Payload = []byte(payload.String)
	}
	return &op, nil
}

// collectOperations scans all operation rows.
func collectOperations(rows *sql.Rows) ([]*models.Operation, error) {
	var ops []*models.Operation
	for rows.Next() {
		var op models.Operation
		var payload sql.NullString
		err := rows.Scan(&op.ID, &op.EntityType, &op.EntityID, &op.Kind, &payload,
			&op.ContentHash, &op.Force, &op.RetryCount, &op.Status, &op.LastError,
			&op.CreatedAt, &op.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if payload.Valid {
			op.Payload = []byte(payload.String)
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// =====================================================
// SyncConflict Persistence
// =====================================================

const conflictColumns = `id, operation_id, entity_type, entity_id, conflict_type,
	local_version, remote_version, details, detected_at`

// UpsertConflict records a conflict. The UNIQUE(entity_type, entity_id)
// constraint plus INSERT OR REPLACE guarantees at most one open conflict
// per entity: a newer conflict replaces the older one.
func (r *Repository) UpsertConflict(c *models.SyncConflict) error {
	if c.ID == "" {
		c.ID = models.UUID(uuid.New())
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = time.Now().Unix()
	}

	query := `
	INSERT OR REPLACE INTO sync_conflicts (id, operation_id, entity_type, entity_id,
		conflict_type, local_version, remote_version, details, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, c.ID, c.OperationID, c.EntityType, c.EntityID,
		c.ConflictType, string(c.LocalVersion), string(c.RemoteVersion),
		c.Details, c.DetectedAt)
	return err
}

// GetConflict retrieves a conflict by ID.
func (r *Repository) GetConflict(id string) (*models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE id = ?`
	return scanConflict(r.db.QueryRow(query, id))
}

// GetConflictByEntity retrieves the open conflict for an entity, if any.
func (r *Repository) GetConflictByEntity(entityType, entityID string) (*models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE entity_type = ? AND entity_id = ?`
	return scanConflict(r.db.QueryRow(query, entityType, entityID))
}

// ListConflicts returns all open conflicts, most recent first.
func (r *Repository) ListConflicts() ([]*models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts ORDER BY detected_at DESC`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*models.SyncConflict
	for rows.Next() {
		var c models.SyncConflict
		var local, remote sql.NullString
		err := rows.Scan(&c.ID, &c.OperationID, &c.EntityType, &c.EntityID,
			&c.ConflictType, &local, &remote, &c.Details, &c.DetectedAt)
		if err != nil {
			return nil, err
		}
		if local.Valid {
			c.LocalVersion = []byte(local.String)
		}
		if remote.Valid {
			c.RemoteVersion = []byte(remote.String)
		}
		conflicts = append(conflicts, &c)
	}
	return conflicts, rows.Err()
}

// DeleteConflict removes a resolved conflict.
func (r *Repository) DeleteConflict(id string) error {
	result, err := r.db.Exec(`DELETE FROM sync_conflicts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// scanConflict scans a single conflict row.
func scanConflict(row *sql.Row) (*models.SyncConflict, error) {
	var c models.SyncConflict
	var local, remote sql.NullString
	err := row.Scan(&c.ID, &c.OperationID, &c.EntityType, &c.EntityID,
		&c.ConflictType, &local, &remote, &c.Details, &c.DetectedAt)
	if err != nil {
		return nil, err
	}
	if local.Valid {
		c.LocalVersion = []byte(local.String)
	}
	if remote.Valid {
		c.RemoteVersion = []byte(remote.String)
	}
	return &c, nil
}
