package syncer

import (
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/agrotour/offline/internal/db"
	"github.com/agrotour/offline/internal/errors"
	"github.com/agrotour/offline/internal/logging"
	"github.com/agrotour/offline/internal/models"
	"github.com/agrotour/offline/internal/queue"
)

// Resolver applies user decisions to open conflicts. A conflict stays
// open until a resolution fully succeeds; partial failures leave it in
// place so the user can try again.
type Resolver struct {
	queue *queue.Queue
	repo  *db.Repository
}

// NewResolver creates a Resolver over the shared queue and repository.
func NewResolver(q *queue.Queue, repo *db.Repository) *Resolver {
	return &Resolver{queue: q, repo: repo}
}

// Conflicts returns all open conflicts, most recent first.
func (r *Resolver) Conflicts() ([]*models.SyncConflict, error) {
	conflicts, err := r.repo.ListConflicts()
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list conflicts", err)
	}
	return conflicts, nil
}

// Resolve settles one conflict.
//
// LOCAL keeps the user's version: the parked operation re-enters the
// queue as pending with the force flag set, so the next drain overwrites
// the remote copy.
//
// REMOTE accepts the server's version: the parked operation is dropped
// and the local write is abandoned.
//
// The conflict row is deleted last. If any earlier step fails the
// conflict remains open.
func (r *Resolver) Resolve(conflictID string, resolution models.Resolution) error {
	conflict, err := r.repo.GetConflict(conflictID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("conflict %s not found", conflictID))
	}
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to load conflict", err)
	}

	opID := string(conflict.OperationID)

	switch resolution {
	case models.ResolutionLocal:
		if err := r.queue.Requeue(opID, nil, true); err != nil {
			return errors.Wrap(errors.ErrConflict, "failed to requeue local version", err)
		}

	case models.ResolutionRemote:
		if err := r.queue.Discard(opID); err != nil {
			return errors.Wrap(errors.ErrConflict, "failed to discard operation", err)
		}

	default:
		return errors.New(errors.ErrInvalid, fmt.Sprintf("unknown resolution %q", resolution))
	}

	if err := r.repo.DeleteConflict(conflictID); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to close conflict", err)
	}

	logging.Info("conflict resolved", map[string]interface{}{
		"conflict_id": conflictID,
		"entity":      conflict.EntityKey(),
		"resolution":  string(resolution),
	})
	return nil
}
