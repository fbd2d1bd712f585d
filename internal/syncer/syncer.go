// Package syncer drains the durable operation queue against the remote
// authority. Operations are submitted oldest first; a conflict parks the
// operation and blocks everything behind it for the same entity so
// updates never apply out of order.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/agrotour/offline/internal/api"
	"github.com/agrotour/offline/internal/db"
	"github.com/agrotour/offline/internal/errors"
	"github.com/agrotour/offline/internal/logging"
	"github.com/agrotour/offline/internal/models"
	"github.com/agrotour/offline/internal/queue"
	"github.com/agrotour/offline/internal/retry"
)

// Submitter sends one operation to the remote authority.
type Submitter interface {
	Submit(ctx context.Context, op *models.Operation) (*api.SubmitResult, error)
}

// Events carries optional drain lifecycle callbacks. Nil fields are
// skipped. Callbacks run on the drain goroutine and must not block.
type Events struct {
	OnStarted          func()
	OnCompleted        func(*DrainResult)
	OnFailed           func(error)
	OnConflictDetected func(*models.SyncConflict)
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`
	Applied   int           `json:"applied"`
	Conflicts int           `json:"conflicts"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
}

// Syncer drains the operation queue.
type Syncer struct {
	queue     *queue.Queue
	repo      *db.Repository
	client    Submitter
	retryOpts retry.Options
	events    Events

	mu        sync.Mutex
	draining  bool
	lastDrain *DrainResult
}

// New creates a Syncer. retryOpts governs per-operation submission
// retries; pass retry.DefaultOptions() for the standard policy.
func New(q *queue.Queue, repo *db.Repository, client Submitter, retryOpts retry.Options, events Events) *Syncer {
	return &Syncer{
		queue:     q,
		repo:      repo,
		client:    client,
		retryOpts: retryOpts,
		events:    events,
	}
}

// Draining reports whether a drain pass is in progress.
func (s *Syncer) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// LastDrain returns the result of the most recent completed drain, or
// nil if none has run.
func (s *Syncer) LastDrain() *DrainResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDrain
}

// Drain submits all pending operations in FIFO order. At most one drain
// runs at a time; a second caller gets an error immediately.
//
// Per entity the pass is strictly ordered: once an operation for an
// entity conflicts or fails, every later operation for that entity is
// skipped until the blockage is resolved. Other entities keep draining.
func (s *Syncer) Drain(ctx context.Context) (*DrainResult, error) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, errors.New(errors.ErrSyncFailed, "drain already in progress")
	}
	s.draining = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()

	if s.events.OnStarted != nil {
		s.events.OnStarted()
	}

	result := &DrainResult{StartTime: time.Now()}
	err := s.drain(ctx, result)
	result.Duration = time.Since(result.StartTime)

	s.mu.Lock()
	s.lastDrain = result
	s.mu.Unlock()

	if err != nil {
		logging.ErrorWithCode("drain aborted", string(errors.ErrSyncFailed), err, map[string]interface{}{
			"applied":   result.Applied,
			"conflicts": result.Conflicts,
			"failed":    result.Failed,
		})
		if s.events.OnFailed != nil {
			s.events.OnFailed(err)
		}
		return result, err
	}

	logging.Info("drain completed", map[string]interface{}{
		"applied":   result.Applied,
		"conflicts": result.Conflicts,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
		"duration":  result.Duration.String(),
	})
	if s.events.OnCompleted != nil {
		s.events.OnCompleted(result)
	}
	return result, nil
}

func (s *Syncer) drain(ctx context.Context, result *DrainResult) error {
	ops, err := s.queue.Active()
	if err != nil {
		return err
	}

	// Entities blocked by an earlier conflict or failure this pass.
	blocked := make(map[string]bool)

	for _, op := range ops {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		key := op.EntityKey()

		switch op.Status {
		case models.StatusConflict, models.StatusFailed:
			// Unresolved blockage from a previous pass keeps the
			// entity's later operations parked.
			blocked[key] = true
			continue
		case models.StatusPending:
		default:
			continue
		}

		if blocked[key] {
			result.Skipped++
			continue
		}

		if err := s.submitOne(ctx, op, result, blocked); err != nil {
			return err
		}
	}
	return nil
}

// submitOne pushes a single operation through retry and applies the
// outcome to the queue. Only context cancellation aborts the pass.
func (s *Syncer) submitOne(ctx context.Context, op *models.Operation, result *DrainResult, blocked map[string]bool) error {
	id := string(op.ID)
	key := op.EntityKey()

	if err := s.queue.MarkStatus(id, models.StatusSyncing, ""); err != nil {
		return err
	}

	var submitRes *api.SubmitResult
	opts := s.retryOpts
	opts.OnRetry = func(attempt int, err error) {
		if rerr := s.queue.IncrementRetry(id); rerr != nil {
			logging.Error("failed to record retry", rerr, map[string]interface{}{
				"operation_id": id,
			})
		}
	}

	submitErr := retry.Do(ctx, opts, func(ctx context.Context) error {
		res, err := s.client.Submit(ctx, op)
		if err != nil {
			return err
		}
		submitRes = res
		return nil
	})

	if submitErr != nil {
		if ctx.Err() != nil {
			// Shutdown mid-submit. Put the operation back so the next
			// drain retries it; the content hash keeps this safe.
			if rerr := s.queue.Release(id); rerr != nil {
				logging.Error("failed to release in-flight operation", rerr, map[string]interface{}{
					"operation_id": id,
				})
			}
			return ctx.Err()
		}
		// Retries exhausted or a non-retryable transport problem.
		msg := submitErr.Error()
		if errors.Retryable(submitErr) {
			msg = errors.Wrap(errors.ErrRetryExhausted, "submission retries exhausted", submitErr).Error()
		}
		if err := s.queue.MarkStatus(id, models.StatusFailed, msg); err != nil {
			return err
		}
		blocked[key] = true
		result.Failed++
		return nil
	}

	switch submitRes.Outcome {
	case api.OutcomeApplied:
		if err := s.queue.MarkStatus(id, models.StatusApplied, ""); err != nil {
			return err
		}
		if err := s.queue.Discard(id); err != nil {
			return err
		}
		result.Applied++

	case api.OutcomeConflict:
		conflict := &models.SyncConflict{
			OperationID:   op.ID,
			EntityType:    op.EntityType,
			EntityID:      op.EntityID,
			ConflictType:  submitRes.Conflict.Type,
			LocalVersion:  op.Payload,
			RemoteVersion: submitRes.Conflict.RemoteVersion,
			Details:       submitRes.Conflict.Details,
		}
		if err := s.repo.UpsertConflict(conflict); err != nil {
			return err
		}
		if err := s.queue.MarkStatus(id, models.StatusConflict, conflict.Details); err != nil {
			return err
		}
		blocked[key] = true
		result.Conflicts++

		logging.Warn("sync conflict detected", map[string]interface{}{
			"operation_id":  id,
			"entity":        key,
			"conflict_type": string(conflict.ConflictType),
		})
		if s.events.OnConflictDetected != nil {
			s.events.OnConflictDetected(conflict)
		}

	case api.OutcomeRejected:
		if err := s.queue.MarkStatus(id, models.StatusFailed, submitRes.Message); err != nil {
			return err
		}
		blocked[key] = true
		result.Failed++

		logging.Warn("operation rejected by server", map[string]interface{}{
			"operation_id": id,
			"entity":       key,
			"message":      submitRes.Message,
		})
	}
	return nil
}
