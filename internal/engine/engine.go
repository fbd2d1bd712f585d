// Package engine assembles the sync core: durable queue, read cache,
// request router, connectivity monitor, drainer and control channel.
// The UI talks to an Engine and nothing else.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/agrotour/offline/internal/api"
	"github.com/agrotour/offline/internal/cache"
	"github.com/agrotour/offline/internal/config"
	"github.com/agrotour/offline/internal/connectivity"
	"github.com/agrotour/offline/internal/control"
	"github.com/agrotour/offline/internal/db"
	"github.com/agrotour/offline/internal/errors"
	"github.com/agrotour/offline/internal/logging"
	"github.com/agrotour/offline/internal/models"
	"github.com/agrotour/offline/internal/queue"
	"github.com/agrotour/offline/internal/retry"
	"github.com/agrotour/offline/internal/router"
	"github.com/agrotour/offline/internal/syncer"
	"github.com/agrotour/offline/internal/telemetry"
)

// Engine is the assembled sync core.
type Engine struct {
	cfg *config.Config

	database *db.DB
	repo     *db.Repository
	queue    *queue.Queue
	store    *cache.Store
	client   *api.Client
	router   *router.Router
	monitor  *connectivity.Monitor
	syncer   *syncer.Syncer
	resolver *syncer.Resolver
	hub      *control.Hub
	metrics  *telemetry.Collector

	// ctx bounds background work spawned outside Start, such as the
	// post-enqueue drain. Cancelled by Shutdown before wg.Wait.
	ctx    context.Context
	cancel context.CancelFunc

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// New builds the engine: opens the databases, applies migrations and
// recovers operations left in flight by a previous run. Nothing runs in
// the background until Start.
func New(cfg *config.Config) (*Engine, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		database.Close()
		return nil, errors.Wrap(errors.ErrMigration, "failed to initialize migrations", err)
	}
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, errors.Wrap(errors.ErrMigration, "failed to apply migrations", err)
	}

	store, err := cache.Open(filepath.Join(cfg.DataDir, "cache.db"), cfg.CacheGeneration)
	if err != nil {
		database.Close()
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		database: database,
		repo:     db.NewRepository(database.DB),
		store:    store,
		client:   api.NewClient(cfg.ServerURL),
		metrics:  telemetry.Default(),
		stopCh:   make(chan struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.queue = queue.New(e.repo, cfg.QueueMaxSize)
	e.router = router.New(store, nil, cfg.CacheTTL)
	e.router.SetMetrics(e.metrics)
	e.resolver = syncer.NewResolver(e.queue, e.repo)
	e.hub = control.NewHub(e)

	e.monitor = connectivity.NewMonitor(
		connectivity.HTTPProbe(&http.Client{Timeout: 5 * time.Second}, cfg.ServerURL+"/sync/health"),
		connectivity.Config{Interval: cfg.ProbeInterval},
	)

	retryOpts := retry.Options{
		MaxAttempts: cfg.MaxRetries,
		Backoff:     cfg.RetryBackoff,
		MaxBackoff:  time.Minute,
	}
	e.syncer = syncer.New(e.queue, e.repo, e.client, retryOpts, syncer.Events{
		OnStarted: e.hub.BroadcastSyncStarted,
		OnCompleted: func(r *syncer.DrainResult) {
			e.metrics.OperationsSynced(r.Applied, r.Failed)
			e.metrics.DrainCompleted(r.Duration)
			e.hub.BroadcastSyncCompleted(r.Applied, r.Conflicts, r.Failed, r.Duration)
		},
		OnFailed: func(err error) {
			e.metrics.DrainFailed()
			e.hub.BroadcastSyncFailed(string(errors.ErrSyncFailed), errors.Retryable(err))
		},
		OnConflictDetected: func(c *models.SyncConflict) {
			e.metrics.ConflictDetected()
			e.hub.BroadcastConflictDetected(c)
		},
	})

	if recovered, err := e.queue.Recover(); err != nil {
		e.Close()
		return nil, err
	} else if recovered > 0 {
		logging.Info("recovered interrupted operations", map[string]interface{}{
			"count": recovered,
		})
	}

	return e, nil
}

// Start launches the connectivity monitor, the reconnect trigger and
// the periodic drain loop, then warms the asset cache.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.monitor.Start(ctx)

	transitions, unsubscribe := e.monitor.Subscribe()
	e.wg.Add(2)
	go e.reconnectLoop(ctx, transitions, unsubscribe)
	go e.drainLoop(ctx)

	if len(e.cfg.PrecacheAssets) > 0 {
		if _, err := e.router.Precache(ctx, e.cfg.ServerURL, e.cfg.PrecacheAssets); err != nil {
			logging.Warn("asset precache incomplete", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	logging.Info("sync engine started", map[string]interface{}{
		"server":        e.cfg.ServerURL,
		"sync_interval": e.cfg.SyncInterval.String(),
	})
}

// Shutdown stops the background loops and closes all stores.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		e.cancel()
		e.wg.Wait()
		e.Close()
		return
	}
	e.started = false
	e.mu.Unlock()

	e.cancel()
	close(e.stopCh)
	e.monitor.Stop()
	e.wg.Wait()
	e.hub.Stop()
	e.Close()

	logging.Info("sync engine stopped", nil)
}

// Close releases the databases without touching background loops.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.repo != nil {
		e.repo.Close()
	}
	if e.database != nil {
		e.database.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
}

// reconnectLoop drains once per offline-to-online transition.
func (e *Engine) reconnectLoop(ctx context.Context, transitions <-chan connectivity.State, unsubscribe func()) {
	defer e.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case state, ok := <-transitions:
			if !ok {
				return
			}
			e.hub.BroadcastConnectivityChanged(state == connectivity.StateOnline)
			if state == connectivity.StateOffline {
				e.metrics.OfflineTransition()
				continue
			}
			logging.Info("connectivity restored, draining queue", nil)
			if _, err := e.syncer.Drain(ctx); err != nil && !errors.Is(err, errors.ErrSyncFailed) {
				logging.Error("reconnect drain failed", err, nil)
			}
		}
	}
}

// drainLoop periodically drains while online.
func (e *Engine) drainLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if !e.monitor.IsOnline() {
				continue
			}
			if _, err := e.syncer.Drain(ctx); err != nil && !errors.Is(err, errors.ErrSyncFailed) {
				logging.Error("periodic drain failed", err, nil)
			}
		}
	}
}

// =====================================================
// UI Surface
// =====================================================

// Enqueue records a local mutation for eventual synchronization. When
// online, a drain is kicked off immediately in the background.
func (e *Engine) Enqueue(entityType, entityID string, kind models.OperationKind, payload json.RawMessage) (*models.Operation, error) {
	op, err := e.queue.Enqueue(entityType, entityID, kind, payload)
	if err != nil {
		return nil, err
	}
	e.metrics.OperationEnqueued()

	if e.monitor.IsOnline() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if _, err := e.syncer.Drain(e.ctx); err != nil && !errors.Is(err, errors.ErrSyncFailed) {
				logging.Error("post-enqueue drain failed", err, nil)
			}
		}()
	}
	return op, nil
}

// PendingOperations lists every operation still waiting to reach the
// server, oldest first.
func (e *Engine) PendingOperations() ([]*models.Operation, error) {
	return e.queue.Active()
}

// QueueStats reports queue occupancy by status.
func (e *Engine) QueueStats() (queue.Stats, error) {
	return e.queue.Stats()
}

// IsOnline reports the last observed connectivity state.
func (e *Engine) IsOnline() bool {
	return e.monitor.IsOnline()
}

// Subscribe delivers connectivity transitions to the caller. The
// returned function cancels the subscription. Sync lifecycle events
// travel over the control channel instead.
func (e *Engine) Subscribe() (<-chan connectivity.State, func()) {
	return e.monitor.Subscribe()
}

// IsSyncing reports whether a drain pass is running.
func (e *Engine) IsSyncing() bool {
	return e.syncer.Draining()
}

// SyncNow runs a drain immediately and returns its result.
func (e *Engine) SyncNow(ctx context.Context) (*syncer.DrainResult, error) {
	return e.syncer.Drain(ctx)
}

// Conflicts lists open conflicts awaiting a decision.
func (e *Engine) Conflicts() ([]*models.SyncConflict, error) {
	return e.resolver.Conflicts()
}

// ResolveConflict applies a user's decision to a conflict and, when the
// local version wins, drains so the forced write goes out right away.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution models.Resolution) error {
	if err := e.resolver.Resolve(conflictID, resolution); err != nil {
		return err
	}
	e.metrics.ConflictResolved()

	if resolution == models.ResolutionLocal && e.monitor.IsOnline() {
		if _, err := e.syncer.Drain(ctx); err != nil && !errors.Is(err, errors.ErrSyncFailed) {
			return err
		}
	}
	return nil
}

// DiscardOperation drops a failed operation after user review. Any
// other status is refused: pending and syncing operations still have a
// chance to apply, and a conflicted one needs a resolution decision.
func (e *Engine) DiscardOperation(id string) error {
	op, err := e.queue.Get(id)
	if err != nil {
		return err
	}
	if op.Status != models.StatusFailed {
		return errors.New(errors.ErrInvalid,
			fmt.Sprintf("operation %s is %s, only failed operations can be discarded", id, op.Status))
	}
	return e.queue.Discard(id)
}

// ForceRefresh bypasses the cache for one read path and stores the
// fresh copy.
func (e *Engine) ForceRefresh(ctx context.Context, path string) ([]byte, error) {
	res, err := e.store.ReadThrough(ctx, path, e.cfg.CacheTTL, true, func(ctx context.Context) ([]byte, error) {
		return e.client.Get(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// HTTPClient returns a client whose GET requests flow through the
// cache-aware router.
func (e *Engine) HTTPClient() *http.Client {
	return &http.Client{Transport: e.router}
}

// ControlHandler returns the WebSocket handler local UIs attach to.
func (e *Engine) ControlHandler() http.HandlerFunc {
	return control.Handler(e.hub)
}

// Counters returns a snapshot of the in-process metrics.
func (e *Engine) Counters() telemetry.Counters {
	return e.metrics.Snapshot()
}

// =====================================================
// control.Backend
// =====================================================

// ClearCache wipes the read cache.
func (e *Engine) ClearCache() error {
	return e.store.Clear()
}

// CacheStats reports cache occupancy.
func (e *Engine) CacheStats() (cache.Stats, error) {
	return e.store.Stats()
}

// Activate drops cache generations older than the configured one.
func (e *Engine) Activate() error {
	_, err := e.store.PurgeOldGenerations()
	return err
}
