package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrotour/offline/internal/config"
	"github.com/agrotour/offline/internal/errors"
	"github.com/agrotour/offline/internal/models"
)

func testConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	return &config.Config{
		ServerURL:       serverURL,
		DataDir:         t.TempDir(),
		CacheGeneration: "v1",
		CacheTTL:        24 * time.Hour,
		SyncInterval:    time.Hour,
		ProbeInterval:   time.Hour,
		MaxRetries:      3,
		RetryBackoff:    time.Millisecond,
		QueueMaxSize:    100,
	}
}

func newTestEngine(t *testing.T, handler http.Handler) (*Engine, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	e, err := New(testConfig(t, server.URL))
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e, server
}

// TestOfflineWriteToRemoteResolution walks the full offline story: a
// write queued while the server is unreachable, a conflict on drain
// after reconnecting, and the user accepting the server's version.
func TestOfflineWriteToRemoteResolution(t *testing.T) {
	var serverUp atomic.Bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !serverUp.Load() {
			// Engine's HTTP client still reaches the listener; emulate
			// a backend outage instead.
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{
			"conflictType": "concurrent-modification",
			"remoteVersion": {"price":18.0,"version":5},
			"details": "price changed by manager"
		}`))
	})

	e, _ := newTestEngine(t, handler)

	// Queue a price update while "offline"
	op, err := e.Enqueue(models.EntityProduct, "42", models.KindUpdate, []byte(`{"price":15.0}`))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)

	// Drain against the down backend: retries exhaust, operation fails
	serverUp.Store(false)
	result, err := e.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	// The operation is held with its error for inspection
	pending, err := e.PendingOperations()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.StatusFailed, pending[0].Status)
	assert.NotEmpty(t, pending[0].LastError)

	// User discards and retries the write once the backend is back
	require.NoError(t, e.DiscardOperation(string(pending[0].ID)))
	_, err = e.Enqueue(models.EntityProduct, "42", models.KindUpdate, []byte(`{"price":15.0}`))
	require.NoError(t, err)

	serverUp.Store(true)
	result, err = e.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)

	// One open conflict carrying both versions
	conflicts, err := e.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictConcurrentModification, conflicts[0].ConflictType)
	assert.JSONEq(t, `{"price":15.0}`, string(conflicts[0].LocalVersion))
	assert.JSONEq(t, `{"price":18.0,"version":5}`, string(conflicts[0].RemoteVersion))

	// Accept the remote version: local write is abandoned
	require.NoError(t, e.ResolveConflict(context.Background(), string(conflicts[0].ID), models.ResolutionRemote))

	conflicts, err = e.Conflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	stats, err := e.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestDiscardOnlyFailedOperations(t *testing.T) {
	e, _ := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	op, err := e.Enqueue(models.EntityProduct, "42", models.KindUpdate, []byte(`{"price":15.0}`))
	require.NoError(t, err)

	// A pending write still has its chance to apply; discard is refused
	// and the operation stays queued.
	err = e.DiscardOperation(string(op.ID))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	pending, err := e.PendingOperations()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.StatusPending, pending[0].Status)

	// Once retries exhaust against the down backend the operation is
	// failed, and user discard is allowed.
	_, err = e.SyncNow(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.DiscardOperation(string(op.ID)))

	stats, err := e.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestResolveLocalDrainsImmediately(t *testing.T) {
	var forced atomic.Bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Force") == "true" {
			forced.Store(true)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"applied":true}`))
			return
		}
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"conflictType":"concurrent-modification","remoteVersion":{"v":2}}`))
	})

	e, _ := newTestEngine(t, handler)

	_, err := e.Enqueue(models.EntityProduct, "42", models.KindUpdate, []byte(`{"price":15.0}`))
	require.NoError(t, err)

	_, err = e.SyncNow(context.Background())
	require.NoError(t, err)

	conflicts, err := e.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	// Monitor never probed, so the engine thinks it is offline and the
	// resolution only requeues. Drain manually afterwards.
	require.NoError(t, e.ResolveConflict(context.Background(), string(conflicts[0].ID), models.ResolutionLocal))

	result, err := e.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.True(t, forced.Load(), "expected forced resubmission")

	stats, err := e.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestForceRefreshPopulatesCache(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`[{"id":1,"name":"Finca Verde"}]`))
	})

	e, _ := newTestEngine(t, handler)

	data, err := e.ForceRefresh(context.Background(), "/api/locations/")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1,"name":"Finca Verde"}]`, string(data))
	assert.EqualValues(t, 1, hits.Load())

	stats, err := e.CacheStats()
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/locations/"}, stats.Requests)
}

func TestClearCache(t *testing.T) {
	e, _ := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))

	_, err := e.ForceRefresh(context.Background(), "/api/locations/")
	require.NoError(t, err)

	require.NoError(t, e.ClearCache())

	stats, err := e.CacheStats()
	require.NoError(t, err)
	assert.Empty(t, stats.Requests)
	assert.EqualValues(t, 0, stats.CacheSize)
}

func TestCrashRecoveryRequeuesInFlight(t *testing.T) {
	cfg := testConfig(t, "http://localhost:0")

	e, err := New(cfg)
	require.NoError(t, err)

	op, err := e.Enqueue(models.EntityVisit, "7", models.KindDelete, nil)
	require.NoError(t, err)

	// Simulate a crash mid-drain: operation parked in syncing
	require.NoError(t, e.queue.MarkStatus(string(op.ID), models.StatusSyncing, ""))
	e.Close()

	// A fresh engine over the same data dir recovers it to pending
	e2, err := New(cfg)
	require.NoError(t, err)
	defer e2.Close()

	pending, err := e2.PendingOperations()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.StatusPending, pending[0].Status)
}

// TestShutdownStopsPostEnqueueDrain verifies the drain kicked off by an
// online enqueue is cancelled and waited for during shutdown instead of
// racing the store teardown.
func TestShutdownStopsPostEnqueueDrain(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	var reqCtx context.Context
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sync/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		reqCtx = r.Context()
		close(entered)
		<-release
	}))
	defer server.Close()
	defer close(release)

	e, err := New(testConfig(t, server.URL))
	require.NoError(t, err)

	// One synchronous probe flips the engine online without the loop
	e.monitor.CheckNow(context.Background())
	require.True(t, e.IsOnline())

	_, err = e.Enqueue(models.EntityVisit, "7", models.KindDelete, nil)
	require.NoError(t, err)
	<-entered

	done := make(chan struct{})
	go func() {
		e.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return while a drain was in flight")
	}

	// Shutdown aborted the in-flight submission rather than leaving it
	// running against closed stores
	require.NotNil(t, reqCtx)
	assert.Eventually(t, func() bool { return reqCtx.Err() != nil },
		time.Second, 10*time.Millisecond, "expected the submission to be cancelled")
}

func TestHTTPClientRoutesThroughCache(t *testing.T) {
	var hits atomic.Int32
	e, server := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`[{"id":1}]`))
	}))

	client := e.HTTPClient()

	for i := 0; i < 3; i++ {
		resp, err := client.Get(server.URL + "/api/locations/")
		require.NoError(t, err)
		resp.Body.Close()
	}

	// Cache-first route hits the network once, then serves from cache
	assert.EqualValues(t, 1, hits.Load())
}
