package control

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agrotour/offline/internal/cache"
	"github.com/agrotour/offline/internal/models"
)

type fakeBackend struct {
	cleared   bool
	activated bool
	stats     cache.Stats
}

func (b *fakeBackend) ClearCache() error {
	b.cleared = true
	return nil
}

func (b *fakeBackend) CacheStats() (cache.Stats, error) {
	return b.stats, nil
}

func (b *fakeBackend) Activate() error {
	b.activated = true
	return nil
}

func dialTestHub(t *testing.T, backend Backend) (*Hub, *websocket.Conn) {
	t.Helper()

	hub := NewHub(backend)
	t.Cleanup(hub.Stop)

	server := httptest.NewServer(Handler(hub))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Wait for registration
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatal("client did not register")
	}
	return hub, conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("failed to read envelope: %v", err)
	}
	return env
}

func TestClearCacheCommand(t *testing.T) {
	backend := &fakeBackend{}
	_, conn := dialTestHub(t, backend)

	if err := conn.WriteJSON(map[string]string{"type": CommandClearCache}); err != nil {
		t.Fatalf("failed to send command: %v", err)
	}

	env := readEnvelope(t, conn)
	if env.Type != "CLEAR_CACHE_RESULT" {
		t.Fatalf("unexpected reply type: %s", env.Type)
	}
	if env.Data["success"] != true {
		t.Errorf("expected success, got %v", env.Data)
	}
	if !backend.cleared {
		t.Error("expected backend.ClearCache to run")
	}
}

func TestGetCacheSizeCommand(t *testing.T) {
	backend := &fakeBackend{stats: cache.Stats{
		Requests:  []string{"/api/products", "/api/locations/"},
		CacheSize: 4096,
	}}
	_, conn := dialTestHub(t, backend)

	conn.WriteJSON(map[string]string{"type": CommandGetCacheSize})

	env := readEnvelope(t, conn)
	if env.Type != "CACHE_SIZE" {
		t.Fatalf("unexpected reply type: %s", env.Type)
	}
	if env.Data["cacheSize"].(float64) != 4096 {
		t.Errorf("unexpected cacheSize: %v", env.Data["cacheSize"])
	}
	requests, ok := env.Data["requests"].([]interface{})
	if !ok || len(requests) != 2 {
		t.Fatalf("unexpected requests: %v", env.Data["requests"])
	}
	if requests[0] != "/api/products" {
		t.Errorf("unexpected first request key: %v", requests[0])
	}
}

func TestSkipWaitingCommand(t *testing.T) {
	backend := &fakeBackend{}
	_, conn := dialTestHub(t, backend)

	conn.WriteJSON(map[string]string{"type": CommandSkipWaiting})

	env := readEnvelope(t, conn)
	if env.Type != "SKIP_WAITING_RESULT" || env.Data["success"] != true {
		t.Fatalf("unexpected reply: %+v", env)
	}
	if !backend.activated {
		t.Error("expected backend.Activate to run")
	}
}

func TestBroadcastReachesClient(t *testing.T) {
	backend := &fakeBackend{}
	hub, conn := dialTestHub(t, backend)

	hub.BroadcastSyncCompleted(3, 1, 0, 1500*time.Millisecond)

	env := readEnvelope(t, conn)
	if env.Type != EventSyncCompleted {
		t.Fatalf("unexpected event type: %s", env.Type)
	}
	if env.Data["applied"].(float64) != 3 {
		t.Errorf("unexpected applied count: %v", env.Data["applied"])
	}
	if env.Data["conflicts"].(float64) != 1 {
		t.Errorf("unexpected conflicts count: %v", env.Data["conflicts"])
	}
}

func TestConflictBroadcast(t *testing.T) {
	backend := &fakeBackend{}
	hub, conn := dialTestHub(t, backend)

	hub.BroadcastConflictDetected(&models.SyncConflict{
		ID:           "c-1",
		EntityType:   models.EntityProduct,
		EntityID:     "42",
		ConflictType: models.ConflictConcurrentModification,
		Details:      "modified by another client",
	})

	env := readEnvelope(t, conn)
	if env.Type != EventSyncConflictDetected {
		t.Fatalf("unexpected event type: %s", env.Type)
	}
	if env.Data["entity_id"] != "42" {
		t.Errorf("unexpected payload: %v", env.Data)
	}
}

func TestInvalidMessageIsIgnored(t *testing.T) {
	backend := &fakeBackend{}
	hub, conn := dialTestHub(t, backend)

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	conn.WriteJSON(map[string]string{"type": "ping"})

	env := readEnvelope(t, conn)
	if env.Type != "pong" {
		t.Fatalf("expected pong after garbage, got %s", env.Type)
	}
	_ = hub
}

func TestEnvelopeMarshaling(t *testing.T) {
	env := Envelope{Type: EventSyncStarted, Timestamp: 123}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(raw), `"sync.started"`) {
		t.Errorf("unexpected encoding: %s", raw)
	}
}
