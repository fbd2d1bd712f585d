// Package connectivity tracks whether the remote authority is reachable
// and notifies subscribers on transitions.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/agrotour/offline/internal/logging"
)

// State is the observed connectivity state.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Probe checks reachability of the remote authority. It returns nil
// when the remote answered.
type Probe func(ctx context.Context) error

// HTTPProbe builds a probe that issues a HEAD request against the
// given URL. Any response, including an error status, proves the
// network path works.
func HTTPProbe(client *http.Client, url string) Probe {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
}

// Monitor polls the probe and publishes state transitions. Subscribers
// get exactly one notification per transition, including the very first
// probe result.
type Monitor struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
	state     State
	nextSubID int
	subs      map[int]chan State
}

// Config holds monitor configuration.
type Config struct {
	Interval time.Duration // probe period (default: 30 seconds)
	Timeout  time.Duration // per-probe timeout (default: 5 seconds)
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// NewMonitor creates a Monitor with the given probe.
func NewMonitor(probe Probe, config Config) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Monitor{
		probe:    probe,
		interval: config.Interval,
		timeout:  config.Timeout,
		stopCh:   make(chan struct{}),
		state:    StateUnknown,
		subs:     make(map[int]chan State),
	}
}

// Start begins probing in the background. The first probe runs
// immediately so callers learn the initial state fast.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)

	logging.Info("connectivity monitor started", map[string]interface{}{
		"interval": m.interval.String(),
	})
}

// Stop halts probing and closes all subscriber channels.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.mu.Unlock()
}

// State returns the last observed state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOnline reports whether the remote was reachable at the last probe.
func (m *Monitor) IsOnline() bool {
	return m.State() == StateOnline
}

// Subscribe registers for state transition notifications. The returned
// cancel function removes the subscription. The channel is buffered so
// a slow consumer never blocks the probe loop; if the buffer is full
// the notification is dropped and the consumer reads State() instead.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	ch := make(chan State, 4)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// CheckNow runs one probe synchronously and publishes any transition.
// Used on demand, for example before a manual sync.
func (m *Monitor) CheckNow(ctx context.Context) State {
	return m.runProbe(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	m.runProbe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runProbe(ctx)
		}
	}
}

func (m *Monitor) runProbe(ctx context.Context) State {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	next := StateOnline
	if err := m.probe(probeCtx); err != nil {
		next = StateOffline
	}

	m.mu.Lock()
	prev := m.state
	m.state = next
	var notify []chan State
	if prev != next {
		for _, ch := range m.subs {
			notify = append(notify, ch)
		}
	}
	m.mu.Unlock()

	if prev != next {
		logging.Info("connectivity changed", map[string]interface{}{
			"from": prev.String(),
			"to":   next.String(),
		})
		for _, ch := range notify {
			select {
			case ch <- next:
			default:
			}
		}
	}
	return next
}
