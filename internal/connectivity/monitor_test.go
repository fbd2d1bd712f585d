package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flakyProbe flips between failing and succeeding under test control.
type flakyProbe struct {
	mu   sync.Mutex
	fail bool
}

func (p *flakyProbe) set(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func (p *flakyProbe) probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("unreachable")
	}
	return nil
}

func TestInitialProbeSetsState(t *testing.T) {
	p := &flakyProbe{}
	m := NewMonitor(p.probe, Config{Interval: time.Hour, Timeout: time.Second})

	m.Start(context.Background())
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for m.State() == StateUnknown && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !m.IsOnline() {
		t.Errorf("expected online after successful probe, got %s", m.State())
	}
}

func TestOfflineToOnlineFiresExactlyOneNotification(t *testing.T) {
	p := &flakyProbe{fail: true}
	m := NewMonitor(p.probe, Config{Interval: time.Hour, Timeout: time.Second})

	ch, cancel := m.Subscribe()
	defer cancel()

	// unknown -> offline
	if got := m.CheckNow(context.Background()); got != StateOffline {
		t.Fatalf("expected offline, got %s", got)
	}
	select {
	case s := <-ch:
		if s != StateOffline {
			t.Fatalf("expected offline notification, got %s", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification for unknown -> offline")
	}

	// offline -> online
	p.set(false)
	m.CheckNow(context.Background())

	select {
	case s := <-ch:
		if s != StateOnline {
			t.Fatalf("expected online notification, got %s", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification for offline -> online")
	}

	// A repeated online probe must not notify again
	m.CheckNow(context.Background())
	select {
	case s := <-ch:
		t.Fatalf("unexpected extra notification: %s", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	p := &flakyProbe{}
	m := NewMonitor(p.probe, Config{Interval: time.Hour, Timeout: time.Second})

	ch, cancel := m.Subscribe()
	m.CheckNow(context.Background())
	<-ch

	cancel()

	// Channel is closed after cancel
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}

	// Further transitions must not panic
	p.set(true)
	m.CheckNow(context.Background())
}

func TestStopClosesSubscribers(t *testing.T) {
	p := &flakyProbe{}
	m := NewMonitor(p.probe, Config{Interval: time.Hour, Timeout: time.Second})
	m.Start(context.Background())

	ch, _ := m.Subscribe()
	m.Stop()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed by Stop")
		}
	}
}

func TestProbeTimeout(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	m := NewMonitor(slow, Config{Interval: time.Hour, Timeout: 10 * time.Millisecond})

	start := time.Now()
	state := m.CheckNow(context.Background())
	if state != StateOffline {
		t.Errorf("expected offline for timed-out probe, got %s", state)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("probe did not respect timeout, took %v", elapsed)
	}
}
