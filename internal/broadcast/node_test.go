package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestNodeLifecycle(t *testing.T) {
	n := NewNode(DefaultConfig())
	initial := n.Status()
	if initial.State != StateDisconnected {
		t.Fatalf("expected disconnected initially, got %s", initial.State)
	}

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	started := n.Status()
	if started.State != StateConnected {
		t.Fatalf("expected connected after start, got %s", started.State)
	}
	if started.PeerCount <= 0 {
		t.Fatalf("expected peer count > 0, got %d", started.PeerCount)
	}

	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	stopped := n.Status()
	if stopped.State != StateDisconnected {
		t.Fatalf("expected disconnected after stop, got %s", stopped.State)
	}
}

func TestNodeRefusesTrafficWhileDisconnected(t *testing.T) {
	n := NewNode(DefaultConfig())
	if err := n.Publish(context.Background(), Frame{Topic: "t"}); err == nil {
		t.Fatal("publish before start must fail")
	}
	if _, err := n.Subscribe("t", func(Frame) {}); err == nil {
		t.Fatal("subscribe before start must fail")
	}
}

func TestNodesOnSharedBusExchangeFrames(t *testing.T) {
	shared := NewMemoryBus()
	caller := NewNodeWithBus(DefaultConfig(), shared)
	responder := NewNodeWithBus(DefaultConfig(), shared)
	for _, n := range []*Node{caller, responder} {
		if err := n.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
		defer n.Stop(context.Background())
	}

	received := make(chan Frame, 1)
	if _, err := responder.Subscribe("macrohero.api.request", func(f Frame) { received <- f }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{"op": "dice.roll"})
	if err := caller.Publish(context.Background(), Frame{Topic: "macrohero.api.request", Sender: "mh1abc", Payload: payload}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case frame := <-received:
		if frame.Sender != "mh1abc" {
			t.Fatalf("unexpected sender %q", frame.Sender)
		}
		if frame.Scope != ScopeAll {
			t.Fatalf("publish must default scope to ALL, got %q", frame.Scope)
		}
	case <-time.After(time.Second):
		t.Fatal("frame never crossed the shared bus")
	}
}

func TestNodeRuntimeStateTransitionsByPeerCount(t *testing.T) {
	prevInterval := runtimeStatusPollInterval
	runtimeStatusPollInterval = 20 * time.Millisecond
	defer func() { runtimeStatusPollInterval = prevInterval }()

	backend := &fakeBackend{peerCount: 1}
	n := NewNode(Config{Transport: TransportGoWaku})
	n.mu.Lock()
	n.gw = backend
	n.status.State = StateConnected
	n.status.PeerCount = 1
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	n.startRuntimeMonitor()
	defer n.stopRuntimeMonitor()

	waitForState(t, n, StateConnected, 300*time.Millisecond)
	backend.setPeerCount(0)
	waitForState(t, n, StateDegraded, 500*time.Millisecond)
	backend.setPeerCount(2)
	waitForState(t, n, StateConnected, 500*time.Millisecond)

	if got := n.NetworkMetrics()["network_state_transitions"]; got < 2 {
		t.Fatalf("expected at least 2 state transitions, got %d", got)
	}
}

func TestNormalizeConfigAppliesSafeDefaults(t *testing.T) {
	cfg := normalizeConfig(Config{
		Transport:           "",
		MinPeers:            -1,
		ReconnectInterval:   0,
		ReconnectBackoffMax: 10 * time.Millisecond,
	})

	if cfg.Transport == "" {
		t.Fatal("transport must be defaulted")
	}
	if cfg.Domain == "" {
		t.Fatal("domain must be defaulted")
	}
	if cfg.MinPeers != 0 {
		t.Fatalf("expected negative minPeers to clamp to 0, got %d", cfg.MinPeers)
	}
	if cfg.ReconnectInterval <= 0 {
		t.Fatalf("reconnectInterval must be > 0, got %s", cfg.ReconnectInterval)
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		t.Fatalf("reconnectBackoffMax must be >= reconnectInterval, got max=%s interval=%s", cfg.ReconnectBackoffMax, cfg.ReconnectInterval)
	}
}

func TestStartupStateFromPeerCount(t *testing.T) {
	cfg := Config{MinPeers: 2}
	if got := startupStateFromPeerCount(2, cfg); got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	if got := startupStateFromPeerCount(0, cfg); got != StateDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}
}

func TestStartupPeerTarget(t *testing.T) {
	if got := startupPeerTarget(Config{}); got != 1 {
		t.Fatalf("expected default startup target=1, got %d", got)
	}
	if got := startupPeerTarget(Config{MinPeers: 3, BootstrapNodes: []string{"a", "b"}}); got != 2 {
		t.Fatalf("expected target capped by bootstrap size to 2, got %d", got)
	}
}

func TestWaitForStartupPeerCountTimeoutReturnsDegradedCount(t *testing.T) {
	backend := &fakeBackend{peerCount: 0}
	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	cfg := Config{
		MinPeers:            2,
		ReconnectInterval:   50 * time.Millisecond,
		ReconnectBackoffMax: 200 * time.Millisecond,
	}
	got, err := waitForStartupPeerCount(ctx, backend, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected peer count=0 after timeout, got %d", got)
	}
}

func waitForState(t *testing.T, n *Node, expected string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if n.Status().State == expected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state=%s, got=%s", expected, n.Status().State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeBackend struct {
	mu        sync.RWMutex
	peerCount int
}

func (f *fakeBackend) Start(_ context.Context, _ Config) error { return nil }
func (f *fakeBackend) Stop()                                   {}
func (f *fakeBackend) NetworkMetrics() map[string]int          { return map[string]int{} }
func (f *fakeBackend) ApplyConfig(_ Config)                    {}
func (f *fakeBackend) ListenAddresses() []string               { return nil }
func (f *fakeBackend) Subscribe(_ string, _ func(Frame)) (func(), error) {
	return func() {}, nil
}
func (f *fakeBackend) Publish(_ context.Context, _ Frame) error { return nil }

func (f *fakeBackend) PeerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.peerCount
}

func (f *fakeBackend) setPeerCount(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peerCount = n
}
