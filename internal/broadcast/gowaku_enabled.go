//go:build real_waku

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
)

const bridgePubsubTopic = "/waku/2/default-waku/proto"

// wireFrame is the JSON payload carried inside a waku message.
type wireFrame struct {
	Topic   string `json:"topic"`
	Sender  string `json:"sender"`
	Scope   Scope  `json:"scope"`
	Payload []byte `json:"payload"`
}

type goWakuNode struct {
	mu             sync.RWMutex
	node           *wakuNode.WakuNode
	cfg            Config
	bootstrapNodes []string
	subs           map[int]topicSub
	nextSubID      int
	relayTopics    map[string]bool
	maintainCancel context.CancelFunc
	maintainWG     sync.WaitGroup
	metrics        goWakuMetrics
}

type topicSub struct {
	topic   string
	handler func(Frame)
}

type goWakuMetrics struct {
	DialAttempts  int
	DialSuccess   int
	DialFailures  int
	FramesDropped int
}

func newGoWakuBackend() backend {
	return &goWakuNode{
		subs:        make(map[int]topicSub),
		relayTopics: make(map[string]bool),
	}
}

func contentTopicFor(domain, topic string) string {
	return "/" + domain + "/1/" + topic + "/json"
}

func (g *goWakuNode) Start(ctx context.Context, cfg Config) error {
	opts := make([]wakuNode.WakuNodeOption, 0)
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	opts = append(opts, wakuNode.WithHostAddress(hostAddr))
	if cfg.EnableRelay {
		opts = append(opts, wakuNode.WithWakuRelay())
	}

	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	bootstrap := validBootstrapAddrs(cfg.BootstrapNodes)
	for _, addr := range bootstrap {
		_ = node.DialPeer(ctx, addr)
	}

	g.mu.Lock()
	g.node = node
	g.cfg = cfg
	g.bootstrapNodes = bootstrap
	g.mu.Unlock()
	if cfg.PeerFailover {
		g.startPeerMaintenance()
	}
	return nil
}

// validBootstrapAddrs drops entries that do not parse as multiaddrs so one
// typo in the config cannot poison every redial cycle.
func validBootstrapAddrs(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, err := ma.NewMultiaddr(addr); err != nil {
			slog.Warn("ignoring invalid bootstrap address", "reason", err.Error())
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (g *goWakuNode) Stop() {
	g.stopPeerMaintenance()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *goWakuNode) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}

func (g *goWakuNode) NetworkMetrics() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]int{
		"dial_attempts":  g.metrics.DialAttempts,
		"dial_success":   g.metrics.DialSuccess,
		"dial_failures":  g.metrics.DialFailures,
		"frames_dropped": g.metrics.FramesDropped,
	}
}

func (g *goWakuNode) ApplyConfig(cfg Config) {
	g.mu.Lock()
	g.cfg.MinPeers = cfg.MinPeers
	g.cfg.ReconnectInterval = cfg.ReconnectInterval
	g.cfg.ReconnectBackoffMax = cfg.ReconnectBackoffMax
	g.cfg.PeerFailover = cfg.PeerFailover
	g.bootstrapNodes = validBootstrapAddrs(cfg.BootstrapNodes)
	g.mu.Unlock()

	if cfg.PeerFailover {
		g.startPeerMaintenance()
		return
	}
	g.stopPeerMaintenance()
}

func (g *goWakuNode) ListenAddresses() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return nil
	}
	addrs := g.node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

func (g *goWakuNode) Subscribe(topic string, handler func(Frame)) (func(), error) {
	g.mu.Lock()
	id := g.nextSubID
	g.nextSubID++
	g.subs[id] = topicSub{topic: topic, handler: handler}
	needRelay := !g.relayTopics[topic]
	if needRelay {
		g.relayTopics[topic] = true
	}
	node := g.node
	domain := g.cfg.Domain
	g.mu.Unlock()

	if node == nil {
		return nil, errors.New("go-waku node is nil")
	}
	if needRelay {
		filter := protocol.NewContentFilter(bridgePubsubTopic, contentTopicFor(domain, topic))
		subs, err := node.Relay().Subscribe(context.Background(), filter)
		if err != nil {
			return nil, err
		}
		for _, sub := range subs {
			go g.consume(sub)
		}
	}

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.subs, id)
	}, nil
}

func (g *goWakuNode) consume(subscription *relay.Subscription) {
	for env := range subscription.Ch {
		if env == nil || env.Message() == nil {
			continue
		}
		var wf wireFrame
		if err := json.Unmarshal(env.Message().Payload, &wf); err != nil {
			g.recordFrameDropped()
			continue
		}
		frame := Frame{Topic: wf.Topic, Sender: wf.Sender, Scope: wf.Scope, Payload: wf.Payload}

		g.mu.RLock()
		handlers := make([]func(Frame), 0, len(g.subs))
		for _, sub := range g.subs {
			if sub.topic == frame.Topic {
				handlers = append(handlers, sub.handler)
			}
		}
		g.mu.RUnlock()
		for _, handler := range handlers {
			handler(frame)
		}
	}
}

func (g *goWakuNode) Publish(ctx context.Context, frame Frame) error {
	g.mu.RLock()
	node := g.node
	domain := g.cfg.Domain
	g.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}

	payload, err := json.Marshal(wireFrame{
		Topic:   frame.Topic,
		Sender:  frame.Sender,
		Scope:   frame.Scope,
		Payload: frame.Payload,
	})
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: contentTopicFor(domain, frame.Topic),
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(bridgePubsubTopic))
	return err
}

func (g *goWakuNode) startPeerMaintenance() {
	g.mu.Lock()
	if g.maintainCancel != nil {
		g.maintainCancel()
		g.maintainCancel = nil
	}
	if len(g.bootstrapNodes) == 0 || g.node == nil {
		g.mu.Unlock()
		return
	}
	maintainCtx, cancel := context.WithCancel(context.Background())
	g.maintainCancel = cancel
	g.maintainWG.Add(1)
	cfg := g.cfg
	g.mu.Unlock()

	go func() {
		defer g.maintainWG.Done()
		ticker := time.NewTicker(cfg.ReconnectInterval)
		defer ticker.Stop()

		backoff := cfg.ReconnectInterval
		nextAttemptAt := time.Now()
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

		for {
			select {
			case <-maintainCtx.Done():
				return
			case <-ticker.C:
				if time.Now().Before(nextAttemptAt) {
					continue
				}
				if !g.needMorePeers() {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}

				ok := g.redialBootstrapPeers(maintainCtx, rnd)
				if ok || !g.needMorePeers() {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}

				backoff *= 2
				if backoff > cfg.ReconnectBackoffMax {
					backoff = cfg.ReconnectBackoffMax
				}
				jitter := time.Duration(rnd.Int63n(int64(backoff / 2)))
				nextAttemptAt = time.Now().Add(backoff + jitter)
			}
		}
	}()
}

func (g *goWakuNode) stopPeerMaintenance() {
	g.mu.Lock()
	cancel := g.maintainCancel
	g.maintainCancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		g.maintainWG.Wait()
	}
}

func (g *goWakuNode) needMorePeers() bool {
	g.mu.RLock()
	node := g.node
	bootstrapCount := len(g.bootstrapNodes)
	target := g.cfg.MinPeers
	g.mu.RUnlock()
	if node == nil {
		return false
	}
	if target <= 0 {
		target = desiredPeerFloor(bootstrapCount)
	}
	if bootstrapCount > 0 && target > bootstrapCount {
		target = bootstrapCount
	}
	return node.PeerCount() < target
}

func desiredPeerFloor(bootstrapCount int) int {
	if bootstrapCount <= 0 {
		return 0
	}
	if bootstrapCount == 1 {
		return 1
	}
	return 2
}

func (g *goWakuNode) redialBootstrapPeers(ctx context.Context, rnd *rand.Rand) bool {
	g.mu.RLock()
	node := g.node
	bootstrapNodes := append([]string(nil), g.bootstrapNodes...)
	g.mu.RUnlock()
	if node == nil || len(bootstrapNodes) == 0 {
		return false
	}

	rnd.Shuffle(len(bootstrapNodes), func(i, j int) {
		bootstrapNodes[i], bootstrapNodes[j] = bootstrapNodes[j], bootstrapNodes[i]
	})

	success := false
	for i, addr := range bootstrapNodes {
		attempt := i + 1
		g.recordDialAttempt()
		if err := node.DialPeer(ctx, addr); err == nil {
			g.recordDialSuccess()
			success = true
			slog.Info("peer redial succeeded", "peer_addr", addr, "attempt", attempt)
		} else {
			g.recordDialFailure()
			slog.Warn("peer redial failed", "peer_addr", addr, "attempt", attempt, "reason", err.Error())
		}
	}
	return success
}

func (g *goWakuNode) recordDialAttempt() {
	g.mu.Lock()
	g.metrics.DialAttempts++
	g.mu.Unlock()
}

func (g *goWakuNode) recordDialSuccess() {
	g.mu.Lock()
	g.metrics.DialSuccess++
	g.mu.Unlock()
}

func (g *goWakuNode) recordDialFailure() {
	g.mu.Lock()
	g.metrics.DialFailures++
	g.mu.Unlock()
}

func (g *goWakuNode) recordFrameDropped() {
	g.mu.Lock()
	g.metrics.FramesDropped++
	g.mu.Unlock()
}
