package callbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Sewef/macroHero-sub001/internal/broadcast"
	"github.com/Sewef/macroHero-sub001/internal/metrics"
	"github.com/Sewef/macroHero-sub001/internal/platform/ratelimiter"
	"github.com/Sewef/macroHero-sub001/pkg/models"
)

// DefaultCallTimeout bounds how long a call waits for a matching response.
const DefaultCallTimeout = 5 * time.Second

// Client turns the one-way broadcast channel into a call/response
// abstraction. One shared response listener matches inbound responses to
// pending calls by (callId, requesterId); every call settles exactly once:
// resolved, remote-rejected, timed out, or cancelled.
type Client struct {
	bus       broadcast.Bus
	requester string
	domain    string
	timeout   time.Duration
	limiter   *ratelimiter.Limiter
	stats     *metrics.Bridge
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
	unsub   func()
	closed  bool
}

type pendingCall struct {
	id        string
	op        models.Op
	createdAt time.Time
	// done is buffered so the listener never blocks on a caller that
	// already gave up.
	done chan outcome
}

type outcome struct {
	data json.RawMessage
	err  error
}

type Option func(*Client)

// WithTimeout overrides the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDomain overrides the topic domain prefix.
func WithDomain(domain string) Option {
	return func(c *Client) {
		if strings.TrimSpace(domain) != "" {
			c.domain = strings.TrimSpace(domain)
		}
	}
}

// WithLimiter throttles outbound calls per operation. A nil limiter allows
// everything.
func WithLimiter(l *ratelimiter.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func WithMetrics(m *metrics.Bridge) Option {
	return func(c *Client) { c.stats = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New attaches the shared response listener and returns a ready client.
// The listener is attached here, before any call publishes, so a very fast
// responder can never reply into the void.
func New(bus broadcast.Bus, requesterID string, opts ...Option) (*Client, error) {
	if bus == nil {
		return nil, errors.New("callbus: bus is required")
	}
	if strings.TrimSpace(requesterID) == "" {
		return nil, errors.New("callbus: requester id is required")
	}
	c := &Client{
		bus:       bus,
		requester: strings.TrimSpace(requesterID),
		domain:    models.DefaultDomain,
		timeout:   DefaultCallTimeout,
		stats:     metrics.New(nil),
		logger:    slog.Default(),
		pending:   make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	unsub, err := bus.Subscribe(models.ResponseTopic(c.domain), c.onResponse)
	if err != nil {
		return nil, fmt.Errorf("callbus: subscribe responses: %w", err)
	}
	c.unsub = unsub
	return c, nil
}

// Close detaches the response listener and fails every pending call. Calls
// issued after Close return ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsub := c.unsub
	c.unsub = nil
	orphans := make([]*pendingCall, 0, len(c.pending))
	for id, pc := range c.pending {
		orphans = append(orphans, pc)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, pc := range orphans {
		c.stats.PendingCalls.Dec()
		pc.done <- outcome{err: ErrClosed}
	}
}

// PendingCount reports the number of calls awaiting settle.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// CallOption tunes a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithCallTimeout overrides the client timeout for one call.
func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Call publishes a correlated request and blocks until a matching response
// arrives, the timeout elapses, or ctx is cancelled. On success it returns
// the peer's data payload. The pending entry is removed on every path.
func (c *Client) Call(ctx context.Context, op models.Op, args any, opts ...CallOption) (json.RawMessage, error) {
	req, err := models.NewRequest(op, args)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}

	copts := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&copts)
	}

	if !c.limiter.Allow(string(op), time.Now()) {
		c.stats.CallsThrottled.Inc()
		return nil, ErrThrottled
	}

	pc, err := c.register(op)
	if err != nil {
		return nil, err
	}
	req.CallID = pc.id
	req.RequesterID = c.requester

	payload, err := json.Marshal(req)
	if err != nil {
		c.take(pc.id)
		return nil, &ValidationError{Err: err}
	}
	frame := broadcast.Frame{
		Topic:   models.RequestTopic(c.domain),
		Sender:  c.requester,
		Scope:   broadcast.ScopeAll,
		Payload: payload,
	}
	c.stats.CallsStarted.Inc()
	if err := c.bus.Publish(ctx, frame); err != nil {
		c.take(pc.id)
		return nil, fmt.Errorf("callbus: publish %s: %w", op, err)
	}

	timer := time.NewTimer(copts.timeout)
	defer timer.Stop()

	select {
	case result := <-pc.done:
		return result.data, result.err
	case <-timer.C:
		if _, ok := c.take(pc.id); ok {
			c.stats.CallsTimedOut.Inc()
			c.logger.Warn("call timed out", "call_id", pc.id, "op", string(op), "timeout_ms", copts.timeout.Milliseconds())
			return nil, &NoResponderError{Op: op, Timeout: copts.timeout}
		}
		// The listener settled the call between the timer firing and the
		// lookup; the outcome is already buffered.
		result := <-pc.done
		return result.data, result.err
	case <-ctx.Done():
		if _, ok := c.take(pc.id); ok {
			return nil, ctx.Err()
		}
		result := <-pc.done
		return result.data, result.err
	}
}

// register creates the pending entry. Generation retries on the unlikely
// correlation-id collision so IDs stay unique among pending calls.
func (c *Client) register(op models.Op) (*pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	now := time.Now()
	id := newCorrelationID(now)
	for _, exists := c.pending[id]; exists; _, exists = c.pending[id] {
		id = newCorrelationID(now)
	}
	pc := &pendingCall{
		id:        id,
		op:        op,
		createdAt: now,
		done:      make(chan outcome, 1),
	}
	c.pending[id] = pc
	c.stats.PendingCalls.Inc()
	return pc, nil
}

// take removes and returns the pending entry; exactly one caller wins, which
// makes settling idempotent across the response, timeout, and cancel paths.
func (c *Client) take(id string) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	delete(c.pending, id)
	c.stats.PendingCalls.Dec()
	return pc, true
}

// onResponse is the single shared listener. Responses addressed to other
// requesters are ignored; responses with an unknown or already-settled
// callId are dropped without side effects.
func (c *Client) onResponse(frame broadcast.Frame) {
	var resp models.Response
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		return
	}
	if resp.RequesterID != c.requester {
		return
	}
	pc, ok := c.take(resp.CallID)
	if !ok {
		c.stats.ResponsesDropped.Inc()
		return
	}
	elapsed := time.Since(pc.createdAt)
	if resp.OK {
		c.stats.CallsResolved.Inc()
		c.logger.Debug("call resolved", "call_id", pc.id, "op", string(pc.op), "latency_ms", elapsed.Milliseconds())
		pc.done <- outcome{data: resp.Data}
		return
	}
	c.stats.CallsRejected.Inc()
	c.logger.Debug("call rejected by peer", "call_id", pc.id, "op", string(pc.op), "latency_ms", elapsed.Milliseconds())
	pc.done <- outcome{err: &RemoteError{Op: pc.op, Message: resp.Error}}
}
