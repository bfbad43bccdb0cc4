package callbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sewef/macroHero-sub001/internal/broadcast"
	"github.com/Sewef/macroHero-sub001/internal/platform/ratelimiter"
	"github.com/Sewef/macroHero-sub001/pkg/models"
)

const testRequester = "mh1TestRequester"

// fakeResponder answers every request on the bus the way a remote peer
// would: same callId, same requesterId, configurable outcome and delay.
type fakeResponder struct {
	t      *testing.T
	bus    *broadcast.MemoryBus
	delay  time.Duration
	reply  func(req models.Request) models.Response
	cancel func()
}

func startResponder(t *testing.T, bus *broadcast.MemoryBus, reply func(req models.Request) models.Response) *fakeResponder {
	t.Helper()
	r := &fakeResponder{t: t, bus: bus, reply: reply}
	cancel, err := bus.Subscribe(models.RequestTopic(""), r.onRequest)
	if err != nil {
		t.Fatalf("subscribe responder: %v", err)
	}
	r.cancel = cancel
	t.Cleanup(cancel)
	return r
}

func (r *fakeResponder) onRequest(frame broadcast.Frame) {
	var req models.Request
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	resp := r.reply(req)
	resp.CallID = req.CallID
	resp.RequesterID = req.RequesterID
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = r.bus.Publish(context.Background(), broadcast.Frame{
		Topic:   models.ResponseTopic(""),
		Sender:  "peer-1",
		Scope:   broadcast.ScopeAll,
		Payload: payload,
	})
}

func okReply(data any) func(models.Request) models.Response {
	return func(models.Request) models.Response {
		raw, _ := json.Marshal(data)
		return models.Response{OK: true, Data: raw}
	}
}

func newTestClient(t *testing.T, bus *broadcast.MemoryBus, opts ...Option) *Client {
	t.Helper()
	client, err := New(bus, testRequester, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestCallResolvesWithPeerData(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	startResponder(t, bus, okReply(map[string]any{"total": 11}))
	client := newTestClient(t, bus)

	data, err := client.Call(context.Background(), models.OpDiceRoll, models.DiceRollArgs{Notation: "2d6"})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	var result struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if result.Total != 11 {
		t.Fatalf("expected total 11, got %d", result.Total)
	}
	if client.PendingCount() != 0 {
		t.Fatalf("pending count must return to zero, got %d", client.PendingCount())
	}
}

func TestCallTimesOutWithoutResponder(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	client := newTestClient(t, bus)

	timeout := 60 * time.Millisecond
	started := time.Now()
	_, err := client.Call(context.Background(), models.OpMetaGet, models.MetaGetArgs{ID: "tok-1", Key: "hp"}, WithCallTimeout(timeout))
	elapsed := time.Since(started)

	var noResponder *NoResponderError
	if !errors.As(err, &noResponder) {
		t.Fatalf("expected NoResponderError, got %v", err)
	}
	if noResponder.Op != models.OpMetaGet {
		t.Fatalf("unexpected op in error: %s", noResponder.Op)
	}
	if elapsed < timeout {
		t.Fatalf("call returned before the timeout window: %s", elapsed)
	}
	if elapsed > timeout+500*time.Millisecond {
		t.Fatalf("call took far longer than the timeout window: %s", elapsed)
	}
	if client.PendingCount() != 0 {
		t.Fatalf("timed-out call must leave no pending entry, got %d", client.PendingCount())
	}
}

func TestRemoteRejectionDistinctFromTimeout(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	startResponder(t, bus, func(models.Request) models.Response {
		return models.Response{OK: false, Error: "no token selected"}
	})
	client := newTestClient(t, bus)

	_, err := client.Call(context.Background(), models.OpMarkerSet, models.MarkerSetArgs{TargetID: "tok-1", Marker: "stunned", On: true})
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Message != "no token selected" {
		t.Fatalf("unexpected remote message: %q", remote.Message)
	}
	var noResponder *NoResponderError
	if errors.As(err, &noResponder) {
		t.Fatal("remote rejection must not look like a timeout")
	}
}

func TestConcurrentCallsNoCrossTalk(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	startResponder(t, bus, func(req models.Request) models.Response {
		// Echo the request's id back so a mismatched settle is visible.
		var args models.MetaGetArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return models.Response{OK: false, Error: err.Error()}
		}
		raw, _ := json.Marshal(map[string]string{"id": args.ID})
		return models.Response{OK: true, Data: raw}
	})
	client := newTestClient(t, bus)

	const calls = 1000
	errs := make(chan error, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("tok-%04d", i)
			data, err := client.Call(context.Background(), models.OpMetaGet, models.MetaGetArgs{ID: want, Key: "hp"}, WithCallTimeout(5*time.Second))
			if err != nil {
				errs <- fmt.Errorf("call %d: %w", i, err)
				return
			}
			var result struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(data, &result); err != nil {
				errs <- fmt.Errorf("call %d decode: %w", i, err)
				return
			}
			if result.ID != want {
				errs <- fmt.Errorf("call %d got response for %q", i, result.ID)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if client.PendingCount() != 0 {
		t.Fatalf("pending count must return to zero, got %d", client.PendingCount())
	}
}

func TestLateResponseAfterTimeoutIsDropped(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	responder := startResponder(t, bus, okReply(map[string]any{"late": true}))
	responder.delay = 150 * time.Millisecond
	client := newTestClient(t, bus)

	_, err := client.Call(context.Background(), models.OpTrackerGet, models.TrackerGetArgs{TargetID: "tok-1", Bar: "hp"}, WithCallTimeout(30*time.Millisecond))
	var noResponder *NoResponderError
	if !errors.As(err, &noResponder) {
		t.Fatalf("expected NoResponderError, got %v", err)
	}

	// Let the delayed response land on the already-settled call.
	time.Sleep(250 * time.Millisecond)
	if client.PendingCount() != 0 {
		t.Fatalf("late response must not resurrect a pending entry, got %d", client.PendingCount())
	}
}

func TestResponseForOtherRequesterIgnored(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	startResponder(t, bus, func(req models.Request) models.Response {
		return models.Response{OK: true, Data: json.RawMessage(`{}`)}
	})
	// A second client sharing the channel; its listener must skip frames
	// addressed to the first requester.
	other, err := New(bus, "mh1OtherRequester")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(other.Close)
	client := newTestClient(t, bus)

	if _, err := client.Call(context.Background(), models.OpLightingSet, models.LightingSetArgs{Preset: "dusk"}); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if other.PendingCount() != 0 {
		t.Fatalf("foreign response leaked into the other client, pending %d", other.PendingCount())
	}
}

func TestUnknownCallIDResponseIsNoOp(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	client := newTestClient(t, bus)

	payload, _ := json.Marshal(models.Response{CallID: "never-issued", RequesterID: testRequester, OK: true})
	if err := bus.Publish(context.Background(), broadcast.Frame{Topic: models.ResponseTopic(""), Sender: "peer-1", Payload: payload}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if client.PendingCount() != 0 {
		t.Fatalf("stray response must not create pending state, got %d", client.PendingCount())
	}
}

func TestInvalidArgsFailBeforePublish(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	var published int
	if _, err := bus.Subscribe(models.RequestTopic(""), func(broadcast.Frame) { published++ }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	client := newTestClient(t, bus)

	_, err := client.Call(context.Background(), models.OpDiceRoll, models.DiceRollArgs{Notation: "not dice"})
	var invalid *ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if published != 0 {
		t.Fatalf("invalid call must not reach the bus, saw %d publishes", published)
	}
}

func TestOutboundThrottle(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	startResponder(t, bus, okReply(map[string]any{}))
	limiter := ratelimiter.New(1, 1, time.Minute)
	client := newTestClient(t, bus, WithLimiter(limiter))

	if _, err := client.Call(context.Background(), models.OpWeatherSet, models.WeatherSetArgs{Effect: "rain"}); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	_, err := client.Call(context.Background(), models.OpWeatherSet, models.WeatherSetArgs{Effect: "snow"})
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
}

func TestContextCancelSettlesCall(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	client := newTestClient(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := client.Call(ctx, models.OpMetaGet, models.MetaGetArgs{ID: "tok-1", Key: "hp"}, WithCallTimeout(5*time.Second))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if client.PendingCount() != 0 {
		t.Fatalf("cancelled call must leave no pending entry, got %d", client.PendingCount())
	}
}

func TestCloseFailsPendingAndRejectsNewCalls(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	client, err := New(bus, testRequester)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, callErr := client.Call(context.Background(), models.OpMetaGet, models.MetaGetArgs{ID: "tok-1", Key: "hp"}, WithCallTimeout(5*time.Second))
		done <- callErr
	}()
	waitFor(t, time.Second, func() bool { return client.PendingCount() == 1 })

	client.Close()
	select {
	case callErr := <-done:
		if !errors.Is(callErr, ErrClosed) {
			t.Fatalf("expected ErrClosed for in-flight call, got %v", callErr)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight call did not settle after Close")
	}

	if _, err := client.Call(context.Background(), models.OpMetaGet, models.MetaGetArgs{ID: "tok-1", Key: "hp"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestCorrelationIDsUniqueInBurst(t *testing.T) {
	now := time.Now()
	seen := make(map[string]struct{})
	for i := 0; i < 10000; i++ {
		id := newCorrelationID(now)
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate correlation id %q after %d draws", id, i)
		}
		seen[id] = struct{}{}
	}
}

func waitFor(t *testing.T, limit time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
