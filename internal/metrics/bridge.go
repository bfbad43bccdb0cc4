package metrics

import "github.com/prometheus/client_golang/prometheus"

// Bridge holds the instrumentation for the call bus and the state cache.
// Passing a nil registerer yields working but unregistered collectors, which
// is what tests use.
type Bridge struct {
	CallsStarted     prometheus.Counter
	CallsResolved    prometheus.Counter
	CallsRejected    prometheus.Counter
	CallsTimedOut    prometheus.Counter
	CallsThrottled   prometheus.Counter
	ResponsesDropped prometheus.Counter
	PendingCalls     prometheus.Gauge

	FlushTotal      prometheus.Counter
	FlushFailures   prometheus.Counter
	WritesCoalesced prometheus.Counter
}

func New(reg prometheus.Registerer) *Bridge {
	b := &Bridge{
		CallsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macrohero_calls_started_total",
			Help: "Correlated calls issued on the broadcast channel.",
		}),
		CallsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macrohero_calls_resolved_total",
			Help: "Calls settled by a matching ok response.",
		}),
		CallsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macrohero_calls_rejected_total",
			Help: "Calls settled by a matching error response.",
		}),
		CallsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macrohero_calls_timed_out_total",
			Help: "Calls settled by the timeout with no matching response.",
		}),
		CallsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macrohero_calls_throttled_total",
			Help: "Calls refused locally by the outbound rate limit.",
		}),
		ResponsesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macrohero_responses_dropped_total",
			Help: "Responses ignored because no pending call matched.",
		}),
		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "macrohero_pending_calls",
			Help: "Calls currently awaiting a response or a timeout.",
		}),
		FlushTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macrohero_state_flush_total",
			Help: "Durable writes of the state cache snapshot.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macrohero_state_flush_failures_total",
			Help: "Durable writes that failed and left the dirty set intact.",
		}),
		WritesCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macrohero_state_writes_coalesced_total",
			Help: "Set operations absorbed by the debounce without their own durable write.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			b.CallsStarted, b.CallsResolved, b.CallsRejected, b.CallsTimedOut,
			b.CallsThrottled, b.ResponsesDropped, b.PendingCalls,
			b.FlushTotal, b.FlushFailures, b.WritesCoalesced,
		)
	}
	return b
}
