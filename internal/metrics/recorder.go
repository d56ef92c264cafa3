// Package metrics exposes Prometheus instruments for the trading core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/sdexbot/internal/breaker"
)

// Recorder holds every instrument. A nil *Recorder is valid and records
// nothing, so components can be built without metrics in tests.
type Recorder struct {
	submissions   *prometheus.CounterVec
	retries       prometheus.Counter
	transitions   *prometheus.CounterVec
	fills         prometheus.Counter
	slotWait      prometheus.Histogram
	breakerState  *prometheus.GaugeVec
	scanDuration  prometheus.Histogram
	opportunities *prometheus.CounterVec
}

// New creates a Recorder and registers it with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdexbot",
			Name:      "order_submissions_total",
			Help:      "Order and route submissions by kind and result.",
		}, []string{"kind", "result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sdexbot",
			Name:      "sequence_retries_total",
			Help:      "Submissions retried after a sequence collision.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdexbot",
			Name:      "order_transitions_total",
			Help:      "Order status transitions by target status.",
		}, []string{"status"}),
		fills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sdexbot",
			Name:      "fills_total",
			Help:      "Fill events applied to tracked orders.",
		}),
		slotWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sdexbot",
			Name:      "sequence_slot_wait_seconds",
			Help:      "Time spent waiting for an account sequence slot.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sdexbot",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"breaker"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sdexbot",
			Name:      "arbitrage_scan_seconds",
			Help:      "Duration of one graph build and cycle search.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdexbot",
			Name:      "arbitrage_opportunities_total",
			Help:      "Arbitrage opportunities by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		r.submissions,
		r.retries,
		r.transitions,
		r.fills,
		r.slotWait,
		r.breakerState,
		r.scanDuration,
		r.opportunities,
	)
	return r
}

func (r *Recorder) OrderSubmitted(kind, result string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(kind, result).Inc()
}

func (r *Recorder) SequenceRetried() {
	if r == nil {
		return
	}
	r.retries.Inc()
}

func (r *Recorder) OrderTransition(status string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(status).Inc()
}

func (r *Recorder) FillApplied() {
	if r == nil {
		return
	}
	r.fills.Inc()
}

// SlotWait matches sequence.Config.ObserveWait.
func (r *Recorder) SlotWait(_ string, d time.Duration) {
	if r == nil {
		return
	}
	r.slotWait.Observe(d.Seconds())
}

// BreakerChanged matches breaker.Config.OnStateChange.
func (r *Recorder) BreakerChanged(name string, _, to breaker.State) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(name).Set(float64(to))
}

func (r *Recorder) ScanCompleted(d time.Duration) {
	if r == nil {
		return
	}
	r.scanDuration.Observe(d.Seconds())
}

// Opportunity counts an opportunity outcome: detected, executed, discarded.
func (r *Recorder) Opportunity(outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.opportunities.WithLabelValues(outcome).Add(float64(n))
}
