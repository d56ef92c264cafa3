package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sdexbot/internal/breaker"
)

// gathered flattens a registry into "name{labelvalues}" -> value.
func gathered(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "|" + lp.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.OrderSubmitted("limit", "ok")
	r.OrderSubmitted("limit", "ok")
	r.OrderSubmitted("route", "failed")
	r.SequenceRetried()
	r.Opportunity("detected", 3)
	r.Opportunity("detected", 0)
	r.BreakerChanged("ledger", breaker.StateClosed, breaker.StateOpen)
	r.SlotWait("GA", 5*time.Millisecond)

	got := gathered(t, reg)
	assert.Equal(t, 2.0, got["sdexbot_order_submissions_total|limit|ok"])
	assert.Equal(t, 1.0, got["sdexbot_order_submissions_total|route|failed"])
	assert.Equal(t, 1.0, got["sdexbot_sequence_retries_total"])
	assert.Equal(t, 3.0, got["sdexbot_arbitrage_opportunities_total|detected"])
	assert.Equal(t, 1.0, got["sdexbot_breaker_state|ledger"])
	assert.Equal(t, 1.0, got["sdexbot_sequence_slot_wait_seconds"])
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.OrderSubmitted("limit", "ok")
		r.SequenceRetried()
		r.OrderTransition("open")
		r.FillApplied()
		r.SlotWait("GA", time.Second)
		r.BreakerChanged("x", breaker.StateOpen, breaker.StateClosed)
		r.ScanCompleted(time.Second)
		r.Opportunity("executed", 1)
	})
}
