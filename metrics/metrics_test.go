package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounty-settlement/core/settlement"
)

func TestObserveStatsSetsGauges(t *testing.T) {
	m := New()
	m.ObserveStats(settlement.Stats{Open: 3, Judging: 1, PaymentPending: 2, Stalled: 1, ScheduledTimer: 3})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.tasks.WithLabelValues("OPEN")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasks.WithLabelValues("PAYMENT_PENDING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stalled))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.scheduledTimers))
}

func TestCounters(t *testing.T) {
	m := New()
	m.Claim("timer", true)
	m.Claim("sweep", false)
	m.Claim("sweep", false)
	m.Judgement("fallback")
	m.Settlement("confirmed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.claims.WithLabelValues("timer", "claimed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.claims.WithLabelValues("sweep", "noop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.judgements.WithLabelValues("fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlements.WithLabelValues("confirmed")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Claim("timer", true)
	m.Judgement("judge")
	m.Settlement("failed")
	m.ObserveStats(settlement.Stats{})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Settlement("shortfall")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `settlement_settlement_attempts_total{outcome="shortfall"} 1`)
}
