package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncrementActionOutcome("EXECUTE_DVP", "OK")
		m.IncrementTransition("AUTHORIZED", "SETTLED")
		m.ObserveActionLatency(time.Millisecond)
		m.IncrementCapitalBlock("SETTLEMENT_OPEN", "EMERGENCY_HALT")
		m.SetCapitalModeSeverity(4)
		m.IncrementOverridesCreated("ACTION")
		m.RecordJournal(100)
		m.IncrementCertificateFailures()
	})
}

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncrementActionOutcome("EXECUTE_DVP", "OK")
	m.IncrementActionOutcome("EXECUTE_DVP", "OK")
	m.RecordJournal(10_000_000)
	m.SetCapitalModeSeverity(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActionOutcome.WithLabelValues("EXECUTE_DVP", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JournalsPosted))
	assert.Equal(t, 10_000_000.0, testutil.ToFloat64(m.JournalPostedCents))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CapitalModeSeverity))
}
