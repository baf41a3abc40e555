package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the clearing core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Settlement action outcomes by action and result code ("OK" on success)
	ActionOutcome *prometheus.CounterVec

	// Status transitions committed by the state machine
	Transitions *prometheus.CounterVec

	// Duration of a settlement action including persistence
	ActionLatency prometheus.Histogram

	// Capital gate denials by action key and mode
	CapitalBlocks *prometheus.CounterVec

	// Severity rank of the last evaluated capital mode (0 normal .. 4 emergency halt)
	CapitalModeSeverity prometheus.Gauge

	// Overrides created by scope
	OverridesCreated *prometheus.CounterVec

	JournalsPosted     prometheus.Counter
	JournalPostedCents prometheus.Counter

	// Certificate issuance failures after settlement
	CertificateFailures prometheus.Counter
}

// New registers all instruments with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActionOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "klear_settlement_action_outcomes_total",
			Help: "Settlement action outcomes by action and result code",
		}, []string{"action", "code"}),

		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "klear_settlement_transitions_total",
			Help: "Committed settlement status transitions",
		}, []string{"from", "to"}),

		ActionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "klear_settlement_action_duration_seconds",
			Help:    "Duration of settlement actions including persistence",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		CapitalBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "klear_capital_control_blocks_total",
			Help: "Actions denied by the capital control gate",
		}, []string{"action_key", "mode"}),

		CapitalModeSeverity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "klear_capital_mode_severity",
			Help: "Severity rank of the most recently evaluated capital control mode",
		}),

		OverridesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "klear_capital_overrides_created_total",
			Help: "Capital control overrides created by scope",
		}, []string{"scope"}),

		JournalsPosted: factory.NewCounter(prometheus.CounterOpts{
			Name: "klear_clearing_journals_posted_total",
			Help: "Clearing journals posted",
		}),

		JournalPostedCents: factory.NewCounter(prometheus.CounterOpts{
			Name: "klear_clearing_journal_debits_cents_total",
			Help: "Total debit amount posted to clearing journals in cents",
		}),

		CertificateFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "klear_certificate_issuance_failures_total",
			Help: "Title certificate issuance failures after settlement",
		}),
	}
}

func (m *Metrics) IncrementActionOutcome(action, code string) {
	if m != nil {
		m.ActionOutcome.WithLabelValues(action, code).Inc()
	}
}

func (m *Metrics) IncrementTransition(from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) ObserveActionLatency(d time.Duration) {
	if m != nil {
		m.ActionLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementCapitalBlock(actionKey, mode string) {
	if m != nil {
		m.CapitalBlocks.WithLabelValues(actionKey, mode).Inc()
	}
}

func (m *Metrics) SetCapitalModeSeverity(rank int) {
	if m != nil {
		m.CapitalModeSeverity.Set(float64(rank))
	}
}

func (m *Metrics) IncrementOverridesCreated(scope string) {
	if m != nil {
		m.OverridesCreated.WithLabelValues(scope).Inc()
	}
}

// RecordJournal counts a newly posted journal and its debit total
func (m *Metrics) RecordJournal(debitCents int64) {
	if m != nil {
		m.JournalsPosted.Inc()
		m.JournalPostedCents.Add(float64(debitCents))
	}
}

func (m *Metrics) IncrementCertificateFailures() {
	if m != nil {
		m.CertificateFailures.Inc()
	}
}
