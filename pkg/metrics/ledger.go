package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	LedgerOutcomeApplied   = "applied"
	LedgerOutcomeDuplicate = "duplicate"
	LedgerOutcomeRejected  = "rejected"
	LedgerOutcomeError     = "error"
)

// LedgerMetrics counts ticket ledger applications by reason and outcome.
type LedgerMetrics struct {
	applies *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger counters on the provided registerer.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	applies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticket_ledger_apply_total",
		Help: "Ticket ledger apply calls by reason and outcome.",
	}, []string{"reason", "outcome"})
	reg.MustRegister(applies)
	return &LedgerMetrics{applies: applies}
}

// IncApply records one apply call.
func (m *LedgerMetrics) IncApply(reason, outcome string) {
	if m == nil || m.applies == nil {
		return
	}
	m.applies.WithLabelValues(normalizeLabel(reason), normalizeLabel(outcome)).Inc()
}
