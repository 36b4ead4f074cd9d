package authflow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NewOutcomeCounter registers the counter of terminal authorization
// outcomes.
func NewOutcomeCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_authorization_outcomes_total",
		Help: "Terminal outcomes of authorization attempts.",
	}, []string{"outcome"})
	reg.MustRegister(outcomes)
	return outcomes
}
