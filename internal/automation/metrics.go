package automation

import "github.com/prometheus/client_golang/prometheus"

var autoApprovals = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "marketledger",
	Subsystem: "automation",
	Name:      "payout_auto_approvals_total",
	Help:      "Payout requests approved by the automation loop.",
})

func init() {
	prometheus.MustRegister(autoApprovals)
}
