package transaction

import "github.com/prometheus/client_golang/prometheus"

var CounterTxnCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "godb",
	Subsystem: "txn",
	Name:      "completed_total",
	Help:      "Transactions completed, by outcome.",
}, []string{"outcome"})

const (
	outcomeCommitted = "committed"
	outcomeAborted   = "aborted"
)

func init() {
	prometheus.MustRegister(CounterTxnCompleted)
}
