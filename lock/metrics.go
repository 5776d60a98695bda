package lock

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricLockGrants    = "grants_total"
	MetricLockWaits     = "waits_total"
	MetricLockDeadlocks = "deadlocks_total"
)

var CounterLockGrants = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "godb",
		Subsystem: "lock",
		Name:      MetricLockGrants,
		Help:      "Page locks granted, by mode.",
	},
	[]string{"mode"},
)

var CounterLockWaits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "godb",
		Subsystem: "lock",
		Name:      MetricLockWaits,
		Help:      "Lock requests that could not be granted immediately.",
	},
)

var CounterLockDeadlocks = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "godb",
		Subsystem: "lock",
		Name:      MetricLockDeadlocks,
		Help:      "Lock requests failed because they would close a waits-for cycle.",
	},
)

func init() {
	prometheus.MustRegister(CounterLockGrants)
	prometheus.MustRegister(CounterLockWaits)
	prometheus.MustRegister(CounterLockDeadlocks)
}
