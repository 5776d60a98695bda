package storage

import "github.com/prometheus/client_golang/prometheus"

var (
	CounterBufferPoolHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "godb",
		Subsystem: "bufferpool",
		Name:      "hits_total",
		Help:      "Page fetches served from the cache.",
	})
	CounterBufferPoolMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "godb",
		Subsystem: "bufferpool",
		Name:      "misses_total",
		Help:      "Page fetches that had to load the page from its file.",
	})
	CounterBufferPoolEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "godb",
		Subsystem: "bufferpool",
		Name:      "evictions_total",
		Help:      "Clean pages dropped from the cache to make room.",
	})
	CounterBufferPoolFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "godb",
		Subsystem: "bufferpool",
		Name:      "flushes_total",
		Help:      "Dirty pages written to their files.",
	})
	GaugeBufferPoolResidentPages = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "godb",
		Subsystem: "bufferpool",
		Name:      "resident_pages",
		Help:      "Pages currently held in the cache.",
	})
)

func init() {
	prometheus.MustRegister(
		CounterBufferPoolHits,
		CounterBufferPoolMisses,
		CounterBufferPoolEvictions,
		CounterBufferPoolFlushes,
		GaugeBufferPoolResidentPages,
	)
}
