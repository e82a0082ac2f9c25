// Package metrics holds the prometheus collectors shared by the backend, engine and HTTP surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparsemoe_kernel_launches_total",
		Help: "Total number of kernel launches",
	}, []string{"kernel"})

	kernelSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sparsemoe_kernel_seconds",
		Help:    "Kernel execution time",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	}, []string{"kernel"})

	kernelFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparsemoe_kernel_failures_total",
		Help: "Total number of kernel launches that failed",
	}, []string{"kernel"})

	evalSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sparsemoe_eval_seconds",
		Help:    "Time spent waiting in Eval barriers",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	dispatchEntries = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sparsemoe_dispatch_entries",
		Help:    "Dispatch list length observed at Eval",
		Buckets: prometheus.ExponentialBuckets(16, 4, 10),
	})

	dispatchOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sparsemoe_dispatch_overflow_total",
		Help: "Total number of dispatch entries dropped because the list was full",
	})

	projectionMuls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparsemoe_projection_muls_total",
		Help: "Total number of bucketed multiplies served per projection",
	}, []string{"projection"})
)

func ObserveKernel(kernel string, d time.Duration) {
	kernelLaunches.WithLabelValues(kernel).Inc()
	kernelSeconds.WithLabelValues(kernel).Observe(d.Seconds())
}

func KernelFailed(kernel string) {
	kernelFailures.WithLabelValues(kernel).Inc()
}

func ObserveEval(d time.Duration) {
	evalSeconds.Observe(d.Seconds())
}

func ObserveDispatch(entries int) {
	dispatchEntries.Observe(float64(entries))
}

func DispatchOverflow(dropped int) {
	if dropped <= 0 {
		return
	}
	dispatchOverflow.Add(float64(dropped))
}

func ProjectionMul(name string) {
	projectionMuls.WithLabelValues(name).Inc()
}
