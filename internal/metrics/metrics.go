package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GraphRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wgt_graph_runs_total",
		Help: "The total number of graph runs",
	})

	GraphRunErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wgt_graph_run_errors_total",
		Help: "Total number of failed graph runs",
	}, []string{"kind"})

	GraphRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wgt_graph_run_duration_seconds",
		Help:    "Duration of graph runs, readback included",
		Buckets: prometheus.DefBuckets,
	})

	GraphCommands = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wgt_graph_commands",
		Help:    "Number of commands in compiled graphs",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
	})

	DeviceBuffers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wgt_device_buffers",
		Help: "Live device buffers",
	}, []string{"device"})

	DeviceBufferBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wgt_device_buffer_bytes",
		Help: "Bytes held by live device buffers",
	}, []string{"device"})

	PipelinesCompiled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wgt_pipelines_compiled_total",
		Help: "Compute pipelines compiled, by kernel",
	}, []string{"kernel"})

	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wgt_tokens_generated_total",
		Help: "The total number of tokens generated",
	})
)

// RecordRun records a graph run. kind is empty for successful runs.
func RecordRun(duration time.Duration, kind string) {
	GraphRunsTotal.Inc()
	GraphRunDuration.Observe(duration.Seconds())
	if kind != "" {
		GraphRunErrors.WithLabelValues(kind).Inc()
	}
}

// RecordCompile records the size of a compiled graph.
func RecordCompile(commands int) {
	GraphCommands.Observe(float64(commands))
}

// RecordPipeline records a compiled pipeline.
func RecordPipeline(kernel string) {
	PipelinesCompiled.WithLabelValues(kernel).Inc()
}

// RecordBuffer records a buffer allocation (delta > 0) or release
// (delta < 0) of the given size.
func RecordBuffer(device string, delta int, size uint64) {
	DeviceBuffers.WithLabelValues(device).Add(float64(delta))
	DeviceBufferBytes.WithLabelValues(device).Add(float64(delta) * float64(size))
}

// RecordTokens records generated tokens.
func RecordTokens(n int) {
	TokensGenerated.Add(float64(n))
}
