// Package metrics holds the Prometheus collectors for the conversion pipeline.
// Labels stay low-cardinality: no job ids or paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConversionsTotal counts finished conversion requests by format class and result.
	ConversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaconv_conversions_total",
		Help: "Total conversion requests, by format class and result",
	}, []string{"class", "result"})

	// TranscodeDuration tracks wall time spent inside the engine.
	TranscodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediaconv_transcode_duration_seconds",
		Help:    "Duration of engine invocations",
		Buckets: prometheus.ExponentialBuckets(0.1, 2.0, 14), // 100ms to ~27m
	}, []string{"class"})

	// TranscodesInFlight is the number of engine invocations currently running.
	TranscodesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediaconv_transcodes_in_flight",
		Help: "Engine invocations currently running",
	})

	// AdmissionRejectTotal counts jobs turned away because every engine slot stayed busy.
	AdmissionRejectTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediaconv_admission_reject_total",
		Help: "Jobs rejected because no engine slot became free in time",
	})

	// DuplicateSignalTotal counts engine completion signals received after a job resolved.
	DuplicateSignalTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediaconv_engine_duplicate_signal_total",
		Help: "Engine signals ignored because the job had already resolved",
	})

	// RequestErrorsTotal counts failed requests by error kind.
	RequestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaconv_request_errors_total",
		Help: "Failed conversion requests, by error kind",
	}, []string{"kind"})

	// CleanupFailuresTotal counts staged files that could not be removed.
	CleanupFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaconv_cleanup_failures_total",
		Help: "Staged artifacts that could not be removed, by artifact role",
	}, []string{"role"})

	// SweptFilesTotal counts orphaned files removed by the janitor.
	SweptFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediaconv_swept_files_total",
		Help: "Orphaned staged files removed by the janitor",
	})
)
