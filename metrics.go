package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the counters and gauges the host application scrapes
// to observe the sampling, processing, and training actors. A nil
// *Metrics is always safe: every call site guards against it, so
// instrumentation is opt-in and never required to construct an engine
// component.
type Metrics struct {
	SamplesAssembled prometheus.Counter
	SleepTransitions prometheus.Counter

	ProcessorPasses prometheus.Counter
	ItemsMerged     prometheus.Counter
	ItemsExtracted  prometheus.Counter
	ItemsDeleted    prometheus.Counter

	ModelsTrained         prometheus.Counter
	ModelTrainingFailures prometheus.Counter
	OpenModelsPending     prometheus.Gauge
}

// NewMetrics constructs and registers a Metrics bundle against reg. A
// nil Registerer is valid and simply skips registration, which is
// handy in tests that construct a Metrics without a live registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SamplesAssembled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "locotrace",
			Subsystem: "sampling",
			Name:      "samples_assembled_total",
			Help:      "LocomotionSamples produced by the sample assembler.",
		}),
		SleepTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "locotrace",
			Subsystem: "sampling",
			Name:      "sleep_transitions_total",
			Help:      "Times the sleep detector entered sleep mode.",
		}),
		ProcessorPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "locotrace",
			Subsystem: "processor",
			Name:      "passes_total",
			Help:      "Timeline processor ProcessWindow invocations.",
		}),
		ItemsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "locotrace",
			Subsystem: "processor",
			Name:      "items_merged_total",
			Help:      "Timeline items consumed by the merge pass.",
		}),
		ItemsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "locotrace",
			Subsystem: "processor",
			Name:      "items_extracted_total",
			Help:      "Segments split into new items by the extraction pass.",
		}),
		ItemsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "locotrace",
			Subsystem: "processor",
			Name:      "items_deleted_total",
			Help:      "Timeline items soft-deleted by the deletion pass.",
		}),
		ModelsTrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "locotrace",
			Subsystem: "training",
			Name:      "models_trained_total",
			Help:      "Classifier cells successfully retrained.",
		}),
		ModelTrainingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "locotrace",
			Subsystem: "training",
			Name:      "training_failures_total",
			Help:      "Training rounds that ended in TrainingInsufficientData or a trainer error.",
		}),
		OpenModelsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "locotrace",
			Subsystem: "training",
			Name:      "models_pending",
			Help:      "Classifier cells currently marked needsUpdate.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SamplesAssembled, m.SleepTransitions,
			m.ProcessorPasses, m.ItemsMerged, m.ItemsExtracted, m.ItemsDeleted,
			m.ModelsTrained, m.ModelTrainingFailures, m.OpenModelsPending,
		)
	}
	return m
}

func incIfSet(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func setIfSet(g prometheus.Gauge, v float64) {
	if g != nil {
		g.Set(v)
	}
}
