package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GenerationMetrics tracks the generation job lifecycle.
type GenerationMetrics struct {
	started         *prometheus.CounterVec
	finished        *prometheus.CounterVec
	vendorErrors    *prometheus.CounterVec
	persistFailures prometheus.Counter
}

// NewGenerationMetrics registers the generation metrics on the provided registerer.
func NewGenerationMetrics(reg prometheus.Registerer) *GenerationMetrics {
	if reg == nil {
		return &GenerationMetrics{}
	}
	started := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_started_total",
		Help: "Generation jobs accepted by the vendor.",
	}, []string{"tier"})
	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_finished_total",
		Help: "Generation jobs that reached a terminal status.",
	}, []string{"status"})
	vendorErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_vendor_errors_total",
		Help: "Vendor calls that returned an error.",
	}, []string{"operation", "code"})
	persistFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "generation_persist_failures_total",
		Help: "Completed generations whose asset could not be stored.",
	})
	reg.MustRegister(started, finished, vendorErrors, persistFailures)
	return &GenerationMetrics{
		started:         started,
		finished:        finished,
		vendorErrors:    vendorErrors,
		persistFailures: persistFailures,
	}
}

func (g *GenerationMetrics) IncStarted(tier string) {
	if g == nil || g.started == nil {
		return
	}
	g.started.WithLabelValues(normalizeLabel(tier)).Inc()
}

func (g *GenerationMetrics) IncFinished(status string) {
	if g == nil || g.finished == nil {
		return
	}
	g.finished.WithLabelValues(normalizeLabel(status)).Inc()
}

func (g *GenerationMetrics) IncVendorError(operation, code string) {
	if g == nil || g.vendorErrors == nil {
		return
	}
	g.vendorErrors.WithLabelValues(normalizeLabel(operation), normalizeLabel(code)).Inc()
}

func (g *GenerationMetrics) IncPersistFailure() {
	if g == nil || g.persistFailures == nil {
		return
	}
	g.persistFailures.Inc()
}
