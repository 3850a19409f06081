package folio

import (
	"github.com/rcrowley/go-metrics"
)

// Metrics aggregates substrate and coordinator counters for one
// federation run. All methods are safe on a nil receiver so that the
// protocol code never has to guard instrumentation.
type Metrics struct {
	registry metrics.Registry

	delivered metrics.Meter
	phases    metrics.Counter
}

func NewMetrics() *Metrics {
	registry := metrics.NewRegistry()

	return &Metrics{
		registry:  registry,
		delivered: metrics.NewRegisteredMeter("substrate.delivered", registry),
		phases:    metrics.NewRegisteredCounter("coordinator.phases", registry),
	}
}

func (m *Metrics) markPhase() {
	if m == nil {
		return
	}

	m.phases.Inc(1)
}

// Delivered returns the number of messages the substrate has delivered.
func (m *Metrics) Delivered() int64 {
	if m == nil {
		return 0
	}

	return m.delivered.Count()
}

// Phases returns the number of coordinator phases completed.
func (m *Metrics) Phases() int64 {
	if m == nil {
		return 0
	}

	return m.phases.Count()
}
