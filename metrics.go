package segmentz

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Invocation outcomes recorded by the lifecycle middleware.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeUntraced = "untraced"
)

// Metrics are the prometheus collectors a Tracer updates.
type Metrics struct {
	SegmentsOpened   prometheus.Counter
	SegmentsFlushed  prometheus.Counter
	DocumentsDropped prometheus.Counter
	Invocations      *prometheus.CounterVec
}

// NewMetrics creates the tracer collectors and registers them on reg.
// Collectors already registered by another tracer are shared.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		SegmentsOpened: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "segmentz",
			Name:      "segments_opened_total",
			Help:      "Segments and subsegments opened.",
		})),
		SegmentsFlushed: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "segmentz",
			Name:      "segments_flushed_total",
			Help:      "Segment documents handed to flush handlers.",
		})),
		DocumentsDropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "segmentz",
			Name:      "documents_dropped_total",
			Help:      "Segment documents dropped because the worker queue was full.",
		})),
		Invocations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "segmentz",
			Name:      "invocations_total",
			Help:      "Invocations seen by the lifecycle middleware, by outcome.",
		}, []string{"outcome"})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
