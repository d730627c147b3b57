package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/propwatch/listing-harvester/internal/progress"
)

// PrometheusSink exports harvest progress via Prometheus. It owns the
// loop-level collectors: unit outcomes, new listings, cycle completions,
// and pass interruptions.
type PrometheusSink struct {
	units         *prometheus.CounterVec
	listingsNew   *prometheus.CounterVec
	unitDuration  *prometheus.HistogramVec
	cyclesDone    *prometheus.CounterVec
	interruptions *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_units_total",
			Help: "Unit outcomes partitioned by source and outcome.",
		}, []string{"source", "outcome"}),
		listingsNew: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_listings_new_total",
			Help: "New listings produced per source.",
		}, []string{"source"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_unit_duration_seconds",
			Help:    "Wall time per completed unit.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"source"}),
		cyclesDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_cycles_completed_total",
			Help: "Full sweeps completed per source.",
		}, []string{"source"}),
		interruptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_pass_interruptions_total",
			Help: "Passes ended early, partitioned by source and reason.",
		}, []string{"source", "reason"}),
	}
	for _, collector := range []prometheus.Collector{
		s.units,
		s.listingsNew,
		s.unitDuration,
		s.cyclesDone,
		s.interruptions,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageUnitDone:
		s.units.WithLabelValues(evt.Source, "done").Inc()
		if evt.Listings > 0 {
			s.listingsNew.WithLabelValues(evt.Source).Add(float64(evt.Listings))
		}
		if evt.Dur > 0 {
			s.unitDuration.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
		}
	case progress.StageUnitSkipped:
		s.units.WithLabelValues(evt.Source, "skipped").Inc()
	case progress.StageUnitFiltered:
		s.units.WithLabelValues(evt.Source, "filtered").Inc()
	case progress.StageCycleDone:
		s.cyclesDone.WithLabelValues(evt.Source).Inc()
	case progress.StagePaused:
		s.interruptions.WithLabelValues(evt.Source, "paused").Inc()
	case progress.StageAborted:
		s.interruptions.WithLabelValues(evt.Source, "aborted").Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
