// Package metrics records dataset pipeline statistics in a Prometheus
// registry and exports them as a node exporter textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains the metrics of one dataset generation run.
type PipelineMetrics struct {
	StageDuration *prometheus.GaugeVec   // Seconds spent per stage
	StageSkipped  *prometheus.CounterVec // Stages loaded from a checkpoint instead of recomputed
	Rows          *prometheus.GaugeVec   // Rows produced per stage and split
	Classes       *prometheus.GaugeVec   // Distinct classes per split
	LastSuccess   prometheus.Gauge       // Unix time of the last published corpus

	registry *prometheus.Registry
}

func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		registry: registry,
		StageDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dataset_stage_duration_seconds",
				Help: "Time taken by each dataset generation stage",
			},
			[]string{"stage"},
		),
		StageSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataset_stage_skipped_total",
				Help: "Number of stages resumed from an existing checkpoint",
			},
			[]string{"stage"},
		),
		Rows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dataset_rows",
				Help: "Rows produced by each stage and split",
			},
			[]string{"stage", "split"},
		),
		Classes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dataset_classes",
				Help: "Distinct species classes per split",
			},
			[]string{"split"},
		),
		LastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dataset_last_success_timestamp_seconds",
				Help: "Unix time of the last published corpus",
			},
		),
	}
	for _, c := range []prometheus.Collector{m.StageDuration, m.StageSkipped, m.Rows, m.Classes, m.LastSuccess} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}
	return m, nil
}

// ObserveStage returns a func that records the stage duration when called.
func (m *PipelineMetrics) ObserveStage(stage string) func() {
	start := time.Now()
	return func() {
		m.StageDuration.WithLabelValues(stage).Set(time.Since(start).Seconds())
	}
}

func (m *PipelineMetrics) RecordRows(stage, split string, rows int) {
	m.Rows.WithLabelValues(stage, split).Set(float64(rows))
}

func (m *PipelineMetrics) RecordClasses(split string, classes int) {
	m.Classes.WithLabelValues(split).Set(float64(classes))
}

func (m *PipelineMetrics) RecordSkipped(stage string) {
	m.StageSkipped.WithLabelValues(stage).Inc()
}

func (m *PipelineMetrics) RecordSuccess(t time.Time) {
	m.LastSuccess.Set(float64(t.Unix()))
}

// WriteTextfile atomically writes every metric of the registry to path in
// the Prometheus text format.
func (m *PipelineMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
