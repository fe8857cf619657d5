package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// runMetrics holds the metrics of one run in a private registry. They are
// exported once at the end, to a Pushgateway and/or a node_exporter textfile.
type runMetrics struct {
	reg *prometheus.Registry

	rowsMigrated   *prometheus.GaugeVec
	tablesFinished *prometheus.CounterVec
	validation     *prometheus.GaugeVec
	engineExitCode prometheus.Gauge
	duration       prometheus.Gauge
	success        prometheus.Gauge
	lastRun        prometheus.Gauge
}

func newRunMetrics() *runMetrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &runMetrics{
		reg: reg,
		rowsMigrated: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mysql2pg_table_rows_migrated",
			Help: "Rows copied per table as last reported by the engine",
		}, []string{"table"}),
		tablesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mysql2pg_tables_finished_total",
			Help: "Tables that reached a terminal phase, by phase",
		}, []string{"phase"}),
		validation: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mysql2pg_validation_tables",
			Help: "Validated tables by status",
		}, []string{"status"}),
		engineExitCode: f.NewGauge(prometheus.GaugeOpts{
			Name: "mysql2pg_engine_exit_code",
			Help: "Exit code of the pgloader container",
		}),
		duration: f.NewGauge(prometheus.GaugeOpts{
			Name: "mysql2pg_run_duration_seconds",
			Help: "Wall time of the run",
		}),
		success: f.NewGauge(prometheus.GaugeOpts{
			Name: "mysql2pg_run_success",
			Help: "1 if the run finished with pass or warning",
		}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "mysql2pg_last_run_timestamp_seconds",
			Help: "Unix time the run finished",
		}),
	}
}

func (m *runMetrics) ObserveProgress(ev ProgressEvent) {
	m.rowsMigrated.WithLabelValues(ev.Table).Set(float64(ev.RowsDone))
	if ev.Phase == PhaseDone || ev.Phase == PhaseFailed {
		m.tablesFinished.WithLabelValues(string(ev.Phase)).Inc()
	}
}

func (m *runMetrics) ObserveEngine(res *EngineResult) {
	m.engineExitCode.Set(float64(res.ExitCode))
}

func (m *runMetrics) ObserveValidation(res *ValidationResult) {
	pass, warn, fail := res.Counts()
	m.validation.WithLabelValues(string(StatusPass)).Set(float64(pass))
	m.validation.WithLabelValues(string(StatusWarning)).Set(float64(warn))
	m.validation.WithLabelValues(string(StatusFail)).Set(float64(fail))
}

func (m *runMetrics) Finish(elapsed time.Duration, runErr error, at time.Time) {
	m.duration.Set(elapsed.Seconds())
	if runErr == nil {
		m.success.Set(1)
	} else {
		m.success.Set(0)
	}
	m.lastRun.Set(float64(at.Unix()))
}

// Export writes the textfile and pushes to the gateway, whichever are
// configured. Both are attempted; the first error is returned.
func (m *runMetrics) Export(ctx context.Context, cfg MetricsConfig, textfile string) error {
	var firstErr error
	if textfile != "" {
		if err := prometheus.WriteToTextfile(textfile, m.reg); err != nil {
			firstErr = fmt.Errorf("write metrics textfile: %w", err)
		}
	}
	if cfg.PushgatewayURL != "" {
		err := push.New(cfg.PushgatewayURL, cfg.JobName).Gatherer(m.reg).PushContext(ctx)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("push metrics: %w", err)
		}
	}
	return firstErr
}
