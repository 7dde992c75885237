package authority

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	TracerName = "license-authority"
	MeterName  = "license-authority"
)

// Metrics holds the authority's OpenTelemetry instruments
type Metrics struct {
	ActivationAttempts   metric.Int64Counter
	ActivationSuccess    metric.Int64Counter
	ActivationRejections metric.Int64Counter
	ActivationDuration   metric.Float64Histogram

	UpgradeAttempts metric.Int64Counter
	Heartbeats      metric.Int64Counter
	Revocations     metric.Int64Counter
	Validations     metric.Int64Counter
}

// InitializeMetrics creates the authority metrics on meter
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	m.ActivationSuccess, err = meter.Int64Counter(
		"license_activation_success_total",
		metric.WithDescription("Total number of successful license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation success counter: %w", err)
	}

	m.ActivationRejections, err = meter.Int64Counter(
		"license_activation_rejections_total",
		metric.WithDescription("License activations rejected, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation rejections counter: %w", err)
	}

	m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	m.UpgradeAttempts, err = meter.Int64Counter(
		"license_upgrade_attempts_total",
		metric.WithDescription("Certificate renewals and upgrades, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upgrade counter: %w", err)
	}

	m.Heartbeats, err = meter.Int64Counter(
		"license_heartbeats_total",
		metric.WithDescription("Heartbeats received, by resulting status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create heartbeat counter: %w", err)
	}

	m.Revocations, err = meter.Int64Counter(
		"license_revocations_total",
		metric.WithDescription("Machine and customer revocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create revocation counter: %w", err)
	}

	m.Validations, err = meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("Server-side certificate validations, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation counter: %w", err)
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing
func NoopMetrics() *Metrics {
	m, _ := InitializeMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
