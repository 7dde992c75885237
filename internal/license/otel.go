package license

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	TracerName = "license-agent"
	MeterName  = "license-agent"
)

// AgentMetrics holds the agent's OpenTelemetry instruments
type AgentMetrics struct {
	ActivationAttempts metric.Int64Counter
	Validations        metric.Int64Counter
	Heartbeats         metric.Int64Counter
	CertificateUpdates metric.Int64Counter
}

// InitializeAgentMetrics creates the agent metrics on meter
func InitializeAgentMetrics(meter metric.Meter) (*AgentMetrics, error) {
	m := &AgentMetrics{}
	var err error

	m.ActivationAttempts, err = meter.Int64Counter(
		"license_agent_activation_attempts_total",
		metric.WithDescription("Activation attempts made by the agent, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation counter: %w", err)
	}

	m.Validations, err = meter.Int64Counter(
		"license_agent_validations_total",
		metric.WithDescription("Offline validations, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation counter: %w", err)
	}

	m.Heartbeats, err = meter.Int64Counter(
		"license_agent_heartbeats_total",
		metric.WithDescription("Heartbeat rounds, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create heartbeat counter: %w", err)
	}

	m.CertificateUpdates, err = meter.Int64Counter(
		"license_agent_certificate_updates_total",
		metric.WithDescription("Certificate updates pushed by the authority, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate update counter: %w", err)
	}

	return m, nil
}

// NoopAgentMetrics returns instruments that record nothing
func NoopAgentMetrics() *AgentMetrics {
	m, _ := InitializeAgentMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
