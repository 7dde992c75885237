package license

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckConfig configures health check behavior
type HealthCheckConfig struct {
	CheckTimeout time.Duration

	// heartbeat state older than this is reported degraded
	MaxHeartbeatAge time.Duration
}

// DefaultHealthCheckConfig returns sensible defaults
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		CheckTimeout:    5 * time.Second,
		MaxHeartbeatAge: 3 * DefaultHeartbeatInterval,
	}
}

// LicenseHealthCheck reports on the agent's local license machinery
type LicenseHealthCheck struct {
	manager *Manager
	config  HealthCheckConfig
}

// NewLicenseHealthCheck creates a new health check
func NewLicenseHealthCheck(manager *Manager, config HealthCheckConfig) *LicenseHealthCheck {
	return &LicenseHealthCheck{
		manager: manager,
		config:  config,
	}
}

// HealthCheckResult contains the status of every component
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id,omitempty"`
	Components    map[string]*ComponentHealth `json:"components"`
	Summary       *HealthSummary              `json:"summary"`
}

// HealthSummary provides aggregated health metrics
type HealthSummary struct {
	TotalComponents     int     `json:"total_components"`
	HealthyComponents   int     `json:"healthy_components"`
	DegradedComponents  int     `json:"degraded_components"`
	UnhealthyComponents int     `json:"unhealthy_components"`
	OverallScore        float64 `json:"overall_score"`
}

// PerformHealthCheck runs all component checks concurrently
func (hc *LicenseHealthCheck) PerformHealthCheck(ctx context.Context) *HealthCheckResult {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.health_check",
		trace.WithAttributes(attribute.String("component", "license_health")),
	)
	defer span.End()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start,
		Components: make(map[string]*ComponentHealth),
		TraceID:    getTraceIDFromContext(ctx),
	}

	checks := map[string]func(context.Context) *ComponentHealth{
		"license_validation": hc.checkLicenseValidation,
		"state_directory":    hc.checkStateDirectory,
		"heartbeat":          hc.checkHeartbeat,
		"fingerprint":        hc.checkFingerprint,
		"cache_system":       hc.checkCache,
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, hc.config.CheckTimeout)
			defer cancel()

			began := time.Now()
			health := check(checkCtx)
			health.Duration = time.Since(began).String()

			mu.Lock()
			result.Components[name] = health
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result.Summary = calculateHealthSummary(result.Components)
	result.OverallStatus = determineOverallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = generateStatusMessage(result.OverallStatus, result.Summary)

	span.SetAttributes(
		attribute.String("health.overall_status", string(result.OverallStatus)),
		attribute.Int("health.total_components", result.Summary.TotalComponents),
		attribute.Float64("health.overall_score", result.Summary.OverallScore),
	)
	return result
}

func newComponentHealth() *ComponentHealth {
	return &ComponentHealth{Timestamp: time.Now(), Metadata: make(map[string]interface{})}
}

func (hc *LicenseHealthCheck) checkLicenseValidation(ctx context.Context) *ComponentHealth {
	health := newComponentHealth()
	v := hc.manager.Validate(ctx)

	health.Metadata["reason"] = v.Reason
	if v.Mode != "" {
		health.Metadata["mode"] = v.Mode
	}
	switch {
	case v.Valid && v.Mode == ModeOfflineGrace:
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("License valid in offline grace, %s left", v.GraceRemaining.Round(time.Minute))
	case v.Valid:
		health.Status = HealthStatusHealthy
		health.Message = fmt.Sprintf("License valid, %d days remaining", v.DaysRemaining)
		health.Metadata["cert_id"] = v.Certificate.CertID
	default:
		health.Status = HealthStatusUnhealthy
		health.Message = "License not valid"
		health.Error = v.Reason
	}
	return health
}

func (hc *LicenseHealthCheck) checkStateDirectory(ctx context.Context) *ComponentHealth {
	health := newComponentHealth()
	dir := hc.manager.State().Dir()
	health.Metadata["path"] = dir

	probe, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "State directory not writable"
		health.Error = err.Error()
		return health
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)

	health.Status = HealthStatusHealthy
	health.Message = "State directory writable"
	health.Metadata["certificate_present"] = hc.manager.State().HasCertificate()
	health.Metadata["public_key_pinned"] = hc.manager.State().HasPublicKey()
	if _, err := os.Stat(filepath.Join(dir, HeartbeatStateFile)); err == nil {
		health.Metadata["heartbeat_state_present"] = true
	}
	return health
}

func (hc *LicenseHealthCheck) checkHeartbeat(ctx context.Context) *ComponentHealth {
	health := newComponentHealth()
	st, err := hc.manager.State().HeartbeatState()
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Heartbeat state unreadable, license treated as revoked"
		health.Error = err.Error()
		return health
	}

	health.Metadata["last_status"] = st.LastStatus
	switch {
	case st.Revoked:
		health.Status = HealthStatusUnhealthy
		health.Message = "Authority revoked this machine"
		if st.RevokedAt != nil {
			health.Metadata["revoked_at"] = st.RevokedAt
		}
	case st.LastValidatedAt.IsZero():
		health.Status = HealthStatusDegraded
		health.Message = "No successful heartbeat recorded"
	default:
		age := hc.manager.now().Sub(st.LastValidatedAt)
		health.Metadata["last_validated_at"] = st.LastValidatedAt
		health.Metadata["age_seconds"] = int64(age.Seconds())
		if hc.config.MaxHeartbeatAge > 0 && age > hc.config.MaxHeartbeatAge {
			health.Status = HealthStatusDegraded
			health.Message = "Authority not reached recently"
		} else {
			health.Status = HealthStatusHealthy
			health.Message = "Heartbeat current"
		}
	}
	return health
}

func (hc *LicenseHealthCheck) checkFingerprint(ctx context.Context) *ComponentHealth {
	health := newComponentHealth()
	fp, err := hc.manager.fingerprints.Current(ctx)
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Fingerprint generation failed"
		health.Error = err.Error()
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "Fingerprint available"
	health.Metadata["length"] = len(fp)
	return health
}

func (hc *LicenseHealthCheck) checkCache(ctx context.Context) *ComponentHealth {
	health := newComponentHealth()
	health.Status = HealthStatusHealthy
	health.Message = "Verdict cache operational"
	health.Metadata = hc.manager.CacheStats()
	return health
}

func calculateHealthSummary(components map[string]*ComponentHealth) *HealthSummary {
	summary := &HealthSummary{TotalComponents: len(components)}
	for _, health := range components {
		switch health.Status {
		case HealthStatusHealthy:
			summary.HealthyComponents++
		case HealthStatusDegraded:
			summary.DegradedComponents++
		case HealthStatusUnhealthy:
			summary.UnhealthyComponents++
		}
	}

	// healthy=1.0, degraded=0.5, unhealthy=0.0
	if summary.TotalComponents > 0 {
		score := float64(summary.HealthyComponents) + float64(summary.DegradedComponents)*0.5
		summary.OverallScore = score / float64(summary.TotalComponents)
	}
	return summary
}

func determineOverallStatus(components map[string]*ComponentHealth) HealthStatus {
	hasDegraded := false
	for _, health := range components {
		switch health.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			hasDegraded = true
		}
	}
	if hasDegraded {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

func generateStatusMessage(status HealthStatus, summary *HealthSummary) string {
	switch status {
	case HealthStatusHealthy:
		return fmt.Sprintf("All %d license components are healthy", summary.TotalComponents)
	case HealthStatusDegraded:
		return fmt.Sprintf("License agent operational with %d degraded components out of %d",
			summary.DegradedComponents, summary.TotalComponents)
	default:
		return fmt.Sprintf("License agent unhealthy: %d unhealthy, %d degraded out of %d components",
			summary.UnhealthyComponents, summary.DegradedComponents, summary.TotalComponents)
	}
}

// HTTPHandler serves the health check. Unhealthy results answer 503.
func (hc *LicenseHealthCheck) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := hc.PerformHealthCheck(r.Context())

		status := http.StatusOK
		if result.OverallStatus == HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		render.Status(r, status)
		render.JSON(w, r, result)
	}
}

func getTraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
