package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
	"github.com/DhaneshPachipulusu/license-poc/internal/license"
)

type verdictKey struct{}

// VerdictFromContext returns the verdict the gate admitted the request with
func VerdictFromContext(ctx context.Context) (*license.Verdict, bool) {
	v, ok := ctx.Value(verdictKey{}).(*license.Verdict)
	return v, ok
}

// GateMetrics holds OpenTelemetry metrics for the license gate
type GateMetrics struct {
	RequestsTotal  metric.Int64Counter
	Denials        metric.Int64Counter
	PathExclusions metric.Int64Counter
	CheckDuration  metric.Float64Histogram
}

// InitializeGateMetrics creates the gate instruments on meter
func InitializeGateMetrics(meter metric.Meter) (*GateMetrics, error) {
	m := &GateMetrics{}
	var err error

	if m.RequestsTotal, err = meter.Int64Counter("license_gate_requests_total",
		metric.WithDescription("Requests seen by the license gate")); err != nil {
		return nil, fmt.Errorf("failed to create gate requests counter: %w", err)
	}
	if m.Denials, err = meter.Int64Counter("license_gate_denials_total",
		metric.WithDescription("Requests denied by the license gate, by reason")); err != nil {
		return nil, fmt.Errorf("failed to create gate denial counter: %w", err)
	}
	if m.PathExclusions, err = meter.Int64Counter("license_gate_path_exclusions_total",
		metric.WithDescription("Requests that bypassed the gate")); err != nil {
		return nil, fmt.Errorf("failed to create gate exclusion counter: %w", err)
	}
	if m.CheckDuration, err = meter.Float64Histogram("license_gate_check_duration_seconds",
		metric.WithDescription("Time spent obtaining a verdict"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create gate duration histogram: %w", err)
	}
	return m, nil
}

// GateOption configures a LicenseGate
type GateOption func(*LicenseGate)

// WithExcludedPaths adds exact paths that bypass the gate
func WithExcludedPaths(paths ...string) GateOption {
	return func(g *LicenseGate) { g.excludePaths = append(g.excludePaths, paths...) }
}

// WithExcludedPrefixes adds path prefixes that bypass the gate
func WithExcludedPrefixes(prefixes ...string) GateOption {
	return func(g *LicenseGate) { g.excludePrefixes = append(g.excludePrefixes, prefixes...) }
}

// WithGateMetrics records gate metrics
func WithGateMetrics(m *GateMetrics) GateOption {
	return func(g *LicenseGate) { g.metrics = m }
}

// LicenseGate admits requests only while the local license verdict is valid.
// Verdicts come from the manager, which caches them, so the gate keeps no
// state of its own.
type LicenseGate struct {
	source          VerdictSource
	logger          *slog.Logger
	excludePaths    []string
	excludePrefixes []string
	metrics         *GateMetrics
}

// NewLicenseGate creates a gate. Health and license status endpoints are
// always reachable so an unlicensed host can still be diagnosed.
func NewLicenseGate(source VerdictSource, logger *slog.Logger, opts ...GateOption) *LicenseGate {
	g := &LicenseGate{
		source: source,
		logger: logger.With(slog.String("component", "license_gate")),
		excludePaths: []string{
			"/health",
			"/health/ready",
			"/metrics",
			"/license/status",
			"/license/expiry",
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handler requires a valid license for every non-excluded path
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return g.handler("", next)
}

// RequireService returns middleware that additionally requires service to be
// among the licensed entitlements
func (g *LicenseGate) RequireService(service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.handler(service, next)
	}
}

func (g *LicenseGate) handler(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer(license.TracerName).Start(r.Context(), "license_gate.check",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
			),
		)
		defer span.End()

		if g.metrics != nil {
			g.metrics.RequestsTotal.Add(ctx, 1)
		}

		if g.shouldExcludePath(r.URL.Path) {
			span.SetAttributes(attribute.String("license.validation", "excluded"))
			if g.metrics != nil {
				g.metrics.PathExclusions.Add(ctx, 1)
			}
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		verdict := g.source.Validate(ctx)
		if g.metrics != nil {
			g.metrics.CheckDuration.Record(ctx, time.Since(start).Seconds())
		}

		reason := verdict.Reason
		if verdict.Valid && service != "" && !verdict.Allows(service) {
			reason = "service_not_allowed"
		}
		span.SetAttributes(
			attribute.Bool("license.valid", verdict.Valid),
			attribute.String("license.reason", reason),
			attribute.String("license.mode", verdict.Mode),
		)

		if !verdict.Valid || reason == "service_not_allowed" {
			if g.metrics != nil {
				g.metrics.Denials.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
			}
			g.logger.WarnContext(ctx, "Request denied by license gate",
				slog.String("path", r.URL.Path),
				slog.String("reason", reason),
				slog.String("service", service),
				slog.String("trace_id", GetRequestID(ctx)))

			writeProblem(w, r, apperrors.NewLicenseDeniedProblem(reason, denialMessage(reason, service), r.URL.Path))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, verdictKey{}, verdict)))
	})
}

func (g *LicenseGate) shouldExcludePath(path string) bool {
	for _, excluded := range g.excludePaths {
		if path == excluded {
			return true
		}
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func denialMessage(reason, service string) string {
	switch reason {
	case license.ReasonNotActivated:
		return "This machine has no license. Activate it with a product key."
	case license.ReasonInvalidSignature:
		return "The stored license certificate failed signature verification."
	case license.ReasonMachineMismatch:
		return "The license certificate was issued for a different machine."
	case license.ReasonExpired:
		return "The license has expired."
	case license.ReasonRevoked:
		return "The license has been revoked."
	case "service_not_allowed":
		return fmt.Sprintf("The license does not include the %q service.", service)
	default:
		return "The license could not be validated."
	}
}
