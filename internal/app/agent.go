package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/DhaneshPachipulusu/license-poc/internal/config"
	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
	"github.com/DhaneshPachipulusu/license-poc/internal/infrastructure"
	"github.com/DhaneshPachipulusu/license-poc/internal/license"
	appmw "github.com/DhaneshPachipulusu/license-poc/internal/middleware"
	handlers "github.com/DhaneshPachipulusu/license-poc/internal/transport/http"
	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts"
)

// Agent runs on a licensed host: it activates once, answers local license
// queries and keeps the heartbeat going
type Agent struct {
	Config  *config.Config
	Logger  *slog.Logger
	Manager *license.Manager
	Router  *chi.Mux
	HTTP    *http.Server
	OTel    *infrastructure.OTelProviders

	errorHandler *apperrors.ErrorHandler
	gate         *appmw.LicenseGate
}

// NewAgent wires the license manager and the localhost sidecar. Extra
// manager options are applied last, which lets tests swap the authority
// client or the fingerprint source.
func NewAgent(cfg *config.Config, logger *slog.Logger, opts ...license.ManagerOption) (*Agent, error) {
	providers, err := infrastructure.InitializeOTel(cfg.Telemetry, AgentName, contracts.Version, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Agent{
		Config:       cfg,
		Logger:       logger,
		OTel:         providers,
		errorHandler: apperrors.NewErrorHandler(logger, false),
	}

	agentMetrics, err := license.InitializeAgentMetrics(providers.Meter)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to create agent metrics: %w", err), providers.Shutdown(context.Background()))
	}
	gateMetrics, err := appmw.InitializeGateMetrics(providers.Meter)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to create gate metrics: %w", err), providers.Shutdown(context.Background()))
	}

	base := []license.ManagerOption{
		license.WithAgentMetrics(agentMetrics),
		license.WithRevocationHook(a.onRevoked),
	}
	a.Manager, err = license.NewManager(cfg.Agent, logger, append(base, opts...)...)
	if err != nil {
		return nil, multierr.Append(err, providers.Shutdown(context.Background()))
	}

	a.gate = appmw.NewLicenseGate(a.Manager, logger, appmw.WithGateMetrics(gateMetrics))
	a.setupRouter()
	a.HTTP = &http.Server{
		Addr:              cfg.Agent.ListenAddr,
		Handler:           a.Router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	return a, nil
}

func (a *Agent) onRevoked(ctx context.Context, state license.HeartbeatState) {
	a.Logger.ErrorContext(ctx, "License revoked by authority; protected services will be refused",
		slog.String("service", a.Config.Agent.ServiceName))
}

// setupRouter builds the sidecar API. It binds to localhost and carries no
// authentication of its own.
func (a *Agent) setupRouter() {
	r := chi.NewRouter()
	r.Use(appmw.RequestID)
	r.Use(appmw.StructuredLogger(a.Logger))
	r.Use(appmw.Recoverer(a.errorHandler))
	r.NotFound(a.errorHandler.NotFound)
	r.MethodNotAllowed(a.errorHandler.MethodNotAllowed)

	healthCheck := license.NewLicenseHealthCheck(a.Manager, license.DefaultHealthCheckConfig())
	r.Get("/health", healthCheck.HTTPHandler())
	r.Method(http.MethodGet, "/metrics", handlers.NewMetricsHandler(a.OTel))

	r.Mount("/license", handlers.NewAgentHandler(a.Manager, healthCheck.HTTPHandler(), a.Logger).Routes())

	// Forward-auth endpoint for a reverse proxy in front of the protected
	// application: 204 when the license admits the configured service.
	guard := a.gate.Handler
	if svc := a.Config.Agent.ServiceName; svc != "" {
		guard = a.gate.RequireService(svc)
	}
	r.With(guard).Get("/authorize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	a.Router = r
}

// Run activates when needed, then serves the sidecar and runs the heartbeat
// until ctx is cancelled. A failed activation is logged, the sidecar still
// starts so that the host can read the reason, and activation is retried
// in the background.
func (a *Agent) Run(ctx context.Context) error {
	verdict, err := a.Manager.EnsureActivated(ctx, a.Config.Agent.ProductKey)
	if err != nil {
		a.Logger.ErrorContext(ctx, "Activation failed", slog.String("error", err.Error()))
		verdict = a.Manager.Validate(ctx)
	}
	a.Logger.InfoContext(ctx, "License state at startup",
		slog.Bool("valid", verdict.Valid),
		slog.String("reason", verdict.Reason),
		slog.String("mode", verdict.Mode),
		slog.Int("days_remaining", verdict.DaysRemaining))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "Starting license sidecar", slog.String("addr", a.HTTP.Addr))
		if err := a.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("sidecar: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		return a.HTTP.Shutdown(shutdownCtx)
	})

	activated := verdict.Reason != license.ReasonNotActivated
	g.Go(func() error { return a.runHeartbeat(gctx, activated) })

	runErr := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return multierr.Append(runErr, a.OTel.Shutdown(flushCtx))
}

// runHeartbeat runs the heartbeat loop. Until the machine holds a
// certificate it retries activation once per heartbeat interval.
func (a *Agent) runHeartbeat(ctx context.Context, activated bool) error {
	retry := time.NewTicker(a.Config.Agent.HeartbeatInterval)
	defer retry.Stop()

	for {
		if activated {
			heartbeat, err := a.Manager.NewHeartbeat()
			if err == nil {
				return heartbeat.Run(ctx)
			}
			a.Logger.WarnContext(ctx, "Heartbeat not ready", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-retry.C:
		}

		verdict, err := a.Manager.EnsureActivated(ctx, a.Config.Agent.ProductKey)
		if err != nil {
			a.Logger.WarnContext(ctx, "Activation retry failed", slog.String("error", err.Error()))
			continue
		}
		activated = verdict.Reason != license.ReasonNotActivated
		if activated {
			a.Logger.InfoContext(ctx, "License activated, starting heartbeat",
				slog.Bool("valid", verdict.Valid),
				slog.String("reason", verdict.Reason))
		}
	}
}
