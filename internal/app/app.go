package app

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/multierr"

	"github.com/DhaneshPachipulusu/license-poc/internal/authority"
	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
	"github.com/DhaneshPachipulusu/license-poc/internal/config"
	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
	"github.com/DhaneshPachipulusu/license-poc/internal/infrastructure"
	appmw "github.com/DhaneshPachipulusu/license-poc/internal/middleware"
	"github.com/DhaneshPachipulusu/license-poc/internal/throttle"
	handlers "github.com/DhaneshPachipulusu/license-poc/internal/transport/http"
	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts"
)

const (
	ServerName = "license-server"
	AgentName  = "license-agent"
)

// Server is the activation authority application
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Router    *chi.Mux
	HTTP      *http.Server
	Store     *authority.Store
	Authority *authority.Service
	OTel      *infrastructure.OTelProviders

	errorHandler  *apperrors.ErrorHandler
	closeThrottle func() error
}

// NewServer wires the authority: telemetry, database, signing key,
// throttle, service and router. Resources opened before a failure are
// released before returning.
func NewServer(cfg *config.Config, logger *slog.Logger) (_ *Server, err error) {
	s := &Server{
		Config:        cfg,
		Logger:        logger,
		errorHandler:  apperrors.NewErrorHandler(logger, false),
		closeThrottle: func() error { return nil },
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.release(context.Background()))
		}
	}()

	s.OTel, err = infrastructure.InitializeOTel(cfg.Telemetry, ServerName, contracts.Version, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	db, err := authority.OpenDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	s.Store = authority.NewStore(db, logger)
	if cfg.Database.AutoMigrate {
		if err := s.Store.Migrate(context.Background()); err != nil {
			return nil, err
		}
	}

	key, err := loadSigningKey(cfg.Authority, logger)
	if err != nil {
		return nil, err
	}
	signer, err := certificate.NewSigner(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	limiter, closeLimiter := throttle.New(cfg.Redis, logger)
	s.closeThrottle = closeLimiter

	metrics, err := authority.InitializeMetrics(s.OTel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create authority metrics: %w", err)
	}

	s.Authority, err = authority.NewService(s.Store, signer, logger,
		authority.WithThrottle(limiter),
		authority.WithMetrics(metrics),
		authority.WithGraceDays(cfg.Authority.GraceDays),
		authority.WithDefaultTier(cfg.Authority.DefaultTier),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authority service: %w", err)
	}

	s.setupRouter()
	s.HTTP = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        s.Router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	return s, nil
}

// loadSigningKey reads the authority's private key, generating one on first
// start when allowed
func loadSigningKey(cfg config.AuthorityConfig, logger *slog.Logger) (*rsa.PrivateKey, error) {
	if cfg.GenerateKeyIfMissing {
		key, created, err := certificate.LoadOrCreatePrivateKey(cfg.PrivateKeyPath, cfg.KeyBits)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		if created {
			logger.Warn("Generated new signing key; agents pinned to a previous key will reject new certificates",
				slog.String("path", cfg.PrivateKeyPath),
				slog.Int("bits", cfg.KeyBits))
		}
		return key, nil
	}

	data, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	key, err := certificate.ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	return key, nil
}

// setupRouter configures the HTTP router with all routes.
// Order: RequestID → RealIP → StripSlashes → OTel → Logger → Recoverer → headers → CORS → rate limit
func (s *Server) setupRouter() {
	cfg := s.Config
	r := chi.NewRouter()

	r.Use(appmw.RequestID)
	r.Use(appmw.RealIP)
	r.Use(appmw.StripSlashes)
	if otelMiddleware, err := appmw.NewOTelMiddleware(s.OTel); err != nil {
		s.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
	} else {
		r.Use(otelMiddleware.Handler)
	}
	r.Use(appmw.StructuredLogger(s.Logger))
	r.Use(appmw.Recoverer(s.errorHandler))
	r.Use(appmw.DefaultSecureHeaders().Handler)
	if cfg.Security.EnableCORS {
		r.Use(appmw.CORS(s.corsConfig()))
	}
	if cfg.Security.RateLimit.Enabled {
		r.Use(appmw.NewRateLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst, s.Logger).Handler)
	}

	r.NotFound(s.errorHandler.NotFound)
	r.MethodNotAllowed(s.errorHandler.MethodNotAllowed)

	health := handlers.NewHealthHandler(contracts.Version, map[string]handlers.ReadyFunc{
		"database": s.Authority.Ready,
	}, s.Logger)
	r.Get("/health", health.LivenessCheck)
	r.Get("/health/ready", health.ReadinessCheck)
	r.Method(http.MethodGet, "/metrics", handlers.NewMetricsHandler(s.OTel))

	validator := appmw.NewRequestValidator(s.Logger, s.errorHandler)
	r.Group(func(r chi.Router) {
		r.Use(appmw.Timeout(cfg.Server.RequestTimeout, s.Logger))
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(appmw.ContentTypeValidator(s.errorHandler, "application/json"))

		licenseAPI := handlers.NewLicenseHandler(s.Authority, validator, s.errorHandler, s.Logger)
		if cfg.Security.AdminJWTSecret == "" {
			s.Logger.Warn("Admin API and upgrades disabled: no admin JWT secret configured")
			r.Mount("/api/v1", licenseAPI.Routes())
			return
		}

		adminAuth := appmw.AdminAuth(cfg.Security.AdminJWTSecret, cfg.Security.AdminIssuer, s.Logger)
		audit := appmw.AuditLog(s.Logger)
		r.Mount("/api/v1", licenseAPI.WithUpgradeAuth(func(next http.Handler) http.Handler {
			return adminAuth(audit(next))
		}).Routes())

		admin := handlers.NewAdminHandler(s.Authority, validator, s.errorHandler, s.Logger)
		r.With(adminAuth, audit).Mount("/api/v1/admin", admin.Routes())
	})

	s.Router = r
}

func (s *Server) corsConfig() appmw.CORSConfig {
	return appmw.CORSConfig{
		AllowedOrigins: s.Config.Security.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-Request-ID",
		},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
		Logger:         s.Logger,
	}
}

// Run serves until ctx is cancelled or the listener fails, then shuts down
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.Logger.InfoContext(ctx, "Starting license server",
			slog.String("version", contracts.Version),
			slog.String("addr", s.HTTP.Addr),
			slog.String("database", s.Config.Database.Dialect),
			slog.Bool("admin_api", s.Config.Security.AdminJWTSecret != ""))
		if err := s.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.Logger.InfoContext(ctx, "Shutdown requested")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}
	return multierr.Append(serveErr, s.Stop(context.Background()))
}

// Stop drains in-flight requests then releases every resource
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.Config.Server.ShutdownTimeout)
	defer cancel()

	var err error
	if s.HTTP != nil {
		if shutdownErr := s.HTTP.Shutdown(shutdownCtx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("server shutdown: %w", shutdownErr))
		}
	}
	err = multierr.Append(err, s.release(shutdownCtx))

	if err != nil {
		s.Logger.ErrorContext(ctx, "Shutdown completed with errors", slog.String("error", err.Error()))
		return err
	}
	s.Logger.InfoContext(ctx, "License server stopped")
	return nil
}

// release closes the throttle, database and telemetry, in that order
func (s *Server) release(ctx context.Context) error {
	var err error
	if s.closeThrottle != nil {
		err = multierr.Append(err, s.closeThrottle())
	}
	if s.Store != nil {
		err = multierr.Append(err, s.Store.Close())
	}
	if s.OTel != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = multierr.Append(err, s.OTel.Shutdown(flushCtx))
	}
	return err
}
