package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
	"github.com/DhaneshPachipulusu/license-poc/internal/infrastructure"
	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts/domain"
)

// Heartbeat defaults
const (
	DefaultHeartbeatInterval = 5 * time.Minute
	DefaultHeartbeatAttempts = 3
	DefaultRetryBackoff      = time.Second
	maxRetryBackoff          = 4 * time.Second
)

// HeartbeatOption configures a Heartbeat
type HeartbeatOption func(*Heartbeat)

// WithInterval sets the time between ticks
func WithInterval(d time.Duration) HeartbeatOption {
	return func(h *Heartbeat) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithRetry sets the attempts per tick and the first backoff. Backoff doubles
// up to four times the first value.
func WithRetry(attempts int, backoff time.Duration) HeartbeatOption {
	return func(h *Heartbeat) {
		if attempts > 0 {
			h.attempts = attempts
		}
		if backoff > 0 {
			h.backoff = backoff
			h.maxBackoff = 4 * backoff
		}
	}
}

// WithAppVersion sets the version reported to the authority
func WithAppVersion(version string) HeartbeatOption {
	return func(h *Heartbeat) { h.appVersion = version }
}

// WithOnRevoked registers the hook called when the authority first reports
// this machine revoked
func WithOnRevoked(fn func(ctx context.Context, state HeartbeatState)) HeartbeatOption {
	return func(h *Heartbeat) { h.onRevoked = fn }
}

// WithHeartbeatClock replaces time.Now
func WithHeartbeatClock(now func() time.Time) HeartbeatOption {
	return func(h *Heartbeat) { h.now = now }
}

// WithHeartbeatMetrics records OpenTelemetry metrics
func WithHeartbeatMetrics(m *AgentMetrics) HeartbeatOption {
	return func(h *Heartbeat) { h.metrics = m }
}

// withStateChange is called after every write to local state
func withStateChange(fn func()) HeartbeatOption {
	return func(h *Heartbeat) { h.onChange = fn }
}

// Heartbeat periodically reports to the authority and mirrors its answer
// into local state
type Heartbeat struct {
	client       AuthorityClient
	state        *StateStore
	fingerprints FingerprintSource
	verifier     *certificate.Verifier
	logger       *slog.Logger
	metrics      *AgentMetrics

	interval   time.Duration
	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
	appVersion string
	now        func() time.Time
	onRevoked  func(ctx context.Context, state HeartbeatState)
	onChange   func()
}

// NewHeartbeat creates the loop. It does nothing until Run is called.
func NewHeartbeat(client AuthorityClient, state *StateStore, fingerprints FingerprintSource, verifier *certificate.Verifier, logger *slog.Logger, opts ...HeartbeatOption) *Heartbeat {
	h := &Heartbeat{
		client:       client,
		state:        state,
		fingerprints: fingerprints,
		verifier:     verifier,
		logger:       logger.With(slog.String("component", "heartbeat")),
		metrics:      NoopAgentMetrics(),
		interval:     DefaultHeartbeatInterval,
		attempts:     DefaultHeartbeatAttempts,
		backoff:      DefaultRetryBackoff,
		maxBackoff:   maxRetryBackoff,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run ticks immediately, then every interval, until ctx is cancelled.
// Cancellation is not an error.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.logger.InfoContext(ctx, "Heartbeat loop started", slog.Duration("interval", h.interval))
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		// failures are logged by Tick and retried next interval
		_ = h.Tick(ctx)

		select {
		case <-ctx.Done():
			h.logger.InfoContext(context.WithoutCancel(ctx), "Heartbeat loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one heartbeat round. A panic inside the round is recovered
// and returned as an error.
func (h *Heartbeat) Tick(ctx context.Context) (err error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.heartbeat")
	defer span.End()
	ctx = infrastructure.EnsureTraceID(ctx)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heartbeat panic: %v", r)
			h.logger.ErrorContext(ctx, "Heartbeat tick panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			h.metrics.Heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "panic")))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "heartbeat failed")
		}
	}()

	fingerprint, err := h.fingerprints.Current(ctx)
	if err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}
	data, err := h.state.LoadCertificate(fingerprint)
	if errors.Is(err, apperrors.ErrNotActivated) {
		h.logger.DebugContext(ctx, "Skipping heartbeat, not activated")
		return nil
	}
	if err != nil {
		h.logger.WarnContext(ctx, "Skipping heartbeat, certificate unreadable", slog.String("error", err.Error()))
		return err
	}
	cert, err := certificate.Decode(data)
	if err != nil {
		h.logger.WarnContext(ctx, "Skipping heartbeat, certificate malformed", slog.String("error", err.Error()))
		return err
	}
	span.SetAttributes(attribute.String("machine_id", cert.MachineID), attribute.String("cert_id", cert.CertID))

	resp, err := h.send(ctx, domain.HeartbeatRequest{
		MachineID:  cert.MachineID,
		AppVersion: h.appVersion,
		Status:     "running",
		CertID:     cert.CertID,
	})
	if err != nil {
		h.metrics.Heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "unreachable")))
		h.logger.WarnContext(ctx, "Heartbeat failed, keeping previous state",
			slog.String("machine_id", cert.MachineID),
			slog.String("error", err.Error()),
		)
		return err
	}
	h.metrics.Heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", resp.Status)))

	return h.apply(ctx, resp, cert, fingerprint)
}

// send calls the authority with bounded retries
func (h *Heartbeat) send(ctx context.Context, req domain.HeartbeatRequest) (*domain.HeartbeatResponse, error) {
	wait := h.backoff
	var lastErr error
	for attempt := 1; attempt <= h.attempts; attempt++ {
		resp, err := h.client.Heartbeat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, apperrors.ErrAuthorityResponse) || attempt == h.attempts {
			break
		}

		h.logger.DebugContext(ctx, "Retrying heartbeat",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, h.maxBackoff)
	}
	return nil, lastErr
}

func (h *Heartbeat) apply(ctx context.Context, resp *domain.HeartbeatResponse, cert *certificate.Certificate, fingerprint string) error {
	now := h.now().UTC()
	if h.onChange != nil {
		defer h.onChange()
	}

	switch resp.Status {
	case domain.HeartbeatOK:
		if len(resp.CertUpdate) > 0 {
			h.applyCertUpdate(ctx, resp.CertUpdate, cert, fingerprint)
		}
		_, err := h.state.UpdateHeartbeatState(now, func(st *HeartbeatState) {
			st.LastValidatedAt = now
			st.Revoked = false
			st.RevokedAt = nil
			st.LastStatus = resp.Status
		})
		return err

	case domain.HeartbeatRevoked:
		var wasRevoked bool
		st, err := h.state.UpdateHeartbeatState(now, func(st *HeartbeatState) {
			wasRevoked = st.Revoked
			st.Revoked = true
			if st.RevokedAt == nil {
				st.RevokedAt = &now
			}
			st.LastStatus = resp.Status
		})
		if err != nil {
			return err
		}
		if !wasRevoked {
			h.logger.WarnContext(ctx, "License revoked by authority",
				slog.String("machine_id", cert.MachineID),
				slog.String("message", resp.Message),
			)
			if h.onRevoked != nil {
				h.onRevoked(ctx, st)
			}
		}
		return nil

	case domain.HeartbeatExpired:
		// last_validated_at is left alone so the offline grace keeps running
		_, err := h.state.UpdateHeartbeatState(now, func(st *HeartbeatState) {
			st.LastStatus = resp.Status
		})
		h.logger.WarnContext(ctx, "Authority reports certificate expired",
			slog.String("cert_id", cert.CertID),
			slog.Time("expires_at", cert.ExpiresAt),
		)
		return err

	default:
		err := fmt.Errorf("%w: heartbeat status %q", apperrors.ErrAuthorityResponse, resp.Status)
		h.logger.WarnContext(ctx, "Heartbeat failed, keeping previous state", slog.String("error", err.Error()))
		return err
	}
}

// applyCertUpdate stores a pushed certificate after checking it belongs to
// this machine. Rejected updates are logged and dropped.
func (h *Heartbeat) applyCertUpdate(ctx context.Context, data []byte, current *certificate.Certificate, fingerprint string) {
	outcome := "applied"
	defer func() {
		h.metrics.CertificateUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}()

	reject := func(reason string, attrs ...any) {
		outcome = "rejected"
		h.logger.WarnContext(ctx, "Rejected certificate update",
			append([]any{slog.String("reason", reason)}, attrs...)...)
	}

	update, err := h.verifier.VerifyBytes(data)
	if err != nil {
		reject(ReasonInvalidSignature, slog.String("error", err.Error()))
		return
	}
	if update.MachineFingerprint != fingerprint || update.MachineID != current.MachineID {
		reject(ReasonMachineMismatch, slog.String("cert_id", update.CertID))
		return
	}
	if err := h.state.SaveCertificate(data, fingerprint); err != nil {
		outcome = "error"
		h.logger.ErrorContext(ctx, "Failed to store certificate update", slog.String("error", err.Error()))
		return
	}

	h.logger.InfoContext(ctx, "Certificate updated",
		slog.String("previous_cert_id", current.CertID),
		slog.String("cert_id", update.CertID),
		slog.Time("expires_at", update.ExpiresAt),
		slog.String("tier", update.Tier),
	)
}
