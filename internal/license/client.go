package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts/domain"
)

const maxResponseBytes = 1 << 20

// ErrAdminTokenRequired is returned by Upgrade when no operator token is set
var ErrAdminTokenRequired = errors.New("upgrade requires an admin token")

// AuthorityClient is the agent's view of the activation authority
type AuthorityClient interface {
	Activate(ctx context.Context, req domain.ActivateRequest) (*domain.ActivateResponse, error)
	Upgrade(ctx context.Context, req domain.UpgradeRequest) (*domain.ActivateResponse, error)
	Heartbeat(ctx context.Context, req domain.HeartbeatRequest) (*domain.HeartbeatResponse, error)
	PublicKey(ctx context.Context) ([]byte, error)
}

// Client talks to the authority over HTTP
type Client struct {
	baseURL    string
	http       *http.Client
	logger     *slog.Logger
	adminToken string
}

// NewClient creates a client for the authority at baseURL
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("component", "authority_client")),
	}
}

// WithAdminToken sets the operator bearer token sent with upgrade requests
func (c *Client) WithAdminToken(token string) *Client {
	c.adminToken = token
	return c
}

// Activate requests a certificate for this machine
func (c *Client) Activate(ctx context.Context, req domain.ActivateRequest) (*domain.ActivateResponse, error) {
	var resp domain.ActivateResponse
	if err := c.postJSON(ctx, "/api/v1/activate", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Upgrade requests a renewed or upgraded certificate. The authority only
// accepts it with an operator token.
func (c *Client) Upgrade(ctx context.Context, req domain.UpgradeRequest) (*domain.ActivateResponse, error) {
	if c.adminToken == "" {
		return nil, ErrAdminTokenRequired
	}
	var resp domain.ActivateResponse
	if err := c.postJSON(ctx, "/api/v1/upgrade", c.adminToken, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat reports liveness and fetches the server-side status
func (c *Client) Heartbeat(ctx context.Context, req domain.HeartbeatRequest) (*domain.HeartbeatResponse, error) {
	var resp domain.HeartbeatResponse
	if err := c.postJSON(ctx, "/api/v1/heartbeat", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PublicKey downloads the authority's PEM encoded verification key
func (c *Client) PublicKey(ctx context.Context) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/public-key", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.do(httpReq)
}

func (c *Client) postJSON(ctx context.Context, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	data, err := c.do(httpReq)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", apperrors.ErrAuthorityResponse, path, err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	ctx := req.Context()
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		c.logger.WarnContext(ctx, "License authority request failed",
			slog.String("path", req.URL.Path),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", apperrors.ErrAuthorityUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", apperrors.ErrAuthorityUnreachable, err)
	}

	c.logger.DebugContext(ctx, "License authority responded",
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.ErrThrottled
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", apperrors.ErrAuthorityUnreachable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d: %s", apperrors.ErrAuthorityResponse, resp.StatusCode, problemDetail(data))
	}
	return data, nil
}

// problemDetail extracts the detail of an RFC 7807 body, falling back to the
// raw text
func problemDetail(data []byte) string {
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &problem) == nil && (problem.Detail != "" || problem.Title != "") {
		if problem.Detail != "" {
			return problem.Detail
		}
		return problem.Title
	}
	text := strings.TrimSpace(string(data))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
