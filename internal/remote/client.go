package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrRemoteWrite indicates a transient remote persistence failure. The sync
// engine treats it as retryable; it never reaches queue callers.
var ErrRemoteWrite = errors.New("remote: write failed")

const (
	defaultRequestTimeout = 15 * time.Second
	healthCheckTimeout    = 5 * time.Second
)

// Writer is the remote persistence capability the sync engine reconciles
// against. UpdateSubject must be idempotent: the engine may apply the same
// record's write more than once after a crash between remote success and the
// local status commit.
type Writer interface {
	UpdateSubject(ctx context.Context, subjectID string, fields map[string]any) error
	Health(ctx context.Context) bool
}

// ClientConfig configures the HTTP remote writer.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     *ServiceTokenIssuer
	Logger     *zap.Logger
}

// Client updates remote subjects over HTTP. Each update is a PATCH with a
// flat field map; the endpoint applies it last-write-wins, which is what
// makes duplicate application after a crash harmless.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *ServiceTokenIssuer
	logger     *zap.Logger
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("remote: invalid base URL: %w", err)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("remote: token issuer is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		logger:     logger,
	}, nil
}

// UpdateSubject applies the field map to the remote subject. Any transport
// error or non-2xx response maps to ErrRemoteWrite; the endpoint reports
// success or failure unambiguously, with no partial-success state.
func (c *Client) UpdateSubject(ctx context.Context, subjectID string, fields map[string]any) error {
	if strings.TrimSpace(subjectID) == "" {
		return fmt.Errorf("%w: empty subject id", ErrRemoteWrite)
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: encode fields: %v", ErrRemoteWrite, err)
	}

	endpoint := c.baseURL + "/subjects/" + url.PathEscape(subjectID)
	request, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrRemoteWrite, err)
	}
	request.Header.Set("Content-Type", "application/json")

	token, err := c.tokens.Issue()
	if err != nil {
		return fmt.Errorf("%w: issue token: %v", ErrRemoteWrite, err)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteWrite, err)
	}
	defer response.Body.Close() //nolint:errcheck

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		c.logger.Warn("remote write rejected",
			zap.String("subject_id", subjectID),
			zap.Int("status", response.StatusCode))
		return fmt.Errorf("%w: status %d", ErrRemoteWrite, response.StatusCode)
	}
	return nil
}

// Health probes the remote endpoint. A false reading only delays sweeps; a
// false positive is tolerated because any transport failure during sync is an
// ordinary retryable failure.
func (c *Client) Health(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/healthz", http.NoBody)
	if err != nil {
		return false
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return false
	}
	defer response.Body.Close() //nolint:errcheck
	return response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices
}
