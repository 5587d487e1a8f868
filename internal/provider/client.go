// Package provider holds the HTTP adapter for the external inference API.
// All network interaction with the provider goes through Client; the rest of
// the system sees only the domain.ProviderClient contract and its two error
// classes: domain.ErrProviderUnavailable for conditions worth retrying and
// domain.ErrProviderRejected for requests the provider will never accept.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelmuse/genqueue/internal/domain"
	"github.com/pixelmuse/genqueue/internal/infra"
)

// ErrMissingToken indicates that the client was configured without credentials.
var ErrMissingToken = errors.New("provider: api token is required")

// Options configures the inference API client.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client performs HTTP calls to the inference API's predictions endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *infra.Logger
}

type predictionRequest struct {
	Model   string          `json:"model"`
	Input   json.RawMessage `json:"input"`
	Webhook string          `json:"webhook,omitempty"`
}

type predictionResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Title  string `json:"title"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, ErrMissingToken
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.replicate.com"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Submit starts a generation and returns the provider's job id.
func (c *Client) Submit(ctx context.Context, sub domain.Submission) (string, error) {
	payload := predictionRequest{
		Model:   sub.Model,
		Input:   sub.Input,
		Webhook: sub.WebhookURL,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("provider: encode request: %w", err)
	}

	var decoded predictionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/predictions", body, &decoded); err != nil {
		return "", err
	}
	if decoded.ID == "" {
		return "", fmt.Errorf("provider: %w: response missing prediction id", domain.ErrProviderUnavailable)
	}
	c.logger.Debug().
		Str("provider_job_id", decoded.ID).
		Str("model", sub.Model).
		Msg("provider: prediction submitted")
	return decoded.ID, nil
}

// Poll fetches the current status of a submitted prediction.
func (c *Client) Poll(ctx context.Context, providerJobID string) (*domain.ProviderStatus, error) {
	if providerJobID == "" {
		return nil, fmt.Errorf("provider: %w: empty prediction id", domain.ErrProviderRejected)
	}
	var decoded predictionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/predictions/"+providerJobID, nil, &decoded); err != nil {
		return nil, err
	}
	return mapStatus(&decoded)
}

// Cancel is best-effort; the caller logs failures and moves on.
func (c *Client) Cancel(ctx context.Context, providerJobID string) error {
	if providerJobID == "" {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/v1/predictions/"+providerJobID+"/cancel", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider: %w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("provider: %w: read response: %v", domain.ErrProviderUnavailable, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("provider: %w: status %d: %s", domain.ErrProviderUnavailable, resp.StatusCode, errorDetail(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider: %w: status %d: %s", domain.ErrProviderRejected, resp.StatusCode, errorDetail(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("provider: %w: decode response: %v", domain.ErrProviderUnavailable, err)
	}
	return nil
}

func errorDetail(raw []byte) string {
	var detail errorResponse
	if err := json.Unmarshal(raw, &detail); err == nil {
		if detail.Detail != "" {
			return detail.Detail
		}
		if detail.Title != "" {
			return detail.Title
		}
	}
	return strings.TrimSpace(string(raw))
}

func mapStatus(resp *predictionResponse) (*domain.ProviderStatus, error) {
	status := &domain.ProviderStatus{}
	switch resp.Status {
	case "starting", "queued":
		status.State = domain.ProviderStateQueued
	case "processing", "running":
		status.State = domain.ProviderStateRunning
	case "succeeded":
		status.State = domain.ProviderStateSucceeded
		outputs, err := DecodeOutputs(resp.Output)
		if err != nil {
			return nil, err
		}
		status.Outputs = outputs
	case "failed", "canceled":
		status.State = domain.ProviderStateFailed
		status.Error = resp.Error
		if status.Error == "" {
			status.Error = "provider reported " + resp.Status
		}
	default:
		return nil, fmt.Errorf("provider: %w: unknown status %q", domain.ErrProviderUnavailable, resp.Status)
	}
	return status, nil
}

// DecodeOutputs normalizes the provider's output payload, which arrives as
// either a single artifact URL or a list of them.
func DecodeOutputs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	return nil, fmt.Errorf("provider: unsupported output payload: %s", string(raw))
}

var _ domain.ProviderClient = (*Client)(nil)
