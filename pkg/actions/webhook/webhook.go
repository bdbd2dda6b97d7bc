// Package webhook provides the webhook action: an outbound HTTP call with interpolated
// URL, headers and body.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/sellerops/pkg/actions"
	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/services"
	"github.com/dukex/sellerops/pkg/template"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

var (
	// ErrHTTPStatus is returned when the endpoint answers outside 2xx.
	ErrHTTPStatus = errors.New("webhook endpoint returned an error status")
	// ErrInvalidURL is returned when the interpolated URL is not absolute http(s).
	ErrInvalidURL = errors.New("invalid webhook URL")
)

// Executor calls webhooks through a services.HTTPClient.
type Executor struct {
	client  services.HTTPClient
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Executor)

// WithTimeout bounds each request. Zero disables the per-request bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

func New(client services.HTTPClient, logger *slog.Logger, opts ...Option) *Executor {
	if client == nil {
		client = &http.Client{}
	}

	e := &Executor{
		client:  client,
		timeout: defaultTimeout,
		logger:  logger.With("module", "webhook_action"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Executor) Execute(ctx context.Context, action models.Action, entity models.Entity, tc models.TriggerContext) (models.ActionResult, error) {
	config := action.Webhook
	if config == nil {
		return models.ActionResult{}, fmt.Errorf("%w: %s", actions.ErrMissingConfig, action.Type)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req, err := buildRequest(ctx, config, entity, tc)
	if err != nil {
		return models.ActionResult{}, err
	}

	logger := e.logger.With("entity_id", entity.EntityID(), "method", req.Method, "url", req.URL.Redacted())
	logger.DebugContext(ctx, "Calling webhook")

	resp, err := e.client.Do(req)
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("webhook request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("failed to read webhook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.WarnContext(ctx, "Webhook returned error status", "status_code", resp.StatusCode)

		return models.ActionResult{}, fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	var body any
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		body = string(bodyBytes)
	}

	logger.InfoContext(ctx, "Webhook completed", "status_code", resp.StatusCode, "body_length", len(bodyBytes))

	return models.ActionResult{
		Success: true,
		ResultData: map[string]any{
			"statusCode": resp.StatusCode,
			"body":       body,
		},
	}, nil
}

func buildRequest(ctx context.Context, config *models.WebhookAction, entity models.Entity, tc models.TriggerContext) (*http.Request, error) {
	url := template.Interpolate(config.URL, entity, tc)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, url)
	}

	method := strings.ToUpper(config.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if config.BodyTemplate != "" {
		body = strings.NewReader(template.Interpolate(config.BodyTemplate, entity, tc))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for key, value := range config.Headers {
		req.Header.Set(key, template.Interpolate(value, entity, tc))
	}

	if ruleID := actions.RuleID(ctx); ruleID != "" {
		req.Header.Set("X-Sellerops-Rule", ruleID)
	}

	return req, nil
}
