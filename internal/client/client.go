package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/apihub-kr/apihub/internal/backoff"
	"github.com/apihub-kr/apihub/internal/registry"
	"github.com/apihub-kr/apihub/pkg/domain"
)

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 3
	backoffBase    = time.Second
	maxBackoff     = 8 * time.Second
)

// Client executes one provider operation and returns the shaped record
// payload. Implementations map the gateway's caller-level params onto
// the provider's wire format.
type Client interface {
	Provider() domain.Provider
	Execute(ctx context.Context, op registry.Operation, params map[string]any) (map[string]any, error)
}

// TokenSource supplies bearer tokens for outbound calls. The executor
// asks for a forced refresh exactly once when the provider rejects the
// token mid-flight.
type TokenSource interface {
	GetToken(ctx context.Context, provider domain.Provider) (string, error)
	ForceRefresh(ctx context.Context, provider domain.Provider) (string, error)
}

// buildFunc assembles the provider-specific HTTP request for one shaped
// parameter set. parseFunc turns a 2xx body into the record payload or
// an *APIError when the envelope carries a provider error code.
type buildFunc func(ctx context.Context, baseURL, token string, op registry.Operation, shaped map[string]any) (*http.Request, error)
type parseFunc func(op registry.Operation, body []byte) (map[string]any, error)

// httpClient is the shared retrying executor under both provider
// clients. Retry policy: 429 surfaces immediately, 401/403 gets one
// forced token refresh, other 4xx never retries, 5xx and transport
// errors retry up to three attempts with exponential backoff, all
// under a single 10s deadline.
type httpClient struct {
	provider domain.Provider
	baseURL  string
	hc       *http.Client
	tokens   TokenSource
	logger   *slog.Logger

	build buildFunc
	parse parseFunc

	retryBase time.Duration
}

func newHTTPClient(provider domain.Provider, baseURL string, tokens TokenSource, logger *slog.Logger, build buildFunc, parse parseFunc) *httpClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &httpClient{
		provider:  provider,
		baseURL:   baseURL,
		hc:        &http.Client{Timeout: requestTimeout},
		tokens:    tokens,
		logger:    logger,
		build:     build,
		parse:     parse,
		retryBase: backoffBase,
	}
}

func (c *httpClient) Provider() domain.Provider { return c.provider }

func (c *httpClient) Execute(ctx context.Context, op registry.Operation, params map[string]any) (map[string]any, error) {
	shaped := params
	if op.Shape != nil {
		shaped = op.Shape(params)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	token, err := c.tokens.GetToken(ctx, c.provider)
	if err != nil {
		return nil, fmt.Errorf("get token for %s: %w", c.provider, err)
	}

	var lastErr error
	authRetried := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := c.build(ctx, c.baseURL, token, op, shaped)
		if err != nil {
			return nil, fmt.Errorf("build request for %s: %w", op.ID, err)
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &TimeoutError{Provider: string(c.provider)}
			}
			lastErr = err
			c.logger.Warn("provider request failed", "provider", c.provider, "operation", op.ID, "attempt", attempt+1, "err", err)
			if !c.sleepOrDone(ctx, backoff.Exponential(c.retryBase, attempt, maxBackoff)) {
				return nil, &TimeoutError{Provider: string(c.provider)}
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if !c.sleepOrDone(ctx, backoff.Exponential(c.retryBase, attempt, maxBackoff)) {
				return nil, &TimeoutError{Provider: string(c.provider)}
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, &RateLimitError{Provider: string(c.provider)}

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if authRetried {
				return nil, &AuthenticationError{Provider: string(c.provider), StatusCode: resp.StatusCode}
			}
			authRetried = true
			attempt-- // the auth retry does not consume the transport budget
			token, err = c.tokens.ForceRefresh(ctx, c.provider)
			if err != nil {
				return nil, &AuthenticationError{Provider: string(c.provider), StatusCode: resp.StatusCode}
			}
			continue

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, truncate(body, 200))
			c.logger.Warn("provider server error", "provider", c.provider, "operation", op.ID, "status", resp.StatusCode, "attempt", attempt+1)
			if !c.sleepOrDone(ctx, backoff.Exponential(c.retryBase, attempt, maxBackoff)) {
				return nil, &TimeoutError{Provider: string(c.provider)}
			}
			continue

		case resp.StatusCode >= 400:
			return nil, &APIError{
				Provider:   string(c.provider),
				StatusCode: resp.StatusCode,
				Message:    truncate(body, 200),
			}
		}

		return c.parse(op, body)
	}

	return nil, &NetworkError{Provider: string(c.provider), Err: lastErr}
}

// sleepOrDone waits d or until the context ends; false means the
// context won.
func (c *httpClient) sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func encodeQuery(shaped map[string]any) string {
	q := url.Values{}
	for k, v := range shaped {
		q.Set(k, fmt.Sprint(v))
	}
	return q.Encode()
}

func encodeJSONBody(shaped map[string]any) (io.Reader, error) {
	b, err := json.Marshal(shaped)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}
