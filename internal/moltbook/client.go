// Package moltbook is the authenticated client for the Moltbook v1 API.
//
// The client never retries. A failed call surfaces as a *RemoteError and the
// collector decides whether the run continues. When enabled, a circuit breaker
// stops a run from hammering an API that is already failing.
package moltbook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/moltwatch/api/schemas"
	"github.com/xkilldash9x/moltwatch/internal/config"
	"github.com/xkilldash9x/moltwatch/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes caps a single response. Comment listings of busy posts are the
// largest payloads and stay well below this.
const maxBodyBytes = 32 << 20

const breakerName = "moltbook-api"

var _ schemas.MoltbookAPI = (*Client)(nil)

// Client talks to the remote API. It is safe for concurrent use.
type Client struct {
	baseURL   string
	apiKey    string
	userAgent string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[[]byte]
	limiter   *rate.Limiter
	validate  *validator.Validate
	logger    *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New builds a client from configuration.
func New(cfg config.MoltbookConfig, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid moltbook base_url %q: %w", cfg.BaseURL, err)
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		userAgent: cfg.UserAgent,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.Named("moltbook"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Transport: newTransport(c.logger),
			Timeout:   cfg.Timeout,
		}
	}
	if cfg.Breaker.Enabled {
		c.breaker = c.newBreaker(cfg.Breaker)
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	if c.apiKey == "" {
		c.logger.Warn("No API key configured; requests are sent unauthenticated.")
	}
	return c, nil
}

func (c *Client) newBreaker(cfg config.BreakerConfig) *gobreaker.CircuitBreaker[[]byte] {
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed.",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			// A client error says nothing about the health of the API.
			var se *statusError
			if errors.As(err, &se) {
				return se.code >= 400 && se.code < 500 && se.code != http.StatusTooManyRequests
			}
			return false
		},
	})
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// statusError carries a non-2xx response through the breaker.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// Fetch performs GET endpoint with params and decodes the JSON body into out.
func (c *Client) Fetch(ctx context.Context, endpoint string, params url.Values, out any) error {
	return c.fetch(ctx, endpoint, endpoint, params, out)
}

// fetch is Fetch with a separate low-cardinality label for metrics and errors.
func (c *Client) fetch(ctx context.Context, label, endpoint string, params url.Values, out any) error {
	body, err := c.get(ctx, endpoint, params)
	if err != nil {
		var se *statusError
		switch {
		case errors.As(err, &se):
			return unavailable(label, se.code, err)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "rejected").Inc()
			return unavailable(label, 0, err)
		default:
			return unavailable(label, 0, err)
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return malformed(label, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	// The ceiling is shared by every caller of this client, on top of the
	// collector's own pauses.
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for request budget: %w", err)
		}
	}
	do := func() ([]byte, error) { return c.do(ctx, endpoint, params) }
	if c.breaker == nil {
		return do()
	}
	body, err := c.breaker.Execute(do)
	if err == nil {
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "success").Inc()
	} else if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "failure").Inc()
	}
	return body, err
}

func (c *Client) do(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	target := c.baseURL + endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(metricLabel(endpoint), 0, time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()
	metrics.RecordRemoteRequest(metricLabel(endpoint), resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	c.logger.Debug("Fetched.", zap.String("endpoint", endpoint), zap.Int("bytes", len(body)))
	return body, nil
}

// metricLabel collapses per-entity paths so the label set stays bounded.
func metricLabel(endpoint string) string {
	parts := strings.Split(strings.Trim(endpoint, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "submolts":
		return "/submolts/{name}"
	case len(parts) == 3 && parts[0] == "posts" && parts[2] == "comments":
		return "/posts/{id}/comments"
	default:
		return endpoint
	}
}

// -- Typed endpoints --

// Stats returns the platform-wide counters.
func (c *Client) Stats(ctx context.Context) (*schemas.RemoteStats, error) {
	var out schemas.RemoteStats
	if err := c.fetch(ctx, "/stats", "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submolts lists communities.
func (c *Client) Submolts(ctx context.Context, limit int) ([]schemas.RemoteSubmolt, error) {
	var out schemas.SubmoltListing
	params := url.Values{"limit": {strconv.Itoa(limit)}}
	if err := c.fetch(ctx, "/submolts", "/submolts", params, &out); err != nil {
		return nil, err
	}
	return validItems(c, "/submolts", out.Submolts, func(s schemas.RemoteSubmolt) string { return s.ID }), nil
}

// SubmoltDetail returns one community with its recent posts.
func (c *Client) SubmoltDetail(ctx context.Context, name string) (*schemas.SubmoltDetail, error) {
	const label = "/submolts/{name}"
	var out schemas.SubmoltDetail
	if err := c.fetch(ctx, label, "/submolts/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	if out.Submolt == nil {
		return nil, malformed(label, errors.New("response has no submolt"))
	}
	if err := c.validate.Struct(out.Submolt); err != nil {
		return nil, malformed(label, fmt.Errorf("invalid submolt: %w", err))
	}
	out.Posts = validItems(c, label, out.Posts, func(p schemas.RemotePost) string { return p.ID })
	return &out, nil
}

// Posts lists posts in the given order. offset pages through the listing.
func (c *Client) Posts(ctx context.Context, sort schemas.PostSort, limit, offset int) (schemas.PostPage, error) {
	var out schemas.PostListing
	params := url.Values{
		"limit": {strconv.Itoa(limit)},
		"sort":  {string(sort)},
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	if err := c.fetch(ctx, "/posts", "/posts", params, &out); err != nil {
		return schemas.PostPage{}, err
	}
	received := len(out.Posts)
	return schemas.PostPage{
		Posts:    validItems(c, "/posts", out.Posts, func(p schemas.RemotePost) string { return p.ID }),
		Received: received,
	}, nil
}

// Comments returns the comments of a post as a flat pre-order list with
// ParentID filled in for nested replies.
func (c *Client) Comments(ctx context.Context, postID string, limit int) ([]schemas.RemoteComment, error) {
	const label = "/posts/{id}/comments"
	var out schemas.CommentListing
	params := url.Values{"limit": {strconv.Itoa(limit)}}
	if err := c.fetch(ctx, label, "/posts/"+url.PathEscape(postID)+"/comments", params, &out); err != nil {
		return nil, err
	}
	flat := schemas.Flatten(out.Comments)
	return validItems(c, label, flat, func(cm schemas.RemoteComment) string { return cm.ID }), nil
}

// validItems drops items that fail validation. One bad item must not cost the
// whole page.
func validItems[T any](c *Client, endpoint string, items []T, id func(T) string) []T {
	out := items[:0]
	for _, item := range items {
		if err := c.validate.Struct(item); err != nil {
			c.logger.Warn("Skipping invalid item.",
				zap.String("endpoint", endpoint),
				zap.String("id", id(item)),
				zap.Error(err))
			continue
		}
		out = append(out, item)
	}
	return out
}
