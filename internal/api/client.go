// ABOUTME: REST client for chat threads, history, and recipient profiles
// ABOUTME: Requests are rate limited and guarded by a circuit breaker

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/stazy/stazy-chat/internal/auth"
)

// Client errors
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrUnavailable  = errors.New("backend unavailable")
)

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	HTTPClient        *http.Client
	Timeout           time.Duration
	RequestsPerSecond float64
	BreakerFailures   uint32
	BreakerCooldown   time.Duration
	Logger            *slog.Logger
}

// Client talks to the Stazy REST API.
type Client struct {
	baseURL string
	client  *http.Client
	tokens  auth.TokenProvider
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates a client rooted at baseURL.
func New(baseURL string, tokens auth.TokenProvider, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "stazy-api",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  httpClient,
		tokens:  tokens,
		limiter: limiter,
		breaker: breaker,
		logger:  logger,
	}
}

// countsAsSuccess keeps client-side problems from tripping the breaker.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code < 500
	}
	return false
}

// Threads returns the peer identities the user has conversations with.
func (c *Client) Threads(ctx context.Context) ([]string, error) {
	var peers []string
	if err := c.get(ctx, "/api/chats/threads", &peers); err != nil {
		return nil, fmt.Errorf("fetching threads: %w", err)
	}
	return peers, nil
}

// History returns the conversation with peer, oldest first.
func (c *Client) History(ctx context.Context, peer string) ([]HistoryMessage, error) {
	var msgs []HistoryMessage
	if err := c.get(ctx, "/api/chats/"+url.PathEscape(peer), &msgs); err != nil {
		return nil, fmt.Errorf("fetching history with %s: %w", peer, err)
	}
	return msgs, nil
}

// Profile resolves a peer identity to display information.
func (c *Client) Profile(ctx context.Context, email string) (*Profile, error) {
	var p Profile
	if err := c.get(ctx, "/api/users/"+url.PathEscape(email), &p); err != nil {
		return nil, fmt.Errorf("fetching profile for %s: %w", email, err)
	}
	if p.Email == "" {
		p.Email = email
	}
	return &p, nil
}

// get performs an authenticated GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	token, ok := c.tokens.Credential(ctx)
	if !ok {
		return fmt.Errorf("%w: no credential", ErrUnauthorized)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, path, token, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", auth.BearerHeader(token))
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api request",
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
