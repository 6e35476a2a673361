// Package transport implements the network side of the image cache: fetchers
// that turn a key into raw bytes and a status, one per URL scheme.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-imagefetch/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrBodyTooLarge is returned when a response body exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// StatusError reports a response whose status is outside the 2xx range.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// CheckStatus returns a *StatusError for a non-2xx response, nil otherwise.
func CheckStatus(resp *types.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// HTTPConfig holds configuration for the HTTP transport.
type HTTPConfig struct {
	Timeout      time.Duration // Per request, including reading the body.
	MaxBodyBytes int64
	// MaxConcurrentFetches caps the number of origin requests in progress at
	// once across all keys.
	MaxConcurrentFetches int64
	UserAgent            string
}

// NewHTTPConfigDefaults provides a config with sensible defaults.
func NewHTTPConfigDefaults() *HTTPConfig {
	cfg := &HTTPConfig{
		Timeout:              30 * time.Second,
		MaxBodyBytes:         20 << 20,
		MaxConcurrentFetches: 8,
		UserAgent:            "go-imagefetch/1.0",
	}
	if t := os.Getenv("IMAGEFETCH_HTTP_TIMEOUT"); t != "" {
		if val, err := time.ParseDuration(t); err == nil {
			cfg.Timeout = val
		}
	}
	if c := os.Getenv("IMAGEFETCH_HTTP_MAX_CONCURRENT"); c != "" {
		if val, err := strconv.ParseInt(c, 10, 64); err == nil {
			cfg.MaxConcurrentFetches = val
		}
	}
	if ua := os.Getenv("IMAGEFETCH_USER_AGENT"); ua != "" {
		cfg.UserAgent = ua
	}
	return cfg
}

// HTTPTransport fetches http and https keys.
type HTTPTransport struct {
	client       *http.Client
	sem          *semaphore.Weighted
	maxBodyBytes int64
	userAgent    string
	logger       zerolog.Logger
}

// NewHTTPTransport creates an HTTPTransport. A nil client uses a fresh
// http.Client with cfg.Timeout.
func NewHTTPTransport(cfg *HTTPConfig, client *http.Client, logger zerolog.Logger) (*HTTPTransport, error) {
	if cfg.MaxConcurrentFetches <= 0 {
		return nil, fmt.Errorf("MaxConcurrentFetches must be greater than 0, got %d", cfg.MaxConcurrentFetches)
	}
	if cfg.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("MaxBodyBytes must be greater than 0, got %d", cfg.MaxBodyBytes)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPTransport{
		client:       client,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrentFetches),
		maxBodyBytes: cfg.MaxBodyBytes,
		userAgent:    cfg.UserAgent,
		logger:       logger.With().Str("component", "HTTPTransport").Logger(),
	}, nil
}

// Fetch performs a single GET for key. Non-2xx statuses are not errors here;
// the response is returned with its status and body for the caller to judge.
func (t *HTTPTransport) Fetch(ctx context.Context, key types.Key) (*types.Response, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for fetch slot: %w", err)
	}
	defer t.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", key, err)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", key, err)
	}
	if int64(len(body)) > t.maxBodyBytes {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrBodyTooLarge, key, t.maxBodyBytes)
	}

	t.logger.Debug().Str("key", key.String()).Int("status", resp.StatusCode).Int("bytes", len(body)).Msg("Fetched from origin.")
	return &types.Response{
		Body:        body,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
