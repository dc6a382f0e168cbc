package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"chatcore/internal/metrics"
)

const (
	defaultMaxRetries = 3
	defaultRetryBase  = time.Second
	maxBodySize       = 8 << 20
)

// ErrNotFound is returned when the provider answers 404 for a channel or user.
var ErrNotFound = errors.New("not found")

// retryableError indicates a transient failure that can be retried.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// StatusError is a non-retryable HTTP failure.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Code)
}

// Client is the HTTP plumbing shared by every provider.
type Client struct {
	HTTP       *http.Client
	Logger     *slog.Logger
	RetryBase  time.Duration // first backoff step, grows quadratically
	MaxRetries int
	UserAgent  string
}

// NewClient fills in defaults for any zero field.
func NewClient(c Client) *Client {
	if c.HTTP == nil {
		c.HTTP = SharedHTTPClient(DefaultTimeout)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.UserAgent == "" {
		c.UserAgent = "chatcore/1.0"
	}
	return &c
}

// doWithRetry executes an HTTP request with backoff retry for transient
// errors (network failures, 5xx, 429).
func (c *Client) doWithRetry(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * c.RetryBase
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			c.Logger.Debug("retrying request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt < c.MaxRetries {
				c.Logger.Debug("request failed, will retry", "url", req.URL.String(), "error", err)
				continue
			}
			return nil, fmt.Errorf("request failed after %d retries: %w", c.MaxRetries, err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
			if attempt < c.MaxRetries {
				c.Logger.Debug("server error, will retry", "url", req.URL.String(), "status", resp.StatusCode)
				continue
			}
			return nil, fmt.Errorf("server error after %d retries: %w", c.MaxRetries, lastErr)
		}

		return resp, nil
	}

	return nil, lastErr
}

// getJSON fetches url and decodes a 200 response into out. A 404 yields
// ErrNotFound; every outcome is counted under provider.
func (c *Client) getJSON(ctx context.Context, provider, url string, header http.Header, out any) error {
	err := c.fetchJSON(ctx, url, header, out)
	switch {
	case err == nil:
		metrics.ProviderRequests.WithLabelValues(provider, "ok").Inc()
	case errors.Is(err, ErrNotFound):
		metrics.ProviderRequests.WithLabelValues(provider, "not_found").Inc()
	default:
		metrics.ProviderRequests.WithLabelValues(provider, "error").Inc()
	}
	return err
}

func (c *Client) fetchJSON(ctx context.Context, url string, header http.Header, out any) error {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", c.UserAgent)
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GET %s: %w", url, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
