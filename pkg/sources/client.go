package sources

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veska-bio/loom/internal/util"
	"github.com/veska-bio/loom/pkg/logger"
)

var log = logger.Tagged("Sources")

// Client is the shared HTTP client for all external evidence services. It
// enforces a minimum interval between calls per named source, applies
// per-call timeouts and retries transient failures with backoff. One Client
// is shared by every worker in the process so the per-source throttle holds
// globally.
type Client struct {
	httpClient *http.Client
	userAgent  string

	maxRetries int
	backoff    util.Backoff

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClientParams configures a Client. Zero values fall back to defaults
// suitable for public literature APIs.
type NewClientParams struct {
	UserAgent  string
	MaxRetries int
	Backoff    util.Backoff
}

const defaultMaxRetries = 3

// NewClient creates the shared source client.
func NewClient(params NewClientParams) *Client {
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := params.Backoff
	if backoff.Base <= 0 {
		backoff = util.DefaultBackoff
	}
	return &Client{
		httpClient: &http.Client{},
		userAgent:  params.UserAgent,
		maxRetries: maxRetries,
		backoff:    backoff,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// limiter returns the rate limiter for the named source, creating it on
// first use. The critical section is a map lookup; waiting happens outside
// the lock.
func (c *Client) limiter(source string, minInterval time.Duration) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if lim, ok := c.limiters[source]; ok {
		return lim
	}
	if minInterval <= 0 {
		minInterval = time.Second
	}
	lim := rate.NewLimiter(rate.Every(minInterval), 1)
	c.limiters[source] = lim
	return lim
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// retryable reports whether the response status indicates a transient
// condition worth retrying: throttling or a server-side failure.
func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// get performs a throttled GET against the source and returns the raw body.
// Transient failures (timeouts, 429, 5xx) are retried with backoff; other
// HTTP errors fail immediately.
func (c *Client) get(
	ctx context.Context,
	source string,
	minInterval time.Duration,
	timeout time.Duration,
	rawURL string,
) ([]byte, error) {
	lim := c.limiter(source, minInterval)

	attempts := 0
	body, err := util.RetryWithBackoff(ctx, c.maxRetries, c.backoff, func(ctx context.Context) ([]byte, error) {
		attempts++
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Per-call deadline, not the caller's context: retry.
			if callCtx.Err() != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("%s timed out: %v", source, err)
			}
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, resp.Body)
			statusErr := &StatusError{Code: resp.StatusCode, URL: rawURL}
			if statusErr.retryable() {
				return nil, statusErr
			}
			return nil, util.Permanent(statusErr)
		}

		return io.ReadAll(resp.Body)
	})
	if err != nil {
		log.Warn("request failed", "source", source, "attempts", attempts, "error", err)
		return nil, fmt.Errorf("%s request failed: %w", source, err)
	}
	return body, nil
}

// getJSON performs a throttled GET and decodes the JSON response into out.
func (c *Client) getJSON(
	ctx context.Context,
	source string,
	minInterval time.Duration,
	timeout time.Duration,
	rawURL string,
	out any,
) error {
	body, err := c.get(ctx, source, minInterval, timeout, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", source, err)
	}
	return nil
}

// getXML performs a throttled GET and decodes the XML response into out.
func (c *Client) getXML(
	ctx context.Context,
	source string,
	minInterval time.Duration,
	timeout time.Duration,
	rawURL string,
	out any,
) error {
	body, err := c.get(ctx, source, minInterval, timeout, rawURL)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", source, err)
	}
	return nil
}

func buildURL(base string, path string, values url.Values) string {
	return base + path + "?" + values.Encode()
}
