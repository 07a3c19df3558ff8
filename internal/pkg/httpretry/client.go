// Package httpretry wraps an HTTP client with bounded retries for
// outbound provider calls. Transient transport failures and retryable
// statuses (429 and 5xx) are retried with jittered backoff; client
// errors return to the caller untouched.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Doer executes HTTP requests. *http.Client and *Client both satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client retries a wrapped Doer. The final attempt's response is returned
// as-is so callers can read the status and body.
type Client struct {
	doer     Doer
	attempts int
	base     time.Duration
	cap      time.Duration
}

// New wraps doer with up to attempts retries after the first try. A nil
// doer gets a 30s-timeout http.Client.
func New(doer Doer, attempts int) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &Client{
		doer:     doer,
		attempts: attempts,
		base:     500 * time.Millisecond,
		cap:      15 * time.Second,
	}
}

// Do runs the request, retrying transport errors and retryable statuses.
// Requests with a body must set GetBody (http.NewRequest does) or the
// retry cannot replay it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.attempts; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: replay request body: %w", err)
				}
				req.Body = body
			}

			delay := c.backoff(attempt)
			log.Printf("[HTTPRetry] Attempt %d/%d for %s %s%s after %s",
				attempt, c.attempts, req.Method, req.URL.Host, req.URL.Path, delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := c.doer.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !retryableStatus(resp.StatusCode) || attempt == c.attempts {
			return resp, nil
		}

		// Drain so the connection can be reused for the retry.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: status %d from %s", resp.StatusCode, req.URL.Host)
	}

	return nil, lastErr
}

// backoff is exponential with full jitter, floored at 100ms.
func (c *Client) backoff(attempt int) time.Duration {
	exp := float64(c.base) * math.Pow(2, float64(attempt-1))
	if exp > float64(c.cap) {
		exp = float64(c.cap)
	}
	d := time.Duration(rand.Float64() * exp)
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
