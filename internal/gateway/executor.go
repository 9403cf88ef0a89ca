package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/okvist/kratt/internal/observ"
)

// ExecutorConfig tunes the resilient request executor shared by all venue
// clients. Zero fields get conservative defaults.
type ExecutorConfig struct {
	BaseURL   string
	Pace      time.Duration // minimum gap between calls to the venue
	Timeout   time.Duration
	MaxTries  int           // attempts per logical call
	RetryWait time.Duration // fixed delay between attempts
	Cooldown  time.Duration // pause after a 5xx before the next call
}

func (c *ExecutorConfig) applyDefaults(base string) {
	if c.BaseURL == "" {
		c.BaseURL = base
	}
	if c.Pace == 0 {
		c.Pace = 334 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxTries == 0 {
		c.MaxTries = 3
	}
	if c.RetryWait == 0 {
		c.RetryWait = 5 * time.Second
	}
	if c.Cooldown == 0 {
		c.Cooldown = time.Hour
	}
}

// call describes one venue request before signing.
type call struct {
	op     string // logical operation name, for logs and errors
	method string
	path   string
	params url.Values
	signed bool
}

// signFunc builds a fully signed *http.Request for a private call. Each
// venue supplies its own: they disagree on hash, nonce and attachment.
type signFunc func(ctx context.Context, base string, c call) (*http.Request, error)

// executor owns pacing, signing, retry and failure classification for one
// venue. All gateway calls funnel through do; nothing talks to the venue
// directly.
type executor struct {
	venue   string
	cfg     ExecutorConfig
	client  *http.Client
	limiter *rate.Limiter
	sign    signFunc
	sleep   func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	cooldownUntil time.Time
}

func newExecutor(venue string, cfg ExecutorConfig, sign signFunc) *executor {
	return &executor{
		venue:   venue,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(cfg.Pace), 1),
		sign:    sign,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (e *executor) public(ctx context.Context, op, path string, params url.Values, out any) error {
	return e.do(ctx, call{op: op, method: http.MethodGet, path: path, params: params}, out)
}

func (e *executor) private(ctx context.Context, op, method, path string, params url.Values, out any) error {
	return e.do(ctx, call{op: op, method: method, path: path, params: params, signed: true}, out)
}

// do issues one logical call as an explicit bounded retry loop.
//
// Policy: validation failures and undecodable responses return at once;
// a 5xx arms the cooldown and returns; 429 logs a rate-limit hint and
// retries; other HTTP statuses, network and unknown failures retry up to
// MaxTries with a fixed delay, then surface the last error. The response
// is never substituted with stale data.
func (e *executor) do(ctx context.Context, c call, out any) error {
	if wait := e.cooldownRemaining(); wait > 0 {
		observ.Log("gateway_cooldown_wait", map[string]any{
			"venue": e.venue, "op": c.op, "remaining": wait.String(),
		})
		if err := e.sleep(ctx, wait); err != nil {
			return newNetworkError(e.venue, c.op, err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxTries; attempt++ {
		if attempt > 1 {
			observ.IncCounter("gateway_retries", map[string]string{"venue": e.venue, "op": c.op})
			if err := e.sleep(ctx, e.cfg.RetryWait); err != nil {
				return newNetworkError(e.venue, c.op, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return newNetworkError(e.venue, c.op, err)
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return newNetworkError(e.venue, c.op, err)
		}
		observ.IncCounter("gateway_requests", map[string]string{"venue": e.venue, "op": c.op})

		req, err := e.buildRequest(ctx, c)
		if err != nil {
			return newValidationError(e.venue, c.op, err)
		}

		status, body, err := e.roundTrip(req)
		if err != nil {
			lastErr = classifyTransport(e.venue, c.op, err)
			observ.Warn("gateway_attempt_failed", map[string]any{
				"venue": e.venue, "op": c.op, "attempt": attempt, "error": err.Error(),
			})
			continue
		}

		switch {
		case status >= 500:
			e.armCooldown()
			observ.Error("gateway_server_error", map[string]any{
				"venue": e.venue, "op": c.op, "status": status,
				"cooldown": e.cfg.Cooldown.String(),
			})
			return newHTTPError(e.venue, c.op, status, fmt.Errorf("%s", trim(body)))
		case status == http.StatusTooManyRequests:
			lastErr = newHTTPError(e.venue, c.op, status, fmt.Errorf("%s", trim(body)))
			observ.Warn("gateway_rate_limited", map[string]any{
				"venue": e.venue, "op": c.op, "attempt": attempt,
				"hint": "venue throttling; consider a longer pace",
			})
			continue
		case status != http.StatusOK:
			lastErr = newHTTPError(e.venue, c.op, status, fmt.Errorf("%s", trim(body)))
			observ.Warn("gateway_http_error", map[string]any{
				"venue": e.venue, "op": c.op, "status": status, "body": trim(body),
			})
			continue
		}

		if err := json.Unmarshal(body, out); err != nil {
			return newValidationError(e.venue, c.op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	observ.IncCounter("gateway_exhausted", map[string]string{"venue": e.venue, "op": c.op})
	return lastErr
}

func (e *executor) buildRequest(ctx context.Context, c call) (*http.Request, error) {
	if c.signed {
		return e.sign(ctx, e.cfg.BaseURL, c)
	}
	u := e.cfg.BaseURL + c.path
	if len(c.params) > 0 {
		u += "?" + c.params.Encode()
	}
	return http.NewRequestWithContext(ctx, c.method, u, nil)
}

func (e *executor) roundTrip(req *http.Request) (int, []byte, error) {
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (e *executor) armCooldown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldownUntil = time.Now().Add(e.cfg.Cooldown)
}

func (e *executor) cooldownRemaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if remaining := time.Until(e.cooldownUntil); remaining > 0 {
		return remaining
	}
	return 0
}

func trim(body []byte) string {
	const limit = 256
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
}
