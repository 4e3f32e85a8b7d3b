package xrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes the fetch client. Zero values take defaults.
type Config struct {
	RequestTimeout time.Duration // per-attempt HTTP timeout
	HostRPS        float64       // client-side politeness limit per host
	HostBurst      int
	SafetyMargin   time.Duration // slack added on top of header reset times
	MaxAttempts    int           // total attempts per logical request
	DirectoryURL   string        // identity directory for DID resolution
	UserAgent      string
}

// Client issues repository fetches against PDS hosts, honoring rate-limit
// headers proactively and retrying transient failures on a fixed backoff
// ladder.
type Client struct {
	http         *http.Client
	safetyMargin time.Duration
	maxAttempts  int
	backoffs     []time.Duration
	hostRPS      rate.Limit
	hostBurst    int
	directoryURL string
	userAgent    string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// Injection points for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a fetch client, filling config defaults.
func New(cfg Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 300 * time.Second
	}
	if cfg.HostRPS == 0 {
		cfg.HostRPS = 8
	}
	if cfg.HostBurst == 0 {
		cfg.HostBurst = 8
	}
	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 7
	}
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = "https://plc.directory"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "skybackfill"
	}

	return &Client{
		http:         &http.Client{Timeout: cfg.RequestTimeout},
		safetyMargin: cfg.SafetyMargin,
		maxAttempts:  cfg.MaxAttempts,
		backoffs: []time.Duration{
			1 * time.Second,
			5 * time.Second,
			15 * time.Second,
			30 * time.Second,
			60 * time.Second,
			120 * time.Second,
			300 * time.Second,
		},
		hostRPS:      rate.Limit(cfg.HostRPS),
		hostBurst:    cfg.HostBurst,
		directoryURL: strings.TrimRight(cfg.DirectoryURL, "/"),
		userAgent:    cfg.UserAgent,
		limiters:     make(map[string]*rate.Limiter),
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// GetRepo fetches the full repository archive for did from host. A
// TerminalError return means the account is permanently unavailable and
// should be marked seen.
func (c *Client) GetRepo(ctx context.Context, host, did string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/xrpc/com.atproto.sync.getRepo?did=%s",
		normalizeHost(host), url.QueryEscape(did))

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.hostLimiter(host).Wait(ctx); err != nil {
			return nil, err
		}

		body, headerWait, err := c.doOnce(ctx, endpoint)
		if err == nil {
			if headerWait > 0 {
				log.Printf("[xrpc] rate budget exhausted on %s, pausing %s", host, headerWait)
				if serr := c.sleep(ctx, headerWait); serr != nil {
					return nil, serr
				}
			}
			return body, nil
		}
		lastErr = err

		switch {
		case IsTerminal(err) || isDialError(err):
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case isRetryable(err):
			if attempt == c.maxAttempts {
				break
			}
			wait := headerWait
			if wait <= 0 {
				wait = c.backoffFor(attempt)
			}
			log.Printf("[xrpc] getRepo %s from %s failed: %v, retrying in %s (attempt %d/%d)",
				did, host, err, wait, attempt, c.maxAttempts)
			if serr := c.sleep(ctx, wait); serr != nil {
				return nil, serr
			}
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("getRepo %s: giving up after %d attempts: %w", did, c.maxAttempts, lastErr)
}

// doOnce performs a single HTTP attempt. headerWait carries the proactive
// pause computed from the response's rate-limit headers; it is returned
// even alongside a nil error so the caller sleeps before reusing the host.
func (c *Client) doOnce(ctx context.Context, endpoint string) (body []byte, headerWait time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	headerWait = c.rateLimitWait(resp.Header, endpoint)

	if resp.StatusCode == http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, headerWait, fmt.Errorf("failed to read response body: %w", err)
		}
		return body, headerWait, nil
	}

	// XRPC error responses carry a JSON {error, message} body.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var xe struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &xe)

	if terminalErrorNames[xe.Error] {
		return nil, headerWait, &TerminalError{Name: xe.Error, Message: xe.Message}
	}
	if resp.StatusCode == http.StatusNotFound && xe.Error == "" {
		return nil, headerWait, &TerminalError{Name: "NotFound"}
	}
	return nil, headerWait, &StatusError{Code: resp.StatusCode, Name: xe.Error, Message: xe.Message}
}

// rateLimitWait computes the pause before the next call to this host from
// ratelimit-remaining / ratelimit-reset headers. Zero when headers are
// absent, unparseable, the budget still has room, or the computed wait is
// not positive.
func (c *Client) rateLimitWait(h http.Header, endpoint string) time.Duration {
	remaining := h.Get("ratelimit-remaining")
	reset := h.Get("ratelimit-reset")
	if remaining == "" || reset == "" {
		return 0
	}
	rem, err1 := strconv.Atoi(remaining)
	resetSec, err2 := strconv.ParseInt(reset, 10, 64)
	if err1 != nil || err2 != nil {
		log.Printf("[xrpc] invalid ratelimit headers at %s", endpoint)
		return 0
	}
	if rem > 1 {
		return 0
	}
	wait := time.Unix(resetSec, 0).Sub(c.now()) + c.safetyMargin
	if wait <= 0 {
		return 0
	}
	return wait
}

// backoffFor returns the ladder value for a failed attempt, reusing the
// last rung past the end.
func (c *Client) backoffFor(attempt int) time.Duration {
	i := attempt - 1
	if i >= len(c.backoffs) {
		i = len(c.backoffs) - 1
	}
	return c.backoffs[i]
}

func (c *Client) hostLimiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(c.hostRPS, c.hostBurst)
		c.limiters[host] = lim
	}
	return lim
}

// normalizeHost ensures a scheme and strips any trailing slash.
func normalizeHost(host string) string {
	host = strings.TrimRight(host, "/")
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return host
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
