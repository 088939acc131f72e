package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"sightline/pkg/cache"
	"sightline/pkg/config"
	"sightline/pkg/tracker"
	"sightline/pkg/version"
)

var defaultUserAgent = fmt.Sprintf("Sightline terrain visibility (sightline/%s)", version.Version)

// ErrMaxRetries is returned once every attempt for a request failed with a retryable error.
var ErrMaxRetries = errors.New("max retries exceeded")

// ErrSourceUnavailable wraps a request the circuit breaker refused without sending.
// It says nothing about the resource itself.
var ErrSourceUnavailable = errors.New("tile source unavailable")

// StatusError is a non-success HTTP status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api error: status %d for %s", e.Code, e.URL)
}

// IsNotFound reports whether err is a 404 from the source.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	// Network errors and per-attempt timeouts
	return true
}

// Options controls the client's pacing and resilience.
type Options struct {
	Workers          int // concurrent requests per source
	RatePerSec       float64
	Attempts         int
	Timeout          time.Duration // per attempt
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BreakerThreshold uint32 // consecutive failures that open the breaker, 0 = never
	BreakerTimeout   time.Duration
	UserAgent        string

	// OnBreakerChange is called on every breaker state transition.
	OnBreakerChange func(source string, from, to gobreaker.State)
}

// OptionsFromConfig maps the tiles config section to client options.
func OptionsFromConfig(c config.TilesConfig) Options {
	return Options{
		Workers:          c.Concurrency,
		RatePerSec:       c.RatePerSec,
		Attempts:         c.Retries + 1,
		Timeout:          c.Timeout.Std(),
		BaseDelay:        c.Backoff.BaseDelay.Std(),
		MaxDelay:         c.Backoff.MaxDelay.Std(),
		BreakerThreshold: c.Breaker.FailureThreshold,
		BreakerTimeout:   c.Breaker.OpenTimeout.Std(),
	}
}

// Client handles HTTP requests with queuing, caching, and tracking.
type Client struct {
	httpClient *http.Client
	cache      cache.Cacher
	tracker    *tracker.Tracker
	backoff    *SourceBackoff
	opts       Options

	sources map[string]*source
	mu      sync.Mutex // protects sources
}

// source is the per-host queue with its worker pool, limiter and breaker.
type source struct {
	queue   chan job
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
}

type job struct {
	ctx      context.Context
	url      string
	cacheKey string
	respChan chan jobResult
}

type jobResult struct {
	body []byte
	err  error
}

// New creates a new Client. A nil cacher disables the disk cache.
func New(c cache.Cacher, t *tracker.Tracker, opts Options) *Client {
	if c == nil {
		c = cache.Nop{}
	}
	if t == nil {
		t = tracker.New()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	return &Client{
		httpClient: &http.Client{},
		cache:      c,
		tracker:    t,
		backoff:    NewSourceBackoff(opts.BaseDelay, opts.MaxDelay),
		opts:       opts,
		sources:    make(map[string]*source),
	}
}

// Tracker returns the client's stats tracker.
func (c *Client) Tracker() *tracker.Tracker {
	return c.tracker
}

// Get performs a GET request with queuing and caching if key is provided.
func (c *Client) Get(ctx context.Context, u, cacheKey string) ([]byte, error) {
	parsedURL, err := url.Parse(u)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	name := normalizeSource(parsedURL.Host)

	if cacheKey != "" {
		if val, hit := c.cache.GetCache(ctx, cacheKey); hit {
			c.tracker.TrackDiskHit(name)
			return val, nil
		}
		c.tracker.TrackDiskMiss(name)
	}

	respChan := make(chan jobResult, 1)
	j := job{ctx: ctx, url: u, cacheKey: cacheKey, respChan: respChan}

	if err := c.dispatch(name, j); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-respChan:
		return res.body, res.err
	}
}

// normalizeSource folds sharded hosts (a.tile.x, b.tile.x) into one source
// so they share a queue, a limiter and a breaker.
func normalizeSource(host string) string {
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	if net.ParseIP(hostname) != nil {
		return host
	}
	parts := strings.Split(host, ".")
	if len(parts) >= 3 && len(parts[0]) == 1 {
		return strings.Join(parts[1:], ".")
	}
	return host
}

// dispatch sends the job to the source's queue, creating the queue and its workers if needed.
func (c *Client) dispatch(name string, j job) error {
	c.mu.Lock()
	s, ok := c.sources[name]
	if !ok {
		s = c.newSource(name)
		c.sources[name] = s
		for i := 0; i < c.opts.Workers; i++ {
			go c.worker(name, s)
		}
	}
	c.mu.Unlock()

	// Blocks when the queue is full, throttling the caller
	select {
	case s.queue <- j:
		return nil
	case <-j.ctx.Done():
		return j.ctx.Err()
	}
}

func (c *Client) newSource(name string) *source {
	limit := rate.Inf
	if c.opts.RatePerSec > 0 {
		limit = rate.Limit(c.opts.RatePerSec)
	}

	threshold := c.opts.BreakerThreshold
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     c.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Missing tiles and caller cancellation say nothing about source health
			return err == nil || !retryable(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Tile source breaker state change", "source", name, "from", from.String(), "to", to.String())
			if c.opts.OnBreakerChange != nil {
				c.opts.OnBreakerChange(name, from, to)
			}
		},
	}

	return &source{
		queue:   make(chan job, 100),
		limiter: rate.NewLimiter(limit, c.opts.Workers),
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

// worker processes requests for one source. Each source runs opts.Workers of these.
func (c *Client) worker(name string, s *source) {
	for j := range s.queue {
		if j.ctx.Err() != nil {
			slog.Debug("Job dropped from queue (context expired)", "source", name, "error", j.ctx.Err())
			j.respChan <- jobResult{err: j.ctx.Err()}
			continue
		}

		body, err := s.breaker.Execute(func() ([]byte, error) {
			return c.executeWithBackoff(j.ctx, name, s, j.url)
		})

		switch {
		case err == nil:
			c.tracker.TrackSuccess(name, len(body))
			if j.cacheKey != "" {
				if err := c.cache.SetCache(context.Background(), j.cacheKey, body); err != nil {
					slog.Error("Failed to cache response", "url", j.url, "error", err)
				}
			}
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			c.tracker.TrackRejected(name)
			err = fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		default:
			c.tracker.TrackFailure(name)
		}

		j.respChan <- jobResult{body: body, err: err}
	}
}

// executeWithBackoff attempts the request with exponential backoff on retryable errors.
func (c *Client) executeWithBackoff(ctx context.Context, name string, s *source, u string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.Attempts; attempt++ {
		if err := c.backoff.Wait(ctx, name); err != nil {
			return nil, err
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		slog.Debug("Network Request", "url", u, "attempt", attempt+1)
		body, err := c.do(ctx, u)
		if err == nil {
			c.backoff.RecordSuccess(name)
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}

		slog.Warn("Request failed, retrying", "url", u, "attempt", attempt+1, "error", err)
		c.backoff.RecordFailure(name)
		c.tracker.TrackRetry(name)
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
}

func (c *Client) do(ctx context.Context, u string) ([]byte, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode, URL: u}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	return body, nil
}
