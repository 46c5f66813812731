package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/metrics"
	"github.com/Mijyuoon/MijDiscord/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	headerGlobal     = "X-RateLimit-Global"
	headerRemaining  = "X-RateLimit-Remaining"
	headerReset      = "X-RateLimit-Reset"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerRetryAfter = "Retry-After"

	// minRetryAfter backs a 429 without a usable wait when ServerErrorDelay is unset.
	minRetryAfter = 500 * time.Millisecond
)

type Options struct {
	// Auth is the complete Authorization header value.
	Auth      string
	UserAgent string
	Timeout   time.Duration
	// MaxRetries bounds 429 and 5xx retries, zero retries forever.
	MaxRetries       int
	ServerErrorDelay time.Duration
	// Client replaces the default http.Client, used by tests.
	Client *http.Client
}

type Request struct {
	// Route and Major select the rate limit bucket, e.g. "channels_cid" and the channel id.
	Route  string
	Major  models.ID
	Method string
	URL    string

	Body        []byte
	ContentType string
	Header      http.Header

	// RateLimitDelay overrides the header derived wait when the bucket is depleted.
	RateLimitDelay time.Duration
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) JSON(v interface{}) error {
	return errors.Wrap(json.Unmarshal(r.Body, v), "failed to decode response")
}

// Executor runs API requests under per-route and global rate limits.
// At most one request per (route, major) bucket is in flight at a time.
type Executor struct {
	client  *http.Client
	logger  zerolog.Logger
	metrics *metrics.Collector
	opts    Options

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	global  *bucket
}

func NewExecutor(logger zerolog.Logger, opts Options, m *metrics.Collector) *Executor {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &Executor{
		client:  client,
		logger:  logger.With().Str("sub_service", "rest").Logger(),
		metrics: m,
		opts:    opts,
		buckets: make(map[bucketKey]*bucket),
		global:  newBucket(),
	}
}

func (e *Executor) bucket(route string, major models.ID) *bucket {
	key := bucketKey{route: route, major: major}

	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.buckets[key]
	if !ok {
		b = newBucket()
		e.buckets[key] = b
	}
	return b
}

func (e *Executor) Do(ctx context.Context, req Request) (*Response, error) {
	b := e.bucket(req.Route, req.Major)
	if err := b.lock(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait interrupted")
	}
	defer b.unlock()

	for attempt := 0; ; attempt++ {
		if e.opts.MaxRetries > 0 && attempt > e.opts.MaxRetries {
			return nil, errors.Wrapf(ErrRetriesExhausted, "%s %s", req.Method, req.Route)
		}

		if err := e.global.wait(ctx); err != nil {
			return nil, errors.Wrap(err, "global rate limit wait interrupted")
		}

		resp, err := e.perform(ctx, req)
		if err != nil {
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			if err := e.handleTooManyRequests(ctx, req, resp); err != nil {
				return nil, err
			}
			continue
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			e.metrics.Inc(config.RESTServerErrors)
			e.logger.Warn().
				Str("route", req.Route).
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Msg("got server error, retrying")
			if err := sleep(ctx, e.opts.ServerErrorDelay); err != nil {
				return nil, errors.Wrap(err, "retry wait interrupted")
			}
			continue
		}

		if err := e.holdDepleted(ctx, req, resp); err != nil {
			return nil, errors.Wrap(err, "rate limit hold interrupted")
		}

		if resp.StatusCode >= http.StatusBadRequest {
			return nil, newHTTPError(resp)
		}
		return resp, nil
	}
}

func (e *Executor) perform(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if e.opts.Auth != "" {
		httpReq.Header.Set("Authorization", e.opts.Auth)
	}
	if e.opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", e.opts.UserAgent)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	e.metrics.Inc(config.RESTRequests)
	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s failed", req.Method, req.Route)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	e.logger.Debug().
		Str("method", req.Method).
		Str("route", req.Route).
		Stringer("major", req.Major).
		Int("status", httpResp.StatusCode).
		Msg("request done")

	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: raw}, nil
}

// handleTooManyRequests waits out a 429. A global limit is held on the
// global bucket unless another request already holds it; the route bucket
// is already held by the caller.
func (e *Executor) handleTooManyRequests(ctx context.Context, req Request, resp *Response) error {
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
		Global     bool    `json:"global"`
	}
	_ = json.Unmarshal(resp.Body, &payload)

	wait := time.Duration(payload.RetryAfter * float64(time.Millisecond))
	if wait <= 0 {
		if secs, err := strconv.ParseFloat(resp.Header.Get(headerRetryAfter), 64); err == nil {
			wait = time.Duration(secs * float64(time.Second))
		}
	}
	if wait <= 0 {
		wait = e.opts.ServerErrorDelay
		if wait <= 0 {
			wait = minRetryAfter
		}
	}

	global := payload.Global || resp.Header.Get(headerGlobal) == "true"
	e.logger.Warn().
		Str("route", req.Route).
		Stringer("major", req.Major).
		Bool("global", global).
		Dur("retry_after", wait).
		Msg("rate limited")

	if !global {
		e.metrics.Inc(config.RESTRateLimited)
		return errors.Wrap(sleep(ctx, wait), "rate limit wait interrupted")
	}

	e.metrics.Inc(config.RESTGlobalRateLimited)
	if !e.global.tryLock() {
		return nil
	}
	defer e.global.unlock()
	return errors.Wrap(sleep(ctx, wait), "global rate limit wait interrupted")
}

func (e *Executor) holdDepleted(ctx context.Context, req Request, resp *Response) error {
	if resp.Header.Get(headerRemaining) != "0" {
		return nil
	}

	delay := resetDelay(req, resp)
	if delay <= 0 {
		return nil
	}

	e.logger.Debug().
		Str("route", req.Route).
		Stringer("major", req.Major).
		Dur("delay", delay).
		Msg("bucket depleted, holding")
	return sleep(ctx, delay)
}

func resetDelay(req Request, resp *Response) time.Duration {
	if req.RateLimitDelay > 0 {
		return req.RateLimitDelay
	}

	if after, err := strconv.ParseFloat(resp.Header.Get(headerResetAfter), 64); err == nil {
		return time.Duration(after * float64(time.Second))
	}

	reset, err := strconv.ParseFloat(resp.Header.Get(headerReset), 64)
	if err != nil {
		return 0
	}
	date, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		return 0
	}

	return time.UnixMilli(int64(math.Round(reset * 1000))).Sub(date)
}
