package fetch

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// retryableStatus reports whether an HTTP status code should be retried:
// 5xx and 429.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// HTTPClient performs the ordinary (non-render) fetch path: an HTTP GET
// with exponential-backoff retry via github.com/cenkalti/backoff/v4.
type HTTPClient struct {
	client      *http.Client
	userAgent   string
	maxRetries  int
	backoffBase time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithLogger overrides the default discard logger.
func WithLogger(l *slog.Logger) HTTPClientOption {
	return func(c *HTTPClient) { c.logger = l }
}

// WithRateLimiter throttles outbound requests to the source, shared
// across every concurrent race fetch so a large event can't hammer the
// track's site. Nil (the default) means unthrottled.
func WithRateLimiter(l *rate.Limiter) HTTPClientOption {
	return func(c *HTTPClient) { c.limiter = l }
}

// NewHTTPClient builds a client with per-phase timeouts: connect,
// response-header read, and an overall request cap. Go's http.Transport
// has no separate "write timeout" knob; writeTimeout is accepted for
// signature symmetry and folded into the overall client cap.
func NewHTTPClient(
	connectTimeout, readTimeout, _ /* writeTimeout */, requestCap time.Duration,
	maxRetries int,
	backoffBase time.Duration,
	userAgent string,
	opts ...HTTPClientOption,
) *HTTPClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		ResponseHeaderTimeout: readTimeout,
	}

	c := &HTTPClient{
		client: &http.Client{
			Transport: transport,
			Timeout: requestCap,
		},
		userAgent: userAgent,
		maxRetries: maxRetries,
		backoffBase: backoffBase,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get fetches url, retrying transport errors, timeouts, 5xx and 429
// responses up to maxRetries times with exponential backoff plus jitter.
// Returns the response body and final HTTP status. Non-
// retryable 4xx responses are returned immediately without error (the
// caller's parser layer decides how to react to the body/status).
func (c *HTTPClient) Get(ctx context.Context, url string) (body []byte, status int, err error) {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(&jitteredExponential{base: c.backoffBase}, uint64(c.maxRetries)),
		ctx,
	)

	var finalStatus int

	var finalBody []byte

	operation := func() error {
		if c.limiter != nil {
			if lerr := c.limiter.Wait(ctx); lerr != nil {
				return backoff.Permanent(lerr)
			}
		}

		req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if rerr != nil {
			return backoff.Permanent(rerr)
		}

		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		// Accept-Encoding is left to the transport: setting it by hand
		// would switch off net/http's transparent gzip decompression.

		resp, rerr := c.client.Do(req)
		if rerr != nil {
			c.logger.Warn("fetch transport error", "url", url, "error", rerr)

			return rerr
		}
		defer resp.Body.Close()

		b, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return rerr
		}

		finalStatus = resp.StatusCode
		finalBody = b

		if retryableStatus(resp.StatusCode) {
			return liverc.NewConnectorHTTPError(url, resp.StatusCode, nil)
		}

		return nil
	}

	err = backoff.Retry(operation, bo)
	if err != nil {
		return nil, finalStatus, liverc.NewConnectorHTTPError(url, finalStatus, err)
	}

	return finalBody, finalStatus, nil
}

// jitteredExponential implements backoff.BackOff with the
// formula: base * 2^attempt + jitter in [0, 0.1)s.
type jitteredExponential struct {
	base    time.Duration
	attempt int
}

func (j *jitteredExponential) NextBackOff() time.Duration {
	d := j.base << j.attempt
	j.attempt++

	jitter := time.Duration(rand.Int63n(int64(100 * time.Millisecond)))

	return d + jitter
}

func (j *jitteredExponential) Reset() { j.attempt = 0 }
