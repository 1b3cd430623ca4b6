package invoker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// AttemptTimeout bounds each try, body read included.
	AttemptTimeout time.Duration
	// MaxConnsPerHost bounds concurrent connections to one service.
	MaxConnsPerHost int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	UserAgent       string
	// MaxBodyBytes caps how much of a response is read. Zero means 64 MiB.
	MaxBodyBytes int64
	// StallTimeout aborts a streamed download that receives no bytes for
	// this long. Zero means AttemptTimeout.
	StallTimeout time.Duration
	// DownloadTimeout bounds a streamed download as a whole.
	DownloadTimeout time.Duration
}

// DefaultHTTPOptions returns three attempts with a 30 second per-attempt
// timeout and exponential backoff starting at one second.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		Attempts:        3,
		AttemptTimeout:  30 * time.Second,
		MaxConnsPerHost: 8,
		BaseBackoff:     time.Second,
		MaxBackoff:      10 * time.Second,
		UserAgent:       "owl-runtime/1.0",
		DownloadTimeout: 30 * time.Minute,
	}
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ExhaustedError reports that every attempt failed with a transient error.
type ExhaustedError struct {
	Attempts   int
	StatusCode int  // last status, zero on transport errors
	Timeout    bool // last attempt hit its deadline
	Err        error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// HTTPClient issues requests with bounded retries on connection errors, 429
// and 5xx responses.
type HTTPClient struct {
	// client streams downloads; retry sends buffered requests.
	client *http.Client
	retry  *retryablehttp.Client
	opts   HTTPOptions
	logger zerolog.Logger
}

// NewHTTPClient returns a client with its own bounded connection pool.
func NewHTTPClient(opts HTTPOptions, logger zerolog.Logger) *HTTPClient {
	def := DefaultHTTPOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = def.AttemptTimeout
	}
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = def.MaxConnsPerHost
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 20
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = opts.AttemptTimeout
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = def.DownloadTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = opts.MaxConnsPerHost
	transport.MaxIdleConnsPerHost = opts.MaxConnsPerHost
	c := &HTTPClient{
		client: &http.Client{Transport: transport},
		opts:   opts,
		logger: logger,
	}
	c.retry = &retryablehttp.Client{
		// Client.Timeout bounds each attempt, body read included.
		HTTPClient:     &http.Client{Transport: transport, Timeout: opts.AttemptTimeout},
		RetryWaitMin:   opts.BaseBackoff,
		RetryWaitMax:   opts.MaxBackoff,
		RetryMax:       opts.Attempts - 1,
		CheckRetry:     c.checkRetry,
		Backoff:        c.backoff,
		RequestLogHook: c.logAttempt,
		ErrorHandler:   c.exhausted,
	}
	return c
}

// Options returns the effective options.
func (c *HTTPClient) Options() HTTPOptions { return c.opts }

// Do sends the request built by newReq, retrying connection errors, 429
// and 5xx responses. newReq is called once; its body is buffered so it can be
// replayed. Non-transient statuses (including 4xx other than 429) are
// returned without error; the caller interprets them.
func (c *HTTPClient) Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	req, err := newReq(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	rreq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}

	resp, err := c.retry.Do(rreq)
	if ctx.Err() != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *HTTPClient) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, nil
}

// backoff doubles from BaseBackoff and honours Retry-After, never waiting
// longer than MaxBackoff.
func (c *HTTPClient) backoff(lo, hi time.Duration, attempt int, resp *http.Response) time.Duration {
	d := retryablehttp.DefaultBackoff(lo, hi, attempt, resp)
	if d <= 0 || d > hi {
		d = hi
	}
	return d
}

func (c *HTTPClient) logAttempt(_ retryablehttp.Logger, req *http.Request, attempt int) {
	if attempt > 0 {
		c.logger.Debug().Int("attempt", attempt+1).Str("host", req.URL.Host).Msg("retrying request")
	}
}

// exhausted turns the last failed attempt into an *ExhaustedError.
func (c *HTTPClient) exhausted(resp *http.Response, err error, tries int) (*http.Response, error) {
	ee := &ExhaustedError{Attempts: tries}
	if resp != nil {
		resp.Body.Close()
		ee.StatusCode = resp.StatusCode
		ee.Err = fmt.Errorf("transient error: status %d", resp.StatusCode)
		return nil, ee
	}
	var netErr net.Error
	ee.Timeout = errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	ee.Err = fmt.Errorf("HTTP request failed: %w", err)
	return nil, ee
}

// ErrStalled is returned by Stream when a download stops making progress.
var ErrStalled = errors.New("download stalled")

// Stream sends a single GET and hands the open body to fn. It is used for
// large downloads that must not be buffered in memory; retries are the
// caller's concern. The download fails with ErrStalled when no bytes arrive
// for StallTimeout, and with context.DeadlineExceeded after DownloadTimeout.
func (c *HTTPClient) Stream(ctx context.Context, url string, header http.Header, fn func(io.Reader) error) error {
	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	sctx, cancelTotal := context.WithTimeout(sctx, c.opts.DownloadTimeout)
	defer cancelTotal()

	stall := time.AfterFunc(c.opts.StallTimeout, func() { cancel(ErrStalled) })
	defer stall.Stop()

	err := c.stream(sctx, url, header, func(r io.Reader) error {
		return fn(&progressReader{r: r, stall: stall, d: c.opts.StallTimeout})
	})
	if err != nil && errors.Is(context.Cause(sctx), ErrStalled) {
		return fmt.Errorf("%w: no data for %s from %s", ErrStalled, c.opts.StallTimeout, url)
	}
	return err
}

func (c *HTTPClient) stream(ctx context.Context, url string, header http.Header, fn func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}
	return fn(resp.Body)
}

// progressReader re-arms the stall timer whenever data arrives.
type progressReader struct {
	r     io.Reader
	stall *time.Timer
	d     time.Duration
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.stall.Reset(p.d)
	}
	return n, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
