package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/matzehuels/depdb/pkg/observability"
)

var (
	// ErrNotFound is returned when the server answers 404 or 410.
	ErrNotFound = errors.New("resource not found")

	// ErrNetwork is returned for HTTP failures (timeouts, connection errors, 5xx responses).
	ErrNetwork = errors.New("network error")
)

// NewHTTPClient creates an HTTP client for artifact downloads. There is no
// overall request timeout since artifacts can be large; headerTimeout
// bounds connection setup and the wait for response headers.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: headerTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = headerTimeout
	transport.ResponseHeaderTimeout = headerTimeout
	transport.MaxIdleConnsPerHost = 16
	return &http.Client{Transport: transport}
}

// Client performs GET requests with default headers and reports them to
// HTTP hooks.
type Client struct {
	http    *http.Client
	headers map[string]string
	hooks   observability.HTTPHooks
}

// NewClient creates a Client. Pass nil hooks to disable reporting.
// Headers are applied to all requests made through this client.
func NewClient(httpClient *http.Client, headers map[string]string, hooks observability.HTTPHooks) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(30 * time.Second)
	}
	if hooks == nil {
		hooks = observability.NoopHTTPHooks{}
	}
	return &Client{http: httpClient, headers: headers, hooks: hooks}
}

// Open performs a GET and returns the response body. Transient failures
// come back wrapped in [RetryableError]; the caller decides whether to
// retry through [Policy.Do].
func (c *Client) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	host, path := req.URL.Host, req.URL.Path
	c.hooks.OnRequest(ctx, req.Method, host, path)
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		c.hooks.OnError(ctx, req.Method, host, path, err)
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &RetryableError{Err: fmt.Errorf("%w: %v", ErrNetwork, err)}
	}
	c.hooks.OnResponse(ctx, req.Method, host, path, resp.StatusCode, time.Since(start))

	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func checkStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrNotFound, code)
	case code == http.StatusTooManyRequests:
		return &RetryableError{
			Err:   fmt.Errorf("%w: status %d", ErrNetwork, code),
			After: retryAfter(resp.Header.Get("Retry-After")),
		}
	case code >= 500:
		return &RetryableError{Err: fmt.Errorf("%w: status %d", ErrNetwork, code)}
	default:
		return fmt.Errorf("%w: status %d", ErrNetwork, code)
	}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
