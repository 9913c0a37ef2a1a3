package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matzehuels/distwatch/pkg/observability"
)

// DefaultTimeout bounds every request made by a client from [NewHTTPClient].
const DefaultTimeout = 30 * time.Second

var (
	// ErrNotFound is returned when the registry answers 404.
	ErrNotFound = errors.New("resource not found")

	// ErrNetwork is returned for HTTP failures (timeouts, connection errors,
	// non-2xx responses).
	ErrNetwork = errors.New("network error")
)

// StatusError records the status code of a failed response.
type StatusError struct {
	URL  string
	Code int
	err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: status %d for %s", e.err, e.Code, e.URL)
}

func (e *StatusError) Unwrap() error { return e.err }

// NewHTTPClient creates an HTTP client with a standard timeout for registry requests.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultTimeout}
}

// Client performs GET requests against registries and CDNs.
// It applies default headers and reports every request to the HTTP hooks.
type Client struct {
	http    *http.Client
	headers map[string]string
}

// NewClient creates a Client. A nil httpClient uses [NewHTTPClient].
// Headers are applied to all requests made through this client.
func NewClient(httpClient *http.Client, headers map[string]string) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &Client{http: httpClient, headers: headers}
}

// GetJSON performs a GET request and JSON-decodes the response into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	body, err := c.Open(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// Download streams the response body of url into w.
// A failure while reading the body is retryable.
func (c *Client) Download(ctx context.Context, url string, w io.Writer) (int64, error) {
	body, err := c.Open(ctx, url)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	n, err := io.Copy(w, body)
	if err != nil {
		return n, &RetryableError{Err: fmt.Errorf("%w: read %s: %v", ErrNetwork, url, err)}
	}
	return n, nil
}

// Open performs a GET request and returns the body of a 2xx response.
// The caller must close it.
func (c *Client) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	hooks := observability.HTTP()
	host, path := req.URL.Host, req.URL.Path
	hooks.OnRequest(ctx, req.Method, host, path)
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		hooks.OnError(ctx, req.Method, host, path, err)
		return nil, &RetryableError{Err: fmt.Errorf("%w: %v", ErrNetwork, err)}
	}
	hooks.OnResponse(ctx, req.Method, host, path, resp.StatusCode, time.Since(start))

	if err := checkStatus(url, resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func checkStatus(url string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return &StatusError{URL: url, Code: code, err: ErrNotFound}
	case code >= 500:
		return &RetryableError{Err: &StatusError{URL: url, Code: code, err: ErrNetwork}}
	default:
		return &StatusError{URL: url, Code: code, err: ErrNetwork}
	}
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
