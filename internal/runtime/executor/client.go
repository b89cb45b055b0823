// Package executor talks to the cloudcode backend: request submission,
// stream reads, token counting, and model discovery.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	log "github.com/phamanh/gemini-bridge/internal/logging"
)

const (
	defaultEndpoint = "https://cloudcode-pa.googleapis.com"
	apiVersion      = "v1internal"

	streamIdleTimeout = 4 * time.Minute
)

// BackendError carries a non-success backend response unchanged so the
// handler can pass status, headers, and body through to the caller.
type BackendError struct {
	Status int
	Header http.Header
	Body   []byte
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned status %d", e.Status)
}

// Client issues authenticated calls against the backend.
type Client struct {
	httpClient  *http.Client
	tokenSource oauth2.TokenSource
	endpoint    string
	userAgent   string
	limiter     *rate.Limiter
}

// Options configures a Client. Zero-value fields fall back to defaults.
type Options struct {
	Endpoint  string
	UserAgent string
	ProxyURL  string
	// RequestsPerSecond throttles outbound calls; 0 disables the limiter.
	RequestsPerSecond float64
}

func NewClient(ts oauth2.TokenSource, opts Options) (*Client, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	transport := http.RoundTripper(SharedTransport)
	if opts.ProxyURL != "" {
		pu, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport = ProxyTransport(pu)
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Client{
		httpClient:  &http.Client{Transport: transport},
		tokenSource: ts,
		endpoint:    endpoint,
		userAgent:   opts.UserAgent,
		limiter:     limiter,
	}, nil
}

// Generate issues a non-streaming generation call. The returned body is
// fully read and decoded.
func (c *Client) Generate(ctx context.Context, body []byte) ([]byte, error) {
	return c.call(ctx, "generateContent", "", body)
}

// CountTokens proxies a token-count request.
func (c *Client) CountTokens(ctx context.Context, body []byte) ([]byte, error) {
	return c.call(ctx, "countTokens", "", body)
}

// FetchAvailableModels lists the models the backend account can use.
func (c *Client) FetchAvailableModels(ctx context.Context) ([]byte, error) {
	return c.call(ctx, "fetchAvailableModels", "", []byte("{}"))
}

// StreamGenerate opens an SSE generation stream. The caller owns the
// returned reader and must close it.
func (c *Client) StreamGenerate(ctx context.Context, body []byte) (io.ReadCloser, error) {
	resp, err := c.do(ctx, "streamGenerateContent", "alt=sse", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(decodeBody(resp))
		return nil, &BackendError{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: data}
	}
	decoded, err := decodeBodyCloser(resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return NewStreamReader(ctx, decoded, streamIdleTimeout, "backend stream"), nil
}

func (c *Client) call(ctx context.Context, action, query string, body []byte) ([]byte, error) {
	resp, err := c.do(ctx, action, query, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(decodeBody(resp))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &BackendError{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: data}
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, action, query string, body []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	tok, err := c.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("acquire access token: %w", err)
	}

	u := fmt.Sprintf("%s/%s:%s", c.endpoint, apiVersion, action)
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	log.Milestone("backend request "+action, body)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return resp, nil
}

// decodeBody wraps the response body with the negotiated decompressor.
func decodeBody(resp *http.Response) io.Reader {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		if gr, err := gzip.NewReader(resp.Body); err == nil {
			return gr
		}
	case "br":
		return brotli.NewReader(resp.Body)
	}
	return resp.Body
}

func decodeBodyCloser(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &wrappedBody{Reader: gr, closer: resp.Body}, nil
	case "br":
		return &wrappedBody{Reader: brotli.NewReader(resp.Body), closer: resp.Body}, nil
	}
	return resp.Body, nil
}

type wrappedBody struct {
	io.Reader
	closer io.Closer
}

func (w *wrappedBody) Close() error { return w.closer.Close() }
