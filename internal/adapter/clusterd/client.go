// Package clusterd is the production membership store adapter: an HTTP/2
// client for the local cluster store agent, with retry on transient
// network errors and a streaming NDJSON watch.
package clusterd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/errdefs"
	"golang.org/x/net/http2"

	"hyperfleet"
)

const (
	// connectTimeout is the maximum time to wait for a connection.
	connectTimeout = 3 * time.Second
	// maxRetryTime is the maximum time to retry a failed request.
	maxRetryTime = 10 * time.Second

	// basePath is the store agent's API root.
	basePath = "/core/1.0"
)

// Client talks to the cluster store agent over its HTTP API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

var _ hyperfleet.Registry = (*Client)(nil)

// NewClient creates a store client with HTTP/2 transport and exponential
// backoff on network errors.
func NewClient(addr netip.AddrPort, opts ...ClientOption) (*Client, error) {
	baseURL, err := url.Parse(fmt.Sprintf("http://%s", addr))
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}

	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: &retryRoundTripper{
				base: &http2.Transport{
					AllowHTTP: true,
					DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
						return (&net.Dialer{Timeout: connectTimeout}).DialContext(ctx, network, addr)
					},
				},
				newBackoff: func() backoff.BackOff {
					return backoff.NewExponentialBackOff(
						backoff.WithInitialInterval(100*time.Millisecond),
						backoff.WithMaxInterval(1*time.Second),
						backoff.WithMaxElapsedTime(maxRetryTime),
					)
				},
			},
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. Tests use it to point the
// adapter at an httptest server.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// retryRoundTripper retries requests on transient network errors.
type retryRoundTripper struct {
	base       http.RoundTripper
	newBackoff func() backoff.BackOff
}

func (rt *retryRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	attempt := func() (*http.Response, error) {
		resp, err := rt.base.RoundTrip(req)
		if err != nil {
			var opErr *net.OpError
			if errors.As(err, &opErr) {
				slog.Debug("retrying store request after network error", "component", "clusterd", "err", err)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	}
	boff := backoff.WithContext(rt.newBackoff(), req.Context())
	return backoff.RetryWithData(attempt, boff)
}

// errorBody is the agent's structured error response.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// do issues one request and decodes the JSON response into out (when out
// is non-nil). Non-2xx statuses map onto domain errors.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL.JoinPath(basePath, path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("store request %s %s: %w", method, path, hyperfleet.Transient(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp, method, path)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode store response %s %s: %w", method, path, err)
	}
	return nil
}

// statusError maps an agent error response onto the domain taxonomy.
func (c *Client) statusError(resp *http.Response, method, path string) error {
	var body errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s %s: %s: %w", method, path, msg, errdefs.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s %s: %w", method, path, hyperfleet.ErrRevisionMismatch)
	case http.StatusServiceUnavailable:
		if body.Reason == "no_quorum" {
			return fmt.Errorf("%s %s: %w", method, path, hyperfleet.ErrNoQuorum)
		}
		return fmt.Errorf("%s %s: %s: %w", method, path, msg, errdefs.ErrUnavailable)
	default:
		return fmt.Errorf("%s %s: store returned %d: %s", method, path, resp.StatusCode, msg)
	}
}
