// Package signaling performs the single HTTP SDP offer/answer exchange with
// the realtime service.
package signaling

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/realtime/credential"
	"github.com/vango-go/vai-rtc/pkg/realtime/internal/httpclient"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1/realtime"
	DefaultModel   = "gpt-4o-realtime-preview-2024-12-17"

	contentTypeSDP   = "application/sdp"
	maxAnswerBytes   = 1 << 20
	maxRejectionBody = 4 << 10
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the signaling endpoint.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base = strings.TrimSpace(base); base != "" {
			c.baseURL = base
		}
	}
}

// WithModel sets the model identifier sent as the model query parameter.
func WithModel(model string) Option {
	return func(c *Client) {
		if model = strings.TrimSpace(model); model != "" {
			c.model = model
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client posts SDP offers.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a signaling client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		httpClient: httpclient.New(0),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the full signaling URL including the model parameter.
func (c *Client) Endpoint() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse signaling url: %w", err)
	}
	q := u.Query()
	q.Set("model", c.model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Exchange posts offerSDP authorized by cred and returns the answer SDP.
// A non-2xx response is negotiation_rejected carrying the response body.
func (c *Client) Exchange(ctx context.Context, cred credential.Credential, offerSDP string) (string, error) {
	if cred.IsZero() {
		return "", core.NewNegotiationRejectedError("no credential for signaling", "", nil)
	}
	endpoint, err := c.Endpoint()
	if err != nil {
		return "", core.NewNegotiationRejectedError("invalid signaling endpoint", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(offerSDP))
	if err != nil {
		return "", core.NewNegotiationRejectedError("build signaling request", "", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Value)
	req.Header.Set("Content-Type", contentTypeSDP)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", core.NewNegotiationRejectedError(
			"signaling endpoint unreachable", "",
			&core.TransportError{Op: http.MethodPost, URL: endpoint, Err: err},
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRejectionBody))
		c.logger.Warn("signaling rejected offer", "status", resp.StatusCode)
		return "", core.NewNegotiationRejectedError(
			fmt.Sprintf("signaling returned status %d", resp.StatusCode),
			strings.TrimSpace(string(body)), nil)
	}

	answer, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", core.NewNegotiationRejectedError("read answer", "", err)
	}
	if strings.TrimSpace(string(answer)) == "" {
		return "", core.NewNegotiationRejectedError("signaling returned an empty answer", "", nil)
	}
	return string(answer), nil
}
