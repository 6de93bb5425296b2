// Package upstream mints realtime sessions at the provider with the
// gateway's server-side API key.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/vango-go/vai-rtc/pkg/core"
)

const (
	providerName     = "openai"
	maxResponseBytes = 1 << 20
)

// SessionRequest is the body sent to the provider's session endpoint.
type SessionRequest struct {
	Model        string `json:"model"`
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// NewHTTPClient returns a client with transport-level timeouts. Request
// lifetime is bounded by the caller's context.
func NewHTTPClient(connectTimeout, responseHeaderTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: responseHeaderTimeout,
		},
	}
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// SessionsURL is the provider endpoint that mints ephemeral sessions.
func (c *Client) SessionsURL() string {
	return c.baseURL + "/realtime/sessions"
}

// CreateSession mints one session and returns the provider's JSON verbatim.
// The body is guaranteed to carry a non-empty client_secret.value.
func (c *Client) CreateSession(ctx context.Context, sr SessionRequest) (json.RawMessage, error) {
	payload, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("encode session request: %w", err)
	}

	url := c.SessionsURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &core.Error{
			Type:    core.ErrProvider,
			Message: "provider unreachable",
			Cause:   &core.TransportError{Op: http.MethodPost, URL: url, Err: err},
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &core.Error{Type: core.ErrProvider, Message: "read provider response", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("provider rejected session request",
			"provider", providerName,
			"status", resp.StatusCode,
			"model", sr.Model,
		)
		return nil, errorFromResponse(resp, body)
	}

	secret, err := jsonparser.GetString(body, "client_secret", "value")
	if err != nil || strings.TrimSpace(secret) == "" {
		return nil, &core.Error{
			Type:    core.ErrProvider,
			Message: "provider response missing client_secret.value",
			Cause:   err,
		}
	}
	return json.RawMessage(body), nil
}

func errorFromResponse(resp *http.Response, body []byte) *core.Error {
	msg, _ := jsonparser.GetString(body, "error", "message")
	code, _ := jsonparser.GetString(body, "error", "code")

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 1
		if v, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && v > 0 {
			retryAfter = v
		}
		rlErr := core.NewRateLimitError("provider rate limit exceeded", retryAfter)
		rlErr.Code = code
		return rlErr
	}

	out := &core.Error{
		Type:    core.ErrProvider,
		Message: fmt.Sprintf("%s returned status %d", providerName, resp.StatusCode),
		Code:    code,
	}
	if msg != "" {
		out.Message += ": " + msg
	}
	return out
}
