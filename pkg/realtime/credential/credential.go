// Package credential fetches the short-lived bearer credential that
// authorizes one realtime session's signaling exchange.
package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/realtime/internal/httpclient"
)

// DefaultField is the dot path of the bearer value in the token endpoint's
// JSON response.
const DefaultField = "client_secret.value"

const maxResponseBytes = 1 << 20

// Credential is a short-lived session credential.
type Credential struct {
	Value      string
	ObtainedAt time.Time
}

// IsZero reports whether c holds no value.
func (c Credential) IsZero() bool {
	return c.Value == ""
}

// String redacts the credential value.
func (c Credential) String() string {
	if c.Value == "" {
		return "credential(empty)"
	}
	return fmt.Sprintf("credential(obtained_at=%s)", c.ObtainedAt.Format(time.RFC3339))
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.httpClient = client
		}
	}
}

// WithField sets the dot path of the credential in the response body.
func WithField(path string) Option {
	return func(f *Fetcher) {
		if path = strings.TrimSpace(path); path != "" {
			f.field = strings.Split(path, ".")
		}
	}
}

// WithAPIKey sends an Authorization bearer to the token endpoint.
func WithAPIKey(key string) Option {
	return func(f *Fetcher) {
		f.apiKey = strings.TrimSpace(key)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithClock overrides time.Now for ObtainedAt.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// Fetcher calls the token endpoint. It holds no per-session state.
type Fetcher struct {
	url        string
	field      []string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewFetcher creates a Fetcher for the token endpoint at url.
func NewFetcher(url string, opts ...Option) *Fetcher {
	f := &Fetcher{
		url:        strings.TrimSpace(url),
		field:      strings.Split(DefaultField, "."),
		httpClient: httpclient.New(0),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch performs exactly one GET. Every failure is credential_unavailable.
func (f *Fetcher) Fetch(ctx context.Context) (Credential, error) {
	if f == nil || f.url == "" {
		return Credential{}, core.NewCredentialUnavailableError("token endpoint is not configured", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return Credential{}, core.NewCredentialUnavailableError("build token request", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Credential{}, core.NewCredentialUnavailableError(
			"token endpoint unreachable",
			&core.TransportError{Op: http.MethodGet, URL: f.url, Err: err},
		)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Credential{}, core.NewCredentialUnavailableError("read token response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f.logger.Warn("token endpoint rejected request", "status", resp.StatusCode)
		return Credential{}, &core.Error{
			Type:    core.ErrCredentialUnavailable,
			Message: fmt.Sprintf("token endpoint returned status %d", resp.StatusCode),
			Body:    strings.TrimSpace(string(body)),
		}
	}

	value, err := jsonparser.GetString(body, f.field...)
	if err != nil {
		if errors.Is(err, jsonparser.KeyPathNotFoundError) {
			return Credential{}, core.NewCredentialUnavailableError(
				fmt.Sprintf("token response missing %q", strings.Join(f.field, ".")), err)
		}
		return Credential{}, core.NewCredentialUnavailableError("decode token response", err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return Credential{}, core.NewCredentialUnavailableError(
			fmt.Sprintf("token response has empty %q", strings.Join(f.field, ".")), nil)
	}

	return Credential{Value: value, ObtainedAt: f.now()}, nil
}
