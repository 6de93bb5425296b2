package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vango-go/vai-rtc/pkg/gateway/config"
	"github.com/vango-go/vai-rtc/pkg/gateway/upstream"
)

type stubMinter struct{}

func (stubMinter) CreateSession(ctx context.Context, req upstream.SessionRequest) (json.RawMessage, error) {
	return json.RawMessage(`{"model":"` + req.Model + `","client_secret":{"value":"ek_stub"}}`), nil
}

func testConfig() config.Config {
	return config.Config{
		AuthMode:           config.AuthModeRequired,
		APIKeys:            map[string]struct{}{"vai_sk_test": {}},
		CORSAllowedOrigins: map[string]struct{}{},
		ProviderAPIKey:     "sk_provider",
		ProviderBaseURL:    "http://127.0.0.1:1/v1",
		DefaultModel:       "m1",
		MaxBodyBytes:       1024,
		HandlerTimeout:     time.Second,

		UpstreamConnectTimeout:        time.Second,
		UpstreamResponseHeaderTimeout: time.Second,
	}
}

func newTestServer(cfg config.Config) *Server {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(cfg, logger, WithMinter(stubMinter{}))
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	req := require.New(t)
	s := newTestServer(testConfig())

	rr := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	r.Header.Set("Authorization", "Bearer vai_sk_test")
	s.Handler().ServeHTTP(rr, r)

	req.Equal(http.StatusNotFound, rr.Code, "body=%q", rr.Body.String())
	req.Contains(rr.Header().Get("Content-Type"), "application/json")
	req.Contains(rr.Body.String(), `"type":"not_found_error"`)
}

func TestServer_SessionRoute_RequiresAuth(t *testing.T) {
	req := require.New(t)
	s := newTestServer(testConfig())

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/realtime/session", nil))
	req.Equal(http.StatusUnauthorized, rr.Code, "body=%q", rr.Body.String())
	req.NotEmpty(rr.Header().Get("X-Request-ID"))
}

func TestServer_SessionRoute_Mints(t *testing.T) {
	req := require.New(t)
	s := newTestServer(testConfig())

	rr := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/realtime/session", nil)
	r.Header.Set("Authorization", "Bearer vai_sk_test")
	s.Handler().ServeHTTP(rr, r)

	req.Equal(http.StatusOK, rr.Code, "body=%q", rr.Body.String())
	req.Contains(rr.Body.String(), `"value":"ek_stub"`)
}

func TestServer_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.LimitRPS = 1
	cfg.LimitBurst = 1
	s := newTestServer(cfg)
	h := s.Handler()

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/realtime/session", nil)
		r.Header.Set("Authorization", "Bearer vai_sk_test")
		h.ServeHTTP(rr, r)
		codes = append(codes, rr.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestServer_HealthAndDraining(t *testing.T) {
	req := require.New(t)
	s := newTestServer(testConfig())
	h := s.Handler()

	get := func(path string) int {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr.Code
	}

	req.Equal(http.StatusOK, get("/healthz"))
	req.Equal(http.StatusOK, get("/readyz"))

	s.SetDraining()
	req.Equal(http.StatusServiceUnavailable, get("/readyz"), "readyz while draining")
	req.True(s.WaitInflight(context.Background()), "no in-flight mints")
}
