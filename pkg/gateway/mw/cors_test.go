package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vango-go/vai-rtc/pkg/gateway/config"
)

func corsConfig(origins ...string) config.Config {
	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		set[o] = struct{}{}
	}
	return config.Config{CORSAllowedOrigins: set}
}

func TestCORS_DisabledByDefault_NoHeaders(t *testing.T) {
	h := CORS(corsConfig(), http.HandlerFunc(noContent))

	r := httptest.NewRequest(http.MethodPost, "/v1/realtime/session", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)

	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_AllowlistedOrigin_AttachesHeaders(t *testing.T) {
	req := require.New(t)
	h := CORS(corsConfig("http://localhost:3000"), http.HandlerFunc(noContent))

	r := httptest.NewRequest(http.MethodPost, "/v1/realtime/session", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)

	req.Equal("http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
	req.Equal("Origin", rr.Header().Get("Vary"))
	req.Contains(rr.Header().Get("Access-Control-Expose-Headers"), "X-Request-ID")
}

func TestCORS_Preflight(t *testing.T) {
	req := require.New(t)
	h := CORS(corsConfig("https://app.example.com"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called for preflight")
	}))

	preflight := func(origin string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodOptions, "/v1/realtime/session", nil)
		r.Header.Set("Origin", origin)
		r.Header.Set("Access-Control-Request-Method", "POST")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		return rr
	}

	rr := preflight("https://app.example.com")
	req.Equal(http.StatusNoContent, rr.Code, "body=%q", rr.Body.String())
	req.Contains(rr.Header().Get("Access-Control-Allow-Headers"), apiVersionHeader)

	req.Equal(http.StatusForbidden, preflight("https://evil.example.com").Code)
	req.Equal(http.StatusForbidden, preflight("").Code)
}
