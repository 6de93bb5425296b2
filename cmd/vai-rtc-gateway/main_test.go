package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vango-go/vai-rtc/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-rtc/pkg/gateway/server"
)

func testConfig(addr string) config.Config {
	return config.Config{
		Addr:     addr,
		AuthMode: config.AuthModeDisabled,
		APIKeys:  map[string]struct{}{},

		CORSAllowedOrigins: map[string]struct{}{},
		ModelAllowlist:     map[string]struct{}{},
		ProviderAPIKey:     "sk_provider",
		ProviderBaseURL:    "http://127.0.0.1:1/v1",
		DefaultModel:       "m1",
		MaxBodyBytes:       1024,

		ReadHeaderTimeout:             time.Second,
		ReadTimeout:                   time.Second,
		HandlerTimeout:                time.Second,
		ShutdownGracePeriod:           time.Second,
		UpstreamConnectTimeout:        time.Second,
		UpstreamResponseHeaderTimeout: time.Second,
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newGateway: func(cfg config.Config, logger *slog.Logger) *gatewayserver.Server {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "boom")
}

func TestRunGateway_MissingDeps(t *testing.T) {
	t.Parallel()

	require.Error(t, runGateway(context.Background(), io.Discard, gatewayDeps{}))
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := testConfig("127.0.0.1:9999")
	cfg.ReadHeaderTimeout = 2 * time.Second
	cfg.ReadTimeout = 3 * time.Second

	srv := buildHTTPServer(cfg, http.NotFoundHandler())
	require.Equal(t, cfg.Addr, srv.Addr)
	require.Equal(t, cfg.ReadHeaderTimeout, srv.ReadHeaderTimeout)
	require.Equal(t, cfg.ReadTimeout, srv.ReadTimeout)
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := gatewayserver.New(testConfig(""), logger)

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunGateway_StopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runGateway(ctx, io.Discard, gatewayDeps{
			loadConfig: func() (config.Config, error) { return testConfig(addr), nil },
			newGateway: func(cfg config.Config, logger *slog.Logger) *gatewayserver.Server {
				return gatewayserver.New(cfg, logger)
			},
			signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
			signalStop:   func(c chan<- os.Signal) {},
		})
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "gateway did not start")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runGateway did not stop")
	}
}
