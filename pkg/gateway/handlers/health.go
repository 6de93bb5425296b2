package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-rtc/pkg/gateway/config"
	"github.com/vango-go/vai-rtc/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports configuration problems and shutdown draining.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK               bool     `json:"ok"`
		Draining         bool     `json:"draining,omitempty"`
		AuthMode         string   `json:"auth_mode"`
		AllowlistEnabled bool     `json:"allowlist_enabled"`
		LimitsEnabled    bool     `json:"limits_enabled"`
		Issues           []string `json:"issues,omitempty"`
	}

	var issues []string
	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.ProviderAPIKey == "" {
		issues = append(issues, "provider api key not configured")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 || h.Config.HandlerTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case draining:
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:               status == http.StatusOK,
		Draining:         draining,
		AuthMode:         string(h.Config.AuthMode),
		AllowlistEnabled: len(h.Config.ModelAllowlist) > 0,
		LimitsEnabled:    h.Config.LimitsEnabled(),
		Issues:           issues,
	})
}
