package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/samber/lo"
)

// Prefix is prepended to every variable name, e.g. VAI_RTC_GATEWAY_ADDR.
const Prefix = "VAI_RTC_GATEWAY"

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string `envconfig:"ADDR" default:":8080" validate:"required,hostname_port"`

	AuthMode   AuthMode `envconfig:"AUTH_MODE" default:"required" validate:"oneof=required optional disabled"`
	APIKeyList []string `envconfig:"API_KEYS"`

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool `envconfig:"TRUST_PROXY_HEADERS"`

	MaxBodyBytes int64 `envconfig:"MAX_BODY_BYTES" default:"65536" validate:"gt=0"`

	CORSOriginList []string `envconfig:"CORS_ORIGINS"`

	// Provider session minting.
	ProviderAPIKey      string   `envconfig:"PROVIDER_API_KEY" validate:"required"`
	ProviderBaseURL     string   `envconfig:"PROVIDER_BASE_URL" default:"https://api.openai.com/v1" validate:"required,url"`
	DefaultModel        string   `envconfig:"MODEL" default:"gpt-4o-realtime-preview-2024-12-17" validate:"required"`
	DefaultVoice        string   `envconfig:"VOICE" default:"verse"`
	DefaultInstructions string   `envconfig:"INSTRUCTIONS"`
	ModelAllowlistItems []string `envconfig:"MODEL_ALLOWLIST"`

	// In-memory limits (per principal).
	LimitRPS                   float64 `envconfig:"RATE_LIMIT_RPS" default:"2" validate:"gte=0"`
	LimitBurst                 int     `envconfig:"RATE_LIMIT_BURST" default:"4" validate:"gte=0"`
	LimitMaxConcurrentRequests int     `envconfig:"MAX_CONCURRENT_REQUESTS" default:"4" validate:"gte=0"`

	ReadHeaderTimeout   time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"10s" validate:"gt=0"`
	ReadTimeout         time.Duration `envconfig:"READ_TIMEOUT" default:"30s" validate:"gt=0"`
	HandlerTimeout      time.Duration `envconfig:"HANDLER_TIMEOUT" default:"30s" validate:"gt=0"`
	ShutdownGracePeriod time.Duration `envconfig:"SHUTDOWN_GRACE_PERIOD" default:"15s" validate:"gt=0"`

	UpstreamConnectTimeout        time.Duration `envconfig:"UPSTREAM_CONNECT_TIMEOUT" default:"5s" validate:"gt=0"`
	UpstreamResponseHeaderTimeout time.Duration `envconfig:"UPSTREAM_RESPONSE_HEADER_TIMEOUT" default:"20s" validate:"gt=0"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Derived lookup sets, filled by LoadFromEnv.
	APIKeys            map[string]struct{} `ignored:"true" validate:"-"`
	CORSAllowedOrigins map[string]struct{} `ignored:"true" validate:"-"`
	ModelAllowlist     map[string]struct{} `ignored:"true" validate:"-"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("envconfig")
	})
	return v
}

func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s_%s is invalid (%s)", Prefix, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("validate config: %w", err)
	}
	if c.AuthMode == AuthModeRequired && len(c.APIKeys) == 0 {
		return fmt.Errorf("%s_API_KEYS must be set when %s_AUTH_MODE=required", Prefix, Prefix)
	}
	for origin := range c.CORSAllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("%s_CORS_ORIGINS must list explicit origins", Prefix)
		}
	}
	if c.DefaultModel != "" && len(c.ModelAllowlist) > 0 {
		if _, ok := c.ModelAllowlist[c.DefaultModel]; !ok {
			return fmt.Errorf("%s_MODEL %q is not in %s_MODEL_ALLOWLIST", Prefix, c.DefaultModel, Prefix)
		}
	}
	return nil
}

// LimitsEnabled reports whether any per-principal limit is active.
func (c Config) LimitsEnabled() bool {
	return (c.LimitRPS > 0 && c.LimitBurst > 0) || c.LimitMaxConcurrentRequests > 0
}

// ModelAllowed reports whether model may be requested. An empty allowlist
// allows everything.
func (c Config) ModelAllowed(model string) bool {
	if len(c.ModelAllowlist) == 0 {
		return true
	}
	_, ok := c.ModelAllowlist[model]
	return ok
}

// SlogLevel maps LogLevel to a slog.Level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) normalize() {
	c.AuthMode = AuthMode(strings.ToLower(strings.TrimSpace(string(c.AuthMode))))
	c.ProviderAPIKey = strings.TrimSpace(c.ProviderAPIKey)
	c.ProviderBaseURL = strings.TrimRight(strings.TrimSpace(c.ProviderBaseURL), "/")
	c.DefaultModel = strings.TrimSpace(c.DefaultModel)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	c.APIKeys = toSet(c.APIKeyList)
	c.CORSAllowedOrigins = toSet(c.CORSOriginList)
	c.ModelAllowlist = toSet(c.ModelAllowlistItems)
}

func toSet(items []string) map[string]struct{} {
	trimmed := lo.Compact(lo.Map(items, func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
	return lo.SliceToMap(trimmed, func(s string) (string, struct{}) {
		return s, struct{}{}
	})
}
