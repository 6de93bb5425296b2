// Package config loads the realtime client configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name, e.g. VAI_RTC_TOKEN_URL.
const Prefix = "VAI_RTC"

// Audio input and playback selectors.
const (
	AudioMicrophone = "mic"
	AudioNone       = "none"
	PlaybackFFplay  = "ffplay"
	PlaybackNone    = "none"
)

type Config struct {
	// Credential endpoint, normally the vai-rtc gateway.
	TokenURL    string `envconfig:"TOKEN_URL" validate:"required,url"`
	TokenField  string `envconfig:"TOKEN_FIELD" default:"client_secret.value" validate:"required"`
	TokenAPIKey string `envconfig:"TOKEN_API_KEY"`

	SignalingURL string `envconfig:"SIGNALING_URL" default:"https://api.openai.com/v1/realtime" validate:"required,url"`
	Model        string `envconfig:"MODEL" default:"gpt-4o-realtime-preview-2024-12-17" validate:"required"`

	ICEServers   []string `envconfig:"ICE_SERVERS" default:"stun:stun.l.google.com:19302"`
	ChannelLabel string   `envconfig:"CHANNEL_LABEL" default:"oai-events" validate:"required"`

	Greeting             bool   `envconfig:"GREETING" default:"true"`
	GreetingInstructions string `envconfig:"GREETING_INSTRUCTIONS"`

	// AudioInput is "mic", "none", or a path to an Ogg/Opus file.
	AudioInput  string `envconfig:"AUDIO_INPUT" default:"mic" validate:"required"`
	AudioDevice string `envconfig:"AUDIO_DEVICE"`
	Playback    string `envconfig:"PLAYBACK" default:"ffplay" validate:"oneof=ffplay none"`

	// RelayAddr enables the browser relay when set, e.g. "127.0.0.1:8090".
	RelayAddr string `envconfig:"RELAY_ADDR" validate:"omitempty,hostname_port"`
	// RelayOrigins are browser origins admitted besides the relay's own host.
	RelayOrigins []string `envconfig:"RELAY_ORIGINS" validate:"dive,url"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("envconfig")
	})
	return v
}

// LoadFromEnv reads and validates the configuration.
func LoadFromEnv() (Config, error) {
	cfg, err := Load()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the environment without validating, so callers can apply
// overrides first.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Validate checks field constraints. It is exported so flag overrides can be
// re-validated.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s_%s is invalid (%s)", Prefix, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// Normalize trims and lower-cases free-form values.
func (c *Config) Normalize() {
	c.TokenURL = strings.TrimSpace(c.TokenURL)
	c.SignalingURL = strings.TrimSpace(c.SignalingURL)
	c.AudioInput = strings.TrimSpace(c.AudioInput)
	c.Playback = strings.ToLower(strings.TrimSpace(c.Playback))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	c.ICEServers = compact(c.ICEServers)
	c.RelayOrigins = compact(c.RelayOrigins)
	for i, o := range c.RelayOrigins {
		c.RelayOrigins[i] = strings.TrimRight(o, "/")
	}
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
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
