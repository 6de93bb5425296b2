package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("VAI_RTC_TOKEN_URL", "http://127.0.0.1:8080/v1/realtime/session")

	cfg, err := LoadFromEnv()
	req.NoError(err)
	req.Equal("client_secret.value", cfg.TokenField)
	req.Equal("https://api.openai.com/v1/realtime", cfg.SignalingURL)
	req.Equal("oai-events", cfg.ChannelLabel)
	req.Equal([]string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
	req.True(cfg.Greeting)
	req.Equal(AudioMicrophone, cfg.AudioInput)
	req.Equal(PlaybackFFplay, cfg.Playback)
	req.Empty(cfg.RelayAddr)
	req.Empty(cfg.RelayOrigins)
	req.Equal(slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	req := require.New(t)
	t.Setenv("VAI_RTC_TOKEN_URL", "https://gw.example.com/v1/realtime/session")
	t.Setenv("VAI_RTC_TOKEN_API_KEY", "vai_sk_1")
	t.Setenv("VAI_RTC_ICE_SERVERS", "stun:a.example.com:3478, ,stun:b.example.com:3478")
	t.Setenv("VAI_RTC_GREETING", "false")
	t.Setenv("VAI_RTC_PLAYBACK", "NONE")
	t.Setenv("VAI_RTC_RELAY_ADDR", "127.0.0.1:8090")
	t.Setenv("VAI_RTC_RELAY_ORIGINS", "https://ui.example.com/, http://localhost:5173")
	t.Setenv("VAI_RTC_LOG_LEVEL", "debug")

	cfg, err := LoadFromEnv()
	req.NoError(err)
	req.Equal("vai_sk_1", cfg.TokenAPIKey)
	req.Equal([]string{"stun:a.example.com:3478", "stun:b.example.com:3478"}, cfg.ICEServers)
	req.False(cfg.Greeting)
	req.Equal(PlaybackNone, cfg.Playback)
	req.Equal("127.0.0.1:8090", cfg.RelayAddr)
	req.Equal([]string{"https://ui.example.com", "http://localhost:5173"}, cfg.RelayOrigins)
	req.Equal(slog.LevelDebug, cfg.SlogLevel())
}

func TestLoadFromEnv_MissingTokenURL(t *testing.T) {
	t.Setenv("VAI_RTC_TOKEN_URL", "")

	_, err := LoadFromEnv()
	require.Error(t, err)
	require.Contains(t, err.Error(), "VAI_RTC_TOKEN_URL")
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"VAI_RTC_PLAYBACK":      "speakers",
		"VAI_RTC_LOG_LEVEL":     "trace",
		"VAI_RTC_RELAY_ADDR":    "not an address",
		"VAI_RTC_RELAY_ORIGINS": "ui.example.com",
		"VAI_RTC_GREETING":      "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("VAI_RTC_TOKEN_URL", "http://127.0.0.1:8080/token")
			t.Setenv(key, value)
			_, err := LoadFromEnv()
			require.Error(t, err)
		})
	}
}
