package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/vango-go/vai-rtc/pkg/realtime/config"
)

type cliDeps struct {
	loadConfig func() (config.Config, error)
	run        func(cmd *cobra.Command, cfg config.Config, std stdio) error
}

func defaultCLIDeps() cliDeps {
	return cliDeps{
		loadConfig: config.Load,
		run:        runSession,
	}
}

// flagValues mirrors the config fields that can be overridden on the
// command line. Only flags the user set are applied.
type flagValues struct {
	tokenURL     string
	tokenAPIKey  string
	model        string
	audioInput   string
	audioDevice  string
	playback     string
	relayAddr    string
	iceServers   []string
	relayOrigins []string
	noGreeting   bool
	instructions string
	logLevel     string
}

func newRootCmd(std stdio, deps cliDeps) *cobra.Command {
	var fv flagValues

	cmd := &cobra.Command{
		Use:   "vai-rtc",
		Short: "Talk to a realtime voice model over WebRTC",
		Long: "vai-rtc fetches a session credential, negotiates a WebRTC peer connection with the\n" +
			"realtime endpoint, streams the microphone and plays the model's audio.\n" +
			"Lines typed on stdin are sent as user messages; lines starting with '{' are sent\n" +
			"as raw events. Type /quit to end the session.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.loadConfig()
			if err != nil {
				return err
			}
			applyFlags(cmd.Flags(), fv, &cfg)
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return deps.run(cmd, cfg, std)
		},
	}
	cmd.SetIn(std.in)
	cmd.SetOut(std.out)
	cmd.SetErr(std.errOut)

	f := cmd.Flags()
	f.StringVar(&fv.tokenURL, "token-url", "", "credential endpoint (env VAI_RTC_TOKEN_URL)")
	f.StringVar(&fv.tokenAPIKey, "token-api-key", "", "bearer for the credential endpoint (env VAI_RTC_TOKEN_API_KEY)")
	f.StringVar(&fv.model, "model", "", "realtime model id (env VAI_RTC_MODEL)")
	f.StringVar(&fv.audioInput, "audio-input", "", `"mic", "none", or an Ogg/Opus file (env VAI_RTC_AUDIO_INPUT)`)
	f.StringVar(&fv.audioDevice, "audio-device", "", "ffmpeg capture device override (env VAI_RTC_AUDIO_DEVICE)")
	f.StringVar(&fv.playback, "playback", "", `"ffplay" or "none" (env VAI_RTC_PLAYBACK)`)
	f.StringVar(&fv.relayAddr, "relay-addr", "", "serve the chat log relay on host:port (env VAI_RTC_RELAY_ADDR)")
	f.StringSliceVar(&fv.relayOrigins, "relay-origin", nil, "extra browser origin admitted by the relay, repeatable (env VAI_RTC_RELAY_ORIGINS)")
	f.StringSliceVar(&fv.iceServers, "ice-server", nil, "ICE server URL, repeatable (env VAI_RTC_ICE_SERVERS)")
	f.BoolVar(&fv.noGreeting, "no-greeting", false, "do not ask the model to greet on connect")
	f.StringVar(&fv.instructions, "greeting-instructions", "", "instructions for the greeting response")
	f.StringVar(&fv.logLevel, "log-level", "", "debug, info, warn or error (env VAI_RTC_LOG_LEVEL)")

	return cmd
}

func applyFlags(fs *pflag.FlagSet, fv flagValues, cfg *config.Config) {
	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("token-url", &cfg.TokenURL, fv.tokenURL)
	set("token-api-key", &cfg.TokenAPIKey, fv.tokenAPIKey)
	set("model", &cfg.Model, fv.model)
	set("audio-input", &cfg.AudioInput, fv.audioInput)
	set("audio-device", &cfg.AudioDevice, fv.audioDevice)
	set("playback", &cfg.Playback, fv.playback)
	set("relay-addr", &cfg.RelayAddr, fv.relayAddr)
	set("greeting-instructions", &cfg.GreetingInstructions, fv.instructions)
	set("log-level", &cfg.LogLevel, fv.logLevel)
	if fs.Changed("ice-server") {
		cfg.ICEServers = fv.iceServers
	}
	if fs.Changed("relay-origin") {
		cfg.RelayOrigins = fv.relayOrigins
	}
	if fs.Changed("no-greeting") {
		cfg.Greeting = !fv.noGreeting
	}
}
