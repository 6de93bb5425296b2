package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/vango-go/vai-rtc/pkg/core/types"
	"github.com/vango-go/vai-rtc/pkg/realtime/config"
	"github.com/vango-go/vai-rtc/pkg/realtime/credential"
	"github.com/vango-go/vai-rtc/pkg/realtime/media"
	"github.com/vango-go/vai-rtc/pkg/realtime/session"
	"github.com/vango-go/vai-rtc/pkg/realtime/signaling"
	"github.com/vango-go/vai-rtc/pkg/realtime/transport"
	"github.com/vango-go/vai-rtc/pkg/relay"
	"golang.org/x/sync/errgroup"
)

func runSession(cmd *cobra.Command, cfg config.Config, std stdio) error {
	logger := slog.New(slog.NewTextHandler(std.errOut, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	mgr, err := buildManager(cfg, logger)
	if err != nil {
		return err
	}
	return driveSession(cmd.Context(), mgr, cfg, std, logger)
}

func buildManager(cfg config.Config, logger *slog.Logger) (*session.Manager, error) {
	fetcher := credential.NewFetcher(cfg.TokenURL,
		credential.WithField(cfg.TokenField),
		credential.WithAPIKey(cfg.TokenAPIKey),
		credential.WithLogger(logger),
	)
	signaler := signaling.NewClient(
		signaling.WithBaseURL(cfg.SignalingURL),
		signaling.WithModel(cfg.Model),
		signaling.WithLogger(logger),
	)
	negotiator, err := transport.NewNegotiator(signaler,
		transport.WithICEServers(cfg.ICEServers...),
		transport.WithChannelLabel(cfg.ChannelLabel),
		transport.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	bridge := media.NewBridge(audioSource(cfg, logger), playbackSink(cfg, logger), logger)

	opts := []session.Option{session.WithLogger(logger)}
	switch {
	case !cfg.Greeting:
		opts = append(opts, session.WithoutGreeting())
	case cfg.GreetingInstructions != "":
		greeting, err := types.NewEvent("response.create", map[string]any{
			"response": map[string]any{"instructions": cfg.GreetingInstructions},
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithGreeting(greeting))
	}
	return session.New(fetcher, negotiator, bridge, opts...), nil
}

func audioSource(cfg config.Config, logger *slog.Logger) media.AudioSource {
	switch cfg.AudioInput {
	case config.AudioMicrophone:
		return media.FFmpegMicrophone{Input: cfg.AudioDevice}.Source(media.WithSourceLogger(logger))
	case config.AudioNone:
		return media.MutedSource{}
	default:
		path := cfg.AudioInput
		return media.NewOggSource(func(context.Context) (io.ReadCloser, error) {
			return os.Open(path)
		}, media.WithPacing(), media.WithSourceLogger(logger))
	}
}

func playbackSink(cfg config.Config, logger *slog.Logger) media.PlaybackSink {
	if cfg.Playback == config.PlaybackFFplay {
		return media.FFplaySpeaker{}.Sink(logger)
	}
	return media.NopSink{}
}

// sessionRunner is the part of *session.Manager the terminal loop drives.
type sessionRunner interface {
	relay.Sender
	Start(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
	Err() error
	OnLogEntry(func(types.ChatLogEntry))
	OnStateChange(func(session.State, error))
}

var _ sessionRunner = (*session.Manager)(nil)

// driveSession starts mgr, pipes stdin into it and prints the chat log until
// the user quits, ctx ends, or the session terminates.
func driveSession(ctx context.Context, mgr sessionRunner, cfg config.Config, std stdio, logger *slog.Logger) error {
	var (
		chatLog session.ChatLog
		outMu   sync.Mutex
		rl      *relay.Relay
	)

	if cfg.RelayAddr != "" {
		rl = relay.New(mgr, relay.WithLogger(logger), relay.WithAllowedOrigins(cfg.RelayOrigins...))
	}

	mgr.OnLogEntry(func(e types.ChatLogEntry) {
		chatLog.Append(e)
		outMu.Lock()
		fmt.Fprintln(std.out, formatEntry(e))
		outMu.Unlock()
		if rl != nil {
			rl.PublishEntry(e)
		}
	})
	mgr.OnStateChange(func(s session.State, err error) {
		if err != nil {
			logger.Warn("session state", "state", s.String(), "error", err)
		} else {
			logger.Info("session state", "state", s.String())
		}
		if rl != nil {
			rl.PublishState(s.String(), err)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	relayCtx, stopRelay := context.WithCancel(gctx)
	defer stopRelay()
	if rl != nil {
		g.Go(func() error {
			return rl.Run(relayCtx, cfg.RelayAddr)
		})
	}

	err := runInteractive(gctx, mgr, std, &outMu)
	mgr.Stop()
	stopRelay()
	if werr := g.Wait(); err == nil {
		err = werr
	}
	logger.Info("session ended", "entries", chatLog.Len())
	return err
}

func runInteractive(ctx context.Context, mgr sessionRunner, std stdio, outMu *sync.Mutex) error {
	if err := mgr.Start(ctx); err != nil {
		// An interrupt during setup is a normal exit, not a failure.
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	outMu.Lock()
	fmt.Fprintln(std.out, "session active. Type a message, a JSON event, or /quit.")
	outMu.Unlock()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(std.in)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-mgr.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mgr.Done():
			return mgr.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				return nil
			}
			events, err := parseInput(line)
			if err != nil {
				outMu.Lock()
				fmt.Fprintf(std.errOut, "input error: %v\n", err)
				outMu.Unlock()
				continue
			}
			for _, ev := range events {
				if err := mgr.Send(ev); err != nil {
					outMu.Lock()
					fmt.Fprintf(std.errOut, "send error: %v\n", err)
					outMu.Unlock()
					break
				}
			}
		}
	}
}

// parseInput turns one stdin line into channel events. JSON objects are sent
// as-is; anything else becomes a user message followed by a response request.
func parseInput(line string) ([]types.ChannelEvent, error) {
	if strings.HasPrefix(line, "{") {
		ev := types.ParseFrame([]byte(line))
		if ev.Kind == types.KindInvalid {
			return nil, fmt.Errorf("event must be a JSON object with a string \"type\"")
		}
		return []types.ChannelEvent{ev}, nil
	}

	item, err := types.NewEvent("conversation.item.create", map[string]any{
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": line},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return []types.ChannelEvent{item, {Kind: "response.create"}}, nil
}

func formatEntry(e types.ChatLogEntry) string {
	arrow := "<-"
	if e.Direction == types.DirectionSent {
		arrow = "->"
	}
	payload := strings.TrimSpace(string(e.Event.Payload))
	const maxPayload = 240
	if len(payload) > maxPayload {
		cut := maxPayload
		for cut > 0 && !utf8.RuneStart(payload[cut]) {
			cut--
		}
		payload = payload[:cut] + "..."
	}
	if payload == "" {
		return fmt.Sprintf("%s %s %s", e.At.Format("15:04:05.000"), arrow, e.Event.Kind)
	}
	return fmt.Sprintf("%s %s %s %s", e.At.Format("15:04:05.000"), arrow, e.Event.Kind, payload)
}
