// Package media attaches the local audio source to the peer connection and
// routes remote audio to a playback sink.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/vango-go/vai-rtc/pkg/core"
)

// AudioSource produces the local audio track.
type AudioSource interface {
	Acquire(ctx context.Context) (webrtc.TrackLocal, error)
	Release() error
}

// RemoteTrack is the subset of *webrtc.TrackRemote the bridge inspects.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

var _ RemoteTrack = (*webrtc.TrackRemote)(nil)

// PlaybackSink renders remote audio.
type PlaybackSink interface {
	Play(track RemoteTrack) error
	Close() error
}

// Bridge owns one session's local audio source and playback sink.
type Bridge struct {
	source AudioSource
	sink   PlaybackSink
	logger *slog.Logger

	mu        sync.Mutex
	acquiring bool
	acquired  bool
	released  bool
	seen      map[string]struct{}

	releaseOnce sync.Once
	releaseErr  error
}

// NewBridge creates a Bridge. A nil sink discards remote audio.
func NewBridge(source AudioSource, sink PlaybackSink, logger *slog.Logger) *Bridge {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		source: source,
		sink:   sink,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// AttachLocalAudio acquires the local audio track. Any failure is
// device_unavailable. The bridge lock is not held while the source acquires,
// so Release never waits on a stalled device; a track that arrives after
// Release is handed straight back to the source.
func (b *Bridge) AttachLocalAudio(ctx context.Context) (webrtc.TrackLocal, error) {
	b.mu.Lock()
	switch {
	case b.released:
		b.mu.Unlock()
		return nil, core.NewDeviceUnavailableError("media bridge already released", nil)
	case b.acquired || b.acquiring:
		b.mu.Unlock()
		return nil, core.NewDeviceUnavailableError("local audio already attached", nil)
	case b.source == nil:
		b.mu.Unlock()
		return nil, core.NewDeviceUnavailableError("no audio source configured", nil)
	}
	b.acquiring = true
	b.mu.Unlock()

	track, err := b.source.Acquire(ctx)

	b.mu.Lock()
	b.acquiring = false
	released := b.released
	if err == nil && track != nil && !released {
		b.acquired = true
	}
	b.mu.Unlock()

	switch {
	case err != nil:
		return nil, core.Classify(err, core.ErrDeviceUnavailable, "acquire audio source")
	case track == nil:
		_ = b.source.Release()
		return nil, core.NewDeviceUnavailableError("audio source returned no track", nil)
	case released:
		if rerr := b.source.Release(); rerr != nil {
			b.logger.Warn("release late audio source", "error", rerr)
		}
		return nil, core.NewDeviceUnavailableError("media bridge released while acquiring audio", nil)
	}
	return track, nil
}

// OnRemoteTrack hands an inbound audio track to the sink. Each track is
// played at most once; non-audio tracks are ignored. It reports whether the
// track was handed to the sink.
func (b *Bridge) OnRemoteTrack(track RemoteTrack) bool {
	if track == nil || track.Kind() != webrtc.RTPCodecTypeAudio {
		return false
	}
	key := track.StreamID() + "/" + track.ID()

	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return false
	}
	if _, ok := b.seen[key]; ok {
		b.mu.Unlock()
		return false
	}
	b.seen[key] = struct{}{}
	b.mu.Unlock()

	if err := b.sink.Play(track); err != nil {
		b.logger.Warn("remote audio playback failed", "track", key, "error", err)
		return false
	}
	b.logger.Debug("remote audio attached", "track", key)
	return true
}

// Release stops the local source and the sink. Only the first call has any
// effect. It does not wait for an acquisition in flight.
func (b *Bridge) Release() error {
	b.releaseOnce.Do(func() {
		b.mu.Lock()
		b.released = true
		acquired := b.acquired
		b.mu.Unlock()

		var errs []error
		if acquired {
			if err := b.source.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release audio source: %w", err))
			}
		}
		if err := b.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close playback sink: %w", err))
		}
		b.releaseErr = errors.Join(errs...)
	})
	return b.releaseErr
}

// NopSink discards remote audio.
type NopSink struct{}

func (NopSink) Play(RemoteTrack) error { return nil }
func (NopSink) Close() error           { return nil }

// MutedSource provides a local audio track that never carries samples. It
// keeps the audio m-line send-capable for text-only sessions.
type MutedSource struct{}

func (MutedSource) Acquire(context.Context) (webrtc.TrackLocal, error) {
	track, err := webrtc.NewTrackLocalStaticSample(OpusCapability, "audio", "vai-rtc")
	if err != nil {
		return nil, core.NewDeviceUnavailableError("create muted track", err)
	}
	return track, nil
}

func (MutedSource) Release() error { return nil }
