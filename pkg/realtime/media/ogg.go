package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/vango-go/vai-rtc/pkg/core"
)

const (
	opusClockRate = 48000
	opusChannels  = 2

	defaultPageDuration = 20 * time.Millisecond
)

var opusTagsSignature = []byte("OpusTags")

// OpusCapability is the codec of every local track this package creates.
var OpusCapability = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: opusClockRate,
	Channels:  opusChannels,
}

// OpenFunc opens an Ogg/Opus byte stream.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// OggSourceOption configures an OggSource.
type OggSourceOption func(*OggSource)

// WithPacing sleeps for each page's duration before writing the next one.
// Use it for file input; live capture is already real-time.
func WithPacing() OggSourceOption {
	return func(s *OggSource) { s.paced = true }
}

// WithTrackID sets the local track and stream ids.
func WithTrackID(id, streamID string) OggSourceOption {
	return func(s *OggSource) {
		if id != "" {
			s.trackID = id
		}
		if streamID != "" {
			s.streamID = streamID
		}
	}
}

// WithSourceLogger sets the logger.
func WithSourceLogger(l *slog.Logger) OggSourceOption {
	return func(s *OggSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// OggSource is an AudioSource that pumps Ogg/Opus pages into a local
// sample track.
type OggSource struct {
	open     OpenFunc
	paced    bool
	trackID  string
	streamID string
	logger   *slog.Logger

	mu     sync.Mutex
	rc     io.ReadCloser
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOggSource creates an OggSource reading from streams opened by open.
func NewOggSource(open OpenFunc, opts ...OggSourceOption) *OggSource {
	s := &OggSource{
		open:     open,
		trackID:  "audio",
		streamID: "vai-rtc",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire opens the stream, validates the Ogg header and starts pumping.
// ctx bounds the open and the header read, not the pump.
func (s *OggSource) Acquire(ctx context.Context) (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rc != nil {
		return nil, core.NewDeviceUnavailableError("audio source already acquired", nil)
	}
	if s.open == nil {
		return nil, core.NewDeviceUnavailableError("audio source has no input", nil)
	}

	rc, err := s.open(ctx)
	if err != nil {
		return nil, core.NewDeviceUnavailableError("open audio input", err)
	}
	// A stalled input must not outlive ctx while the header is read.
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
	reader, header, err := oggreader.NewWith(rc)
	if !stop() {
		_ = rc.Close()
		return nil, core.NewDeviceUnavailableError("read ogg header", ctx.Err())
	}
	if err != nil {
		_ = rc.Close()
		return nil, core.NewDeviceUnavailableError("read ogg header", err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(OpusCapability, s.trackID, s.streamID)
	if err != nil {
		_ = rc.Close()
		return nil, core.NewDeviceUnavailableError("create local track", err)
	}
	s.logger.Debug("audio source acquired", "channels", header.Channels, "sample_rate", header.SampleRate)

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.rc = rc
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.pump(pumpCtx, reader, track, s.done)
	return track, nil
}

func (s *OggSource) pump(ctx context.Context, reader *oggreader.OggReader, track *webrtc.TrackLocalStaticSample, done chan struct{}) {
	defer close(done)

	var lastGranule uint64
	for ctx.Err() == nil {
		page, header, err := reader.ParseNextPage()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.Warn("audio source read failed", "error", err)
			}
			return
		}
		if bytes.HasPrefix(page, opusTagsSignature) {
			continue
		}

		duration := defaultPageDuration
		if header.GranulePosition > lastGranule && lastGranule != 0 {
			samples := header.GranulePosition - lastGranule
			duration = time.Duration(samples) * time.Second / opusClockRate
		}
		lastGranule = header.GranulePosition

		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			s.logger.Warn("audio sample write failed", "error", err)
			return
		}
		if s.paced {
			select {
			case <-ctx.Done():
				return
			case <-time.After(duration):
			}
		}
	}
}

// Release stops the pump and closes the input. Safe to call more than once.
func (s *OggSource) Release() error {
	s.mu.Lock()
	rc, cancel, done := s.rc, s.cancel, s.done
	s.rc, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	if rc == nil {
		return nil
	}
	cancel()
	err := rc.Close()
	<-done
	return err
}

// WriterFunc opens the Ogg destination for one remote track.
type WriterFunc func(track RemoteTrack) (io.WriteCloser, error)

// OggSink writes each remote audio track as an Ogg/Opus stream.
type OggSink struct {
	open   WriterFunc
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	outputs []io.Closer
}

// NewOggSink creates an OggSink.
func NewOggSink(open WriterFunc, logger *slog.Logger) *OggSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &OggSink{open: open, logger: logger}
}

// Play starts copying track's RTP packets into a new Ogg stream.
func (s *OggSink) Play(track RemoteTrack) error {
	remote, ok := track.(*webrtc.TrackRemote)
	if !ok {
		return fmt.Errorf("ogg sink needs a *webrtc.TrackRemote, got %T", track)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("ogg sink is closed")
	}

	out, err := s.open(track)
	if err != nil {
		return fmt.Errorf("open playback output: %w", err)
	}
	w, err := oggwriter.NewWith(out, opusClockRate, opusChannels)
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("start ogg stream: %w", err)
	}
	s.outputs = append(s.outputs, out)

	go func() {
		defer w.Close()
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			if err := w.WriteRTP(pkt); err != nil {
				s.logger.Debug("playback write stopped", "track", remote.ID(), "error", err)
				return
			}
		}
	}()
	return nil
}

// Close closes every output. Copy loops end when their track ends or their
// output rejects a write.
func (s *OggSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	outputs := s.outputs
	s.outputs = nil
	s.mu.Unlock()

	var errs []error
	for _, out := range outputs {
		if err := out.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
