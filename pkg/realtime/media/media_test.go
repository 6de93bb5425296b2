package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/stretchr/testify/require"
	"github.com/vango-go/vai-rtc/pkg/core"
)

type fakeSource struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{}
	acquires int
	releases int
}

func (f *fakeSource) Acquire(context.Context) (webrtc.TrackLocal, error) {
	f.mu.Lock()
	f.acquires++
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return webrtc.NewTrackLocalStaticSample(OpusCapability, "audio", "test")
}

func (f *fakeSource) counts() (acquires, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires, f.releases
}

func (f *fakeSource) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

type fakeTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) StreamID() string          { return t.stream }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

type recordingSink struct {
	mu     sync.Mutex
	played []string
	closes int
}

func (s *recordingSink) Play(track RemoteTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, track.ID())
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func TestBridge_AttachAndReleaseOnce(t *testing.T) {
	req := require.New(t)

	src := &fakeSource{}
	sink := &recordingSink{}
	b := NewBridge(src, sink, nil)

	track, err := b.AttachLocalAudio(context.Background())
	req.NoError(err)
	req.Equal(webrtc.RTPCodecTypeAudio, track.Kind())

	req.NoError(b.Release())
	req.NoError(b.Release())
	req.Equal(1, src.releases)
	req.Equal(1, sink.closes)

	_, err = b.AttachLocalAudio(context.Background())
	req.True(core.IsType(err, core.ErrDeviceUnavailable))
}

func TestBridge_DeviceUnavailable(t *testing.T) {
	req := require.New(t)

	src := &fakeSource{err: errors.New("permission denied")}
	b := NewBridge(src, nil, nil)
	_, err := b.AttachLocalAudio(context.Background())
	req.True(core.IsType(err, core.ErrDeviceUnavailable), "err=%v", err)

	req.NoError(b.Release())
	req.Equal(0, src.releases)

	_, err = NewBridge(nil, nil, nil).AttachLocalAudio(context.Background())
	req.True(core.IsType(err, core.ErrDeviceUnavailable))
}

func TestBridge_SecondAttachRejected(t *testing.T) {
	req := require.New(t)

	src := &fakeSource{}
	b := NewBridge(src, nil, nil)
	_, err := b.AttachLocalAudio(context.Background())
	req.NoError(err)
	_, err = b.AttachLocalAudio(context.Background())
	req.True(core.IsType(err, core.ErrDeviceUnavailable))
	req.Equal(1, src.acquires)
}

func TestBridge_ReleaseDuringStalledAcquire(t *testing.T) {
	req := require.New(t)

	src := &fakeSource{gate: make(chan struct{})}
	sink := &recordingSink{}
	b := NewBridge(src, sink, nil)

	type result struct {
		track webrtc.TrackLocal
		err   error
	}
	attached := make(chan result, 1)
	go func() {
		track, err := b.AttachLocalAudio(context.Background())
		attached <- result{track, err}
	}()
	req.Eventually(func() bool { a, _ := src.counts(); return a == 1 }, time.Second, 5*time.Millisecond)

	released := make(chan error, 1)
	go func() { released <- b.Release() }()
	select {
	case err := <-released:
		req.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("Release waited on the stalled source")
	}
	_, releases := src.counts()
	req.Zero(releases)
	req.Equal(1, sink.closes)

	close(src.gate)
	res := <-attached
	req.Nil(res.track)
	req.True(core.IsType(res.err, core.ErrDeviceUnavailable), "err=%v", res.err)
	_, releases = src.counts()
	req.Equal(1, releases)
}

func TestBridge_RemoteTrackDeduplicated(t *testing.T) {
	req := require.New(t)

	sink := &recordingSink{}
	b := NewBridge(&fakeSource{}, sink, nil)

	audio := fakeTrack{id: "a1", stream: "s1", kind: webrtc.RTPCodecTypeAudio}
	req.True(b.OnRemoteTrack(audio))
	req.False(b.OnRemoteTrack(audio))
	req.False(b.OnRemoteTrack(fakeTrack{id: "v1", stream: "s1", kind: webrtc.RTPCodecTypeVideo}))
	req.True(b.OnRemoteTrack(fakeTrack{id: "a2", stream: "s1", kind: webrtc.RTPCodecTypeAudio}))
	req.False(b.OnRemoteTrack(nil))

	req.NoError(b.Release())
	req.False(b.OnRemoteTrack(fakeTrack{id: "a3", stream: "s1", kind: webrtc.RTPCodecTypeAudio}))
	req.Equal([]string{"a1", "a2"}, sink.played)
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func oggHeaderStream(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := oggwriter.NewWith(&buf, opusClockRate, opusChannels)
	require.NoError(t, err)
	require.NotNil(t, w)
	return buf.Bytes()
}

func TestOggSource_AcquireAndRelease(t *testing.T) {
	req := require.New(t)

	input := &closeTracker{Reader: bytes.NewReader(oggHeaderStream(t))}
	src := NewOggSource(func(context.Context) (io.ReadCloser, error) { return input, nil })

	track, err := src.Acquire(context.Background())
	req.NoError(err)
	req.Equal("audio", track.ID())
	req.Equal("vai-rtc", track.StreamID())

	_, err = src.Acquire(context.Background())
	req.True(core.IsType(err, core.ErrDeviceUnavailable))

	req.NoError(src.Release())
	req.True(input.closed)
	req.NoError(src.Release())
}

func TestOggSource_RejectsNonOgg(t *testing.T) {
	req := require.New(t)

	input := &closeTracker{Reader: bytes.NewReader([]byte("definitely not ogg data"))}
	src := NewOggSource(func(context.Context) (io.ReadCloser, error) { return input, nil })

	_, err := src.Acquire(context.Background())
	req.True(core.IsType(err, core.ErrDeviceUnavailable), "err=%v", err)
	req.True(input.closed)
}

func TestOggSource_OpenFailure(t *testing.T) {
	src := NewOggSource(func(context.Context) (io.ReadCloser, error) { return nil, errors.New("no such device") })
	_, err := src.Acquire(context.Background())
	require.True(t, core.IsType(err, core.ErrDeviceUnavailable))
}

func TestOggSource_HeaderReadHonorsContext(t *testing.T) {
	req := require.New(t)

	pr, pw := io.Pipe()
	src := NewOggSource(func(context.Context) (io.ReadCloser, error) { return pr, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	track, err := src.Acquire(ctx)
	req.Nil(track)
	req.True(core.IsType(err, core.ErrDeviceUnavailable), "err=%v", err)
	req.ErrorIs(err, context.DeadlineExceeded)
	req.Less(time.Since(start), time.Second)

	_, werr := pw.Write([]byte("OggS"))
	req.ErrorIs(werr, io.ErrClosedPipe)
	req.NoError(src.Release())
}

func TestFFmpegMicrophone_Args(t *testing.T) {
	req := require.New(t)

	args, err := FFmpegMicrophone{GOOS: "linux"}.args()
	req.NoError(err)
	req.Contains(args, "pulse")
	req.Contains(args, "libopus")
	req.Equal("pipe:1", args[len(args)-1])

	args, err = FFmpegMicrophone{GOOS: "darwin", Input: ":1"}.args()
	req.NoError(err)
	req.Contains(args, "avfoundation")
	req.Contains(args, ":1")

	_, err = FFmpegMicrophone{GOOS: "plan9"}.args()
	req.Error(err)
}

func TestFFmpegMicrophone_MissingBinary(t *testing.T) {
	_, err := FFmpegMicrophone{Binary: "definitely-not-a-real-ffmpeg"}.Open(context.Background())
	require.True(t, core.IsType(err, core.ErrDeviceUnavailable))
}

func TestOggSink_RejectsForeignTrack(t *testing.T) {
	sink := NewOggSink(func(RemoteTrack) (io.WriteCloser, error) {
		t.Fatal("open should not be called")
		return nil, nil
	}, nil)
	require.Error(t, sink.Play(fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio}))
	require.NoError(t, sink.Close())
}

func TestMutedSource_ProvidesOpusTrack(t *testing.T) {
	req := require.New(t)

	b := NewBridge(MutedSource{}, nil, nil)
	track, err := b.AttachLocalAudio(context.Background())
	req.NoError(err)
	req.Equal(webrtc.RTPCodecTypeAudio, track.Kind())
	req.NoError(b.Release())
}
