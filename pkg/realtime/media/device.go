package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"

	"github.com/vango-go/vai-rtc/pkg/core"
)

// FFmpegMicrophone captures the default microphone with ffmpeg and encodes
// it to Ogg/Opus on stdout.
type FFmpegMicrophone struct {
	// Binary defaults to "ffmpeg".
	Binary string
	// Input overrides the platform capture device ("default" on linux,
	// ":0" on darwin).
	Input string
	// GOOS defaults to runtime.GOOS.
	GOOS string
}

// Source returns an AudioSource backed by the microphone.
func (m FFmpegMicrophone) Source(opts ...OggSourceOption) *OggSource {
	return NewOggSource(m.Open, opts...)
}

// Open starts ffmpeg. Closing the returned reader stops it. The process is
// not bound to ctx since it runs for the whole session; OggSource closes the
// reader if ctx ends before the stream header arrives.
func (m FFmpegMicrophone) Open(context.Context) (io.ReadCloser, error) {
	bin := m.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, core.NewDeviceUnavailableError("ffmpeg is required for microphone capture (install ffmpeg and ensure it is in PATH)", err)
	}
	args, err := m.args()
	if err != nil {
		return nil, core.NewDeviceUnavailableError(err.Error(), nil)
	}

	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, core.NewDeviceUnavailableError("open ffmpeg stdout", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, core.NewDeviceUnavailableError("start ffmpeg microphone capture", err)
	}
	return &processReader{cmd: cmd, r: stdout}, nil
}

func (m FFmpegMicrophone) args() ([]string, error) {
	goos := m.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	var format, input string
	switch goos {
	case "darwin":
		format, input = "avfoundation", ":0"
	case "linux":
		format, input = "pulse", "default"
	default:
		return nil, fmt.Errorf("microphone capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	if m.Input != "" {
		input = m.Input
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", format, "-i", input,
		"-ac", "1", "-ar", "48000",
		"-c:a", "libopus", "-application", "voip",
		"-page_duration", "20000",
		"-f", "ogg", "pipe:1",
	}, nil
}

// FFplaySpeaker opens ffplay reading Ogg/Opus from stdin. Use it as an
// OggSink WriterFunc.
type FFplaySpeaker struct {
	// Binary defaults to "ffplay".
	Binary string
}

// Sink returns an OggSink that plays every remote track through ffplay.
func (s FFplaySpeaker) Sink(logger *slog.Logger) *OggSink {
	return NewOggSink(s.Open, logger)
}

// Open starts one ffplay process for track.
func (s FFplaySpeaker) Open(RemoteTrack) (io.WriteCloser, error) {
	bin := s.Binary
	if bin == "" {
		bin = "ffplay"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, errors.New("ffplay is required for playback (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	cmd := exec.Command(bin,
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "ogg",
		"-i", "pipe:0",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffplay: %w", err)
	}
	return &processWriter{cmd: cmd, w: stdin}, nil
}

type processReader struct {
	cmd  *exec.Cmd
	r    io.ReadCloser
	once sync.Once
}

func (p *processReader) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *processReader) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

type processWriter struct {
	cmd  *exec.Cmd
	w    io.WriteCloser
	once sync.Once
}

func (p *processWriter) Write(b []byte) (int, error) {
	return p.w.Write(b)
}

func (p *processWriter) Close() error {
	p.once.Do(func() {
		_ = p.w.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}
