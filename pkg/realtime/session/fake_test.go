package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/vango-go/vai-rtc/pkg/realtime/channel"
	"github.com/vango-go/vai-rtc/pkg/realtime/credential"
	"github.com/vango-go/vai-rtc/pkg/realtime/media"
	"github.com/vango-go/vai-rtc/pkg/realtime/transport"
)

type fakeFetcher struct {
	cred  credential.Credential
	err   error
	block bool
	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context) (credential.Credential, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return credential.Credential{}, ctx.Err()
	}
	return f.cred, f.err
}

type fakeNegotiator struct {
	mu     sync.Mutex
	err    error
	block  bool
	calls  int
	cred   credential.Credential
	tracks []webrtc.TrackLocal
	hooks  transport.Hooks
	handle *fakeHandle
}

func newFakeNegotiator() *fakeNegotiator {
	return &fakeNegotiator{handle: &fakeHandle{dc: newFakeDataChannel()}}
}

func (n *fakeNegotiator) Negotiate(ctx context.Context, cred credential.Credential, tracks []webrtc.TrackLocal, hooks transport.Hooks) (transport.Handle, error) {
	n.mu.Lock()
	n.calls++
	n.cred = cred
	n.tracks = tracks
	n.hooks = hooks
	block, err, h := n.block, n.err, n.handle
	n.mu.Unlock()

	if block {
		<-ctx.Done()
		// A late result still carries a live transport.
		return h, nil
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (n *fakeNegotiator) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func (n *fakeNegotiator) remoteTrackHook() func(media.RemoteTrack) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hooks.OnRemoteTrack
}

func (n *fakeNegotiator) connectionFailedHook() func(error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hooks.OnConnectionFailed
}

type fakeHandle struct {
	dc     *fakeDataChannel
	closes atomic.Int32
}

func (h *fakeHandle) Channel() channel.DataChannel { return h.dc }

func (h *fakeHandle) Close() error {
	h.closes.Add(1)
	return nil
}

type fakeSource struct {
	err error
	// block waits for ctx before failing.
	block bool
	// stall, when set, ignores ctx and returns a track once closed.
	stall    chan struct{}
	acquires atomic.Int32
	releases atomic.Int32
}

func (s *fakeSource) Acquire(ctx context.Context) (webrtc.TrackLocal, error) {
	s.acquires.Add(1)
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.stall != nil {
		<-s.stall
	}
	if s.err != nil {
		return nil, s.err
	}
	return webrtc.NewTrackLocalStaticSample(media.OpusCapability, "audio", "test")
}

func (s *fakeSource) Release() error {
	s.releases.Add(1)
	return nil
}

type fakeDataChannel struct {
	mu    sync.Mutex
	state webrtc.DataChannelState
	sent  []string
	// reply, when set, is delivered synchronously from inside SendText.
	reply string

	onOpen    func()
	onClose   func()
	onError   func(error)
	onMessage func(webrtc.DataChannelMessage)
}

func newFakeDataChannel() *fakeDataChannel {
	return &fakeDataChannel{state: webrtc.DataChannelStateConnecting}
}

func (f *fakeDataChannel) Label() string { return channel.DefaultLabel }

func (f *fakeDataChannel) ReadyState() webrtc.DataChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeDataChannel) OnOpen(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onOpen = fn
}

func (f *fakeDataChannel) OnClose(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = fn
}

func (f *fakeDataChannel) OnError(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onError = fn
}

func (f *fakeDataChannel) OnMessage(fn func(webrtc.DataChannelMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = fn
}

func (f *fakeDataChannel) SendText(s string) error {
	f.mu.Lock()
	if f.state != webrtc.DataChannelStateOpen {
		f.mu.Unlock()
		return errors.New("data channel not open")
	}
	f.sent = append(f.sent, s)
	reply, onMessage := f.reply, f.onMessage
	f.mu.Unlock()

	if reply != "" && onMessage != nil {
		onMessage(webrtc.DataChannelMessage{IsString: true, Data: []byte(reply)})
	}
	return nil
}

func (f *fakeDataChannel) Close() error {
	f.mu.Lock()
	f.state = webrtc.DataChannelStateClosed
	cb := f.onClose
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (f *fakeDataChannel) open() {
	f.mu.Lock()
	f.state = webrtc.DataChannelStateOpen
	cb := f.onOpen
	f.mu.Unlock()
	cb()
}

func (f *fakeDataChannel) remoteClose() {
	f.mu.Lock()
	f.state = webrtc.DataChannelStateClosed
	cb := f.onClose
	f.mu.Unlock()
	cb()
}

func (f *fakeDataChannel) fail(err error) {
	f.mu.Lock()
	cb := f.onError
	f.mu.Unlock()
	cb(err)
}

func (f *fakeDataChannel) deliver(text string) {
	f.mu.Lock()
	cb := f.onMessage
	f.mu.Unlock()
	cb(webrtc.DataChannelMessage{IsString: true, Data: []byte(text)})
}

func (f *fakeDataChannel) setReply(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = text
}

func (f *fakeDataChannel) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
	errs   []error
}

func (r *stateRecorder) record(s State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}
