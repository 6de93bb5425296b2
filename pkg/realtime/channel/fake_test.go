package channel

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

type fakeDataChannel struct {
	mu      sync.Mutex
	state   webrtc.DataChannelState
	sent    []string
	sendErr error
	closed  int

	onOpen    func()
	onClose   func()
	onError   func(error)
	onMessage func(webrtc.DataChannelMessage)
}

func newFakeDataChannel() *fakeDataChannel {
	return &fakeDataChannel{state: webrtc.DataChannelStateConnecting}
}

func (f *fakeDataChannel) Label() string { return DefaultLabel }

func (f *fakeDataChannel) ReadyState() webrtc.DataChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeDataChannel) OnOpen(fn func())                             { f.onOpen = fn }
func (f *fakeDataChannel) OnClose(fn func())                            { f.onClose = fn }
func (f *fakeDataChannel) OnError(fn func(error))                       { f.onError = fn }
func (f *fakeDataChannel) OnMessage(fn func(webrtc.DataChannelMessage)) { f.onMessage = fn }

func (f *fakeDataChannel) SendText(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.state != webrtc.DataChannelStateOpen {
		return errors.New("data channel not open")
	}
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeDataChannel) Close() error {
	f.mu.Lock()
	f.closed++
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
	f.mu.Unlock()
	f.onOpen()
}

func (f *fakeDataChannel) remoteClose() {
	f.mu.Lock()
	f.state = webrtc.DataChannelStateClosed
	f.mu.Unlock()
	f.onClose()
}

func (f *fakeDataChannel) deliver(text string) {
	f.onMessage(webrtc.DataChannelMessage{IsString: true, Data: []byte(text)})
}

func (f *fakeDataChannel) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}
