package session

import (
	"github.com/pion/webrtc/v4"
	"github.com/vango-go/vai-rtc/pkg/core/types"
	"github.com/vango-go/vai-rtc/pkg/realtime/channel"
	"github.com/vango-go/vai-rtc/pkg/realtime/credential"
	"github.com/vango-go/vai-rtc/pkg/realtime/transport"
)

// event is an input to the session state machine.
type event interface {
	isEvent()
}

type (
	evCredential struct {
		cred credential.Credential
		err  error
	}
	// evAttached carries the local track. The bridge owns it, so an
	// unconsumed one needs no cleanup.
	evAttached struct {
		track webrtc.TrackLocal
		err   error
	}
	evNegotiated struct {
		conn transport.Handle
		ch   *channel.Channel
		err  error
	}
	evChannelOpen     struct{}
	evChannelMessage  struct{ ev types.ChannelEvent }
	evChannelError    struct{ err error }
	evChannelClose    struct{}
	evTransportFailed struct{ err error }
	evStartCanceled   struct{ err error }
	evStop            struct{}
)

func (evCredential) isEvent()      {}
func (evAttached) isEvent()        {}
func (evNegotiated) isEvent()      {}
func (evChannelOpen) isEvent()     {}
func (evChannelMessage) isEvent()  {}
func (evChannelError) isEvent()    {}
func (evChannelClose) isEvent()    {}
func (evTransportFailed) isEvent() {}
func (evStartCanceled) isEvent()   {}
func (evStop) isEvent()            {}

// discard releases whatever an unconsumed event carries.
func discard(ev event) {
	if e, ok := ev.(evNegotiated); ok {
		if e.ch != nil {
			_ = e.ch.Close()
		}
		if e.conn != nil {
			_ = e.conn.Close()
		}
	}
}
