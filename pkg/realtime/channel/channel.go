// Package channel wraps the ordered message channel that carries structured
// JSON events alongside the media streams.
package channel

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/core/types"
)

// DefaultLabel is the data channel label the realtime service expects.
const DefaultLabel = "oai-events"

// DataChannel is the subset of *webrtc.DataChannel the Channel uses.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	OnOpen(func())
	OnClose(func())
	OnError(func(error))
	OnMessage(func(webrtc.DataChannelMessage))
	SendText(string) error
	Close() error
}

var _ DataChannel = (*webrtc.DataChannel)(nil)

// Handlers receive lifecycle notifications and inbound events. Any of them
// may be nil. They run on the transport's callback goroutine and must not
// block.
type Handlers struct {
	OnOpen    func()
	OnMessage func(types.ChannelEvent)
	OnError   func(error)
	OnClose   func()
}

type state int

const (
	stateConnecting state = iota
	stateOpen
	stateClosed
)

// Channel sends and receives ChannelEvents over a DataChannel.
type Channel struct {
	dc       DataChannel
	handlers Handlers
	logger   *slog.Logger

	mu    sync.Mutex
	state state
	local bool
}

// New attaches to dc and registers h. Notifications stop after Close.
func New(dc DataChannel, h Handlers, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{dc: dc, handlers: h, logger: logger}

	dc.OnOpen(c.handleOpen)
	dc.OnMessage(c.handleMessage)
	dc.OnError(c.handleError)
	dc.OnClose(c.handleClose)
	return c
}

// Label returns the underlying channel label.
func (c *Channel) Label() string {
	return c.dc.Label()
}

// IsOpen reports whether Send can currently transmit.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// Send transmits one event. It fails with channel_not_open unless the channel
// is open; nothing is queued.
func (c *Channel) Send(ev types.ChannelEvent) error {
	frame, err := ev.MarshalFrame()
	if err != nil {
		return core.NewInvalidRequestError(err.Error())
	}

	c.mu.Lock()
	open := c.state == stateOpen
	c.mu.Unlock()
	if !open {
		return core.NewChannelNotOpenError(fmt.Sprintf("cannot send %q: channel is not open", ev.Kind))
	}

	if err := c.dc.SendText(string(frame)); err != nil {
		if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
			return &core.Error{
				Type:    core.ErrChannelNotOpen,
				Message: fmt.Sprintf("cannot send %q: channel is %s", ev.Kind, c.dc.ReadyState()),
				Cause:   err,
			}
		}
		return fmt.Errorf("send %s: %w", ev.Kind, err)
	}
	return nil
}

// Close closes the channel locally. The resulting close notification is not
// delivered to the handlers. Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.local {
		c.mu.Unlock()
		return nil
	}
	c.local = true
	c.state = stateClosed
	c.mu.Unlock()
	return c.dc.Close()
}

func (c *Channel) handleOpen() {
	c.mu.Lock()
	if c.local || c.state != stateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = stateOpen
	c.mu.Unlock()

	c.logger.Debug("event channel open", "label", c.dc.Label())
	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen()
	}
}

func (c *Channel) handleMessage(msg webrtc.DataChannelMessage) {
	if c.suppressed() {
		return
	}
	ev := types.ParseFrame(msg.Data)
	if ev.Kind == types.KindInvalid {
		c.logger.Warn("event channel received malformed frame", "bytes", len(msg.Data), "is_string", msg.IsString)
	}
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(ev)
	}
}

func (c *Channel) handleError(err error) {
	if c.suppressed() {
		return
	}
	c.logger.Warn("event channel error", "error", err)
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

func (c *Channel) handleClose() {
	c.mu.Lock()
	if c.local || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	c.mu.Unlock()

	c.logger.Debug("event channel closed by remote", "label", c.dc.Label())
	if c.handlers.OnClose != nil {
		c.handlers.OnClose()
	}
}

func (c *Channel) suppressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}
