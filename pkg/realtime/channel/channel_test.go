package channel

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/core/types"
)

func TestSend_BeforeOpenIsChannelNotOpen(t *testing.T) {
	req := require.New(t)

	dc := newFakeDataChannel()
	c := New(dc, Handlers{}, nil)

	err := c.Send(types.ChannelEvent{Kind: "response.create"})
	req.True(core.IsType(err, core.ErrChannelNotOpen), "err=%v", err)
	req.Empty(dc.sentFrames())
}

func TestSend_AfterOpenTransmitsFrame(t *testing.T) {
	req := require.New(t)

	opened := 0
	dc := newFakeDataChannel()
	c := New(dc, Handlers{OnOpen: func() { opened++ }}, nil)
	dc.open()
	dc.open()

	req.Equal(1, opened)
	req.True(c.IsOpen())

	req.NoError(c.Send(types.ChannelEvent{Kind: "response.create", Payload: json.RawMessage(`{"response":{}}`)}))
	frames := dc.sentFrames()
	req.Len(frames, 1)
	req.JSONEq(`{"type":"response.create","response":{}}`, frames[0])
}

func TestSend_InvalidEvent(t *testing.T) {
	dc := newFakeDataChannel()
	c := New(dc, Handlers{}, nil)
	dc.open()

	err := c.Send(types.ChannelEvent{})
	require.True(t, core.IsType(err, core.ErrInvalidRequest))
}

func TestSend_TransportErrorWhileOpen(t *testing.T) {
	req := require.New(t)

	dc := newFakeDataChannel()
	c := New(dc, Handlers{}, nil)
	dc.open()
	dc.sendErr = errors.New("sctp: buffer full")

	err := c.Send(types.ChannelEvent{Kind: "x"})
	req.Error(err)
	req.False(core.IsType(err, core.ErrChannelNotOpen))
}

func TestMessages_DeliveredInOrderIncludingMalformed(t *testing.T) {
	req := require.New(t)

	var got []types.ChannelEvent
	dc := newFakeDataChannel()
	New(dc, Handlers{OnMessage: func(ev types.ChannelEvent) { got = append(got, ev) }}, nil)
	dc.open()

	dc.deliver(`{"type":"session.created"}`)
	dc.deliver(`garbage`)
	dc.deliver(`{"type":"response.done"}`)

	req.Len(got, 3)
	req.Equal("session.created", got[0].Kind)
	req.Equal(types.KindInvalid, got[1].Kind)
	req.Equal("response.done", got[2].Kind)
}

func TestRemoteClose_NotifiesOnceAndBlocksSend(t *testing.T) {
	req := require.New(t)

	closes := 0
	dc := newFakeDataChannel()
	c := New(dc, Handlers{OnClose: func() { closes++ }}, nil)
	dc.open()
	dc.remoteClose()
	dc.remoteClose()

	req.Equal(1, closes)
	req.False(c.IsOpen())
	req.True(core.IsType(c.Send(types.ChannelEvent{Kind: "x"}), core.ErrChannelNotOpen))
}

func TestLocalClose_SuppressesNotifications(t *testing.T) {
	req := require.New(t)

	var closes, messages, errs int
	dc := newFakeDataChannel()
	c := New(dc, Handlers{
		OnClose:   func() { closes++ },
		OnMessage: func(types.ChannelEvent) { messages++ },
		OnError:   func(error) { errs++ },
	}, nil)
	dc.open()

	req.NoError(c.Close())
	req.NoError(c.Close())
	dc.deliver(`{"type":"late"}`)
	dc.onError(errors.New("late"))

	req.Equal(0, closes)
	req.Equal(0, messages)
	req.Equal(0, errs)
	req.Equal(1, dc.closed)
	req.True(core.IsType(c.Send(types.ChannelEvent{Kind: "x"}), core.ErrChannelNotOpen))
}

func TestOpenAfterLocalClose_Ignored(t *testing.T) {
	opened := false
	dc := newFakeDataChannel()
	c := New(dc, Handlers{OnOpen: func() { opened = true }}, nil)
	require.NoError(t, c.Close())
	dc.onOpen()
	require.False(t, opened)
}
