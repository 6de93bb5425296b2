// Package transport negotiates the peer connection that carries audio and
// the event channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/realtime/channel"
	"github.com/vango-go/vai-rtc/pkg/realtime/credential"
	"github.com/vango-go/vai-rtc/pkg/realtime/media"
)

// Signaler exchanges one SDP offer for an answer.
type Signaler interface {
	Exchange(ctx context.Context, cred credential.Credential, offerSDP string) (string, error)
}

// Hooks receive transport callbacks. They run on pion goroutines and must
// not block.
type Hooks struct {
	OnRemoteTrack      func(media.RemoteTrack)
	OnConnectionFailed func(error)
}

// Handle is one negotiated transport session.
type Handle interface {
	Channel() channel.DataChannel
	Close() error
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithICEServers sets the STUN/TURN server URLs.
func WithICEServers(urls ...string) Option {
	return func(n *Negotiator) {
		n.iceServers = nil
		for _, u := range urls {
			if u = strings.TrimSpace(u); u != "" {
				n.iceServers = append(n.iceServers, webrtc.ICEServer{URLs: []string{u}})
			}
		}
	}
}

// WithChannelLabel sets the event channel label.
func WithChannelLabel(label string) Option {
	return func(n *Negotiator) {
		if label = strings.TrimSpace(label); label != "" {
			n.label = label
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Negotiator) {
		if l != nil {
			n.logger = l
		}
	}
}

// Negotiator builds peer connections.
type Negotiator struct {
	api        *webrtc.API
	signaler   Signaler
	iceServers []webrtc.ICEServer
	label      string
	logger     *slog.Logger
}

// NewNegotiator creates a Negotiator that signals through s.
func NewNegotiator(s Signaler, opts ...Option) (*Negotiator, error) {
	if s == nil {
		return nil, errors.New("transport: signaler must not be nil")
	}
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	n := &Negotiator{
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		signaler: s,
		label:    channel.DefaultLabel,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Negotiate runs the offer/answer exchange. Every failure is
// negotiation_rejected and leaves nothing open.
func (n *Negotiator) Negotiate(ctx context.Context, cred credential.Credential, tracks []webrtc.TrackLocal, hooks Hooks) (Handle, error) {
	pc, dc, offer, err := n.prepare(ctx, tracks, hooks)
	if err != nil {
		return nil, err
	}

	answer, err := n.signaler.Exchange(ctx, cred, offer)
	if err != nil {
		_ = pc.Close()
		return nil, core.Classify(err, core.ErrNegotiationRejected, "exchange offer")
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		_ = pc.Close()
		return nil, core.NewNegotiationRejectedError("apply answer", "", err)
	}

	n.logger.Debug("transport negotiated", "channel", dc.Label())
	return &peerHandle{pc: pc, dc: dc}, nil
}

// prepare builds the peer connection and returns the complete local offer,
// with all ICE candidates gathered.
func (n *Negotiator) prepare(ctx context.Context, tracks []webrtc.TrackLocal, hooks Hooks) (*webrtc.PeerConnection, *webrtc.DataChannel, string, error) {
	pc, err := n.api.NewPeerConnection(webrtc.Configuration{ICEServers: n.iceServers})
	if err != nil {
		return nil, nil, "", core.NewNegotiationRejectedError("create peer connection", "", err)
	}
	fail := func(msg string, err error) (*webrtc.PeerConnection, *webrtc.DataChannel, string, error) {
		_ = pc.Close()
		return nil, nil, "", core.NewNegotiationRejectedError(msg, "", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.logger.Debug("remote track", "id", track.ID(), "kind", track.Kind().String())
		if hooks.OnRemoteTrack != nil {
			hooks.OnRemoteTrack(track)
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			n.logger.Debug("ice candidate", "candidate", c.String())
		}
	})
	var failOnce sync.Once
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.logger.Debug("peer connection state", "state", s.String())
		if s == webrtc.PeerConnectionStateFailed && hooks.OnConnectionFailed != nil {
			failOnce.Do(func() {
				hooks.OnConnectionFailed(errors.New("peer connection failed"))
			})
		}
	})

	for _, track := range tracks {
		if track == nil {
			continue
		}
		if _, err := pc.AddTrack(track); err != nil {
			return fail("add local track", err)
		}
	}
	if len(pc.GetSenders()) == 0 {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fail("add audio transceiver", err)
		}
	}

	ordered := true
	dc, err := pc.CreateDataChannel(n.label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fail("create data channel", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail("create offer", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail("set local description", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail("ice gathering interrupted", ctx.Err())
	}

	local := pc.LocalDescription()
	if local == nil {
		return fail("no local description after gathering", nil)
	}
	return pc, dc, local.SDP, nil
}

type peerHandle struct {
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	once sync.Once
	err  error
}

func (h *peerHandle) Channel() channel.DataChannel {
	return h.dc
}

// Close closes the peer connection, which also closes the data channel and
// ends every remote track.
func (h *peerHandle) Close() error {
	h.once.Do(func() {
		h.err = h.pc.Close()
	})
	return h.err
}
