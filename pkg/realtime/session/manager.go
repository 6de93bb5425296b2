// Package session drives one realtime voice session through its lifecycle:
// credential, negotiation, event channel, active exchange and teardown.
//
// A Manager is single use. Every callback from its collaborators is turned
// into an event and consumed by one loop goroutine, so state only ever
// changes on that goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/core/types"
	"github.com/vango-go/vai-rtc/pkg/realtime/channel"
	"github.com/vango-go/vai-rtc/pkg/realtime/credential"
	"github.com/vango-go/vai-rtc/pkg/realtime/media"
	"github.com/vango-go/vai-rtc/pkg/realtime/transport"
)

// ErrStopped is returned by Start when Stop ended the session before it
// became active.
var ErrStopped = errors.New("session stopped before becoming active")

// DefaultGreetingInstructions is the opening instruction sent when the
// event channel opens.
const DefaultGreetingInstructions = "Greet the user briefly and ask how you can help."

// CredentialFetcher obtains the session credential.
type CredentialFetcher interface {
	Fetch(ctx context.Context) (credential.Credential, error)
}

// Negotiator establishes the transport session.
type Negotiator interface {
	Negotiate(ctx context.Context, cred credential.Credential, tracks []webrtc.TrackLocal, hooks transport.Hooks) (transport.Handle, error)
}

// MediaBridge provides local audio and plays remote audio.
type MediaBridge interface {
	AttachLocalAudio(ctx context.Context) (webrtc.TrackLocal, error)
	OnRemoteTrack(track media.RemoteTrack) bool
	Release() error
}

var (
	_ CredentialFetcher = (*credential.Fetcher)(nil)
	_ Negotiator        = (*transport.Negotiator)(nil)
	_ MediaBridge       = (*media.Bridge)(nil)
)

// DefaultGreeting returns the greeting event sent on channel open unless
// overridden.
func DefaultGreeting() types.ChannelEvent {
	ev, _ := types.NewEvent("response.create", map[string]any{
		"response": map[string]any{
			"instructions": DefaultGreetingInstructions,
		},
	})
	return ev
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithGreeting replaces the greeting event.
func WithGreeting(ev types.ChannelEvent) Option {
	return func(m *Manager) {
		m.greeting = &ev
	}
}

// WithoutGreeting disables the greeting.
func WithoutGreeting() Option {
	return func(m *Manager) {
		m.greeting = nil
	}
}

// WithID sets the session id used in logs. Defaults to a random UUID.
func WithID(id string) Option {
	return func(m *Manager) {
		if id != "" {
			m.id = id
		}
	}
}

// WithClock overrides time.Now for log entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager runs one session.
type Manager struct {
	id         string
	fetcher    CredentialFetcher
	negotiator Negotiator
	bridge     MediaBridge
	logger     *slog.Logger
	greeting   *types.ChannelEvent
	now        func() time.Time

	mu      sync.Mutex
	state   State
	err     error
	ch      *channel.Channel
	onLog   func(types.ChatLogEntry)
	onState func(State, error)

	// logMu orders outbound sends against inbound log emission.
	logMu sync.Mutex

	box        *mailbox
	done       chan struct{}
	doneOnce   sync.Once
	settled    chan struct{}
	settleOnce sync.Once

	// Owned by the loop goroutine.
	stepCtx    context.Context
	cancelStep context.CancelFunc
	cred       credential.Credential
	conn       transport.Handle
	attaching  bool
	stopped    bool
}

// New creates an idle Manager.
func New(fetcher CredentialFetcher, negotiator Negotiator, bridge MediaBridge, opts ...Option) *Manager {
	greeting := DefaultGreeting()
	m := &Manager{
		id:         uuid.NewString(),
		fetcher:    fetcher,
		negotiator: negotiator,
		bridge:     bridge,
		logger:     slog.Default(),
		greeting:   &greeting,
		now:        time.Now,
		box:        newMailbox(),
		done:       make(chan struct{}),
		settled:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("session_id", m.id)
	return m
}

// ID returns the session id.
func (m *Manager) ID() string {
	return m.id
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error that failed the session, or nil.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed once the session reaches Closed or Failed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// OnLogEntry sets the handler receiving every sent and received event. The
// handler must not call Send or Stop.
func (m *Manager) OnLogEntry(fn func(types.ChatLogEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLog = fn
}

// OnStateChange sets the handler notified after every transition. err is
// non-nil only for Failed. The handler must not call Send or Stop.
func (m *Manager) OnStateChange(fn func(State, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// Start runs the session until it is Active (nil), Failed (the failure), or
// stopped (ErrStopped). It is rejected unless the Manager is Idle.
//
// ctx bounds the credential fetch and the negotiation. If it ends before the
// session is Active the session fails with the error of the interrupted step.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Idle {
		state := m.state
		m.mu.Unlock()
		return core.NewInvalidStateError(fmt.Sprintf("start requires idle session, state is %s", state))
	}
	m.state = FetchingCredential
	m.mu.Unlock()

	m.stepCtx, m.cancelStep = context.WithCancel(ctx)
	m.notify(FetchingCredential, nil)
	m.logger.Info("session starting")

	go m.fetch(m.stepCtx)
	go m.run()

	select {
	case <-m.settled:
	case <-ctx.Done():
		m.box.put(evStartCanceled{err: ctx.Err()})
		<-m.settled
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Active:
		return nil
	case Failed:
		return m.err
	default:
		return ErrStopped
	}
}

// Send forwards ev to the event channel. Outside Active it fails with
// channel_not_open and nothing is transmitted. The greeting always precedes
// the first caller event.
func (m *Manager) Send(ev types.ChannelEvent) error {
	m.logMu.Lock()
	defer m.logMu.Unlock()

	m.mu.Lock()
	state, ch := m.state, m.ch
	m.mu.Unlock()
	if state != Active || ch == nil {
		return core.NewChannelNotOpenError(fmt.Sprintf("cannot send %q in state %s", ev.Kind, state))
	}
	return m.send(ch, ev)
}

// Stop closes the session from any state and waits until it is terminal.
// It is a no-op once the session is Closing, Closed or Failed.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == Idle {
		m.state = Closed
		m.mu.Unlock()
		m.notify(Closed, nil)
		m.settle()
		m.finish()
		return
	}
	m.mu.Unlock()

	m.box.put(evStop{})
	<-m.done
}

// send must be called with logMu held.
func (m *Manager) send(ch *channel.Channel, ev types.ChannelEvent) error {
	if err := ch.Send(ev); err != nil {
		return err
	}
	m.emit(types.DirectionSent, ev)
	return nil
}

func (m *Manager) receive(ev types.ChannelEvent) {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	m.emit(types.DirectionReceived, ev)
}

// emit must be called with logMu held.
func (m *Manager) emit(dir types.Direction, ev types.ChannelEvent) {
	m.mu.Lock()
	fn := m.onLog
	m.mu.Unlock()
	if fn != nil {
		fn(types.ChatLogEntry{Direction: dir, Event: ev, At: m.now()})
	}
}

func (m *Manager) fetch(ctx context.Context) {
	cred, err := m.fetcher.Fetch(ctx)
	m.box.put(evCredential{cred: cred, err: err})
}

func (m *Manager) attach(ctx context.Context) {
	track, err := m.bridge.AttachLocalAudio(ctx)
	m.box.put(evAttached{track: track, err: err})
}

func (m *Manager) negotiate(ctx context.Context, cred credential.Credential, track webrtc.TrackLocal) {
	var tracks []webrtc.TrackLocal
	if track != nil {
		tracks = append(tracks, track)
	}
	h, err := m.negotiator.Negotiate(ctx, cred, tracks, transport.Hooks{
		OnRemoteTrack: func(t media.RemoteTrack) {
			m.bridge.OnRemoteTrack(t)
		},
		OnConnectionFailed: func(err error) {
			m.box.put(evTransportFailed{err: err})
		},
	})
	ev := evNegotiated{conn: h, err: err}
	if err == nil {
		// Handlers are attached before the result is posted so no inbound
		// event can slip past them.
		ev.ch = channel.New(h.Channel(), channel.Handlers{
			OnOpen:    func() { m.box.put(evChannelOpen{}) },
			OnMessage: func(ev types.ChannelEvent) { m.box.put(evChannelMessage{ev: ev}) },
			OnError:   func(err error) { m.box.put(evChannelError{err: err}) },
			OnClose:   func() { m.box.put(evChannelClose{}) },
		}, m.logger)
	}
	if !m.box.put(ev) {
		discard(ev)
	}
}

func (m *Manager) run() {
	for !m.stopped {
		<-m.box.wake
		for _, ev := range m.box.take() {
			if m.stopped {
				discard(ev)
				continue
			}
			m.handle(ev)
		}
	}
	for _, ev := range m.box.close() {
		discard(ev)
	}
	m.finish()
}

func (m *Manager) handle(ev event) {
	state := m.State()

	switch e := ev.(type) {
	case evCredential:
		if state != FetchingCredential {
			return
		}
		if e.err != nil {
			m.fail(core.Classify(e.err, core.ErrCredentialUnavailable, "fetch credential"))
			return
		}
		m.cred = e.cred
		m.transition(Negotiating)
		m.attaching = true
		go m.attach(m.stepCtx)

	case evAttached:
		if state != Negotiating {
			return
		}
		m.attaching = false
		if e.err != nil {
			m.fail(core.Classify(e.err, core.ErrDeviceUnavailable, "attach local audio"))
			return
		}
		go m.negotiate(m.stepCtx, m.cred, e.track)

	case evNegotiated:
		if state != Negotiating {
			discard(e)
			return
		}
		if e.err != nil {
			m.fail(core.Classify(e.err, core.ErrNegotiationRejected, "negotiate transport"))
			return
		}
		m.conn = e.conn
		m.mu.Lock()
		m.ch = e.ch
		m.mu.Unlock()
		m.transition(AwaitingChannelOpen)
		if e.ch.IsOpen() {
			m.activate()
		}

	case evChannelOpen:
		if state != AwaitingChannelOpen {
			return
		}
		m.activate()

	case evChannelMessage:
		if state != Active {
			return
		}
		m.receive(e.ev)

	case evChannelError:
		m.channelLost(state, fmt.Errorf("event channel error: %w", e.err))

	case evChannelClose:
		m.channelLost(state, errors.New("event channel closed by remote"))

	case evTransportFailed:
		m.channelLost(state, e.err)

	case evStartCanceled:
		switch state {
		case FetchingCredential:
			m.fail(core.NewCredentialUnavailableError("start canceled while fetching credential", e.err))
		case Negotiating:
			if m.attaching {
				m.fail(core.NewDeviceUnavailableError("start canceled while acquiring local audio", e.err))
				return
			}
			m.fail(core.NewNegotiationRejectedError("start canceled while negotiating", "", e.err))
		case AwaitingChannelOpen:
			m.fail(&core.Error{Type: core.ErrChannelNotOpen, Message: "start canceled while awaiting channel open", Cause: e.err})
		}

	case evStop:
		if state.IsTerminal() || state == Closing {
			return
		}
		m.transition(Closing)
		m.teardown()
		m.transition(Closed)
		m.logger.Info("session closed")
		m.settle()
		m.stopped = true

	default:
		panic(fmt.Sprintf("session: unhandled event %T", ev))
	}
}

// activate enters Active and sends the greeting under logMu, so no caller
// Send can reach the channel ahead of it.
func (m *Manager) activate() {
	m.cancelStep()

	m.logMu.Lock()
	m.transition(Active)
	if m.greeting != nil {
		if err := m.send(m.channel(), *m.greeting); err != nil {
			m.logger.Warn("greeting not sent", "error", err)
		}
	}
	m.logMu.Unlock()

	m.logger.Info("session active")
	m.settle()
}

func (m *Manager) channelLost(state State, cause error) {
	switch state {
	case AwaitingChannelOpen:
		m.fail(&core.Error{Type: core.ErrChannelNotOpen, Message: "event channel failed before opening", Cause: cause})
	case Active:
		m.fail(core.NewChannelClosedError("event channel lost while active", cause))
	}
}

// fail unwinds everything acquired so far, then enters Failed.
func (m *Manager) fail(err *core.Error) {
	m.teardown()

	m.mu.Lock()
	from := m.state
	m.err = err
	m.state = Failed
	m.mu.Unlock()

	m.logger.Error("session failed", "from", from.String(), "error", err)
	m.notify(Failed, err)
	m.settle()
	m.stopped = true
}

func (m *Manager) teardown() {
	m.cancelStep()

	m.mu.Lock()
	ch := m.ch
	m.ch = nil
	m.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Warn("close transport", "error", err)
		}
		m.conn = nil
	}
	if err := m.bridge.Release(); err != nil {
		m.logger.Warn("release media", "error", err)
	}
	m.cred = credential.Credential{}
}

func (m *Manager) transition(to State) {
	m.mu.Lock()
	from := m.state
	if !canTransition(from, to) {
		m.mu.Unlock()
		panic(fmt.Sprintf("session: illegal transition %s -> %s", from, to))
	}
	m.state = to
	m.mu.Unlock()

	m.logger.Debug("session state", "from", from.String(), "to", to.String())
	m.notify(to, nil)
}

func (m *Manager) notify(s State, err error) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(s, err)
	}
}

func (m *Manager) channel() *channel.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch
}

func (m *Manager) settle() {
	m.settleOnce.Do(func() { close(m.settled) })
}

func (m *Manager) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}
