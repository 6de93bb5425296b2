// Package relay streams a session's chat log and state to browser clients
// over WebSocket and forwards their events back into the session. A
// read-only Server-Sent Events stream of the same messages is served on
// /events.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/core/types"
	"github.com/vango-go/vai-rtc/pkg/relay/sse"
	"golang.org/x/sync/errgroup"
)

const (
	MessageLog   = "log"
	MessageState = "state"
	MessageError = "error"

	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultMaxFrame     = 64 << 10
	clientQueueSize     = 64
)

// Sender accepts events from clients. *session.Manager satisfies it.
type Sender interface {
	Send(types.ChannelEvent) error
}

// Message is one server-to-client frame.
type Message struct {
	Type      string          `json:"type"`
	Direction types.Direction `json:"direction,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	At        *time.Time      `json:"at,omitempty"`
	State     string          `json:"state,omitempty"`
	Error     *core.Error     `json:"error,omitempty"`
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithAllowedOrigins admits browser origins besides the relay's own host.
func WithAllowedOrigins(origins ...string) Option {
	return func(r *Relay) {
		for _, o := range origins {
			if o = strings.TrimSpace(o); o != "" {
				r.origins[o] = struct{}{}
			}
		}
	}
}

// WithPingInterval sets the keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.pingInterval = d
		}
	}
}

// Relay fans session output out to WebSocket clients.
type Relay struct {
	sender       Sender
	logger       *slog.Logger
	origins      map[string]struct{}
	pingInterval time.Duration
	upgrader     websocket.Upgrader

	clients *registry

	// mu serializes publishing against client registration, so a new
	// client sees every message exactly once: in its replay or live.
	mu        sync.Mutex
	lastState *Message
	backlog   []Message
}

// New creates a Relay forwarding client events to sender.
func New(sender Sender, opts ...Option) *Relay {
	r := &Relay{
		sender:       sender,
		logger:       slog.Default(),
		origins:      make(map[string]struct{}),
		pingInterval: defaultPingInterval,
		clients:      newRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.upgrader = websocket.Upgrader{CheckOrigin: r.originAllowed}
	return r
}

// Handler returns the HTTP handler serving /ws and /events.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", r)
	mux.HandleFunc("/events", r.serveEvents)
	return mux
}

// Clients returns the number of connected clients.
func (r *Relay) Clients() int {
	return r.clients.count()
}

// PublishEntry pushes one chat log entry to every client and keeps it for
// replay to clients that connect later.
func (r *Relay) PublishEntry(e types.ChatLogEntry) {
	msg, err := entryMessage(e)
	if err != nil {
		r.logger.Warn("relay: encode log entry", "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backlog = append(r.backlog, msg)
	r.broadcast(msg)
}

// PublishState pushes a state change. The latest state is also sent to
// clients that connect later.
func (r *Relay) PublishState(state string, err error) {
	msg := Message{Type: MessageState, State: state, Error: asCoreError(err)}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastState = &msg
	r.broadcast(msg)
}

// broadcast must be called with mu held.
func (r *Relay) broadcast(msg Message) {
	for _, c := range r.clients.snapshot() {
		if !c.enqueue(msg) {
			r.logger.Warn("relay: dropping slow client", "client_id", c.id)
			c.close()
		}
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(defaultMaxFrame)

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		done: make(chan struct{}),
	}
	remove := r.attach(c)
	defer remove()
	defer c.close()

	logger := r.logger.With("client_id", c.id)
	logger.Debug("relay client connected")

	go r.writeLoop(c, logger)
	r.readLoop(c, logger)
	logger.Debug("relay client disconnected")
}

func (r *Relay) serveEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !r.originAllowed(req) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	sw, err := sse.New(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}
	remove := r.attach(c)
	defer remove()
	defer c.close()

	logger := r.logger.With("client_id", c.id, "stream", "sse")
	logger.Debug("relay client connected")

	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			logger.Debug("relay client disconnected")
			return
		case <-c.done:
			return
		case msg := <-c.out:
			if err := sw.Send(msg.Type, msg); err != nil {
				logger.Debug("relay write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := sw.Comment("ping"); err != nil {
				return
			}
		}
	}
}

// attach registers c with its queue preloaded with the last state and the
// backlog. Nothing can be published between the replay and registration.
func (r *Relay) attach(c *client) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.out = make(chan Message, clientQueueSize+len(r.backlog)+1)
	if r.lastState != nil {
		c.out <- *r.lastState
	}
	for _, msg := range r.backlog {
		c.out <- msg
	}
	return r.clients.add(c)
}

// originAllowed admits requests without an Origin header, allowlisted
// origins, and pages served from the relay's own host.
func (r *Relay) originAllowed(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := r.origins[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, req.Host)
}

func (r *Relay) readLoop(c *client, logger *slog.Logger) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("relay read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.enqueue(errorMessage(core.NewInvalidRequestError("frames must be text JSON")))
			continue
		}
		ev := types.ParseFrame(data)
		if ev.Kind == types.KindInvalid {
			c.enqueue(errorMessage(core.NewInvalidRequestError(`frame must be a JSON object with a string "type"`)))
			continue
		}
		if r.sender == nil {
			continue
		}
		if err := r.sender.Send(ev); err != nil {
			c.enqueue(errorMessage(err))
		}
	}
}

func (r *Relay) writeLoop(c *client, logger *slog.Logger) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(defaultWriteTimeout))
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				logger.Debug("relay write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout)); err != nil {
				c.close()
				return
			}
		}
	}
}

// Run serves the relay on addr until ctx ends, then disconnects clients.
func (r *Relay) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", addr, err)
	}
	return r.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.logger.Info("relay listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		r.clients.closeAll()
		r.clients.wait(shutdownCtx)
		return nil
	})
	return g.Wait()
}

type client struct {
	id   string
	conn *websocket.Conn // nil for SSE clients
	out  chan Message

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) enqueue(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func entryMessage(e types.ChatLogEntry) (Message, error) {
	frame, err := e.Event.MarshalFrame()
	if err != nil {
		return Message{}, err
	}
	at := e.At
	return Message{Type: MessageLog, Direction: e.Direction, Event: frame, At: &at}, nil
}

func errorMessage(err error) Message {
	return Message{Type: MessageError, Error: asCoreError(err)}
}

func asCoreError(err error) *core.Error {
	if err == nil {
		return nil
	}
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		return coreErr
	}
	return core.NewAPIError(err.Error())
}
