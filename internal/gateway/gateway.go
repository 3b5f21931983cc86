package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/choiyounggi/linkly-calendar/internal/authz"
	"github.com/choiyounggi/linkly-calendar/internal/chat"
	"github.com/choiyounggi/linkly-calendar/internal/fanout"
	"github.com/choiyounggi/linkly-calendar/internal/observability/metrics"
)

var ErrMissingIdentity = errors.New("gateway: missing coupleId or userId in handshake")

// ChatService is the part of chat.Service the gateway drives.
type ChatService interface {
	Send(ctx context.Context, in chat.SendInput) (chat.SendResult, error)
	Sync(ctx context.Context, req chat.SyncRequest) (chat.SyncResult, error)
	Load(ctx context.Context, coupleID string, id uuid.UUID) (chat.View, error)
	IsMember(ctx context.Context, coupleID, userID string) (bool, error)
}

type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendBuffer        int
	WriteTimeout      time.Duration
	// RequestTimeout bounds service calls made on behalf of a socket.
	RequestTimeout time.Duration
	AllowedOrigins []string
	// Verifier, when set, replaces plain coupleId/userId handshake values.
	Verifier authz.Verifier
	// OnDisconnect observes the single authoritative reason of each close.
	OnDisconnect func(c *Connection, reason Reason)
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	// A socket must survive at least two missed pings before it times out.
	if o.HeartbeatTimeout <= o.HeartbeatInterval {
		o.HeartbeatTimeout = max(60*time.Second, 2*o.HeartbeatInterval+time.Second)
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	return o
}

type Gateway struct {
	svc      ChatService
	bus      fanout.Bus
	registry *Registry
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	upgrader websocket.Upgrader

	// base outlives individual sockets so in-flight sends finish after the
	// sender disconnects.
	base     context.Context
	stopBase context.CancelFunc

	closing atomic.Bool
	active  sync.WaitGroup
}

func New(svc ChatService, bus fanout.Bus, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		svc:    svc,
		bus:    bus,
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
	g.base, g.stopBase = context.WithCancel(context.Background())
	g.registry = NewRegistry(g.subscribeRoom)
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) Registry() *Registry { return g.registry }

func (g *Gateway) Stats() Stats { return g.registry.Stats() }

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(g.opts.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request and runs the socket until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	id, idErr := g.identify(r)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	g.Handle(newWSTransport(ws, g.opts.WriteTimeout), id, idErr)
}

func (g *Gateway) identify(r *http.Request) (authz.Identity, error) {
	if g.opts.Verifier != nil {
		return authz.Authenticate(r.Context(), g.opts.Verifier, r)
	}
	q := r.URL.Query()
	id := authz.Identity{
		CoupleID: firstNonEmpty(q.Get("coupleId"), r.Header.Get("X-Couple-Id")),
		UserID:   firstNonEmpty(q.Get("userId"), r.Header.Get("X-User-Id")),
	}
	if id.CoupleID == "" || id.UserID == "" {
		return authz.Identity{}, ErrMissingIdentity
	}
	return id, nil
}

// Handle drives one connection through its lifecycle and blocks until it is
// closed. idErr is the outcome of the handshake identity check.
func (g *Gateway) Handle(t Transport, id authz.Identity, idErr error) {
	g.active.Add(1)
	defer g.active.Done()

	c := newConnection(uuid.NewString(), t, g.opts.SendBuffer)
	c.Identity = id
	c.touch(g.now())

	if idErr != nil {
		code := CodeMissingIdentity
		if errors.Is(idErr, authz.ErrInvalidToken) {
			code = CodeInvalidToken
		}
		g.reject(c, code, idErr.Error(), ReasonMissingIdentity)
		return
	}
	c.setState(StateAuthenticated)

	ok, err := g.svc.IsMember(g.base, id.CoupleID, id.UserID)
	if err != nil || !ok {
		msg := "user is not a member of this couple"
		code := CodeNotMember
		if err != nil {
			msg, code = "membership check failed", CodeInternal
			g.logger.Error("membership check failed", "couple_id", id.CoupleID, "error", err)
		}
		g.reject(c, code, msg, ReasonNotMember)
		return
	}

	if g.closing.Load() {
		c.Close(ReasonServerShutdown)
		g.finish(c, false)
		return
	}

	// chat:connected is queued before the socket can receive room pushes.
	g.reply(c, EventConnected, ConnectedPayload{
		CoupleID: id.CoupleID,
		UserID:   id.UserID,
		SocketID: c.ID,
		Ts:       g.now().UnixMilli(),
	}, "")
	g.registry.Join(c)
	c.setState(StateJoined)
	metrics.GatewayConnectionsActive.Inc()

	c.lastPingMs.Store(g.now().UnixMilli())
	c.setState(StateHeartbeatOK)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(func(err error) {
			g.logger.Debug("socket write failed", "socket_id", c.ID, "error", err)
			c.Close(ReasonTransportError)
		})
	}()

	g.logger.Info("socket joined",
		"socket_id", c.ID,
		"couple_id", id.CoupleID,
		"user_id", id.UserID,
		"room", RoomName(id.CoupleID),
	)

	g.readLoop(c)

	<-writerDone
	g.finish(c, true)
}

// reject reports a handshake failure on the socket before closing it.
func (g *Gateway) reject(c *Connection, code, msg string, reason Reason) {
	if frame, err := encode(EventError, ErrorPayload{Code: code, Message: msg}, ""); err == nil {
		_ = c.transport.WriteMessage(frame)
	}
	c.Close(reason)
	g.finish(c, false)
}

func (g *Gateway) finish(c *Connection, joined bool) {
	if joined && g.registry.Leave(c) {
		metrics.GatewayConnectionsActive.Dec()
	}
	reason := c.Reason()
	metrics.GatewayDisconnectsTotal.WithLabelValues(string(reason)).Inc()
	g.logger.Info("socket closed",
		"socket_id", c.ID,
		"couple_id", c.Identity.CoupleID,
		"user_id", c.Identity.UserID,
		"reason", reason,
	)
	if g.opts.OnDisconnect != nil {
		g.opts.OnDisconnect(c, reason)
	}
}

func (g *Gateway) readLoop(c *Connection) {
	for {
		frame, err := c.transport.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.Close(ReasonClientClosed)
			} else {
				c.Close(ReasonTransportError)
			}
			return
		}
		c.touch(g.now())
		g.dispatch(c, frame)
	}
}

// reply queues a frame; a socket that cannot keep up is dropped rather than
// slowing anyone else down.
func (g *Gateway) reply(c *Connection, event string, data any, ack string) {
	frame, err := encode(event, data, ack)
	if err != nil {
		g.logger.Error("encode frame failed", "event", event, "error", err)
		return
	}
	g.deliver(c, frame)
}

func (g *Gateway) deliver(c *Connection, frame []byte) bool {
	if c.enqueue(frame) {
		return true
	}
	if c.drop(ReasonSlowConsumer) {
		g.logger.Warn("socket send buffer full, dropping", "socket_id", c.ID, "couple_id", c.Identity.CoupleID)
	}
	return false
}

func (g *Gateway) replyError(c *Connection, err error, ack string) {
	code := errorCode(err)
	if code == CodeInternal {
		g.logger.Error("socket request failed", "socket_id", c.ID, "error", err)
	}
	g.reply(c, EventError, ErrorPayload{Code: code, Message: err.Error()}, ack)
}

// Run drives heartbeats until ctx ends.
func (g *Gateway) Run(ctx context.Context) error {
	tick := g.opts.HeartbeatInterval / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > 5*time.Second {
		tick = 5 * time.Second
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			g.sweep(g.now())
		}
	}
}

// Shutdown closes every socket with server-shutdown and waits for their
// handlers to return.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closing.Store(true)
	for _, c := range g.registry.All() {
		c.Close(ReasonServerShutdown)
	}

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	defer g.stopBase()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
