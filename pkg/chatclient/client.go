// Package chatclient is a reconnecting websocket client for the chat
// gateway. It keeps a deduplicated timeline and fills gaps after every
// reconnect with a chat:sync request.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("chatclient: not connected")

// ServerError is a chat:error frame returned for a request or handshake.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("chatclient: server error %s: %s", e.Code, e.Message)
}

// permanent handshake failures are not retried.
func (e *ServerError) permanent() bool {
	switch e.Code {
	case "missing-identity", "invalid-token", "not-member":
		return true
	}
	return false
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   string          `json:"ack,omitempty"`
}

type Connected struct {
	CoupleID string `json:"coupleId"`
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
	Ts       int64  `json:"ts"`
}

type SendInput struct {
	Kind            string
	Text            *string
	ImageURL        *string
	ClientMessageID string
}

type SendResult struct {
	Message  Message
	Delivery string
}

type Options struct {
	// URL of the gateway endpoint, e.g. ws://localhost:8085/ws/chat.
	URL      string
	CoupleID string
	UserID   string
	// Token is sent as a bearer token when the gateway verifies handshakes.
	Token string

	SyncTimeout    time.Duration
	RequestTimeout time.Duration
	// IdleTimeout closes a connection that has received nothing, not even
	// a server ping, for this long.
	IdleTimeout time.Duration
	Backoff     Backoff

	Dialer      *websocket.Dialer
	Logger      *slog.Logger
	OnMessage   func(Message)
	OnConnected func(Connected)
}

type Client struct {
	opts     Options
	logger   *slog.Logger
	timeline *Timeline

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame

	writeMu sync.Mutex
	nextAck atomic.Uint64
}

func New(opts Options) *Client {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 75 * time.Second
	}
	if opts.Backoff.Base <= 0 && opts.Backoff.Max <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:     opts,
		logger:   logger.With("couple_id", opts.CoupleID, "user_id", opts.UserID),
		timeline: NewTimeline(),
		pending:  make(map[string]chan frame),
	}
}

func (c *Client) Timeline() *Timeline { return c.timeline }

// Run keeps a connection open until ctx ends. Each (re)connect waits for
// chat:connected and then resyncs from the newest message in the timeline.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var se *ServerError
		if errors.As(err, &se) && se.permanent() {
			return err
		}
		if connected {
			attempt = 0
		}
		attempt++
		delay := c.opts.Backoff.Delay(attempt)
		c.logger.Warn("chat connection lost, reconnecting", "attempt", attempt, "delay", delay, "error", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (c *Client) session(ctx context.Context) (bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	hello, err := c.awaitConnected(conn)
	if err != nil {
		return false, err
	}

	c.attach(conn)
	defer c.detach(conn)

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.logger.Info("chat connected", "socket_id", hello.SocketID)
	if c.opts.OnConnected != nil {
		c.opts.OnConnected(hello)
	}
	c.resync(ctx)

	return true, <-readErr
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("chatclient: parse url: %w", err)
	}
	q := u.Query()
	if c.opts.CoupleID != "" {
		q.Set("coupleId", c.opts.CoupleID)
	}
	if c.opts.UserID != "" {
		q.Set("userId", c.opts.UserID)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("chatclient: dial %s: %s: %w", u.Host, resp.Status, err)
		}
		return nil, fmt.Errorf("chatclient: dial %s: %w", u.Host, err)
	}
	return conn, nil
}

func (c *Client) awaitConnected(conn *websocket.Conn) (Connected, error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.RequestTimeout))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return Connected{}, fmt.Errorf("chatclient: waiting for chat:connected: %w", err)
		}
		switch f.Event {
		case "chat:connected":
			var hello Connected
			if err := json.Unmarshal(f.Data, &hello); err != nil {
				return Connected{}, fmt.Errorf("chatclient: connected payload: %w", err)
			}
			return hello, nil
		case "chat:error":
			return Connected{}, decodeServerError(f.Data)
		}
	}
}

// resync pulls everything newer than the timeline's last message. A slow or
// failed sync is logged and the live stream carries on; the next reconnect
// tries again.
func (c *Client) resync(ctx context.Context) {
	req := map[string]any{"coupleId": c.opts.CoupleID, "userId": c.opts.UserID}
	if last, ok := c.timeline.Last(); ok {
		req["lastMessageId"] = last.ID
		req["sinceMs"] = last.SentAtMs
	}

	for {
		sctx, cancel := context.WithTimeout(ctx, c.opts.SyncTimeout)
		f, err := c.request(sctx, "chat:sync", req)
		cancel()
		if err != nil {
			c.logger.Warn("chat resync did not complete", "error", err)
			return
		}
		var res struct {
			Messages []Message `json:"messages"`
			HasMore  bool      `json:"hasMore"`
		}
		if err := json.Unmarshal(f.Data, &res); err != nil {
			c.logger.Warn("chat resync payload invalid", "error", err)
			return
		}
		added := c.deliver(res.Messages)
		c.logger.Debug("chat resync page", "received", len(res.Messages), "new", added, "has_more", res.HasMore)
		if !res.HasMore || len(res.Messages) == 0 {
			return
		}
		last := res.Messages[len(res.Messages)-1]
		req["lastMessageId"] = last.ID
		req["sinceMs"] = last.SentAtMs
	}
}

// Send posts a message over the live socket and waits for its ack.
func (c *Client) Send(ctx context.Context, in SendInput) (SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	f, err := c.request(ctx, "chat:send", map[string]any{
		"coupleId":        c.opts.CoupleID,
		"senderUserId":    c.opts.UserID,
		"kind":            in.Kind,
		"text":            in.Text,
		"imageUrl":        in.ImageURL,
		"clientMessageId": in.ClientMessageID,
	})
	if err != nil {
		return SendResult{}, err
	}
	var reply struct {
		Message  Message `json:"message"`
		Delivery string  `json:"delivery"`
	}
	if err := json.Unmarshal(f.Data, &reply); err != nil {
		return SendResult{}, fmt.Errorf("chatclient: send reply: %w", err)
	}
	c.deliver([]Message{reply.Message})
	return SendResult{Message: reply.Message, Delivery: reply.Delivery}, nil
}

func (c *Client) request(ctx context.Context, event string, data any) (frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return frame{}, err
	}
	ack := strconv.FormatUint(c.nextAck.Add(1), 10)
	reply := make(chan frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return frame{}, ErrNotConnected
	}
	c.pending[ack] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ack)
		c.mu.Unlock()
	}()

	if err := c.write(conn, frame{Event: event, Data: raw, Ack: ack}); err != nil {
		return frame{}, err
	}

	select {
	case f := <-reply:
		if f.Event == "chat:error" {
			return frame{}, decodeServerError(f.Data)
		}
		return f, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}

		if f.Ack != "" {
			c.mu.Lock()
			reply, ok := c.pending[f.Ack]
			c.mu.Unlock()
			if ok {
				select {
				case reply <- f:
				default:
				}
				continue
			}
		}

		switch f.Event {
		case "chat:message":
			var m Message
			if err := json.Unmarshal(f.Data, &m); err != nil {
				c.logger.Warn("chat message payload invalid", "error", err)
				continue
			}
			c.deliver([]Message{m})
		case "chat:ping":
			pong, _ := json.Marshal(map[string]int64{"ts": time.Now().UnixMilli()})
			if err := c.write(conn, frame{Event: "chat:pong", Data: pong}); err != nil {
				return err
			}
		case "chat:error":
			c.logger.Warn("chat server error", "error", decodeServerError(f.Data))
		}
	}
}

func (c *Client) deliver(msgs []Message) int {
	added := c.timeline.Merge(msgs...)
	if c.opts.OnMessage != nil {
		for _, m := range added {
			c.opts.OnMessage(m)
		}
	}
	return len(added)
}

func (c *Client) write(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.RequestTimeout))
	return conn.WriteJSON(f)
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func decodeServerError(raw json.RawMessage) error {
	se := &ServerError{}
	if err := json.Unmarshal(raw, se); err != nil || se.Code == "" {
		return &ServerError{Code: "unknown", Message: string(raw)}
	}
	return se
}
