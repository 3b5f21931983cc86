package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/choiyounggi/linkly-calendar/internal/authz"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateHeartbeatOK
	StateHeartbeatStale
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateHeartbeatOK:
		return "heartbeat-ok"
	case StateHeartbeatStale:
		return "heartbeat-stale"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Reason string

const (
	ReasonClientClosed     Reason = "client-closed"
	ReasonTransportError   Reason = "transport-error"
	ReasonMissingIdentity  Reason = "missing-identity"
	ReasonNotMember        Reason = "not-member"
	ReasonHeartbeatTimeout Reason = "heartbeat-timeout"
	ReasonServerShutdown   Reason = "server-shutdown"
	ReasonSlowConsumer     Reason = "slow-consumer"
)

func (r Reason) closeCode() int {
	switch r {
	case ReasonClientClosed:
		return websocket.CloseNormalClosure
	case ReasonServerShutdown:
		return websocket.CloseGoingAway
	case ReasonSlowConsumer:
		return websocket.CloseTryAgainLater
	case ReasonMissingIdentity:
		return 4401
	case ReasonNotMember:
		return 4403
	case ReasonHeartbeatTimeout:
		return 4408
	default:
		return websocket.CloseInternalServerErr
	}
}

// Connection is the server side of one socket.
type Connection struct {
	ID       string
	Identity authz.Identity

	transport Transport
	send      chan []byte
	done      chan struct{}

	state      atomic.Int32
	lastSeenMs atomic.Int64
	lastPingMs atomic.Int64

	closeOnce sync.Once
	reason    Reason
}

func newConnection(id string, t Transport, buffer int) *Connection {
	return &Connection{
		ID:        id,
		transport: t,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
	}
}

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (c *Connection) LastSeen() time.Time { return time.UnixMilli(c.lastSeenMs.Load()) }

// touch records inbound activity; a stale connection becomes healthy again.
func (c *Connection) touch(now time.Time) {
	c.lastSeenMs.Store(now.UnixMilli())
	c.state.CompareAndSwap(int32(StateHeartbeatStale), int32(StateHeartbeatOK))
}

// enqueue never blocks. False means the frame was not queued.
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close records the first reason and tears down the transport. Later calls,
// including the read loop noticing the dead transport, keep that reason.
func (c *Connection) Close(reason Reason) bool {
	return c.close(reason, false)
}

// drop records the reason at once but tears the transport down in the
// background. A stuck writer can hold the close handshake for a while and
// the room push loop must not wait on it.
func (c *Connection) drop(reason Reason) bool {
	return c.close(reason, true)
}

func (c *Connection) close(reason Reason, async bool) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.reason = reason
		c.state.Store(int32(StateClosed))
		close(c.done)
		if async {
			go c.transport.Close(reason.closeCode(), string(reason))
			return
		}
		_ = c.transport.Close(reason.closeCode(), string(reason))
	})
	return first
}

// Reason is only meaningful after Done is closed.
func (c *Connection) Reason() Reason {
	<-c.done
	return c.reason
}

func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) writeLoop(onError func(error)) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.transport.WriteMessage(frame); err != nil {
				onError(err)
				return
			}
		}
	}
}
