package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/choiyounggi/linkly-calendar/internal/authz"
	"github.com/choiyounggi/linkly-calendar/internal/chat"
	"github.com/choiyounggi/linkly-calendar/internal/store"
)

func TestMissingIdentityClosesOnce(t *testing.T) {
	h := newHarness(t, Options{})
	ft := newFakeTransport()

	h.g.Handle(ft, authz.Identity{}, ErrMissingIdentity)

	env := ft.expect(t, EventError)
	if p := decode[ErrorPayload](t, env); p.Code != CodeMissingIdentity {
		t.Fatalf("expected missing-identity code, got %+v", p)
	}
	if ft.closeCode != 4401 || ft.closeText != string(ReasonMissingIdentity) {
		t.Fatalf("unexpected close frame %d %q", ft.closeCode, ft.closeText)
	}

	select {
	case d := <-h.disconnects:
		if d.reason != ReasonMissingIdentity {
			t.Fatalf("expected missing-identity, got %s", d.reason)
		}
	default:
		t.Fatal("disconnect not reported")
	}
	h.expectNoDisconnect(t)
	if s := h.g.Stats(); s.Connections != 0 || s.Rooms != 0 {
		t.Fatalf("rejected socket must not join: %+v", s)
	}
}

func TestNonMemberRejected(t *testing.T) {
	h := newHarness(t, Options{})
	ft := newFakeTransport()

	h.g.Handle(ft, authz.Identity{CoupleID: "c1", UserID: "carol"}, nil)

	if p := decode[ErrorPayload](t, ft.expect(t, EventError)); p.Code != CodeNotMember {
		t.Fatalf("expected not-member, got %+v", p)
	}
	if d := <-h.disconnects; d.reason != ReasonNotMember {
		t.Fatalf("expected not-member reason, got %s", d.reason)
	}
}

func TestConnectJoinsRoom(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.connect(t, "c1", "alice")

	if a.connected.CoupleID != "c1" || a.connected.UserID != "alice" || a.connected.SocketID == "" || a.connected.Ts == 0 {
		t.Fatalf("unexpected connected payload %+v", a.connected)
	}
	if s := h.g.Stats(); s.Connections != 1 || s.Rooms != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if st := h.conn(t, a.connected.SocketID).State(); st != StateHeartbeatOK {
		t.Fatalf("expected heartbeat-ok once connected, got %s", st)
	}

	b := h.connect(t, "c1", "bob")
	if s := h.g.Stats(); s.Connections != 2 || s.Rooms != 1 {
		t.Fatalf("two members should share one room: %+v", s)
	}
	if got := len(h.g.Registry().Members("c1")); got != 2 {
		t.Fatalf("expected 2 room members, got %d", got)
	}

	close(b.ft.in)
	h.expectDisconnect(t, b.connected.SocketID, ReasonClientClosed)
	<-b.done
	if s := h.g.Stats(); s.Connections != 1 || s.Rooms != 1 {
		t.Fatalf("room should survive while alice is connected: %+v", s)
	}

	close(a.ft.in)
	h.expectDisconnect(t, a.connected.SocketID, ReasonClientClosed)
	<-a.done
	if s := h.g.Stats(); s.Connections != 0 || s.Rooms != 0 {
		t.Fatalf("last leaver should drop the room: %+v", s)
	}
}

func TestSendRepliesAndPushesToRoom(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.connect(t, "c1", "alice")
	b := h.connect(t, "c1", "bob")

	a.ft.emit(t, EventSend, SendPayload{
		CoupleID:        "c1",
		SenderUserID:    "alice",
		Kind:            "TEXT",
		Text:            str("hello bob"),
		ClientMessageID: "local-1",
	}, "a1")

	frames := a.ft.expectEach(t, EventSend, EventMessage)
	reply := frames[EventSend]
	if reply.Ack != "a1" {
		t.Fatalf("expected ack a1, got %q", reply.Ack)
	}
	sent := decode[SendReply](t, reply)
	if !sent.OK || sent.Delivery != chat.DeliveryQueued || sent.Message.ClientMessageID != "local-1" {
		t.Fatalf("unexpected send reply %+v", sent)
	}

	pushed := decode[chat.View](t, b.ft.expect(t, EventMessage))
	if pushed.ID != sent.Message.ID || pushed.Text == nil || *pushed.Text != "hello bob" {
		t.Fatalf("bob got wrong push %+v", pushed)
	}

	// The sender sees the room push too, like any other device in the room.
	echo := decode[chat.View](t, frames[EventMessage])
	if echo.ID != sent.Message.ID {
		t.Fatalf("sender push mismatch %s", echo.ID)
	}
}

func TestPushStaysInsideCouple(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.connect(t, "c1", "alice")
	c := h.connect(t, "c2", "carol")

	a.ft.emit(t, EventSend, SendPayload{CoupleID: "c1", SenderUserID: "alice", Kind: "TEXT", Text: str("private")}, "")
	a.ft.expectEach(t, EventSend, EventMessage)

	select {
	case b := <-c.ft.out:
		t.Fatalf("carol received foreign frame %s", b)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendRejectsForeignIdentity(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.connect(t, "c1", "alice")

	cases := []SendPayload{
		{CoupleID: "c1", SenderUserID: "bob", Kind: "TEXT", Text: str("spoof")},
		{CoupleID: "c2", SenderUserID: "alice", Kind: "TEXT", Text: str("spoof")},
	}
	for i, p := range cases {
		ack := fmt.Sprintf("m%d", i)
		a.ft.emit(t, EventSend, p, ack)
		env := a.ft.expect(t, EventError)
		if env.Ack != ack {
			t.Fatalf("expected ack %s, got %s", ack, env.Ack)
		}
		if got := decode[ErrorPayload](t, env); got.Code != CodeIdentityMismatch {
			t.Fatalf("expected identity-mismatch, got %+v", got)
		}
	}

	res, err := h.svc.Sync(context.Background(), chat.SyncRequest{CoupleID: "c1", UserID: "alice"})
	if err != nil || len(res.Messages) != 0 {
		t.Fatalf("spoofed sends must not be stored: %v %d", err, len(res.Messages))
	}
}

func TestSendInvalidPayload(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.connect(t, "c1", "alice")

	a.ft.emit(t, EventSend, SendPayload{CoupleID: "c1", SenderUserID: "alice", Kind: "TEXT"}, "x")
	if got := decode[ErrorPayload](t, a.ft.expect(t, EventError)); got.Code != CodeInvalidPayload {
		t.Fatalf("expected invalid-payload, got %+v", got)
	}

	for _, p := range []SendPayload{
		{Kind: "TEXT", Text: str("no ids")},
		{CoupleID: "c1", Kind: "TEXT", Text: str("no sender")},
		{SenderUserID: "alice", Kind: "TEXT", Text: str("no couple")},
	} {
		a.ft.emit(t, EventSend, p, "ids")
		if got := decode[ErrorPayload](t, a.ft.expect(t, EventError)); got.Code != CodeInvalidPayload {
			t.Fatalf("expected invalid-payload for %+v, got %+v", p, got)
		}
	}
	if res, err := h.svc.Sync(context.Background(), chat.SyncRequest{CoupleID: "c1", UserID: "alice"}); err != nil || len(res.Messages) != 0 {
		t.Fatalf("sends without ids must not be stored: %v %d", err, len(res.Messages))
	}

	a.ft.in <- []byte("{not json")
	if got := decode[ErrorPayload](t, a.ft.expect(t, EventError)); got.Code != CodeInvalidPayload {
		t.Fatalf("expected invalid-payload for garbage, got %+v", got)
	}

	a.ft.emit(t, "chat:dance", map[string]any{}, "")
	if got := decode[ErrorPayload](t, a.ft.expect(t, EventError)); got.Code != CodeInvalidPayload {
		t.Fatalf("expected invalid-payload for unknown event, got %+v", got)
	}
}

func TestPingAndJoin(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.connect(t, "c1", "alice")

	a.ft.emit(t, EventPing, TsPayload{Ts: 1}, "p")
	pong := a.ft.expect(t, EventPong)
	if pong.Ack != "p" || decode[TsPayload](t, pong).Ts != h.clock.Now().UnixMilli() {
		t.Fatalf("unexpected pong %+v", pong)
	}

	a.ft.emit(t, EventJoin, JoinPayload{CoupleID: "c1"}, "j1")
	if env := a.ft.expect(t, EventJoin); env.Ack != "j1" {
		t.Fatalf("expected join ack, got %+v", env)
	}

	a.ft.emit(t, EventJoin, JoinPayload{CoupleID: "c2"}, "j2")
	if got := decode[ErrorPayload](t, a.ft.expect(t, EventError)); got.Code != CodeIdentityMismatch {
		t.Fatalf("expected identity-mismatch on foreign join, got %+v", got)
	}
}

func TestSyncOverSocketReturnsMissedMessages(t *testing.T) {
	h := newHarness(t, Options{})
	var ids []string
	for i := 1; i <= 8; i++ {
		res, err := h.svc.Send(context.Background(), chat.SendInput{
			CoupleID:     "c1",
			SenderUserID: "alice",
			Kind:         store.KindText,
			Text:         str(fmt.Sprintf("#%d", i)),
			SentAtMs:     ptr(int64(1000 + i)),
		})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		ids = append(ids, res.Message.ID.String())
	}

	h.drain(t)

	b := h.connect(t, "c1", "bob")
	b.ft.emit(t, EventSync, SyncPayload{CoupleID: "c1", UserID: "bob", LastMessageID: ids[4], SinceMs: ptr(int64(1005))}, "s1")

	env := b.ft.expect(t, EventSync)
	if env.Ack != "s1" {
		t.Fatalf("expected ack s1, got %q", env.Ack)
	}
	res := decode[chat.SyncResult](t, env)
	if len(res.Messages) != 3 {
		t.Fatalf("expected #6..#8, got %d messages", len(res.Messages))
	}
	for i, m := range res.Messages {
		if m.ID.String() != ids[5+i] {
			t.Fatalf("position %d: expected %s, got %s", i, ids[5+i], m.ID)
		}
	}
}

func TestHeartbeatTimeoutClosesExactlyOnce(t *testing.T) {
	h := newHarness(t, Options{HeartbeatInterval: 25 * time.Second, HeartbeatTimeout: 60 * time.Second})
	a := h.connect(t, "c1", "alice")
	c := h.conn(t, a.connected.SocketID)

	h.clock.Advance(26 * time.Second)
	h.g.sweep(h.clock.Now())
	a.ft.expect(t, EventPing)
	if c.State() != StateHeartbeatStale {
		t.Fatalf("expected stale after a missed interval, got %s", c.State())
	}

	h.clock.Advance(35 * time.Second)
	h.g.sweep(h.clock.Now())

	h.expectDisconnect(t, a.connected.SocketID, ReasonHeartbeatTimeout)
	<-a.done
	if a.ft.closeCode != 4408 {
		t.Fatalf("expected close code 4408, got %d", a.ft.closeCode)
	}

	h.g.sweep(h.clock.Now().Add(time.Minute))
	h.expectNoDisconnect(t)
}

func TestPongInsideWindowPreventsTimeout(t *testing.T) {
	h := newHarness(t, Options{HeartbeatInterval: 25 * time.Second, HeartbeatTimeout: 60 * time.Second})
	a := h.connect(t, "c1", "alice")
	c := h.conn(t, a.connected.SocketID)

	h.clock.Advance(50 * time.Second)
	h.g.sweep(h.clock.Now())
	a.ft.expect(t, EventPing)
	if c.State() != StateHeartbeatStale {
		t.Fatalf("expected stale, got %s", c.State())
	}

	a.ft.emit(t, EventPong, TsPayload{Ts: h.clock.Now().UnixMilli()}, "")
	waitUntil(t, "pong to refresh the socket", func() bool { return c.State() == StateHeartbeatOK })

	h.clock.Advance(50 * time.Second)
	h.g.sweep(h.clock.Now())
	h.expectNoDisconnect(t)
	if c.State() == StateClosed {
		t.Fatal("socket closed despite pong inside the window")
	}
}

func TestSlowConsumerDoesNotStallRoom(t *testing.T) {
	h := newHarness(t, Options{SendBuffer: 4})

	slow := newFakeTransport()
	slow.gate = make(chan struct{})
	slow.closeGate = make(chan struct{})
	releaseClose := sync.OnceFunc(func() { close(slow.closeGate) })
	t.Cleanup(releaseClose)
	slowDone := h.start(slow, authz.Identity{CoupleID: "c1", UserID: "alice"})
	waitUntil(t, "slow socket to join", func() bool { return h.g.Stats().Connections == 1 })

	fast := h.connect(t, "c1", "bob")

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := h.svc.Send(context.Background(), chat.SendInput{
			CoupleID:     "c1",
			SenderUserID: "bob",
			Kind:         store.KindText,
			Text:         str(fmt.Sprintf("burst %d", i)),
		}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	// The slow socket's close is still stuck here, so every push to bob
	// arrives without waiting on it.
	for i := 0; i < n; i++ {
		fast.ft.expect(t, EventMessage)
	}
	releaseClose()

	d := <-h.disconnects
	if d.reason != ReasonSlowConsumer {
		t.Fatalf("expected slow-consumer, got %s", d.reason)
	}
	<-slowDone
	if fast.ft.closeCode != 0 {
		t.Fatalf("fast socket must stay open")
	}
}

func TestShutdownClosesEverySocket(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.connect(t, "c1", "alice")
	b := h.connect(t, "c1", "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.g.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	got := map[string]Reason{}
	for i := 0; i < 2; i++ {
		d := <-h.disconnects
		got[d.socketID] = d.reason
	}
	if got[a.connected.SocketID] != ReasonServerShutdown || got[b.connected.SocketID] != ReasonServerShutdown {
		t.Fatalf("unexpected reasons %+v", got)
	}

	rr := httptest.NewRecorder()
	h.g.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws/chat?coupleId=c1&userId=alice", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", rr.Code)
	}
}

func TestFirstReasonWins(t *testing.T) {
	ft := newFakeTransport()
	c := newConnection("s1", ft, 1)

	if !c.Close(ReasonHeartbeatTimeout) {
		t.Fatal("first close should report true")
	}
	if c.Close(ReasonTransportError) {
		t.Fatal("second close should report false")
	}
	if c.Reason() != ReasonHeartbeatTimeout || c.State() != StateClosed {
		t.Fatalf("unexpected final state %s / %s", c.Reason(), c.State())
	}
	if c.enqueue([]byte("x")) {
		t.Fatal("closed connection must not accept frames")
	}
}

func ptr[T any](v T) *T { return &v }

func TestHeartbeatTimeoutFollowsInterval(t *testing.T) {
	cases := []struct {
		in   Options
		want time.Duration
	}{
		{Options{}, 60 * time.Second},
		{Options{HeartbeatInterval: 90 * time.Second}, 181 * time.Second},
		{Options{HeartbeatInterval: 90 * time.Second, HeartbeatTimeout: 60 * time.Second}, 181 * time.Second},
		{Options{HeartbeatInterval: 10 * time.Second, HeartbeatTimeout: 30 * time.Second}, 30 * time.Second},
	}
	for _, tc := range cases {
		got := tc.in.withDefaults()
		if got.HeartbeatTimeout != tc.want {
			t.Fatalf("interval %s timeout %s: expected %s, got %s",
				tc.in.HeartbeatInterval, tc.in.HeartbeatTimeout, tc.want, got.HeartbeatTimeout)
		}
		if got.HeartbeatTimeout <= got.HeartbeatInterval {
			t.Fatalf("timeout %s must exceed interval %s", got.HeartbeatTimeout, got.HeartbeatInterval)
		}
	}
}
