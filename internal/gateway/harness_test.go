package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/choiyounggi/linkly-calendar/internal/authz"
	"github.com/choiyounggi/linkly-calendar/internal/chat"
	"github.com/choiyounggi/linkly-calendar/internal/envelope"
	"github.com/choiyounggi/linkly-calendar/internal/fanout"
	"github.com/choiyounggi/linkly-calendar/internal/store"
)

var errTransportClosed = errors.New("fake transport closed")

type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	// gate, when non-nil, holds every write until it is closed.
	gate chan struct{}
	// closeGate, when non-nil, holds Close like a close frame stuck behind a
	// blocked writer.
	closeGate chan struct{}

	closeCode int
	closeText string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-f.closed:
		return nil, errTransportClosed
	}
}

func (f *fakeTransport) WriteMessage(b []byte) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-f.closed:
			return errTransportClosed
		}
	}
	select {
	case f.out <- b:
		return nil
	case <-f.closed:
		return errTransportClosed
	}
}

func (f *fakeTransport) Close(code int, text string) error {
	if f.closeGate != nil {
		<-f.closeGate
	}
	f.once.Do(func() {
		f.closeCode = code
		f.closeText = text
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) emit(t *testing.T, event string, data any, ack string) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, _ := json.Marshal(Envelope{Event: event, Data: raw, Ack: ack})
	f.in <- frame
}

// expect returns the next frame with the given event, skipping heartbeats.
func (f *fakeTransport) expect(t *testing.T, event string) Envelope {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case b := <-f.out:
			var env Envelope
			if err := json.Unmarshal(b, &env); err != nil {
				t.Fatalf("bad frame %s: %v", b, err)
			}
			if env.Event == event {
				return env
			}
			if env.Event == EventPing {
				continue
			}
			t.Fatalf("expected %s, got %s: %s", event, env.Event, env.Data)
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// expectEach collects one frame per listed event in any order.
func (f *fakeTransport) expectEach(t *testing.T, events ...string) map[string]Envelope {
	t.Helper()
	got := make(map[string]Envelope, len(events))
	want := make(map[string]bool, len(events))
	for _, e := range events {
		want[e] = true
	}
	timeout := time.After(5 * time.Second)
	for len(got) < len(want) {
		select {
		case b := <-f.out:
			var env Envelope
			if err := json.Unmarshal(b, &env); err != nil {
				t.Fatalf("bad frame %s: %v", b, err)
			}
			if env.Event == EventPing {
				continue
			}
			if !want[env.Event] {
				t.Fatalf("unexpected %s: %s", env.Event, env.Data)
			}
			if _, dup := got[env.Event]; dup {
				t.Fatalf("duplicate %s: %s", env.Event, env.Data)
			}
			got[env.Event] = env
		case <-timeout:
			t.Fatalf("timed out waiting for %v, have %d", events, len(got))
		}
	}
	return got
}

// drain waits until the worker has published every queued job.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	waitUntil(t, "fanout queue to drain", func() bool {
		n, err := h.queue.Pending(context.Background())
		return err == nil && n == 0
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type disconnect struct {
	socketID string
	reason   Reason
}

type harness struct {
	g           *Gateway
	svc         *chat.Service
	queue       *fanout.SQLQueue
	bus         *fanout.MemoryBus
	clock       *fakeClock
	disconnects chan disconnect
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)

	st := store.New(db)
	ctx := context.Background()
	if err := st.AutoMigrate(ctx); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	for _, m := range []store.Member{{CoupleID: "c1", UserID: "alice"}, {CoupleID: "c1", UserID: "bob"}, {CoupleID: "c2", UserID: "carol"}} {
		if err := st.Members().Add(ctx, m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	ring, err := envelope.ParseKeyRing("1:"+hex.EncodeToString([]byte(strings.Repeat("k", 32))), "", 1)
	if err != nil {
		t.Fatalf("key ring: %v", err)
	}

	queue := fanout.NewSQLQueue(db, fanout.SQLQueueOptions{PollInterval: 5 * time.Millisecond}, nil)
	if err := queue.AutoMigrate(ctx); err != nil {
		t.Fatalf("queue migrate: %v", err)
	}
	bus := fanout.NewMemoryBus()
	svc := chat.New(envelope.NewCodec(ring), st, queue, nil)

	workerCtx, cancel := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		fanout.NewWorker(queue, bus, nil).Run(workerCtx)
		close(workerDone)
	}()

	h := &harness{
		svc:         svc,
		queue:       queue,
		bus:         bus,
		clock:       &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		disconnects: make(chan disconnect, 32),
	}
	opts.OnDisconnect = func(c *Connection, r Reason) {
		h.disconnects <- disconnect{socketID: c.ID, reason: r}
	}
	h.g = New(svc, bus, opts, nil)
	h.g.now = h.clock.Now

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(ctx, 5*time.Second)
		defer done()
		h.g.Shutdown(shutdownCtx)
		cancel()
		<-workerDone
	})
	return h
}

type client struct {
	ft        *fakeTransport
	connected ConnectedPayload
	done      chan struct{}
}

func (h *harness) start(ft *fakeTransport, id authz.Identity) chan struct{} {
	done := make(chan struct{})
	go func() {
		h.g.Handle(ft, id, nil)
		close(done)
	}()
	return done
}

func (h *harness) connect(t *testing.T, coupleID, userID string) *client {
	t.Helper()
	ft := newFakeTransport()
	done := h.start(ft, authz.Identity{CoupleID: coupleID, UserID: userID})

	env := ft.expect(t, EventConnected)
	var p ConnectedPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("connected payload: %v", err)
	}
	return &client{ft: ft, connected: p, done: done}
}

func (h *harness) conn(t *testing.T, socketID string) *Connection {
	t.Helper()
	c, ok := h.g.Registry().Get(socketID)
	if !ok {
		t.Fatalf("socket %s not registered", socketID)
	}
	return c
}

func (h *harness) expectDisconnect(t *testing.T, socketID string, want Reason) {
	t.Helper()
	select {
	case d := <-h.disconnects:
		if d.socketID != socketID || d.reason != want {
			t.Fatalf("expected %s for %s, got %s for %s", want, socketID, d.reason, d.socketID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no disconnect for %s", socketID)
	}
}

func (h *harness) expectNoDisconnect(t *testing.T) {
	t.Helper()
	select {
	case d := <-h.disconnects:
		t.Fatalf("unexpected disconnect %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode %s: %v", env.Event, err)
	}
	return v
}

func str(s string) *string { return &s }
