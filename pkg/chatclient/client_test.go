package chatclient

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/choiyounggi/linkly-calendar/internal/chat"
	"github.com/choiyounggi/linkly-calendar/internal/envelope"
	"github.com/choiyounggi/linkly-calendar/internal/fanout"
	"github.com/choiyounggi/linkly-calendar/internal/gateway"
	"github.com/choiyounggi/linkly-calendar/internal/store"
)

type server struct {
	svc   *chat.Service
	queue *fanout.SQLQueue
	gw    *gateway.Gateway
	url   string
	down  atomic.Bool
}

func startServer(t *testing.T) *server {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)

	ctx := context.Background()
	st := store.New(db)
	if err := st.AutoMigrate(ctx); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	for _, u := range []string{"alice", "bob"} {
		if err := st.Members().Add(ctx, store.Member{CoupleID: "c1", UserID: u}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	ring, err := envelope.ParseKeyRing("1:"+hex.EncodeToString([]byte(strings.Repeat("z", 32))), "", 1)
	if err != nil {
		t.Fatalf("key ring: %v", err)
	}

	queue := fanout.NewSQLQueue(db, fanout.SQLQueueOptions{PollInterval: 5 * time.Millisecond}, nil)
	if err := queue.AutoMigrate(ctx); err != nil {
		t.Fatalf("queue migrate: %v", err)
	}
	bus := fanout.NewMemoryBus()
	svc := chat.New(envelope.NewCodec(ring), st, queue, nil)

	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		fanout.NewWorker(queue, bus, nil).Run(workerCtx)
		close(workerDone)
	}()

	s := &server{svc: svc, queue: queue, gw: gateway.New(svc, bus, gateway.Options{}, nil)}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.down.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		s.gw.ServeHTTP(w, r)
	}))
	s.url = "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws/chat"

	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s.gw.Shutdown(sctx)
		hs.Close()
		stopWorker()
		<-workerDone
	})
	return s
}

func (s *server) send(t *testing.T, user, text string, sentAt int64) chat.View {
	t.Helper()
	res, err := s.svc.Send(context.Background(), chat.SendInput{
		CoupleID:     "c1",
		SenderUserID: user,
		Kind:         store.KindText,
		Text:         &text,
		SentAtMs:     &sentAt,
	})
	if err != nil {
		t.Fatalf("send %q: %v", text, err)
	}
	return res.Message
}

func (s *server) drain(t *testing.T) {
	t.Helper()
	waitFor(t, "fanout queue to drain", func() bool {
		n, err := s.queue.Pending(context.Background())
		return err == nil && n == 0
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func runClient(t *testing.T, opts Options) (*Client, <-chan Connected, <-chan error) {
	t.Helper()
	connected := make(chan Connected, 8)
	opts.OnConnected = func(c Connected) { connected <- c }
	if opts.Backoff.Base == 0 {
		opts.Backoff = Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	}

	c := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- c.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return c, connected, done
}

func awaitConnected(t *testing.T, ch <-chan Connected) Connected {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
		return Connected{}
	}
}

func TestClientResyncsAfterReconnect(t *testing.T) {
	s := startServer(t)
	var sent []chat.View
	for i := 1; i <= 5; i++ {
		sent = append(sent, s.send(t, "alice", fmt.Sprintf("#%d", i), int64(1000+i)))
	}
	s.drain(t)

	bob, connected, _ := runClient(t, Options{URL: s.url, CoupleID: "c1", UserID: "bob"})
	first := awaitConnected(t, connected)
	waitFor(t, "initial sync", func() bool { return bob.Timeline().Len() == 5 })

	// Take bob offline and keep him out while #6..#8 are sent.
	s.down.Store(true)
	for _, c := range s.gw.Registry().All() {
		c.Close(gateway.ReasonTransportError)
	}
	waitFor(t, "bob's socket to leave", func() bool { return s.gw.Stats().Connections == 0 })
	for i := 6; i <= 8; i++ {
		sent = append(sent, s.send(t, "alice", fmt.Sprintf("#%d", i), int64(1000+i)))
	}
	s.drain(t)
	s.down.Store(false)

	second := awaitConnected(t, connected)
	if second.SocketID == first.SocketID {
		t.Fatal("expected a fresh socket after reconnect")
	}
	waitFor(t, "resync of missed messages", func() bool { return bob.Timeline().Len() == 8 })

	got := bob.Timeline().Messages()
	for i, m := range got {
		if m.ID != sent[i].ID.String() {
			t.Fatalf("position %d: expected %s, got %s", i, sent[i].ID, m.ID)
		}
	}
}

func TestClientSendAndLivePush(t *testing.T) {
	s := startServer(t)

	var pushed atomic.Int32
	bob, bobConnected, _ := runClient(t, Options{
		URL: s.url, CoupleID: "c1", UserID: "bob",
		OnMessage: func(Message) { pushed.Add(1) },
	})
	awaitConnected(t, bobConnected)
	alice, aliceConnected, _ := runClient(t, Options{URL: s.url, CoupleID: "c1", UserID: "alice"})
	awaitConnected(t, aliceConnected)

	text := "see you at 7"
	res, err := alice.Send(context.Background(), SendInput{Kind: "TEXT", Text: &text, ClientMessageID: "tmp-1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Delivery != chat.DeliveryQueued || res.Message.ClientMessageID != "tmp-1" {
		t.Fatalf("unexpected send result %+v", res)
	}

	waitFor(t, "bob to receive the push", func() bool { return bob.Timeline().Len() == 1 })
	if got := bob.Timeline().Messages()[0]; got.ID != res.Message.ID || got.Text == nil || *got.Text != text {
		t.Fatalf("unexpected pushed message %+v", got)
	}

	// Alice's own push echoes the message she already holds from the ack.
	time.Sleep(50 * time.Millisecond)
	if alice.Timeline().Len() != 1 {
		t.Fatalf("sender timeline should dedupe the echo, got %d", alice.Timeline().Len())
	}
	if pushed.Load() != 1 {
		t.Fatalf("OnMessage should fire once per new message, got %d", pushed.Load())
	}

	empty := ""
	_, err = alice.Send(context.Background(), SendInput{Kind: "TEXT", Text: &empty})
	var se *ServerError
	if !errors.As(err, &se) || se.Code != "invalid-payload" {
		t.Fatalf("expected invalid-payload server error, got %v", err)
	}
}

func TestClientStopsWhenNotMember(t *testing.T) {
	s := startServer(t)
	_, _, done := runClient(t, Options{URL: s.url, CoupleID: "c1", UserID: "mallory"})

	select {
	case err := <-done:
		var se *ServerError
		if !errors.As(err, &se) || se.Code != "not-member" {
			t.Fatalf("expected not-member, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client kept retrying a permanent rejection")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/ws/chat", CoupleID: "c1", UserID: "bob"})
	text := "x"
	if _, err := c.Send(context.Background(), SendInput{Kind: "TEXT", Text: &text}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
