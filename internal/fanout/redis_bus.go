package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes on chat:couple:<id> and listens with one pattern
// subscription per process.
type RedisBus struct {
	*router
	client redis.UniversalClient
	logger *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRedisBus(client redis.UniversalClient, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		router: newRouter(),
		client: client,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, Channel(n.CoupleID), payload).Err(); err != nil {
		return fmt.Errorf("%w: redis publish: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(coupleID string, fn func(Notification)) func() {
	return b.subscribe(coupleID, fn)
}

// Ready is closed once the first pattern subscription is confirmed.
func (b *RedisBus) Ready() <-chan struct{} { return b.ready }

// Run keeps a subscription open until ctx ends, reconnecting on failure.
func (b *RedisBus) Run(ctx context.Context) error {
	backoff := 250 * time.Millisecond
	for ctx.Err() == nil {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Warn("redis bus subscription lost", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
	return nil
}

func (b *RedisBus) listen(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("%w: psubscribe: %v", ErrBrokerUnavailable, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("redis bus subscribed", "pattern", channelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("%w: subscription channel closed", ErrBrokerUnavailable)
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				b.logger.Warn("redis bus dropped malformed payload", "channel", msg.Channel, "error", err)
				continue
			}
			b.dispatch(msg.Channel, n)
		}
	}
}

func (b *RedisBus) Close() error { return nil }
