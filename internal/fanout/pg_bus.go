package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGChannel is the single LISTEN/NOTIFY channel; the couple routing key
// travels inside the payload.
const PGChannel = "chat_fanout"

type pgEnvelope struct {
	Channel string `json:"channel"`
	Notification
}

// PGBus uses Postgres LISTEN/NOTIFY so single-database deployments need no
// extra broker.
type PGBus struct {
	*router
	dsn    string
	pool   *pgxpool.Pool
	logger *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

func NewPGBus(ctx context.Context, dsn string, logger *slog.Logger) (*PGBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: pg pool: %v", ErrBrokerUnavailable, err)
	}
	return &PGBus{
		router: newRouter(),
		dsn:    dsn,
		pool:   pool,
		logger: logger,
		ready:  make(chan struct{}),
	}, nil
}

func (b *PGBus) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(pgEnvelope{Channel: Channel(n.CoupleID), Notification: n})
	if err != nil {
		return err
	}
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", PGChannel, string(payload)); err != nil {
		return fmt.Errorf("%w: pg_notify: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

func (b *PGBus) Subscribe(coupleID string, fn func(Notification)) func() {
	return b.subscribe(coupleID, fn)
}

func (b *PGBus) Ready() <-chan struct{} { return b.ready }

func (b *PGBus) Run(ctx context.Context) error {
	backoff := 250 * time.Millisecond
	for ctx.Err() == nil {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Warn("pg bus listener lost", "error", err, "retry_in", backoff)
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

func (b *PGBus) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, b.dsn)
	if err != nil {
		return fmt.Errorf("%w: pg connect: %v", ErrBrokerUnavailable, err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{PGChannel}.Sanitize()); err != nil {
		return fmt.Errorf("%w: listen: %v", ErrBrokerUnavailable, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("pg bus listening", "channel", PGChannel)

	for {
		note, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("%w: wait: %v", ErrBrokerUnavailable, err)
		}
		var env pgEnvelope
		if err := json.Unmarshal([]byte(note.Payload), &env); err != nil {
			b.logger.Warn("pg bus dropped malformed payload", "error", err)
			continue
		}
		b.dispatch(env.Channel, env.Notification)
	}
}

func (b *PGBus) Close() error {
	b.pool.Close()
	return nil
}
