package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/choiyounggi/linkly-calendar/internal/observability/metrics"
)

const (
	DefaultStream = "chat:fanout"
	DefaultGroup  = "chat-fanout-workers"
)

type RedisQueueOptions struct {
	Stream   string
	Group    string
	Consumer string
	// Visibility is the idle time after which another consumer may claim an
	// unacknowledged entry.
	Visibility    time.Duration
	ClaimInterval time.Duration
	MaxAttempts   int
	Block         time.Duration
	Count         int64
}

func (o RedisQueueOptions) withDefaults() RedisQueueOptions {
	if o.Stream == "" {
		o.Stream = DefaultStream
	}
	if o.Group == "" {
		o.Group = DefaultGroup
	}
	if o.Consumer == "" {
		host, _ := os.Hostname()
		o.Consumer = host + "-" + uuid.NewString()[:8]
	}
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.ClaimInterval <= 0 {
		o.ClaimInterval = o.Visibility / 2
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.Block <= 0 {
		o.Block = time.Second
	}
	if o.Count <= 0 {
		o.Count = 16
	}
	return o
}

// RedisQueue is a Streams consumer group. Entries stay in the group's
// pending list until acknowledged.
type RedisQueue struct {
	client redis.UniversalClient
	opts   RedisQueueOptions
	logger *slog.Logger
}

func NewRedisQueue(client redis.UniversalClient, opts RedisQueueOptions, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{client: client, opts: opts.withDefaults(), logger: logger}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]any{
			"coupleId":  job.CoupleID,
			"messageId": job.MessageID.String(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: xadd: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	// Entries this consumer read before a restart but never acknowledged.
	if err := q.drainOwnPending(ctx, handler); err != nil && ctx.Err() == nil {
		q.logger.Warn("fanout pending replay failed", "consumer", q.opts.Consumer, "error", err)
	}

	var lastClaim time.Time
	for ctx.Err() == nil {
		if time.Since(lastClaim) >= q.opts.ClaimInterval {
			q.claimIdle(ctx, handler)
			lastClaim = time.Now()
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			Streams:  []string{q.opts.Stream, ">"},
			Count:    q.opts.Count,
			Block:    q.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Warn("fanout xreadgroup failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.process(ctx, msg, handler)
			}
		}
	}
	return nil
}

func (q *RedisQueue) drainOwnPending(ctx context.Context, handler Handler) error {
	start := "0"
	for ctx.Err() == nil {
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			Streams:  []string{q.opts.Stream, start},
			Count:    q.opts.Count,
			Block:    -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			return nil
		}
		for _, msg := range streams[0].Messages {
			metrics.FanoutJobsTotal.WithLabelValues("redelivered").Inc()
			q.process(ctx, msg, handler)
			start = msg.ID
		}
	}
	return nil
}

// claimIdle takes over entries left pending by consumers that stopped.
func (q *RedisQueue) claimIdle(ctx context.Context, handler Handler) {
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.opts.Stream,
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			MinIdle:  q.opts.Visibility,
			Start:    start,
			Count:    q.opts.Count,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				q.logger.Warn("fanout xautoclaim failed", "error", err)
			}
			return
		}
		for _, msg := range msgs {
			metrics.FanoutJobsTotal.WithLabelValues("redelivered").Inc()
			q.process(ctx, msg, handler)
		}
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (q *RedisQueue) process(ctx context.Context, msg redis.XMessage, handler Handler) {
	job, err := parseStreamJob(msg)
	if err != nil {
		q.logger.Error("fanout dropped malformed entry", "entry_id", msg.ID, "error", err)
		metrics.FanoutJobsTotal.WithLabelValues("dead_lettered").Inc()
		q.ack(ctx, msg.ID)
		return
	}

	err = handler(ctx, job)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err == nil {
		q.ack(ctx, msg.ID)
		return
	}
	if q.deliveries(ctx, msg.ID) < int64(q.opts.MaxAttempts) {
		return
	}
	q.logger.Error("fanout job dead-lettered",
		"entry_id", msg.ID,
		"couple_id", job.CoupleID,
		"message_id", job.MessageID,
		"error", err,
	)
	metrics.FanoutJobsTotal.WithLabelValues("dead_lettered").Inc()
	q.ack(ctx, msg.ID)
}

func (q *RedisQueue) deliveries(ctx context.Context, id string) int64 {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.opts.Stream,
		Group:  q.opts.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return pending[0].RetryCount
}

func (q *RedisQueue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.opts.Stream, q.opts.Group, id).Err(); err != nil {
		q.logger.Warn("fanout xack failed, entry will be redelivered", "entry_id", id, "error", err)
	}
}

func parseStreamJob(msg redis.XMessage) (Job, error) {
	coupleID, _ := msg.Values["coupleId"].(string)
	rawID, _ := msg.Values["messageId"].(string)
	if coupleID == "" || rawID == "" {
		return Job{}, errors.New("missing coupleId or messageId")
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return Job{}, err
	}
	return Job{CoupleID: coupleID, MessageID: id}, nil
}
