package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/choiyounggi/linkly-calendar/internal/observability/metrics"
)

// FanoutJob is a row in the durable queue table. AvailableAt doubles as the
// lease: a claimed job is pushed Visibility into the future and becomes
// claimable again if it is never acknowledged.
type FanoutJob struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	CoupleID    string    `gorm:"not null"`
	MessageID   uuid.UUID `gorm:"type:uuid;not null"`
	Attempts    int       `gorm:"not null;default:0"`
	AvailableAt time.Time `gorm:"not null;index"`
	LastError   string
	CreatedAt   time.Time `gorm:"not null"`
}

func (FanoutJob) TableName() string { return "fanout_jobs" }

type SQLQueueOptions struct {
	Visibility   time.Duration
	MaxAttempts  int
	PollInterval time.Duration
	BatchSize    int
	// RetryBackoff returns the delay before attempt n+1 after n failures.
	RetryBackoff func(attempts int) time.Duration
}

func (o SQLQueueOptions) withDefaults() SQLQueueOptions {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	if o.RetryBackoff == nil {
		o.RetryBackoff = func(attempts int) time.Duration {
			d := time.Duration(1<<min(attempts, 6)) * 100 * time.Millisecond
			return min(d, 10*time.Second)
		}
	}
	return o
}

type SQLQueue struct {
	db     *gorm.DB
	opts   SQLQueueOptions
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLQueue(db *gorm.DB, opts SQLQueueOptions, logger *slog.Logger) *SQLQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLQueue{db: db, opts: opts.withDefaults(), logger: logger, now: time.Now}
}

func (q *SQLQueue) AutoMigrate(ctx context.Context) error {
	return q.db.WithContext(ctx).AutoMigrate(&FanoutJob{})
}

func (q *SQLQueue) Enqueue(ctx context.Context, job Job) error {
	now := q.now().UTC()
	row := FanoutJob{
		CoupleID:    job.CoupleID,
		MessageID:   job.MessageID,
		AvailableAt: now,
		CreatedAt:   now,
	}
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("%w: insert job: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// Pending counts jobs not yet acknowledged, leased or not.
func (q *SQLQueue) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&FanoutJob{}).Count(&n).Error
	return n, err
}

func (q *SQLQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		jobs, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Warn("fanout queue claim failed", "error", err)
		}

		for _, row := range jobs {
			q.process(ctx, row, handler)
		}

		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.opts.PollInterval):
			}
		}
	}
}

// claim leases up to BatchSize due jobs. Concurrent workers skip rows another
// transaction already holds.
func (q *SQLQueue) claim(ctx context.Context) ([]FanoutJob, error) {
	var jobs []FanoutJob
	now := q.now().UTC()

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("available_at <= ?", now).
			Order("id ASC").
			Limit(q.opts.BatchSize).
			Find(&jobs).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		ids := make([]int64, len(jobs))
		for i := range jobs {
			ids[i] = jobs[i].ID
			jobs[i].Attempts++
		}
		return tx.Model(&FanoutJob{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"attempts":     gorm.Expr("attempts + 1"),
				"available_at": now.Add(q.opts.Visibility),
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: claim: %v", ErrBrokerUnavailable, err)
	}
	return jobs, nil
}

const settleTimeout = 5 * time.Second

func (q *SQLQueue) process(ctx context.Context, row FanoutJob, handler Handler) {
	if row.Attempts > 1 {
		metrics.FanoutJobsTotal.WithLabelValues("redelivered").Inc()
	}

	err := handler(ctx, Job{CoupleID: row.CoupleID, MessageID: row.MessageID})

	// Settle even when the consumer is stopping, so a published job is not
	// delivered twice after shutdown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err == nil {
		if err := q.ack(ctx, row.ID); err != nil {
			q.logger.Warn("fanout ack failed, job will be redelivered", "job_id", row.ID, "error", err)
		}
		return
	}

	if row.Attempts >= q.opts.MaxAttempts {
		q.logger.Error("fanout job dead-lettered",
			"job_id", row.ID,
			"couple_id", row.CoupleID,
			"message_id", row.MessageID,
			"attempts", row.Attempts,
			"error", err,
		)
		metrics.FanoutJobsTotal.WithLabelValues("dead_lettered").Inc()
		if ackErr := q.ack(ctx, row.ID); ackErr != nil {
			q.logger.Warn("fanout dead-letter delete failed", "job_id", row.ID, "error", ackErr)
		}
		return
	}

	retryAt := q.now().UTC().Add(q.opts.RetryBackoff(row.Attempts))
	if relErr := q.db.WithContext(ctx).Model(&FanoutJob{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{"available_at": retryAt, "last_error": err.Error()}).Error; relErr != nil {
		q.logger.Warn("fanout release failed, job waits for visibility timeout", "job_id", row.ID, "error", relErr)
	}
}

func (q *SQLQueue) ack(ctx context.Context, id int64) error {
	return q.db.WithContext(ctx).Delete(&FanoutJob{}, id).Error
}
