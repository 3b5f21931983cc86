package fanout

import (
	"context"
	"log/slog"

	"github.com/choiyounggi/linkly-calendar/internal/observability/metrics"
)

// Worker is the only component that publishes to the bus.
type Worker struct {
	queue  Queue
	bus    Bus
	logger *slog.Logger
}

func NewWorker(queue Queue, bus Bus, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, bus: bus, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("fanout worker started")
	defer w.logger.Info("fanout worker stopped")
	return w.queue.Consume(ctx, w.handle)
}

// handle returning an error leaves the job unacknowledged for redelivery.
func (w *Worker) handle(ctx context.Context, job Job) error {
	err := w.bus.Publish(ctx, Notification{CoupleID: job.CoupleID, MessageID: job.MessageID})
	if err != nil {
		metrics.FanoutJobsTotal.WithLabelValues("publish_failed").Inc()
		w.logger.Warn("fanout publish failed",
			"couple_id", job.CoupleID,
			"message_id", job.MessageID,
			"error", err,
		)
		return err
	}
	metrics.FanoutJobsTotal.WithLabelValues("published").Inc()
	w.logger.Debug("fanout published", "couple_id", job.CoupleID, "message_id", job.MessageID)
	return nil
}
