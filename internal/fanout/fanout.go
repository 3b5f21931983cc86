package fanout

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrBrokerUnavailable = errors.New("fanout: broker unavailable")

const channelPrefix = "chat:couple:"

// Job is the durable work item written after a message is stored.
type Job struct {
	CoupleID  string    `json:"coupleId"`
	MessageID uuid.UUID `json:"messageId"`
}

// Notification is the transient signal published to gateways.
type Notification struct {
	CoupleID  string    `json:"coupleId"`
	MessageID uuid.UUID `json:"messageId"`
}

type Handler func(ctx context.Context, job Job) error

// Queue is durable and at-least-once. A job is removed only after its
// handler returns nil.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Consume(ctx context.Context, handler Handler) error
}

// Bus is best-effort. Nothing published while a gateway is disconnected is
// replayed; clients recover through resync.
type Bus interface {
	Publish(ctx context.Context, n Notification) error
	Subscribe(coupleID string, fn func(Notification)) (unsubscribe func())
	Run(ctx context.Context) error
	Close() error
}

func Channel(coupleID string) string { return channelPrefix + coupleID }

func CoupleFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
