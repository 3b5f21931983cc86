package fanout

import (
	"context"
	"fmt"
	"sync/atomic"
)

// MemoryBus delivers in-process only. It backs single-node runs and tests.
type MemoryBus struct {
	*router
	closed atomic.Bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{router: newRouter()}
}

func (b *MemoryBus) Publish(_ context.Context, n Notification) error {
	if b.closed.Load() {
		return fmt.Errorf("%w: memory bus closed", ErrBrokerUnavailable)
	}
	b.dispatch(Channel(n.CoupleID), n)
	return nil
}

func (b *MemoryBus) Subscribe(coupleID string, fn func(Notification)) func() {
	return b.subscribe(coupleID, fn)
}

func (b *MemoryBus) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (b *MemoryBus) Close() error {
	b.closed.Store(true)
	return nil
}
