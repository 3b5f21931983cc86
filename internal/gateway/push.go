package gateway

import (
	"context"

	"github.com/choiyounggi/linkly-calendar/internal/fanout"
	"github.com/choiyounggi/linkly-calendar/internal/observability/metrics"
)

const roomBacklog = 256

// subscribeRoom attaches a room to the bus. Notifications are handed to a
// per-room goroutine so the bus receive loop never waits on the database
// and pushes keep their arrival order.
func (g *Gateway) subscribeRoom(coupleID string) func() {
	notes := make(chan fanout.Notification, roomBacklog)
	stop := make(chan struct{})

	go func() {
		for {
			select {
			case <-stop:
				return
			case n := <-notes:
				g.push(n)
			}
		}
	}()

	unsubscribe := g.bus.Subscribe(coupleID, func(n fanout.Notification) {
		select {
		case notes <- n:
		default:
			// Members recover the message on their next resync.
			g.logger.Warn("room backlog full, notification dropped",
				"couple_id", n.CoupleID,
				"message_id", n.MessageID,
			)
		}
	})
	g.logger.Debug("room subscribed", "room", RoomName(coupleID))

	return func() {
		unsubscribe()
		close(stop)
		g.logger.Debug("room unsubscribed", "room", RoomName(coupleID))
	}
}

func (g *Gateway) push(n fanout.Notification) {
	members := g.registry.Members(n.CoupleID)
	if len(members) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(g.base, g.opts.RequestTimeout)
	defer cancel()

	view, err := g.svc.Load(ctx, n.CoupleID, n.MessageID)
	if err != nil {
		g.logger.Warn("push load failed", "couple_id", n.CoupleID, "message_id", n.MessageID, "error", err)
		return
	}

	frame, err := encode(EventMessage, view, "")
	if err != nil {
		g.logger.Error("encode push failed", "message_id", n.MessageID, "error", err)
		return
	}

	for _, c := range members {
		if g.deliver(c, frame) {
			metrics.GatewayPushesTotal.WithLabelValues("delivered").Inc()
		} else {
			metrics.GatewayPushesTotal.WithLabelValues("dropped").Inc()
		}
	}
}
