package gateway

import (
	"time"
)

// sweep pings every joined socket once per interval, marks sockets silent
// for more than one interval stale, and closes those silent past the timeout.
func (g *Gateway) sweep(now time.Time) {
	nowMs := now.UnixMilli()
	interval := g.opts.HeartbeatInterval.Milliseconds()
	timeout := g.opts.HeartbeatTimeout.Milliseconds()

	for _, c := range g.registry.All() {
		idle := nowMs - c.lastSeenMs.Load()

		if idle > timeout {
			if c.Close(ReasonHeartbeatTimeout) {
				g.logger.Warn("socket heartbeat timeout",
					"socket_id", c.ID,
					"couple_id", c.Identity.CoupleID,
					"idle_ms", idle,
				)
			}
			continue
		}

		if idle > interval && c.state.CompareAndSwap(int32(StateHeartbeatOK), int32(StateHeartbeatStale)) {
			g.logger.Debug("socket heartbeat stale", "socket_id", c.ID, "idle_ms", idle)
		}

		if nowMs-c.lastPingMs.Load() >= interval {
			c.lastPingMs.Store(nowMs)
			g.reply(c, EventPing, TsPayload{Ts: nowMs}, "")
		}
	}
}
