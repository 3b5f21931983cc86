package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/choiyounggi/linkly-calendar/internal/chat"
	"github.com/choiyounggi/linkly-calendar/internal/store"
)

func (g *Gateway) dispatch(c *Connection, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		g.replyError(c, fmt.Errorf("%w: malformed frame", chat.ErrInvalidPayload), "")
		return
	}

	switch env.Event {
	case EventPing:
		g.reply(c, EventPong, TsPayload{Ts: g.now().UnixMilli()}, env.Ack)
	case EventPong:
		// touch already refreshed the heartbeat
	case EventJoin:
		g.handleJoin(c, env)
	case EventSend:
		g.handleSend(c, env)
	case EventSync:
		g.handleSync(c, env)
	default:
		g.replyError(c, fmt.Errorf("%w: unknown event %q", chat.ErrInvalidPayload, env.Event), env.Ack)
	}
}

// requestContext is detached from the socket: a send that started keeps
// going even if the sender disconnects.
func (g *Gateway) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(g.base, g.opts.RequestTimeout)
}

func (g *Gateway) handleJoin(c *Connection, env Envelope) {
	var p JoinPayload
	if err := decodeData(env.Data, &p); err != nil {
		g.replyError(c, err, env.Ack)
		return
	}
	if p.CoupleID != "" && p.CoupleID != c.Identity.CoupleID {
		g.replyError(c, fmt.Errorf("%w: socket is bound to another couple", chat.ErrIdentityMismatch), env.Ack)
		return
	}
	g.reply(c, EventJoin, map[string]any{"ok": true, "coupleId": c.Identity.CoupleID, "room": RoomName(c.Identity.CoupleID)}, env.Ack)
}

func (g *Gateway) handleSend(c *Connection, env Envelope) {
	var p SendPayload
	if err := decodeData(env.Data, &p); err != nil {
		g.replyError(c, err, env.Ack)
		return
	}
	if strings.TrimSpace(p.CoupleID) == "" || strings.TrimSpace(p.SenderUserID) == "" {
		g.replyError(c, fmt.Errorf("%w: coupleId and senderUserId are required", chat.ErrInvalidPayload), env.Ack)
		return
	}
	if err := checkIdentity(c, p.CoupleID, p.SenderUserID); err != nil {
		g.replyError(c, err, env.Ack)
		return
	}

	ctx, cancel := g.requestContext()
	defer cancel()

	res, err := g.svc.Send(ctx, chat.SendInput{
		CoupleID:        c.Identity.CoupleID,
		SenderUserID:    c.Identity.UserID,
		Kind:            store.Kind(p.Kind),
		Text:            p.Text,
		ImageURL:        p.ImageURL,
		ClientMessageID: p.ClientMessageID,
		SentAtMs:        p.SentAtMs,
	})
	if err != nil {
		g.replyError(c, err, env.Ack)
		return
	}
	if res.FanoutErr != nil {
		g.logger.Warn("message stored without live fanout",
			"socket_id", c.ID,
			"message_id", res.Message.ID,
			"error", res.FanoutErr,
		)
	}
	g.reply(c, EventSend, SendReply{OK: true, Message: res.Message, Delivery: res.Delivery()}, env.Ack)
}

func (g *Gateway) handleSync(c *Connection, env Envelope) {
	var p SyncPayload
	if err := decodeData(env.Data, &p); err != nil {
		g.replyError(c, err, env.Ack)
		return
	}
	if err := checkIdentity(c, p.CoupleID, p.UserID); err != nil {
		g.replyError(c, err, env.Ack)
		return
	}

	ctx, cancel := g.requestContext()
	defer cancel()

	res, err := g.svc.Sync(ctx, chat.SyncRequest{
		CoupleID:      c.Identity.CoupleID,
		UserID:        c.Identity.UserID,
		LastMessageID: p.LastMessageID,
		SinceMs:       p.SinceMs,
		Limit:         p.Limit,
	})
	if err != nil {
		g.replyError(c, err, env.Ack)
		return
	}
	g.reply(c, EventSync, res, env.Ack)
}

// checkIdentity rejects any value that names someone else. Sync treats
// empty fields as the bound identity; send requires them.
func checkIdentity(c *Connection, coupleID, userID string) error {
	if coupleID != "" && coupleID != c.Identity.CoupleID {
		return fmt.Errorf("%w: coupleId does not match connection", chat.ErrIdentityMismatch)
	}
	if userID != "" && userID != c.Identity.UserID {
		return fmt.Errorf("%w: userId does not match connection", chat.ErrIdentityMismatch)
	}
	return nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrInvalidPayload, err)
	}
	return nil
}
