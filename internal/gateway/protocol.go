package gateway

import (
	"encoding/json"
	"errors"

	"github.com/choiyounggi/linkly-calendar/internal/chat"
)

const (
	EventConnected = "chat:connected"
	EventError     = "chat:error"
	EventSend      = "chat:send"
	EventMessage   = "chat:message"
	EventSync      = "chat:sync"
	EventPing      = "chat:ping"
	EventPong      = "chat:pong"
	EventJoin      = "chat:join"
)

const (
	CodeMissingIdentity  = "missing-identity"
	CodeInvalidToken     = "invalid-token"
	CodeIdentityMismatch = "identity-mismatch"
	CodeInvalidPayload   = "invalid-payload"
	CodeNotMember        = "not-member"
	CodeInternal         = "internal"
)

// Envelope is one JSON text frame. Ack, when present on a request, is echoed
// on the matching response.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   string          `json:"ack,omitempty"`
}

type ConnectedPayload struct {
	CoupleID string `json:"coupleId"`
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
	Ts       int64  `json:"ts"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type TsPayload struct {
	Ts int64 `json:"ts"`
}

type JoinPayload struct {
	CoupleID string `json:"coupleId"`
}

type SendPayload struct {
	CoupleID        string  `json:"coupleId"`
	SenderUserID    string  `json:"senderUserId"`
	Kind            string  `json:"kind"`
	Text            *string `json:"text,omitempty"`
	ImageURL        *string `json:"imageUrl,omitempty"`
	ClientMessageID string  `json:"clientMessageId,omitempty"`
	SentAtMs        *int64  `json:"sentAtMs,omitempty"`
}

type SendReply struct {
	OK       bool      `json:"ok"`
	Message  chat.View `json:"message"`
	Delivery string    `json:"delivery"`
}

type SyncPayload struct {
	CoupleID      string `json:"coupleId"`
	UserID        string `json:"userId"`
	LastMessageID string `json:"lastMessageId,omitempty"`
	SinceMs       *int64 `json:"sinceMs,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

func encode(event string, data any, ack string) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw, Ack: ack})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrInvalidPayload):
		return CodeInvalidPayload
	case errors.Is(err, chat.ErrIdentityMismatch):
		return CodeIdentityMismatch
	case errors.Is(err, chat.ErrNotMember):
		return CodeNotMember
	default:
		return CodeInternal
	}
}
