package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/choiyounggi/linkly-calendar/internal/store"
)

// View is the decrypted message shape shared by HTTP and websocket clients.
type View struct {
	ID              uuid.UUID  `json:"id"`
	Seq             int64      `json:"seq"`
	CoupleID        string     `json:"coupleId"`
	SenderUserID    string     `json:"senderUserId"`
	Kind            store.Kind `json:"kind"`
	Text            *string    `json:"text"`
	ImageURL        *string    `json:"imageUrl"`
	SentAtMs        int64      `json:"sentAtMs"`
	CreatedAt       time.Time  `json:"createdAt"`
	ClientMessageID string     `json:"clientMessageId,omitempty"`
}

type Cursor struct {
	BeforeMs  int64 `json:"beforeMs"`
	BeforeSeq int64 `json:"beforeSeq"`
}

type Page struct {
	Messages   []View  `json:"messages"`
	NextCursor *Cursor `json:"nextCursor"`
}

type SyncResult struct {
	Messages []View `json:"messages"`
	HasMore  bool   `json:"hasMore"`
}

type Identity struct {
	UserID         string `json:"userId"`
	CoupleID       string `json:"coupleId"`
	ProviderUserID string `json:"providerUserId"`
}
