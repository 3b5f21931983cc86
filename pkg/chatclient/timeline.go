package chatclient

import (
	"sort"
	"sync"
	"time"
)

// Message mirrors the server's decrypted message view.
type Message struct {
	ID              string    `json:"id"`
	Seq             int64     `json:"seq"`
	CoupleID        string    `json:"coupleId"`
	SenderUserID    string    `json:"senderUserId"`
	Kind            string    `json:"kind"`
	Text            *string   `json:"text"`
	ImageURL        *string   `json:"imageUrl"`
	SentAtMs        int64     `json:"sentAtMs"`
	CreatedAt       time.Time `json:"createdAt"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
}

func less(a, b Message) bool {
	if a.SentAtMs != b.SentAtMs {
		return a.SentAtMs < b.SentAtMs
	}
	return a.ID < b.ID
}

// Timeline is the client's view of a conversation, keyed by message id and
// ordered by (sentAtMs, id). Merging the same message twice is a no-op, so
// live pushes and resync pages can overlap freely.
type Timeline struct {
	mu   sync.RWMutex
	byID map[string]struct{}
	msgs []Message
}

func NewTimeline() *Timeline {
	return &Timeline{byID: make(map[string]struct{})}
}

// Merge adds unseen messages and returns the ones that were new.
func (t *Timeline) Merge(in ...Message) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []Message
	for _, m := range in {
		if m.ID == "" {
			continue
		}
		if _, ok := t.byID[m.ID]; ok {
			continue
		}
		t.byID[m.ID] = struct{}{}
		added = append(added, m)
	}
	if len(added) == 0 {
		return nil
	}

	t.msgs = append(t.msgs, added...)
	sort.SliceStable(t.msgs, func(i, j int) bool { return less(t.msgs[i], t.msgs[j]) })
	return added
}

func (t *Timeline) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Message(nil), t.msgs...)
}

// Last is the newest message; it anchors the next resync.
func (t *Timeline) Last() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.msgs) == 0 {
		return Message{}, false
	}
	return t.msgs[len(t.msgs)-1], true
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}
