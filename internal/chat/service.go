package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/choiyounggi/linkly-calendar/internal/envelope"
	"github.com/choiyounggi/linkly-calendar/internal/fanout"
	"github.com/choiyounggi/linkly-calendar/internal/observability/metrics"
	"github.com/choiyounggi/linkly-calendar/internal/store"
)

const DefaultProviderUserID = "seed_user_1"

// MaxClockSkew bounds how far ahead of the server a client sentAtMs may be.
// A later stamp would sort after every real message and stall resync.
const MaxClockSkew = 5 * time.Minute

const (
	DeliveryQueued   = "queued"
	DeliveryDeferred = "deferred"
)

type Service struct {
	codec  *envelope.Codec
	store  *store.Store
	queue  fanout.Queue
	logger *slog.Logger
	now    func() time.Time
}

func New(codec *envelope.Codec, st *store.Store, queue fanout.Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{codec: codec, store: st, queue: queue, logger: logger, now: time.Now}
}

type SendInput struct {
	CoupleID        string
	SenderUserID    string
	Kind            store.Kind
	Text            *string
	ImageURL        *string
	ClientMessageID string
	SentAtMs        *int64
}

// SendResult carries the stored message. FanoutErr is set when the message
// was persisted but could not be queued for live delivery.
type SendResult struct {
	Message   View
	FanoutErr error
}

func (r SendResult) Delivery() string {
	if r.FanoutErr != nil {
		return DeliveryDeferred
	}
	return DeliveryQueued
}

func (s *Service) Send(ctx context.Context, in SendInput) (SendResult, error) {
	now := s.now()
	if err := validateSend(in, now); err != nil {
		return SendResult{}, err
	}
	if err := s.ensureMember(ctx, in.CoupleID, in.SenderUserID); err != nil {
		return SendResult{}, err
	}

	sentAtMs := now.UnixMilli()
	if in.SentAtMs != nil {
		sentAtMs = *in.SentAtMs
	}

	payload, err := s.codec.Encrypt(envelope.Plaintext{Text: in.Text, ImageURL: in.ImageURL})
	if err != nil {
		return SendResult{}, err
	}

	msg, err := s.store.Append(ctx, store.AppendInput{
		CoupleID:     in.CoupleID,
		SenderUserID: in.SenderUserID,
		Kind:         in.Kind,
		Payload:      payload,
		SentAtMs:     sentAtMs,
	})
	if err != nil {
		return SendResult{}, err
	}
	metrics.MessagesStoredTotal.WithLabelValues(string(msg.Kind)).Inc()
	metrics.MessagesCiphertextBytes.WithLabelValues(string(msg.Kind)).Observe(float64(len(msg.Ciphertext)))

	view := toView(msg, in.Text, in.ImageURL)
	view.ClientMessageID = in.ClientMessageID
	result := SendResult{Message: view}

	// The message is already durable. A broker failure only delays live
	// delivery; clients pick it up on their next resync.
	if err := s.queue.Enqueue(ctx, fanout.Job{CoupleID: msg.CoupleID, MessageID: msg.ID}); err != nil {
		metrics.FanoutJobsTotal.WithLabelValues("enqueue_failed").Inc()
		s.logger.Warn("fanout enqueue failed, message kept",
			"couple_id", msg.CoupleID,
			"message_id", msg.ID,
			"error", err,
		)
		if !errors.Is(err, fanout.ErrBrokerUnavailable) {
			err = fmt.Errorf("%w: %v", fanout.ErrBrokerUnavailable, err)
		}
		result.FanoutErr = err
	} else {
		metrics.FanoutJobsTotal.WithLabelValues("enqueued").Inc()
	}

	s.logger.Info("chat message stored",
		"couple_id", msg.CoupleID,
		"message_id", msg.ID,
		"kind", msg.Kind,
		"key_version", msg.KeyVersion,
		"delivery", result.Delivery(),
	)
	return result, nil
}

type HistoryQuery struct {
	CoupleID  string
	UserID    string
	Limit     int
	BeforeMs  *int64
	BeforeSeq *int64
}

// History pages backwards from the cursor, newest first.
func (s *Service) History(ctx context.Context, q HistoryQuery) (Page, error) {
	limit, err := validateQuery(q.CoupleID, q.UserID, q.Limit)
	if err != nil {
		return Page{}, err
	}
	if (q.BeforeMs != nil && *q.BeforeMs < 1) || (q.BeforeSeq != nil && q.BeforeMs == nil) {
		return Page{}, fmt.Errorf("%w: invalid cursor", ErrInvalidPayload)
	}
	if err := s.ensureMember(ctx, q.CoupleID, q.UserID); err != nil {
		return Page{}, err
	}

	rows, err := s.store.ListBefore(ctx, q.CoupleID, store.Cursor{BeforeMs: q.BeforeMs, BeforeSeq: q.BeforeSeq}, limit)
	if err != nil {
		return Page{}, err
	}
	metrics.MessageHistoryFetchedTotal.WithLabelValues("history").Inc()

	views, err := s.decryptAll(rows)
	if err != nil {
		return Page{}, err
	}
	page := Page{Messages: views}
	if len(rows) == limit {
		last := rows[len(rows)-1]
		page.NextCursor = &Cursor{BeforeMs: last.SentAtMs, BeforeSeq: last.Seq}
	}
	return page, nil
}

type SyncRequest struct {
	CoupleID      string
	UserID        string
	LastMessageID string
	SinceMs       *int64
	Limit         int
}

// Sync returns what a reconnecting client missed, oldest first.
func (s *Service) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	limit, err := validateQuery(req.CoupleID, req.UserID, req.Limit)
	if err != nil {
		return SyncResult{}, err
	}
	if err := s.ensureMember(ctx, req.CoupleID, req.UserID); err != nil {
		return SyncResult{}, err
	}
	metrics.MessageHistoryFetchedTotal.WithLabelValues("sync").Inc()

	var rows []store.Message
	switch anchor, ok := s.syncAnchor(ctx, req); {
	case ok:
		rows, err = s.store.ListAfter(ctx, req.CoupleID, store.After{SinceMs: anchor.SentAtMs, AfterSeq: &anchor.Seq}, limit)
	case req.SinceMs != nil:
		rows, err = s.store.ListAfter(ctx, req.CoupleID, store.After{SinceMs: *req.SinceMs}, limit)
	default:
		rows, err = s.store.ListBefore(ctx, req.CoupleID, store.Cursor{}, limit)
		slices.Reverse(rows)
	}
	if err != nil {
		return SyncResult{}, err
	}

	views, err := s.decryptAll(rows)
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Messages: views, HasMore: len(rows) == limit}, nil
}

// syncAnchor resolves the client's last seen message. Unknown or
// client-local ids fall through to the timestamp.
func (s *Service) syncAnchor(ctx context.Context, req SyncRequest) (store.Message, bool) {
	if req.LastMessageID == "" {
		return store.Message{}, false
	}
	id, err := uuid.Parse(req.LastMessageID)
	if err != nil {
		return store.Message{}, false
	}
	msg, err := s.store.Get(ctx, req.CoupleID, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("sync anchor lookup failed", "couple_id", req.CoupleID, "message_id", id, "error", err)
		}
		return store.Message{}, false
	}
	return msg, true
}

// Load fetches and decrypts one message for a live push.
func (s *Service) Load(ctx context.Context, coupleID string, id uuid.UUID) (View, error) {
	msg, err := s.store.Get(ctx, coupleID, id)
	if errors.Is(err, store.ErrNotFound) {
		return View{}, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err != nil {
		return View{}, err
	}
	return s.decrypt(msg)
}

func (s *Service) Identity(ctx context.Context, providerUserID string) (Identity, error) {
	providerUserID = strings.TrimSpace(providerUserID)
	if providerUserID == "" {
		providerUserID = DefaultProviderUserID
	}
	m, err := s.store.Members().LookupIdentity(ctx, providerUserID)
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, fmt.Errorf("%w: no couple for %s", ErrNotFound, providerUserID)
	}
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: m.UserID, CoupleID: m.CoupleID, ProviderUserID: m.ProviderUserID}, nil
}

// IsMember is used by the gateway when a socket joins.
func (s *Service) IsMember(ctx context.Context, coupleID, userID string) (bool, error) {
	return s.store.Members().IsMember(ctx, coupleID, userID)
}

func (s *Service) ensureMember(ctx context.Context, coupleID, userID string) error {
	ok, err := s.store.Members().IsMember(ctx, coupleID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

func (s *Service) decryptAll(rows []store.Message) ([]View, error) {
	out := make([]View, 0, len(rows))
	for _, row := range rows {
		v, err := s.decrypt(row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Service) decrypt(msg store.Message) (View, error) {
	pt, err := s.codec.Decrypt(msg.Payload())
	if err != nil {
		reason := "other"
		switch {
		case errors.Is(err, envelope.ErrKeyNotFound):
			reason = "key_not_found"
		case errors.Is(err, envelope.ErrAuthenticationFailed):
			reason = "authentication_failed"
		}
		metrics.DecryptFailuresTotal.WithLabelValues(reason).Inc()
		s.logger.Error("chat message decrypt failed",
			"couple_id", msg.CoupleID,
			"message_id", msg.ID,
			"key_version", msg.KeyVersion,
			"error", err,
		)
		return View{}, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	return toView(msg, pt.Text, pt.ImageURL), nil
}

func toView(msg store.Message, text, imageURL *string) View {
	return View{
		ID:           msg.ID,
		Seq:          msg.Seq,
		CoupleID:     msg.CoupleID,
		SenderUserID: msg.SenderUserID,
		Kind:         msg.Kind,
		Text:         text,
		ImageURL:     imageURL,
		SentAtMs:     msg.SentAtMs,
		CreatedAt:    msg.CreatedAt,
	}
}

func validateSend(in SendInput, now time.Time) error {
	switch {
	case strings.TrimSpace(in.CoupleID) == "" || strings.TrimSpace(in.SenderUserID) == "":
		return fmt.Errorf("%w: coupleId and senderUserId are required", ErrInvalidPayload)
	case !in.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, in.Kind)
	case in.Kind == store.KindText && (in.Text == nil || *in.Text == ""):
		return fmt.Errorf("%w: text message requires text", ErrInvalidPayload)
	case in.Kind == store.KindImage && (in.ImageURL == nil || *in.ImageURL == ""):
		return fmt.Errorf("%w: image message requires imageUrl", ErrInvalidPayload)
	case in.SentAtMs != nil && *in.SentAtMs <= 0:
		return fmt.Errorf("%w: sentAtMs must be positive", ErrInvalidPayload)
	case in.SentAtMs != nil && *in.SentAtMs > now.Add(MaxClockSkew).UnixMilli():
		return fmt.Errorf("%w: sentAtMs is too far in the future", ErrInvalidPayload)
	}
	return nil
}

func validateQuery(coupleID, userID string, limit int) (int, error) {
	if strings.TrimSpace(coupleID) == "" || strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("%w: coupleId and userId are required", ErrInvalidPayload)
	}
	if limit < 0 || limit > store.MaxLimit {
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidPayload, store.MaxLimit)
	}
	if limit == 0 {
		limit = store.DefaultLimit
	}
	return limit, nil
}
