package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/choiyounggi/linkly-calendar/internal/authz"
	"github.com/choiyounggi/linkly-calendar/internal/chat"
	"github.com/choiyounggi/linkly-calendar/internal/envelope"
	"github.com/choiyounggi/linkly-calendar/internal/httpx"
	"github.com/choiyounggi/linkly-calendar/internal/observability/middleware"
	"github.com/choiyounggi/linkly-calendar/internal/store"
)

// maxBodyBytes matches the websocket frame limit.
const maxBodyBytes = 64 << 10

// ChatService is the subset of chat.Service the REST routes call.
type ChatService interface {
	Send(ctx context.Context, in chat.SendInput) (chat.SendResult, error)
	History(ctx context.Context, q chat.HistoryQuery) (chat.Page, error)
	Sync(ctx context.Context, req chat.SyncRequest) (chat.SyncResult, error)
	Identity(ctx context.Context, providerUserID string) (chat.Identity, error)
}

type Handler struct {
	chat   ChatService
	logger *slog.Logger
}

type sendRequest struct {
	CoupleID        string  `json:"coupleId"`
	SenderUserID    string  `json:"senderUserId"`
	Kind            string  `json:"kind"`
	Text            *string `json:"text"`
	ImageURL        *string `json:"imageUrl"`
	ClientMessageID string  `json:"clientMessageId"`
	SentAtMs        *int64  `json:"sentAtMs"`
}

type sendResponse struct {
	OK       bool      `json:"ok"`
	Message  chat.View `json:"message"`
	Delivery string    `json:"delivery"`
}

type listResponse struct {
	OK         bool         `json:"ok"`
	Messages   []chat.View  `json:"messages"`
	NextCursor *chat.Cursor `json:"nextCursor"`
}

type syncResponse struct {
	OK       bool        `json:"ok"`
	Messages []chat.View `json:"messages"`
	HasMore  bool        `json:"hasMore"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", chat.ErrInvalidPayload, err))
		return
	}
	coupleID, userID, err := boundIdentity(r, req.CoupleID, req.SenderUserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.chat.Send(r.Context(), chat.SendInput{
		CoupleID:        coupleID,
		SenderUserID:    userID,
		Kind:            store.Kind(req.Kind),
		Text:            req.Text,
		ImageURL:        req.ImageURL,
		ClientMessageID: req.ClientMessageID,
		SentAtMs:        req.SentAtMs,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, sendResponse{OK: true, Message: res.Message, Delivery: res.Delivery()})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	coupleID, userID, err := boundIdentity(r, q.Get("coupleId"), q.Get("userId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	beforeMs, err := queryInt64(q.Get("beforeMs"), "beforeMs")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	beforeSeq, err := queryInt64(q.Get("beforeSeq"), "beforeSeq")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	page, err := h.chat.History(r.Context(), chat.HistoryQuery{
		CoupleID:  coupleID,
		UserID:    userID,
		Limit:     limit,
		BeforeMs:  beforeMs,
		BeforeSeq: beforeSeq,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse{OK: true, Messages: nonNil(page.Messages), NextCursor: page.NextCursor})
}

func (h *Handler) syncMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	coupleID, userID, err := boundIdentity(r, q.Get("coupleId"), q.Get("userId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sinceMs, err := queryInt64(q.Get("sinceMs"), "sinceMs")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.chat.Sync(r.Context(), chat.SyncRequest{
		CoupleID:      coupleID,
		UserID:        userID,
		LastMessageID: q.Get("lastMessageId"),
		SinceMs:       sinceMs,
		Limit:         limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, syncResponse{OK: true, Messages: nonNil(res.Messages), HasMore: res.HasMore})
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) {
	id, err := h.chat.Identity(r.Context(), r.URL.Query().Get("providerUserId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"userId":         id.UserID,
		"coupleId":       id.CoupleID,
		"providerUserId": id.ProviderUserID,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	attrs := []any{
		"path", r.URL.Path,
		"status", status,
		"error", err,
		"request_id", middleware.RequestIDFromContext(r.Context()),
		"trace_id", middleware.TraceIDFromContext(r.Context()),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("chat request failed", attrs...)
		httpx.WriteError(w, status, "internal error")
		return
	}
	h.logger.Warn("chat request rejected", attrs...)
	httpx.WriteError(w, status, err.Error())
}

func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, chat.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrIdentityMismatch), errors.Is(err, chat.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, envelope.ErrAuthenticationFailed), errors.Is(err, envelope.ErrKeyNotFound):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// boundIdentity prefers the verified token identity; request values may
// repeat it but never name someone else.
func boundIdentity(r *http.Request, coupleID, userID string) (string, string, error) {
	id, ok := authz.IdentityFrom(r.Context())
	if !ok {
		return coupleID, userID, nil
	}
	if (coupleID != "" && coupleID != id.CoupleID) || (userID != "" && userID != id.UserID) {
		return "", "", fmt.Errorf("%w: request does not match token", chat.ErrIdentityMismatch)
	}
	return id.CoupleID, id.UserID, nil
}

func queryInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", chat.ErrInvalidPayload, name)
	}
	return n, nil
}

func queryInt64(raw, name string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer", chat.ErrInvalidPayload, name)
	}
	return &n, nil
}

func nonNil(v []chat.View) []chat.View {
	if v == nil {
		return []chat.View{}
	}
	return v
}
