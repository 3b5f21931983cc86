package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/choiyounggi/linkly-calendar/internal/envelope"
)

type Kind string

const (
	KindText  Kind = "TEXT"
	KindImage Kind = "IMAGE"
)

func (k Kind) Valid() bool { return k == KindText || k == KindImage }

// Message rows are immutable once appended. Seq is the insertion order and
// breaks ties between equal SentAtMs values.
type Message struct {
	Seq          int64     `gorm:"primaryKey;autoIncrement;index:idx_chat_messages_couple_sent,priority:3"`
	ID           uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`
	CoupleID     string    `gorm:"not null;index:idx_chat_messages_couple_sent,priority:1"`
	SenderUserID string    `gorm:"not null"`
	Kind         Kind      `gorm:"type:varchar(16);not null"`
	Ciphertext   []byte    `gorm:"not null"`
	IV           []byte    `gorm:"not null"`
	AuthTag      []byte    `gorm:"not null"`
	KeyVersion   int       `gorm:"not null"`
	SentAtMs     int64     `gorm:"not null;index:idx_chat_messages_couple_sent,priority:2"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (Message) TableName() string { return "chat_messages" }

func (m Message) Payload() envelope.Payload {
	return envelope.Payload{
		Ciphertext: m.Ciphertext,
		IV:         m.IV,
		AuthTag:    m.AuthTag,
		KeyVersion: m.KeyVersion,
	}
}

type AppendInput struct {
	CoupleID     string
	SenderUserID string
	Kind         Kind
	Payload      envelope.Payload
	SentAtMs     int64
}

// Cursor pages backwards. BeforeMs alone is a strict sent_at_ms bound;
// adding BeforeSeq makes it the composite (sent_at_ms, seq) bound.
type Cursor struct {
	BeforeMs  *int64
	BeforeSeq *int64
}

// After pages forwards from SinceMs, or from (SinceMs, AfterSeq) when set.
type After struct {
	SinceMs  int64
	AfterSeq *int64
}

func (s *Store) Append(ctx context.Context, in AppendInput) (Message, error) {
	msg := Message{
		ID:           uuid.New(),
		CoupleID:     in.CoupleID,
		SenderUserID: in.SenderUserID,
		Kind:         in.Kind,
		Ciphertext:   in.Payload.Ciphertext,
		IV:           in.Payload.IV,
		AuthTag:      in.Payload.AuthTag,
		KeyVersion:   in.Payload.KeyVersion,
		SentAtMs:     in.SentAtMs,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.DB.WithContext(ctx).Create(&msg).Error; err != nil {
		return Message{}, fmt.Errorf("store: append message: %w", err)
	}
	return msg, nil
}

func (s *Store) Get(ctx context.Context, coupleID string, id uuid.UUID) (Message, error) {
	var msg Message
	err := s.DB.WithContext(ctx).
		Where("couple_id = ? AND id = ?", coupleID, id).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ListBefore returns newest first.
func (s *Store) ListBefore(ctx context.Context, coupleID string, cur Cursor, limit int) ([]Message, error) {
	tx := s.DB.WithContext(ctx).Where("couple_id = ?", coupleID)
	switch {
	case cur.BeforeMs != nil && cur.BeforeSeq != nil:
		tx = tx.Where("(sent_at_ms < ? OR (sent_at_ms = ? AND seq < ?))", *cur.BeforeMs, *cur.BeforeMs, *cur.BeforeSeq)
	case cur.BeforeMs != nil:
		tx = tx.Where("sent_at_ms < ?", *cur.BeforeMs)
	}

	var msgs []Message
	if err := tx.Order("sent_at_ms DESC, seq DESC").Limit(clampLimit(limit)).Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListAfter returns oldest first.
func (s *Store) ListAfter(ctx context.Context, coupleID string, after After, limit int) ([]Message, error) {
	tx := s.DB.WithContext(ctx).Where("couple_id = ?", coupleID)
	if after.AfterSeq != nil {
		tx = tx.Where("(sent_at_ms > ? OR (sent_at_ms = ? AND seq > ?))", after.SinceMs, after.SinceMs, *after.AfterSeq)
	} else {
		tx = tx.Where("sent_at_ms > ?", after.SinceMs)
	}

	var msgs []Message
	if err := tx.Order("sent_at_ms ASC, seq ASC").Limit(clampLimit(limit)).Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}
