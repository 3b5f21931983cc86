package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Member struct {
	CoupleID       string    `gorm:"primaryKey"`
	UserID         string    `gorm:"primaryKey"`
	ProviderUserID string    `gorm:"index"`
	AuthProvider   string    `gorm:"type:varchar(32)"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (Member) TableName() string { return "couple_members" }

type MemberStore struct{ db *gorm.DB }

func (s *Store) Members() *MemberStore { return &MemberStore{db: s.DB} }

// Add is idempotent.
func (m *MemberStore) Add(ctx context.Context, member Member) error {
	if member.CreatedAt.IsZero() {
		member.CreatedAt = time.Now().UTC()
	}
	return m.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&member).Error
}

func (m *MemberStore) IsMember(ctx context.Context, coupleID, userID string) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).Model(&Member{}).
		Where("couple_id = ? AND user_id = ?", coupleID, userID).
		Count(&count).Error
	return count > 0, err
}

func (m *MemberStore) LookupIdentity(ctx context.Context, providerUserID string) (Member, error) {
	var member Member
	err := m.db.WithContext(ctx).
		Where("provider_user_id = ?", providerUserID).
		Order("created_at ASC").
		First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Member{}, ErrNotFound
	}
	return member, err
}

func (m *MemberStore) ListCouple(ctx context.Context, coupleID string) ([]Member, error) {
	var members []Member
	err := m.db.WithContext(ctx).
		Where("couple_id = ?", coupleID).
		Order("user_id ASC").
		Find(&members).Error
	return members, err
}
