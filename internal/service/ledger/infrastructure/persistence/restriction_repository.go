package persistence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"tokenvote/internal/service/ledger/domain"
)

// RestrictionRepository 是访问限制协作方的本地实现，数据由管理后台写入
type RestrictionRepository struct {
	db  *gorm.DB
	now Clock
}

func NewRestrictionRepository(db *gorm.DB, now Clock) *RestrictionRepository {
	if now == nil {
		now = time.Now
	}
	return &RestrictionRepository{db: db, now: now}
}

func (r *RestrictionRepository) IsRestricted(ctx context.Context, userID string, action domain.Action) (*domain.Restriction, error) {
	var m UserRestrictionModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND (action = '' OR action = ?)", userID, string(action)).
		Where("(restricted_until IS NULL OR restricted_until > ?)", r.now().UTC()).
		Order("id DESC").
		Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "check restriction"))
	}
	return toDomainRestriction(&m), nil
}

// Restrict 写入一条限制；action 为空表示限制所有动作，until 为 nil 表示永久
func (r *RestrictionRepository) Restrict(ctx context.Context, res domain.Restriction) error {
	m := UserRestrictionModel{
		UserID:    res.UserID,
		Action:    string(res.Action),
		Reason:    res.Reason,
		Until:     utcPtr(res.Until),
		CreatedAt: r.now().UTC(),
	}
	return errors.Wrap(r.db.WithContext(ctx).Create(&m).Error, "insert restriction")
}
