package persistence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"tokenvote/internal/service/ledger/domain"
)

type ExposureRepository struct {
	db *gorm.DB
}

func NewExposureRepository(db *gorm.DB) *ExposureRepository {
	return &ExposureRepository{db: db}
}

// Get 没有曝光记录的话题视为 normal、版本 0
func (r *ExposureRepository) Get(ctx context.Context, topicID string) (*domain.ExposureState, error) {
	var m ExposureStateModel
	err := r.db.WithContext(ctx).Where("topic_id = ?", topicID).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &domain.ExposureState{TopicID: topicID, Level: domain.ExposureNormal}, nil
		}
		return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "get exposure state"))
	}
	return toDomainExposure(&m), nil
}

// CompareAndSet 版本号不一致时返回 exposure_state_changed，调用方不应重试而应重新评估
func (r *ExposureRepository) CompareAndSet(ctx context.Context, prev, next domain.ExposureState) (*domain.ExposureState, error) {
	res := r.db.WithContext(ctx).Model(&ExposureStateModel{}).
		Where("topic_id = ? AND version = ?", prev.TopicID, prev.Version).
		Updates(map[string]any{
			"level":      string(next.Level),
			"expires_at": utcPtr(next.ExpiresAt),
			"changed_at": next.ChangedAt.UTC(),
			"version":    gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(res.Error, "update exposure state"))
	}
	if res.RowsAffected == 0 {
		return nil, domain.InvalidState(domain.ReasonExposureStateChanged, map[string]any{
			"topic_id": prev.TopicID,
			"version":  prev.Version,
		})
	}
	out := next
	out.TopicID = prev.TopicID
	out.Version = prev.Version + 1
	return &out, nil
}

func (r *ExposureRepository) CountActive(ctx context.Context, ownerID string, now time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&ExposureStateModel{}).
		Joins("JOIN topics ON topics.id = exposure_states.topic_id").
		Where("topics.owner_id = ? AND exposure_states.level <> ?", ownerID, string(domain.ExposureNormal)).
		Where("(exposure_states.expires_at IS NULL OR exposure_states.expires_at > ?)", now.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "count active exposures"))
	}
	return n, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
