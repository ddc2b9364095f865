package persistence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"tokenvote/internal/service/ledger/domain"
)

type TopicRepository struct {
	db  *gorm.DB
	now Clock
}

func NewTopicRepository(db *gorm.DB, now Clock) *TopicRepository {
	if now == nil {
		now = time.Now
	}
	return &TopicRepository{db: db, now: now}
}

// Create 写入话题、选项以及 normal 级别的曝光状态
func (r *TopicRepository) Create(ctx context.Context, topic *domain.Topic) error {
	now := r.now().UTC()
	model := toTopicModel(topic)
	model.CreatedAt = now
	model.UpdatedAt = now

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return errors.Wrap(err, "insert topic")
		}
		state := ExposureStateModel{
			TopicID:   topic.ID,
			Level:     string(domain.ExposureNormal),
			ChangedAt: now,
		}
		return errors.Wrap(tx.Create(&state).Error, "insert exposure state")
	})
	if err != nil {
		return domain.Transient(domain.ReasonStorageUnavailable, err)
	}
	topic.CreatedAt = now
	topic.Exposure = domain.ExposureState{TopicID: topic.ID, Level: domain.ExposureNormal, ChangedAt: now}
	return nil
}

func (r *TopicRepository) Get(ctx context.Context, topicID string) (*domain.Topic, error) {
	var model TopicModel
	err := r.db.WithContext(ctx).
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id = ?", topicID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.InvalidState(domain.ReasonTopicNotFound, map[string]any{"topic_id": topicID})
		}
		return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "get topic"))
	}
	topic := toDomainTopic(&model)

	var state ExposureStateModel
	err = r.db.WithContext(ctx).Where("topic_id = ?", topicID).Take(&state).Error
	switch {
	case err == nil:
		topic.Exposure = *toDomainExposure(&state)
	case errors.Is(err, gorm.ErrRecordNotFound):
		topic.Exposure = domain.ExposureState{TopicID: topicID, Level: domain.ExposureNormal}
	default:
		return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "get exposure state"))
	}
	return topic, nil
}

func (r *TopicRepository) CountParticipants(ctx context.Context, topicID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&TopicParticipantModel{}).Where("topic_id = ?", topicID).Count(&n).Error
	if err != nil {
		return 0, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "count participants"))
	}
	return n, nil
}
