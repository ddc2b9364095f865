package persistence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tokenvote/internal/pkg/database"
	"tokenvote/internal/service/ledger/domain"
)

// VoteRepository 负责投票行、选项计票和参与记录。
// 付费投票的扣款在 AccountStore 里单独完成，失败由上层 saga 补偿。
type VoteRepository struct {
	db  *gorm.DB
	now Clock
}

func NewVoteRepository(db *gorm.DB, now Clock) *VoteRepository {
	if now == nil {
		now = time.Now
	}
	return &VoteRepository{db: db, now: now}
}

func (r *VoteRepository) ApplyPaidVote(ctx context.Context, cast domain.VoteCast) (*domain.Vote, error) {
	if cast.Amount <= 0 {
		return nil, domain.InvalidState(domain.ReasonInvalidAmount, map[string]any{"amount": cast.Amount})
	}
	now := r.now().UTC()
	var out VoteModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tallyTx(tx, cast.TopicID, cast.OptionKey, cast.Amount); err != nil {
			return err
		}

		row := VoteModel{
			UserID:    cast.UserID,
			TopicID:   cast.TopicID,
			OptionKey: cast.OptionKey,
			Amount:    cast.Amount,
			CreatedAt: now,
			UpdatedAt: now,
		}
		// 重复投票：金额累加，选项以最后一次为准
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "topic_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"amount":     gorm.Expr("votes.amount + ?", cast.Amount),
				"option_key": cast.OptionKey,
				"updated_at": now,
			}),
		}).Create(&row).Error
		if err != nil {
			return errors.Wrap(err, "upsert vote")
		}

		if err := joinTx(tx, cast.TopicID, cast.UserID, now); err != nil {
			return err
		}
		return tx.Where("user_id = ? AND topic_id = ?", cast.UserID, cast.TopicID).Take(&out).Error
	})
	if err != nil {
		return nil, asDomainErr(err, "apply paid vote")
	}
	return toDomainVote(&out), nil
}

// ApplyFreeVote 以 free_vote_usages 主键作为并发保护：同一天第二次插入必然失败
func (r *VoteRepository) ApplyFreeVote(ctx context.Context, cast domain.FreeVoteCast) (*domain.Transaction, error) {
	now := r.now().UTC()
	var out *domain.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		usage := FreeVoteUsageModel{
			UserID:    cast.UserID,
			TopicID:   cast.TopicID,
			VoteDay:   cast.Day,
			OptionKey: cast.OptionKey,
			CreatedAt: now,
		}
		if err := tx.Create(&usage).Error; err != nil {
			if database.IsDuplicateKey(err) {
				return freeVoteUsed(cast)
			}
			return errors.Wrap(err, "insert free vote usage")
		}
		if err := tallyTx(tx, cast.TopicID, cast.OptionKey, 0); err != nil {
			return err
		}
		if err := joinTx(tx, cast.TopicID, cast.UserID, now); err != nil {
			return err
		}
		var err error
		out, err = creditTx(tx, now, domain.LedgerEntry{
			UserID:      cast.UserID,
			Kind:        domain.TxFreeVote,
			ReferenceID: cast.TopicID,
		})
		return err
	})
	if err != nil {
		return nil, asDomainErr(err, "apply free vote")
	}
	observe(out)
	return out, nil
}

func (r *VoteRepository) HasFreeVote(ctx context.Context, userID, topicID, day string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&FreeVoteUsageModel{}).
		Where("user_id = ? AND topic_id = ? AND vote_day = ?", userID, topicID, day).
		Count(&n).Error
	if err != nil {
		return false, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "check free vote"))
	}
	return n > 0, nil
}

// GetVote 没有投过票时返回 (nil, nil)
func (r *VoteRepository) GetVote(ctx context.Context, userID, topicID string) (*domain.Vote, error) {
	var m VoteModel
	err := r.db.WithContext(ctx).Where("user_id = ? AND topic_id = ?", userID, topicID).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "get vote"))
	}
	return toDomainVote(&m), nil
}

// tallyTx 给选项计票并累加话题票数；选项不存在时返回 option_unknown
func tallyTx(tx *gorm.DB, topicID, optionKey string, amount int64) error {
	res := tx.Model(&TopicOptionModel{}).
		Where("topic_id = ? AND option_key = ?", topicID, optionKey).
		Updates(map[string]any{
			"vote_count":  gorm.Expr("vote_count + 1"),
			"token_total": gorm.Expr("token_total + ?", amount),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "update option tally")
	}
	if res.RowsAffected == 0 {
		return domain.InvalidState(domain.ReasonOptionUnknown, map[string]any{"topic_id": topicID, "option": optionKey})
	}
	err := tx.Model(&TopicModel{}).Where("id = ?", topicID).
		Update("vote_count", gorm.Expr("vote_count + 1")).Error
	return errors.Wrap(err, "update topic vote count")
}

// joinTx 追加参与记录，重复插入是 no-op
func joinTx(tx *gorm.DB, topicID, userID string, now time.Time) error {
	p := TopicParticipantModel{TopicID: topicID, UserID: userID, JoinedAt: now}
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error
	return errors.Wrap(err, "insert participant")
}

func freeVoteUsed(cast domain.FreeVoteCast) *domain.Denial {
	return domain.QuotaDenied(domain.ReasonFreeVoteUsedToday, map[string]any{
		"topic_id": cast.TopicID,
		"day":      cast.Day,
	})
}

// asDomainErr 保留业务拒绝，其余包装为瞬时故障
func asDomainErr(err error, msg string) error {
	var denial *domain.Denial
	var dup *domain.DuplicateOperationError
	if errors.As(err, &denial) || errors.As(err, &dup) {
		return err
	}
	return domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, msg))
}
