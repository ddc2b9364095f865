package persistence

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tokenvote/internal/pkg/calendar"
	"tokenvote/internal/service/ledger/domain"
)

// RewardRepository 把奖励入账与对应的计数/进度写在同一个事务里，
// 这就是双路径执行器的主路径。
type RewardRepository struct {
	db  *gorm.DB
	cal *calendar.Calendar
}

func NewRewardRepository(db *gorm.DB, cal *calendar.Calendar) *RewardRepository {
	return &RewardRepository{db: db, cal: cal}
}

func (r *RewardRepository) GetLoginStreak(ctx context.Context, userID string) (*domain.LoginStreak, error) {
	var m LoginStreakModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "get login streak"))
	}
	return toDomainLoginStreak(&m), nil
}

func (r *RewardRepository) GetMission(ctx context.Context, missionID string) (*domain.Mission, error) {
	var m MissionModel
	err := r.db.WithContext(ctx).Where("id = ?", missionID).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, missionNotFound(missionID)
		}
		return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "get mission"))
	}
	return toDomainMission(&m), nil
}

func (r *RewardRepository) GetMissionProgress(ctx context.Context, userID, missionID string) (*domain.MissionProgress, error) {
	var m MissionProgressModel
	err := r.db.WithContext(ctx).Where("user_id = ? AND mission_id = ?", userID, missionID).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "get mission progress"))
	}
	return toDomainMissionProgress(&m), nil
}

// SaveMission 新建或覆盖任务定义
func (r *RewardRepository) SaveMission(ctx context.Context, mission *domain.Mission) error {
	now := r.cal.Now().UTC()
	m := MissionModel{
		ID:          mission.ID,
		Title:       mission.Title,
		Reward:      mission.Reward,
		LimitPerDay: mission.LimitPerDay,
		Active:      mission.Active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "reward", "limit_per_day", "active", "updated_at"}),
	}).Create(&m).Error
	return errors.Wrap(err, "save mission")
}

// ClaimDailyLogin 每个自然日至多入账一次。当天已签到时返回 duplicate 和现有的连续天数。
// last_claim_date < today 的条件同时挡住了用旧日期回放的请求。
func (r *RewardRepository) ClaimDailyLogin(ctx context.Context, claim domain.LoginClaim) (*domain.GrantOutcome, error) {
	now := r.cal.Now().UTC()
	var out *domain.GrantOutcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := LoginStreakModel{UserID: claim.UserID, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return errors.Wrap(err, "seed login streak")
		}

		// MySQL 按从左到右的顺序赋值，current_streak 必须排在 last_claim_date 之前
		res := tx.Exec(
			"UPDATE login_streaks SET current_streak = CASE WHEN last_claim_date = ? THEN current_streak + 1 ELSE 1 END, "+
				"total_days = total_days + 1, last_claim_date = ?, updated_at = ? "+
				"WHERE user_id = ? AND last_claim_date < ?",
			claim.Yesterday, claim.Today, now, claim.UserID, claim.Today,
		)
		if res.Error != nil {
			return errors.Wrap(res.Error, "advance login streak")
		}

		var streak LoginStreakModel
		if err := tx.Where("user_id = ?", claim.UserID).Take(&streak).Error; err != nil {
			return errors.Wrap(err, "read login streak")
		}

		if res.RowsAffected == 0 {
			existing, err := loginCreditOn(tx, claim.UserID, streak.LastClaimDate)
			if err != nil {
				return err
			}
			out = &domain.GrantOutcome{Status: domain.GrantDuplicate, Streak: streak.CurrentStreak, Transaction: existing}
			if existing != nil {
				out.Reward = existing.Amount
			}
			return nil
		}

		reward, err := claim.RewardFor(streak.CurrentStreak)
		if err != nil {
			return errors.Wrap(err, "compute streak reward")
		}
		txn, err := creditTx(tx, now, domain.LedgerEntry{
			UserID:         claim.UserID,
			Amount:         reward,
			Kind:           domain.TxDailyLogin,
			ReferenceID:    claim.Today,
			IdempotencyKey: claim.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		out = &domain.GrantOutcome{Status: domain.GrantCompleted, Transaction: txn, Reward: reward, Streak: streak.CurrentStreak}
		return nil
	})
	if err != nil {
		return nil, translateErr(ctx, r.db, claim.IdempotencyKey, claim.UserID, domain.TxDailyLogin, err)
	}
	observe(out.Transaction)
	return out, nil
}

// GrantAdReward 在一个事务里对看广告计数封顶加一并入账。
// 计数计入 grant.Day；回放时该日已过去且计数行已滚动到之后的日期，则只入账不计数。
func (r *RewardRepository) GrantAdReward(ctx context.Context, grant domain.AdGrant) (*domain.GrantOutcome, error) {
	win := specFor(r.cal, domain.Daily())
	closedDay := grant.Day != "" && grant.Day < win.marker
	if closedDay {
		win.marker = grant.Day
	}
	var out *domain.GrantOutcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count domain.QuotaCount
		var err error
		if closedDay {
			count, err = incrementClosedDayTx(tx, win, grant.UserID, domain.ResourceWatchAd, grant.DailyLimit)
		} else {
			count, err = incrementTx(tx, win, grant.UserID, domain.ResourceWatchAd, grant.DailyLimit)
		}
		if err != nil {
			return err
		}
		txn, err := creditTx(tx, win.now, domain.LedgerEntry{
			UserID:         grant.UserID,
			Amount:         grant.Reward,
			Kind:           domain.TxWatchAd,
			ReferenceID:    win.marker,
			IdempotencyKey: grant.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		out = &domain.GrantOutcome{Status: domain.GrantCompleted, Transaction: txn, Reward: grant.Reward, Count: count.Count}
		return nil
	})
	if err != nil {
		return nil, translateErr(ctx, r.db, grant.IdempotencyKey, grant.UserID, domain.TxWatchAd, err)
	}
	observe(out.Transaction)
	return out, nil
}

// CompleteMission 进度更新是带上限条件的 UPDATE，与入账同事务
func (r *RewardRepository) CompleteMission(ctx context.Context, grant domain.MissionGrant) (*domain.GrantOutcome, error) {
	now := r.cal.Now().UTC()
	var out *domain.GrantOutcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mission MissionModel
		if err := tx.Where("id = ?", grant.MissionID).Take(&mission).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return missionNotFound(grant.MissionID)
			}
			return errors.Wrap(err, "get mission")
		}
		if !mission.Active {
			return domain.InvalidState(domain.ReasonMissionInactive, map[string]any{"mission_id": grant.MissionID})
		}

		seed := MissionProgressModel{UserID: grant.UserID, MissionID: grant.MissionID, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return errors.Wrap(err, "seed mission progress")
		}

		var res *gorm.DB
		if mission.LimitPerDay <= 0 {
			res = tx.Exec(
				"UPDATE mission_progresses SET completed = completed + 1, progress = progress + 1, "+
					"last_completed_date = ?, updated_at = ? WHERE user_id = ? AND mission_id = ? AND completed = 0",
				grant.Today, now, grant.UserID, grant.MissionID,
			)
		} else {
			res = tx.Exec(
				"UPDATE mission_progresses SET completed = CASE WHEN last_completed_date = ? THEN completed + 1 ELSE 1 END, "+
					"progress = progress + 1, last_completed_date = ?, updated_at = ? "+
					"WHERE user_id = ? AND mission_id = ? AND (last_completed_date <> ? OR completed < ?)",
				grant.Today, grant.Today, now, grant.UserID, grant.MissionID, grant.Today, mission.LimitPerDay,
			)
		}
		if res.Error != nil {
			return errors.Wrap(res.Error, "advance mission progress")
		}

		var progress MissionProgressModel
		if err := tx.Where("user_id = ? AND mission_id = ?", grant.UserID, grant.MissionID).Take(&progress).Error; err != nil {
			return errors.Wrap(err, "read mission progress")
		}
		if res.RowsAffected == 0 {
			return missionLimitReached(&mission, &progress)
		}

		txn, err := creditTx(tx, now, domain.LedgerEntry{
			UserID:         grant.UserID,
			Amount:         mission.Reward,
			Kind:           domain.TxCompleteMission,
			ReferenceID:    grant.MissionID,
			IdempotencyKey: grant.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		out = &domain.GrantOutcome{
			Status:      domain.GrantCompleted,
			Transaction: txn,
			Reward:      mission.Reward,
			Count:       int64(progress.Completed),
		}
		return nil
	})
	if err != nil {
		return nil, translateErr(ctx, r.db, grant.IdempotencyKey, grant.UserID, domain.TxCompleteMission, err)
	}
	observe(out.Transaction)
	return out, nil
}

func loginCreditOn(tx *gorm.DB, userID, day string) (*domain.Transaction, error) {
	var m TransactionModel
	err := tx.Where("user_id = ? AND kind = ? AND reference_id = ?", userID, string(domain.TxDailyLogin), day).
		Order("created_at ASC").
		Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find login credit")
	}
	return toDomainTransaction(&m), nil
}

func missionNotFound(missionID string) *domain.Denial {
	return domain.InvalidState(domain.ReasonMissionNotFound, map[string]any{"mission_id": missionID})
}

func missionLimitReached(m *MissionModel, p *MissionProgressModel) *domain.Denial {
	if m.LimitPerDay <= 0 {
		return domain.QuotaDenied(domain.ReasonMissionAlreadyCompleted, map[string]any{"mission_id": m.ID})
	}
	return domain.QuotaDenied(domain.ReasonDailyLimitReached, map[string]any{
		"mission_id": m.ID,
		"limit":      m.LimitPerDay,
		"current":    p.Completed,
	})
}
