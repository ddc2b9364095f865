package persistence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tokenvote/internal/pkg/calendar"
	"tokenvote/internal/service/ledger/domain"
)

// QuotaRepository 是 domain.QuotaTracker 的 GORM 实现。
// 每个计数器一行；先把过期窗口清零，再用带 used < limit 条件的 UPDATE 计数，
// 两步都在同一事务里，因此既不会丢计数也不会超发。
type QuotaRepository struct {
	db  *gorm.DB
	cal *calendar.Calendar
}

func NewQuotaRepository(db *gorm.DB, cal *calendar.Calendar) *QuotaRepository {
	return &QuotaRepository{db: db, cal: cal}
}

// windowSpec 是调用时刻计算出的窗口边界
type windowSpec struct {
	daily   bool
	marker  string
	now     time.Time
	resetAt time.Time
}

func specFor(cal *calendar.Calendar, w domain.Window) windowSpec {
	now := cal.Now().UTC()
	if w.Kind == domain.WindowRolling {
		return windowSpec{now: now, resetAt: now.Add(w.Period)}
	}
	return windowSpec{daily: true, marker: cal.Today(), now: now, resetAt: cal.NextMidnight().UTC()}
}

// staleCond 返回"该行属于已过期窗口"的 SQL 条件
func (s windowSpec) staleCond() (string, any) {
	if s.daily {
		return "window_marker <> ?", s.marker
	}
	return "reset_at <= ?", s.now
}

func (s windowSpec) freshCond() (string, any) {
	if s.daily {
		return "window_marker = ?", s.marker
	}
	return "reset_at > ?", s.now
}

func (s windowSpec) isStale(m *QuotaCounterModel) bool {
	if s.daily {
		return m.WindowMarker != s.marker
	}
	return !m.ResetAt.After(s.now)
}

func (r *QuotaRepository) Peek(ctx context.Context, scope, resource string, w domain.Window) (domain.QuotaCount, error) {
	win := specFor(r.cal, w)
	var m QuotaCounterModel
	err := r.db.WithContext(ctx).Where("scope = ? AND resource = ?", scope, resource).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.QuotaCount{ResetAt: win.resetAt}, nil
		}
		return domain.QuotaCount{}, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "peek quota"))
	}
	if win.isStale(&m) {
		return domain.QuotaCount{ResetAt: win.resetAt}, nil
	}
	return domain.QuotaCount{Count: m.Used, ResetAt: m.ResetAt}, nil
}

func (r *QuotaRepository) Increment(ctx context.Context, scope, resource string, w domain.Window) (domain.QuotaCount, error) {
	return r.inTx(ctx, func(tx *gorm.DB) (domain.QuotaCount, error) {
		return incrementTx(tx, specFor(r.cal, w), scope, resource, 0)
	})
}

func (r *QuotaRepository) IncrementCapped(ctx context.Context, scope, resource string, w domain.Window, limit int64) (domain.QuotaCount, error) {
	if limit <= 0 {
		return domain.QuotaCount{}, quotaExceeded(w, scope, resource, limit, domain.QuotaCount{ResetAt: specFor(r.cal, w).resetAt})
	}
	return r.inTx(ctx, func(tx *gorm.DB) (domain.QuotaCount, error) {
		return incrementTx(tx, specFor(r.cal, w), scope, resource, limit)
	})
}

func (r *QuotaRepository) Release(ctx context.Context, scope, resource string, w domain.Window) (domain.QuotaCount, error) {
	return r.inTx(ctx, func(tx *gorm.DB) (domain.QuotaCount, error) {
		win := specFor(r.cal, w)
		cond, arg := win.freshCond()
		err := tx.Model(&QuotaCounterModel{}).
			Where("scope = ? AND resource = ? AND used > 0", scope, resource).
			Where(cond, arg).
			Updates(map[string]any{"used": gorm.Expr("used - 1"), "updated_at": win.now}).Error
		if err != nil {
			return domain.QuotaCount{}, err
		}
		return readCounter(tx, win, scope, resource)
	})
}

func (r *QuotaRepository) ResetIfStale(ctx context.Context, scope, resource string, w domain.Window) (domain.QuotaCount, error) {
	return r.inTx(ctx, func(tx *gorm.DB) (domain.QuotaCount, error) {
		win := specFor(r.cal, w)
		if err := ensureFresh(tx, win, scope, resource); err != nil {
			return domain.QuotaCount{}, err
		}
		return readCounter(tx, win, scope, resource)
	})
}

func (r *QuotaRepository) inTx(ctx context.Context, fn func(tx *gorm.DB) (domain.QuotaCount, error)) (domain.QuotaCount, error) {
	var out domain.QuotaCount
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = fn(tx)
		return err
	})
	if err != nil {
		var denial *domain.Denial
		if errors.As(err, &denial) {
			return domain.QuotaCount{}, err
		}
		return domain.QuotaCount{}, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "quota counter"))
	}
	return out, nil
}

// ensureFresh 保证计数行存在且属于当前窗口
func ensureFresh(tx *gorm.DB, win windowSpec, scope, resource string) error {
	row := QuotaCounterModel{
		Scope:        scope,
		Resource:     resource,
		WindowMarker: win.marker,
		ResetAt:      win.resetAt,
		UpdatedAt:    win.now,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return err
	}
	cond, arg := win.staleCond()
	return tx.Model(&QuotaCounterModel{}).
		Where("scope = ? AND resource = ?", scope, resource).
		Where(cond, arg).
		Updates(map[string]any{
			"used":          0,
			"window_marker": win.marker,
			"reset_at":      win.resetAt,
			"updated_at":    win.now,
		}).Error
}

// incrementTx 在事务内计数；limit 为 0 表示不设上限
func incrementTx(tx *gorm.DB, win windowSpec, scope, resource string, limit int64) (domain.QuotaCount, error) {
	if err := ensureFresh(tx, win, scope, resource); err != nil {
		return domain.QuotaCount{}, err
	}

	q := tx.Model(&QuotaCounterModel{}).Where("scope = ? AND resource = ?", scope, resource)
	if limit > 0 {
		q = q.Where("used < ?", limit)
	}
	res := q.Updates(map[string]any{"used": gorm.Expr("used + 1"), "updated_at": win.now})
	if res.Error != nil {
		return domain.QuotaCount{}, res.Error
	}

	current, err := readCounter(tx, win, scope, resource)
	if err != nil {
		return domain.QuotaCount{}, err
	}
	if res.RowsAffected == 0 {
		w := domain.Daily()
		if !win.daily {
			w = domain.Rolling(0)
		}
		return domain.QuotaCount{}, quotaExceeded(w, scope, resource, limit, current)
	}
	return current, nil
}

// incrementClosedDayTx 对已结束的自然日计数。计数行仍停留在该日时照常封顶加一；
// 已滚动到之后的日期（或从未计数）时该日的计数无从追溯，返回零值且不报错。
func incrementClosedDayTx(tx *gorm.DB, win windowSpec, scope, resource string, limit int64) (domain.QuotaCount, error) {
	q := tx.Model(&QuotaCounterModel{}).
		Where("scope = ? AND resource = ? AND window_marker = ?", scope, resource, win.marker)
	if limit > 0 {
		q = q.Where("used < ?", limit)
	}
	res := q.Updates(map[string]any{"used": gorm.Expr("used + 1"), "updated_at": win.now})
	if res.Error != nil {
		return domain.QuotaCount{}, res.Error
	}

	var m QuotaCounterModel
	if err := tx.Where("scope = ? AND resource = ?", scope, resource).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.QuotaCount{}, nil
		}
		return domain.QuotaCount{}, err
	}
	if m.WindowMarker != win.marker {
		return domain.QuotaCount{}, nil
	}
	current := domain.QuotaCount{Count: m.Used, ResetAt: m.ResetAt}
	if res.RowsAffected == 0 {
		return domain.QuotaCount{}, quotaExceeded(domain.Daily(), scope, resource, limit, current)
	}
	return current, nil
}

func readCounter(tx *gorm.DB, win windowSpec, scope, resource string) (domain.QuotaCount, error) {
	var m QuotaCounterModel
	if err := tx.Where("scope = ? AND resource = ?", scope, resource).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.QuotaCount{ResetAt: win.resetAt}, nil
		}
		return domain.QuotaCount{}, err
	}
	if win.isStale(&m) {
		return domain.QuotaCount{ResetAt: win.resetAt}, nil
	}
	return domain.QuotaCount{Count: m.Used, ResetAt: m.ResetAt}, nil
}

// quotaExceeded 生成配额拒绝：日窗口为 daily_limit_reached，滚动窗口为 cooldown_active
func quotaExceeded(w domain.Window, scope, resource string, limit int64, current domain.QuotaCount) *domain.Denial {
	reason := domain.ReasonDailyLimitReached
	if w.Kind == domain.WindowRolling {
		reason = domain.ReasonCooldownActive
	}
	return domain.QuotaDenied(reason, map[string]any{
		"scope":    scope,
		"resource": resource,
		"limit":    limit,
		"current":  current.Count,
		"reset_at": current.ResetAt,
	})
}
