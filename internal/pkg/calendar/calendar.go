// internal/pkg/calendar/calendar.go
package calendar

import (
	"sync"
	"time"
	_ "time/tzdata" // 容器镜像里可能没有 zoneinfo

	"github.com/jinzhu/now"
	"github.com/pkg/errors"
)

// DayLayout 是所有 day-marker 的存储格式
const DayLayout = "2006-01-02"

// Clock 返回当前时间，测试中可替换
type Clock func() time.Time

// Calendar 按平台统一时区计算自然日边界。
type Calendar struct {
	loc   *time.Location
	clock Clock
}

// New 创建日历。timezone 为 IANA 名称，空字符串等同于 UTC；clock 为 nil 时使用 time.Now。
func New(timezone string, clock Clock) (*Calendar, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "calendar: load timezone %q", timezone)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Calendar{loc: loc, clock: clock}, nil
}

func (c *Calendar) Location() *time.Location { return c.loc }

// Now 返回平台时区下的当前时间
func (c *Calendar) Now() time.Time { return c.clock().In(c.loc) }

// DayOf 返回 t 所在自然日的 day-marker
func (c *Calendar) DayOf(t time.Time) string { return t.In(c.loc).Format(DayLayout) }

// Today 返回调用时刻的 day-marker
func (c *Calendar) Today() string { return c.DayOf(c.clock()) }

// Yesterday 返回调用时刻前一自然日的 day-marker
func (c *Calendar) Yesterday() string {
	return c.StartOfDay(c.clock()).AddDate(0, 0, -1).Format(DayLayout)
}

// DayBefore 返回 day 前一天的 day-marker，用于回放时按请求发起日计算连续签到
func (c *Calendar) DayBefore(day string) (string, error) {
	t, err := time.ParseInLocation(DayLayout, day, c.loc)
	if err != nil {
		return "", errors.Wrapf(err, "parse day %q", day)
	}
	return t.AddDate(0, 0, -1).Format(DayLayout), nil
}

// StartOfDay 返回 t 所在自然日的零点
func (c *Calendar) StartOfDay(t time.Time) time.Time {
	return now.With(t.In(c.loc)).BeginningOfDay()
}

// NextMidnight 返回下一个自然日的零点，即日窗口的重置时间
func (c *Calendar) NextMidnight() time.Time {
	return c.StartOfDay(c.clock()).AddDate(0, 0, 1)
}

// ManualClock 是一个可以手动拨动的时钟
type ManualClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewManualClock(t time.Time) *ManualClock { return &ManualClock{t: t} }

func (m *ManualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *ManualClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

func (m *ManualClock) Set(t time.Time) {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
}
