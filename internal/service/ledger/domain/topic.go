// internal/service/ledger/domain/topic.go
package domain

import "time"

type TopicStatus string

const (
	TopicActive TopicStatus = "active"
	TopicEnded  TopicStatus = "ended"
	TopicHidden TopicStatus = "hidden"
)

// Topic 是可投票的话题
type Topic struct {
	ID        string
	OwnerID   string
	Title     string
	Status    TopicStatus
	VoteCount int64
	EndsAt    *time.Time
	CreatedAt time.Time
	Options   []TopicOption
	Exposure  ExposureState
}

// TopicOption 是话题下的选项及其计票
type TopicOption struct {
	Key        string
	Label      string
	VoteCount  int64
	TokenTotal int64
}

// IsOpen 判断话题在 now 时刻是否可以接受投票
func (t *Topic) IsOpen(now time.Time) bool {
	if t.Status != TopicActive {
		return false
	}
	return t.EndsAt == nil || now.Before(*t.EndsAt)
}

func (t *Topic) HasOption(key string) bool {
	for _, o := range t.Options {
		if o.Key == key {
			return true
		}
	}
	return false
}

// Vote 是 (user, topic) 维度唯一的付费投票记录；重复投票累加 Amount，选项以最后一次为准
type Vote struct {
	UserID    string
	TopicID   string
	OptionKey string
	Amount    int64
	UpdatedAt time.Time
}

// VoteCast 是一次付费投票的写入请求
type VoteCast struct {
	UserID    string
	TopicID   string
	OptionKey string
	Amount    int64
}

// FreeVoteCast 是一次免费投票的写入请求
type FreeVoteCast struct {
	UserID    string
	TopicID   string
	OptionKey string
	Day       string
}
