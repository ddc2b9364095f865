package port

// StreakRewardRule 根据连续签到天数计算奖励
type StreakRewardRule interface {
	Reward(streak int) (int64, error)
}
