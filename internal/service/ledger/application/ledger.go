package application

// Ledger 把各应用服务按同一份依赖和参数装配起来，供 HTTP 服务和 worker 共用
type Ledger struct {
	Gate          *EligibilityGate
	Compensations *CompensationRunner
	DualPath      *DualPathExecutor
	Throttler     *Throttler

	Votes    *VoteService
	Exposure *ExposureService
	Topics   *TopicService
	Rewards  *RewardService
	Accounts *AccountService
}

func NewLedger(d Deps, policy Policy) *Ledger {
	gate := NewEligibilityGate(d, policy)
	runner := NewCompensationRunner(d.Accounts, d.Compensations, policy.Compensation, d.Tracer)
	dual := NewDualPathExecutor(d.Accounts, policy.DualPath, d.Tracer)

	return &Ledger{
		Gate:          gate,
		Compensations: runner,
		DualPath:      dual,
		Throttler:     NewThrottler(d.Counters, policy.Throttle),
		Votes:         NewVoteService(d, gate, runner, policy),
		Exposure:      NewExposureService(d, gate, runner, policy),
		Topics:        NewTopicService(d, gate, runner, policy),
		Rewards:       NewRewardService(d, gate, dual, policy),
		Accounts:      NewAccountService(d),
	}
}
