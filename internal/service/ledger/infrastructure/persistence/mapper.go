package persistence

import (
	"tokenvote/internal/service/ledger/domain"
)

func toDomainAccount(m *AccountModel) *domain.Account {
	if m == nil {
		return nil
	}
	return &domain.Account{
		UserID:       m.UserID,
		TokenBalance: m.TokenBalance,
		Status:       domain.AccountStatus(m.Status),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func toDomainTransaction(m *TransactionModel) *domain.Transaction {
	if m == nil {
		return nil
	}
	tx := &domain.Transaction{
		ID:           m.ID,
		UserID:       m.UserID,
		Amount:       m.Amount,
		Kind:         domain.TxKind(m.Kind),
		ReferenceID:  m.ReferenceID,
		BalanceAfter: m.BalanceAfter,
		CreatedAt:    m.CreatedAt,
	}
	if m.IdempotencyKey != nil {
		tx.IdempotencyKey = *m.IdempotencyKey
	}
	return tx
}

func toDomainTopic(m *TopicModel) *domain.Topic {
	if m == nil {
		return nil
	}
	t := &domain.Topic{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Title:     m.Title,
		Status:    domain.TopicStatus(m.Status),
		VoteCount: m.VoteCount,
		EndsAt:    m.EndsAt,
		CreatedAt: m.CreatedAt,
		Options:   make([]domain.TopicOption, 0, len(m.Options)),
	}
	for _, o := range m.Options {
		t.Options = append(t.Options, domain.TopicOption{
			Key:        o.OptionKey,
			Label:      o.Label,
			VoteCount:  o.VoteCount,
			TokenTotal: o.TokenTotal,
		})
	}
	return t
}

func toTopicModel(t *domain.Topic) *TopicModel {
	m := &TopicModel{
		ID:        t.ID,
		OwnerID:   t.OwnerID,
		Title:     t.Title,
		Status:    string(t.Status),
		VoteCount: t.VoteCount,
		EndsAt:    t.EndsAt,
	}
	for i, o := range t.Options {
		m.Options = append(m.Options, TopicOptionModel{
			TopicID:   t.ID,
			OptionKey: o.Key,
			Label:     o.Label,
			Position:  i,
		})
	}
	return m
}

func toDomainVote(m *VoteModel) *domain.Vote {
	if m == nil {
		return nil
	}
	return &domain.Vote{
		UserID:    m.UserID,
		TopicID:   m.TopicID,
		OptionKey: m.OptionKey,
		Amount:    m.Amount,
		UpdatedAt: m.UpdatedAt,
	}
}

func toDomainExposure(m *ExposureStateModel) *domain.ExposureState {
	if m == nil {
		return nil
	}
	return &domain.ExposureState{
		TopicID:   m.TopicID,
		Level:     domain.ExposureLevel(m.Level),
		ExpiresAt: m.ExpiresAt,
		Version:   m.Version,
		ChangedAt: m.ChangedAt,
	}
}

func toDomainMission(m *MissionModel) *domain.Mission {
	if m == nil {
		return nil
	}
	return &domain.Mission{
		ID:          m.ID,
		Title:       m.Title,
		Reward:      m.Reward,
		LimitPerDay: m.LimitPerDay,
		Active:      m.Active,
	}
}

func toDomainMissionProgress(m *MissionProgressModel) *domain.MissionProgress {
	if m == nil {
		return nil
	}
	return &domain.MissionProgress{
		UserID:            m.UserID,
		MissionID:         m.MissionID,
		Completed:         m.Completed,
		LastCompletedDate: m.LastCompletedDate,
		Progress:          m.Progress,
	}
}

func toDomainLoginStreak(m *LoginStreakModel) *domain.LoginStreak {
	if m == nil {
		return nil
	}
	return &domain.LoginStreak{
		UserID:        m.UserID,
		CurrentStreak: m.CurrentStreak,
		TotalDays:     m.TotalDays,
		LastClaimDate: m.LastClaimDate,
	}
}

func toDomainRestriction(m *UserRestrictionModel) *domain.Restriction {
	if m == nil {
		return nil
	}
	return &domain.Restriction{
		UserID: m.UserID,
		Action: domain.Action(m.Action),
		Reason: m.Reason,
		Until:  m.Until,
	}
}
