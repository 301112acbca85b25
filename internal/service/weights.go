package service

import (
	"context"
	"time"

	"github.com/mmeshcher/tanglemarket-system/internal/model"
)

// decayedWeight возвращает вклад источника веса: номинал, линейно
// уменьшенный пропорционально пересечению интервала действия источника
// с окном голосования. Источник, покрывающий окно целиком, даёт полный вес.
func decayedWeight(amount int64, sourceStart, sourceEnd, windowStart, windowEnd time.Time) int64 {
	if amount <= 0 || !windowEnd.After(windowStart) {
		return 0
	}

	start := sourceStart
	if windowStart.After(start) {
		start = windowStart
	}
	end := sourceEnd
	if windowEnd.Before(end) {
		end = windowEnd
	}
	if !end.After(start) {
		return 0
	}

	overlap := end.Sub(start)
	window := windowEnd.Sub(windowStart)
	if overlap >= window {
		return amount
	}

	return amount * int64(overlap) / int64(window)
}

// VoteWeight вычисляет вес участника в голосовании на момент now:
// прямой баланс токена даёт полный вес, каждый активный стейк — вес
// с линейным затуханием по пересечению с окном голосования.
func (s *Service) VoteWeight(ctx context.Context, memberID int64, proposal *model.Proposal, now time.Time) (int64, error) {
	var weight int64

	d, err := s.repo.GetDistribution(ctx, memberID, proposal.Asset)
	if err != nil {
		return 0, err
	}
	// Прямой баланс действует на всём окне голосования.
	weight += decayedWeight(d.Owned, proposal.WindowStart, proposal.WindowEnd,
		proposal.WindowStart, proposal.WindowEnd)

	stakes, err := s.repo.ListActiveStakes(ctx, memberID, now)
	if err != nil {
		return 0, err
	}
	for _, st := range stakes {
		if st.Asset != proposal.Asset {
			continue
		}
		weight += decayedWeight(st.Amount, st.CreatedOn, st.ExpiresAt,
			proposal.WindowStart, proposal.WindowEnd)
	}

	return weight, nil
}

// CastVote записывает голос участника с весом, вычисленным заново:
// повторный голос замещает прежний, вес одного источника не удваивается.
func (s *Service) CastVote(ctx context.Context, memberID, proposalID int64, answer string, now time.Time) error {
	proposal, err := s.repo.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}

	if now.Before(proposal.WindowStart) || !now.Before(proposal.WindowEnd) {
		return ErrVoteWindowClosed
	}

	weight, err := s.VoteWeight(ctx, memberID, proposal, now)
	if err != nil {
		return err
	}

	return s.repo.UpsertVote(ctx, &model.Vote{
		ProposalID: proposalID,
		MemberID:   memberID,
		Answer:     answer,
		Weight:     weight,
		CastAt:     now,
	})
}

// ProposalResults возвращает голосование и все поданные голоса.
func (s *Service) ProposalResults(ctx context.Context, proposalID int64) (*model.Proposal, []model.Vote, error) {
	proposal, err := s.repo.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}

	votes, err := s.repo.ListVotes(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}

	return proposal, votes, nil
}
