package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/tanglemarket-system/internal/model"
)

// CreateProposal сохраняет новое голосование.
func (r *PostgresRepository) CreateProposal(ctx context.Context, p *model.Proposal) (*model.Proposal, error) {
	var created model.Proposal
	err := r.pool.QueryRow(ctx,
		`INSERT INTO proposals (name, asset, window_start, window_end, total_weight)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, name, asset, window_start, window_end, total_weight, voted_weight`,
		p.Name, p.Asset, p.WindowStart, p.WindowEnd, p.TotalWeight,
	).Scan(&created.ID, &created.Name, &created.Asset, &created.WindowStart, &created.WindowEnd,
		&created.TotalWeight, &created.VotedWeight)
	if err != nil {
		return nil, fmt.Errorf("insert proposal: %w", err)
	}
	return &created, nil
}

// GetProposal возвращает голосование по идентификатору.
func (r *PostgresRepository) GetProposal(ctx context.Context, id int64) (*model.Proposal, error) {
	var p model.Proposal
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, asset, window_start, window_end, total_weight, voted_weight
		 FROM proposals WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Asset, &p.WindowStart, &p.WindowEnd, &p.TotalWeight, &p.VotedWeight)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProposalNotFound
		}
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return &p, nil
}

// UpsertVote записывает голос участника, замещая его предыдущий голос.
// Строка голосования блокируется, поэтому параллельные голоса одной пары
// участник-голосование сериализуются и вес не удваивается.
func (r *PostgresRepository) UpsertVote(ctx context.Context, v *model.Vote) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var dummy int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM proposals WHERE id = $1 FOR UPDATE`, v.ProposalID,
		).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrProposalNotFound
			}
			return fmt.Errorf("lock proposal: %w", err)
		}

		var prevWeight int64
		err = tx.QueryRow(ctx,
			`SELECT weight FROM votes WHERE proposal_id = $1 AND member_id = $2`,
			v.ProposalID, v.MemberID,
		).Scan(&prevWeight)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("select previous vote: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO votes (proposal_id, member_id, answer, weight, cast_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (proposal_id, member_id) DO UPDATE
			 SET answer = $3, weight = $4, cast_at = $5`,
			v.ProposalID, v.MemberID, v.Answer, v.Weight, v.CastAt,
		)
		if err != nil {
			return fmt.Errorf("upsert vote: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE proposals SET voted_weight = voted_weight + $2 - $3 WHERE id = $1`,
			v.ProposalID, v.Weight, prevWeight,
		)
		if err != nil {
			return fmt.Errorf("update voted weight: %w", err)
		}

		return nil
	})
}

// ListVotes возвращает все голоса по голосованию.
func (r *PostgresRepository) ListVotes(ctx context.Context, proposalID int64) ([]model.Vote, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT proposal_id, member_id, answer, weight, cast_at
		 FROM votes WHERE proposal_id = $1 ORDER BY cast_at`,
		proposalID,
	)
	if err != nil {
		return nil, fmt.Errorf("select votes: %w", err)
	}
	defer rows.Close()

	var res []model.Vote
	for rows.Next() {
		var v model.Vote
		if err := rows.Scan(&v.ProposalID, &v.MemberID, &v.Answer, &v.Weight, &v.CastAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		res = append(res, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
