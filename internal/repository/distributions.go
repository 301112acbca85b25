package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/tanglemarket-system/internal/model"
)

const distributionColumns = `member_id, asset, owned, locked_for_sale, claimed, staked, unclaimed_airdrop, version`

func scanDistribution(row pgx.Row) (*model.Distribution, error) {
	var d model.Distribution
	err := row.Scan(&d.MemberID, &d.Asset, &d.Owned, &d.LockedForSale,
		&d.Claimed, &d.Staked, &d.UnclaimedAirdrop, &d.Version)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDistribution возвращает балансовую запись участника по активу.
// Отсутствующая запись трактуется как нулевой баланс.
func (r *PostgresRepository) GetDistribution(ctx context.Context, memberID int64, asset string) (*model.Distribution, error) {
	d, err := scanDistribution(r.pool.QueryRow(ctx,
		`SELECT `+distributionColumns+` FROM distributions WHERE member_id = $1 AND asset = $2`,
		memberID, asset,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.Distribution{MemberID: memberID, Asset: asset}, nil
		}
		return nil, fmt.Errorf("get distribution: %w", err)
	}
	return d, nil
}

// ListDistributionsByMember возвращает все балансовые записи участника.
func (r *PostgresRepository) ListDistributionsByMember(ctx context.Context, memberID int64) ([]model.Distribution, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+distributionColumns+` FROM distributions WHERE member_id = $1 ORDER BY asset`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("select distributions: %w", err)
	}
	defer rows.Close()

	var res []model.Distribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan distribution: %w", err)
		}
		res = append(res, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GrantAirdrop начисляет участнику нераспределённый аирдроп.
func (r *PostgresRepository) GrantAirdrop(ctx context.Context, memberID int64, asset string, amount int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO distributions (member_id, asset, unclaimed_airdrop)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (member_id, asset) DO UPDATE
		 SET unclaimed_airdrop = distributions.unclaimed_airdrop + $3,
		     version = distributions.version + 1`,
		memberID, asset, amount,
	)
	if err != nil {
		return fmt.Errorf("grant airdrop: %w", err)
	}
	return nil
}

// ClaimAirdrop переводит весь нераспределённый аирдроп участника во владение.
// Возвращает зачтённое количество; при нулевом остатке — ErrNothingToClaim.
func (r *PostgresRepository) ClaimAirdrop(ctx context.Context, memberID int64, asset string) (int64, error) {
	var claimed int64
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`UPDATE distributions
			 SET owned = owned + unclaimed_airdrop,
			     claimed = claimed + unclaimed_airdrop,
			     unclaimed_airdrop = 0,
			     version = version + 1
			 WHERE member_id = $1 AND asset = $2 AND unclaimed_airdrop > 0
			 RETURNING claimed`,
			memberID, asset,
		).Scan(&claimed)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNothingToClaim
			}
			return fmt.Errorf("claim airdrop: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return claimed, nil
}

// CreateStake создаёт стейк и увеличивает застейканный баланс участника
// в одной транзакции.
func (r *PostgresRepository) CreateStake(ctx context.Context, s *model.Stake) (*model.Stake, error) {
	var created model.Stake
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO stakes (member_id, asset, amount, created_on, expires_at)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id, member_id, asset, amount, created_on, expires_at`,
			s.MemberID, s.Asset, s.Amount, s.CreatedOn, s.ExpiresAt,
		).Scan(&created.ID, &created.MemberID, &created.Asset, &created.Amount,
			&created.CreatedOn, &created.ExpiresAt)
		if err != nil {
			return fmt.Errorf("insert stake: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO distributions (member_id, asset, staked)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (member_id, asset) DO UPDATE
			 SET staked = distributions.staked + $3, version = distributions.version + 1`,
			s.MemberID, s.Asset, s.Amount,
		)
		if err != nil {
			return fmt.Errorf("increase staked balance: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// ListActiveStakes возвращает стейки участника, действующие в момент now.
func (r *PostgresRepository) ListActiveStakes(ctx context.Context, memberID int64, now time.Time) ([]model.Stake, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, member_id, asset, amount, created_on, expires_at
		 FROM stakes
		 WHERE member_id = $1 AND created_on <= $2 AND expires_at > $2
		 ORDER BY created_on`,
		memberID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("select stakes: %w", err)
	}
	defer rows.Close()

	var res []model.Stake
	for rows.Next() {
		var s model.Stake
		if err := rows.Scan(&s.ID, &s.MemberID, &s.Asset, &s.Amount, &s.CreatedOn, &s.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan stake: %w", err)
		}
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
