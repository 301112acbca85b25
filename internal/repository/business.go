package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/tanglemarket-system/internal/model"
)

// CreateNft регистрирует NFT, выставленный на продажу.
func (r *PostgresRepository) CreateNft(ctx context.Context, id, collectionID string, price int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO nfts (id, collection_id, price) VALUES ($1, $2, $3)`,
		id, collectionID, price,
	)
	if err != nil {
		return fmt.Errorf("create nft: %w", err)
	}
	return nil
}

// TransferNft передаёт NFT покупателю при условии, что он ещё не продан.
// Повторная покупка возвращает ErrNftUnavailable.
func (r *PostgresRepository) TransferNft(ctx context.Context, nftID string, buyerID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE nfts SET owner_id = $2, sold = TRUE WHERE id = $1 AND sold = FALSE`,
		nftID, buyerID,
	)
	if err != nil {
		return fmt.Errorf("transfer nft: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNftUnavailable
	}
	return nil
}

// CreateAuction регистрирует аукцион.
func (r *PostgresRepository) CreateAuction(ctx context.Context, id string, endsAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO auctions (id, ends_at) VALUES ($1, $2)`,
		id, endsAt,
	)
	if err != nil {
		return fmt.Errorf("create auction: %w", err)
	}
	return nil
}

// PlaceAuctionBid регистрирует ставку участника. Предыдущая максимальная
// ставка возвращается прежнему лидеру компенсирующим переводом в той же
// транзакции. Ставка не выше текущей возвращает ErrBidTooLow.
func (r *PostgresRepository) PlaceAuctionBid(ctx context.Context, auctionID string, bidderID, amount int64, now time.Time) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var (
			endsAt     time.Time
			highestBid int64
			highestBy  *int64
		)
		err := tx.QueryRow(ctx,
			`SELECT ends_at, highest_bid, highest_bidder FROM auctions WHERE id = $1 FOR UPDATE`,
			auctionID,
		).Scan(&endsAt, &highestBid, &highestBy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAuctionClosed
			}
			return fmt.Errorf("lock auction: %w", err)
		}

		if !now.Before(endsAt) {
			return ErrAuctionClosed
		}
		if amount <= highestBid {
			return ErrBidTooLow
		}

		if highestBy != nil && highestBid > 0 {
			_, err = tx.Exec(ctx,
				`INSERT INTO credits (member_id, amount, asset, reason)
				 VALUES ($1, $2, $3, $4)`,
				*highestBy, highestBid, model.BaseAsset, string(model.CreditReasonAuctionOutbid),
			)
			if err != nil {
				return fmt.Errorf("enqueue outbid refund: %w", err)
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE auctions
			 SET highest_bid = $2, highest_bidder = $3, version = version + 1
			 WHERE id = $1`,
			auctionID, amount, bidderID,
		)
		if err != nil {
			return fmt.Errorf("update auction: %w", err)
		}

		return nil
	})
}

// CreateAward регистрирует награду с целевой суммой финансирования.
func (r *PostgresRepository) CreateAward(ctx context.Context, id string, target int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO awards (id, target) VALUES ($1, $2)`,
		id, target,
	)
	if err != nil {
		return fmt.Errorf("create award: %w", err)
	}
	return nil
}

// FundAward увеличивает финансирование награды, не превышая целевую сумму.
// Возвращает применённую часть; полностью профинансированная награда
// возвращает ErrAwardFunded.
func (r *PostgresRepository) FundAward(ctx context.Context, awardID string, amount int64) (int64, error) {
	var applied int64
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var target, funded int64
		err := tx.QueryRow(ctx,
			`SELECT target, funded FROM awards WHERE id = $1 FOR UPDATE`,
			awardID,
		).Scan(&target, &funded)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAwardNotFound
			}
			return fmt.Errorf("lock award: %w", err)
		}

		if funded >= target {
			return ErrAwardFunded
		}

		applied = amount
		if funded+applied > target {
			applied = target - funded
		}

		_, err = tx.Exec(ctx,
			`UPDATE awards SET funded = funded + $2 WHERE id = $1`,
			awardID, applied,
		)
		if err != nil {
			return fmt.Errorf("fund award: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}
