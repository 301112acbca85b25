package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/tanglemarket-system/internal/model"
)

const tradeOrderColumns = `id, owner_id, asset, side, price, count, filled_count, status, version, created_at`

func scanTradeOrder(row pgx.Row) (*model.TradeOrder, error) {
	var t model.TradeOrder
	err := row.Scan(&t.ID, &t.OwnerID, &t.Asset, &t.Side, &t.Price, &t.Count,
		&t.FilledCount, &t.Status, &t.Version, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// PlaceTradeOrder сохраняет новую торговую заявку.
// Для SELL-заявки токены, поступившие депозитом, зачисляются во владение
// продавца и сразу блокируются под продажу в той же транзакции.
func (r *PostgresRepository) PlaceTradeOrder(ctx context.Context, t *model.TradeOrder) (*model.TradeOrder, error) {
	var placed *model.TradeOrder
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO trade_orders (owner_id, asset, side, price, count, status)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING `+tradeOrderColumns,
			t.OwnerID, t.Asset, string(t.Side), t.Price, t.Count, string(model.TradeOrderStatusActive),
		)
		inserted, err := scanTradeOrder(row)
		if err != nil {
			return fmt.Errorf("insert trade order: %w", err)
		}

		if t.Side == model.TradeSideSell {
			_, err = tx.Exec(ctx,
				`INSERT INTO distributions (member_id, asset, owned, locked_for_sale)
				 VALUES ($1, $2, $3, $3)
				 ON CONFLICT (member_id, asset) DO UPDATE
				 SET owned = distributions.owned + $3,
				     locked_for_sale = distributions.locked_for_sale + $3,
				     version = distributions.version + 1`,
				t.OwnerID, t.Asset, t.Count,
			)
			if err != nil {
				return fmt.Errorf("lock tokens for sale: %w", err)
			}
		}

		placed = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

// GetTradeOrder возвращает торговую заявку по идентификатору.
func (r *PostgresRepository) GetTradeOrder(ctx context.Context, id int64) (*model.TradeOrder, error) {
	t, err := scanTradeOrder(r.pool.QueryRow(ctx,
		`SELECT `+tradeOrderColumns+` FROM trade_orders WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTradeOrderNotFound
		}
		return nil, fmt.Errorf("get trade order: %w", err)
	}
	return t, nil
}

// ListTradeOrdersByOwner возвращает торговые заявки участника, новые первыми.
func (r *PostgresRepository) ListTradeOrdersByOwner(ctx context.Context, ownerID int64) ([]model.TradeOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+tradeOrderColumns+` FROM trade_orders
		 WHERE owner_id = $1 ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select trade orders: %w", err)
	}
	defer rows.Close()

	var res []model.TradeOrder
	for rows.Next() {
		t, err := scanTradeOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade order: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListOpenCounterOrders возвращает встречные заявки для новой заявки taker
// в порядке строгого приоритета цена-время: для покупки — продажи по цене
// не выше лимита, дешёвые первыми; для продажи — покупки по цене не ниже
// лимита, дорогие первыми. Равные цены упорядочены по времени создания.
func (r *PostgresRepository) ListOpenCounterOrders(ctx context.Context, taker *model.TradeOrder, limit int) ([]model.TradeOrder, error) {
	var query string
	if taker.Side == model.TradeSideBuy {
		query = `SELECT ` + tradeOrderColumns + ` FROM trade_orders
			 WHERE asset = $1 AND side = 'SELL' AND status IN ('ACTIVE', 'PARTIALLY_FILLED')
			   AND price <= $2
			 ORDER BY price ASC, created_at ASC, id ASC
			 LIMIT $3`
	} else {
		query = `SELECT ` + tradeOrderColumns + ` FROM trade_orders
			 WHERE asset = $1 AND side = 'BUY' AND status IN ('ACTIVE', 'PARTIALLY_FILLED')
			   AND price >= $2
			 ORDER BY price DESC, created_at ASC, id ASC
			 LIMIT $3`
	}

	rows, err := r.pool.Query(ctx, query, taker.Asset, taker.Price, limit)
	if err != nil {
		return nil, fmt.Errorf("select counter orders: %w", err)
	}
	defer rows.Close()

	var res []model.TradeOrder
	for rows.Next() {
		t, err := scanTradeOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan counter order: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func fillStatus(filled, count int64) string {
	if filled == count {
		return string(model.TradeOrderStatusFilled)
	}
	return string(model.TradeOrderStatusPartiallyFilled)
}

// ApplyFill атомарно исполняет сопоставление taker и maker на count токенов
// по цене maker: обе заявки получают прирост filled_count под контролем версий,
// токены переходят из блокировки продавца во владение покупателя, продавцу
// ставится в очередь выплата, а покупателю-тейкеру — возврат ценовой разницы.
// Параллельное изменение любой из заявок возвращает ErrConflict.
func (r *PostgresRepository) ApplyFill(ctx context.Context, taker, maker *model.TradeOrder, count int64) error {
	buy, sell := taker, maker
	if taker.Side == model.TradeSideSell {
		buy, sell = maker, taker
	}
	price := maker.Price

	return r.inTx(ctx, func(tx pgx.Tx) error {
		for _, t := range []*model.TradeOrder{taker, maker} {
			cmdTag, err := tx.Exec(ctx,
				`UPDATE trade_orders
				 SET filled_count = filled_count + $3,
				     status = CASE WHEN filled_count + $3 = count THEN 'FILLED'
				                   ELSE 'PARTIALLY_FILLED' END,
				     version = version + 1
				 WHERE id = $1 AND version = $2 AND count - filled_count >= $3
				   AND status IN ('ACTIVE', 'PARTIALLY_FILLED')`,
				t.ID, t.Version, count,
			)
			if err != nil {
				return fmt.Errorf("fill trade order %d: %w", t.ID, err)
			}
			if cmdTag.RowsAffected() == 0 {
				return ErrConflict
			}
		}

		cmdTag, err := tx.Exec(ctx,
			`UPDATE distributions
			 SET owned = owned - $3, locked_for_sale = locked_for_sale - $3,
			     version = version + 1
			 WHERE member_id = $1 AND asset = $2 AND locked_for_sale >= $3`,
			sell.OwnerID, sell.Asset, count,
		)
		if err != nil {
			return fmt.Errorf("release seller tokens: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrConflict
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO distributions (member_id, asset, owned)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (member_id, asset) DO UPDATE
			 SET owned = distributions.owned + $3, version = distributions.version + 1`,
			buy.OwnerID, buy.Asset, count,
		)
		if err != nil {
			return fmt.Errorf("credit buyer tokens: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO fills (buy_order_id, sell_order_id, asset, price, count)
			 VALUES ($1, $2, $3, $4, $5)`,
			buy.ID, sell.ID, sell.Asset, price, count,
		)
		if err != nil {
			return fmt.Errorf("insert fill: %w", err)
		}

		// Выплата продавцу в базовой валюте.
		_, err = tx.Exec(ctx,
			`INSERT INTO credits (member_id, amount, asset, reason)
			 VALUES ($1, $2, $3, $4)`,
			sell.OwnerID, price*count, model.BaseAsset, string(model.CreditReasonTradeSettlement),
		)
		if err != nil {
			return fmt.Errorf("enqueue settlement: %w", err)
		}

		// Тейкер-покупатель оплатил по своему лимиту; разница с ценой
		// исполнения возвращается.
		if taker.Side == model.TradeSideBuy && taker.Price > price {
			_, err = tx.Exec(ctx,
				`INSERT INTO credits (member_id, amount, asset, reason)
				 VALUES ($1, $2, $3, $4)`,
				buy.OwnerID, (taker.Price-price)*count, model.BaseAsset, string(model.CreditReasonExcess),
			)
			if err != nil {
				return fmt.Errorf("enqueue price difference refund: %w", err)
			}
		}

		return nil
	})
}

// CancelTradeOrder отменяет торговую заявку владельца.
// Освобождается только неисполненный остаток: для продажи снимается блокировка
// токенов, для покупки ставится в очередь возврат неизрасходованного депозита.
func (r *PostgresRepository) CancelTradeOrder(ctx context.Context, orderID, ownerID int64) (*model.TradeOrder, error) {
	var cancelled *model.TradeOrder
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		t, err := scanTradeOrder(tx.QueryRow(ctx,
			`SELECT `+tradeOrderColumns+` FROM trade_orders WHERE id = $1 FOR UPDATE`,
			orderID,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTradeOrderNotFound
			}
			return fmt.Errorf("lock trade order: %w", err)
		}

		if t.OwnerID != ownerID {
			return ErrNotOwner
		}
		if t.Status.Terminal() {
			return ErrAlreadyTerminal
		}

		remaining := t.Remaining()

		_, err = tx.Exec(ctx,
			`UPDATE trade_orders SET status = $2, version = version + 1 WHERE id = $1`,
			t.ID, string(model.TradeOrderStatusCancelled),
		)
		if err != nil {
			return fmt.Errorf("cancel trade order: %w", err)
		}

		if remaining > 0 {
			switch t.Side {
			case model.TradeSideSell:
				cmdTag, err := tx.Exec(ctx,
					`UPDATE distributions
					 SET locked_for_sale = locked_for_sale - $3, version = version + 1
					 WHERE member_id = $1 AND asset = $2 AND locked_for_sale >= $3`,
					t.OwnerID, t.Asset, remaining,
				)
				if err != nil {
					return fmt.Errorf("release sale lock: %w", err)
				}
				if cmdTag.RowsAffected() == 0 {
					return ErrConflict
				}
			case model.TradeSideBuy:
				_, err = tx.Exec(ctx,
					`INSERT INTO credits (member_id, amount, asset, reason)
					 VALUES ($1, $2, $3, $4)`,
					t.OwnerID, t.Price*remaining, model.BaseAsset, string(model.CreditReasonTradeCancelled),
				)
				if err != nil {
					return fmt.Errorf("enqueue cancel refund: %w", err)
				}
			}
		}

		t.Status = model.TradeOrderStatusCancelled
		t.Version++
		cancelled = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}
