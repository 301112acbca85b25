package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/tanglemarket-system/internal/model"
)

const orderColumns = `id, owner_id, deposit_address, expected_asset, expected_amount,
	cap_amount, funded_amount, refund_address, payload, response, status, dispatched,
	version, created_at, expires_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o            model.Order
		refundAddr   string
		payloadJSON  []byte
		responseJSON []byte
	)
	err := row.Scan(&o.ID, &o.OwnerID, &o.DepositAddress, &o.ExpectedAsset,
		&o.ExpectedAmount, &o.CapAmount, &o.FundedAmount, &refundAddr,
		&payloadJSON, &responseJSON, &o.Status, &o.Dispatched, &o.Version,
		&o.CreatedAt, &o.ExpiresAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payloadJSON, &o.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if responseJSON != nil {
		var resp model.OrderResponse
		if err := json.Unmarshal(responseJSON, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		o.Response = &resp
	}
	o.RefundAddress = refundAddr

	return &o, nil
}

// CreateOrder сохраняет новый ордер. Если по тому же ключу намерения уже существует
// незавершённый ордер, возвращает его и признак created=false.
// Коллизия депозитного адреса возвращает ErrDuplicateAddress.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order, intentKey string) (*model.Order, bool, error) {
	payloadJSON, err := json.Marshal(o.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}

	var (
		result  *model.Order
		created bool
	)
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := scanOrder(tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders
			 WHERE intent_key = $1 AND status IN ($2, $3) AND expires_at > now()`,
			intentKey, string(model.OrderStatusPending), string(model.OrderStatusPartiallyFunded),
		))
		if err == nil {
			result = existing
			created = false
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("select order by intent: %w", err)
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO orders (owner_id, deposit_address, intent_key, expected_asset,
				expected_amount, cap_amount, payload, status, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING `+orderColumns,
			o.OwnerID, o.DepositAddress, intentKey, o.ExpectedAsset,
			o.ExpectedAmount, o.CapAmount, payloadJSON, string(model.OrderStatusPending), o.ExpiresAt,
		)
		inserted, err := scanOrder(row)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateAddress
			}
			return fmt.Errorf("insert order: %w", err)
		}

		result = inserted
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return result, created, nil
}

// MarkOrderDispatched фиксирует выполнение бизнес-действия исполненного ордера.
// Пока отметка не выставлена, повторная доставка платежа повторяет действие.
func (r *PostgresRepository) MarkOrderDispatched(ctx context.Context, orderID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET dispatched = TRUE WHERE id = $1`, orderID,
	)
	if err != nil {
		return fmt.Errorf("mark order dispatched: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// GetOrderByID возвращает ордер по идентификатору.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, id int64) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// GetOrderByDepositAddress возвращает ордер, владеющий депозитным адресом.
func (r *PostgresRepository) GetOrderByDepositAddress(ctx context.Context, address string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE deposit_address = $1`, address,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by address: %w", err)
	}
	return o, nil
}

// GetOrdersByOwner возвращает ордера участника, новые первыми.
func (r *PostgresRepository) GetOrdersByOwner(ctx context.Context, ownerID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE owner_id = $1 ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// SetOrderResponse записывает бизнес-результат обработки ордера.
func (r *PostgresRepository) SetOrderResponse(ctx context.Context, orderID int64, resp model.OrderResponse) error {
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET response = $2, version = version + 1 WHERE id = $1`,
		orderID, respJSON,
	)
	if err != nil {
		return fmt.Errorf("set order response: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ExpireStaleOrders переводит ожидающие ордера с истёкшим сроком в статус EXPIRED.
// Возвращает количество затронутых ордеров.
func (r *PostgresRepository) ExpireStaleOrders(ctx context.Context, now time.Time) (int64, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE orders SET status = $1, version = version + 1
			 WHERE status = $2 AND expires_at <= $3`,
			string(model.OrderStatusExpired), string(model.OrderStatusPending), now,
		)
		if err != nil {
			return fmt.Errorf("expire orders: %w", err)
		}
		affected = cmdTag.RowsAffected()
		return nil
	})
	return affected, err
}

// ReconcilePartiallyFundedOrders закрывает частично профинансированные ордера
// с истёкшим сроком и ставит возврат накопленной суммы в очередь.
// Возвращает количество закрытых ордеров.
func (r *PostgresRepository) ReconcilePartiallyFundedOrders(ctx context.Context, now time.Time) (int64, error) {
	var reconciled int64
	err := r.withRetry(ctx, func() error {
		reconciled = 0
		return r.inTx(ctx, func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx,
				`SELECT id, owner_id, expected_asset, funded_amount, refund_address
				 FROM orders
				 WHERE status = $1 AND expires_at <= $2
				 FOR UPDATE`,
				string(model.OrderStatusPartiallyFunded), now,
			)
			if err != nil {
				return fmt.Errorf("select stale partially funded: %w", err)
			}

			type staleOrder struct {
				id         int64
				ownerID    int64
				asset      string
				funded     int64
				refundAddr string
			}
			var stale []staleOrder
			for rows.Next() {
				var s staleOrder
				if err := rows.Scan(&s.id, &s.ownerID, &s.asset, &s.funded, &s.refundAddr); err != nil {
					rows.Close()
					return fmt.Errorf("scan stale order: %w", err)
				}
				stale = append(stale, s)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return fmt.Errorf("rows error: %w", err)
			}

			for _, s := range stale {
				if s.funded > 0 {
					_, err = tx.Exec(ctx,
						`INSERT INTO credits (member_id, to_address, amount, asset, reason)
						 VALUES ($1, $2, $3, $4, $5)`,
						s.ownerID, s.refundAddr, s.funded, s.asset, string(model.CreditReasonExpiredOrder),
					)
					if err != nil {
						return fmt.Errorf("enqueue reconcile credit: %w", err)
					}
				}

				_, err = tx.Exec(ctx,
					`UPDATE orders SET status = $2, version = version + 1 WHERE id = $1`,
					s.id, string(model.OrderStatusExpired),
				)
				if err != nil {
					return fmt.Errorf("expire partially funded order: %w", err)
				}
				reconciled++
			}

			return nil
		})
	})
	return reconciled, err
}
