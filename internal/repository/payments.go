package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/tanglemarket-system/internal/model"
)

// PaymentOutcome описывает результат классификации платежа, применяемый
// одной атомарной транзакцией: запись о платеже, условное изменение ордера
// и постановка возврата в очередь происходят вместе или не происходят вовсе.
type PaymentOutcome struct {
	Payment model.IncomingPayment
	// Order — сопоставленный ордер с ожидаемой версией; nil для несопоставленных платежей.
	Order *model.Order
	// NewOrderStatus и NewFundedAmount применяются к ордеру при совпадении версии.
	NewOrderStatus  model.OrderStatus
	NewFundedAmount int64
	// Credit ставится в очередь возвратов в той же транзакции; nil, если возврат не нужен.
	Credit *model.Credit
}

// ApplyPaymentOutcome атомарно фиксирует обработку платежа.
// Повторная доставка уже обработанного tx_id возвращает ErrPaymentProcessed.
// Несовпадение версии ордера (параллельный платёж на тот же ордер)
// откатывает всю транзакцию и возвращает ErrConflict.
func (r *PostgresRepository) ApplyPaymentOutcome(ctx context.Context, out PaymentOutcome) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		p := out.Payment

		orderID := p.OrderID
		if out.Order != nil {
			orderID = &out.Order.ID
		}

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO incoming_payments
				(tx_id, to_address, from_address, amount, asset, confirmed_at,
				 processed, order_id, applied_amount, credited_amount)
			 VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8, $9)
			 ON CONFLICT (tx_id) DO NOTHING`,
			p.TxID, p.ToAddress, p.FromAddress, p.Amount, p.Asset, p.ConfirmedAt,
			orderID, p.AppliedAmount, p.CreditedAmount,
		)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrPaymentProcessed
		}

		if out.Order != nil {
			cmdTag, err = tx.Exec(ctx,
				`UPDATE orders
				 SET status = $3, funded_amount = $4, refund_address = $5, version = version + 1
				 WHERE id = $1 AND version = $2`,
				out.Order.ID, out.Order.Version, string(out.NewOrderStatus),
				out.NewFundedAmount, p.FromAddress,
			)
			if err != nil {
				return fmt.Errorf("update order: %w", err)
			}
			if cmdTag.RowsAffected() == 0 {
				return ErrConflict
			}
		}

		if out.Credit != nil {
			c := out.Credit
			_, err = tx.Exec(ctx,
				`INSERT INTO credits (member_id, to_address, amount, asset, reason, source_tx_id)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				c.MemberID, c.ToAddress, c.Amount, c.Asset, string(c.Reason), c.SourceTxID,
			)
			if err != nil {
				return fmt.Errorf("enqueue credit: %w", err)
			}
		}

		return nil
	})
}

// GetPayment возвращает запись о платеже по идентификатору транзакции.
func (r *PostgresRepository) GetPayment(ctx context.Context, txID string) (*model.IncomingPayment, error) {
	var p model.IncomingPayment
	err := r.pool.QueryRow(ctx,
		`SELECT tx_id, to_address, from_address, amount, asset, confirmed_at,
			processed, order_id, applied_amount, credited_amount
		 FROM incoming_payments WHERE tx_id = $1`,
		txID,
	).Scan(&p.TxID, &p.ToAddress, &p.FromAddress, &p.Amount, &p.Asset, &p.ConfirmedAt,
		&p.Processed, &p.OrderID, &p.AppliedAmount, &p.CreditedAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment %s: %w", txID, pgx.ErrNoRows)
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &p, nil
}
