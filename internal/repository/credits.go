package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/tanglemarket-system/internal/model"
)

const creditColumns = `id, member_id, to_address, amount, asset, reason, source_tx_id,
	status, attempts, chain_tx_id, created_at, updated_at`

func scanCredit(row pgx.Row) (*model.Credit, error) {
	var c model.Credit
	err := row.Scan(&c.ID, &c.MemberID, &c.ToAddress, &c.Amount, &c.Asset, &c.Reason,
		&c.SourceTxID, &c.Status, &c.Attempts, &c.ChainTxID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// EnqueueCredit ставит компенсирующий перевод в очередь на отправку.
func (r *PostgresRepository) EnqueueCredit(ctx context.Context, c *model.Credit) (*model.Credit, error) {
	created, err := scanCredit(r.pool.QueryRow(ctx,
		`INSERT INTO credits (member_id, to_address, amount, asset, reason, source_tx_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+creditColumns,
		c.MemberID, c.ToAddress, c.Amount, c.Asset, string(c.Reason), c.SourceTxID,
	))
	if err != nil {
		return nil, fmt.Errorf("enqueue credit: %w", err)
	}
	return created, nil
}

// ListCreditsForProcessing возвращает переводы, требующие действий воркера:
// ожидающие отправки и отправленные, но ещё не подтверждённые.
func (r *PostgresRepository) ListCreditsForProcessing(ctx context.Context, limit int) ([]model.Credit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+creditColumns+` FROM credits
		 WHERE status IN ($1, $2)
		 ORDER BY updated_at
		 LIMIT $3`,
		string(model.CreditStatusPending), string(model.CreditStatusSubmitted), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select credits: %w", err)
	}
	defer rows.Close()

	var res []model.Credit
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit: %w", err)
		}
		res = append(res, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListCreditsByMember возвращает компенсирующие переводы участника.
func (r *PostgresRepository) ListCreditsByMember(ctx context.Context, memberID int64) ([]model.Credit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+creditColumns+` FROM credits
		 WHERE member_id = $1 ORDER BY created_at DESC`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("select member credits: %w", err)
	}
	defer rows.Close()

	var res []model.Credit
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit: %w", err)
		}
		res = append(res, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkCreditSubmitted фиксирует отправку перевода в сеть.
func (r *PostgresRepository) MarkCreditSubmitted(ctx context.Context, id int64, chainTxID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE credits
		 SET status = $2, chain_tx_id = $3, attempts = attempts + 1, updated_at = now()
		 WHERE id = $1`,
		id, string(model.CreditStatusSubmitted), chainTxID,
	)
	if err != nil {
		return fmt.Errorf("mark credit submitted: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCreditNotFound
	}
	return nil
}

// MarkCreditFailed возвращает перевод в очередь после неудачной отправки.
func (r *PostgresRepository) MarkCreditFailed(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE credits
		 SET status = $2, attempts = attempts + 1, updated_at = now()
		 WHERE id = $1`,
		id, string(model.CreditStatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark credit failed: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCreditNotFound
	}
	return nil
}

// MarkCreditConfirmed фиксирует подтверждение перевода сетью.
func (r *PostgresRepository) MarkCreditConfirmed(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE credits SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(model.CreditStatusConfirmed),
	)
	if err != nil {
		return fmt.Errorf("mark credit confirmed: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCreditNotFound
	}
	return nil
}

// MarkCreditUnrefundable переводит перевод в терминальное состояние,
// требующее ручной разблокировки.
func (r *PostgresRepository) MarkCreditUnrefundable(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE credits SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(model.CreditStatusUnrefundable),
	)
	if err != nil {
		return fmt.Errorf("mark credit unrefundable: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCreditNotFound
	}
	return nil
}

// UnlockUnrefundableCredit возвращает перевод из терминального состояния
// обратно в очередь с обнулённым счётчиком попыток.
func (r *PostgresRepository) UnlockUnrefundableCredit(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE credits
		 SET status = $2, attempts = 0, updated_at = now()
		 WHERE id = $1 AND status = $3`,
		id, string(model.CreditStatusPending), string(model.CreditStatusUnrefundable),
	)
	if err != nil {
		return fmt.Errorf("unlock credit: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCreditNotFound
	}
	return nil
}
