// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/tanglemarket-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrMemberExists возвращается при попытке создать участника с уже существующим логином.
var (
	ErrMemberExists = errors.New("member already exists")
	// ErrMemberNotFound возвращается, если участник не найден.
	ErrMemberNotFound = errors.New("member not found")
	// ErrOrderNotFound возвращается, если ордер не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateAddress возвращается при коллизии депозитного адреса.
	ErrDuplicateAddress = errors.New("deposit address already allocated")
	// ErrPaymentProcessed возвращается при повторной доставке уже обработанного платежа.
	ErrPaymentProcessed = errors.New("payment already processed")
	// ErrConflict возвращается, когда условная запись не прошла из-за параллельного изменения.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrInsufficientBalance возвращается при попытке заблокировать больше токенов, чем доступно.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrTradeOrderNotFound возвращается, если торговая заявка не найдена.
	ErrTradeOrderNotFound = errors.New("trade order not found")
	// ErrNotOwner возвращается при попытке отменить чужую торговую заявку.
	ErrNotOwner = errors.New("not the owner of the trade order")
	// ErrAlreadyTerminal возвращается при попытке отменить завершённую заявку.
	ErrAlreadyTerminal = errors.New("trade order already terminal")
	// ErrNftUnavailable возвращается, если NFT уже продан или заблокирован.
	ErrNftUnavailable = errors.New("nft is not available for sale")
	// ErrBidTooLow возвращается, если ставка не превышает текущую максимальную.
	ErrBidTooLow = errors.New("bid does not exceed the current highest bid")
	// ErrAuctionClosed возвращается при ставке на завершённый аукцион.
	ErrAuctionClosed = errors.New("auction is closed")
	// ErrProposalNotFound возвращается, если голосование не найдено.
	ErrProposalNotFound = errors.New("proposal not found")
	// ErrCreditNotFound возвращается, если компенсирующий перевод не найден.
	ErrCreditNotFound = errors.New("credit not found")
	// ErrNothingToClaim возвращается, если у участника нет нераспределённого аирдропа.
	ErrNothingToClaim = errors.New("nothing to claim")
	// ErrAwardFunded возвращается, если награда уже полностью профинансирована.
	ErrAwardFunded = errors.New("award already funded")
	// ErrAwardNotFound возвращается, если награда не найдена.
	ErrAwardNotFound = errors.New("award not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// inTx выполняет fn в транзакции с авто-откатом при ошибке.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// Ретраи полезны для Serialization Failure или Deadlocks.
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateMember создаёт нового участника.
func (r *PostgresRepository) CreateMember(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO members (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrMemberExists, login)
		}
		return 0, fmt.Errorf("create member: %w", err)
	}
	return id, nil
}

// GetMemberByLogin возвращает участника по логину.
func (r *PostgresRepository) GetMemberByLogin(ctx context.Context, login string) (*model.Member, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM members WHERE login = $1`,
		login,
	)

	var m model.Member
	err := row.Scan(&m.ID, &m.Login, &m.PasswordHash, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("get member: %w", err)
	}

	return &m, nil
}

// GetMemberPayoutAddress возвращает подтверждённый адрес выплат участника.
// Пустая строка означает, что участник ещё не подтвердил адрес.
func (r *PostgresRepository) GetMemberPayoutAddress(ctx context.Context, memberID int64) (string, error) {
	var addr *string
	err := r.pool.QueryRow(ctx,
		`SELECT payout_address FROM members WHERE id = $1`,
		memberID,
	).Scan(&addr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrMemberNotFound
		}
		return "", fmt.Errorf("get payout address: %w", err)
	}
	if addr == nil {
		return "", nil
	}
	return *addr, nil
}

// SetMemberPayoutAddress сохраняет подтверждённый адрес выплат участника.
func (r *PostgresRepository) SetMemberPayoutAddress(ctx context.Context, memberID int64, address string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE members SET payout_address = $2 WHERE id = $1`,
		memberID, address,
	)
	if err != nil {
		return fmt.Errorf("set payout address: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}
