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
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrVendorNotFound возвращается, если запись вендора отсутствует.
var (
	ErrVendorNotFound = errors.New("vendor not found")
	// ErrParentOrderNotFound возвращается, если родительский заказ не найден.
	ErrParentOrderNotFound = errors.New("parent order not found")
	// ErrSubOrderNotFound возвращается, если подзаказ не найден.
	ErrSubOrderNotFound = errors.New("sub-order not found")
	// ErrSubOrderStatusChanged возвращается, если статус подзаказа изменился параллельным запросом.
	ErrSubOrderStatusChanged = errors.New("sub-order status changed concurrently")
	// ErrWalletNotFound возвращается, если кошелёк не найден.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrInsufficientBalance возвращается при попытке списания или резерва, превышающего доступный остаток.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrHoldNotFound возвращается, если резерв с указанным идентификатором отсутствует.
	ErrHoldNotFound = errors.New("hold not found")
	// ErrHoldNotActive возвращается при попытке подтвердить или отменить неактивный резерв.
	ErrHoldNotActive = errors.New("hold is not active")
	// ErrIdempotencyConflict возвращается, если ключ идемпотентности уже
	// использован операцией другого вида — повтор невозможен.
	ErrIdempotencyConflict = errors.New("idempotency key already used by a different operation")
	// ErrOfflineSaleNotFound возвращается, если офлайн-продажа не найдена.
	ErrOfflineSaleNotFound = errors.New("offline sale not found")
	// ErrSyncInProgress возвращается, если продажа уже захвачена другим процессом синхронизации.
	ErrSyncInProgress = errors.New("sale sync already in progress")
	// ErrNoConflict возвращается при попытке разрешить продажу без активного конфликта.
	ErrNoConflict = errors.New("no conflict to resolve")
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

// withRetry повторяет функцию при временных ошибках БД: сбоях сериализации,
// дедлоках и обрывах соединения. Остальные ошибки возвращаются сразу.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// inTx выполняет функцию в транзакции с автоматическим откатом при ошибке.
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
