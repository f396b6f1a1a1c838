package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/config"
)

var (
	// ErrSerialization is returned when the store aborted a transaction
	// because of a concurrent conflicting transaction. Safe to retry.
	ErrSerialization = errors.New("db: serialization conflict")
	ErrTxTimeout     = errors.New("db: transaction timeout exceeded")
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type TxFunc func(ctx context.Context, tx pgx.Tx) error

// Transactor runs a function inside a single store transaction.
type Transactor interface {
	Serializable(ctx context.Context, fn TxFunc) error
	ReadCommitted(ctx context.Context, fn TxFunc) error
}

type TxRunner struct {
	db      TxBeginner
	maxWait time.Duration
	timeout time.Duration
}

func NewTxRunner(db TxBeginner, cfg config.TxConfig) *TxRunner {
	return &TxRunner{db: db, maxWait: cfg.MaxWait, timeout: cfg.Timeout}
}

func (r *TxRunner) Serializable(ctx context.Context, fn TxFunc) error {
	return r.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
}

func (r *TxRunner) ReadCommitted(ctx context.Context, fn TxFunc) error {
	return r.run(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
}

func (r *TxRunner) run(ctx context.Context, opts pgx.TxOptions, fn TxFunc) (err error) {
	beginCtx, cancelBegin := context.WithTimeout(ctx, r.maxWait)
	tx, err := r.db.BeginTx(beginCtx, opts)
	cancelBegin()
	if err != nil {
		return classify(fmt.Errorf("db: failed to begin transaction: %w", err))
	}

	txCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Msg("db: panic recovered inside transaction, rolling back")
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				log.Error().Err(rbErr).Msg("db: failed to rollback transaction after panic")
			}
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				log.Error().Err(rbErr).Msg("db: failed to rollback transaction")
			}
			err = classify(err)
		} else if commitErr := tx.Commit(txCtx); commitErr != nil {
			err = classify(fmt.Errorf("db: failed to commit transaction: %w", commitErr))
		}
	}()

	if _, err = tx.Exec(txCtx, fmt.Sprintf("SET LOCAL statement_timeout = %d", r.timeout.Milliseconds())); err != nil {
		return fmt.Errorf("db: failed to set statement timeout: %w", err)
	}

	return fn(txCtx, tx)
}

// classify maps driver errors onto ErrSerialization and ErrTxTimeout,
// keeping the original error in the chain.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrSerialization) || errors.Is(err, ErrTxTimeout) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return fmt.Errorf("%w: %w", ErrSerialization, err)
		case pgerrcode.QueryCanceled, pgerrcode.LockNotAvailable:
			return fmt.Errorf("%w: %w", ErrTxTimeout, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTxTimeout, err)
	}

	return err
}

// IsUniqueViolation reports whether err is a unique_violation on the given
// constraint. An empty constraint matches any.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
