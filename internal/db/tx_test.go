package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/config"
)

type fakeTx struct {
	pgx.Tx
	execSQL    []string
	committed  bool
	rolledBack bool
	commitErr  error
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	return pgconn.NewCommandTag("SET"), nil
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx       *fakeTx
	opts     pgx.TxOptions
	beginErr error
}

func (f *fakeBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	f.opts = opts
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.tx, nil
}

func newRunner(b TxBeginner) *TxRunner {
	return NewTxRunner(b, config.TxConfig{MaxWait: time.Second, Timeout: 2 * time.Second})
}

func TestTxRunner_CommitsOnSuccess(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}

	err := newRunner(b).Serializable(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
		_, deadlineSet := ctx.Deadline()
		assert.True(t, deadlineSet)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, pgx.Serializable, b.opts.IsoLevel)
	assert.True(t, b.tx.committed)
	assert.False(t, b.tx.rolledBack)
	assert.Equal(t, []string{"SET LOCAL statement_timeout = 2000"}, b.tx.execSQL)
}

func TestTxRunner_RollsBackOnError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	domainErr := errors.New("coupon already used")

	err := newRunner(b).ReadCommitted(context.Background(), func(context.Context, pgx.Tx) error {
		return domainErr
	})

	require.ErrorIs(t, err, domainErr)
	assert.Equal(t, pgx.ReadCommitted, b.opts.IsoLevel)
	assert.False(t, b.tx.committed)
	assert.True(t, b.tx.rolledBack)
}

func TestTxRunner_SerializationFailureIsClassified(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}

	err := newRunner(b).Serializable(context.Background(), func(context.Context, pgx.Tx) error {
		return fmt.Errorf("repository: failed to insert: %w", &pgconn.PgError{Code: pgerrcode.SerializationFailure})
	})

	require.ErrorIs(t, err, ErrSerialization)
	assert.True(t, b.tx.rolledBack)
}

func TestTxRunner_CommitConflictIsClassified(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{commitErr: &pgconn.PgError{Code: pgerrcode.SerializationFailure}}}

	err := newRunner(b).Serializable(context.Background(), func(context.Context, pgx.Tx) error { return nil })

	require.ErrorIs(t, err, ErrSerialization)
}

func TestTxRunner_BeginTimeout(t *testing.T) {
	b := &fakeBeginner{beginErr: context.DeadlineExceeded}

	err := newRunner(b).Serializable(context.Background(), func(context.Context, pgx.Tx) error {
		t.Fatal("fn must not run")
		return nil
	})

	require.ErrorIs(t, err, ErrTxTimeout)
}

func TestTxRunner_PanicRollsBack(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}

	assert.Panics(t, func() {
		_ = newRunner(b).Serializable(context.Background(), func(context.Context, pgx.Tx) error {
			panic("boom")
		})
	})
	assert.True(t, b.tx.rolledBack)
	assert.False(t, b.tx.committed)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		wantIs error
	}{
		{name: "deadlock", err: &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, wantIs: ErrSerialization},
		{name: "statement_timeout", err: &pgconn.PgError{Code: pgerrcode.QueryCanceled}, wantIs: ErrTxTimeout},
		{name: "context_deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), wantIs: ErrTxTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.ErrorIs(t, got, tt.wantIs)
			assert.ErrorIs(t, got, tt.err)
		})
	}

	plain := errors.New("plain")
	assert.Same(t, plain, classify(plain))
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "orders_number_key"})

	assert.True(t, IsUniqueViolation(err, ""))
	assert.True(t, IsUniqueViolation(err, "orders_number_key"))
	assert.False(t, IsUniqueViolation(err, "other_key"))
	assert.False(t, IsUniqueViolation(errors.New("x"), ""))
}
