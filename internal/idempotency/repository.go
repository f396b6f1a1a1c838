package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
)

type Repository struct {
	db db.Querier
}

func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

// Claim takes the key for attemptID in one statement. An existing row of
// the same user is taken over when it is FAILED, or when it carries the same
// payload and is IN_PROGRESS with an expired lease or SUCCEEDED without a
// usable outcome. It reports false when the row exists and was not taken over.
func (r *Repository) Claim(ctx context.Context, key string, userID uuid.UUID, requestHash string, attemptID uuid.UUID, lease time.Duration) (bool, error) {
	var claimed string
	err := r.db.QueryRow(ctx, `
		INSERT INTO idempotency_keys (key, user_id, request_hash, status, attempt_id, locked_until)
		VALUES ($1, $2, $3, 'IN_PROGRESS', $4, now() + $5::interval)
		ON CONFLICT (key) DO UPDATE
		SET status = 'IN_PROGRESS',
		    request_hash = EXCLUDED.request_hash,
		    attempt_id = EXCLUDED.attempt_id,
		    order_id = NULL,
		    order_number = '',
		    error_code = '',
		    locked_until = EXCLUDED.locked_until,
		    updated_at = now()
		WHERE idempotency_keys.user_id = EXCLUDED.user_id
		  AND (
		        idempotency_keys.status = 'FAILED'
		     OR (idempotency_keys.request_hash = EXCLUDED.request_hash AND (
		            (idempotency_keys.status = 'IN_PROGRESS' AND idempotency_keys.locked_until < now())
		         OR (idempotency_keys.status = 'SUCCEEDED' AND (idempotency_keys.order_id IS NULL OR idempotency_keys.order_number = ''))
		        ))
		  )
		RETURNING key
	`, key, userID, requestHash, attemptID, lease).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency: failed to claim key: %w", err)
	}
	return true, nil
}

// Get returns the entry for key, or nil when there is none.
func (r *Repository) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		e       Entry
		orderID uuid.NullUUID
	)
	err := r.db.QueryRow(ctx, `
		SELECT key, user_id, request_hash, status, order_id, order_number, error_code, locked_until
		FROM idempotency_keys
		WHERE key = $1
	`, key).Scan(&e.Key, &e.UserID, &e.RequestHash, &e.Status, &orderID, &e.Outcome.OrderNumber, &e.ErrorCode, &e.LockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: failed to select key: %w", err)
	}
	e.Outcome.OrderID = orderID.UUID
	return &e, nil
}

// MarkSucceeded must run on the order transaction so the order and the
// recorded success commit together.
func (r *Repository) MarkSucceeded(ctx context.Context, q db.Querier, key string, attemptID uuid.UUID, out Outcome) error {
	cmdTag, err := q.Exec(ctx, `
		UPDATE idempotency_keys
		SET status = 'SUCCEEDED', order_id = $3, order_number = $4, error_code = '', updated_at = now()
		WHERE key = $1 AND attempt_id = $2 AND status = 'IN_PROGRESS'
	`, key, attemptID, out.OrderID, out.OrderNumber)
	if err != nil {
		return fmt.Errorf("idempotency: failed to mark key succeeded: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkFailed releases the key. It reports ErrLeaseLost when attemptID no
// longer owns it; the row is then left to the attempt that does.
func (r *Repository) MarkFailed(ctx context.Context, key string, attemptID uuid.UUID, code string) error {
	cmdTag, err := r.db.Exec(ctx, `
		UPDATE idempotency_keys
		SET status = 'FAILED', error_code = $3, updated_at = now()
		WHERE key = $1 AND attempt_id = $2 AND status = 'IN_PROGRESS'
	`, key, attemptID, code)
	if err != nil {
		return fmt.Errorf("idempotency: failed to mark key failed: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}
