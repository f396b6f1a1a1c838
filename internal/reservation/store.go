package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
)

const openCouponGrantConstraint = "reservations_open_coupon_grant_key"

// Store persists reservation records and their audit trail. Every method
// runs on the Querier it is given so callers decide the transaction.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

const reservationColumns = `
	id, kind, status, idempotency_key, user_id, amount, code, order_id,
	coupon_grant_id, coupon_id, discount_subtotal,
	gift_card_id, applied_amount,
	stock_reservation_id, variant_id, quantity,
	created_at`

func (s *Store) Insert(ctx context.Context, q db.Querier, r *Reservation) error {
	var (
		grantID, couponID, giftCardID, variantID uuid.NullUUID
		discountSubtotal                         decimal.NullDecimal
		stockReservationID                       *string
		quantity                                 *int
		code                                     string
	)

	switch p := r.Payload.(type) {
	case *CouponHold:
		grantID = uuid.NullUUID{UUID: p.GrantID, Valid: true}
		couponID = uuid.NullUUID{UUID: p.CouponID, Valid: true}
		discountSubtotal = decimal.NewNullDecimal(p.Subtotal)
		code = p.Code
	case *GiftCardHold:
		giftCardID = uuid.NullUUID{UUID: p.GiftCardID, Valid: true}
		code = p.Code
	case *StockHold:
		stockReservationID = &p.ReservationID
		variantID = uuid.NullUUID{UUID: p.VariantID, Valid: p.VariantID != uuid.Nil}
		quantity = &p.Quantity
	default:
		return fmt.Errorf("reservation: unsupported payload %T", r.Payload)
	}

	err := q.QueryRow(ctx, `
		INSERT INTO reservations (
			id, kind, status, idempotency_key, user_id, subject, amount, code,
			coupon_grant_id, coupon_id, discount_subtotal,
			gift_card_id,
			stock_reservation_id, variant_id, quantity
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at
	`,
		r.ID, string(r.Kind()), string(r.Status), r.IdempotencyKey, r.UserID, r.Subject(), r.Amount(), code,
		grantID, couponID, discountSubtotal,
		giftCardID,
		stockReservationID, variantID, quantity,
	).Scan(&r.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, openCouponGrantConstraint) {
			return ErrCouponHeld
		}
		return fmt.Errorf("reservation: failed to insert %s reservation: %w", r.Kind(), err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, q db.Querier, id uuid.UUID) (*Reservation, error) {
	row := q.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)
	r, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("reservation: failed to select reservation %s: %w", id, err)
	}
	return r, nil
}

// FindOpenCouponHold returns the open hold on a grant, or nil.
func (s *Store) FindOpenCouponHold(ctx context.Context, q db.Querier, grantID uuid.UUID) (*Reservation, error) {
	row := q.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE kind = 'COUPON' AND status = 'OPEN' AND coupon_grant_id = $1
	`, grantID)
	r, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reservation: failed to select open hold for grant %s: %w", grantID, err)
	}
	return r, nil
}

// MarkFinalized moves an OPEN record to FINALIZED. It returns ErrNotOpen if
// the record was cancelled (or finalized) concurrently.
func (s *Store) MarkFinalized(ctx context.Context, q db.Querier, id, orderID uuid.UUID, applied decimal.NullDecimal) error {
	cmdTag, err := q.Exec(ctx, `
		UPDATE reservations
		SET status = 'FINALIZED', order_id = $2, applied_amount = $3, finalized_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'OPEN'
	`, id, orderID, applied)
	if err != nil {
		return fmt.Errorf("reservation: failed to finalize reservation %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotOpen
	}
	return nil
}

// MarkCancelled moves an OPEN record to CANCELLED and reports the status the
// record ended up in. A record that was already terminal is left untouched.
func (s *Store) MarkCancelled(ctx context.Context, q db.Querier, id uuid.UUID) (Status, bool, error) {
	var status Status
	err := q.QueryRow(ctx, `
		UPDATE reservations
		SET status = 'CANCELLED', cancelled_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'OPEN'
		RETURNING status
	`, id).Scan(&status)
	if err == nil {
		return status, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("reservation: failed to cancel reservation %s: %w", id, err)
	}

	err = q.QueryRow(ctx, `SELECT status FROM reservations WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, ErrReservationNotFound
		}
		return "", false, fmt.Errorf("reservation: failed to read status of reservation %s: %w", id, err)
	}
	return status, false, nil
}

// ListStaleOpen returns OPEN records created before olderThan, oldest first.
func (s *Store) ListStaleOpen(ctx context.Context, q db.Querier, olderThan time.Time, limit int) ([]*Reservation, error) {
	rows, err := q.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = 'OPEN' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("reservation: failed to query stale reservations: %w", err)
	}
	defer rows.Close()

	var out []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("reservation: failed to scan stale reservation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reservation: failed iterating stale reservations: %w", err)
	}
	return out, nil
}

// Audit appends an entry to the append-only audit log.
func (s *Store) Audit(ctx context.Context, q db.Querier, action string, r *Reservation, details map[string]any) error {
	payload := map[string]any{
		"kind":    r.Kind(),
		"subject": r.Subject(),
		"amount":  r.Amount().StringFixed(2),
		"user_id": r.UserID.String(),
	}
	if r.OrderID.Valid {
		payload["order_id"] = r.OrderID.UUID.String()
	}
	for k, v := range details {
		payload[k] = v
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("reservation: failed to marshal audit payload: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO audit_events (action, reservation_id, idempotency_key, payload)
		VALUES ($1, $2, $3, $4)
	`, action, r.ID, r.IdempotencyKey, data)
	if err != nil {
		return fmt.Errorf("reservation: failed to append audit event %s: %w", action, err)
	}
	return nil
}

func scanReservation(row pgx.Row) (*Reservation, error) {
	var (
		r                                        Reservation
		kind                                     Kind
		amount                                   decimal.Decimal
		code                                     string
		grantID, couponID, giftCardID, variantID uuid.NullUUID
		discountSubtotal, applied                decimal.NullDecimal
		stockReservationID                       *string
		quantity                                 *int32
	)

	err := row.Scan(
		&r.ID, &kind, &r.Status, &r.IdempotencyKey, &r.UserID, &amount, &code, &r.OrderID,
		&grantID, &couponID, &discountSubtotal,
		&giftCardID, &applied,
		&stockReservationID, &variantID, &quantity,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindCoupon:
		r.Payload = &CouponHold{
			GrantID:  grantID.UUID,
			CouponID: couponID.UUID,
			Code:     code,
			Discount: amount,
			Subtotal: discountSubtotal.Decimal,
		}
	case KindGiftCard:
		r.Payload = &GiftCardHold{
			GiftCardID: giftCardID.UUID,
			Code:       code,
			Held:       amount,
			Applied:    applied.Decimal,
		}
	case KindStock:
		h := &StockHold{VariantID: variantID.UUID}
		if stockReservationID != nil {
			h.ReservationID = *stockReservationID
		}
		if quantity != nil {
			h.Quantity = int(*quantity)
		}
		r.Payload = h
	default:
		return nil, fmt.Errorf("unknown reservation kind %q", kind)
	}

	return &r, nil
}
