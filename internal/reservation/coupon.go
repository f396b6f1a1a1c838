package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
)

type CouponType string

const (
	CouponPercentage CouponType = "PERCENTAGE"
	CouponFixed      CouponType = "FIXED"
)

type Coupon struct {
	ID             uuid.UUID
	Code           string
	Type           CouponType
	Value          decimal.Decimal
	MinOrderAmount decimal.Decimal
	MaxDiscount    decimal.NullDecimal
	ValidFrom      time.Time
	ValidUntil     *time.Time
	IsActive       bool
	UsageCount     int
	UsageLimit     *int
}

// Discount never exceeds the subtotal it is applied to.
func (c *Coupon) Discount(subtotal decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch c.Type {
	case CouponPercentage:
		discount = subtotal.Mul(c.Value).Div(decimal.NewFromInt(100)).Round(2)
		if c.MaxDiscount.Valid && discount.GreaterThan(c.MaxDiscount.Decimal) {
			discount = c.MaxDiscount.Decimal
		}
	case CouponFixed:
		discount = c.Value
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	return discount
}

func (c *Coupon) activeAt(now time.Time) bool {
	if now.Before(c.ValidFrom) {
		return false
	}
	return c.ValidUntil == nil || !now.After(*c.ValidUntil)
}

// CouponGrant binds a coupon to one user; Used flips exactly once.
type CouponGrant struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	IsActive bool
	Used     bool
	UsedAt   *time.Time
	Coupon   Coupon
}

// Validate applies the checks in order; the first failing one wins.
func (g *CouponGrant) Validate(subtotal decimal.Decimal, now time.Time) error {
	if !g.IsActive || !g.Coupon.IsActive {
		return ErrCouponNotFound
	}
	if g.Used {
		return ErrCouponUsed
	}
	if !g.Coupon.activeAt(now) {
		return ErrCouponExpired
	}
	if subtotal.LessThan(g.Coupon.MinOrderAmount) {
		return fmt.Errorf("%w: minimum is %s", ErrCouponMinOrder, g.Coupon.MinOrderAmount.StringFixed(2))
	}
	if g.Coupon.UsageLimit != nil && g.Coupon.UsageCount >= *g.Coupon.UsageLimit {
		return ErrCouponExhausted
	}
	return nil
}

type CouponRequest struct {
	Code           string
	UserID         uuid.UUID
	Subtotal       decimal.Decimal
	IdempotencyKey string
}

type CouponService struct {
	tx      db.Transactor
	store   *Store
	holdTTL time.Duration
	now     func() time.Time
}

func NewCouponService(tx db.Transactor, store *Store, holdTTL time.Duration) *CouponService {
	return &CouponService{tx: tx, store: store, holdTTL: holdTTL, now: time.Now}
}

// Reserve validates the user's grant and records an OPEN hold carrying the
// computed discount. The grant itself is not modified.
func (s *CouponService) Reserve(ctx context.Context, req CouponRequest) (*Reservation, error) {
	var res *Reservation

	err := s.tx.Serializable(ctx, func(ctx context.Context, tx pgx.Tx) error {
		grant, err := s.findGrant(ctx, tx, req.UserID, req.Code)
		if err != nil {
			return err
		}

		now := s.now()
		if err := grant.Validate(req.Subtotal, now); err != nil {
			return err
		}

		if err := s.releaseExistingHold(ctx, tx, grant.ID, req.IdempotencyKey, now); err != nil {
			return err
		}

		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("reservation: failed to generate reservation id: %w", err)
		}

		res = &Reservation{
			ID:             id,
			Status:         StatusOpen,
			IdempotencyKey: req.IdempotencyKey,
			UserID:         req.UserID,
			Payload: &CouponHold{
				GrantID:  grant.ID,
				CouponID: grant.Coupon.ID,
				Code:     grant.Coupon.Code,
				Discount: grant.Coupon.Discount(req.Subtotal),
				Subtotal: req.Subtotal,
			},
		}

		if err := s.store.Insert(ctx, tx, res); err != nil {
			return err
		}
		return s.store.Audit(ctx, tx, "coupon.reserve", res, map[string]any{"coupon_id": grant.Coupon.ID.String()})
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Stringer("reservation_id", res.ID).
		Str("coupon_code", res.Coupon().Code).
		Str("discount", res.Amount().StringFixed(2)).
		Msg("Coupon reserved")

	return res, nil
}

// releaseExistingHold clears an OPEN hold left on the grant by a failed
// attempt with the same key, or by any attempt whose hold has expired.
func (s *CouponService) releaseExistingHold(ctx context.Context, q db.Querier, grantID uuid.UUID, key string, now time.Time) error {
	existing, err := s.store.FindOpenCouponHold(ctx, q, grantID)
	if err != nil || existing == nil {
		return err
	}

	var reason string
	switch {
	case existing.IdempotencyKey == key:
		reason = "orphan"
	case now.Sub(existing.CreatedAt) > s.holdTTL:
		reason = "expired"
	default:
		return ErrCouponHeld
	}

	if _, _, err := s.store.MarkCancelled(ctx, q, existing.ID); err != nil {
		return err
	}
	log.Warn().Stringer("reservation_id", existing.ID).Str("reason", reason).Msg("Released stale coupon hold")
	return s.store.Audit(ctx, q, "coupon.cancel", existing, map[string]any{"reason": reason})
}

// Finalize consumes the grant for orderID. It must run inside the order
// transaction; preconditions are re-checked against the order subtotal.
func (s *CouponService) Finalize(ctx context.Context, q db.Querier, res *Reservation, orderID uuid.UUID, subtotal decimal.Decimal) error {
	hold := res.Coupon()
	if hold == nil {
		return ErrKindMismatch
	}

	if !hold.Subtotal.Equal(subtotal) {
		return ErrCouponStale
	}

	grant, err := s.grantByID(ctx, q, hold.GrantID)
	if err != nil {
		return err
	}

	now := s.now()
	if err := grant.Validate(subtotal, now); err != nil {
		return err
	}

	cmdTag, err := q.Exec(ctx, `
		UPDATE user_coupon_grants
		SET used = TRUE, used_at = $2, order_id = $3
		WHERE id = $1 AND used = FALSE
	`, hold.GrantID, now, orderID)
	if err != nil {
		return fmt.Errorf("reservation: failed to mark grant %s used: %w", hold.GrantID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCouponUsed
	}

	cmdTag, err = q.Exec(ctx, `
		UPDATE coupons
		SET usage_count = usage_count + 1
		WHERE id = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)
	`, hold.CouponID)
	if err != nil {
		return fmt.Errorf("reservation: failed to increment usage of coupon %s: %w", hold.CouponID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCouponExhausted
	}

	if err := s.store.MarkFinalized(ctx, q, res.ID, orderID, decimal.NullDecimal{}); err != nil {
		return err
	}
	res.Status = StatusFinalized
	res.OrderID = uuid.NullUUID{UUID: orderID, Valid: true}

	return s.store.Audit(ctx, q, "coupon.finalize", res, nil)
}

func (s *CouponService) Cancel(ctx context.Context, res *Reservation) error {
	if res.Coupon() == nil {
		return ErrKindMismatch
	}
	_, err := cancelRecord(ctx, s.tx, s.store, res, "coupon.cancel")
	return err
}

const grantColumns = `
	g.id, g.user_id, g.is_active, g.used, g.used_at,
	c.id, c.code, c.type, c.value, c.min_order_amount, c.max_discount,
	c.valid_from, c.valid_until, c.is_active, c.usage_count, c.usage_limit`

func (s *CouponService) findGrant(ctx context.Context, q db.Querier, userID uuid.UUID, code string) (*CouponGrant, error) {
	row := q.QueryRow(ctx, `
		SELECT `+grantColumns+`
		FROM user_coupon_grants g
		JOIN coupons c ON c.id = g.coupon_id
		WHERE g.user_id = $1 AND upper(c.code) = $2
		ORDER BY g.used, g.created_at
		LIMIT 1
	`, userID, strings.ToUpper(strings.TrimSpace(code)))
	return scanGrant(row, code)
}

func (s *CouponService) grantByID(ctx context.Context, q db.Querier, grantID uuid.UUID) (*CouponGrant, error) {
	row := q.QueryRow(ctx, `
		SELECT `+grantColumns+`
		FROM user_coupon_grants g
		JOIN coupons c ON c.id = g.coupon_id
		WHERE g.id = $1
		FOR UPDATE OF g, c
	`, grantID)
	return scanGrant(row, grantID.String())
}

func scanGrant(row pgx.Row, ref string) (*CouponGrant, error) {
	var (
		g          CouponGrant
		usageLimit *int32
	)
	err := row.Scan(
		&g.ID, &g.UserID, &g.IsActive, &g.Used, &g.UsedAt,
		&g.Coupon.ID, &g.Coupon.Code, &g.Coupon.Type, &g.Coupon.Value, &g.Coupon.MinOrderAmount, &g.Coupon.MaxDiscount,
		&g.Coupon.ValidFrom, &g.Coupon.ValidUntil, &g.Coupon.IsActive, &g.Coupon.UsageCount, &usageLimit,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("reservation: failed to select coupon grant %s: %w", ref, err)
	}
	if usageLimit != nil {
		limit := int(*usageLimit)
		g.Coupon.UsageLimit = &limit
	}
	return &g, nil
}
