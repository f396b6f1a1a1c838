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
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/outbox"
)

type GiftCardStatus string

const (
	GiftCardActive  GiftCardStatus = "ACTIVE"
	GiftCardUsed    GiftCardStatus = "USED"
	GiftCardExpired GiftCardStatus = "EXPIRED"
)

type GiftCard struct {
	ID          uuid.UUID
	Code        string
	Balance     decimal.Decimal
	Status      GiftCardStatus
	OwnerUserID uuid.NullUUID
	ValidFrom   time.Time
	ValidUntil  *time.Time
}

// Validate checks that userID may spend the card at now.
func (g *GiftCard) Validate(userID uuid.UUID, now time.Time) error {
	switch g.Status {
	case GiftCardActive:
	case GiftCardUsed:
		return ErrGiftCardEmpty
	default:
		return ErrGiftCardExpired
	}
	if g.OwnerUserID.Valid && g.OwnerUserID.UUID != userID {
		return ErrGiftCardNotOwned
	}
	if now.Before(g.ValidFrom) || (g.ValidUntil != nil && now.After(*g.ValidUntil)) {
		return ErrGiftCardExpired
	}
	if !g.Balance.IsPositive() {
		return ErrGiftCardEmpty
	}
	return nil
}

// GiftCardDebitedEvent is the user notification emitted on finalize.
type GiftCardDebitedEvent struct {
	UserID       uuid.UUID       `json:"user_id"`
	OrderID      uuid.UUID       `json:"order_id"`
	GiftCardCode string          `json:"gift_card_code"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Status       GiftCardStatus  `json:"status"`
}

type GiftCardRequest struct {
	Code           string
	UserID         uuid.UUID
	IdempotencyKey string
}

type GiftCardService struct {
	tx     db.Transactor
	store  *Store
	events outbox.Appender
	now    func() time.Time
}

func NewGiftCardService(tx db.Transactor, store *Store, events outbox.Appender) *GiftCardService {
	return &GiftCardService{tx: tx, store: store, events: events, now: time.Now}
}

// Reserve holds the full current balance. The balance is not locked; Finalize
// re-validates it.
func (s *GiftCardService) Reserve(ctx context.Context, req GiftCardRequest) (*Reservation, error) {
	var res *Reservation

	err := s.tx.Serializable(ctx, func(ctx context.Context, tx pgx.Tx) error {
		card, err := s.findByCode(ctx, tx, req.Code)
		if err != nil {
			return err
		}
		if err := card.Validate(req.UserID, s.now()); err != nil {
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
			Payload: &GiftCardHold{
				GiftCardID: card.ID,
				Code:       card.Code,
				Held:       card.Balance,
			},
		}

		if err := s.store.Insert(ctx, tx, res); err != nil {
			return err
		}
		return s.store.Audit(ctx, tx, "giftcard.reserve", res, nil)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Stringer("reservation_id", res.ID).
		Str("held", res.Amount().StringFixed(2)).
		Msg("Gift card reserved")

	return res, nil
}

// Finalize debits applied, capped at the held amount, for orderID inside the
// order transaction. The card is re-read and the hold is rejected when the
// balance no longer covers the debit.
func (s *GiftCardService) Finalize(ctx context.Context, q db.Querier, res *Reservation, orderID uuid.UUID, applied decimal.Decimal) (decimal.Decimal, error) {
	hold := res.GiftCard()
	if hold == nil {
		return decimal.Zero, ErrKindMismatch
	}
	debit := decimal.Min(applied, hold.Held)

	card, err := s.byID(ctx, q, hold.GiftCardID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := card.Validate(res.UserID, s.now()); err != nil {
		return decimal.Zero, err
	}

	var (
		balanceAfter decimal.Decimal
		statusAfter  GiftCardStatus
	)
	// The balance has to cover the debit, not the full held amount, so a card
	// spent down elsewhere still pays an order it can fully cover.
	err = q.QueryRow(ctx, `
		UPDATE gift_cards
		SET balance = balance - $2,
		    status = CASE WHEN balance - $2 = 0 THEN 'USED' ELSE status END,
		    updated_at = now()
		WHERE id = $1 AND status = 'ACTIVE' AND balance >= $2
		RETURNING balance, status
	`, card.ID, debit).Scan(&balanceAfter, &statusAfter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrGiftCardStale
		}
		return decimal.Zero, fmt.Errorf("reservation: failed to debit gift card %s: %w", card.ID, err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO gift_card_ledger (gift_card_id, order_id, amount, balance_after)
		VALUES ($1, $2, $3, $4)
	`, card.ID, orderID, debit.Neg(), balanceAfter)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reservation: failed to write ledger entry for gift card %s: %w", card.ID, err)
	}

	if err := s.store.MarkFinalized(ctx, q, res.ID, orderID, decimal.NewNullDecimal(debit)); err != nil {
		return decimal.Zero, err
	}
	res.Status = StatusFinalized
	res.OrderID = uuid.NullUUID{UUID: orderID, Valid: true}
	hold.Applied = debit

	if err := s.store.Audit(ctx, q, "giftcard.finalize", res, map[string]any{
		"debited":       debit.StringFixed(2),
		"balance_after": balanceAfter.StringFixed(2),
	}); err != nil {
		return decimal.Zero, err
	}

	err = s.events.Append(ctx, q, outbox.EventGiftCardDebited, res.UserID.String(), GiftCardDebitedEvent{
		UserID:       res.UserID,
		OrderID:      orderID,
		GiftCardCode: maskCode(card.Code),
		Amount:       debit,
		BalanceAfter: balanceAfter,
		Status:       statusAfter,
	})
	if err != nil {
		return decimal.Zero, err
	}

	return debit, nil
}

func (s *GiftCardService) Cancel(ctx context.Context, res *Reservation) error {
	if res.GiftCard() == nil {
		return ErrKindMismatch
	}
	_, err := cancelRecord(ctx, s.tx, s.store, res, "giftcard.cancel")
	return err
}

const giftCardColumns = `id, code, balance, status, owner_user_id, valid_from, valid_until`

func (s *GiftCardService) findByCode(ctx context.Context, q db.Querier, code string) (*GiftCard, error) {
	row := q.QueryRow(ctx, `SELECT `+giftCardColumns+` FROM gift_cards WHERE code = $1`, strings.TrimSpace(code))
	return scanGiftCard(row, "code")
}

func (s *GiftCardService) byID(ctx context.Context, q db.Querier, id uuid.UUID) (*GiftCard, error) {
	row := q.QueryRow(ctx, `SELECT `+giftCardColumns+` FROM gift_cards WHERE id = $1 FOR UPDATE`, id)
	return scanGiftCard(row, id.String())
}

func scanGiftCard(row pgx.Row, ref string) (*GiftCard, error) {
	var g GiftCard
	err := row.Scan(&g.ID, &g.Code, &g.Balance, &g.Status, &g.OwnerUserID, &g.ValidFrom, &g.ValidUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGiftCardNotFound
		}
		return nil, fmt.Errorf("reservation: failed to select gift card by %s: %w", ref, err)
	}
	return &g, nil
}

func maskCode(code string) string {
	if len(code) <= 4 {
		return strings.Repeat("*", len(code))
	}
	return strings.Repeat("*", len(code)-4) + code[len(code)-4:]
}
