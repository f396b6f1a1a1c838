package reservation

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/stock"
)

type FailedConversion struct {
	ReservationID string    `json:"reservation_id"`
	VariantID     uuid.UUID `json:"variant_id"`
	Quantity      int       `json:"quantity"`
	Reason        string    `json:"reason"`
}

type ConversionReport struct {
	AllConverted bool
	Converted    int
	Failed       []FailedConversion
}

// StockService presents the stock collaborator in the Reservation shape.
type StockService struct {
	client stock.Client
}

func NewStockService(client stock.Client) *StockService {
	return &StockService{client: client}
}

func (s *StockService) Reserve(ctx context.Context, variantID uuid.UUID, quantity int, sessionID string, userID uuid.UUID) (*Reservation, error) {
	result, err := s.client.Reserve(ctx, variantID, quantity, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("reservation: stock reserve failed: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("%w: %d available", ErrStockUnavailable, result.Available)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("reservation: failed to generate reservation id: %w", err)
	}

	return &Reservation{
		ID:     id,
		Status: StatusOpen,
		UserID: userID,
		Payload: &StockHold{
			ReservationID: result.ReservationID,
			VariantID:     variantID,
			Quantity:      quantity,
		},
	}, nil
}

func (s *StockService) Cancel(ctx context.Context, res *Reservation) error {
	_, err := s.release(ctx, res)
	return err
}

// release reports false when the stock side had no such hold left.
func (s *StockService) release(ctx context.Context, res *Reservation) (bool, error) {
	hold := res.Stock()
	if hold == nil {
		return false, ErrKindMismatch
	}
	err := s.client.CancelReservation(ctx, hold.ReservationID)
	if err != nil && !errors.Is(err, stock.ErrHoldNotFound) {
		return false, fmt.Errorf("reservation: stock cancel failed: %w", err)
	}
	res.Status = StatusCancelled
	return err == nil, nil
}

// Convert turns the holds into permanent decrements for orderID. A partial
// result is reported, not returned as an error.
func (s *StockService) Convert(ctx context.Context, holds []*Reservation, orderID uuid.UUID) (ConversionReport, error) {
	if len(holds) == 0 {
		return ConversionReport{AllConverted: true}, nil
	}

	ids := make([]string, 0, len(holds))
	byID := make(map[string]*Reservation, len(holds))
	for _, h := range holds {
		sh := h.Stock()
		if sh == nil {
			return ConversionReport{}, ErrKindMismatch
		}
		ids = append(ids, sh.ReservationID)
		byID[sh.ReservationID] = h
	}

	result, err := s.client.ConvertReservationsToOrder(ctx, ids, orderID)
	if err != nil {
		return ConversionReport{}, fmt.Errorf("reservation: stock conversion failed: %w", err)
	}

	report := ConversionReport{AllConverted: result.AllConverted}
	seen := make(map[string]bool, len(result.Items))
	for _, item := range result.Items {
		seen[item.ReservationID] = true
		h, ok := byID[item.ReservationID]
		if !ok {
			continue
		}
		if item.Converted {
			h.Status = StatusFinalized
			h.OrderID = uuid.NullUUID{UUID: orderID, Valid: true}
			report.Converted++
			continue
		}
		report.Failed = append(report.Failed, FailedConversion{
			ReservationID: item.ReservationID,
			VariantID:     h.Stock().VariantID,
			Quantity:      h.Stock().Quantity,
			Reason:        item.Reason,
		})
	}
	for _, id := range ids {
		if !seen[id] {
			report.Failed = append(report.Failed, FailedConversion{
				ReservationID: id,
				VariantID:     byID[id].Stock().VariantID,
				Quantity:      byID[id].Stock().Quantity,
				Reason:        "missing from conversion result",
			})
		}
	}
	if len(report.Failed) > 0 {
		report.AllConverted = false
		log.Warn().
			Stringer("order_id", orderID).
			Int("converted", report.Converted).
			Int("failed", len(report.Failed)).
			Msg("Partial stock conversion, order proceeds")
	}

	return report, nil
}
