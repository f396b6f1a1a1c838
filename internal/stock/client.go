package stock

import (
	"context"
	"errors"

	"github.com/gofrs/uuid"
)

var (
	ErrHoldNotFound = errors.New("stock hold not found")
	ErrUnavailable  = errors.New("stock service unavailable")
)

type ReserveResult struct {
	Success       bool   `json:"success"`
	ReservationID string `json:"reservation_id,omitempty"`
	Available     int    `json:"available"`
}

type ItemResult struct {
	ReservationID string `json:"reservation_id"`
	Converted     bool   `json:"converted"`
	Reason        string `json:"reason,omitempty"`
}

type ConvertResult struct {
	AllConverted bool         `json:"all_converted"`
	Items        []ItemResult `json:"items"`
}

// Client is the stock reservation contract: hold a quantity for a bounded
// time, convert holds into a permanent decrement, or release a hold.
type Client interface {
	Reserve(ctx context.Context, variantID uuid.UUID, quantity int, sessionID string, userID uuid.UUID) (ReserveResult, error)
	CancelReservation(ctx context.Context, reservationID string) error
	ConvertReservationsToOrder(ctx context.Context, reservationIDs []string, orderID uuid.UUID) (ConvertResult, error)
}
