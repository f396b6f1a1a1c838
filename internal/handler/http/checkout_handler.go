package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/checkout"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type CheckoutService interface {
	Checkout(ctx context.Context, key string, req checkout.Request) (*checkout.Result, error)
}

type CheckoutRequest struct {
	CartID            string `json:"cart_id" validate:"required,uuid"`
	ShippingAddressID string `json:"shipping_address_id" validate:"required,uuid"`
	BillingAddressID  string `json:"billing_address_id" validate:"required,uuid"`
	PaymentMethod     string `json:"payment_method" validate:"required,oneof=card cash_on_delivery bank_transfer wallet"`
	PaymentReference  string `json:"payment_reference,omitempty" validate:"omitempty,max=255"`
	CouponCode        string `json:"coupon_code,omitempty" validate:"omitempty,max=64"`
	GiftCardCode      string `json:"gift_card_code,omitempty" validate:"omitempty,max=64"`
	ShippingMethod    string `json:"shipping_method,omitempty" validate:"omitempty,max=32"`
}

type CheckoutHandler struct {
	service  CheckoutService
	validate *validator.Validate
}

func NewCheckoutHandler(service CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{service: service, validate: newValidator()}
}

func (h *CheckoutHandler) RegisterRoutes(router chi.Router) {
	router.Post("/checkout", h.handleCheckout)
}

func (h *CheckoutHandler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authentication required", "UNAUTHORIZED")
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" {
		key = uuid.Must(uuid.NewV4()).String()
	}
	w.Header().Set(IdempotencyKeyHeader, key)

	var payload CheckoutRequest
	if err := decodeJSON(r, &payload); err != nil {
		log.Warn().Err(err).Msg("Failed to decode checkout request")
		respondWithError(w, http.StatusBadRequest, "Invalid request payload", "INVALID_PAYLOAD")
		return
	}
	if !validateRequest(w, h.validate, payload) {
		return
	}

	res, err := h.service.Checkout(r.Context(), key, checkout.Request{
		UserID:            userID,
		CartID:            uuid.FromStringOrNil(payload.CartID),
		ShippingAddressID: uuid.FromStringOrNil(payload.ShippingAddressID),
		BillingAddressID:  uuid.FromStringOrNil(payload.BillingAddressID),
		PaymentMethod:     payload.PaymentMethod,
		PaymentReference:  payload.PaymentReference,
		CouponCode:        payload.CouponCode,
		GiftCardCode:      payload.GiftCardCode,
		ShippingMethod:    payload.ShippingMethod,
	})
	if err != nil {
		respondWithDomainError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, res)
}
