package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/cart"
)

type CartService interface {
	AddItem(ctx context.Context, userID, cartID uuid.UUID, in cart.AddItemInput) (*cart.Item, error)
}

type AddItemRequest struct {
	ProductID string          `json:"product_id" validate:"required,uuid"`
	VariantID string          `json:"variant_id,omitempty" validate:"omitempty,uuid"`
	Name      string          `json:"name" validate:"required,max=255"`
	Quantity  int             `json:"quantity" validate:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type CartHandler struct {
	carts    CartService
	validate *validator.Validate
}

func NewCartHandler(carts CartService) *CartHandler {
	return &CartHandler{carts: carts, validate: newValidator()}
}

func (h *CartHandler) RegisterRoutes(router chi.Router) {
	router.Post("/carts/{id}/items", h.handleAddItem)
}

func (h *CartHandler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authentication required", "UNAUTHORIZED")
		return
	}

	idParam := chi.URLParam(r, "id")
	cartID, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("cart_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter", "INVALID_ID")
		return
	}

	var payload AddItemRequest
	if err := decodeJSON(r, &payload); err != nil {
		log.Warn().Err(err).Msg("Failed to decode add item request")
		respondWithError(w, http.StatusBadRequest, "Invalid request payload", "INVALID_PAYLOAD")
		return
	}
	if !validateRequest(w, h.validate, payload) {
		return
	}

	in := cart.AddItemInput{
		ProductID: uuid.FromStringOrNil(payload.ProductID),
		Name:      payload.Name,
		Quantity:  payload.Quantity,
		UnitPrice: payload.UnitPrice,
	}
	if payload.VariantID != "" {
		in.VariantID = uuid.NullUUID{UUID: uuid.FromStringOrNil(payload.VariantID), Valid: true}
	}

	item, err := h.carts.AddItem(r.Context(), userID, cartID, in)
	if err != nil {
		log.Error().Err(err).Stringer("cart_id", cartID).Msg("Failed to add cart item")
		respondWithDomainError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, item)
}
