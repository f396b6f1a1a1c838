package stock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

type response struct {
	status int
	body   []byte
}

// HTTPClient talks to a remote inventory service. Calls go through a
// circuit breaker; 5xx responses and transport errors count as failures.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[response]
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	cb := gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        "stock-service",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})

	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
		cb:      cb,
	}
}

type reserveRequest struct {
	VariantID uuid.UUID `json:"variant_id"`
	Quantity  int       `json:"quantity"`
	SessionID string    `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
}

func (c *HTTPClient) Reserve(ctx context.Context, variantID uuid.UUID, quantity int, sessionID string, userID uuid.UUID) (ReserveResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/reservations", reserveRequest{
		VariantID: variantID,
		Quantity:  quantity,
		SessionID: sessionID,
		UserID:    userID,
	})
	if err != nil {
		return ReserveResult{}, err
	}

	var result ReserveResult
	switch resp.status {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		if err := json.Unmarshal(resp.body, &result); err != nil {
			return ReserveResult{}, fmt.Errorf("stock: invalid reserve response: %w", err)
		}
		if resp.status == http.StatusConflict {
			result.Success = false
		}
		return result, nil
	default:
		return ReserveResult{}, fmt.Errorf("stock: reserve returned status %d", resp.status)
	}
}

func (c *HTTPClient) CancelReservation(ctx context.Context, reservationID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/reservations/"+url.PathEscape(reservationID), nil)
	if err != nil {
		return err
	}
	switch resp.status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrHoldNotFound
	default:
		return fmt.Errorf("stock: cancel returned status %d", resp.status)
	}
}

type convertRequest struct {
	ReservationIDs []string  `json:"reservation_ids"`
	OrderID        uuid.UUID `json:"order_id"`
}

func (c *HTTPClient) ConvertReservationsToOrder(ctx context.Context, reservationIDs []string, orderID uuid.UUID) (ConvertResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/reservations/convert", convertRequest{
		ReservationIDs: reservationIDs,
		OrderID:        orderID,
	})
	if err != nil {
		return ConvertResult{}, err
	}
	if resp.status != http.StatusOK && resp.status != http.StatusMultiStatus {
		return ConvertResult{}, fmt.Errorf("stock: convert returned status %d", resp.status)
	}

	var result ConvertResult
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return ConvertResult{}, fmt.Errorf("stock: invalid convert response: %w", err)
	}
	return result, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload any) (response, error) {
	resp, err := c.cb.Execute(func() (response, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return response{}, err
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return response{}, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		httpResp, err := c.http.Do(req)
		if err != nil {
			return response{}, err
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return response{}, err
		}
		if httpResp.StatusCode >= http.StatusInternalServerError {
			return response{}, fmt.Errorf("stock: %s %s returned status %d", method, path, httpResp.StatusCode)
		}
		return response{status: httpResp.StatusCode, body: data}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return response{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return response{}, fmt.Errorf("stock: request %s %s failed: %w", method, path, err)
	}
	return resp, nil
}
