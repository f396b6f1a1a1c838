package idempotency

import (
	"errors"
	"time"

	"github.com/gofrs/uuid"
)

const maxKeyLength = 255

var (
	ErrInvalidKey = errors.New("idempotency key must be 1-255 characters")
	// ErrInProgress means another attempt holds a live lease on the key.
	ErrInProgress = errors.New("a checkout with this idempotency key is already in progress")
	ErrKeyReused  = errors.New("idempotency key was already used for a different request")
	ErrLeaseLost  = errors.New("idempotency lease was lost to another attempt")
)

type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// Outcome is what a successful checkout recorded under its key.
type Outcome struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
}

// Replayable reports whether the outcome is complete enough to be returned
// to a retrying client. Anything else is treated as no match.
func (o Outcome) Replayable() bool {
	return o.OrderID != uuid.Nil && o.OrderNumber != ""
}

// Claim is one attempt's ownership of a key. AttemptID fences the writes
// that end the attempt, so a stale attempt cannot overwrite the outcome of
// the one that took the key over. The attempt must finish before Deadline.
type Claim struct {
	Key       string
	AttemptID uuid.UUID
	Deadline  time.Time
}

type Entry struct {
	Key         string    `json:"key"`
	UserID      uuid.UUID `json:"user_id"`
	RequestHash string    `json:"request_hash"`
	Status      Status    `json:"status"`
	Outcome     Outcome   `json:"outcome"`
	ErrorCode   string    `json:"error_code,omitempty"`
	LockedUntil time.Time `json:"locked_until"`
}

func (e *Entry) matches(userID uuid.UUID, requestHash string) bool {
	return e.UserID == userID && e.RequestHash == requestHash
}

func ValidateKey(key string) error {
	if key == "" || len(key) > maxKeyLength {
		return ErrInvalidKey
	}
	return nil
}
