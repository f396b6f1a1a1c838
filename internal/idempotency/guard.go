package idempotency

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
	"golang.org/x/crypto/blake2b"
)

type Store interface {
	Claim(ctx context.Context, key string, userID uuid.UUID, requestHash string, attemptID uuid.UUID, lease time.Duration) (bool, error)
	Get(ctx context.Context, key string) (*Entry, error)
	MarkSucceeded(ctx context.Context, q db.Querier, key string, attemptID uuid.UUID, out Outcome) error
	MarkFailed(ctx context.Context, key string, attemptID uuid.UUID, code string) error
}

// Guard makes checkout at-most-once per key: a key produces at most one
// order, and retries with the same key get that order back.
type Guard struct {
	store Store
	cache Cache
	lease time.Duration
	now   func() time.Time
}

func NewGuard(store Store, cache Cache, lease time.Duration) *Guard {
	if cache == nil {
		cache = NopCache{}
	}
	return &Guard{store: store, cache: cache, lease: lease, now: time.Now}
}

// Begin returns the recorded outcome when the key already succeeded for the
// same user and payload. Otherwise it returns the Claim this attempt now
// holds; the attempt must end with MarkSucceeded (inside its commit) or Fail,
// both under that claim, and must not run past its Deadline.
func (g *Guard) Begin(ctx context.Context, key string, userID uuid.UUID, requestHash string) (*Outcome, *Claim, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}

	if cached, err := g.cache.Get(ctx, key); err == nil {
		if out, ok, err := replay(cached, userID, requestHash); ok || err != nil {
			return out, nil, err
		}
	} else if !errors.Is(err, ErrCacheMiss) {
		log.Warn().Err(err).Str("idempotency_key", key).Msg("Idempotency cache lookup failed, falling back to database")
	}

	attemptID, err := uuid.NewV4()
	if err != nil {
		return nil, nil, fmt.Errorf("idempotency: failed to generate attempt id: %w", err)
	}
	// Taken before the claim so the local deadline never outlives the stored lease.
	deadline := g.now().Add(g.lease)

	claimed, err := g.store.Claim(ctx, key, userID, requestHash, attemptID, g.lease)
	if err != nil {
		return nil, nil, err
	}
	if claimed {
		return nil, &Claim{Key: key, AttemptID: attemptID, Deadline: deadline}, nil
	}

	entry, err := g.store.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if entry == nil {
		// The row disappeared between claim and read.
		return nil, nil, ErrInProgress
	}

	out, ok, err := replay(entry, userID, requestHash)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		g.remember(ctx, entry)
		return out, nil, nil
	}
	return nil, nil, ErrInProgress
}

func replay(e *Entry, userID uuid.UUID, requestHash string) (*Outcome, bool, error) {
	if !e.matches(userID, requestHash) {
		return nil, false, ErrKeyReused
	}
	if e.Status != StatusSucceeded || !e.Outcome.Replayable() {
		return nil, false, nil
	}
	out := e.Outcome
	return &out, true, nil
}

func (g *Guard) MarkSucceeded(ctx context.Context, q db.Querier, key string, attemptID uuid.UUID, out Outcome) error {
	return g.store.MarkSucceeded(ctx, q, key, attemptID, out)
}

// Fail releases the key so a later retry may claim it. A claim that was
// taken over by another attempt leaves the key alone.
func (g *Guard) Fail(ctx context.Context, claim *Claim, code string) {
	err := g.store.MarkFailed(ctx, claim.Key, claim.AttemptID, code)
	switch {
	case errors.Is(err, ErrLeaseLost):
		log.Warn().Str("idempotency_key", claim.Key).Stringer("attempt_id", claim.AttemptID).Msg("Idempotency key owned by a newer attempt, failure not recorded")
	case err != nil:
		log.Error().Err(err).Str("idempotency_key", claim.Key).Str("code", code).Msg("Failed to record idempotency failure")
	}
}

// Remember caches a committed outcome for fast replay.
func (g *Guard) Remember(ctx context.Context, key string, userID uuid.UUID, requestHash string, out Outcome) {
	g.remember(ctx, &Entry{
		Key:         key,
		UserID:      userID,
		RequestHash: requestHash,
		Status:      StatusSucceeded,
		Outcome:     out,
	})
}

func (g *Guard) remember(ctx context.Context, e *Entry) {
	if err := g.cache.Set(ctx, e); err != nil {
		log.Warn().Err(err).Str("idempotency_key", e.Key).Msg("Failed to cache idempotency outcome")
	}
}

// Fingerprint hashes the JSON encoding of req. Struct fields encode in
// declaration order, so equal requests give equal fingerprints.
func Fingerprint(req any) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("idempotency: failed to encode request: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
