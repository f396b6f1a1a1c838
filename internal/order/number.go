package order

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
)

const (
	numberPrefix      = "ORD"
	numberSuffixLen   = 8
	maxNumberAttempts = 5
)

// NumberGenerator produces ORD-YYYYMMDD-XXXXXXXX numbers. The suffix is the
// tail of a ULID's random part in Crockford base32.
type NumberGenerator struct {
	now     func() time.Time
	entropy io.Reader
}

func NewNumberGenerator() *NumberGenerator {
	return &NumberGenerator{now: time.Now, entropy: rand.Reader}
}

func (g *NumberGenerator) candidate() (string, error) {
	now := g.now().UTC()
	id, err := ulid.New(ulid.Timestamp(now), g.entropy)
	if err != nil {
		return "", fmt.Errorf("order: failed to generate number entropy: %w", err)
	}
	s := id.String()
	return fmt.Sprintf("%s-%s-%s", numberPrefix, now.Format("20060102"), s[len(s)-numberSuffixLen:]), nil
}

// Generate returns a number not yet used by any order visible to q.
func (g *NumberGenerator) Generate(ctx context.Context, q db.Querier) (string, error) {
	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		number, err := g.candidate()
		if err != nil {
			return "", err
		}

		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE number = $1)`, number).Scan(&exists); err != nil {
			return "", fmt.Errorf("order: failed to check number %s: %w", number, err)
		}
		if !exists {
			return number, nil
		}
	}
	return "", ErrNumberExhausted
}
