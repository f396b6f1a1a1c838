package sweeper_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/reservation"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/sweeper"
)

type MockLister struct{ mock.Mock }

func (m *MockLister) ListStaleOpen(ctx context.Context, q db.Querier, olderThan time.Time, limit int) ([]*reservation.Reservation, error) {
	args := m.Called(ctx, q, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*reservation.Reservation), args.Error(1)
}

type MockCanceller struct{ mock.Mock }

func (m *MockCanceller) Release(ctx context.Context, res *reservation.Reservation) (bool, error) {
	args := m.Called(ctx, res)
	return args.Bool(0), args.Error(1)
}

type MockExpirer struct{ mock.Mock }

func (m *MockExpirer) ExpireHolds(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func staleHold(kind reservation.Kind) *reservation.Reservation {
	r := &reservation.Reservation{ID: uuid.Must(uuid.NewV4()), Status: reservation.StatusOpen}
	switch kind {
	case reservation.KindCoupon:
		r.Payload = &reservation.CouponHold{Code: "OLD", Discount: decimal.NewFromInt(10)}
	default:
		r.Payload = &reservation.GiftCardHold{Code: "GC-OLD", Held: decimal.NewFromInt(25)}
	}
	return r
}

func TestSweeper_CancelsStaleReservations(t *testing.T) {
	lister := new(MockLister)
	canceller := new(MockCanceller)
	expirer := new(MockExpirer)

	coupon := staleHold(reservation.KindCoupon)
	card := staleHold(reservation.KindGiftCard)

	before := time.Now().Add(-10 * time.Minute)
	lister.On("ListStaleOpen", mock.Anything, mock.Anything, mock.MatchedBy(func(ts time.Time) bool {
		return !ts.After(before.Add(time.Second)) && ts.After(before.Add(-time.Minute))
	}), 100).Return([]*reservation.Reservation{coupon, card}, nil).Once()
	canceller.On("Release", mock.Anything, coupon).Return(true, nil).Once()
	canceller.On("Release", mock.Anything, card).Return(false, errors.New("deadlock")).Once()
	expirer.On("ExpireHolds", mock.Anything).Return(int64(3), nil).Once()

	var swept int
	s := sweeper.New(nil, lister, canceller, expirer, 10*time.Minute, time.Minute, func() { swept++ })

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, swept)
	lister.AssertExpectations(t)
	canceller.AssertExpectations(t)
	expirer.AssertExpectations(t)
}

func TestSweeper_SkipsRecordsAlreadyClosed(t *testing.T) {
	lister := new(MockLister)
	canceller := new(MockCanceller)

	finalized := staleHold(reservation.KindCoupon)
	stale := staleHold(reservation.KindGiftCard)
	lister.On("ListStaleOpen", mock.Anything, mock.Anything, mock.Anything, 100).
		Return([]*reservation.Reservation{finalized, stale}, nil).Once()
	canceller.On("Release", mock.Anything, finalized).Return(false, nil).Once()
	canceller.On("Release", mock.Anything, stale).Return(true, nil).Once()

	var swept int
	s := sweeper.New(nil, lister, canceller, nil, time.Minute, time.Minute, func() { swept++ })

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, swept)
	canceller.AssertExpectations(t)
}

func TestSweeper_ListFailure(t *testing.T) {
	lister := new(MockLister)
	canceller := new(MockCanceller)
	lister.On("ListStaleOpen", mock.Anything, mock.Anything, mock.Anything, 100).Return(nil, errors.New("connection reset")).Once()

	s := sweeper.New(nil, lister, canceller, nil, time.Minute, time.Minute, nil)

	_, err := s.Sweep(context.Background())
	require.Error(t, err)
	canceller.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestSweeper_WithoutLocalStock(t *testing.T) {
	lister := new(MockLister)
	canceller := new(MockCanceller)
	lister.On("ListStaleOpen", mock.Anything, mock.Anything, mock.Anything, 100).Return([]*reservation.Reservation{}, nil).Once()

	s := sweeper.New(nil, lister, canceller, nil, time.Minute, time.Minute, nil)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	ticked := make(chan struct{}, 1)
	lister := new(MockLister)
	lister.On("ListStaleOpen", mock.Anything, mock.Anything, mock.Anything, 100).Run(func(mock.Arguments) {
		select {
		case ticked <- struct{}{}:
		default:
		}
	}).Return([]*reservation.Reservation{}, nil)

	s := sweeper.New(nil, lister, new(MockCanceller), nil, time.Minute, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("sweeper never ran")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
