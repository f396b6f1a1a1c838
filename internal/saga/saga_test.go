package saga_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/saga"
)

func record(calls *[]string, name string, err error) func(context.Context) (saga.Undo, error) {
	return func(context.Context) (saga.Undo, error) {
		return func(context.Context) error {
			*calls = append(*calls, name)
			return err
		}, nil
	}
}

func TestSaga_CompensateRunsInReverse(t *testing.T) {
	var (
		calls    []string
		observed []string
	)
	s := saga.New("checkout", time.Second, func(step string, err error) {
		observed = append(observed, step)
	})
	ctx := context.Background()

	require.NoError(t, s.Step(ctx, "coupon", record(&calls, "coupon", nil)))
	require.NoError(t, s.Step(ctx, "gift_card", record(&calls, "gift_card", errors.New("db down"))))
	require.NoError(t, s.Step(ctx, "noop", func(context.Context) (saga.Undo, error) { return nil, nil }))
	assert.Equal(t, 2, s.Pending())

	s.Compensate(ctx)

	if diff := cmp.Diff([]string{"gift_card", "coupon"}, calls); diff != "" {
		t.Errorf("undo order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"gift_card", "coupon"}, observed)
	assert.Equal(t, 0, s.Pending())

	// A second call does nothing.
	s.Compensate(ctx)
	assert.Len(t, calls, 2)
}

func TestSaga_FailedStepRegistersNothing(t *testing.T) {
	var calls []string
	s := saga.New("checkout", time.Second, nil)
	ctx := context.Background()

	require.NoError(t, s.Step(ctx, "coupon", record(&calls, "coupon", nil)))
	err := s.Step(ctx, "gift_card", func(context.Context) (saga.Undo, error) {
		return nil, errors.New("gift card expired")
	})
	require.Error(t, err)

	s.Compensate(ctx)
	assert.Equal(t, []string{"coupon"}, calls)
}

func TestSaga_CompleteDisarms(t *testing.T) {
	var calls []string
	s := saga.New("checkout", time.Second, nil)
	ctx := context.Background()

	require.NoError(t, s.Step(ctx, "coupon", record(&calls, "coupon", nil)))
	s.Complete()
	s.Compensate(ctx)

	assert.Empty(t, calls)
	require.Error(t, s.Step(ctx, "late", record(&calls, "late", nil)))
}

func TestSaga_CompensateIgnoresCallerCancellation(t *testing.T) {
	s := saga.New("checkout", time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var undoErr error
	require.NoError(t, s.Step(ctx, "coupon", func(context.Context) (saga.Undo, error) {
		return func(ctx context.Context) error {
			undoErr = ctx.Err()
			return nil
		}, nil
	}))

	cancel()
	s.Compensate(ctx)
	assert.NoError(t, undoErr)
}

func TestSaga_CompensateRecoversPanic(t *testing.T) {
	var (
		calls []string
		errs  []error
	)
	s := saga.New("checkout", time.Second, func(_ string, err error) { errs = append(errs, err) })
	ctx := context.Background()

	require.NoError(t, s.Step(ctx, "coupon", record(&calls, "coupon", nil)))
	require.NoError(t, s.Step(ctx, "boom", func(context.Context) (saga.Undo, error) {
		return func(context.Context) error { panic("nil map") }, nil
	}))

	s.Compensate(ctx)
	assert.Equal(t, []string{"coupon"}, calls)
	require.Len(t, errs, 2)
	assert.Error(t, errs[0])
	assert.NoError(t, errs[1])
}
