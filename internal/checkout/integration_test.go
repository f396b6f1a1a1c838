package checkout_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/address"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/cart"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/checkout"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/config"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/idempotency"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/metrics"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/order"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/outbox"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/pricing"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/reservation"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/stock"
)

type stack struct {
	pool      *pgxpool.Pool
	tx        *db.TxRunner
	checkout  *checkout.Service
	carts     *cart.Service
	orders    *order.Reader
	coupons   *reservation.CouponService
	giftCards *reservation.GiftCardService
	keys      *idempotency.Repository
}

func startStack(t *testing.T) *stack {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("checkout"),
		postgres.WithUsername("checkout"),
		postgres.WithPassword("checkout"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pgCfg := config.PostgresConfig{
		Host:            host,
		Port:            port.Port(),
		User:            "checkout",
		Password:        "checkout",
		DBName:          "checkout",
		SSLMode:         "disable",
		MaxConns:        20,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MigrationsPath:  "../../migrations",
	}

	sqlxConn, err := db.ConnectSQLX(pgCfg)
	require.NoError(t, err)
	t.Cleanup(func() { sqlxConn.Close() })
	require.NoError(t, db.ApplyMigrations(sqlxConn, pgCfg))

	pg, err := db.New(ctx, pgCfg)
	require.NoError(t, err)
	t.Cleanup(pg.Close)

	tx := db.NewTxRunner(pg.Pool, config.TxConfig{MaxWait: 5 * time.Second, Timeout: 10 * time.Second})
	events := outbox.NewStore()
	store := reservation.NewStore()

	keys := idempotency.NewRepository(pg.Pool)
	guard := idempotency.NewGuard(keys, nil, 30*time.Second)
	coupons := reservation.NewCouponService(tx, store, 10*time.Minute)
	giftCards := reservation.NewGiftCardService(tx, store, events)
	stockSvc := reservation.NewStockService(stock.NewPostgresClient(tx, 15*time.Minute))
	cartRepo := cart.NewRepository(pg.Pool)
	shipping := pricing.NewRateTable(config.PricingConfig{
		DefaultShippingMethod: "standard",
		ShippingMethods:       map[string]config.ShippingRate{"standard": {Price: decimal.NewFromInt(30)}},
	})

	svc := checkout.NewService(checkout.Dependencies{
		Guard:     guard,
		Carts:     cartRepo,
		Addresses: address.NewRepository(pg.Pool),
		Coupons:   coupons,
		GiftCards: giftCards,
		Assembler: order.NewAssembler(tx, order.NewNumberGenerator(), order.NewWriter(), coupons, giftCards, cartRepo, guard, events),
		Stock:     stockSvc,
		Shipping:  shipping,
		Observer:  metrics.New(prometheus.NewRegistry()),
	}, decimal.RequireFromString("0.18"), 5*time.Second)

	return &stack{
		pool:      pg.Pool,
		tx:        tx,
		checkout:  svc,
		carts:     cart.NewService(cartRepo, stockSvc, 5*time.Second),
		orders:    order.NewReader(sqlxConn),
		coupons:   coupons,
		giftCards: giftCards,
		keys:      keys,
	}
}

type shopper struct {
	userID  uuid.UUID
	address uuid.UUID
}

func (s *stack) exec(t *testing.T, sql string, args ...any) {
	t.Helper()
	_, err := s.pool.Exec(context.Background(), sql, args...)
	require.NoError(t, err)
}

func (s *stack) newShopper(t *testing.T) shopper {
	t.Helper()
	sh := shopper{userID: uuid.Must(uuid.NewV4()), address: uuid.Must(uuid.NewV4())}
	s.exec(t, `
		INSERT INTO addresses (id, user_id, recipient, line1, city, postal_code, country)
		VALUES ($1, $2, 'Test Shopper', '1 Main St', 'Springfield', '12345', 'US')
	`, sh.address, sh.userID)
	return sh
}

// newCart creates a cart worth 1000 for sh: two jackets at 500.
func (s *stack) newCart(t *testing.T, sh shopper) uuid.UUID {
	t.Helper()
	cartID := uuid.Must(uuid.NewV4())
	s.exec(t, `INSERT INTO carts (id, user_id, session_id) VALUES ($1, $2, 'session')`, cartID, sh.userID)
	s.exec(t, `
		INSERT INTO cart_items (id, cart_id, product_id, name, quantity, unit_price, position)
		VALUES ($1, $2, $3, 'Jacket', 2, 500, 1)
	`, uuid.Must(uuid.NewV4()), cartID, uuid.Must(uuid.NewV4()))
	return cartID
}

func (s *stack) grantCoupon(t *testing.T, sh shopper, code string) {
	t.Helper()
	couponID := uuid.Must(uuid.NewV4())
	s.exec(t, `
		INSERT INTO coupons (id, code, type, value, min_order_amount)
		VALUES ($1, $2, 'FIXED', 200, 500)
	`, couponID, code)
	s.exec(t, `INSERT INTO user_coupon_grants (id, user_id, coupon_id) VALUES ($1, $2, $3)`, uuid.Must(uuid.NewV4()), sh.userID, couponID)
}

func (s *stack) issueGiftCard(t *testing.T, code string, balance int64) {
	t.Helper()
	s.exec(t, `
		INSERT INTO gift_cards (id, code, balance, initial_balance, status)
		VALUES ($1, $2, $3, $3, 'ACTIVE')
	`, uuid.Must(uuid.NewV4()), code, balance)
}

func (s *stack) scalar(t *testing.T, dst any, sql string, args ...any) {
	t.Helper()
	require.NoError(t, s.pool.QueryRow(context.Background(), sql, args...).Scan(dst))
}

func request(sh shopper, cartID uuid.UUID) checkout.Request {
	return checkout.Request{
		UserID:            sh.userID,
		CartID:            cartID,
		ShippingAddressID: sh.address,
		BillingAddressID:  sh.address,
		PaymentMethod:     "card",
	}
}

func TestIntegration_CheckoutCommitsEverything(t *testing.T) {
	s := startStack(t)
	ctx := context.Background()

	sh := s.newShopper(t)
	cartID := s.newCart(t, sh)
	s.grantCoupon(t, sh, "MINUS200")
	s.issueGiftCard(t, "GC-INTEG-0001", 50)

	variantID := uuid.Must(uuid.NewV4())
	s.exec(t, `INSERT INTO variant_stock (variant_id, on_hand) VALUES ($1, 5)`, variantID)
	_, err := s.carts.AddItem(ctx, sh.userID, cartID, cart.AddItemInput{
		ProductID: uuid.Must(uuid.NewV4()),
		VariantID: uuid.NullUUID{UUID: variantID, Valid: true},
		Name:      "Socks",
		Quantity:  1,
		UnitPrice: decimal.Zero,
	})
	require.NoError(t, err)

	req := request(sh, cartID)
	req.CouponCode = "MINUS200"
	req.GiftCardCode = "GC-INTEG-0001"

	res, err := s.checkout.Checkout(ctx, "integ-key-1", req)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(924).Equal(res.Totals.Total), "total %s", res.Totals.Total)
	assert.Empty(t, res.StockWarnings)

	var (
		balance decimal.Decimal
		status  string
	)
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT balance, status FROM gift_cards WHERE code = 'GC-INTEG-0001'`).Scan(&balance, &status))
	assert.True(t, balance.IsZero())
	assert.Equal(t, "USED", status)

	var used bool
	s.scalar(t, &used, `SELECT used FROM user_coupon_grants WHERE user_id = $1`, sh.userID)
	assert.True(t, used)

	var items, open, events int
	s.scalar(t, &items, `SELECT count(*) FROM cart_items WHERE cart_id = $1`, cartID)
	s.scalar(t, &open, `SELECT count(*) FROM reservations WHERE idempotency_key = 'integ-key-1' AND status <> 'FINALIZED'`)
	s.scalar(t, &events, `SELECT count(*) FROM outbox_events WHERE event_type IN ('order.created', 'giftcard.debited')`)
	assert.Zero(t, items)
	assert.Zero(t, open)
	assert.Equal(t, 2, events)

	var holdStatus string
	s.scalar(t, &holdStatus, `SELECT status FROM stock_holds WHERE variant_id = $1`, variantID)
	assert.Equal(t, "CONVERTED", holdStatus)

	t.Run("replay returns the same order", func(t *testing.T) {
		again, err := s.checkout.Checkout(ctx, "integ-key-1", req)
		require.NoError(t, err)
		assert.True(t, again.Idempotent)
		assert.Equal(t, res.OrderID, again.OrderID)
		assert.Equal(t, res.OrderNumber, again.OrderNumber)

		var orders int
		s.scalar(t, &orders, `SELECT count(*) FROM orders WHERE idempotency_key = 'integ-key-1'`)
		assert.Equal(t, 1, orders)
	})

	t.Run("read side returns the order", func(t *testing.T) {
		o, err := s.orders.GetByID(ctx, res.OrderID, sh.userID)
		require.NoError(t, err)
		assert.Equal(t, res.OrderNumber, o.Number)
		assert.Equal(t, order.StatusPending, o.Status)
		assert.True(t, decimal.NewFromInt(50).Equal(o.GiftCardOffset))
		assert.Len(t, o.Items, 2)
		require.Len(t, o.Timeline, 1)
		require.NotNil(t, o.Payment)
		assert.True(t, decimal.NewFromInt(924).Equal(o.Payment.Amount))

		_, err = s.orders.GetByID(ctx, res.OrderID, uuid.Must(uuid.NewV4()))
		assert.ErrorIs(t, err, order.ErrOrderNotFound)
	})
}

func TestIntegration_GiftCardIsNeverOverspent(t *testing.T) {
	s := startStack(t)
	ctx := context.Background()
	s.issueGiftCard(t, "GC-SHARED", 50)

	const attempts = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		sh := s.newShopper(t)
		cartID := s.newCart(t, sh)
		req := request(sh, cartID)
		req.GiftCardCode = "GC-SHARED"

		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := s.checkout.Checkout(ctx, key, req)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(fmt.Sprintf("gc-race-%d", i))
	}
	wg.Wait()

	require.GreaterOrEqual(t, succeeded, 1)

	var balance, offsets, ledger decimal.Decimal
	s.scalar(t, &balance, `SELECT balance FROM gift_cards WHERE code = 'GC-SHARED'`)
	s.scalar(t, &offsets, `SELECT COALESCE(SUM(gift_card_offset), 0) FROM orders`)
	s.scalar(t, &ledger, `SELECT COALESCE(SUM(-amount), 0) FROM gift_card_ledger`)

	assert.True(t, balance.Add(offsets).Equal(decimal.NewFromInt(50)), "balance %s + offsets %s", balance, offsets)
	assert.True(t, offsets.Equal(ledger), "offsets %s, ledger %s", offsets, ledger)
	assert.False(t, balance.IsNegative())

	var open int
	s.scalar(t, &open, `SELECT count(*) FROM reservations WHERE status = 'OPEN'`)
	assert.Zero(t, open, "every failed attempt must release its holds")
}

func TestIntegration_CouponIsConsumedOnce(t *testing.T) {
	s := startStack(t)
	ctx := context.Background()

	sh := s.newShopper(t)
	s.grantCoupon(t, sh, "ONCE")

	const attempts = 4
	var (
		wg   sync.WaitGroup
		reqs = make([]checkout.Request, attempts)
		errs = make([]error, attempts)
	)
	key := func(i int) string { return fmt.Sprintf("coupon-race-%d", i) }
	for i := 0; i < attempts; i++ {
		reqs[i] = request(sh, s.newCart(t, sh))
		reqs[i].CouponCode = "ONCE"

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.checkout.Checkout(ctx, key(i), reqs[i])
		}(i)
	}
	wg.Wait()

	// Conflicts are retry-safe; a client retries them with the same key.
	for i, err := range errs {
		var ce *checkout.Error
		if errors.As(err, &ce) && ce.Kind == checkout.KindConflict {
			_, errs[i] = s.checkout.Checkout(ctx, key(i), reqs[i])
		}
	}

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var ce *checkout.Error
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, checkout.KindValidation, ce.Kind, ce.Code)
		assert.Equal(t, "COUPON_USED", ce.Code)
	}
	assert.Equal(t, 1, succeeded)

	var withCoupon, usageCount int
	s.scalar(t, &withCoupon, `SELECT count(*) FROM orders WHERE user_id = $1 AND coupon_code <> ''`, sh.userID)
	s.scalar(t, &usageCount, `SELECT usage_count FROM coupons WHERE code = 'ONCE'`)
	assert.Equal(t, 1, withCoupon)
	assert.Equal(t, 1, usageCount)

	var open int
	s.scalar(t, &open, `SELECT count(*) FROM reservations WHERE status = 'OPEN'`)
	assert.Zero(t, open)
}

func TestIntegration_FailedCheckoutReleasesHolds(t *testing.T) {
	s := startStack(t)
	ctx := context.Background()

	sh := s.newShopper(t)
	cartID := s.newCart(t, sh)
	s.grantCoupon(t, sh, "MINUS200")
	s.issueGiftCard(t, "GC-EXPIRED", 40)
	s.exec(t, `UPDATE gift_cards SET valid_until = now() - interval '1 day' WHERE code = 'GC-EXPIRED'`)

	req := request(sh, cartID)
	req.CouponCode = "MINUS200"
	req.GiftCardCode = "GC-EXPIRED"

	_, err := s.checkout.Checkout(ctx, "integ-fail-1", req)
	var ce *checkout.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "GIFT_CARD_EXPIRED", ce.Code)

	var couponStatus, keyStatus, errorCode string
	s.scalar(t, &couponStatus, `SELECT status FROM reservations WHERE idempotency_key = 'integ-fail-1' AND kind = 'COUPON'`)
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT status, error_code FROM idempotency_keys WHERE key = 'integ-fail-1'`).Scan(&keyStatus, &errorCode))
	assert.Equal(t, "CANCELLED", couponStatus)
	assert.Equal(t, "FAILED", keyStatus)
	assert.Equal(t, "GIFT_CARD_EXPIRED", errorCode)

	var items, orders int
	s.scalar(t, &items, `SELECT count(*) FROM cart_items WHERE cart_id = $1`, cartID)
	s.scalar(t, &orders, `SELECT count(*) FROM orders WHERE user_id = $1`, sh.userID)
	assert.Equal(t, 1, items)
	assert.Zero(t, orders)

	t.Run("failed key is retried with a corrected payload", func(t *testing.T) {
		retry := req
		retry.GiftCardCode = ""
		res, err := s.checkout.Checkout(ctx, "integ-fail-1", retry)
		require.NoError(t, err)
		assert.False(t, res.Idempotent)
		assert.True(t, decimal.NewFromInt(974).Equal(res.Totals.Total), res.Totals.Total.String())

		s.scalar(t, &keyStatus, `SELECT status FROM idempotency_keys WHERE key = 'integ-fail-1'`)
		assert.Equal(t, "SUCCEEDED", keyStatus)

		_, err = s.checkout.Checkout(ctx, "integ-fail-1", req)
		require.ErrorIs(t, err, idempotency.ErrKeyReused)
	})
}

// placeholderOrder inserts a bare order row for tests that finalize
// reservations outside the assembler.
func (s *stack) placeholderOrder(t *testing.T, sh shopper) uuid.UUID {
	t.Helper()
	id := uuid.Must(uuid.NewV4())
	s.exec(t, `
		INSERT INTO orders (
			id, number, user_id, cart_id, status,
			subtotal, shipping, tax, discount, gift_card_offset, total,
			shipping_address_id, billing_address_id, shipping_method, payment_method, idempotency_key
		)
		VALUES ($1, $2, $3, $4, 'PENDING', 0, 0, 0, 0, 0, 0, $5, $5, 'standard', 'card', $2)
	`, id, "TEST-"+id.String(), sh.userID, uuid.Must(uuid.NewV4()), sh.address)
	return id
}

func (s *stack) finalizeGiftCard(res *reservation.Reservation, orderID uuid.UUID, applied decimal.Decimal) (decimal.Decimal, error) {
	var debited decimal.Decimal
	err := s.tx.Serializable(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
		var err error
		debited, err = s.giftCards.Finalize(ctx, tx, res, orderID, applied)
		return err
	})
	return debited, err
}

func (s *stack) finalizeCoupon(res *reservation.Reservation, orderID uuid.UUID, subtotal decimal.Decimal) error {
	return s.tx.Serializable(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
		return s.coupons.Finalize(ctx, tx, res, orderID, subtotal)
	})
}

func (s *stack) reservationStatus(t *testing.T, id uuid.UUID) string {
	t.Helper()
	var status string
	s.scalar(t, &status, `SELECT status FROM reservations WHERE id = $1`, id)
	return status
}

func TestIntegration_GiftCardFinalize(t *testing.T) {
	s := startStack(t)
	ctx := context.Background()

	reserve := func(t *testing.T, sh shopper, code string, balance int64) *reservation.Reservation {
		t.Helper()
		s.issueGiftCard(t, code, balance)
		res, err := s.giftCards.Reserve(ctx, reservation.GiftCardRequest{Code: code, UserID: sh.userID, IdempotencyKey: "gc-" + code})
		require.NoError(t, err)
		return res
	}

	t.Run("partial debit writes a negative ledger entry", func(t *testing.T) {
		sh := s.newShopper(t)
		res := reserve(t, sh, "GC-PARTIAL", 100)
		orderID := s.placeholderOrder(t, sh)

		debited, err := s.finalizeGiftCard(res, orderID, decimal.NewFromInt(40))
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(40).Equal(debited))

		var (
			balance, amount, after decimal.Decimal
			status                 string
		)
		require.NoError(t, s.pool.QueryRow(ctx, `SELECT balance, status FROM gift_cards WHERE code = 'GC-PARTIAL'`).Scan(&balance, &status))
		require.NoError(t, s.pool.QueryRow(ctx, `SELECT amount, balance_after FROM gift_card_ledger WHERE order_id = $1`, orderID).Scan(&amount, &after))
		assert.True(t, decimal.NewFromInt(60).Equal(balance), balance.String())
		assert.Equal(t, "ACTIVE", status)
		assert.True(t, decimal.NewFromInt(-40).Equal(amount), amount.String())
		assert.True(t, decimal.NewFromInt(60).Equal(after), after.String())

		var applied decimal.Decimal
		s.scalar(t, &applied, `SELECT applied_amount FROM reservations WHERE id = $1`, res.ID)
		assert.True(t, decimal.NewFromInt(40).Equal(applied))
		assert.Equal(t, "FINALIZED", s.reservationStatus(t, res.ID))
	})

	t.Run("debit to zero marks the card used", func(t *testing.T) {
		sh := s.newShopper(t)
		res := reserve(t, sh, "GC-DRAIN", 50)

		_, err := s.finalizeGiftCard(res, s.placeholderOrder(t, sh), decimal.NewFromInt(80))
		require.NoError(t, err)

		var (
			balance decimal.Decimal
			status  string
		)
		require.NoError(t, s.pool.QueryRow(ctx, `SELECT balance, status FROM gift_cards WHERE code = 'GC-DRAIN'`).Scan(&balance, &status))
		assert.True(t, balance.IsZero())
		assert.Equal(t, "USED", status)
	})

	t.Run("balance spent elsewhere after the hold is rejected", func(t *testing.T) {
		sh := s.newShopper(t)
		res := reserve(t, sh, "GC-SPENT", 100)
		s.exec(t, `UPDATE gift_cards SET balance = 30 WHERE code = 'GC-SPENT'`)
		orderID := s.placeholderOrder(t, sh)

		_, err := s.finalizeGiftCard(res, orderID, decimal.NewFromInt(40))
		require.ErrorIs(t, err, reservation.ErrGiftCardStale)

		var balance decimal.Decimal
		var entries int
		s.scalar(t, &balance, `SELECT balance FROM gift_cards WHERE code = 'GC-SPENT'`)
		s.scalar(t, &entries, `SELECT count(*) FROM gift_card_ledger WHERE order_id = $1`, orderID)
		assert.True(t, decimal.NewFromInt(30).Equal(balance))
		assert.Zero(t, entries)
		assert.Equal(t, "OPEN", s.reservationStatus(t, res.ID))
	})

	t.Run("card expired after the hold is rejected", func(t *testing.T) {
		sh := s.newShopper(t)
		res := reserve(t, sh, "GC-LAPSED", 100)
		s.exec(t, `UPDATE gift_cards SET valid_until = now() - interval '1 minute' WHERE code = 'GC-LAPSED'`)

		_, err := s.finalizeGiftCard(res, s.placeholderOrder(t, sh), decimal.NewFromInt(40))
		require.ErrorIs(t, err, reservation.ErrGiftCardExpired)
	})

	t.Run("cancelled hold cannot be finalized", func(t *testing.T) {
		sh := s.newShopper(t)
		res := reserve(t, sh, "GC-RELEASED", 100)
		canceller := reservation.NewCanceller(s.coupons, s.giftCards, nil)
		released, err := canceller.Release(ctx, res)
		require.NoError(t, err)
		require.True(t, released)
		released, err = canceller.Release(ctx, res)
		require.NoError(t, err)
		assert.False(t, released, "a closed hold is not released twice")

		_, err = s.finalizeGiftCard(res, s.placeholderOrder(t, sh), decimal.NewFromInt(40))
		require.ErrorIs(t, err, reservation.ErrNotOpen)

		var balance decimal.Decimal
		s.scalar(t, &balance, `SELECT balance FROM gift_cards WHERE code = 'GC-RELEASED'`)
		assert.True(t, decimal.NewFromInt(100).Equal(balance))
	})
}

func TestIntegration_CouponFinalize(t *testing.T) {
	s := startStack(t)
	ctx := context.Background()
	subtotal := decimal.NewFromInt(1000)

	reserve := func(t *testing.T, sh shopper, code, key string) *reservation.Reservation {
		t.Helper()
		res, err := s.coupons.Reserve(ctx, reservation.CouponRequest{Code: code, UserID: sh.userID, Subtotal: subtotal, IdempotencyKey: key})
		require.NoError(t, err)
		return res
	}
	grantUsed := func(t *testing.T, sh shopper) bool {
		t.Helper()
		var used bool
		s.scalar(t, &used, `SELECT used FROM user_coupon_grants WHERE user_id = $1`, sh.userID)
		return used
	}

	t.Run("finalize consumes the grant once", func(t *testing.T) {
		sh := s.newShopper(t)
		s.grantCoupon(t, sh, "FIN-OK")
		res := reserve(t, sh, "FIN-OK", "fin-ok")

		require.NoError(t, s.finalizeCoupon(res, uuid.Must(uuid.NewV4()), subtotal))
		assert.True(t, grantUsed(t, sh))
		assert.Equal(t, "FINALIZED", s.reservationStatus(t, res.ID))

		err := s.finalizeCoupon(res, uuid.Must(uuid.NewV4()), subtotal)
		require.ErrorIs(t, err, reservation.ErrCouponUsed)

		var usage int
		s.scalar(t, &usage, `SELECT usage_count FROM coupons WHERE code = 'FIN-OK'`)
		assert.Equal(t, 1, usage)
	})

	tests := []struct {
		name     string
		code     string
		change   string
		subtotal decimal.Decimal
		wantErr  error
	}{
		{
			name:     "subtotal changed since the hold",
			code:     "FIN-STALE",
			subtotal: decimal.NewFromInt(900),
			wantErr:  reservation.ErrCouponStale,
		},
		{
			name:     "coupon window closed after the hold",
			code:     "FIN-EXPIRED",
			change:   `UPDATE coupons SET valid_until = now() - interval '1 minute' WHERE code = 'FIN-EXPIRED'`,
			subtotal: subtotal,
			wantErr:  reservation.ErrCouponExpired,
		},
		{
			name:     "minimum order raised after the hold",
			code:     "FIN-MIN",
			change:   `UPDATE coupons SET min_order_amount = 2000 WHERE code = 'FIN-MIN'`,
			subtotal: subtotal,
			wantErr:  reservation.ErrCouponMinOrder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sh := s.newShopper(t)
			s.grantCoupon(t, sh, tt.code)
			res := reserve(t, sh, tt.code, "key-"+tt.code)
			if tt.change != "" {
				s.exec(t, tt.change)
			}

			err := s.finalizeCoupon(res, uuid.Must(uuid.NewV4()), tt.subtotal)
			require.ErrorIs(t, err, tt.wantErr)
			assert.False(t, grantUsed(t, sh))
			assert.Equal(t, "OPEN", s.reservationStatus(t, res.ID))

			var usage int
			s.scalar(t, &usage, `SELECT usage_count FROM coupons WHERE code = $1`, tt.code)
			assert.Zero(t, usage)
		})
	}
}

func TestIntegration_CouponHoldRelease(t *testing.T) {
	s := startStack(t)
	ctx := context.Background()
	subtotal := decimal.NewFromInt(1000)

	reserve := func(sh shopper, code, key string) (*reservation.Reservation, error) {
		return s.coupons.Reserve(ctx, reservation.CouponRequest{Code: code, UserID: sh.userID, Subtotal: subtotal, IdempotencyKey: key})
	}

	t.Run("live hold of another attempt blocks", func(t *testing.T) {
		sh := s.newShopper(t)
		s.grantCoupon(t, sh, "HOLD-LIVE")
		first, err := reserve(sh, "HOLD-LIVE", "attempt-a")
		require.NoError(t, err)

		_, err = reserve(sh, "HOLD-LIVE", "attempt-b")
		require.ErrorIs(t, err, reservation.ErrCouponHeld)
		assert.Equal(t, "OPEN", s.reservationStatus(t, first.ID))
	})

	t.Run("retry with the same key releases its orphan", func(t *testing.T) {
		sh := s.newShopper(t)
		s.grantCoupon(t, sh, "HOLD-ORPHAN")
		first, err := reserve(sh, "HOLD-ORPHAN", "attempt-a")
		require.NoError(t, err)

		second, err := reserve(sh, "HOLD-ORPHAN", "attempt-a")
		require.NoError(t, err)
		assert.Equal(t, "CANCELLED", s.reservationStatus(t, first.ID))
		assert.Equal(t, "OPEN", s.reservationStatus(t, second.ID))
	})

	t.Run("expired hold is released for another attempt", func(t *testing.T) {
		sh := s.newShopper(t)
		s.grantCoupon(t, sh, "HOLD-EXPIRED")
		first, err := reserve(sh, "HOLD-EXPIRED", "attempt-a")
		require.NoError(t, err)
		s.exec(t, `UPDATE reservations SET created_at = now() - interval '1 hour' WHERE id = $1`, first.ID)

		second, err := reserve(sh, "HOLD-EXPIRED", "attempt-b")
		require.NoError(t, err)
		assert.Equal(t, "CANCELLED", s.reservationStatus(t, first.ID))
		assert.Equal(t, "OPEN", s.reservationStatus(t, second.ID))

		var audits int
		s.scalar(t, &audits, `SELECT count(*) FROM audit_events WHERE reservation_id = $1 AND action = 'coupon.cancel'`, first.ID)
		assert.Equal(t, 1, audits)
	})
}

func TestIntegration_StaleAttemptCannotEndNewerClaim(t *testing.T) {
	s := startStack(t)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())
	stale, current := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	outcome := idempotency.Outcome{OrderID: uuid.Must(uuid.NewV4()), OrderNumber: "ORD-20250301-FENCE"}

	claimed, err := s.keys.Claim(ctx, "fence-1", user, "hash", stale, 30*time.Second)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = s.keys.Claim(ctx, "fence-1", user, "hash", current, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, claimed, "a live lease is not taken over")

	s.exec(t, `UPDATE idempotency_keys SET locked_until = now() - interval '1 second' WHERE key = 'fence-1'`)
	claimed, err = s.keys.Claim(ctx, "fence-1", user, "hash", current, 30*time.Second)
	require.NoError(t, err)
	require.True(t, claimed)

	require.ErrorIs(t, s.keys.MarkFailed(ctx, "fence-1", stale, "RESERVATION_RELEASED"), idempotency.ErrLeaseLost)
	require.ErrorIs(t, s.keys.MarkSucceeded(ctx, s.pool, "fence-1", stale, outcome), idempotency.ErrLeaseLost)

	var status string
	s.scalar(t, &status, `SELECT status FROM idempotency_keys WHERE key = 'fence-1'`)
	assert.Equal(t, "IN_PROGRESS", status)

	require.NoError(t, s.keys.MarkSucceeded(ctx, s.pool, "fence-1", current, outcome))
	entry, err := s.keys.Get(ctx, "fence-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusSucceeded, entry.Status)
	assert.Equal(t, outcome, entry.Outcome)

	t.Run("failed key is claimable with a different payload", func(t *testing.T) {
		first := uuid.Must(uuid.NewV4())
		claimed, err := s.keys.Claim(ctx, "fence-2", user, "hash-a", first, 30*time.Second)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, s.keys.MarkFailed(ctx, "fence-2", first, "COUPON_EXPIRED"))

		claimed, err = s.keys.Claim(ctx, "fence-2", uuid.Must(uuid.NewV4()), "hash-b", uuid.Must(uuid.NewV4()), 30*time.Second)
		require.NoError(t, err)
		assert.False(t, claimed, "another user cannot take the key")

		claimed, err = s.keys.Claim(ctx, "fence-2", user, "hash-b", uuid.Must(uuid.NewV4()), 30*time.Second)
		require.NoError(t, err)
		assert.True(t, claimed)

		entry, err := s.keys.Get(ctx, "fence-2")
		require.NoError(t, err)
		assert.Equal(t, "hash-b", entry.RequestHash)
		assert.Equal(t, idempotency.StatusInProgress, entry.Status)
	})
}
