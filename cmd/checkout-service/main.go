package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/address"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/cart"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/checkout"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/config"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/db"
	handler "github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/handler/http"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/idempotency"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/metrics"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/order"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/outbox"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/pricing"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/reservation"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/stock"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/sweeper"
	"github.com/vasiliy-maslov/ecommerce-microservices/checkout-service/internal/transport"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Logger = log.With().Str("service", "checkout-service").Logger()

	log.Info().Msg("Checkout service starting...")

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.App.Env == "production" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "checkout-service").Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pg.Close()

	sqlxConn, err := db.ConnectSQLX(cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open read connection")
	}
	defer sqlxConn.Close()

	if err := db.ApplyMigrations(sqlxConn, cfg.Postgres); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	tx := db.NewTxRunner(pg.Pool, cfg.Tx)
	events := outbox.NewStore()
	reservations := reservation.NewStore()

	var cache idempotency.Cache = idempotency.NopCache{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, replay cache will miss until it recovers")
		}
		cache = idempotency.NewRedisCache(rdb, cfg.Checkout.IdempotencyCacheTTL)
	}
	guard := idempotency.NewGuard(idempotency.NewRepository(pg.Pool), cache, cfg.Checkout.IdempotencyLease)

	var (
		stockClient stock.Client
		holdExpirer sweeper.HoldExpirer
	)
	if cfg.Stock.ServiceURL != "" {
		stockClient = stock.NewHTTPClient(cfg.Stock.ServiceURL, cfg.Stock.RequestTimeout)
	} else {
		local := stock.NewPostgresClient(tx, cfg.Stock.HoldTTL)
		stockClient = local
		holdExpirer = local
	}

	coupons := reservation.NewCouponService(tx, reservations, cfg.Checkout.ReservationHoldTTL)
	giftCards := reservation.NewGiftCardService(tx, reservations, events)
	stockSvc := reservation.NewStockService(stockClient)
	canceller := reservation.NewCanceller(coupons, giftCards, stockSvc)

	carts := cart.NewRepository(pg.Pool)
	assembler := order.NewAssembler(tx, order.NewNumberGenerator(), order.NewWriter(), coupons, giftCards, carts, guard, events)

	checkoutSvc := checkout.NewService(checkout.Dependencies{
		Guard:     guard,
		Carts:     carts,
		Addresses: address.NewRepository(pg.Pool),
		Coupons:   coupons,
		GiftCards: giftCards,
		Assembler: assembler,
		Stock:     stockSvc,
		Shipping:  pricing.NewRateTable(cfg.Pricing),
		Observer:  m,
	}, cfg.Pricing.TaxRate, cfg.Checkout.CompensationTimeout)

	router := transport.NewRouter(transport.Handlers{
		Checkout: handler.NewCheckoutHandler(checkoutSvc),
		Orders:   handler.NewOrderHandler(order.NewReader(sqlxConn)),
		Carts:    handler.NewCartHandler(cart.NewService(carts, stockSvc, cfg.Checkout.CompensationTimeout)),
		Auth:     handler.NewAuthenticator(cfg.Auth.JWTSecret),
		Metrics:  m,
	})

	var workers sync.WaitGroup

	sweep := sweeper.New(pg.Pool, reservations, canceller, holdExpirer, cfg.Checkout.ReservationHoldTTL, cfg.Checkout.SweepInterval, m.ReservationSwept)
	workers.Add(1)
	go func() {
		defer workers.Done()
		sweep.Run(ctx)
	}()

	if len(cfg.Kafka.Brokers) > 0 {
		writer := outbox.NewKafkaWriter(cfg.Kafka.Brokers)
		defer writer.Close()

		publisher := outbox.NewPublisher(tx, events, writer, map[string]string{
			outbox.EventOrderCreated:    cfg.Kafka.OrdersTopic,
			outbox.EventGiftCardDebited: cfg.Kafka.NotificationsTopic,
		}, cfg.Kafka.PollInterval, cfg.Kafka.BatchSize).OnPublished(m.EventPublished)

		workers.Add(1)
		go func() {
			defer workers.Done()
			publisher.Run(ctx)
		}()
	} else {
		log.Warn().Msg("KAFKA_BROKERS not set, outbox events stay pending")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
	workers.Wait()
	log.Info().Msg("Server stopped")
}
