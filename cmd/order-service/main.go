package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/food-order-service/internal/calendar"
	"github.com/vasiliy-maslov/food-order-service/internal/catalog"
	"github.com/vasiliy-maslov/food-order-service/internal/config"
	"github.com/vasiliy-maslov/food-order-service/internal/db"
	"github.com/vasiliy-maslov/food-order-service/internal/gateway/square"
	"github.com/vasiliy-maslov/food-order-service/internal/ledger"
	"github.com/vasiliy-maslov/food-order-service/internal/messaging"
	"github.com/vasiliy-maslov/food-order-service/internal/order"
	"github.com/vasiliy-maslov/food-order-service/internal/pkg/cache"
	"github.com/vasiliy-maslov/food-order-service/internal/pkg/telemetry"
	"github.com/vasiliy-maslov/food-order-service/internal/sagalog"
	"github.com/vasiliy-maslov/food-order-service/internal/scheduler"
	"github.com/vasiliy-maslov/food-order-service/internal/transport"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg.App)

	log.Info().Msg("Order service starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.SetupTracer(ctx, telemetry.Config{
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			log.Error().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	pg, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pg.Close()

	if err := pg.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	loc, err := cfg.Orders.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid time zone")
	}

	// 1. Redis: лидерство для фоновых задач и кэш каталога.
	var (
		leader       scheduler.Leader
		catalogCache cache.Cache
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to redis")
		}
		leader = scheduler.NewRedisLeader(rdb, cfg.App.Name)
		catalogCache = cache.NewRedisCache(rdb, cfg.App.Name)
	} else {
		log.Warn().Msg("REDIS_ADDR not set, sweeps run without a leader lease")
		catalogCache = cache.NewMemoryCache(cfg.App.Name)
	}

	// 2. Внешние сервисы.
	publisher, closeNATS, err := messaging.Connect(messaging.Config{
		URL:       cfg.NATS.URL,
		ClusterID: cfg.NATS.ClusterID,
		ClientID:  cfg.NATS.ClientID,
		Subjects: messaging.Subjects{
			Ticket:       cfg.NATS.TicketSubject,
			TicketCancel: cfg.NATS.TicketCancelSubject,
			Customer:     cfg.NATS.CustomerSubject,
			Alert:        cfg.NATS.AlertSubject,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS Streaming")
	}
	defer func() {
		if err := closeNATS(); err != nil {
			log.Error().Err(err).Msg("NATS close failed")
		}
	}()

	cal, err := calendar.New(ctx, calendar.Config{
		CalendarID:      cfg.Calendar.CalendarID,
		CredentialsFile: cfg.Calendar.CredentialsFile,
		Endpoint:        cfg.Calendar.Endpoint,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create calendar client")
	}

	gateway := square.NewClient(square.Config{
		BaseURL:        cfg.Square.BaseURL,
		AccessToken:    cfg.Square.AccessToken,
		LocationID:     cfg.Square.LocationID,
		APIVersion:     cfg.Square.APIVersion,
		Timeout:        cfg.Square.Timeout,
		MaxRetryPeriod: cfg.Square.MaxRetryPeriod,
	})

	menu := catalog.NewClient(catalog.Config{
		BaseURL:  cfg.Catalog.BaseURL,
		Timeout:  cfg.Catalog.Timeout,
		CacheTTL: cfg.Redis.CacheTTL,
	}, catalogCache)

	// 3. Сервис заказов.
	svc := order.NewService(order.Config{
		Rules: order.PricingRules{
			Currency:          cfg.Orders.Currency,
			TaxRate:           cfg.Orders.TaxRate,
			AutogratThreshold: order.Money{Amount: cfg.Orders.AutogratThreshold, Currency: cfg.Orders.Currency},
			AutogratPercent:   cfg.Orders.AutogratPercent,
		},
		Location:             loc,
		LockMaxHold:          cfg.Orders.LockMaxHold,
		DispatchAhead:        cfg.Orders.DispatchAhead,
		StaleOrderMinAge:     cfg.Orders.StaleOrderMinAge,
		StaleOrderMaxAge:     cfg.Orders.StaleOrderMaxAge,
		ThirdPartySource:     cfg.Orders.ThirdPartySource,
		ThirdPartyService:    cfg.Orders.ThirdPartyService,
		ThirdPartyLookback:   cfg.Orders.ThirdPartyLookback,
		DefaultEventDuration: cfg.Orders.EventDuration,
	}, order.Deps{
		Store:    order.NewRepository(pg.Pool),
		Gateway:  gateway,
		Ledger:   ledger.NewLedger(pg.Pool, cfg.Orders.Currency),
		Calendar: cal,
		Catalog:  menu,
		Printer:  publisher,
		Notifier: publisher,
		SagaLog:  sagalog.NewPostgresRepository(pg.Pool),
	})

	jobs := []scheduler.Job{
		{Name: "dispatch", Interval: cfg.Orders.DispatchInterval, Run: svc.DispatchSweep},
		{Name: "stale-orders", Interval: cfg.Orders.StaleOrderInterval, Run: svc.StaleOrderSweep},
		{Name: "stale-locks", Interval: cfg.Orders.StaleLockInterval, Run: svc.ReleaseStaleLocks},
	}
	if cfg.Orders.ThirdPartySource != "" {
		jobs = append(jobs, scheduler.Job{Name: "third-party", Interval: cfg.Orders.ThirdPartyInterval, Run: svc.IngestThirdPartyOrders})
	}
	sched := scheduler.New(leader, cfg.Redis.LeaseTTL, jobs...)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Scheduler stopped with error")
		}
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      transport.NewRouter(pg, svc),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Scheduler did not stop in time")
	}
	log.Info().Msg("Server stopped")
}

func setupLogger(app config.AppConfig) {
	level, err := zerolog.ParseLevel(app.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if app.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("service", app.Name).Logger().Hook(telemetry.TraceHook{})
}
