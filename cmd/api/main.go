package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marketbridge/haggle/internal/app"
	"github.com/marketbridge/haggle/internal/clock"
	"github.com/marketbridge/haggle/internal/config"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/marketbridge/haggle/internal/events"
	"github.com/marketbridge/haggle/internal/storage/memory"
	"github.com/marketbridge/haggle/internal/storage/postgres"
	redisstore "github.com/marketbridge/haggle/internal/storage/redis"
	transporthttp "github.com/marketbridge/haggle/internal/transport/http"
	"github.com/marketbridge/haggle/internal/worker"
	"github.com/marketbridge/haggle/migrations"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const (
	startupTimeout  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	var cfg config.Config
	cliApp := &cli.App{
		Name:  "haggle",
		Usage: "marketplace negotiation and reservation service",
		Before: func(c *cli.Context) error {
			loaded, envPath, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
				logger.SetLevel(level)
			} else {
				logger.WithField("log_level", cfg.LogLevel).Warn("unknown log level, using info")
			}
			if envPath != "" {
				logger.WithField("path", envPath).Debug("loaded env file")
			}
			return nil
		},
		Action: func(c *cli.Context) error { return serve(c.Context, cfg, logger) },
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and the expiry sweeper",
				Action: func(c *cli.Context) error { return serve(c.Context, cfg, logger) },
			},
			{
				Name:   "migrate",
				Usage:  "apply pending database migrations",
				Action: func(c *cli.Context) error { return migrate(c.Context, cfg, logger) },
			},
			{
				Name:   "sweep",
				Usage:  "expire overdue negotiations and reservations once",
				Action: func(c *cli.Context) error { return sweepOnce(c.Context, cfg, logger) },
			},
			{
				Name:  "rate-reset",
				Usage: "clear a rate limit counter",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "category", Required: true, Usage: "rate category, e.g. api"},
					&cli.StringFlag{Name: "actor", Required: true, Usage: "actor key to reset"},
				},
				Action: func(c *cli.Context) error {
					return rateReset(c.Context, cfg, logger, domain.RateCategory(c.String("category")), c.String("actor"))
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		logger.WithError(err).Fatal("haggle failed")
	}
}

// backend is the set of repositories behind the services.
type backend struct {
	ledger       app.LedgerRepository
	negotiations app.NegotiationRepository
	qr           app.QRRepository
	rates        app.RateCounterStore
	pool         *pgxpool.Pool
	closers      []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*backend, error) {
	b := &backend{}
	switch cfg.Store {
	case config.StoreMemory:
		store := memory.NewStore()
		b.ledger, b.negotiations, b.qr, b.rates = store, store, store, store
		logger.Warn("using in-memory store, state is lost on restart")
	default:
		pool, err := openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.pool = pool
		b.closers = append(b.closers, pool.Close)
		b.ledger = postgres.NewLedgerRepository(pool)
		b.negotiations = postgres.NewNegotiationRepository(pool)
		b.qr = postgres.NewQRRepository(pool)
		b.rates = postgres.NewRateCounterRepository(pool)
	}

	if cfg.RedisAddr != "" {
		client, err := redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		store := redisstore.NewStore(client)
		b.qr, b.rates = store, store
		logger.WithField("addr", cfg.RedisAddr).Info("rate counters and qr sessions in redis")
	}
	return b, nil
}

func openPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	pool, err := pgxpool.New(startupCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	if err := pool.Ping(startupCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}

type services struct {
	ledger       *app.Ledger
	negotiations *app.NegotiationService
	qr           *app.QRService
	rates        *app.RateGovernor
	sweeper      *worker.Sweeper
}

func buildServices(cfg config.Config, b *backend, publisher app.EventPublisher, logger logrus.FieldLogger) services {
	clk := clock.NewSystem()

	govOpts := []app.RateGovernorOption{app.WithRateGovernorLogger(logger.WithField("component", "rates"))}
	for category, policy := range cfg.RatePolicies() {
		govOpts = append(govOpts, app.WithRatePolicy(category, policy))
	}
	rates := app.NewRateGovernor(b.rates, clk, govOpts...)

	ledger := app.NewLedger(b.ledger, clk,
		app.WithLedgerLogger(logger.WithField("component", "ledger")),
		app.WithLedgerSweepBatch(cfg.SweepBatchSize),
	)
	negotiations := app.NewNegotiationService(b.negotiations, ledger, clk,
		app.WithNegotiationTTL(cfg.NegotiationTTL),
		app.WithReservationQuantity(cfg.ReservationQuantity),
		app.WithNegotiationSweepBatch(cfg.SweepBatchSize),
		app.WithNegotiationAdmitter(rates),
		app.WithNegotiationEvents(publisher),
		app.WithNegotiationLogger(logger.WithField("component", "negotiations")),
	)
	qr := app.NewQRService(b.qr, clk,
		app.WithQRTTL(cfg.QRTTL),
		app.WithQRClaimBaseURL(cfg.QRClaimBaseURL),
		app.WithQRCacheSize(cfg.QRCacheSize),
		app.WithQRNegotiationStarter(negotiations),
		app.WithQRAdmitter(rates),
		app.WithQREvents(publisher),
		app.WithQRLogger(logger.WithField("component", "qr")),
	)
	sweeper := worker.NewSweeper(negotiations, ledger, clk, cfg.SweepInterval, logger.WithField("component", "sweeper"))

	return services{ledger: ledger, negotiations: negotiations, qr: qr, rates: rates, sweeper: sweeper}
}

func openPublisher(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (app.EventPublisher, func(), error) {
	if cfg.NATSURL == "" {
		logger.Info("NATS_URL not set, events are not published")
		return events.Noop{}, func() {}, nil
	}
	publisher, conn, err := events.Connect(ctx, cfg.NATSURL, logger.WithField("component", "events"))
	if err != nil {
		return nil, nil, err
	}
	return publisher, func() { _ = conn.Drain() }, nil
}

func serve(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if b.pool != nil {
		if _, err := migrations.ApplyWithLog(ctx, b.pool, logger); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	publisher, closePublisher, err := openPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	svc := buildServices(cfg, b, publisher, logger)
	handler := transporthttp.NewHandler(transporthttp.Services{
		Products:     svc.ledger,
		Negotiations: svc.negotiations,
		QR:           svc.qr,
		Rates:        svc.rates,
	}, cfg.CORSOrigins, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("port", cfg.Port).Info("api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return svc.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

func migrate(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	if cfg.Store != config.StorePostgres {
		return fmt.Errorf("migrate needs STORE=%s", config.StorePostgres)
	}
	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := migrations.ApplyWithLog(ctx, pool, logger)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.WithField("applied", len(applied)).Info("migrations up to date")
	return nil
}

func sweepOnce(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	publisher, closePublisher, err := openPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	res, err := buildServices(cfg, b, publisher, logger).sweeper.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"negotiations": res.Negotiations,
		"reservations": res.Reservations,
	}).Info("sweep finished")
	return nil
}

func rateReset(ctx context.Context, cfg config.Config, logger *logrus.Logger, category domain.RateCategory, actor string) error {
	if !category.Valid() {
		return fmt.Errorf("unknown rate category %q", category)
	}
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := buildServices(cfg, b, events.Noop{}, logger).rates.Reset(ctx, category, actor); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"category": category, "actor": actor}).Info("rate counter reset")
	return nil
}
