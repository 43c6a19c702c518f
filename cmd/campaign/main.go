package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/VenkatGGG/turno/internal/account"
	"github.com/VenkatGGG/turno/internal/api"
	"github.com/VenkatGGG/turno/internal/campaign"
	"github.com/VenkatGGG/turno/internal/changefeed"
	"github.com/VenkatGGG/turno/internal/claims"
	"github.com/VenkatGGG/turno/internal/config"
	"github.com/VenkatGGG/turno/internal/database"
	"github.com/VenkatGGG/turno/internal/idempotency"
	"github.com/VenkatGGG/turno/internal/lease"
	"github.com/VenkatGGG/turno/internal/mission"
	"github.com/VenkatGGG/turno/internal/seed"
	"github.com/VenkatGGG/turno/internal/setting"
	"github.com/VenkatGGG/turno/internal/submission"
	"github.com/VenkatGGG/turno/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("campaign server failed", zap.Error(err))
	}
	logger.Info("campaign server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
	}

	backend, closeBackend, err := openClaimsBackend(cfg, redisClient)
	if err != nil {
		return err
	}
	defer closeBackend()

	cache, err := claims.Open(ctx, backend, claims.WithLogger(logger.Named("claims")))
	switch {
	case errors.Is(err, claims.ErrCorruptDocument):
		logger.Warn("claims document unreadable, starting with an empty cache", zap.Error(err))
	case err != nil:
		logger.Warn("claims storage unavailable at startup, using an in-memory claim store", zap.Error(err))
	}
	if cache == nil {
		if cache, err = claims.Open(ctx, claims.NewMemoryBackend(), claims.WithLogger(logger.Named("claims"))); err != nil {
			return fmt.Errorf("open fallback claims cache: %w", err)
		}
	}

	broker := changefeed.NewBroker(logger.Named("changefeed"))
	stores, err := openStores(ctx, cfg, broker, logger)
	if err != nil {
		return err
	}
	defer stores.close()

	if !cfg.SeedDisabled {
		data, err := seed.Load(cfg.SeedPath)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, data, seed.Targets{
			Accounts: stores.accounts,
			Missions: stores.missions,
			Settings: stores.settings,
		}, logger.Named("seed")); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	metrics := api.NewMetrics()
	metrics.TrackClaims(cache)

	svc, err := campaign.NewService(campaign.Dependencies{
		Claims:      cache,
		Missions:    stores.missions,
		Submissions: stores.submissions,
		Accounts:    stores.accounts,
		Settings:    stores.settings,
		Logger:      logger.Named("campaign"),
		Observer:    metrics,
	})
	if err != nil {
		return err
	}

	var replay idempotency.Store = idempotency.NewMemoryStore()
	if cfg.IdempotencyDriver == config.IdempotencyDriverRedis {
		replay = idempotency.NewRedisStore(redisClient, "turno:idempotency")
	}

	server, err := api.NewServer(api.Options{
		Campaign:       svc,
		Claims:         cache,
		Missions:       stores.missions,
		Submissions:    stores.submissions,
		Accounts:       stores.accounts,
		Settings:       stores.settings,
		Events:         broker,
		Idempotency:    replay,
		Metrics:        metrics,
		Logger:         logger.Named("api"),
		AdminAPIKey:    cfg.AdminAPIKey,
		SubmitRate:     rate.Limit(cfg.SubmitRatePerMinute / 60),
		SubmitBurst:    cfg.SubmitBurst,
		ListLimit:      cfg.SubmissionListLimit,
		ExportLoc:      cfg.ExportLocation(),
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	if err != nil {
		return err
	}
	if cfg.AdminAPIKey == "" {
		logger.Warn("TURNO_ADMIN_API_KEY is not set, admin endpoints are open")
	}

	var leases lease.Manager = lease.NewMemoryManager()
	if cfg.ClaimsDriver == config.ClaimsDriverRedis {
		leases = lease.NewRedisManager(redisClient, "turno:lease")
	}
	claimSweeper, err := sweeper.New(cache, leases, sweeper.Config{
		Interval: cfg.SweepInterval,
		Owner:    sweepOwner(),
	}, logger.Named("sweeper"))
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("campaign server listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("claims_driver", cfg.ClaimsDriver),
			zap.String("store_driver", cfg.StoreDriver),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return claimSweeper.Run(gctx)
	})
	if stores.listener != nil {
		g.Go(func() error {
			return stores.listener.Run(gctx)
		})
	}
	return g.Wait()
}

// sweepOwner identifies this process when replicas compete for the sweep lease.
func sweepOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "turno"
	}
	return host + ":" + uuid.NewString()
}

func openClaimsBackend(cfg config.Config, redisClient *redis.Client) (claims.Backend, func(), error) {
	opts := claims.BackendOptions{
		Driver:      cfg.ClaimsDriver,
		Path:        cfg.ClaimsPath,
		RedisPrefix: cfg.RedisPrefix,
	}
	if redisClient != nil {
		opts.Redis = redisClient
	}
	return claims.OpenBackend(opts)
}

type stores struct {
	missions    mission.Service
	submissions submission.Service
	accounts    account.Service
	settings    setting.Service
	listener    *changefeed.PostgresListener
	pool        *pgxpool.Pool
}

func (s *stores) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func openStores(ctx context.Context, cfg config.Config, broker *changefeed.Broker, logger *zap.Logger) (*stores, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		return &stores{
			missions:    mission.NewInMemoryService(broker),
			submissions: submission.NewInMemoryService(broker),
			accounts:    account.NewInMemoryService(broker),
			settings:    setting.NewInMemoryService(broker),
		}, nil
	}

	pool, err := database.Open(ctx, cfg.PostgresDSN, database.PoolOptions{
		MaxConns:       cfg.PostgresMaxConns,
		ConnectTimeout: cfg.PostgresConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	out := &stores{pool: pool}
	fail := func(err error) (*stores, error) {
		pool.Close()
		return nil, err
	}

	if out.missions, err = mission.NewPostgresService(ctx, pool); err != nil {
		return fail(err)
	}
	if out.submissions, err = submission.NewPostgresService(ctx, pool); err != nil {
		return fail(err)
	}
	if out.accounts, err = account.NewPostgresService(ctx, pool); err != nil {
		return fail(err)
	}
	if out.settings, err = setting.NewPostgresService(ctx, pool); err != nil {
		return fail(err)
	}
	if out.listener, err = changefeed.NewPostgresListener(pool, broker, logger.Named("pg-listener")); err != nil {
		return fail(err)
	}
	return out, nil
}

func initLogger(cfg config.Config) *zap.Logger {
	var level zapcore.Level
	switch cfg.LogLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stdout"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger.With(zap.String("service", "turno"))
}
