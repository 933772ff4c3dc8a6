package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/docs"
	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/fleet"
	"github.com/example/trip-dispatch/internal/geo"
	httpapi "github.com/example/trip-dispatch/internal/http"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/ratelimit"
	"github.com/example/trip-dispatch/internal/service"
	"github.com/example/trip-dispatch/internal/shift"
	"github.com/example/trip-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server exiting")
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var readiness []func(context.Context) error

	var store storage.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := migrate(cfg.PGDSN, logger); err != nil {
				return err
			}
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		store = ps
		readiness = append(readiness, ps.Ping)
	} else {
		logger.Warn("PG_DSN not set; trips are kept in memory")
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	var (
		rc      redis.UniversalClient
		index   geo.Geo = geo.NewIndex()
		limiter ratelimit.Limiter
		idem    httpapi.IdempotencyStore = httpapi.NewMemoryIdempotency(cfg.IdempotencyTTL)
	)
	limiter = ratelimit.NewMemoryLimiter(cfg.OtpVerifyLimit, cfg.OtpVerifyWindow)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		limiter = ratelimit.NewRedisLimiter(rc, "otp:verify:", cfg.OtpVerifyLimit, cfg.OtpVerifyWindow)
		idem = httpapi.NewRedisIdempotency(rc, cfg.IdempotencyTTL)
		readiness = append(readiness, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		queue := events.NewQueue(kp, cfg.EventQueueSize, logger)
		defer func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := queue.Close(drainCtx); err != nil {
				logger.Warn("event queue not drained", "error", err)
			}
		}()
		publisher = queue
	}

	var verifier shift.DocumentVerifier = docs.Static{ApproveAll: true}
	if cfg.DocsServiceURL != "" {
		verifier = docs.NewHTTPClient(cfg.DocsServiceURL)
	} else {
		logger.Warn("DOCS_SERVICE_URL not set; every driver is treated as verified")
	}
	var registry shift.VehicleRegistry = fleet.Static{Fallback: models.CategoryCab}
	if cfg.FleetServiceURL != "" {
		registry = fleet.NewHTTPClient(cfg.FleetServiceURL)
	}

	svc := service.New(service.Deps{
		Store:   store,
		Geo:     index,
		Docs:    verifier,
		Fleet:   registry,
		Fares:   fare.NewEstimator(cfg.AverageSpeedMps, 10*time.Minute),
		Limiter: limiter,
		Events:  publisher,
		Logger:  logger,
		Dispatch: dispatch.Config{
			OfferTTL:           cfg.OfferTTL,
			MaxAttempts:        cfg.DispatchMaxAttempts,
			SweepInterval:      cfg.DispatchSweepInterval,
			RedispatchInterval: cfg.DispatchRedispatchInterval,
		},
		RadiusM: cfg.SearchRadiusM,
		TopN:    cfg.MatcherTopN,
	})

	api := httpapi.NewServer(svc, httpapi.NewAuthenticator(cfg.JWTSecret), logger,
		httpapi.WithIdempotency(idem),
		httpapi.WithReadiness(func(ctx context.Context) error {
			for _, check := range readiness {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		}),
	)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("trip-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := svc.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// migrate applies migrations/001_create_trips.sql. The statements are
// idempotent so it is safe on every start.
func migrate(dsn string, logger *slog.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_trips.sql"))
	if err != nil {
		return err
	}
	if _, err := db.Exec(string(b)); err != nil {
		return err
	}
	logger.Info("migration applied", "file", "001_create_trips.sql")
	return nil
}
