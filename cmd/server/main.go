package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jheimann05/sportfolio/internal/account"
	"github.com/jheimann05/sportfolio/internal/api"
	"github.com/jheimann05/sportfolio/internal/config"
	"github.com/jheimann05/sportfolio/internal/cronrunner"
	"github.com/jheimann05/sportfolio/internal/ledger"
	"github.com/jheimann05/sportfolio/internal/logger"
	"github.com/jheimann05/sportfolio/internal/market"
	"github.com/jheimann05/sportfolio/internal/metrics"
	"github.com/jheimann05/sportfolio/internal/portfolio"
	"github.com/jheimann05/sportfolio/internal/ranking"
	"github.com/jheimann05/sportfolio/internal/risk"
	"github.com/jheimann05/sportfolio/internal/store"
)

const limiterIdle = 10 * time.Minute

func main() {
	configPath := flag.String("config", os.Getenv("SPORTFOLIO_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("sportfolio exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Services ---
	accounts := account.New(st, cfg.Trading.StartingCashDecimal(), log.Named("account"))

	wsHub := api.NewWSHub(log.Named("ws"))
	go wsHub.Run(ctx)

	limiter := risk.NewLimiter(cfg.Trading.Limits())
	ldg := ledger.New(st,
		ledger.WithLogger(log.Named("ledger")),
		ledger.WithNotifier(wsHub),
		ledger.WithLimiter(limiter),
	)
	mkt := market.New(st,
		market.WithLogger(log.Named("market")),
		market.WithFundamentalWeight(cfg.Pricing.FundamentalWeight),
		market.WithNotifier(wsHub),
	)

	if cfg.Seed.Demo {
		if _, err := mkt.Seed(ctx, market.DefaultCatalog()); err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
		if cfg.Seed.DemoUser != "" {
			if _, err := accounts.Ensure(ctx, cfg.Seed.DemoUser); err != nil {
				return fmt.Errorf("seed demo user: %w", err)
			}
		}
	}

	tradeLimiter := api.NewTradeLimiter(cfg.Trading.RateLimit, cfg.Trading.RateBurst)

	// --- Scheduled jobs ---
	jobs := cronrunner.New(log.Named("cron"), ctx)
	if cfg.Reprice.Enabled {
		if _, err := jobs.Add("reprice", cfg.Reprice.Schedule, func(ctx context.Context) {
			if _, err := mkt.RepriceAll(ctx, nil); err != nil {
				log.Warn("scheduled reprice interrupted", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}
	if tradeLimiter != nil {
		if _, err := jobs.Add("limiter-sweep", "0 * * * * *", func(context.Context) {
			if n := tradeLimiter.Sweep(limiterIdle); n > 0 {
				log.Debug("trade limiter swept", zap.Int("users", n))
			}
		}); err != nil {
			return err
		}
	}
	jobs.Start()
	defer jobs.Stop()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"sportfolio"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	api.NewServer(api.Deps{
		Accounts:  accounts,
		Ledger:    ldg,
		Portfolio: portfolio.New(st),
		Ranking:   ranking.New(st),
		Market:    mkt,
		Hub:       wsHub,
		Limiter:   tradeLimiter,
		Logger:    log.Named("api"),
	}).Mount(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("sportfolio listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	log.Info("shutting down sportfolio")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	return nil
}

// openStore builds the configured backend, wrapped in the Redis read-through
// cache when a URL is set.
func openStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (store.Store, func(), error) {
	var (
		st      store.Store
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		st = pg
		log.Info("connected to PostgreSQL")
	case config.DriverSQLite:
		gs, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { gs.Close() })
		st = gs
		log.Info("opened SQLite store", zap.String("path", cfg.SQLitePath))
	default:
		log.Warn("using in-memory store, data will not persist")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		closers = append(closers, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		log.Info("Redis cache enabled", zap.Duration("ttl", cfg.CacheTTL))
	}
	return st, cleanup, nil
}

// requestLogger logs one line per request in place of chi's stdlib logger.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
