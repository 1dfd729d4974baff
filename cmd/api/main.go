package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aamitn/radixiot/internal/app/migrate"
	httpx "github.com/aamitn/radixiot/internal/http"
	"github.com/aamitn/radixiot/internal/repository/postgres"
	"github.com/aamitn/radixiot/internal/service/alerting"
	"github.com/aamitn/radixiot/internal/service/fetch"
	"github.com/aamitn/radixiot/internal/service/ingest"
	"github.com/aamitn/radixiot/internal/service/watchdog"
	"github.com/aamitn/radixiot/internal/ws"
	"github.com/aamitn/radixiot/pkg/config"
	"github.com/aamitn/radixiot/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub(log)

	liveness := watchdog.NewLivenessState(cfg.PollingIntervalMS, time.Now())
	monitor := watchdog.NewMonitor(liveness, hub, log)
	go monitor.Run(ctx)

	evaluator := alerting.NewEvaluator(repo, repo, alerting.SMTPMailer{}, log)
	ingestSvc := ingest.New(repo, evaluator, hub, liveness, log)
	fetcher := fetch.NewCorrelator(hub, cfg.FetchTimeout, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, ingestSvc, fetcher, liveness, hub, repo, repo, repo, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("relay server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("relay server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
