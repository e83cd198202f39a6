package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"medipos/backend/internal/cache"
	"medipos/backend/internal/config"
	"medipos/backend/internal/httpapi"
	"medipos/backend/internal/ledger"
	"medipos/backend/internal/notify"
	"medipos/backend/internal/reports"
	"medipos/backend/internal/service"
	"medipos/backend/internal/store"
	"medipos/backend/internal/store/memory"
	pgstore "medipos/backend/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := newLogger(cfg)

	if len(cfg.AuthSecret) < 32 {
		log.Fatal("AUTH_SECRET must be set and at least 32 characters")
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer startCancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing in-memory fallback")
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		closers = append(closers, repo.Close)
		log.Info("repository: in-memory")
	}

	summaryCache := cache.SummaryCache(cache.Noop{})
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedis(startCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			time.Duration(cfg.SummaryTTLSeconds)*time.Second)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, using noop cache")
		} else {
			summaryCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("cache: redis")
		}
	} else {
		log.Info("cache: noop")
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	led := ledger.New(repo, log)
	if err := led.Start(runCtx); err != nil {
		log.WithError(err).Fatal("ledger snapshot failed")
	}

	notifier := notify.NewEmitter(log, notify.DefaultTTL)
	defer notifier.Close()

	svc := service.New(repo, led, notifier, log)
	engine := reports.NewEngine(repo, led, summaryCache, log)
	engine.Start(runCtx)

	auth, err := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if err != nil {
		log.WithError(err).Fatal("auth setup failed")
	}
	api := httpapi.New(svc, engine, led, notifier, auth, log, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Address()).Info("pharmacy POS backend listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	runCancel()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.WithError(err).Warn("close error")
		}
	}
	log.Info("server stopped")
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
