package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/dinos3741/parksphere-sub000/internal/config"
	"github.com/dinos3741/parksphere-sub000/internal/httpapi"
	"github.com/dinos3741/parksphere-sub000/internal/journal"
	"github.com/dinos3741/parksphere-sub000/internal/lifecycle"
	"github.com/dinos3741/parksphere-sub000/internal/logging"
	"github.com/dinos3741/parksphere-sub000/internal/notify"
	"github.com/dinos3741/parksphere-sub000/internal/payments"
	"github.com/dinos3741/parksphere-sub000/internal/presence"
	"github.com/dinos3741/parksphere-sub000/internal/realtime"
	"github.com/dinos3741/parksphere-sub000/internal/store"
	"github.com/dinos3741/parksphere-sub000/internal/sweeper"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var st store.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		ps, err := store.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		st = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		st = store.NewMemoryStore()
	}

	var reg presence.Registry
	if cfg.RedisAddr != "" {
		reg = presence.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.PresencePrefix)
		logger.Info("presence registry: redis", "addr", cfg.RedisAddr)
	} else {
		reg = presence.NewMemory()
	}

	hub := realtime.NewHub()
	fanout := notify.NewFanout(hub, reg, logger)

	var jrnl lifecycle.Journal
	if len(cfg.KafkaBrokers) > 0 {
		kp := journal.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		jrnl = kp
		logger.Info("lifecycle journal: kafka", "topic", cfg.KafkaTopic)
	}

	var escrow lifecycle.Escrow
	if cfg.StripeEnabled {
		escrow = payments.NewStripeEscrow()
		logger.Info("external escrow enabled")
	}

	coord := &lifecycle.Coordinator{
		Store:      st,
		Notify:     fanout,
		Journal:    jrnl,
		Escrow:     escrow,
		Logger:     logger,
		SpeedMps:   cfg.DefaultSpeedMps,
		FuzzMeters: cfg.FuzzMeters,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sw := &sweeper.Sweeper{
		Store:    st,
		Notify:   fanout,
		Escrow:   escrow,
		Logger:   logger,
		Interval: cfg.SweepInterval,
	}
	go sw.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(coord, st, hub, reg, cfg.JWTSecret, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("parksphere listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down cleanly")
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_tables.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
