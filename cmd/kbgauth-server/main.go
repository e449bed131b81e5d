// Command kbgauth-server serves the kbgauth engine over JSON/HTTP, backed by
// PostgreSQL for accounts and reset tokens and Redis for login challenges.
//
// Configuration comes from an optional TOML file (-config) overlaid with
// KBG_* environment variables; a .env file is loaded first when present.
//
//	KBG_SESSION_SECRET=$(openssl rand -base64 32) \
//	KBG_DATABASE_URL=postgres://localhost/kbgauth?sslmode=disable \
//	go run ./cmd/kbgauth-server -config kbgauth.toml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kbgapp/kbgauth"
	"github.com/kbgapp/kbgauth/mail"
	"github.com/kbgapp/kbgauth/metrics/export/prometheus"
	"github.com/kbgapp/kbgauth/pgstore"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	boot := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	loadDotenv(boot)

	cfg, err := loadConfig(*configPath, os.Getenv)
	if err != nil {
		boot.Error("config", slog.Any("err", err))
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg fileConfig, logger *slog.Logger) error {
	engineCfg, err := cfg.engineConfig()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("database url required (KBG_DATABASE_URL)")
	}

	db, err := pgstore.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.Database.Migrate {
		if err := pgstore.Migrate(ctx, db); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	mailer, err := newMailer(cfg.Mail, logger)
	if err != nil {
		return err
	}

	b := kbgauth.New().
		WithConfig(engineCfg).
		WithLogger(logger).
		WithRedis(rdb).
		WithUserStore(pgstore.NewUserStore(db)).
		WithResetTokenStore(pgstore.NewResetTokenStore(db)).
		WithMailer(mailer)
	if cfg.Auth.Audit {
		b = b.WithAuditSink(kbgauth.NewSlogSink(logger.With(slog.String("component", "audit"))))
	}
	engine, err := b.Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	a := &api{
		engine:       engine,
		logger:       logger,
		cookieSecure: cfg.Server.CookieSecure,
		sessionTTL:   engineCfg.JWT.TTL,
	}
	var metrics http.Handler
	if cfg.Server.Metrics {
		metrics = prometheus.New(engine).Handler()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           newRouter(a, cfg.Server.CORSOrigins, metrics),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening",
			slog.String("addr", srv.Addr),
			slog.Any("cors_origins", cfg.Server.CORSOrigins),
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newMailer(c mailSection, logger *slog.Logger) (kbgauth.Mailer, error) {
	switch c.Driver {
	case "smtp":
		return mail.NewSMTPMailer(c.SMTP, logger)
	case "", "log":
		logger.Warn("log mailer active; reset links are written to the log")
		return mail.NewLogMailer(logger), nil
	default:
		return nil, fmt.Errorf("unknown mail driver %q", c.Driver)
	}
}
