package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/whatsapp-crm/internal/api"
	"github.com/LeventeLantos/whatsapp-crm/internal/cache"
	"github.com/LeventeLantos/whatsapp-crm/internal/client"
	"github.com/LeventeLantos/whatsapp-crm/internal/config"
	"github.com/LeventeLantos/whatsapp-crm/internal/events"
	"github.com/LeventeLantos/whatsapp-crm/internal/logging"
	"github.com/LeventeLantos/whatsapp-crm/internal/metrics"
	"github.com/LeventeLantos/whatsapp-crm/internal/presence"
	"github.com/LeventeLantos/whatsapp-crm/internal/repo"
	"github.com/LeventeLantos/whatsapp-crm/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.NewLogger(cfg.Log.Level)

	if err := run(cfg, logger); err != nil {
		logger.Error("messaging app stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	messages, contacts, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var ledger cache.MessageCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		ledger = cache.NewRedisCache(rdb, cfg.Redis.TTL)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bus := events.NewBus(logger.With("component", "events"))

	wa := client.NewWhatsAppClient(cfg.WhatsApp.APIURL, cfg.WhatsApp.PhoneNumberID, cfg.WhatsApp.Token, cfg.WhatsApp.SendTimeout)

	sender := service.NewSender(wa, messages, contacts, service.SenderConfig{
		ContentMax:      cfg.Sender.ContentMax,
		SendTimeout:     cfg.WhatsApp.SendTimeout,
		BulkConcurrency: cfg.Sender.BulkConcurrency,
	}).
		WithCache(ledger).
		WithEvents(bus).
		WithMetrics(m).
		WithLogger(logger.With("component", "sender"))

	pc, err := presence.NewController(contacts, presence.Config{
		BaseInterval:    cfg.Presence.BaseInterval,
		MaxInterval:     cfg.Presence.MaxInterval,
		BackoffStep:     cfg.Presence.BackoffStep,
		Quiet:           cfg.Presence.Quiet,
		OnlineThreshold: cfg.Presence.OnlineThreshold,
	})
	if err != nil {
		return err
	}
	pc.WithEvents(bus).WithMetrics(m).WithLogger(logger.With("component", "presence"))

	reconciler := service.NewReconciler(messages, contacts).
		WithCache(ledger).
		WithEvents(bus).
		WithActivity(pc).
		WithMetrics(m).
		WithLogger(logger.With("component", "reconciler"))

	h := api.NewHandler(sender, reconciler, pc, messages).
		WithWebhook(cfg.Webhook.VerifyToken, cfg.Webhook.AppSecret).
		WithEvents(bus).
		WithMetrics(m).
		WithLogger(logger.With("component", "api"))

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h, reg)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	pc.Start()
	defer pc.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("messaging app listening",
			"addr", cfg.Server.Address,
			"postgres", cfg.Database.PostgresURL != "",
			"redis", cfg.Redis.Enabled,
			"presence_interval", cfg.Presence.BaseInterval.String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// openStore picks Postgres when configured and the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (repo.MessageRepository, repo.ContactRepository, func(), error) {
	if cfg.PostgresURL == "" {
		logger.Warn("POSTGRES_URL not set, using in-memory store")
		return repo.NewMemoryMessageRepo(), repo.NewMemoryContactRepo(), func() {}, nil
	}

	pool, err := repo.NewPool(ctx, cfg.PostgresURL, int32(cfg.MaxConns))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := repo.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return repo.NewPostgresMessageRepo(pool), repo.NewPostgresContactRepo(pool), pool.Close, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack keeps the /v1/events websocket upgrade working behind the logger.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
