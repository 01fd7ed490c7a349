// collabd serves collaborative text documents over websockets.
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

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"collabtext/engine/internal/config"
	"collabtext/engine/internal/session"
	"collabtext/engine/internal/store"
	"collabtext/engine/internal/transport"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "collabd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	log := logrus.NewEntry(logger)
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, leaser, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := transport.NewHub(transport.Options{
		Heartbeat:      cfg.Heartbeat,
		RequestTimeout: cfg.RequestTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
	}, log)
	opts := []session.Option{}
	if leaser != nil {
		opts = append(opts, session.WithLeaser(leaser))
	}
	reg := session.NewRegistry(session.Config{
		SaveWindow:   cfg.SaveWindow,
		SnapshotTTL:  cfg.SnapshotTTL,
		MaxLog:       cfg.MaxLog,
		HardMaxLog:   cfg.HardMaxLog,
		StoreTimeout: cfg.StoreTimeout,
		LeaseTTL:     cfg.LeaseTTL,
		Owner:        cfg.Owner,
	}, st, hub, log, opts...)
	hub.Bind(reg)
	go hub.Run()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           transport.NewRouter(hub, reg, st),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"listen": cfg.Listen, "backend": cfg.Backend, "owner": cfg.Owner}).Info("collabd starting")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	// Documents flush while the hub can still tell clients they were saved.
	if err := reg.Close(shutCtx); err != nil {
		log.WithError(err).Error("some documents were not flushed")
	}
	hub.Close()
	return nil
}

func newLogger(cfg config.Config) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// openStore builds the snapshot store for cfg.Backend and, when leases are
// enabled, the Redis leaser. Unreachable servers are not fatal: their clients
// keep reconnecting and documents opened meanwhile run memory-only.
func openStore(ctx context.Context, cfg config.Config, log *logrus.Entry) (store.SnapshotStore, store.Leaser, error) {
	var rdb *redis.Client
	if cfg.NeedsRedis() {
		var err error
		rdb, err = store.ConnectRedis(ctx, cfg.RedisAddr, log)
		if err != nil {
			log.WithError(err).Error("redis unavailable, continuing")
		}
	}
	var leaser store.Leaser
	if cfg.Lease {
		leaser = store.NewRedisStore(rdb)
	}

	var pg *store.PostgresStore
	if cfg.NeedsPostgres() {
		var err error
		if pg, err = openPostgres(ctx, cfg, log); err != nil {
			return nil, nil, err
		}
	}

	switch cfg.Backend {
	case config.BackendRedis:
		return store.NewRedisStore(rdb), leaser, nil
	case config.BackendPostgres:
		return pg, leaser, nil
	case config.BackendTiered:
		return &store.Tiered{
			Cache:    store.NewRedisStore(rdb),
			Durable:  pg,
			CacheTTL: cfg.CacheTTL,
			Log:      log.WithField("component", "store"),
		}, leaser, nil
	case config.BackendBolt:
		bs, err := store.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return bs, leaser, nil
	default:
		return store.NewMemoryStore(), leaser, nil
	}
}

func openPostgres(ctx context.Context, cfg config.Config, log *logrus.Entry) (*store.PostgresStore, error) {
	pool, err := store.ConnectPostgres(ctx, cfg.DatabaseURL, log)
	if pool == nil {
		return nil, err
	}
	if err != nil {
		log.WithError(err).Error("postgres unavailable, continuing")
	}
	pg := store.NewPostgresStore(pool)
	if err == nil {
		if err := pg.Migrate(ctx); err != nil {
			log.WithError(err).Error("could not create snapshot table")
		}
	}
	return pg, nil
}
