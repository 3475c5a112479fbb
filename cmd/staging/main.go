package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/LeventeLantos/staged-messaging/internal/api"
	"github.com/LeventeLantos/staged-messaging/internal/cache"
	"github.com/LeventeLantos/staged-messaging/internal/client"
	"github.com/LeventeLantos/staged-messaging/internal/config"
	"github.com/LeventeLantos/staged-messaging/internal/metrics"
	"github.com/LeventeLantos/staged-messaging/internal/model"
	"github.com/LeventeLantos/staged-messaging/internal/notify"
	"github.com/LeventeLantos/staged-messaging/internal/queue"
	"github.com/LeventeLantos/staged-messaging/internal/scheduler"
	"github.com/LeventeLantos/staged-messaging/internal/service"
	"github.com/LeventeLantos/staged-messaging/internal/store"
)

func main() {
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "staging",
		Short:        "Staged outbound message queue",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(inspectCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the staging queue and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAll()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, newLogger(cfg.Log, os.Stdout))
		},
	}
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the persisted queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			if format != "json" && format != "yaml" {
				return fmt.Errorf("unsupported format %q (json or yaml)", format)
			}

			cfg, err := config.LoadAll()
			if err != nil {
				return err
			}
			log := newLogger(cfg.Log, cmd.ErrOrStderr())

			var rdb *redis.Client
			if cfg.Store.Backend == config.BackendRedis {
				if rdb, err = openRedis(cmd.Context(), cfg.Redis); err != nil {
					return err
				}
				defer rdb.Close()
			}

			backend, closeFn, err := openBackend(cmd.Context(), cfg, rdb, log, nil)
			if err != nil {
				return err
			}
			defer closeFn()

			snap, err := store.NewAdapter(backend, log, nil).Peek(cmd.Context(), cfg.Staging.StoreKey)
			if errors.Is(err, store.ErrNotFound) {
				snap, err = store.Snapshot{Version: store.CurrentVersion, Messages: []model.StagedMessage{}}, nil
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", cfg.Staging.StoreKey, err)
			}
			return writeSnapshot(cmd.OutOrStdout(), snap, format)
		},
	}
	cmd.Flags().String("format", "json", "Output format: json or yaml")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rdb, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	backend, closeBackend, err := openBackend(ctx, cfg, rdb, log, reg)
	if err != nil {
		return err
	}
	defer closeBackend()

	var ledger cache.Ledger = cache.NoopLedger{}
	if rdb != nil {
		ledger = cache.NewRedisLedger(rdb, cfg.Redis.TTL)
	}

	sender := service.NewSender(
		client.NewMessagingClient(cfg.Messaging.URL, cfg.Messaging.Token),
		cfg.Messaging.ContentMax,
	).
		WithHooks(
			func(ctx context.Context, messageID, remoteMessageID string) error {
				return ledger.StoreSent(ctx, messageID, remoteMessageID, time.Now().UTC())
			},
			nil,
		).
		WithLimiter(float64(cfg.Messaging.QPS), cfg.Messaging.Burst).
		WithTimeout(cfg.Messaging.SendTimeout).
		WithMetrics(m).
		WithLogger(log)

	feed := notify.NewFeed(100)

	mgr, err := queue.New(queue.Deps{
		Store:    store.NewAdapter(backend, log, m),
		Sender:   sender,
		Notifier: notify.Multi{notify.NewLog(log), feed},
		Logger:   log,
		Metrics:  m,
	}, queue.Options{
		InitialCountdown: cfg.Staging.InitialCountdown,
		TickInterval:     cfg.Staging.TickInterval,
		CancelGrace:      cfg.Staging.CancelGrace,
		SentGrace:        cfg.Staging.SentGrace,
		MinContentLength: cfg.Staging.MinContentLength,
		StoreKey:         cfg.Staging.StoreKey,
	})
	if err != nil {
		return err
	}

	checkpoint, err := scheduler.New("checkpoint", cfg.Checkpoint.Interval, mgr.Checkpoint)
	if err != nil {
		return err
	}
	checkpoint.WithLogger(log)

	handler := api.NewHandler(mgr, feed, ledger, checkpoint).
		WithLogger(log).
		WithMetrics(m, reg)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.Router(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().
		Str("addr", cfg.Server.Address).
		Str("store", cfg.Store.Backend).
		Int("initial_countdown", cfg.Staging.InitialCountdown).
		Bool("redis", cfg.Redis.Enabled).
		Msg("staged-messaging starting")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return mgr.Run(gctx) })

	g.Go(func() error {
		select {
		case <-mgr.Ready():
		case <-gctx.Done():
			return nil
		}
		checkpoint.Start()
		<-gctx.Done()
		checkpoint.Stop()
		return nil
	})

	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Err(err).Msg("staged-messaging stopped")
	return err
}

// openRedis returns nil when redis is not configured. The caller closes the client.
func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// openBackend builds the configured store backend. The redis backend uses rdb
// and leaves closing it to the caller. reg may be nil.
func openBackend(ctx context.Context, cfg *config.Config, rdb *redis.Client, log zerolog.Logger, reg prometheus.Registerer) (store.Backend, func(), error) {
	noop := func() {}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		log.Warn().Msg("memory store: the queue will not survive a restart")
		return store.NewMemoryBackend(), noop, nil

	case config.BackendFile:
		b, err := store.NewFileBackend(cfg.Store.Dir)
		if err != nil {
			return nil, noop, err
		}
		return b, noop, nil

	case config.BackendRedis:
		if rdb == nil {
			return nil, noop, errors.New("redis store backend needs a redis client")
		}
		return store.NewRedisBackend(rdb, ""), noop, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, noop, fmt.Errorf("postgres connect: %w", err)
		}
		b := store.NewPostgresBackend(pool)
		if err := b.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		if reg != nil {
			metrics.RegisterPool(reg, pool)
		}
		return b, pool.Close, nil
	}

	return nil, noop, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func newLogger(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "staged-messaging").Logger()
}

func writeSnapshot(w io.Writer, snap store.Snapshot, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
