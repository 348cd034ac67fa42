package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"apwall/pkg/actor"
	"apwall/pkg/classifier"
	"apwall/pkg/config"
	"apwall/pkg/hardening"
	"apwall/pkg/logging"
	"apwall/pkg/metrics"
	"apwall/pkg/proxy"
	"apwall/pkg/ratelimit"
	"apwall/pkg/relay"
	"apwall/pkg/statebus"
	"apwall/pkg/store"
	"apwall/pkg/stream"
	"apwall/pkg/telemetry"
)

// relationshipDB is the slice of *pgxpool.Pool the firewall uses.
type relationshipDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Testable variables for main()
var (
	logFatalf       = func(format string, args ...any) { log.Fatal().Msgf(format, args...) }
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context, cfg config.Config) (relationshipDB, error) {
		return store.NewPostgresPool(ctx, store.PoolOptions{DSN: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns})
	}
	openRedisFn = func(ctx context.Context) (*redis.Client, error) {
		if !store.RedisEnabled() {
			return nil, nil
		}
		return store.NewRedis(ctx)
	}
	listenFn      = func(addr string) (net.Listener, error) { return net.Listen("tcp4", addr) }
	newConsumerFn = func(cfg config.Config) (statebus.Consumer, error) {
		return statebus.NewKafkaConsumer(statebus.KafkaConfig{
			Brokers:    cfg.KafkaBrokers,
			Topic:      cfg.KafkaTopic,
			GroupID:    cfg.KafkaGroupID,
			StartAtEnd: true,
		})
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := runFirewall(ctx, os.Args[1:])
	stop()
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logFatalf("apwall: %v", err)
	}
}

// runFirewall wires every component and serves until ctx is done. It
// returns nil on a signal-initiated shutdown.
func runFirewall(ctx context.Context, args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	logger := logging.Setup(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "apwall",
		Environment:           cfg.Environment,
		StrictProdSecurity:    cfg.StrictProdSecurity,
		DatabaseHost:          databaseHost(cfg),
		DatabaseRequireTLS:    cfg.DatabaseRequireTLS,
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisRequireTLS:       os.Getenv("REDIS_REQUIRE_TLS"),
		RedisTLSInsecure:      os.Getenv("REDIS_TLS_INSECURE"),
		RedisAllowInsecureTLS: os.Getenv("REDIS_ALLOW_INSECURE_TLS"),
		AdminAddress:          cfg.AdminAddress,
		AllowPublicAdmin:      cfg.AllowPublicAdmin,
	}); err != nil {
		return err
	}

	shutdown, err := initTelemetryFn(ctx, cfg.Telemetry(logger))
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	db, err := openDBFn(ctx, cfg)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer db.Close()

	redisClient, err := openRedisFn(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, falling back to in-memory cache and burst counters")
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	reg := metrics.NewRegistry()
	events := stream.NewHub(stream.DefaultMaxSubscribers)
	reg.TrackFeed(events)
	backend, err := store.NewStore(cfg.ServerType, db)
	if err != nil {
		return err
	}
	facts := store.NewCachedStore(backend, store.NewFactCache(ctx, redisClient, cfg.CacheMaxEntries), store.CachedStoreOptions{
		TTL:      cfg.CacheTTL,
		Timeout:  cfg.LookupTimeout,
		Logger:   logger,
		Observer: reg,
	})

	policy, err := classifier.NewWatcher(cfg.PolicyFile, logger)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	policy.OnReload(func(classifier.Policy) {
		reg.SetGauge("policy_reloaded_at_unix", float64(time.Now().Unix()))
	})
	if cfg.PolicyFile != "" {
		if err := policy.Start(ctx); err != nil {
			return fmt.Errorf("policy watch: %w", err)
		}
	}

	var limiter ratelimit.Limiter = ratelimit.NewInMemory(cfg.BurstWindow)
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, cfg.BurstWindow)
	}

	ln, err := listenFn(cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := proxy.New(cfg.UpstreamAddr(), facts, policy)
	srv.Limits = cfg.Limits()
	srv.ConnDeadline = cfg.ConnDeadline
	srv.BlockStatus = cfg.BlockStatus
	srv.Resolver = actor.NewResolver(cfg.InboxPaths)
	srv.Burst = ratelimit.NewBurstDetector(limiter, cfg.BurstLimit)
	srv.Metrics = reg
	srv.Events = events
	srv.Dial = relay.Dialer(cfg.UpstreamDialTimeout)
	srv.Logger = logger

	if cfg.AdminAddress != "" {
		adminLn, err := listenFn(cfg.AdminAddress)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("admin listen: %w", err)
		}
		admin := &http.Server{
			Handler:           newAdmin(reg, db, facts, policy, events, logger).routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := admin.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l := logging.Component(logger, "admin")
				l.Error().Err(err).Msg("admin server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(shutdownCtx)
		}()
	}

	if cfg.KafkaEnabled {
		consumer, err := newConsumerFn(cfg)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("kafka: %w", err)
		}
		defer consumer.Close()
		go func() {
			if err := statebus.Run(ctx, consumer, facts, logger); err != nil {
				l := logging.Component(logger, "statebus")
				l.Error().Err(err).Msg("relationship events stopped")
			}
		}()
	}

	logger.Info().
		Str("server_type", string(cfg.ServerType)).
		Strs("inbox_paths", cfg.InboxPaths).
		Str("policy_file", cfg.PolicyFile).
		Bool("redis", redisClient != nil).
		Bool("kafka", cfg.KafkaEnabled).
		Msg("apwall starting")
	if err := srv.Serve(ctx, ln); err != nil {
		return err
	}
	logger.Info().Msg("apwall stopped")
	return nil
}

// databaseHost is the host the pool will connect to, for hardening checks.
func databaseHost(cfg config.Config) string {
	if cfg.DatabaseURL == "" {
		return cfg.DatabaseHost
	}
	pc, err := pgconn.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return cfg.DatabaseURL
	}
	return pc.Host
}
