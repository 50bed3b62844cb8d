package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/collapp/panel/pkg/api"
	"github.com/collapp/panel/pkg/artifacts"
	"github.com/collapp/panel/pkg/buildserver"
	"github.com/collapp/panel/pkg/config"
	"github.com/collapp/panel/pkg/moderation"
	"github.com/collapp/panel/pkg/observability"
	"github.com/collapp/panel/pkg/session"
	"github.com/collapp/panel/pkg/storage"
	"github.com/collapp/panel/pkg/storage/postgres"
	"github.com/collapp/panel/pkg/storage/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "panel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("driver", cfg.Storage.Driver).Info("starting panel")

	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	store, db, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	var redisClient *redis.Client
	sessionStore := session.Store(store)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parsing redis URL: %w", err)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		if cfg.Redis.DB != 0 {
			opts.DB = cfg.Redis.DB
		}
		redisClient = redis.NewClient(opts)
		sessionStore = session.NewCache(redisClient, store, cfg.Redis.CacheTTL, logger)
	}

	resolver, err := newResolver(ctx, cfg.Artifacts)
	if err != nil {
		return err
	}

	buildClient := buildserver.NewClient(cfg.BuildServer.URL, cfg.BuildServer.Timeout)
	policy := buildserver.NewRetryPolicy(cfg.BuildServer.Retry)
	notifier := buildserver.NewNotifier(buildClient, store, policy, logger, metrics)

	service := moderation.NewService(store, resolver, notifier, logger, metrics)

	opts := api.Options{
		Sessions:       session.NewMiddleware(sessionStore, logger, metrics),
		Metrics:        metrics,
		TracingEnabled: cfg.Observability.OTelEnabled,
	}
	if cfg.OIDC.IssuerURL != "" {
		auth, err := session.NewAuthenticator(ctx, cfg.OIDC, sessionStore, cfg.Session.TTL, cfg.Session.SecureCookie, logger)
		if err != nil {
			return fmt.Errorf("initializing OIDC: %w", err)
		}
		opts.Auth = auth
	} else {
		logger.Warn("OIDC issuer not configured, sign-in routes disabled")
	}

	server := api.NewServer(service, logger, opts)

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthSrv := newHealthServer(cfg, db, redisClient, metrics)

	sm := observability.NewShutdownManager(logger, srv, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthSrv.Shutdown(ctx)
	})
	if redisClient != nil {
		sm.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}
	if tp != nil {
		sm.RegisterShutdownFunc(tp.Shutdown)
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", srv.Addr).Info("api server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", healthSrv.Addr).Info("health server listening")
		if err := healthSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(sm.WaitForShutdown)

	return g.Wait()
}

func openStore(cfg storage.Config) (storage.Store, *sql.DB, error) {
	switch cfg.Driver {
	case storage.DriverPostgres:
		store, err := postgres.New(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return store, store.DB(), nil
	case storage.DriverSQLite:
		store, err := sqlite.New(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return store, store.DB(), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func newResolver(ctx context.Context, cfg config.ArtifactsConfig) (moderation.ArtifactResolver, error) {
	switch cfg.Mode {
	case "s3":
		resolver, err := artifacts.NewS3Resolver(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("initializing S3 resolver: %w", err)
		}
		return resolver, nil
	default:
		return artifacts.NewStaticResolver(cfg.BaseURL), nil
	}
}

func newHealthServer(cfg *config.Config, db *sql.DB, redisClient *redis.Client, metrics *observability.Metrics) *http.Server {
	checker := observability.NewHealthChecker(db, redisClient)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", checker.Liveness)
	mux.HandleFunc("/readyz", checker.Readiness)
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}

	return &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: mux,
	}
}
