// The panel janitor runs the background maintenance the API server does not:
// pruning expired sessions and redelivering build notifications left in the
// outbox.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/collapp/panel/pkg/buildserver"
	"github.com/collapp/panel/pkg/config"
	"github.com/collapp/panel/pkg/observability"
	"github.com/collapp/panel/pkg/storage"
	"github.com/collapp/panel/pkg/storage/postgres"
	"github.com/collapp/panel/pkg/storage/sqlite"
)

var runOnce = flag.Bool("run-once", false, "Run one maintenance pass and exit")

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "panel-janitor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	client := buildserver.NewClient(cfg.BuildServer.URL, cfg.BuildServer.Timeout)
	policy := buildserver.NewRetryPolicy(cfg.BuildServer.Retry)
	redeliverer := buildserver.NewRedeliverer(store, client, policy, logger, metrics)
	redeliverer.SetBatchSize(cfg.Janitor.RedeliveryBatchSize)

	janitor := &janitor{
		store:       store,
		redeliverer: redeliverer,
		logger:      logger,
		metrics:     metrics,
	}

	if *runOnce {
		ctx := context.Background()
		janitor.pruneSessions(ctx)
		janitor.drainOutbox(ctx)
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Janitor.SessionPruneSchedule, func() {
		janitor.pruneSessions(context.Background())
	}); err != nil {
		return fmt.Errorf("scheduling session pruning: %w", err)
	}
	if _, err := c.AddFunc(cfg.Janitor.OutboxRedeliverySchedule, func() {
		janitor.drainOutbox(context.Background())
	}); err != nil {
		return fmt.Errorf("scheduling outbox redelivery: %w", err)
	}

	c.Start()
	logger.WithFields(map[string]interface{}{
		"session_schedule": cfg.Janitor.SessionPruneSchedule,
		"outbox_schedule":  cfg.Janitor.OutboxRedeliverySchedule,
	}).Info("janitor started")

	srv := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux(store, metrics),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	sm := observability.NewShutdownManager(logger, srv, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc(func(context.Context) error {
		<-c.Stop().Done()
		return nil
	})
	return sm.WaitForShutdown()
}

type janitor struct {
	store       storage.Store
	redeliverer *buildserver.Redeliverer
	logger      *observability.Logger
	metrics     *observability.Metrics
}

func (j *janitor) pruneSessions(ctx context.Context) {
	removed, err := j.store.DeleteExpiredSessions(ctx)
	if err != nil {
		j.logger.WithError(err).Error("session pruning failed")
		return
	}
	if removed > 0 {
		j.logger.WithField("removed", removed).Info("pruned expired sessions")
	}
}

func (j *janitor) drainOutbox(ctx context.Context) {
	delivered, err := j.redeliverer.RunOnce(ctx)
	if err != nil {
		j.logger.WithError(err).Error("outbox redelivery failed")
	} else if delivered > 0 {
		j.logger.WithField("delivered", delivered).Info("redelivered build notifications")
	}

	pending, err := j.store.CountPendingDeliveries(ctx)
	if err != nil {
		j.logger.WithError(err).Error("counting pending deliveries failed")
		return
	}
	if j.metrics != nil {
		j.metrics.OutboxPendingDeliveries.Set(float64(pending))
	}
}

func openStore(cfg storage.Config) (storage.Store, error) {
	switch cfg.Driver {
	case storage.DriverPostgres:
		store, err := postgres.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return store, nil
	case storage.DriverSQLite:
		store, err := sqlite.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func healthMux(store storage.Store, metrics *observability.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}
	return mux
}
