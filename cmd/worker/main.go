// Package main is the worker process entry point: it wires the config
// resolver, the queue and source database pools, the processor, and the
// flow template, then runs a polling batch loop per configured flow.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitaliisemenov/alert-history/internal/config"
	"github.com/vitaliisemenov/alert-history/internal/database/migrations"
	"github.com/vitaliisemenov/alert-history/internal/database/postgres"
	"github.com/vitaliisemenov/alert-history/internal/flow"
	"github.com/vitaliisemenov/alert-history/internal/processor"
	"github.com/vitaliisemenov/alert-history/pkg/logger"
	"github.com/vitaliisemenov/alert-history/pkg/metrics"
)

const (
	serviceName    = "queue-processor-worker"
	serviceVersion = "1.0.0"
	defaultPort    = "8080"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	log := logger.New(logger.Config{
		Level:  envOr("LOG_LEVEL", "info"),
		Format: envOr("LOG_FORMAT", "json"),
		Output: envOr("LOG_OUTPUT", "stdout"),
	})
	log.Info("starting worker", "service", serviceName, "version", serviceVersion)

	env := envOr("APP_ENV", "production")
	resolver, err := config.NewResolver(env, os.Getenv("CONFIG_FILE"), nil)
	if err != nil {
		log.Error("building config resolver", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queuePool, queueMgr, err := openDatabase(ctx, resolver, "queue", log, true)
	if err != nil {
		log.Error("opening queue database", "error", err)
		os.Exit(1)
	}
	defer queuePool.Close()

	var sourcePool *postgres.PostgresPool
	var sourceMgr *postgres.Manager
	if dsn, derr := resolver.GetVariable("", "source_connection_string"); derr == nil && dsn != "" {
		sourcePool, sourceMgr, err = openDatabase(ctx, resolver, "source", log, false)
		if err != nil {
			log.Error("opening source database", "error", err)
			os.Exit(1)
		}
		defer sourcePool.Close()
	}

	var sourceForProcessor postgres.Pool
	if sourceMgr != nil {
		sourceForProcessor = sourceMgr
	}

	reg := metrics.DefaultRegistry()
	proc := processor.New(queueMgr, sourceForProcessor, log, reg.Processor())
	log.Info("processor instance identified", "instance_id", proc.InstanceID())

	distCfg, err := resolver.GetDistributedConfig()
	if err != nil {
		log.Error("resolving distributed config", "error", err)
		os.Exit(1)
	}

	concurrency := 10
	if v, cerr := resolver.GetVariable("", "worker_concurrency", "10"); cerr == nil {
		fmt.Sscanf(v, "%d", &concurrency)
	}
	tmpl := flow.New(proc, concurrency, log, reg.Processor())

	flowNames := strings.Split(envOr("WORKER_FLOWS", "default"), ",")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler(ctx, proc))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: ":" + envOr("PORT", defaultPort), Handler: logger.HTTPMiddleware(log)(mux)}
	go func() {
		log.Info("http server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	runBatchLoop(ctx, log, tmpl, proc, flowNames, distCfg)

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server forced shutdown", "error", err)
	}
	log.Info("worker exited")
}

// runBatchLoop repeatedly runs one flow.Run batch per configured flow name,
// on the configured health-check interval, until ctx is cancelled.
func runBatchLoop(ctx context.Context, log *slog.Logger, tmpl *flow.Template, proc *processor.Processor, flowNames []string, distCfg config.DistributedConfig) {
	ticker := time.NewTicker(distCfg.HealthCheckInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(time.Duration(distCfg.CleanupTimeoutHours * float64(time.Hour)))
	defer cleanupTicker.Stop()

	for {
		for _, flowName := range flowNames {
			flowName = strings.TrimSpace(flowName)
			if flowName == "" {
				continue
			}
			summary, err := tmpl.Run(ctx, flowName, distCfg.DefaultBatchSize, noopBusinessFunc)
			if err != nil {
				log.Error("flow run failed", "flow_name", flowName, "error", err)
				continue
			}
			log.Info("flow batch complete",
				"flow_name", flowName,
				"records_claimed", summary.RecordsClaimed,
				"records_completed", summary.RecordsCompleted,
				"records_failed", summary.RecordsFailed,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-cleanupTicker.C:
			if n, err := proc.CleanupOrphanedRecords(ctx, distCfg.CleanupTimeoutHours); err != nil {
				log.Error("cleanup orphaned records failed", "error", err)
			} else if n > 0 {
				log.Info("recovered orphaned records", "count", n)
			}
		}
	}
}

// noopBusinessFunc is the business function every configured flow runs in
// this entry point: it returns the payload unchanged as the record's result.
func noopBusinessFunc(payload map[string]interface{}) (map[string]interface{}, error) {
	return payload, nil
}

func healthzHandler(ctx context.Context, proc *processor.Processor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := proc.HealthCheck(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil || result.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(result)
	}
}

func openDatabase(ctx context.Context, resolver *config.Resolver, logicalName string, log *slog.Logger, runMigrations bool) (*postgres.PostgresPool, *postgres.Manager, error) {
	dbCfg, err := resolver.GetDatabaseConfig(logicalName)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving %s database config: %w", logicalName, err)
	}

	poolCfg := postgres.DefaultPoolConfig(logicalName, dbCfg.ConnectionString, int32(dbCfg.PoolSize), int32(dbCfg.MaxOverflow))
	pool := postgres.NewPostgresPool(poolCfg, log)
	if err := pool.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connecting %s pool: %w", logicalName, err)
	}

	var runner postgres.MigrationRunner
	if runMigrations {
		runner = migrations.NewManager(log)
	}
	mgr := postgres.NewManager(logicalName, pool, log, 500, runner)

	if runMigrations {
		if err := mgr.RunMigrations(ctx); err != nil {
			return nil, nil, fmt.Errorf("running %s migrations: %w", logicalName, err)
		}
	}

	return pool, mgr, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
