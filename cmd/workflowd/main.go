// Command workflowd is the long-running process that dispatches work
// units: it boots a Store, registers payload handlers, and runs the
// dispatcher, the reaper, and the counter applier as goroutines until
// terminated. This is the Go equivalent of the original's management-
// command workers (spec.md §1, §4.3).
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/toolchainlabs/buildsense-workflow/internal/examplepayload"
	"github.com/toolchainlabs/buildsense-workflow/internal/logging"
	"github.com/toolchainlabs/buildsense-workflow/workflow"
	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "workflowd",
	Short:   "Dispatches and maintains the work-unit DAG",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("workflowd %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", envOr("WORKFLOW_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", envOr("WORKFLOW_LOG_JSON", "false") == "true", "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.Flags().String("backend", envOr("WORKFLOW_STORE_BACKEND", "sqlite"), "Store backend: postgres, mysql, or sqlite")
	rootCmd.Flags().String("dsn", envOr("WORKFLOW_STORE_DSN", "workflowd.db"), "Store connection string (DSN or file path for sqlite)")
	rootCmd.Flags().Int("max-workers", envIntOr("WORKFLOW_MAX_WORKERS", 4), "Concurrent dispatcher workers")
	rootCmd.Flags().Duration("poll-interval", envDurationOr("WORKFLOW_POLL_INTERVAL", time.Second), "Dispatcher poll interval")
	rootCmd.Flags().Duration("lease-ttl", envDurationOr("WORKFLOW_DEFAULT_LEASE_TTL", 5*time.Minute), "Default lease TTL for payload types with none configured")
	rootCmd.Flags().String("node", envOr("WORKFLOW_NODE", hostnameOrUnknown()), "Node identifier recorded on leases")
	rootCmd.Flags().String("metrics-addr", envOr("WORKFLOW_METRICS_ADDR", "127.0.0.1:9091"), "Prometheus /metrics listen address")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Config{Level: logging.Level(logLevel), JSONOutput: logJSON})
}

func run(cmd *cobra.Command, args []string) error {
	backend, _ := cmd.Flags().GetString("backend")
	dsn, _ := cmd.Flags().GetString("dsn")
	maxWorkers, _ := cmd.Flags().GetInt("max-workers")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	leaseTTL, _ := cmd.Flags().GetDuration("lease-ttl")
	node, _ := cmd.Flags().GetString("node")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	log := logging.WithComponent("workflowd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, backend, dsn)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	registry := workflow.NewRegistry()
	examplepayload.Register(registry)

	registerer := prometheus.NewRegistry()
	metrics := workflow.NewMetrics(registerer)
	engine := workflow.New(s, registry, workflow.WithMetrics(metrics))

	dispatcher := workflow.NewDispatcher(engine, workflow.DispatcherConfig{
		Concurrency:     maxWorkers,
		PollInterval:    pollInterval,
		DefaultLeaseTTL: leaseTTL,
		Node:            node,
	})
	reaper := workflow.NewReaper(engine, workflow.ReaperConfig{})
	applier := workflow.NewCounterApplier(engine, workflow.CounterApplierConfig{})

	if err := reaper.Start(); err != nil {
		return fmt.Errorf("starting reaper: %w", err)
	}
	if err := applier.Start(); err != nil {
		return fmt.Errorf("starting counter applier: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	log.Info().Str("backend", backend).Int("max_workers", maxWorkers).Str("node", node).Msg("dispatcher starting")
	dispatchErr := dispatcher.Run(ctx)
	if dispatchErr != nil && !errors.Is(dispatchErr, context.Canceled) {
		log.Error().Err(dispatchErr).Msg("dispatcher exited unexpectedly")
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reaper.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("reaper did not stop cleanly")
	}
	if err := applier.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("counter applier did not stop cleanly")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics server did not stop cleanly")
	}
	return nil
}

func openStore(ctx context.Context, backend, dsn string) (store.Store, error) {
	switch backend {
	case "postgres":
		return store.NewPostgresStore(ctx, dsn)
	case "mysql":
		return store.NewMySQLStore(ctx, dsn)
	case "sqlite":
		return store.NewSQLiteStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store backend %q (want postgres, mysql, or sqlite)", backend)
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
