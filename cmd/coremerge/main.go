// Command coremerge drives the Core Merger: it reads validated staging
// rows for one load run and writes them into the dimensional warehouse
// (spec §1, §4.8).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/dolthub/driver"
	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"

	"github.com/steveyegge/coremerge/internal/coremerge"
	"github.com/steveyegge/coremerge/internal/coremerge/config"
	"github.com/steveyegge/coremerge/internal/coremerge/db"
)

var (
	configPath      string
	dsn             string
	driverName      string
	loadRunID       string
	extractType     string
	forceReprocess  bool
	dryRun          bool
	continueOnError bool
	logLevel        string
)

var rootCmd = &cobra.Command{
	Use:   "coremerge",
	Short: "coremerge - merges validated staging rows into the core dimensional warehouse",
	RunE:  runMerge,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a coremerge YAML config file")
	rootCmd.Flags().StringVar(&dsn, "dsn", "", "database/sql data source name (required)")
	rootCmd.Flags().StringVar(&driverName, "driver", "mysql", "database/sql driver name: mysql or dolt")
	rootCmd.Flags().StringVar(&loadRunID, "load-run-id", "", "load run to merge (required)")
	rootCmd.Flags().StringVar(&extractType, "extract-type", "", "extract type label recorded on the merge run (required)")
	rootCmd.Flags().BoolVar(&forceReprocess, "force-reprocess", false, "reprocess even if a completed merge run already exists")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "run the merge without committing any writes")
	rootCmd.Flags().BoolVar(&continueOnError, "continue-on-error", true, "keep processing after a non-fatal batch error")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")

	_ = rootCmd.MarkFlagRequired("dsn")
	_ = rootCmd.MarkFlagRequired("load-run-id")
	_ = rootCmd.MarkFlagRequired("extract-type")
}

func runMerge(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := logLevel
	if !cmd.Flags().Changed("log-level") {
		level = string(cfg.Monitoring.LogLevel)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)}))

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer sqlDB.Close()

	pool := db.NewPool(sqlDB, cfg.ErrorHandling.MaxRetries, cfg.ErrorHandling.RetryDelay)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !pool.HealthCheck(ctx) {
		return fmt.Errorf("database health check failed")
	}

	dims := coremerge.DefaultDimensionRegistry()
	facts := coremerge.DefaultFactRegistry()
	store := coremerge.NewCoreStore(pool, dims)
	bkFields := func(dimType coremerge.DimensionType) []string {
		if h := dims.Get(dimType); h != nil {
			return h.BusinessKeyFields
		}
		return nil
	}
	cache := coremerge.NewFKResolver(store, bkFields, cfg.Cache.TTL, cfg.Cache.MaxCacheSize)
	orch := coremerge.NewOrchestrator(store, pool, cache, dims, facts, log)

	start := time.Now()
	result, err := orch.MergeToCore(ctx, coremerge.MergeOptions{
		LoadRunID:       loadRunID,
		ExtractType:     extractType,
		ForceReprocess:  forceReprocess,
		DryRun:          dryRun,
		ContinueOnError: continueOnError,
		BatchSize:       cfg.Dimension.BatchSize,
		SCD2Strategy:    string(cfg.Dimension.SCD2Strategy),
		UpsertMode:      coremerge.UpsertMode(cfg.Fact.UpsertMode),
	})
	if err != nil {
		log.Error("merge failed", "error", err, "elapsed", time.Since(start))
		return err
	}

	log.Info("merge completed",
		"merge_run_id", result.MergeRunID,
		"status", result.Status,
		"created", result.TotalCreated,
		"updated", result.TotalUpdated,
		"inserted", result.TotalInserted,
		"elapsed", result.Elapsed,
	)
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
