package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	appusage "github.com/apihub/backend/internal/application/usage"
	domainusage "github.com/apihub/backend/internal/domain/usage"
	"github.com/apihub/backend/internal/infrastructure/cache"
	"github.com/apihub/backend/internal/infrastructure/config"
	"github.com/apihub/backend/internal/infrastructure/logger"
	"github.com/apihub/backend/internal/infrastructure/persistence"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Exit codes. A partial run reports per-key failures but still wrote every
// other record; operators alert on it without re-running the whole day.
const (
	exitOK      = 0
	exitFailure = 1
	exitPartial = 3
)

func main() {
	var (
		logLevel   string
		runTimeout time.Duration
	)

	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.DurationVar(&runTimeout, "timeout", 10*time.Minute, "Maximum time for the whole run")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(exitFailure)
	}
	command := args[0]

	log, err := logger.New(&logger.Config{
		Level:      logLevel,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: "2006-01-02 15:04:05",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitFailure)
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	counterStore, err := cache.NewRedisCounterStore(cache.RedisConfig{
		Host:      cfg.Redis.Host,
		Port:      cfg.Redis.Port,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		OpTimeout: cfg.Redis.OpTimeout,
	})
	if err != nil {
		log.Fatal("Failed to connect to counter store", zap.Error(err))
	}
	defer counterStore.Close()

	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level))
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	service := appusage.NewAggregationService(counterStore, persistence.NewUsageRecordRepository(db.DB), log, appusage.AggregationConfig{
		BatchSize:  cfg.Aggregation.BatchSize,
		OpTimeout:  cfg.Aggregation.OpTimeout,
		MaxRetries: cfg.Aggregation.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	os.Exit(execute(ctx, service, log, command, args[1:]))
}

// execute runs one subcommand and returns its exit code.
func execute(ctx context.Context, service *appusage.AggregationService, log *zap.Logger, command string, args []string) int {
	switch command {
	case "run":
		day, err := dayArg(args, 0)
		if err != nil {
			log.Error("Invalid day", zap.Error(err))
			return exitFailure
		}
		run, err := service.Run(ctx, day)
		if err != nil {
			log.Error("Aggregation failed", zap.Error(err))
			return exitFailure
		}
		return reportRun(run)

	case "run-range":
		if len(args) < 2 {
			log.Error("Start and end days required. Usage: aggregate run-range <start> <end>")
			return exitFailure
		}
		start, err := domainusage.ParseDay(args[0])
		if err != nil {
			log.Error("Invalid start day", zap.Error(err))
			return exitFailure
		}
		end, err := domainusage.ParseDay(args[1])
		if err != nil {
			log.Error("Invalid end day", zap.Error(err))
			return exitFailure
		}
		runs, err := service.RunRange(ctx, start, end)
		if err != nil {
			log.Error("Range aggregation failed",
				zap.Int("days_completed", len(runs)),
				zap.Error(err))
			return exitFailure
		}
		code := exitOK
		for _, run := range runs {
			if reportRun(run) == exitPartial {
				code = exitPartial
			}
		}
		return code

	case "run-tenant":
		if len(args) < 1 {
			log.Error("Tenant ID required. Usage: aggregate run-tenant <tenant> [day]")
			return exitFailure
		}
		tenantID, err := uuid.Parse(args[0])
		if err != nil {
			log.Error("Invalid tenant ID", zap.String("value", args[0]), zap.Error(err))
			return exitFailure
		}
		day, err := dayArg(args, 1)
		if err != nil {
			log.Error("Invalid day", zap.Error(err))
			return exitFailure
		}
		run, err := service.RunForTenant(ctx, tenantID, day)
		if err != nil {
			log.Error("Tenant aggregation failed", zap.Error(err))
			return exitFailure
		}
		return reportRun(run)

	case "status":
		day, err := dayArg(args, 0)
		if err != nil {
			log.Error("Invalid day", zap.Error(err))
			return exitFailure
		}
		status, err := service.Status(ctx, day)
		if err != nil {
			log.Error("Failed to read aggregation status", zap.Error(err))
			return exitFailure
		}
		fmt.Printf("day:        %s\n", domainusage.FormatDay(status.Day))
		fmt.Printf("aggregated: %t\n", status.Aggregated)
		if status.LastRun != nil {
			fmt.Printf("last run:   scanned=%d written=%d errors=%d duration=%s\n",
				status.LastRun.KeysScanned,
				status.LastRun.RecordsWritten,
				status.LastRun.Errors,
				status.LastRun.Duration)
		}
		return exitOK

	default:
		log.Error("Unknown command", zap.String("command", command))
		printUsage()
		return exitFailure
	}
}

// dayArg parses the positional day argument at index i, defaulting to
// yesterday UTC when absent.
func dayArg(args []string, i int) (time.Time, error) {
	if len(args) <= i {
		return time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1), nil
	}
	return domainusage.ParseDay(args[i])
}

func reportRun(run *domainusage.AggregationRun) int {
	fmt.Printf("day=%s scanned=%d written=%d errors=%d duration=%s\n",
		domainusage.FormatDay(run.Day),
		run.KeysScanned,
		run.RecordsWritten,
		run.Errors,
		run.Duration)
	if run.Partial() {
		return exitPartial
	}
	return exitOK
}

func printUsage() {
	fmt.Println(`API Hub Usage Aggregation Tool

Usage:
  aggregate [flags] <command> [arguments]

Commands:
  run [day]                 Aggregate all tenants for a day (default: yesterday UTC)
  run-range <start> <end>   Aggregate every day in the inclusive range
  run-tenant <tenant> [day] Aggregate one tenant for a day (default: yesterday UTC)
  status [day]              Show whether a day has durable records

Days use the YYYY-MM-DD format and are interpreted as UTC.

Flags:
  -timeout duration     Maximum time for the whole run (default 10m)
  -log-level string     Log level: debug, info, warn, error (default: info)

Exit codes:
  0  run completed with no errors
  3  run completed but some counters were skipped
  1  hard failure, nothing may have been written

Examples:
  # Reconcile yesterday's counters
  aggregate run

  # Backfill a week
  aggregate run-range 2026-08-01 2026-08-07

  # Check whether a day was aggregated
  aggregate status 2026-08-29`)
}
