package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/apihub/backend/internal/infrastructure/config"
	"github.com/apihub/backend/internal/infrastructure/logger"
	"github.com/apihub/backend/internal/infrastructure/migration"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	defaultMigrationsDir = "migrations"

	exitOK      = 0
	exitFailure = 1
)

func main() {
	var (
		migrationsPath string
		logLevel       string
	)

	flag.StringVar(&migrationsPath, "path", "", "Path to migrations directory (default: ./migrations)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
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

	migrationsPath, err = resolveMigrationsPath(migrationsPath)
	if err != nil {
		log.Fatal("Failed to resolve migrations path", zap.Error(err))
	}

	log.Info("Migration CLI started",
		zap.String("command", command),
		zap.String("migrations_path", migrationsPath),
	)

	// create and list only touch the filesystem.
	switch command {
	case "create":
		os.Exit(runCreate(log, migrationsPath, args[1:]))
	case "list":
		os.Exit(runList(log, migrationsPath))
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal("Failed to ping database", zap.Error(err))
	}

	m, err := migration.New(db, migrationsPath, log)
	if err != nil {
		log.Fatal("Failed to create migrator", zap.Error(err))
	}
	defer m.Close()

	os.Exit(execute(m, log, command, args[1:]))
}

// resolveMigrationsPath returns an absolute migrations directory. An empty
// path is resolved against the working directory first, then against the
// binary's location so the CLI works from a deployed artifact.
func resolveMigrationsPath(path string) (string, error) {
	if path == "" {
		path = defaultMigrationsDir
		if _, err := os.Stat(path); err != nil {
			if execPath, execErr := os.Executable(); execErr == nil {
				candidate := filepath.Join(filepath.Dir(execPath), "..", "..", defaultMigrationsDir)
				if _, statErr := os.Stat(candidate); statErr == nil {
					path = candidate
				}
			}
		}
	}
	return filepath.Abs(path)
}

func runCreate(log *zap.Logger, migrationsPath string, args []string) int {
	if len(args) < 1 {
		log.Error("Migration name required. Usage: migrate create <name> [description]")
		return exitFailure
	}
	description := ""
	if len(args) > 1 {
		description = args[1]
	}

	mf, err := migration.CreateMigration(migrationsPath, args[0], description)
	if err != nil {
		log.Error("Failed to create migration", zap.Error(err))
		return exitFailure
	}

	log.Info("Migration created",
		zap.String("version", mf.Version),
		zap.String("up_file", mf.UpPath),
		zap.String("down_file", mf.DownPath),
	)
	return exitOK
}

func runList(log *zap.Logger, migrationsPath string) int {
	migrations, err := migration.ListMigrations(migrationsPath)
	if err != nil {
		log.Error("Failed to list migrations", zap.Error(err))
		return exitFailure
	}
	if len(migrations) == 0 {
		log.Info("No migrations found")
		return exitOK
	}

	log.Info("Available migrations", zap.Int("count", len(migrations)))
	for _, m := range migrations {
		fmt.Println("  -", m)
	}
	return exitOK
}

// execute runs one database-backed subcommand and returns its exit code.
func execute(m *migration.Migrator, log *zap.Logger, command string, args []string) int {
	switch command {
	case "up":
		if err := m.Up(); err != nil {
			log.Error("Migration up failed", zap.Error(err))
			return exitFailure
		}

	case "down":
		if err := m.Down(); err != nil {
			log.Error("Migration down failed", zap.Error(err))
			return exitFailure
		}

	case "step":
		n, err := intArg(args, "Step count required. Usage: migrate step <n>")
		if err != nil {
			log.Error("Invalid step count", zap.Error(err))
			return exitFailure
		}
		if err := m.Steps(n); err != nil {
			log.Error("Migration step failed", zap.Error(err))
			return exitFailure
		}

	case "goto":
		if len(args) < 1 {
			log.Error("Version required. Usage: migrate goto <version>")
			return exitFailure
		}
		version, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			log.Error("Invalid version number", zap.String("value", args[0]))
			return exitFailure
		}
		if err := m.GoTo(uint(version)); err != nil {
			log.Error("Migration goto failed", zap.Error(err))
			return exitFailure
		}

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			log.Error("Failed to get version", zap.Error(err))
			return exitFailure
		}
		if version == 0 {
			log.Info("No migrations applied")
		} else {
			log.Info("Current migration version",
				zap.Uint("version", version),
				zap.Bool("dirty", dirty),
			)
		}

	case "force":
		version, err := intArg(args, "Version required. Usage: migrate force <version>")
		if err != nil {
			log.Error("Invalid version number", zap.Error(err))
			return exitFailure
		}
		log.Warn("Forcing migration version",
			zap.Int("version", version),
		)
		if err := m.Force(version); err != nil {
			log.Error("Force version failed", zap.Error(err))
			return exitFailure
		}

	case "drop":
		if !hasConfirmFlag(args) {
			log.Error("Drop cancelled. 'migrate drop' removes every database object; rerun with -confirm.")
			return exitFailure
		}
		if err := m.Drop(); err != nil {
			log.Error("Drop failed", zap.Error(err))
			return exitFailure
		}

	default:
		log.Error("Unknown command", zap.String("command", command))
		printUsage()
		return exitFailure
	}
	return exitOK
}

func intArg(args []string, usageMsg string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("%s", usageMsg)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", args[0])
	}
	return n, nil
}

func hasConfirmFlag(args []string) bool {
	for _, arg := range args {
		if arg == "-confirm" || arg == "--confirm" {
			return true
		}
	}
	return false
}

func printUsage() {
	fmt.Println(`API Hub Database Migration Tool

Usage:
  migrate [flags] <command> [arguments]

Commands:
  up                    Apply all pending migrations
  down                  Roll back all migrations
  step <n>              Apply n migrations (positive=up, negative=down)
  goto <version>        Migrate to a specific version
  version               Show current migration version
  force <version>       Force set migration version (use with caution)
  drop -confirm         Drop all database objects (DANGEROUS)
  create <name> [desc]  Create a new migration file pair
  list                  List available migrations

Flags:
  -path string          Path to migrations directory (default: ./migrations)
  -log-level string     Log level: debug, info, warn, error (default: info)

Environment Variables:
  DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME, DB_SSL_MODE

Examples:
  # Apply all pending migrations
  migrate up

  # Roll back the last migration
  migrate step -1

  # Create a new migration
  migrate create add_usage_records "Create usage records ledger table"

  # Check current version
  migrate version`)
}
