package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/erp/stockledger/internal/infrastructure/config"
	"github.com/erp/stockledger/internal/infrastructure/logger"
	"github.com/erp/stockledger/internal/infrastructure/migration"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const defaultMigrationsPath = "migrations"

var errUsage = errors.New("invalid usage")

// command runs against an open migrator
type command func(m *migration.Migrator, args []string) error

func main() {
	var migrationsPath, logLevel string
	flag.StringVar(&migrationsPath, "path", "", "Path to a migrations directory (default: embedded migrations)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	log, err := logger.New(&logger.Config{
		Level:      logLevel,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: "2006-01-02 15:04:05",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, log, migrationsPath, args)
	stop()
	_ = log.Sync()

	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		os.Exit(2)
	case err != nil:
		log.Error("Migration command failed", zap.String("command", args[0]), zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *zap.Logger, migrationsPath string, args []string) error {
	name, args := args[0], args[1:]

	// without -path the migrations embedded in the binary are used
	if migrationsPath != "" {
		abs, err := filepath.Abs(migrationsPath)
		if err != nil {
			return fmt.Errorf("resolve migrations path: %w", err)
		}
		migrationsPath = abs
	}
	log.Info("Migration CLI started",
		zap.String("command", name),
		zap.String("migrations_path", migrationsPath),
		zap.Bool("embedded", migrationsPath == ""),
	)

	// file-only commands
	switch name {
	case "create":
		return create(log, migrationsPath, args)
	case "list":
		return list(migrationsPath)
	}

	commands := map[string]command{
		"up":   func(m *migration.Migrator, _ []string) error { return m.Up() },
		"down": func(m *migration.Migrator, _ []string) error { return m.Down() },
		"step": func(m *migration.Migrator, args []string) error {
			n, err := intArg(args, "step <n>")
			if err != nil {
				return err
			}
			return m.Steps(n)
		},
		"goto": func(m *migration.Migrator, args []string) error {
			v, err := versionArg(args, "goto <version>")
			if err != nil {
				return err
			}
			return m.GoTo(v)
		},
		"force": func(m *migration.Migrator, args []string) error {
			v, err := intArg(args, "force <version>")
			if err != nil {
				return err
			}
			log.Warn("Forcing migration version", zap.Int("version", v))
			return m.Force(v)
		},
		"status": func(m *migration.Migrator, _ []string) error {
			return status(log, m, migrationsPath)
		},
	}
	commands["version"] = commands["status"]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if name == "drop" {
		// the ledger is the audit trail; it is never dropped in production
		if cfg.App.IsProduction() {
			return errors.New("drop is disabled in production")
		}
		if !slices.Contains(args, "-confirm") && !slices.Contains(args, "--confirm") {
			return fmt.Errorf("%w: drop requires -confirm", errUsage)
		}
		commands["drop"] = func(m *migration.Migrator, _ []string) error { return m.Drop() }
	}

	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	m, err := migration.New(db, migrationsPath, log)
	if err != nil {
		return err
	}
	defer m.Close()

	return cmd(m, args)
}

func create(log *zap.Logger, migrationsPath string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: create <name> [description]", errUsage)
	}
	if migrationsPath == "" {
		migrationsPath = defaultMigrationsPath
	}
	mf, err := migration.CreateMigration(migrationsPath, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	log.Info("Migration created",
		zap.String("version", mf.Version),
		zap.String("up_file", mf.UpPath),
		zap.String("down_file", mf.DownPath),
	)
	return nil
}

func list(migrationsPath string) error {
	migrations, err := migration.ListMigrations(migration.Source(migrationsPath))
	if err != nil {
		return err
	}
	for _, m := range migrations {
		fmt.Println(m)
	}
	return nil
}

func status(log *zap.Logger, m *migration.Migrator, migrationsPath string) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	available, err := migration.ListMigrations(migration.Source(migrationsPath))
	if err != nil {
		return err
	}
	pending := pendingMigrations(version, available)

	log.Info("Migration status",
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
		zap.Int("available", len(available)),
		zap.Strings("pending", pending),
	)
	if dirty {
		log.Warn("Schema is dirty; fix the failed migration and run force <version>")
	}
	return nil
}

// pendingMigrations returns the names whose version is above applied
func pendingMigrations(applied uint, names []string) []string {
	var pending []string
	for _, name := range names {
		prefix, _, _ := strings.Cut(name, "_")
		v, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		if uint(v) > applied {
			pending = append(pending, name)
		}
	}
	return pending
}

func intArg(args []string, usage string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%w: %s", errUsage, usage)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q is not an integer", errUsage, usage, args[0])
	}
	return n, nil
}

// versionArg parses a migration version; timestamp versions need 64 bits
func versionArg(args []string, usage string) (uint, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%w: %s", errUsage, usage)
	}
	v, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q is not a version", errUsage, usage, args[0])
	}
	return uint(v), nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Stock ledger schema migrations

Usage:
  migrate [flags] <command> [arguments]

Commands:
  up                    Apply all pending migrations
  down                  Roll back all migrations
  step <n>              Apply n migrations (positive=up, negative=down)
  goto <version>        Migrate to a specific version
  status | version      Show the applied version and pending migrations
  force <version>       Force set migration version (use with caution)
  drop -confirm         Drop all database objects (refused in production)
  create <name> [desc]  Create a new migration file pair
  list                  List available migrations

Flags:
  -path string          Path to a migrations directory (default: embedded)
  -log-level string     Log level: debug, info, warn, error (default: info)

Environment Variables:
  STOCK_APP_ENV, STOCK_DATABASE_HOST, STOCK_DATABASE_PORT, STOCK_DATABASE_USER,
  STOCK_DATABASE_PASSWORD, STOCK_DATABASE_DBNAME, STOCK_DATABASE_SSLMODE

Examples:
  migrate up
  migrate step -1
  migrate -path ./migrations create add_movement_actor_index "Index movements by actor"
  migrate status`)
}
