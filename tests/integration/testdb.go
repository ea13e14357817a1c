//go:build integration

// Package integration runs the stock ledger against real PostgreSQL and
// Redis containers started with testcontainers.
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/erp/stockledger/internal/infrastructure/config"
	"github.com/erp/stockledger/internal/infrastructure/migration"
	"github.com/erp/stockledger/internal/infrastructure/persistence"
	"github.com/erp/stockledger/internal/infrastructure/telemetry"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
)

// TestDB is a migrated PostgreSQL database in its own container
type TestDB struct {
	Database  *persistence.Database
	Store     *persistence.GormStore
	Metrics   *sdkmetric.ManualReader
	Container testcontainers.Container
	DSN       string
	t         *testing.T
}

// NewTestDB starts PostgreSQL, applies the embedded migrations and opens an
// observed connection. Everything is torn down by t.Cleanup.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("stock_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("admin123"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	runMigrations(t, dsn)

	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("integration")
	observer, err := telemetry.NewDBObserver(meter, telemetry.DefaultDBObserverConfig(), zap.NewNop())
	require.NoError(t, err)

	db, err := persistence.NewDatabase(ctx, &config.DatabaseConfig{MaxOpenConns: 10, MaxIdleConns: 5},
		persistence.WithDialector(gormpostgres.Open(dsn)),
		persistence.WithQueryObserver(observer))
	require.NoError(t, err, "Failed to connect to database")
	t.Cleanup(func() { _ = db.Close() })

	return &TestDB{
		Database:  db,
		Store:     db.Store(),
		Metrics:   reader,
		Container: container,
		DSN:       dsn,
		t:         t,
	}
}

// runMigrations applies the migrations embedded in the binary
func runMigrations(t *testing.T, dsn string) {
	t.Helper()

	sqlDB, err := sql.Open("postgres", dsn)
	require.NoError(t, err)

	m, err := migration.New(sqlDB, "", zap.NewNop())
	require.NoError(t, err, "Failed to create migrator")
	// closes sqlDB as well
	defer m.Close()
	require.NoError(t, m.Up(), "Failed to run migrations")

	version, dirty, err := m.Version()
	require.NoError(t, err)
	require.False(t, dirty)
	require.NotZero(t, version)
}

// CleanTables empties every stock table
func (tdb *TestDB) CleanTables() {
	tdb.t.Helper()
	tables := []string{"stock_transfers", "stock_reservations", "stock_movements", "inventory_lines"}
	// TRUNCATE does not fire the row-level append-only trigger
	err := tdb.Database.DB.Exec(fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY", strings.Join(tables, ", "))).Error
	require.NoError(tdb.t, err, "Failed to truncate stock tables")
}
