package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBObserverConfig holds configuration for database tracing and metrics.
type DBObserverConfig struct {
	// TracingEnabled registers the otelgorm plugin
	TracingEnabled bool
	// LogFullSQL includes query variables in spans. Development only.
	LogFullSQL bool
	// SlowQueryThreshold marks queries as slow (default: 200ms)
	SlowQueryThreshold time.Duration
	// PoolStatsInterval is how often pool stats are sampled (default: 15s)
	PoolStatsInterval time.Duration
	// DBName is reported on spans (default: "postgresql")
	DBName string
}

// DefaultDBObserverConfig returns the default configuration.
func DefaultDBObserverConfig() DBObserverConfig {
	return DBObserverConfig{
		SlowQueryThreshold: 200 * time.Millisecond,
		PoolStatsInterval:  15 * time.Second,
		DBName:             "postgresql",
	}
}

// DBObserver traces and measures GORM statements. Statements carrying a
// row lock (SELECT ... FOR UPDATE) are measured separately, as their latency
// is dominated by waiting for the current holder of an inventory line.
type DBObserver struct {
	config DBObserverConfig
	logger *zap.Logger

	queryTotal     *Counter
	queryDuration  *Histogram
	slowQueryTotal *Counter
	rowLockWait    *Histogram
	poolConns      *Gauge

	sqlDB    *sql.DB
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDBObserver creates the observer's instruments on meter.
func NewDBObserver(meter metric.Meter, cfg DBObserverConfig, logger *zap.Logger) (*DBObserver, error) {
	if meter == nil {
		return nil, &MetricsError{Op: "NewDBObserver", Err: "meter cannot be nil"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultDBObserverConfig()
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = defaults.SlowQueryThreshold
	}
	if cfg.PoolStatsInterval <= 0 {
		cfg.PoolStatsInterval = defaults.PoolStatsInterval
	}
	if cfg.DBName == "" {
		cfg.DBName = defaults.DBName
	}

	o := &DBObserver{config: cfg, logger: logger, stopCh: make(chan struct{})}
	var err error
	if o.queryTotal, err = NewCounter(meter, "db_query_total", "Database statements by operation", "{query}"); err != nil {
		return nil, err
	}
	if o.queryDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "db_query_duration_seconds",
		Description: "Database statement latency",
		Unit:        "s",
		Boundaries:  DBDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if o.slowQueryTotal, err = NewCounter(meter, "db_slow_query_total", "Statements slower than the threshold", "{query}"); err != nil {
		return nil, err
	}
	if o.rowLockWait, err = NewHistogram(meter, HistogramOpts{
		Name:        "db_row_lock_seconds",
		Description: "Latency of statements that take a row lock",
		Unit:        "s",
		Boundaries:  DBDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if o.poolConns, err = NewGauge(meter, "db_pool_connections", "Connections in the pool by state", "{connection}"); err != nil {
		return nil, err
	}
	return o, nil
}

// Register installs the observer on db. With tracing enabled the otelgorm
// plugin is registered first so statement spans exist when the after
// callbacks annotate them.
func (o *DBObserver) Register(db *gorm.DB) error {
	if o.config.TracingEnabled {
		opts := []otelgorm.Option{otelgorm.WithDBName(o.config.DBName)}
		if !o.config.LogFullSQL {
			opts = append(opts, otelgorm.WithoutQueryVariables())
		}
		if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
			return err
		}
	}

	cb := db.Callback()
	registrations := []func() error{
		func() error { return cb.Create().Before("gorm:create").Register("observer:before_create", o.before) },
		func() error { return cb.Query().Before("gorm:query").Register("observer:before_query", o.before) },
		func() error { return cb.Update().Before("gorm:update").Register("observer:before_update", o.before) },
		func() error { return cb.Delete().Before("gorm:delete").Register("observer:before_delete", o.before) },
		func() error { return cb.Row().Before("gorm:row").Register("observer:before_row", o.before) },
		func() error { return cb.Raw().Before("gorm:raw").Register("observer:before_raw", o.before) },
		func() error { return cb.Create().After("gorm:create").Register("observer:after_create", o.after("create")) },
		func() error { return cb.Query().After("gorm:query").Register("observer:after_query", o.after("select")) },
		func() error { return cb.Update().After("gorm:update").Register("observer:after_update", o.after("update")) },
		func() error { return cb.Delete().After("gorm:delete").Register("observer:after_delete", o.after("delete")) },
		func() error { return cb.Row().After("gorm:row").Register("observer:after_row", o.after("row")) },
		func() error { return cb.Raw().After("gorm:raw").Register("observer:after_raw", o.after("raw")) },
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			return err
		}
	}

	o.logger.Info("Database observer registered",
		zap.Bool("tracing", o.config.TracingEnabled),
		zap.Duration("slow_query_threshold", o.config.SlowQueryThreshold))
	return nil
}

type queryStartKey struct{}

func (o *DBObserver) before(db *gorm.DB) {
	if db.Statement.Context != nil {
		db.Statement.Context = context.WithValue(db.Statement.Context, queryStartKey{}, time.Now())
	}
}

func (o *DBObserver) after(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			return
		}
		start, ok := ctx.Value(queryStartKey{}).(time.Time)
		if !ok {
			return
		}
		elapsed := time.Since(start)
		_, locking := db.Statement.Clauses["FOR"]
		slow := elapsed > o.config.SlowQueryThreshold

		o.queryTotal.Inc(ctx, AttrDBOperation.String(operation))
		o.queryDuration.RecordDuration(ctx, elapsed, AttrDBOperation.String(operation))
		if locking {
			o.rowLockWait.RecordDuration(ctx, elapsed, AttrDBTable.String(db.Statement.Table))
		}
		if slow {
			o.slowQueryTotal.Inc(ctx, AttrDBTable.String(db.Statement.Table))
		}

		span := trace.SpanFromContext(ctx)
		if !span.IsRecording() {
			return
		}
		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
		if db.Statement.Table != "" {
			span.SetAttributes(attribute.String("db.sql.table", db.Statement.Table))
		}
		if locking {
			span.SetAttributes(attribute.Bool("db.row_lock", true))
		}
		if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, db.Error.Error())
			span.RecordError(db.Error)
		}
		if slow {
			span.AddEvent("slow_query", trace.WithAttributes(
				attribute.Int64("duration_ms", elapsed.Milliseconds()),
				attribute.Int64("threshold_ms", o.config.SlowQueryThreshold.Milliseconds()),
			))
		}
	}
}

// StartPoolStatsCollection samples sqlDB's pool every PoolStatsInterval
// until Stop is called or ctx is done.
func (o *DBObserver) StartPoolStatsCollection(ctx context.Context, sqlDB *sql.DB) {
	o.sqlDB = sqlDB
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.config.PoolStatsInterval)
		defer ticker.Stop()

		o.collectPoolStats(ctx)
		for {
			select {
			case <-o.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.collectPoolStats(ctx)
			}
		}
	}()
}

func (o *DBObserver) collectPoolStats(ctx context.Context) {
	if o.sqlDB == nil {
		return
	}
	stats := o.sqlDB.Stats()
	o.poolConns.Record(ctx, int64(stats.Idle), AttrDBState.String("idle"))
	o.poolConns.Record(ctx, int64(stats.InUse), AttrDBState.String("in_use"))
	o.poolConns.Record(ctx, int64(stats.OpenConnections), AttrDBState.String("open"))
	o.poolConns.Record(ctx, int64(stats.MaxOpenConnections), AttrDBState.String("max"))
}

// Stop ends pool stats collection and waits for the collector to exit.
func (o *DBObserver) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	o.wg.Wait()
}
