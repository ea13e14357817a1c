// Package scheduler runs the background jobs of the stock ledger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appinventory "github.com/erp/stockledger/internal/application/inventory"
	"github.com/erp/stockledger/internal/infrastructure/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sweeperActor is recorded on the logs of background sweeps
const sweeperActor = "reservation-sweeper"

var (
	// ErrSchedulerNotRunning is returned by TriggerNow after Stop or before Start
	ErrSchedulerNotRunning = errors.New("reservation sweeper is not running")
	// ErrSweepInProgress is returned when a sweep is already running
	ErrSweepInProgress = errors.New("reservation sweep already in progress")
	ErrInvalidConfig   = errors.New("invalid reservation sweeper configuration")
)

// ExpirySweeper releases expired reservations
type ExpirySweeper interface {
	SweepExpired(ctx context.Context) (*appinventory.SweepStats, error)
}

// ReservationSweeperConfig holds configuration for the reservation sweeper
type ReservationSweeperConfig struct {
	// Enabled determines if the sweeper is active
	Enabled bool

	// Interval is the time between sweeps
	Interval time.Duration

	// Timeout bounds a single sweep
	Timeout time.Duration
}

// DefaultReservationSweeperConfig returns default configuration
func DefaultReservationSweeperConfig() ReservationSweeperConfig {
	return ReservationSweeperConfig{
		Enabled:  true,
		Interval: time.Minute,
		Timeout:  30 * time.Second,
	}
}

// Validate checks the configuration
func (c ReservationSweeperConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// ReservationSweeper expires stale reservations on a fixed interval. A tick
// that arrives while a sweep is still running is skipped.
type ReservationSweeper struct {
	sweeper  ExpirySweeper
	logger   *zap.Logger
	config   ReservationSweeperConfig
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	sweeping atomic.Bool
}

// NewReservationSweeper creates a new reservation sweeper
func NewReservationSweeper(sweeper ExpirySweeper, logger *zap.Logger, config ReservationSweeperConfig) (*ReservationSweeper, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &ReservationSweeper{
		sweeper: sweeper,
		logger:  logger.Named("reservation_sweeper"),
		config:  config,
	}, nil
}

// Start starts the sweep loop
func (s *ReservationSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if !s.config.Enabled {
		s.logger.Info("Reservation sweeper is disabled")
		return nil
	}
	s.running = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("Reservation sweeper started", zap.Duration("interval", s.config.Interval))
	return nil
}

// Stop cancels the loop and waits for an in-flight sweep
func (s *ReservationSweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Reservation sweeper stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Reservation sweeper stop timed out")
		return ctx.Err()
	}
}

// IsRunning returns whether the sweeper is running
func (s *ReservationSweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TriggerNow runs one sweep synchronously
func (s *ReservationSweeper) TriggerNow(ctx context.Context) (*appinventory.SweepStats, error) {
	if !s.IsRunning() {
		return nil, ErrSchedulerNotRunning
	}
	return s.sweepOnce(ctx)
}

func (s *ReservationSweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Reservation sweep loop stopping")
			return
		case <-ticker.C:
			// failures are logged by sweepOnce and retried on the next tick
			_, _ = s.sweepOnce(ctx)
		}
	}
}

func (s *ReservationSweeper) sweepOnce(ctx context.Context) (*appinventory.SweepStats, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.logger.Debug("Skipping reservation sweep, previous run still active")
		return nil, ErrSweepInProgress
	}
	defer s.sweeping.Store(false)

	ctx = logger.WithActor(logger.WithRequestID(ctx, "sweep-"+uuid.NewString()), sweeperActor)
	ctx = logger.WithContext(ctx, s.logger)
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	start := time.Now()
	stats, err := s.sweeper.SweepExpired(ctx)
	duration := time.Since(start)
	log := logger.L(ctx)
	if err != nil {
		log.Error("Reservation sweep aborted", zap.Duration("duration", duration), zap.Error(err))
		return stats, err
	}

	if stats.Expired > 0 || stats.Failed > 0 {
		log.Info("Reservation sweep completed",
			zap.Duration("duration", duration),
			zap.Int("scanned", stats.Scanned),
			zap.Int("expired", stats.Expired),
			zap.Int("skipped", stats.Skipped),
			zap.Int("failed", stats.Failed),
		)
	}
	return stats, nil
}
