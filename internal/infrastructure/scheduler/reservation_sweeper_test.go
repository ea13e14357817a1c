package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	appinventory "github.com/erp/stockledger/internal/application/inventory"
	"github.com/erp/stockledger/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockExpirySweeper is a mock implementation of ExpirySweeper
type MockExpirySweeper struct {
	mock.Mock
}

func (m *MockExpirySweeper) SweepExpired(ctx context.Context) (*appinventory.SweepStats, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(*appinventory.SweepStats)
	return stats, args.Error(1)
}

func testSweeperConfig() ReservationSweeperConfig {
	return ReservationSweeperConfig{Enabled: true, Interval: 10 * time.Millisecond, Timeout: time.Second}
}

func TestReservationSweeperConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultReservationSweeperConfig().Validate())

	cfg := DefaultReservationSweeperConfig()
	cfg.Interval = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultReservationSweeperConfig()
	cfg.Timeout = -time.Second
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestReservationSweeper_SweepsOnInterval(t *testing.T) {
	sweeper := new(MockExpirySweeper)
	var calls atomic.Int32
	sweeper.On("SweepExpired", mock.Anything).
		Run(func(mock.Arguments) { calls.Add(1) }).
		Return(&appinventory.SweepStats{Scanned: 1, Expired: 1}, nil)

	s, err := NewReservationSweeper(sweeper, zap.NewNop(), testSweeperConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
}

func TestReservationSweeper_ContinuesAfterFailure(t *testing.T) {
	sweeper := new(MockExpirySweeper)
	var calls atomic.Int32
	sweeper.On("SweepExpired", mock.Anything).
		Run(func(mock.Arguments) { calls.Add(1) }).
		Return(nil, errors.New("store unavailable"))

	s, err := NewReservationSweeper(sweeper, zap.NewNop(), testSweeperConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestReservationSweeper_SkipsOverlappingRuns(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	sweeper := new(MockExpirySweeper)
	sweeper.On("SweepExpired", mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(&appinventory.SweepStats{}, nil).Once()

	cfg := testSweeperConfig()
	cfg.Interval = time.Hour
	s, err := NewReservationSweeper(sweeper, zap.NewNop(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	go func() { _, _ = s.TriggerNow(context.Background()) }()
	<-started

	_, err = s.TriggerNow(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)

	close(release)
	sweeper.AssertNumberOfCalls(t, "SweepExpired", 1)
}

func TestReservationSweeper_TagsSweepContext(t *testing.T) {
	sweeper := new(MockExpirySweeper)
	var requestID, actor string
	sweeper.On("SweepExpired", mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			requestID, actor = logger.GetRequestID(ctx), logger.GetActor(ctx)
		}).
		Return(&appinventory.SweepStats{}, nil)

	cfg := testSweeperConfig()
	cfg.Interval = time.Hour
	s, err := NewReservationSweeper(sweeper, zap.NewNop(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	_, err = s.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Contains(t, requestID, "sweep-")
	assert.Equal(t, sweeperActor, actor)
}

func TestReservationSweeper_TriggerRequiresRunning(t *testing.T) {
	s, err := NewReservationSweeper(new(MockExpirySweeper), zap.NewNop(), testSweeperConfig())
	require.NoError(t, err)

	_, err = s.TriggerNow(context.Background())
	assert.ErrorIs(t, err, ErrSchedulerNotRunning)
}

func TestReservationSweeper_Disabled(t *testing.T) {
	cfg := testSweeperConfig()
	cfg.Enabled = false
	s, err := NewReservationSweeper(new(MockExpirySweeper), zap.NewNop(), cfg)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())
	assert.NoError(t, s.Stop(context.Background()))
}
