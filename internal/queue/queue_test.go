package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billpwchan/hk-tick-collector/internal/database"
	"github.com/billpwchan/hk-tick-collector/internal/model"
)

// fakeWriter is a minimal Writer standing in for *database.Store, letting
// tests dictate InsertTicks's outcome per call.
type fakeWriter struct {
	mu      sync.Mutex
	results []error
	calls   int
	resets  int
}

func (w *fakeWriter) InsertTicks(ctx context.Context, tradingDay string, rows []model.TickRow, gaps database.GapObserver) (model.PersistResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var err error
	if w.calls < len(w.results) {
		err = w.results[w.calls]
	}
	w.calls++
	if err != nil {
		return model.PersistResult{}, err
	}
	return model.PersistResult{Batch: len(rows), Inserted: len(rows)}, nil
}

func (w *fakeWriter) ResetConnection(tradingDay string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resets++
	return nil
}

func newTestQueue(t *testing.T, writer Writer) *PersistQueue {
	t.Helper()
	return New(writer, nil, Config{
		BatchSize:    10,
		MaxWaitMs:    20,
		MaxQueueSize: 100,
		Retry: RetryConfig{
			MaxAttempts:   3,
			BackoffSec:    0.01,
			BackoffMaxSec: 0.02,
		},
		JournalDir: t.TempDir(),
	}, zerolog.Nop())
}

func TestRun_StopRequested_ReturnsErrRestartRequestedWhenIdle(t *testing.T) {
	q := newTestQueue(t, &fakeWriter{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan struct{})
	close(stop)

	err := q.Run(ctx, stop)
	assert.ErrorIs(t, err, ErrRestartRequested, "an idle generation should still respond to a recovery request")
}

func TestFlushDayWithRetry_FatalErrorAbortsWithoutRetrying(t *testing.T) {
	writer := &fakeWriter{results: []error{&database.FatalPersistError{Err: errors.New("disk full")}}}
	q := newTestQueue(t, writer)

	rows := []model.TickRow{{Symbol: "HK.00700", TsMs: 1, TradingDay: "20260107"}}
	err := q.flushWithRetry(context.Background(), rows, make(chan struct{}))

	var fatal *database.FatalPersistError
	assert.ErrorAs(t, err, &fatal)
	assert.Equal(t, 1, writer.calls, "a fatal error must not be retried")
	assert.Equal(t, 1, writer.resets)
}

func TestFlushDayWithRetry_BusyLockedRetriesThenSucceeds(t *testing.T) {
	writer := &fakeWriter{results: []error{errors.New("database is locked"), nil}}
	q := newTestQueue(t, writer)

	rows := []model.TickRow{{Symbol: "HK.00700", TsMs: 1, TradingDay: "20260107"}}
	err := q.flushWithRetry(context.Background(), rows, make(chan struct{}))

	require.NoError(t, err)
	assert.Equal(t, 2, writer.calls)

	hb := q.Heartbeat()
	assert.Equal(t, int64(1), hb.BusyLockedHits)
	assert.Equal(t, int64(1), hb.Commits)
	assert.Equal(t, int64(len(rows)), hb.RowsDequeued)
}

func TestHeartbeat_ResetsCountersAfterRead(t *testing.T) {
	writer := &fakeWriter{}
	q := newTestQueue(t, writer)

	rows := []model.TickRow{{Symbol: "HK.00700", TsMs: 1, TradingDay: "20260107"}}
	require.NoError(t, q.flushWithRetry(context.Background(), rows, make(chan struct{})))

	first := q.Heartbeat()
	assert.Equal(t, int64(1), first.Commits)

	second := q.Heartbeat()
	assert.Zero(t, second.Commits, "a second call before any new activity should read zero")
}

func TestInRowsPerMin_ResetsWindowAfterRead(t *testing.T) {
	q := newTestQueue(t, &fakeWriter{})
	q.Enqueue([]model.TickRow{{Symbol: "HK.00700", TsMs: 1, TradingDay: "20260107"}})

	rate := q.InRowsPerMin()
	assert.Positive(t, rate)
	assert.Zero(t, q.InRowsPerMin(), "a second call with no new enqueues should read zero")
}

func TestLastDequeueAt_UnsetUntilFirstDequeue(t *testing.T) {
	q := newTestQueue(t, &fakeWriter{})
	_, ok := q.LastDequeueAt()
	assert.False(t, ok)

	q.markDequeue()
	ts, ok := q.LastDequeueAt()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), ts, time.Second)
}

func TestQueueMaxSize_ReflectsConfiguredCapacity(t *testing.T) {
	q := newTestQueue(t, &fakeWriter{})
	assert.Equal(t, 100, q.QueueMaxSize())
}
