// Package queue buffers ticks between the upstream client and the
// store, batching by time-or-size and retrying a failed flush with
// capped exponential backoff. Grounded on
// original_source/hk-tick-collector/hk_tick_collector/queue.py (the
// time-or-size batching loop) and
// original_source/hk_tick_collector/collector.py's
// _flush_day_rows_with_retry (the retry/backoff/recovery-journal
// coupling).
package queue

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/billpwchan/hk-tick-collector/internal/database"
	"github.com/billpwchan/hk-tick-collector/internal/model"
)

// ErrRestartRequested is returned by Worker.Run when the supervisor has
// asked the worker generation to stop and be replaced, as opposed to a
// fatal error; the supervisor checks for it with errors.Is to decide
// whether to spin up a fresh generation or give up.
var ErrRestartRequested = errors.New("queue: worker restart requested")

// RetryConfig mirrors collector.py's three persist-retry knobs.
type RetryConfig struct {
	MaxAttempts   int
	BackoffSec    float64
	BackoffMaxSec float64
}

// Writer is the subset of *database.Store the queue needs; narrowed to
// an interface so tests can substitute a fake store.
type Writer interface {
	InsertTicks(ctx context.Context, tradingDay string, rows []model.TickRow, gaps database.GapObserver) (model.PersistResult, error)
	ResetConnection(tradingDay string) error
}

// PersistObserver is notified with every batch of rows the queue
// successfully committed for a trading day, so the upstream client can
// close its dedupe-baseline loop (handle_persist_result) without the
// queue package depending on upstream.
type PersistObserver interface {
	NotePersistedSeq(rows []model.TickRow)
}

// HeartbeatSnapshot is a point-in-time summary of the worker's activity
// since the last call to Heartbeat, the drain/commit/backoff picture
// the supervisor logs and forwards to the notifier.
type HeartbeatSnapshot struct {
	RowsDequeued   int64
	Commits        int64
	BusyLockedHits int64
	LastBackoffSec float64
	QueueSize      int
}

// PersistQueue buffers TickRow batches in a bounded channel and drains
// them on a dedicated goroutine, grouping each flush by trading day and
// retrying a failed day's batch with capped exponential backoff before
// moving on. A full queue drops the incoming batch and counts it rather
// than blocking the upstream client: drop and count, never block the
// producer.
type PersistQueue struct {
	writer    Writer
	gaps      database.GapObserver
	log       zerolog.Logger
	retry     RetryConfig
	batchSize int
	maxWait   time.Duration

	items        chan []model.TickRow
	done         chan struct{}
	maxQueueSize int

	journal *RecoveryJournal

	lastTickTsMs   int64
	droppedBatches int64

	obsMu    sync.Mutex
	observer PersistObserver

	lastDequeueAtUnixNano int64

	inMu               sync.Mutex
	rowsEnqueuedWindow int64
	inWindowStartedAt  time.Time

	hbMu           sync.Mutex
	hbRowsDequeued int64
	hbCommits      int64
	hbBusyLocked   int64
	hbLastBackoff  float64
}

// Config bundles the tunables PersistQueue needs at construction.
type Config struct {
	BatchSize    int
	MaxWaitMs    int
	MaxQueueSize int
	Retry        RetryConfig
	JournalDir   string
}

// New builds a PersistQueue tagged with a fresh generation ID for its
// recovery journal. gaps may be nil to disable gap detection entirely
// (GapEnabled=false). Call ReplayPending(cfg.JournalDir, q.Generation())
// before Run to recover any rows a prior generation spilled.
func New(writer Writer, gaps database.GapObserver, cfg Config, log zerolog.Logger) *PersistQueue {
	generation := uuid.NewString()
	return &PersistQueue{
		writer:            writer,
		gaps:              gaps,
		log:               log.With().Str("component", "persist_queue").Logger(),
		retry:             cfg.Retry,
		batchSize:         cfg.BatchSize,
		maxWait:           time.Duration(cfg.MaxWaitMs) * time.Millisecond,
		items:             make(chan []model.TickRow, cfg.MaxQueueSize),
		done:              make(chan struct{}),
		maxQueueSize:      cfg.MaxQueueSize,
		journal:           NewRecoveryJournal(cfg.JournalDir, generation),
		inWindowStartedAt: time.Now(),
	}
}

// SetObserver installs the callback Run notifies after every
// successfully committed day's batch. Exposed as a setter rather than a
// constructor argument because the upstream client (the observer in
// practice) is itself constructed with this queue as its sink, so the
// two can't be wired in a single New call.
func (q *PersistQueue) SetObserver(o PersistObserver) {
	q.obsMu.Lock()
	q.observer = o
	q.obsMu.Unlock()
}

// Generation returns the recovery journal generation ID this queue was
// constructed with.
func (q *PersistQueue) Generation() string {
	return q.journal.generation
}

// QueueSize reports the number of buffered batches (not rows) awaiting
// the worker goroutine, mirroring the Python queue.qsize() semantics
// used by the watchdog's queue-threshold check.
func (q *PersistQueue) QueueSize() int {
	return len(q.items)
}

// LastTickTsMs returns the maximum ts_ms seen across every enqueued
// batch so far, used by the watchdog's upstream-activity check.
func (q *PersistQueue) LastTickTsMs() int64 {
	return q.lastTickTsMs
}

// DroppedBatches reports how many batches were discarded because the
// queue was full.
func (q *PersistQueue) DroppedBatches() int64 {
	return q.droppedBatches
}

// QueueMaxSize reports the configured capacity backing the queue's
// channel, the denominator the watchdog's backlog gate and the health
// endpoint compare QueueSize against.
func (q *PersistQueue) QueueMaxSize() int {
	return q.maxQueueSize
}

// RuntimeState is a point-in-time view of everything the supervisor's
// /healthz and status reporting need about the worker besides the
// heartbeat counters, gathered in one call so callers don't have to
// make four separate ones and risk reading them from different instants.
type RuntimeState struct {
	QueueSize        int
	QueueMaxSize     int
	DroppedBatches   int64
	LastTickTsMs     int64
	LastDequeueAt    time.Time
	HasLastDequeueAt bool
}

// RuntimeState snapshots the queue's depth, drop count, and liveness
// signals without resetting anything (unlike Heartbeat).
func (q *PersistQueue) RuntimeState() RuntimeState {
	state := RuntimeState{
		QueueSize:      q.QueueSize(),
		QueueMaxSize:   q.maxQueueSize,
		DroppedBatches: q.DroppedBatches(),
		LastTickTsMs:   q.LastTickTsMs(),
	}
	state.LastDequeueAt, state.HasLastDequeueAt = q.LastDequeueAt()
	return state
}

// InRowsPerMin reports the enqueue rate since the last call to
// InRowsPerMin, extrapolated to a per-minute figure, then resets the
// window. Intended for a single caller polling on its own cadence (the
// watchdog's queue-inflow gate); sharing it across callers with
// different cadences would make each one's rate wrong.
func (q *PersistQueue) InRowsPerMin() int {
	q.inMu.Lock()
	defer q.inMu.Unlock()
	elapsed := time.Since(q.inWindowStartedAt).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	rate := float64(q.rowsEnqueuedWindow) / elapsed * 60.0
	q.rowsEnqueuedWindow = 0
	q.inWindowStartedAt = time.Now()
	return int(rate)
}

// LastDequeueAt reports when Run last pulled a batch off the channel,
// the liveness signal the watchdog's "is the consumer actively
// draining" gate needs. ok is false before the first dequeue.
func (q *PersistQueue) LastDequeueAt() (time.Time, bool) {
	ns := atomic.LoadInt64(&q.lastDequeueAtUnixNano)
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func (q *PersistQueue) markDequeue() {
	atomic.StoreInt64(&q.lastDequeueAtUnixNano, time.Now().UnixNano())
}

// Heartbeat returns the drain/commit/failure counters accumulated since
// the last call and resets them (drain rate, commit rate, BUSY/LOCKED
// counter), plus the most recent backoff, which is not reset. Intended for a single periodic caller (the
// supervisor's health-emission loop).
func (q *PersistQueue) Heartbeat() HeartbeatSnapshot {
	q.hbMu.Lock()
	defer q.hbMu.Unlock()
	snap := HeartbeatSnapshot{
		RowsDequeued:   q.hbRowsDequeued,
		Commits:        q.hbCommits,
		BusyLockedHits: q.hbBusyLocked,
		LastBackoffSec: q.hbLastBackoff,
		QueueSize:      q.QueueSize(),
	}
	q.hbRowsDequeued = 0
	q.hbCommits = 0
	q.hbBusyLocked = 0
	return snap
}

// Enqueue hands a batch of ticks to the worker goroutine. It never
// blocks: if the channel is full, the batch is dropped and counted.
func (q *PersistQueue) Enqueue(rows []model.TickRow) {
	if len(rows) == 0 {
		return
	}
	var maxTs int64
	for _, r := range rows {
		if r.TsMs > maxTs {
			maxTs = r.TsMs
		}
	}
	if maxTs > q.lastTickTsMs {
		q.lastTickTsMs = maxTs
	}
	select {
	case q.items <- rows:
		q.inMu.Lock()
		q.rowsEnqueuedWindow += int64(len(rows))
		q.inMu.Unlock()
	default:
		q.droppedBatches++
		q.log.Warn().Int("rows", len(rows)).Msg("queue full, dropping batch")
	}
}

// Run drains the queue on the calling goroutine until ctx is cancelled
// or Stop is called, batching by size (batchSize) or time (maxWait),
// whichever comes first. On Stop it flushes any partial batch still
// held; on ctx cancellation it first spills that batch to the recovery
// journal and then attempts the flush.
func (q *PersistQueue) Run(ctx context.Context, stopRequested <-chan struct{}) error {
	var buffered []model.TickRow
	timer := time.NewTimer(q.maxWait)
	defer timer.Stop()
	lastFlush := time.Now()

	flush := func() error {
		if len(buffered) == 0 {
			return nil
		}
		err := q.flushWithRetry(ctx, buffered, stopRequested)
		buffered = nil
		lastFlush = time.Now()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = q.journal.Spill(buffered)
			return flush()
		case <-q.done:
			if err := flush(); err != nil {
				return err
			}
			return nil
		case <-stopRequested:
			if err := flush(); err != nil {
				return err
			}
			return ErrRestartRequested
		case batch, ok := <-q.items:
			q.markDequeue()
			if !ok {
				return flush()
			}
			buffered = append(buffered, batch...)
			if len(buffered) >= q.batchSize {
				if err := flush(); err != nil {
					return err
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(q.maxWait)
			}
		case <-timer.C:
			remaining := q.maxWait - time.Since(lastFlush)
			if remaining <= 0 {
				if err := flush(); err != nil {
					return err
				}
			}
			timer.Reset(q.maxWait)
		}
	}
}

// Stop signals Run to flush any remaining buffered rows and return.
func (q *PersistQueue) Stop() {
	close(q.done)
}

func (q *PersistQueue) flushWithRetry(ctx context.Context, rows []model.TickRow, stopRequested <-chan struct{}) error {
	byDay := map[string][]model.TickRow{}
	var days []string
	for _, r := range rows {
		if _, ok := byDay[r.TradingDay]; !ok {
			days = append(days, r.TradingDay)
		}
		byDay[r.TradingDay] = append(byDay[r.TradingDay], r)
	}
	sort.Strings(days)

	for _, day := range days {
		if err := q.flushDayWithRetry(ctx, day, byDay[day], stopRequested); err != nil {
			return err
		}
	}
	return nil
}

func (q *PersistQueue) flushDayWithRetry(ctx context.Context, tradingDay string, rows []model.TickRow, stopRequested <-chan struct{}) error {
	attempt := 0
	for {
		select {
		case <-stopRequested:
			return ErrRestartRequested
		default:
		}

		attempt++
		result, err := q.writer.InsertTicks(ctx, tradingDay, rows, q.gaps)
		if err == nil {
			q.log.Debug().
				Str("trading_day", tradingDay).
				Int("batch", result.Batch).
				Int("inserted", result.Inserted).
				Int("ignored", result.Ignored).
				Msg("flushed tick batch")
			q.hbMu.Lock()
			q.hbRowsDequeued += int64(len(rows))
			q.hbCommits++
			q.hbMu.Unlock()
			q.notifyObserver(rows)
			return nil
		}

		var fatal *database.FatalPersistError
		if errors.As(err, &fatal) {
			q.log.Error().
				Err(err).
				Str("trading_day", tradingDay).
				Int("batch", len(rows)).
				Msg("persist flush failed with a non-retryable error, giving up on this batch")
			_ = q.writer.ResetConnection(tradingDay)
			return err
		}

		backoffSec := math.Min(
			q.retry.BackoffSec*math.Pow(2, math.Min(float64(attempt-1), 10)),
			q.retry.BackoffMaxSec,
		)
		q.hbMu.Lock()
		q.hbBusyLocked++
		q.hbLastBackoff = backoffSec
		q.hbMu.Unlock()
		q.log.Error().
			Err(err).
			Str("trading_day", tradingDay).
			Int("batch", len(rows)).
			Int("attempt", attempt).
			Float64("backoff_sec", backoffSec).
			Int("queue_depth", q.QueueSize()).
			Msg("persist flush failed, retrying")
		_ = q.writer.ResetConnection(tradingDay)

		if q.retry.MaxAttempts > 0 && attempt >= q.retry.MaxAttempts {
			q.log.Error().
				Str("trading_day", tradingDay).
				Int("attempts", attempt).
				Msg("persist retry budget exhausted, continuing with backoff")
			attempt = 0
		}

		select {
		case <-stopRequested:
			return ErrRestartRequested
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(backoffSec * float64(time.Second))):
		}
	}
}

// notifyObserver reports a successfully committed batch to the
// configured PersistObserver, if any. Called with the full flushed
// batch (not just the post-dedupe inserted subset) because
// advanceSeq is monotonic: re-reporting an already-seen seq is a no-op,
// so there's no correctness reason to thread the inserted-only rows
// back out of InsertTicks just for this.
func (q *PersistQueue) notifyObserver(rows []model.TickRow) {
	q.obsMu.Lock()
	o := q.observer
	q.obsMu.Unlock()
	if o != nil {
		o.NotePersistedSeq(rows)
	}
}
