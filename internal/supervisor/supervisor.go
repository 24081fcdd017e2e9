// Package supervisor wires the upstream client, persist queue, gap
// detector, watchdog, notifier, health server, and archiver into one
// process lifecycle: ordered startup, a daily cron schedule for
// quality reports and archival, and ordered shutdown on signal or
// fatal error. Grounded on
// aristath-sentinel/trader-go/cmd/server/main.go's signal-driven
// startup/shutdown shape and
// aristath-sentinel/trader-go/internal/scheduler/scheduler.go's
// cron.Cron wrapper for the background job schedule.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/billpwchan/hk-tick-collector/internal/archive"
	"github.com/billpwchan/hk-tick-collector/internal/calendar"
	"github.com/billpwchan/hk-tick-collector/internal/config"
	"github.com/billpwchan/hk-tick-collector/internal/database"
	"github.com/billpwchan/hk-tick-collector/internal/health"
	"github.com/billpwchan/hk-tick-collector/internal/notifier"
	"github.com/billpwchan/hk-tick-collector/internal/quality"
	"github.com/billpwchan/hk-tick-collector/internal/queue"
	"github.com/billpwchan/hk-tick-collector/internal/timeutil"
	"github.com/billpwchan/hk-tick-collector/internal/upstream"
	"github.com/billpwchan/hk-tick-collector/internal/watchdog"
)

// Exit codes returned by Run, consumed by cmd/collector's main to call
// os.Exit. ExitStall reuses watchdog.ExitCode, the code for a persistent
// stall the watchdog could not recover from.
const (
	ExitOK    = 0
	ExitFatal = 1
	ExitStall = watchdog.ExitCode
)

// Supervisor owns every long-running component's lifecycle for one
// collector process.
type Supervisor struct {
	cfg   *config.Config
	log   zerolog.Logger
	store *database.Store

	gapDetector *quality.GapDetector
	pq          *queue.PersistQueue
	client      *upstream.Client
	wd          *watchdog.Watchdog
	notif       *notifier.Notifier
	healthSrv   *health.Server
	archiver    *archive.Archiver
	cronSched   *cron.Cron

	startedAt time.Time

	mu          sync.Mutex
	stalled     bool
	stallOnce   sync.Once
	cancelStall context.CancelFunc

	fatal     bool
	fatalOnce sync.Once

	genMu       sync.Mutex
	genStop     chan struct{}
	genJoined   chan struct{}
	generation  int
}

// New wires every component from cfg without starting any of them.
func New(cfg *config.Config, log zerolog.Logger) (*Supervisor, error) {
	store := database.NewStore(cfg, log)

	sessions, err := timeutil.ParseTradingSessions(cfg.TradingSessions)
	if err != nil {
		return nil, fmt.Errorf("supervisor: parse trading sessions: %w", err)
	}

	cal, err := calendar.NewCalendar(sessions, cfg.HolidayFile)
	if err != nil {
		return nil, fmt.Errorf("supervisor: load holiday calendar: %w", err)
	}

	gapDetector := quality.NewGapDetector(quality.GapDetectorConfig{
		Enabled:         cfg.GapEnabled,
		ThresholdSec:    cfg.GapThresholdSec,
		ActiveWindowSec: cfg.GapActiveWindowSec,
		ActiveMinTicks:  cfg.GapActiveMinTicks,
		StallWarnSec:    cfg.GapStallWarnSec,
		TradingSessions: sessions,
		Holidays:        cal.Holidays,
	})

	pq := queue.New(store, gapDetector, queue.Config{
		BatchSize:    cfg.BatchSize,
		MaxWaitMs:    cfg.MaxWaitMs,
		MaxQueueSize: cfg.MaxQueueSize,
		Retry: queue.RetryConfig{
			MaxAttempts:   cfg.PersistRetryMaxAttempts,
			BackoffSec:    cfg.PersistRetryBackoffSec,
			BackoffMaxSec: cfg.PersistRetryBackoffMaxSec,
		},
		JournalDir: cfg.DataRoot + "/_recovery",
	}, log)

	client := upstream.New(upstream.ConfigFromAppConfig(cfg), pq, log)
	pq.SetObserver(client)

	notif := notifier.New(notifier.ConfigFromAppConfig(cfg), log)

	var s *Supervisor
	wd := watchdog.New(watchdog.ConfigFromAppConfig(cfg), log, func() {
		if s != nil {
			s.triggerStall()
		}
	}, func(reason string, joinTimeout time.Duration) bool {
		if s == nil {
			return false
		}
		ok := s.RequestWriterRecovery(reason, joinTimeout)
		if ok {
			s.notif.ResolveAlert("persistent_stall", "", time.Now(), "writer recovered after a watchdog-triggered restart")
		}
		return ok
	})

	archiveCfg := archive.ConfigFromAppConfig(cfg)
	var uploader archive.S3Uploader
	if archiveCfg.S3Bucket != "" {
		u, err := archive.NewS3Uploader(context.Background())
		if err != nil {
			log.Warn().Err(err).Msg("s3 uploader unavailable, archives will stay local only")
		} else {
			uploader = u
		}
	}
	archiver := archive.New(archiveCfg, store, uploader, log)

	s = &Supervisor{
		cfg:         cfg,
		log:         log.With().Str("component", "supervisor").Logger(),
		store:       store,
		gapDetector: gapDetector,
		pq:          pq,
		client:      client,
		wd:          wd,
		notif:       notif,
		archiver:    archiver,
		cronSched:   cron.New(cron.WithSeconds()),
	}
	s.genStop = make(chan struct{})
	s.genJoined = make(chan struct{})

	healthCfg := health.ConfigFromAppConfig(cfg)
	s.healthSrv = health.New(healthCfg, statusProviderFunc(s.status), log)

	return s, nil
}

// statusProviderFunc adapts a plain function to health.StatusProvider.
type statusProviderFunc func() health.Status

func (f statusProviderFunc) Status() health.Status { return f() }

func (s *Supervisor) status() health.Status {
	snap := s.client.Snapshot()
	status := "ok"
	if !snap.Connected {
		status = "degraded"
	}
	return health.Status{
		Status:       status,
		LastTickTsMs: snap.MaxTsMsSeen,
		QueueSize:    s.pq.QueueSize(),
		QueueMaxSize: s.cfg.MaxQueueSize,
		Connected:    snap.Connected,
		TradingDay:   timeutil.TradingDayFromTsMs(time.Now().UnixMilli()),
	}
}

// triggerStall is passed to the watchdog as its exit callback. It fires
// at most once per process and cancels the run context so Run returns
// ExitStall instead of waiting for a signal that will never come.
func (s *Supervisor) triggerStall() {
	s.stallOnce.Do(func() {
		s.mu.Lock()
		s.stalled = true
		cancel := s.cancelStall
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// triggerFatal marks the run as having failed for a reason the watchdog
// cannot recover from (a non-retryable persist error) and cancels the
// run context so Run returns ExitFatal instead of ExitOK.
func (s *Supervisor) triggerFatal(err error) {
	s.fatalOnce.Do(func() {
		s.log.Error().Err(err).Msg("persist worker failed fatally")
		s.mu.Lock()
		s.fatal = true
		cancel := s.cancelStall
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// RequestWriterRecovery stops the current persist-worker generation and
// waits up to joinTimeout for runPersistLoop to bring up and join a
// fresh one, reporting whether the new generation came up in time.
func (s *Supervisor) RequestWriterRecovery(reason string, joinTimeout time.Duration) bool {
	s.genMu.Lock()
	stop := s.genStop
	joined := s.genJoined
	s.genMu.Unlock()
	if stop == nil || joined == nil {
		return false
	}

	s.log.Warn().Str("reason", reason).Msg("requesting persist worker recovery")
	select {
	case <-stop:
		// Already closed by a concurrent caller; fall through to wait.
	default:
		close(stop)
	}

	if joinTimeout <= 0 {
		joinTimeout = 10 * time.Second
	}
	select {
	case <-joined:
		s.log.Info().Msg("persist worker recovery joined a fresh generation")
		return true
	case <-time.After(joinTimeout):
		s.log.Error().Msg("persist worker recovery did not join within the timeout")
		return false
	}
}

// runPersistLoop owns the persist queue's worker generations: each
// generation gets its own stop channel so RequestWriterRecovery can
// signal one generation to exit without tearing down the process, and
// a fresh PersistQueue.Run call replaces it immediately unless the
// error it returned was fatal or runCtx is already done.
func (s *Supervisor) runPersistLoop(runCtx context.Context) {
	for {
		s.genMu.Lock()
		stop := make(chan struct{})
		joined := make(chan struct{})
		s.genStop = stop
		s.genJoined = joined
		s.generation++
		s.genMu.Unlock()

		err := s.pq.Run(runCtx, stop)

		s.genMu.Lock()
		close(joined)
		s.genMu.Unlock()

		if runCtx.Err() != nil {
			return
		}
		if errors.Is(err, queue.ErrRestartRequested) {
			s.log.Info().Msg("persist worker generation restarted on request")
			continue
		}
		if err != nil {
			var fatal *database.FatalPersistError
			if errors.As(err, &fatal) {
				s.triggerFatal(err)
				return
			}
			s.log.Error().Err(err).Msg("persist queue stopped with error")
			return
		}
		return
	}
}

// Run starts every component, blocks until ctx is cancelled (by the
// caller's signal handling) or the watchdog declares a stall, then
// shuts everything down in reverse order and returns the process exit
// code to use.
func (s *Supervisor) Run(ctx context.Context) int {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelStall = cancel
	s.mu.Unlock()
	defer cancel()

	s.startedAt = time.Now()

	if pending, err := queue.ReplayPending(s.cfg.DataRoot+"/_recovery", s.pq.Generation()); err != nil {
		s.log.Warn().Err(err).Msg("replay pending recovery journal failed")
	} else if len(pending) > 0 {
		s.log.Info().Int("rows", len(pending)).Msg("replaying rows spilled by a previous generation")
		s.pq.Enqueue(pending)
	}

	if err := s.seedLastSeq(); err != nil {
		s.log.Warn().Err(err).Msg("seed last-seq from recent shards failed, starting with an empty baseline")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runPersistLoop(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.client.Run(runCtx); err != nil {
			s.log.Error().Err(err).Msg("upstream client stopped with error")
		}
	}()

	s.notif.Start(runCtx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.wd.Run(runCtx, s.watchdogInputs)
	}()

	if s.cfg.HealthEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.healthSrv.Run(); err != nil {
				s.log.Error().Err(err).Msg("health server stopped")
			}
		}()
	}

	s.registerCronJobs()
	s.cronSched.Start()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.emitHealthLoop(runCtx)
	}()

	<-runCtx.Done()

	s.log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	stopCtx := s.cronSched.Stop()
	<-stopCtx.Done()

	if err := s.healthSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("health server shutdown error")
	}
	s.notif.Stop()
	s.pq.Stop()
	if err := s.store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("store close error")
	}

	wg.Wait()

	s.mu.Lock()
	stalled := s.stalled
	fatal := s.fatal
	s.mu.Unlock()
	if fatal {
		s.log.Error().Msg("exiting due to a fatal persist error")
		return ExitFatal
	}
	if stalled {
		s.log.Error().Msg("exiting due to watchdog stall detection")
		return ExitStall
	}
	return ExitOK
}

func (s *Supervisor) seedLastSeq() error {
	today := timeutil.TradingDayFromTsMs(time.Now().UnixMilli())
	seeds, err := s.store.FetchMaxSeqBySymbolRecent(s.cfg.Symbols, []string{today}, 2)
	if err != nil {
		return err
	}
	s.client.SeedLastSeq(seeds)
	return nil
}

func (s *Supervisor) watchdogInputs() watchdog.Inputs {
	snap := s.client.Snapshot()
	now := time.Now()
	in := watchdog.Inputs{
		Now:                 now,
		UpstreamActive:      snap.Connected,
		PollActive:          s.cfg.PollEnabled,
		QueueSize:           s.pq.QueueSize(),
		QueueMaxSize:        s.cfg.MaxQueueSize,
		QueueInRowsPerMin:   s.pq.InRowsPerMin(),
		MaxSeqLag:           snap.MaxSeqLag,
		DriftSec:            snap.DriftSec,
		PersistedRowsPerMin: s.persistedRowsPerMin(),
	}
	if lastTickMs := s.pq.LastTickTsMs(); lastTickMs > 0 {
		in.LastPersistAt = time.UnixMilli(lastTickMs)
		in.HasLastPersistAt = true
	}
	if lastDequeue, ok := s.pq.LastDequeueAt(); ok {
		in.LastDequeueAt = lastDequeue
		in.HasLastDequeueAt = true
	}
	return in
}

func (s *Supervisor) persistedRowsPerMin() int {
	// Approximated from the push/poll accept counters the client already
	// tracks per reporting window; the watchdog only needs to know
	// whether this is zero, not an exact rate.
	snap := s.client.Snapshot()
	return int(snap.PushRowsSinceReport + snap.PollAcceptedSinceReport)
}

// emitHealthLoop periodically renders a HealthSnapshot for the notifier
// from the same state the watchdog and /healthz consult, independent of
// either's own cadence.
func (s *Supervisor) emitHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.notif.SubmitHealth(s.buildHealthSnapshot())
		}
	}
}

func (s *Supervisor) buildHealthSnapshot() notifier.HealthSnapshot {
	snap := s.client.Snapshot()
	hs := watchdog.CollectHealthSnapshot(s.cfg.DataRoot)
	hb := s.pq.Heartbeat()
	walBytes := s.store.TotalWALSizeBytes()

	s.log.Info().
		Int64("drain_rows_per_min", hb.RowsDequeued).
		Int64("commits_per_min", hb.Commits).
		Int64("busy_locked_hits", hb.BusyLockedHits).
		Float64("last_backoff_sec", hb.LastBackoffSec).
		Int("queue_size", hb.QueueSize).
		Int64("wal_size_bytes", walBytes).
		Msg("persist heartbeat")

	symbols := make([]notifier.SymbolSnapshot, 0, len(snap.PerSymbolLastTickAgeSec))
	for symbol, age := range snap.PerSymbolLastTickAgeSec {
		ageCopy := age
		symbols = append(symbols, notifier.SymbolSnapshot{
			Symbol:         symbol,
			LastTickAgeSec: &ageCopy,
			MaxSeqLag:      snap.MaxSeqLag,
		})
	}

	var loadAvg, memPct, diskFreeGB *float64
	if hs.CollectionError == "" {
		l, m, d := hs.LoadAvg1, hs.MemUsedPercent, float64(hs.DiskFreeBytes)/(1<<30)
		loadAvg, memPct, diskFreeGB = &l, &m, &d
	}

	return notifier.HealthSnapshot{
		CreatedAt:           time.Now(),
		UptimeSec:           int(time.Since(s.startedAt).Seconds()),
		TradingDay:          timeutil.TradingDayFromTsMs(time.Now().UnixMilli()),
		DriftSec:            snap.DriftSec,
		QueueSize:           s.pq.QueueSize(),
		QueueMaxSize:        s.cfg.MaxQueueSize,
		PushRowsPerMin:      int(snap.PushRowsSinceReport),
		PollFetched:         int(snap.PollFetchedSinceReport),
		PollAccepted:        int(snap.PollAcceptedSinceReport),
		PersistedRowsPerMin: s.persistedRowsPerMin(),
		DroppedDuplicate:    int(snap.DroppedDuplicateSinceReport),
		Symbols:             symbols,
		LoadAvg1:            loadAvg,
		MemUsedPercent:      memPct,
		DiskFreeGB:          diskFreeGB,
		DrainRowsPerMin:     int(hb.RowsDequeued),
		CommitsPerMin:       int(hb.Commits),
		BusyLockedHits:      hb.BusyLockedHits,
		LastBackoffSec:      hb.LastBackoffSec,
		WALSizeBytes:        walBytes,
	}
}

// registerCronJobs schedules the daily quality report, daily archive,
// and a periodic WAL checkpoint, mirroring the original collector's
// scheduled maintenance tasks.
func (s *Supervisor) registerCronJobs() {
	reportCfg := s.archiver.QualityConfig()

	if _, err := s.cronSched.AddFunc("0 5 18 * * MON-FRI", func() {
		day := timeutil.TradingDayFromTsMs(time.Now().UnixMilli())
		dbPath := s.store.ShardPath(day)
		if _, err := quality.GenerateReport(s.cfg.DataRoot, day, dbPath, reportCfg); err != nil {
			s.log.Error().Err(err).Str("trading_day", day).Msg("quality report generation failed")
		}
	}); err != nil {
		s.log.Error().Err(err).Msg("failed to register quality report job")
	}

	if s.cfg.ArchiveEnabled {
		if _, err := s.cronSched.AddFunc("0 30 18 * * MON-FRI", func() {
			day := timeutil.TradingDayFromTsMs(time.Now().UnixMilli())
			if _, err := s.archiver.ArchiveDay(context.Background(), s.cfg.DataRoot, day, true); err != nil {
				s.log.Error().Err(err).Str("trading_day", day).Msg("daily archive job failed")
			}
		}); err != nil {
			s.log.Error().Err(err).Msg("failed to register archive job")
		}
	}

	if _, err := s.cronSched.AddFunc("0 */10 * * * *", func() {
		day := timeutil.TradingDayFromTsMs(time.Now().UnixMilli())
		if err := s.store.WALCheckpoint(day, "PASSIVE"); err != nil {
			s.log.Warn().Err(err).Msg("periodic wal checkpoint failed")
		}
	}); err != nil {
		s.log.Error().Err(err).Msg("failed to register wal checkpoint job")
	}
}
