// Package watchdog correlates upstream activity, queue flow, and persist
// commit freshness into a single stall decision, separated out from the
// upstream client as its own component. Grounded on
// original_source/hk_tick_collector/futu_client.py's _check_watchdog.
package watchdog

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/billpwchan/hk-tick-collector/internal/config"
)

// Config carries the subset of config.Config the watchdog needs.
type Config struct {
	StallSec             int
	UpstreamWindowSec    int
	QueueThresholdRows   int
	RecoveryMaxFailures  int
	RecoveryJoinTimeoutS int
	DataRoot             string
	CheckIntervalSec     int
}

// ConfigFromAppConfig narrows config.Config down to Config.
func ConfigFromAppConfig(cfg *config.Config) Config {
	return Config{
		StallSec:             cfg.WatchdogStallSec,
		UpstreamWindowSec:    cfg.WatchdogUpstreamWindowSec,
		QueueThresholdRows:   cfg.WatchdogQueueThresholdRows,
		RecoveryMaxFailures:  cfg.WatchdogRecoveryMaxFailures,
		RecoveryJoinTimeoutS: cfg.WatchdogRecoveryJoinTimeoutS,
		DataRoot:             cfg.DataRoot,
		CheckIntervalSec:     60,
	}
}

// Inputs is the set of live readings the watchdog needs on every check,
// supplied by the caller (the supervisor) each tick rather than the
// watchdog reaching into the upstream/queue packages directly — this
// keeps the dependency direction pointing from supervisor down into
// watchdog, not sideways between ingestion components.
type Inputs struct {
	Now                 time.Time
	UpstreamActive      bool
	PollActive          bool
	LastPersistAt       time.Time
	HasLastPersistAt    bool
	PersistedRowsPerMin int
	QueueSize           int
	QueueMaxSize        int
	QueueInRowsPerMin   int
	LastDequeueAt       time.Time
	HasLastDequeueAt    bool
	MaxSeqLag           int64
	DriftSec            *float64
}

// HealthSnapshot is the host-level picture attached to a stall report
// and copied into the notifier's health snapshot (it is not part of
// /healthz); sourced from gopsutil since this single-host
// deployment has no external metrics sidecar.
type HealthSnapshot struct {
	LoadAvg1        float64
	MemUsedPercent  float64
	DiskFreeBytes   uint64
	DiskTotalBytes  uint64
	CollectedAt     time.Time
	CollectionError string
}

// CollectHealthSnapshot reads host metrics for dataRoot's filesystem.
// Failures are recorded in CollectionError rather than propagated, so a
// metrics-collection hiccup never blocks the watchdog's stall decision.
func CollectHealthSnapshot(dataRoot string) HealthSnapshot {
	snap := HealthSnapshot{CollectedAt: time.Now()}

	if avg, err := load.Avg(); err == nil {
		snap.LoadAvg1 = avg.Load1
	} else {
		snap.CollectionError = err.Error()
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsedPercent = vm.UsedPercent
	} else if snap.CollectionError == "" {
		snap.CollectionError = err.Error()
	}
	if usage, err := disk.Usage(dataRoot); err == nil {
		snap.DiskFreeBytes = usage.Free
		snap.DiskTotalBytes = usage.Total
	} else if snap.CollectionError == "" {
		snap.CollectionError = err.Error()
	}
	return snap
}

// Watchdog evaluates Inputs on every tick and calls ExitFn once it
// decides the collector is in a persistent stall, matching
// _check_watchdog's exit(WATCHDOG_EXIT_CODE) response but with the
// process-exit call injected so tests can observe the decision without
// killing the test binary.
type Watchdog struct {
	cfg     Config
	log     zerolog.Logger
	exit    func()
	recover func(reason string, joinTimeout time.Duration) bool

	consecutiveFailures int
}

// ExitCode is the process exit code the supervisor uses when the
// watchdog's ExitFn fires.
const ExitCode = 2

// New builds a Watchdog. exitFn defaults to calling os.Exit(ExitCode)
// when nil; callers that need to intercept it for testing pass their
// own. recoverFn is request_writer_recovery: called on every detected
// stall before escalating to exitFn, and should return whether the
// recovery actually succeeded (a fresh worker generation came up and
// joined within joinTimeout).
func New(cfg Config, log zerolog.Logger, exitFn func(), recoverFn func(reason string, joinTimeout time.Duration) bool) *Watchdog {
	if exitFn == nil {
		exitFn = func() { os.Exit(ExitCode) }
	}
	return &Watchdog{
		cfg:     cfg,
		log:     log.With().Str("component", "watchdog").Logger(),
		exit:    exitFn,
		recover: recoverFn,
	}
}

// Check evaluates one round of Inputs and returns whether a persistent
// stall was declared. It never blocks. Mirrors _check_watchdog's
// five-gate logic: upstream must be active, no rows must have
// persisted, the persist staleness must exceed StallSec, the queue
// must actually have work (backlogged or still receiving rows), and
// the consumer must not be actively draining that work. On a declared
// stall it calls request_writer_recovery; once RecoveryMaxFailures
// consecutive stalls have failed to recover, it calls ExitFn.
func (w *Watchdog) Check(in Inputs) bool {
	upstreamActive := in.UpstreamActive || in.PollActive
	if !upstreamActive {
		w.consecutiveFailures = 0
		return false
	}
	if in.PersistedRowsPerMin > 0 {
		w.consecutiveFailures = 0
		return false
	}

	var persistStallSec float64
	if in.HasLastPersistAt {
		persistStallSec = in.Now.Sub(in.LastPersistAt).Seconds()
	} else {
		persistStallSec = float64(w.cfg.StallSec) + 1
	}
	if persistStallSec < float64(w.cfg.StallSec) {
		w.consecutiveFailures = 0
		return false
	}

	queueBacklogged := w.cfg.QueueThresholdRows > 0 && in.QueueSize >= w.cfg.QueueThresholdRows
	queueHasWork := queueBacklogged || in.QueueInRowsPerMin > 0
	if !queueHasWork {
		// Upstream looks active but nothing is arriving or waiting in the
		// queue: an idle market, not a stalled writer.
		w.consecutiveFailures = 0
		return false
	}

	draining := in.HasLastDequeueAt && in.Now.Sub(in.LastDequeueAt).Seconds() < float64(w.cfg.StallSec)
	if draining {
		w.consecutiveFailures = 0
		return false
	}

	snap := CollectHealthSnapshot(w.cfg.DataRoot)
	event := w.log.Error().
		Bool("upstream_active", in.UpstreamActive).
		Bool("poll_active", in.PollActive).
		Float64("persist_stall_sec", persistStallSec).
		Int("queue_size", in.QueueSize).
		Int("queue_maxsize", in.QueueMaxSize).
		Int("queue_in_rows_per_min", in.QueueInRowsPerMin).
		Int64("max_seq_lag", in.MaxSeqLag).
		Float64("load_avg_1", snap.LoadAvg1).
		Float64("mem_used_percent", snap.MemUsedPercent).
		Uint64("disk_free_bytes", snap.DiskFreeBytes)
	if in.DriftSec != nil {
		event = event.Float64("ts_drift_sec", *in.DriftSec)
	}
	event.Msg("WATCHDOG persistent_stall")

	recovered := false
	if w.recover != nil {
		joinTimeout := time.Duration(w.cfg.RecoveryJoinTimeoutS) * time.Second
		recovered = w.recover("persistent_stall", joinTimeout)
	}
	if recovered {
		w.consecutiveFailures = 0
		w.log.Info().Msg("writer recovery succeeded, watchdog stall cleared")
		return true
	}

	w.consecutiveFailures++
	w.log.Error().Int("consecutive_failures", w.consecutiveFailures).Msg("writer recovery failed")
	if w.cfg.RecoveryMaxFailures > 0 && w.consecutiveFailures >= w.cfg.RecoveryMaxFailures {
		if w.exit != nil {
			w.exit()
		}
	}
	return true
}

// QueueBacklogged reports whether the queue depth has crossed the
// configured threshold, a softer signal than the stall check that never
// triggers an exit. Nothing in the collector forwards it to the notifier.
func (w *Watchdog) QueueBacklogged(queueSize int) bool {
	return w.cfg.QueueThresholdRows > 0 && queueSize >= w.cfg.QueueThresholdRows
}

// Run ticks Check on CheckIntervalSec until ctx is cancelled, pulling
// fresh Inputs from nextInputs on every tick.
func (w *Watchdog) Run(ctx context.Context, nextInputs func() Inputs) {
	interval := time.Duration(w.cfg.CheckIntervalSec) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Keep ticking even after a declared stall: recovery may
			// succeed and the writer may resume, so Run only actually
			// stops when ctx is cancelled (which ExitFn/triggerStall does).
			w.Check(nextInputs())
		}
	}
}
