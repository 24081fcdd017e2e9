package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billpwchan/hk-tick-collector/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dataRoot := t.TempDir()
	return &config.Config{
		Symbols:            []string{"HK.00700"},
		DataRoot:           dataRoot,
		JournalMode:        "WAL",
		Synchronous:        "NORMAL",
		TempStore:          "MEMORY",
		BatchSize:          50,
		MaxWaitMs:          250,
		MaxQueueSize:       1000,
		TradingSessions:    "09:30-12:00,13:00-16:00",
		TradingTZ:          "Asia/Hong_Kong",
		WatchdogStallSec:   30,
		HealthEnabled:      false,
		HealthHost:         "127.0.0.1",
		HealthPort:         0,
		ArchiveEnabled:     false,
		ArchiveDir:         dataRoot + "/archive",
		GapActiveWindowSec: 300,
		GapActiveMinTicks:  50,
		GapStallWarnSec:    30,
	}
}

func TestNew_WiresAllComponents(t *testing.T) {
	s, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, s.store)
	assert.NotNil(t, s.pq)
	assert.NotNil(t, s.client)
	assert.NotNil(t, s.wd)
	assert.NotNil(t, s.notif)
	assert.NotNil(t, s.healthSrv)
	assert.NotNil(t, s.archiver)
}

func TestStatus_DegradedWhenUpstreamDisconnected(t *testing.T) {
	s, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)

	status := s.status()
	assert.Equal(t, "degraded", status.Status)
	assert.False(t, status.Connected)
}

func TestWatchdogInputs_ReflectsQueueAndClientState(t *testing.T) {
	s, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)

	in := s.watchdogInputs()
	assert.False(t, in.UpstreamActive)
	assert.Equal(t, 0, in.QueueSize)
	assert.Equal(t, 1000, in.QueueMaxSize)
}

func TestTriggerStall_CancelsRunContextOnce(t *testing.T) {
	s, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)

	calls := 0
	done := make(chan struct{})
	s.cancelStall = func() {
		calls++
		close(done)
	}

	s.triggerStall()
	s.triggerStall()

	<-done
	assert.Equal(t, 1, calls)
	assert.True(t, s.stalled)
}

func TestExitCodes_StallMatchesWatchdogExitCode(t *testing.T) {
	assert.Equal(t, 2, ExitStall)
	assert.Equal(t, 0, ExitOK)
	assert.Equal(t, 1, ExitFatal)
}

func TestTriggerFatal_CancelsRunContextOnce(t *testing.T) {
	s, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)

	calls := 0
	done := make(chan struct{})
	s.cancelStall = func() {
		calls++
		close(done)
	}

	s.triggerFatal(assert.AnError)
	s.triggerFatal(assert.AnError)

	<-done
	assert.Equal(t, 1, calls)
	assert.True(t, s.fatal)
}

func TestRequestWriterRecovery_TimesOutWhenNoGenerationJoins(t *testing.T) {
	s, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)

	ok := s.RequestWriterRecovery("test", 10*time.Millisecond)
	assert.False(t, ok, "no runPersistLoop is running to join a fresh generation")
}

func TestRequestWriterRecovery_SucceedsWhenPersistLoopJoinsFreshGeneration(t *testing.T) {
	s, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runPersistLoop(runCtx)
	}()

	for {
		s.genMu.Lock()
		started := s.generation > 0
		s.genMu.Unlock()
		if started {
			break
		}
		time.Sleep(time.Millisecond)
	}

	ok := s.RequestWriterRecovery("test", time.Second)
	assert.True(t, ok, "runPersistLoop should bring up and join a fresh generation")

	cancel()
	<-done
}
