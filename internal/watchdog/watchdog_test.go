package watchdog

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// newTestWatchdog builds a Watchdog whose recovery callback always
// fails and whose RecoveryMaxFailures is 1, so a single declared stall
// escalates straight to ExitFn — matching the pre-recovery test
// expectations below while still exercising the same Check path a
// multi-failure recovery would.
func newTestWatchdog(exitCalls *int) *Watchdog {
	cfg := Config{
		StallSec:            30,
		QueueThresholdRows:  100,
		RecoveryMaxFailures: 1,
		DataRoot:            ".",
		CheckIntervalSec:    1,
	}
	exit := func() { *exitCalls++ }
	recover := func(reason string, joinTimeout time.Duration) bool { return false }
	return New(cfg, zerolog.Nop(), exit, recover)
}

func backloggedInputs(now time.Time) Inputs {
	return Inputs{
		Now:       now,
		QueueSize: 150,
	}
}

func TestCheck_NoStallWhenUpstreamInactive(t *testing.T) {
	var exits int
	w := newTestWatchdog(&exits)

	stalled := w.Check(Inputs{
		Now:            time.Now(),
		UpstreamActive: false,
	})
	assert.False(t, stalled)
	assert.Equal(t, 0, exits)
}

func TestCheck_NoStallWhenRowsStillPersisting(t *testing.T) {
	var exits int
	w := newTestWatchdog(&exits)

	stalled := w.Check(Inputs{
		Now:                 time.Now(),
		UpstreamActive:      true,
		PersistedRowsPerMin: 5,
	})
	assert.False(t, stalled)
	assert.Equal(t, 0, exits)
}

func TestCheck_NoStallWithinGracePeriod(t *testing.T) {
	var exits int
	w := newTestWatchdog(&exits)
	now := time.Now()

	stalled := w.Check(Inputs{
		Now:              now,
		UpstreamActive:   true,
		LastPersistAt:    now.Add(-10 * time.Second),
		HasLastPersistAt: true,
	})
	assert.False(t, stalled)
	assert.Equal(t, 0, exits)
}

func TestCheck_NoStallWhenQueueIsIdle(t *testing.T) {
	var exits int
	w := newTestWatchdog(&exits)
	now := time.Now()

	stalled := w.Check(Inputs{
		Now:              now,
		UpstreamActive:   true,
		LastPersistAt:    now.Add(-60 * time.Second),
		HasLastPersistAt: true,
		QueueSize:        0,
	})
	assert.False(t, stalled, "idle, empty queue should not be classified as a stall")
	assert.Equal(t, 0, exits)
}

func TestCheck_NoStallWhenConsumerIsActivelyDraining(t *testing.T) {
	var exits int
	w := newTestWatchdog(&exits)
	now := time.Now()

	stalled := w.Check(Inputs{
		Now:              now,
		UpstreamActive:   true,
		LastPersistAt:    now.Add(-60 * time.Second),
		HasLastPersistAt: true,
		QueueSize:        150,
		LastDequeueAt:    now.Add(-1 * time.Second),
		HasLastDequeueAt: true,
	})
	assert.False(t, stalled, "a queue still being drained is not a frozen writer")
	assert.Equal(t, 0, exits)
}

func TestCheck_DeclaresStallPastThreshold(t *testing.T) {
	var exits int
	w := newTestWatchdog(&exits)
	now := time.Now()

	in := backloggedInputs(now)
	in.UpstreamActive = true
	in.LastPersistAt = now.Add(-60 * time.Second)
	in.HasLastPersistAt = true

	stalled := w.Check(in)
	assert.True(t, stalled)
	assert.Equal(t, 1, exits)
}

func TestCheck_DeclaresStallWhenNeverPersisted(t *testing.T) {
	var exits int
	w := newTestWatchdog(&exits)

	in := backloggedInputs(time.Now())
	in.UpstreamActive = true
	in.HasLastPersistAt = false

	stalled := w.Check(in)
	assert.True(t, stalled)
	assert.Equal(t, 1, exits)
}

func TestCheck_RecoverySuccessClearsFailureCountWithoutExit(t *testing.T) {
	var exits int
	cfg := Config{
		StallSec:            30,
		QueueThresholdRows:  100,
		RecoveryMaxFailures: 3,
		DataRoot:            ".",
		CheckIntervalSec:    1,
	}
	var recoverCalls int
	recover := func(reason string, joinTimeout time.Duration) bool {
		recoverCalls++
		return true
	}
	w := New(cfg, zerolog.Nop(), func() { exits++ }, recover)

	in := backloggedInputs(time.Now())
	in.UpstreamActive = true
	in.HasLastPersistAt = false

	stalled := w.Check(in)
	assert.True(t, stalled)
	assert.Equal(t, 1, recoverCalls)
	assert.Equal(t, 0, exits)
	assert.Equal(t, 0, w.consecutiveFailures)
}

func TestCheck_ExitsOnlyAfterRecoveryMaxFailuresConsecutiveFailures(t *testing.T) {
	var exits int
	cfg := Config{
		StallSec:            30,
		QueueThresholdRows:  100,
		RecoveryMaxFailures: 3,
		DataRoot:            ".",
		CheckIntervalSec:    1,
	}
	var recoverCalls int
	recover := func(reason string, joinTimeout time.Duration) bool {
		recoverCalls++
		return false
	}
	w := New(cfg, zerolog.Nop(), func() { exits++ }, recover)

	in := backloggedInputs(time.Now())
	in.UpstreamActive = true
	in.HasLastPersistAt = false

	w.Check(in)
	assert.Equal(t, 0, exits, "first stall should attempt recovery, not exit")
	w.Check(in)
	assert.Equal(t, 0, exits, "second consecutive failure still below RecoveryMaxFailures")
	w.Check(in)
	assert.Equal(t, 1, exits, "third consecutive failure reaches RecoveryMaxFailures")
	assert.Equal(t, 3, recoverCalls)
}

func TestQueueBacklogged(t *testing.T) {
	var exits int
	w := newTestWatchdog(&exits)

	assert.False(t, w.QueueBacklogged(50))
	assert.True(t, w.QueueBacklogged(100))
	assert.True(t, w.QueueBacklogged(150))
}

func TestCollectHealthSnapshot_DoesNotPanic(t *testing.T) {
	snap := CollectHealthSnapshot(".")
	assert.False(t, snap.CollectedAt.IsZero())
}
