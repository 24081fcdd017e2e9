package notifier

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestDedupeStore_NewFingerprintAlwaysSends(t *testing.T) {
	d := NewDedupeStore()
	now := time.Now()
	ok, reason := d.Evaluate("fp1", SeverityWarn, now, 10*time.Minute, nil)
	assert.True(t, ok)
	assert.Equal(t, "new", reason)
}

func TestDedupeStore_RepeatWithinCooldownSuppressed(t *testing.T) {
	d := NewDedupeStore()
	now := time.Now()
	d.Evaluate("fp1", SeverityWarn, now, 10*time.Minute, nil)

	ok, reason := d.Evaluate("fp1", SeverityWarn, now.Add(time.Minute), 10*time.Minute, nil)
	assert.False(t, ok)
	assert.Equal(t, "cooldown_active", reason)
}

func TestDedupeStore_SeverityUpgradeAlwaysSends(t *testing.T) {
	d := NewDedupeStore()
	now := time.Now()
	d.Evaluate("fp1", SeverityWarn, now, 10*time.Minute, nil)

	ok, reason := d.Evaluate("fp1", SeverityAlert, now.Add(time.Second), 10*time.Minute, nil)
	assert.True(t, ok)
	assert.Equal(t, "severity_upgraded", reason)
}

func TestDedupeStore_EscalationStepFires(t *testing.T) {
	d := NewDedupeStore()
	now := time.Now()
	steps := []time.Duration{0, 5 * time.Minute}
	d.Evaluate("fp1", SeverityAlert, now, time.Hour, steps)

	ok, reason := d.Evaluate("fp1", SeverityAlert, now.Add(6*time.Minute), time.Hour, steps)
	assert.True(t, ok)
	assert.Contains(t, reason, "escalation_step")
}

func TestDedupeStore_CooldownElapsedSendsAgain(t *testing.T) {
	d := NewDedupeStore()
	now := time.Now()
	d.Evaluate("fp1", SeverityWarn, now, time.Minute, nil)

	ok, reason := d.Evaluate("fp1", SeverityWarn, now.Add(2*time.Minute), time.Minute, nil)
	assert.True(t, ok)
	assert.Equal(t, "cooldown_elapsed", reason)
}

func TestSlidingWindowRateLimiter_AllowsUpToLimitThenDelays(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	limiter := NewSlidingWindowRateLimiter(2, time.Minute, clock)

	assert.Equal(t, time.Duration(0), limiter.ReserveDelay())
	assert.Equal(t, time.Duration(0), limiter.ReserveDelay())
	delay := limiter.ReserveDelay()
	assert.Greater(t, delay, time.Duration(0))
}

func TestSlidingWindowRateLimiter_WindowExpiryFreesSlots(t *testing.T) {
	current := time.Now()
	clock := func() time.Time { return current }
	limiter := NewSlidingWindowRateLimiter(1, time.Minute, clock)

	assert.Equal(t, time.Duration(0), limiter.ReserveDelay())
	current = current.Add(2 * time.Minute)
	assert.Equal(t, time.Duration(0), limiter.ReserveDelay())
}

func TestAlertStateMachine_AlertWhenStalledWithBacklog(t *testing.T) {
	sm := NewAlertStateMachine(120)
	snap := HealthSnapshot{
		CreatedAt:           time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		PersistedRowsPerMin: 0,
		QueueSize:           50,
	}
	assessment := sm.assessHealth(snap)
	assert.Equal(t, SeverityAlert, assessment.severity)
	assert.True(t, assessment.needsAction)
}

func TestAlertStateMachine_OKWhenHealthy(t *testing.T) {
	sm := NewAlertStateMachine(120)
	snap := HealthSnapshot{
		CreatedAt:           time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		PersistedRowsPerMin: 100,
		QueueSize:           0,
		QueueMaxSize:        1000,
	}
	assessment := sm.assessHealth(snap)
	assert.Equal(t, SeverityOK, assessment.severity)
}

func TestAlertStateMachine_ShouldEmitHealth_BootstrapThenSuppressed(t *testing.T) {
	sm := NewAlertStateMachine(120)
	now := time.Now()
	assessment := healthAssessment{severity: SeverityOK}

	ok, reason := sm.shouldEmitHealth(assessment, now, time.Hour, false)
	assert.True(t, ok)
	assert.Equal(t, "bootstrap", reason)

	ok, reason = sm.shouldEmitHealth(assessment, now.Add(time.Minute), time.Hour, false)
	assert.False(t, ok)
	assert.Equal(t, "suppressed", reason)
}

func TestAlertStateMachine_ShouldEmitHealth_StateChangeAlwaysSends(t *testing.T) {
	sm := NewAlertStateMachine(120)
	now := time.Now()
	sm.shouldEmitHealth(healthAssessment{severity: SeverityOK}, now, time.Hour, false)

	ok, reason := sm.shouldEmitHealth(healthAssessment{severity: SeverityWarn}, now.Add(time.Second), time.Hour, false)
	assert.True(t, ok)
	assert.Equal(t, "state_changed", reason)
}

func TestTruncateRendered_LeavesShortMessageUnchanged(t *testing.T) {
	msg := renderedMessage{Text: "short", ParseMode: "HTML"}
	out := truncateRendered(msg, 4096)
	assert.Equal(t, msg, out)
}

func TestTruncateRendered_ClipsLongMessage(t *testing.T) {
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a'
	}
	msg := renderedMessage{Text: string(long), ParseMode: "HTML"}
	out := truncateRendered(msg, 4096)
	assert.LessOrEqual(t, len(out.Text), 4096)
	assert.Contains(t, out.Text, "truncated")
}

func TestTelegramClient_ParseSendResponse_Success(t *testing.T) {
	c := newTelegramClient("123:ABCDEFGHIJ", time.Second)
	result := c.parseSendResponse(200, []byte(`{"ok":true}`))
	assert.True(t, result.OK)
}

func TestTelegramClient_ParseSendResponse_RateLimited(t *testing.T) {
	c := newTelegramClient("123:ABCDEFGHIJ", time.Second)
	result := c.parseSendResponse(429, []byte(`{"ok":false,"description":"Too Many Requests","parameters":{"retry_after":7}}`))
	assert.False(t, result.OK)
	require.NotNil(t, result.RetryAfter)
	assert.Equal(t, 7, *result.RetryAfter)
}

func TestTelegramClient_RawTokenNeverAppearsInSanitizedText(t *testing.T) {
	c := newTelegramClient("123:ABCDEFGHIJ", time.Second)
	sanitized := c.sanitize("error contains 123:ABCDEFGHIJ in it")
	assert.NotContains(t, sanitized, "123:ABCDEFGHIJ")
}

func TestNotifier_InactiveWhenMissingChatID(t *testing.T) {
	cfg := Config{Enabled: true, BotToken: "123:ABCDEFGHIJ", ChatID: ""}
	n := New(cfg, testLogger())
	assert.False(t, n.Active())
}

func TestNotifier_ActiveWithFullConfig(t *testing.T) {
	cfg := Config{Enabled: true, BotToken: "123:ABCDEFGHIJ", ChatID: "42", RateLimitPerMin: 10, QueueMaxSize: 8}
	n := New(cfg, testLogger())
	assert.True(t, n.Active())
}

func TestNotifier_SubmitAlert_NoopWhenInactive(t *testing.T) {
	cfg := Config{Enabled: false}
	n := New(cfg, testLogger())
	n.SubmitAlert(AlertEvent{Code: "stall", Severity: SeverityAlert})
	assert.Equal(t, 0, len(n.queue))
}

func TestNotifier_SubmitAlert_EnqueuesWhenActive(t *testing.T) {
	cfg := Config{Enabled: true, BotToken: "123:ABCDEFGHIJ", ChatID: "42", RateLimitPerMin: 10, QueueMaxSize: 8, AlertCooldownSec: 60}
	n := New(cfg, testLogger())
	n.SubmitAlert(AlertEvent{Code: "stall", Severity: SeverityAlert, Fingerprint: "stall:HK.00700"})
	assert.Equal(t, 1, len(n.queue))
}
