package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/billpwchan/hk-tick-collector/internal/model"
	"github.com/billpwchan/hk-tick-collector/internal/timeutil"
)

var testSessions = []timeutil.TradingSession{
	{StartMinute: 9*60 + 30, EndMinute: 12 * 60, Label: "morning"},
	{StartMinute: 13 * 60, EndMinute: 16 * 60, Label: "afternoon"},
}

// wedMorning returns two timestamps an hour apart inside the morning
// session on a Wednesday (never a weekend, so only an explicit holiday
// entry can suppress it), along with that day's compact trading-day key.
func wedMorning(t *testing.T) (int64, int64, string) {
	t.Helper()
	day := time.Date(2026, 1, 7, 10, 0, 0, 0, timeutil.HKLocation())
	if day.Weekday() != time.Wednesday {
		t.Fatalf("fixture date is not a Wednesday, got %s", day.Weekday())
	}
	first := day.UnixMilli()
	second := day.Add(time.Hour).UnixMilli()
	return first, second, timeutil.TradingDayFromTsMs(first)
}

func tickRow(symbol string, tsMs int64) model.TickRow {
	return model.TickRow{
		Symbol:     symbol,
		TsMs:       tsMs,
		PushType:   model.PushTypePush,
		TradingDay: timeutil.TradingDayFromTsMs(tsMs),
	}
}

func TestObserve_RecordsHardGapOnOrdinaryTradingDay(t *testing.T) {
	first, second, _ := wedMorning(t)
	d := NewGapDetector(GapDetectorConfig{
		Enabled:         true,
		ThresholdSec:    30,
		ActiveWindowSec: 300,
		ActiveMinTicks:  1,
		StallWarnSec:    10,
		TradingSessions: testSessions,
	})

	gaps, _ := d.Observe(timeutil.TradingDayFromTsMs(first), []model.TickRow{tickRow("HK.00700", first)})
	assert.Empty(t, gaps)

	gaps, _ = d.Observe(timeutil.TradingDayFromTsMs(second), []model.TickRow{tickRow("HK.00700", second)})
	assert.Len(t, gaps, 1, "an hour of silence past a 30s threshold should record a hard gap")
}

func TestObserve_SuppressesGapOnConfiguredHoliday(t *testing.T) {
	first, second, tradingDay := wedMorning(t)
	d := NewGapDetector(GapDetectorConfig{
		Enabled:         true,
		ThresholdSec:    30,
		ActiveWindowSec: 300,
		ActiveMinTicks:  1,
		StallWarnSec:    10,
		TradingSessions: testSessions,
		Holidays:        map[string]struct{}{tradingDay: {}},
	})

	d.Observe(tradingDay, []model.TickRow{tickRow("HK.00700", first)})
	gaps, softStalls := d.Observe(tradingDay, []model.TickRow{tickRow("HK.00700", second)})

	assert.Empty(t, gaps, "a trading-calendar holiday should never classify as an active session")
	assert.Empty(t, softStalls)
}
