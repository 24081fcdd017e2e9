// Package calendar resolves the Hong Kong market mode (pre-open, open,
// lunch-break, after-hours, holiday-closed) and loads the holiday set that
// the GapDetector and quality report use for session suppression. The
// Notifier does not use this package; it derives its own market mode.
// Grounded on original_source/hk_tick_collector/market_state.go's Python
// equivalent (market_state.py: MarketState, MarketCalendar, resolve_market_state).
package calendar

import (
	"bufio"
	"os"
	"strings"
	"time"

	"github.com/billpwchan/hk-tick-collector/internal/timeutil"
)

// Mode is the market mode Resolve returns.
type Mode string

const (
	ModePreOpen       Mode = "pre-open"
	ModeOpen          Mode = "open"
	ModeLunchBreak    Mode = "lunch-break"
	ModeAfterHours    Mode = "after-hours"
	ModeHolidayClosed Mode = "holiday-closed"
)

// Calendar holds the configured trading sessions plus an optional set of
// holiday dates (compact YYYYMMDD) loaded from a flat file, one date per
// line, blank lines and "#"-prefixed comments ignored.
type Calendar struct {
	Sessions []timeutil.TradingSession
	Holidays map[string]struct{}
}

// NewCalendar builds a Calendar from already-parsed sessions and an
// optional holiday file path (empty path means "no holiday calendar").
func NewCalendar(sessions []timeutil.TradingSession, holidayFile string) (*Calendar, error) {
	cal := &Calendar{Sessions: sessions, Holidays: map[string]struct{}{}}
	if holidayFile == "" {
		return cal, nil
	}
	f, err := os.Open(holidayFile)
	if err != nil {
		if os.IsNotExist(err) {
			return cal, nil
		}
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cal.Holidays[timeutil.NormalizeTradingDay(line)] = struct{}{}
	}
	return cal, scanner.Err()
}

// IsHoliday reports whether tradingDay (compact YYYYMMDD) is a configured
// holiday or falls on a weekend.
func (c *Calendar) IsHoliday(tradingDay string, tsMs int64) bool {
	if _, ok := c.Holidays[tradingDay]; ok {
		return true
	}
	local := time.UnixMilli(tsMs).In(timeutil.HKLocation())
	return local.Weekday() == time.Saturday || local.Weekday() == time.Sunday
}

// Resolve returns the market Mode at tsMs, given the configured sessions
// and holiday calendar. Sessions must be sorted ascending by start time;
// the gap between the first session's end and the second session's start
// is treated as the lunch break (matching Hong Kong's two-session
// convention of 09:30-12:00, 13:00-16:00).
func (c *Calendar) Resolve(tsMs int64) Mode {
	tradingDay := timeutil.TradingDayFromTsMs(tsMs)
	if c.IsHoliday(tradingDay, tsMs) {
		return ModeHolidayClosed
	}
	local := time.UnixMilli(tsMs).In(timeutil.HKLocation())
	minutesOfDay := local.Hour()*60 + local.Minute()

	if len(c.Sessions) == 0 {
		return ModeAfterHours
	}
	first := c.Sessions[0]
	last := c.Sessions[len(c.Sessions)-1]

	if minutesOfDay < first.StartMinute {
		return ModePreOpen
	}
	if minutesOfDay >= last.EndMinute {
		return ModeAfterHours
	}
	for _, s := range c.Sessions {
		if minutesOfDay >= s.StartMinute && minutesOfDay < s.EndMinute {
			return ModeOpen
		}
	}
	return ModeLunchBreak
}
