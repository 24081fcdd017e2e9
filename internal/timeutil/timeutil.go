// Package timeutil centralises the Hong Kong timezone handling, trading-day
// derivation, and the clock-drift correction heuristic shared by the
// ingestion pipeline and the quality pipeline. Grounded on
// original_source/hk_tick_collector/mapping.go's Python equivalent
// (normalize_trading_day, trading_day_from_ts, _normalize_epoch_ms).
package timeutil

import (
	"fmt"
	"time"
)

const (
	// HKOffsetMs is the fixed UTC+8 offset used by the mislabel-correction
	// heuristic below. Hong Kong does not observe daylight saving time.
	HKOffsetMs = 8 * 3600 * 1000
	// FutureGuardMs bounds how far into the future a timestamp may be
	// before it is considered for mislabel correction.
	FutureGuardMs = 2 * 3600 * 1000
	// FutureCorrectionToleranceMs bounds how close the drift must be to
	// exactly HKOffsetMs for the correction to apply.
	FutureCorrectionToleranceMs = 30 * 60 * 1000
)

var hkLocation *time.Location

func init() {
	loc, err := time.LoadLocation("Asia/Hong_Kong")
	if err != nil {
		// Fixed zone fallback keeps the collector startable even on a
		// minimal container image without a tzdata package.
		loc = time.FixedZone("HKT", 8*3600)
	}
	hkLocation = loc
}

// HKLocation returns the Asia/Hong_Kong *time.Location (or a fixed UTC+8
// fallback if the system tzdata is unavailable).
func HKLocation() *time.Location {
	return hkLocation
}

// TradingDayFromTsMs derives the compact YYYYMMDD trading-day bucket for a
// UTC epoch-millisecond timestamp, in Asia/Hong_Kong local time.
func TradingDayFromTsMs(tsMs int64) string {
	t := time.UnixMilli(tsMs).In(hkLocation)
	return t.Format("20060102")
}

// NormalizeTradingDay accepts a trading-day value in any of the forms the
// upstream feed or CLI might supply (YYYYMMDD, YYYY-MM-DD, YYYY/MM/DD) and
// returns the compact YYYYMMDD form. Returns "" if value is empty.
func NormalizeTradingDay(value string) string {
	if value == "" {
		return ""
	}
	out := make([]byte, 0, len(value))
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == '-' || c == '/' {
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

// CorrectFutureTsMs implements the timezone-mislabel heuristic: if tsMs
// is implausibly in the future relative to nowMs by approximately
// HKOffsetMs (within FutureCorrectionToleranceMs), the value is assumed to
// be an HKT wall-clock value mistakenly treated as UTC, and is corrected by
// subtracting HKOffsetMs. Returns the (possibly corrected) timestamp and
// whether a correction was applied.
func CorrectFutureTsMs(tsMs, nowMs int64) (int64, bool) {
	if tsMs <= nowMs+FutureGuardMs {
		return tsMs, false
	}
	driftMs := tsMs - nowMs
	delta := driftMs - HKOffsetMs
	if delta < 0 {
		delta = -delta
	}
	if delta <= FutureCorrectionToleranceMs {
		return tsMs - HKOffsetMs, true
	}
	return tsMs, false
}

// SessionIndex returns the index of the trading session in sessions that
// contains tsMs (interpreted in Asia/Hong_Kong local time), or -1 if the
// timestamp falls on a weekend, a configured holiday, or outside all
// configured sessions. holidays holds compact YYYYMMDD dates and may be
// nil, which degrades to weekend-only suppression.
func SessionIndex(tsMs int64, sessions []TradingSession, holidays map[string]struct{}) int {
	local := time.UnixMilli(tsMs).In(hkLocation)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return -1
	}
	if len(holidays) > 0 {
		if _, ok := holidays[TradingDayFromTsMs(tsMs)]; ok {
			return -1
		}
	}
	minutesOfDay := local.Hour()*60 + local.Minute()
	for idx, s := range sessions {
		if minutesOfDay >= s.StartMinute && minutesOfDay < s.EndMinute {
			return idx
		}
	}
	return -1
}

// TradingSession is a local (start, end) window expressed as minutes since
// local midnight, plus the textual label it was parsed from.
type TradingSession struct {
	StartMinute int
	EndMinute   int
	Label       string
}

// ParseTradingSessions parses a comma-separated "HH:MM-HH:MM" list, e.g.
// "09:30-12:00,13:00-16:00", matching
// original_source/hk_tick_collector/quality/config.py's parse_trading_sessions.
func ParseTradingSessions(value string) ([]TradingSession, error) {
	var sessions []TradingSession
	start := 0
	for start <= len(value) {
		end := indexOrEnd(value, start, ',')
		raw := trimSpace(value[start:end])
		if raw != "" {
			sess, err := parseOneSession(raw)
			if err != nil {
				return nil, err
			}
			sessions = append(sessions, sess)
		}
		start = end + 1
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("TRADING_SESSIONS is empty")
	}
	return sessions, nil
}

func parseOneSession(text string) (TradingSession, error) {
	dash := -1
	for i := 0; i < len(text); i++ {
		if text[i] == '-' {
			dash = i
			break
		}
	}
	if dash < 0 {
		return TradingSession{}, fmt.Errorf("invalid TRADING_SESSIONS item: %s", text)
	}
	startMin, err := parseHHMM(trimSpace(text[:dash]))
	if err != nil {
		return TradingSession{}, err
	}
	endMin, err := parseHHMM(trimSpace(text[dash+1:]))
	if err != nil {
		return TradingSession{}, err
	}
	if startMin >= endMin {
		return TradingSession{}, fmt.Errorf("session start must be before end: %s", text)
	}
	return TradingSession{StartMinute: startMin, EndMinute: endMin, Label: text}, nil
}

func parseHHMM(value string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(value, "%d:%d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("invalid time format: %s", value)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid time range: %s", value)
	}
	return hh*60 + mm, nil
}

func indexOrEnd(s string, from int, sep byte) int {
	for i := from; i < len(s); i++ {
		if s[i] == sep {
			return i
		}
	}
	return len(s)
}

func trimSpace(s string) string {
	start := 0
	for start < len(s) && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	end := len(s)
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}
