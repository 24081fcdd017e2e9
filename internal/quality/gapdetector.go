// Package quality implements gap/stall detection and daily quality
// report generation against persisted ticks. Grounded on
// original_source/hk_tick_collector/quality/gap_detector.py and
// quality/report.py.
package quality

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/billpwchan/hk-tick-collector/internal/model"
	"github.com/billpwchan/hk-tick-collector/internal/timeutil"
)

// GapDetectorConfig carries the subset of config.Config the detector
// needs, kept decoupled from the config package the way database's
// PragmaConfig is.
type GapDetectorConfig struct {
	Enabled         bool
	ThresholdSec    float64
	ActiveWindowSec int
	ActiveMinTicks  int
	StallWarnSec    float64
	TradingSessions []timeutil.TradingSession
	Holidays        map[string]struct{}
}

type symbolState struct {
	lastTsMs int64
	hasLast  bool
	recentTs []int64 // ascending, trimmed to ActiveWindowSec
}

// GapDetector tracks, per symbol, the most recent tick timestamp and a
// sliding window of recent timestamps used to decide whether the
// symbol was "active" at the moment of a candidate gap. It implements
// database.GapObserver.
type GapDetector struct {
	cfg    GapDetectorConfig
	states map[string]*symbolState
}

// NewGapDetector builds a detector from cfg. A detector with
// cfg.Enabled == false still type-checks as a GapObserver but Observe
// always returns nothing, so callers can wire it unconditionally.
func NewGapDetector(cfg GapDetectorConfig) *GapDetector {
	return &GapDetector{cfg: cfg, states: map[string]*symbolState{}}
}

// plan is the pure, side-effect-free output of evaluating a batch of
// rows against the detector's current state, split from applyPlan so
// the decision logic stays independently testable.
type plan struct {
	hardGaps   []model.GapRecord
	softStalls []model.SoftStallObservation
	nextStates map[string]*symbolState
}

// Observe implements database.GapObserver.
func (d *GapDetector) Observe(tradingDay string, inserted []model.TickRow) ([]model.GapRecord, []model.SoftStallObservation) {
	if !d.cfg.Enabled || len(inserted) == 0 {
		return nil, nil
	}
	p := d.buildPlan(tradingDay, inserted)
	d.applyPlan(p)
	return p.hardGaps, p.softStalls
}

func (d *GapDetector) buildPlan(tradingDay string, rows []model.TickRow) *plan {
	grouped := map[string][]model.TickRow{}
	for _, row := range rows {
		if row.Symbol == "" {
			continue
		}
		grouped[row.Symbol] = append(grouped[row.Symbol], row)
	}

	p := &plan{nextStates: map[string]*symbolState{}}
	nowMs := time.Now().UnixMilli()
	activeWindowMs := int64(d.cfg.ActiveWindowSec) * 1000

	for symbol, symRows := range grouped {
		sort.SliceStable(symRows, func(i, j int) bool {
			if symRows[i].TsMs != symRows[j].TsMs {
				return symRows[i].TsMs < symRows[j].TsMs
			}
			return seqOrMinusOne(symRows[i]) < seqOrMinusOne(symRows[j])
		})

		state := d.states[symbol]
		var lastTsMs int64
		var hasLast bool
		var recent []int64
		if state != nil {
			lastTsMs, hasLast = state.lastTsMs, state.hasLast
			recent = append([]int64(nil), state.recentTs...)
		}

		for _, row := range symRows {
			currTs := row.TsMs
			recent = trimRecent(recent, currTs, activeWindowMs)
			activeCount := len(recent) + 1
			active := activeCount >= d.cfg.ActiveMinTicks

			if hasLast && currTs > lastTsMs && active {
				prevIdx := timeutil.SessionIndex(lastTsMs, d.cfg.TradingSessions, d.cfg.Holidays)
				currIdx := timeutil.SessionIndex(currTs, d.cfg.TradingSessions, d.cfg.Holidays)
				if prevIdx >= 0 && currIdx >= 0 && prevIdx == currIdx {
					deltaSec := round3(float64(currTs-lastTsMs) / 1000.0)
					switch {
					case deltaSec > d.cfg.ThresholdSec:
						meta, _ := json.Marshal(map[string]any{
							"prev_ts_ms":         lastTsMs,
							"curr_ts_ms":         currTs,
							"gap_threshold_sec":  d.cfg.ThresholdSec,
							"active_window_sec":  d.cfg.ActiveWindowSec,
							"active_min_ticks":   d.cfg.ActiveMinTicks,
							"active_count":       activeCount,
							"session":            d.cfg.TradingSessions[currIdx].Label,
						})
						p.hardGaps = append(p.hardGaps, model.GapRecord{
							TradingDay: tradingDay,
							Symbol:     symbol,
							GapStartMs: lastTsMs,
							GapEndMs:   currTs,
							GapSec:     deltaSec,
							DetectedMs: nowMs,
							Reason:     "hard_gap",
							MetaJSON:   string(meta),
						})
					case deltaSec > d.cfg.StallWarnSec:
						meta, _ := json.Marshal(map[string]any{
							"prev_ts_ms":      lastTsMs,
							"curr_ts_ms":      currTs,
							"stall_warn_sec":  d.cfg.StallWarnSec,
							"active_count":    activeCount,
							"session":         d.cfg.TradingSessions[currIdx].Label,
						})
						p.softStalls = append(p.softStalls, model.SoftStallObservation{
							TradingDay:   tradingDay,
							Symbol:       symbol,
							StallStartMs: lastTsMs,
							StallEndMs:   currTs,
							StallSec:     deltaSec,
							MetaJSON:     string(meta),
						})
					}
				}
			}

			if !hasLast || currTs > lastTsMs {
				lastTsMs = currTs
				hasLast = true
				recent = append(recent, currTs)
				recent = trimRecent(recent, currTs, activeWindowMs)
			}
		}

		p.nextStates[symbol] = &symbolState{lastTsMs: lastTsMs, hasLast: hasLast, recentTs: recent}
	}
	return p
}

func (d *GapDetector) applyPlan(p *plan) {
	for symbol, snapshot := range p.nextStates {
		d.states[symbol] = snapshot
	}
}

func trimRecent(recent []int64, currentTsMs, windowMs int64) []int64 {
	minTsMs := currentTsMs - windowMs
	start := 0
	for start < len(recent) && recent[start] < minTsMs {
		start++
	}
	if start == 0 {
		return recent
	}
	return append([]int64(nil), recent[start:]...)
}

func seqOrMinusOne(row model.TickRow) int64 {
	if row.Seq == nil {
		return -1
	}
	return *row.Seq
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
