package quality

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite"

	"github.com/billpwchan/hk-tick-collector/internal/timeutil"
)

// ReportConfig carries the quality-report-relevant subset of
// config.Config, decoupled the same way GapDetectorConfig is.
type ReportConfig struct {
	ActiveWindowSec int
	ActiveMinTicks  int
	StallWarnSec    float64
	TradingSessions []timeutil.TradingSession
	Holidays        map[string]struct{}
	ReportRelDir    string
	TopN            int
	CollectorVersion string
}

// ReportPath returns the on-disk path a report for tradingDay is (or
// would be) written to, matching the Python layout of
// <data_root>/<report_rel_dir>/<trading_day>.json.
func ReportPath(dataRoot, tradingDay string, cfg ReportConfig) string {
	return filepath.Join(dataRoot, cfg.ReportRelDir, tradingDay+".json")
}

// GenerateReport reads the trading day's shard (if present) and writes
// a JSON quality report to ReportPath, returning the same payload it
// wrote. Grounded on
// original_source/hk_tick_collector/quality/report.py's
// generate_quality_report.
func GenerateReport(dataRoot, tradingDay, dbPath string, cfg ReportConfig) (map[string]any, error) {
	if cfg.TopN <= 0 {
		cfg.TopN = 20
	}
	nowMs := time.Now().UnixMilli()

	var warnings []string
	var totalRows int
	var startTsMs, endTsMs *int64
	var rowsPerSymbol []map[string]any
	var gapsBySymbol []map[string]any
	var hardGapsTotal int
	var hardGapsTotalSec, largestGapSec float64
	var gapQuantilesMs map[string]float64
	soft := softStallStats{}

	dbExists := reportFileExists(dbPath)
	if !dbExists {
		warnings = append(warnings, "db_not_found")
	} else {
		conn, err := sql.Open("sqlite", dbPath+"?_pragma=query_only(1)")
		if err != nil {
			return nil, fmt.Errorf("open shard for report: %w", err)
		}
		defer conn.Close()

		if !tableExists(conn, "ticks") {
			warnings = append(warnings, "ticks_table_missing")
		} else {
			row := conn.QueryRow("SELECT COUNT(*), MIN(ts_ms), MAX(ts_ms) FROM ticks WHERE trading_day=?", tradingDay)
			var minTs, maxTs sql.NullInt64
			if err := row.Scan(&totalRows, &minTs, &maxTs); err != nil {
				return nil, fmt.Errorf("query ticks summary: %w", err)
			}
			if minTs.Valid {
				v := minTs.Int64
				startTsMs = &v
			}
			if maxTs.Valid {
				v := maxTs.Int64
				endTsMs = &v
			}

			rowsPerSymbol, err = queryRowsPerSymbol(conn, tradingDay, cfg.TopN, cfg.TradingSessions)
			if err != nil {
				return nil, err
			}
			gapQuantilesMs, err = interTickGapQuantilesMs(conn, tradingDay)
			if err != nil {
				return nil, err
			}
		}

		if !tableExists(conn, "gaps") {
			warnings = append(warnings, "gaps_table_missing")
		} else {
			row := conn.QueryRow(
				"SELECT COUNT(*), IFNULL(SUM(gap_sec),0.0), IFNULL(MAX(gap_sec),0.0) FROM gaps WHERE trading_day=?",
				tradingDay,
			)
			if err := row.Scan(&hardGapsTotal, &hardGapsTotalSec, &largestGapSec); err != nil {
				return nil, fmt.Errorf("query gaps summary: %w", err)
			}
			gapsBySymbol, err = queryGapsBySymbol(conn, tradingDay, cfg.TopN)
			if err != nil {
				return nil, err
			}
		}

		soft, err = computeSoftStalls(conn, tradingDay, cfg)
		if err != nil {
			return nil, err
		}
	}

	var durationSec float64
	if startTsMs != nil && endTsMs != nil && *endTsMs >= *startTsMs {
		durationSec = round3(float64(*endTsMs-*startTsMs) / 1000.0)
	}
	var lastTickAgeSec *float64
	if endTsMs != nil {
		age := round3(maxFloat(0, float64(nowMs-*endTsMs)/1000.0))
		lastTickAgeSec = &age
	}
	grade, suggestions := gradeQuality(totalRows, hardGapsTotalSec, largestGapSec, soft.totalSec)

	payload := map[string]any{
		"trading_day":          compactToDash(tradingDay),
		"trading_day_compact":  tradingDay,
		"generated_at_utc":     time.UnixMilli(nowMs).UTC().Format(time.RFC3339),
		"generated_at_hkt":     fmtHKT(&nowMs),
		"collector_version":    cfg.CollectorVersion,
		"db": map[string]any{
			"path":           dbPath,
			"exists":         dbExists,
			"size_bytes":     fileSize(dbPath),
			"wal_size_bytes": fileSize(dbPath + "-wal"),
			"shm_size_bytes": fileSize(dbPath + "-shm"),
		},
		"coverage": map[string]any{
			"start_ts_ms":       startTsMs,
			"end_ts_ms":         endTsMs,
			"start_hkt":         fmtHKT(startTsMs),
			"end_hkt":           fmtHKT(endTsMs),
			"duration_sec":      durationSec,
			"last_tick_age_sec": lastTickAgeSec,
		},
		"volume": map[string]any{
			"total_rows":               totalRows,
			"rows_per_symbol":          rowsPerSymbol,
			"inter_tick_gap_quantiles_ms": gapQuantilesMs,
		},
		"gaps": map[string]any{
			"hard_gaps_total":     hardGapsTotal,
			"hard_gaps_total_sec": round3(hardGapsTotalSec),
			"largest_gap_sec":     round3(largestGapSec),
			"gaps_by_symbol":      gapsBySymbol,
		},
		"observations": map[string]any{
			"soft_stalls_total":     soft.total,
			"soft_stalls_total_sec": round3(soft.totalSec),
			"largest_stall_sec":     round3(soft.largest),
			"soft_stalls":           soft.topHits,
			"warnings":              warnings,
		},
		"conclusion": map[string]any{
			"quality_grade": grade,
			"suggestions":   suggestions,
		},
	}

	outPath := ReportPath(dataRoot, tradingDay, cfg)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(outPath, encoded, 0o644); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	return payload, nil
}

// interTickGapQuantilesMs reports p50/p90/p99 of the inter-tick gap
// distribution (milliseconds) across every symbol for the day, an
// enrichment beyond the original report that leans on gonum/stat's
// quantile estimator instead of a hand-rolled percentile routine.
func interTickGapQuantilesMs(conn *sql.DB, tradingDay string) (map[string]float64, error) {
	rows, err := conn.Query("SELECT symbol, ts_ms FROM ticks WHERE trading_day=? ORDER BY symbol ASC, ts_ms ASC", tradingDay)
	if err != nil {
		return nil, fmt.Errorf("query ticks for gap quantiles: %w", err)
	}
	defer rows.Close()

	var gaps []float64
	var currentSymbol string
	var lastTs int64
	hasLast := false
	for rows.Next() {
		var symbol string
		var ts int64
		if err := rows.Scan(&symbol, &ts); err != nil {
			return nil, err
		}
		if symbol != currentSymbol {
			currentSymbol = symbol
			hasLast = false
		}
		if hasLast && ts > lastTs {
			gaps = append(gaps, float64(ts-lastTs))
		}
		lastTs = ts
		hasLast = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(gaps) == 0 {
		return map[string]float64{"p50_ms": 0, "p90_ms": 0, "p99_ms": 0}, nil
	}
	sort.Float64s(gaps)
	return map[string]float64{
		"p50_ms": stat.Quantile(0.50, stat.Empirical, gaps, nil),
		"p90_ms": stat.Quantile(0.90, stat.Empirical, gaps, nil),
		"p99_ms": stat.Quantile(0.99, stat.Empirical, gaps, nil),
	}, nil
}

func queryRowsPerSymbol(conn *sql.DB, tradingDay string, topN int, sessions []timeutil.TradingSession) ([]map[string]any, error) {
	rows, err := conn.Query(
		`SELECT symbol, COUNT(*) AS rows, MAX(ts_ms) AS latest_ts
		 FROM ticks WHERE trading_day=? GROUP BY symbol ORDER BY rows DESC, symbol ASC LIMIT ?`,
		tradingDay, maxInt(1, topN),
	)
	if err != nil {
		return nil, fmt.Errorf("query rows per symbol: %w", err)
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var symbol string
		var count int
		var latest sql.NullInt64
		if err := rows.Scan(&symbol, &count, &latest); err != nil {
			return nil, err
		}
		entry := map[string]any{"symbol": symbol, "rows": count}
		if latest.Valid {
			entry["latest_ts_ms"] = latest.Int64
			entry["latest_hkt"] = fmtHKT(&latest.Int64)
		} else {
			entry["latest_ts_ms"] = nil
			entry["latest_hkt"] = "n/a"
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func queryGapsBySymbol(conn *sql.DB, tradingDay string, topN int) ([]map[string]any, error) {
	rows, err := conn.Query(
		`SELECT symbol, COUNT(*) AS gaps, IFNULL(SUM(gap_sec),0.0), IFNULL(MAX(gap_sec),0.0)
		 FROM gaps WHERE trading_day=? GROUP BY symbol ORDER BY gaps DESC, symbol ASC LIMIT ?`,
		tradingDay, maxInt(1, topN),
	)
	if err != nil {
		return nil, fmt.Errorf("query gaps per symbol: %w", err)
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var symbol string
		var count int
		var totalSec, largestSec float64
		if err := rows.Scan(&symbol, &count, &totalSec, &largestSec); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"symbol":          symbol,
			"gaps":            count,
			"total_gap_sec":   round3(totalSec),
			"largest_gap_sec": round3(largestSec),
		})
	}
	return out, rows.Err()
}

type softStallStats struct {
	total   int
	totalSec float64
	largest float64
	topHits []map[string]any
}

func computeSoftStalls(conn *sql.DB, tradingDay string, cfg ReportConfig) (softStallStats, error) {
	if !tableExists(conn, "ticks") {
		return softStallStats{}, nil
	}
	activeWindowMs := int64(cfg.ActiveWindowSec) * 1000

	rows, err := conn.Query("SELECT symbol, ts_ms FROM ticks WHERE trading_day=? ORDER BY symbol ASC, ts_ms ASC", tradingDay)
	if err != nil {
		return softStallStats{}, fmt.Errorf("query ticks for soft stalls: %w", err)
	}
	defer rows.Close()

	var result softStallStats
	var currentSymbol string
	var lastTs int64
	hasLast := false
	var recent []int64

	for rows.Next() {
		var symbol string
		var ts int64
		if err := rows.Scan(&symbol, &ts); err != nil {
			return softStallStats{}, err
		}
		if symbol != currentSymbol {
			currentSymbol = symbol
			hasLast = false
			recent = nil
		}
		recent = trimRecent(recent, ts, activeWindowMs)
		active := (len(recent) + 1) >= cfg.ActiveMinTicks

		if hasLast && ts > lastTs && active {
			prevIdx := timeutil.SessionIndex(lastTs, cfg.TradingSessions, cfg.Holidays)
			currIdx := timeutil.SessionIndex(ts, cfg.TradingSessions, cfg.Holidays)
			if prevIdx >= 0 && currIdx >= 0 && prevIdx == currIdx {
				deltaSec := float64(ts-lastTs) / 1000.0
				if deltaSec > cfg.StallWarnSec {
					result.total++
					result.totalSec += deltaSec
					if deltaSec > result.largest {
						result.largest = deltaSec
					}
					result.topHits = append(result.topHits, map[string]any{
						"symbol":            symbol,
						"stall_sec":         round3(deltaSec),
						"stall_start_ts_ms": lastTs,
						"stall_end_ts_ms":   ts,
						"stall_start_hkt":   fmtHKT(&lastTs),
						"stall_end_hkt":     fmtHKT(&ts),
					})
				}
			}
		}
		if !hasLast || ts > lastTs {
			lastTs = ts
			hasLast = true
			recent = append(recent, ts)
		}
	}
	if err := rows.Err(); err != nil {
		return softStallStats{}, err
	}

	sort.SliceStable(result.topHits, func(i, j int) bool {
		return result.topHits[i]["stall_sec"].(float64) > result.topHits[j]["stall_sec"].(float64)
	})
	limit := maxInt(1, cfg.TopN)
	if len(result.topHits) > limit {
		result.topHits = result.topHits[:limit]
	}
	return result, nil
}

func gradeQuality(totalRows int, hardGapsTotalSec, largestGapSec, softStallsTotalSec float64) (string, []string) {
	switch {
	case totalRows <= 0:
		return "D", []string{"no ticks recorded for this trading day; confirm the collector ran during market hours"}
	case largestGapSec > 120 || hardGapsTotalSec > 900:
		return "D", []string{"severe gaps present; backfill and re-validate before downstream use"}
	case largestGapSec > 60 || hardGapsTotalSec > 300:
		return "C", []string{"gaps over 60s present; consider a targeted backfill for the affected symbols"}
	case hardGapsTotalSec > 0 || softStallsTotalSec > 120:
		return "B", []string{"brief stalls or gaps present; spot-check key symbols before downstream use"}
	default:
		return "A", []string{"coverage looks continuous; safe to proceed to downstream analysis"}
	}
}

func tableExists(conn *sql.DB, name string) bool {
	var dummy int
	err := conn.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&dummy)
	return err == nil
}

func compactToDash(day string) string {
	if len(day) == 8 {
		return day[0:4] + "-" + day[4:6] + "-" + day[6:8]
	}
	return day
}

func fmtHKT(tsMs *int64) string {
	if tsMs == nil {
		return "n/a"
	}
	return time.UnixMilli(*tsMs).In(timeutil.HKLocation()).Format("2006-01-02 15:04:05")
}

func reportFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
