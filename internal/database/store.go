package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	sqlite "modernc.org/sqlite"

	"github.com/billpwchan/hk-tick-collector/internal/config"
	"github.com/billpwchan/hk-tick-collector/internal/model"
)

// SQLite primary result codes this store treats as retryable rather
// than fatal; see https://www.sqlite.org/rescode.html.
const (
	sqliteBusy     = 5
	sqliteLocked   = 6
	sqliteCodeMask = 0xff
)

// FatalPersistError wraps a sqlite error InsertTicks judged not to be a
// transient BUSY/LOCKED condition, so the queue's retry loop can stop
// retrying and the supervisor can escalate instead of looping forever.
type FatalPersistError struct {
	Err error
}

func (e *FatalPersistError) Error() string { return fmt.Sprintf("fatal persist error: %v", e.Err) }
func (e *FatalPersistError) Unwrap() error { return e.Err }

// IsBusyOrLocked reports whether err is SQLite's BUSY or LOCKED result
// code, the two conditions that should be retried rather than treated
// as a fatal write failure. Falls back to matching the driver's
// message text when the error isn't (or isn't wrapped as) *sqlite.Error,
// since some code paths in modernc.org/sqlite surface the busy/locked
// condition as a plain formatted error instead.
func IsBusyOrLocked(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & sqliteCodeMask {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "sqlite_locked")
}

const insertTickSQL = `INSERT OR IGNORE INTO ticks
  (market, symbol, ts_ms, price, volume, turnover, direction, seq, tick_type,
   push_type, provider, trading_day, recv_ts_ms, inserted_at_ms)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

// GapObserver is implemented by the quality package's GapDetector. The
// Writer calls it with the rows that were actually inserted in a batch
// (post-dedupe) while still holding the batch's transaction open, so a
// detected gap's persisted record is atomic with the ticks that closed
// the gap.
type GapObserver interface {
	Observe(tradingDay string, inserted []model.TickRow) (gaps []model.GapRecord, soft []model.SoftStallObservation)
}

// Store owns the per-trading-day shard files under DataRoot and caches
// one open connection per trading day; the persist queue uses it as its
// single writer, mirroring the Python SQLiteTickStore's one-shard-at-a-
// time connection reuse.
type Store struct {
	dataRoot string
	pragmas  PragmaConfig
	log      zerolog.Logger

	mu      sync.Mutex
	writers map[string]*shardConn
}

func pragmasFromConfig(cfg *config.Config) PragmaConfig {
	return PragmaConfig{
		JournalMode:       cfg.JournalMode,
		Synchronous:       cfg.Synchronous,
		TempStore:         cfg.TempStore,
		BusyTimeoutMs:     cfg.BusyTimeoutMs,
		WALAutocheckpoint: cfg.WALAutocheckpoint,
	}
}

// NewStore builds a Store rooted at cfg.DataRoot using cfg's pragma
// settings for every shard it opens.
func NewStore(cfg *config.Config, log zerolog.Logger) *Store {
	return &Store{
		dataRoot: cfg.DataRoot,
		pragmas:  pragmasFromConfig(cfg),
		log:      log.With().Str("component", "store").Logger(),
		writers:  map[string]*shardConn{},
	}
}

// ShardPath returns the on-disk path of the trading day's shard file,
// without opening it.
func (s *Store) ShardPath(tradingDay string) string {
	return filepath.Join(s.dataRoot, fmt.Sprintf("ticks_%s.sqlite3", tradingDay))
}

// EnsureDB opens (creating and migrating if necessary) the shard for
// tradingDay and returns its path. Safe to call repeatedly; connections
// are cached per trading day until ResetConnection or Close.
func (s *Store) EnsureDB(tradingDay string) (string, error) {
	sc, err := s.shardFor(tradingDay)
	if err != nil {
		return "", err
	}
	return sc.path, nil
}

func (s *Store) shardFor(tradingDay string) (*shardConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.writers[tradingDay]; ok {
		return sc, nil
	}
	sc, err := openShard(s.ShardPath(tradingDay), s.pragmas)
	if err != nil {
		return nil, err
	}
	s.writers[tradingDay] = sc
	return sc, nil
}

// ResetConnection closes and discards the cached connection for a
// trading day, forcing the next EnsureDB/InsertTicks call to reopen and
// re-migrate it. Used by the recovery path after a persist failure that
// may indicate a corrupted or wedged handle.
func (s *Store) ResetConnection(tradingDay string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.writers[tradingDay]
	if !ok {
		return nil
	}
	delete(s.writers, tradingDay)
	return sc.close()
}

// Close closes every cached shard connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for day, sc := range s.writers {
		if err := sc.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close shard %s: %w", day, err)
		}
	}
	s.writers = map[string]*shardConn{}
	return firstErr
}

// InsertTicks persists rows for tradingDay in a single transaction using
// INSERT OR IGNORE for idempotent dedupe, then (if gaps is non-nil)
// invokes the gap detector against the rows that were actually new and
// persists any detected gaps in the same transaction.
func (s *Store) InsertTicks(ctx context.Context, tradingDay string, rows []model.TickRow, gaps GapObserver) (model.PersistResult, error) {
	if len(rows) == 0 {
		path := s.ShardPath(tradingDay)
		return model.PersistResult{DBPath: path, Batch: 0}, nil
	}

	sc, err := s.shardFor(tradingDay)
	if err != nil {
		return model.PersistResult{}, err
	}

	start := time.Now()
	result := model.PersistResult{DBPath: sc.path, Batch: len(rows)}

	txErr := sc.withTransaction(func(tx *sql.Tx) error {
		var inserted []model.TickRow
		insertedAtMs := time.Now().UnixMilli()
		for _, row := range rows {
			row.InsertedAtMs = insertedAtMs
			res, err := tx.ExecContext(ctx, insertTickSQL,
				row.Market, row.Symbol, row.TsMs,
				nullableFloat(row.Price), nullableInt(row.Volume), nullableFloat(row.Turnover),
				nullableString(row.Direction), nullableInt(row.Seq), nullableString(row.TickType),
				row.PushType, nullableString(row.Provider), row.TradingDay,
				row.RecvTsMs, row.InsertedAtMs,
			)
			if err != nil {
				return fmt.Errorf("insert tick: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if affected > 0 {
				inserted = append(inserted, row)
			}
		}
		result.Inserted = len(inserted)
		result.Ignored = len(rows) - len(inserted)

		if gaps != nil && len(inserted) > 0 {
			gapRecords, _ := gaps.Observe(tradingDay, inserted)
			for _, g := range gapRecords {
				if _, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO gaps
					 (trading_day, symbol, gap_start_ts_ms, gap_end_ts_ms, gap_sec, detected_at_ms, reason, meta_json)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
					g.TradingDay, g.Symbol, g.GapStartMs, g.GapEndMs, g.GapSec, g.DetectedMs, g.Reason, g.MetaJSON,
				); err != nil {
					return fmt.Errorf("insert gap: %w", err)
				}
			}
		}
		return nil
	})
	if txErr != nil {
		if IsBusyOrLocked(txErr) {
			return model.PersistResult{}, txErr
		}
		return model.PersistResult{}, &FatalPersistError{Err: txErr}
	}

	result.CommitLatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	s.log.Debug().
		Str("trading_day", tradingDay).
		Int("batch", result.Batch).
		Int("inserted", result.Inserted).
		Int("ignored", result.Ignored).
		Float64("commit_latency_ms", result.CommitLatencyMs).
		Msg("persisted tick batch")
	return result, nil
}

// FetchMaxSeqBySymbolRecent scans the most recent tradingDays (bounded
// by maxDBFiles) for the maximum seq value per symbol, used by the
// upstream client to resume a WebSocket session without re-requesting
// already-persisted sequence numbers.
func (s *Store) FetchMaxSeqBySymbolRecent(symbols []string, tradingDays []string, maxDBFiles int) (map[string]int64, error) {
	out := map[string]int64{}
	if len(symbols) == 0 || len(tradingDays) == 0 {
		return out, nil
	}

	days := append([]string(nil), tradingDays...)
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	if maxDBFiles > 0 && len(days) > maxDBFiles {
		days = days[:maxDBFiles]
	}

	placeholders := make([]string, len(symbols))
	args := make([]any, 0, len(symbols)+1)
	for i, sym := range symbols {
		placeholders[i] = "?"
		args = append(args, sym)
	}
	query := fmt.Sprintf(
		`SELECT symbol, MAX(seq) FROM ticks WHERE trading_day = ? AND seq IS NOT NULL AND symbol IN (%s) GROUP BY symbol;`,
		joinPlaceholders(placeholders),
	)

	for _, day := range days {
		path := s.ShardPath(day)
		if !fileExists(path) {
			continue
		}
		sc, err := s.shardFor(day)
		if err != nil {
			return nil, err
		}
		queryArgs := append([]any{day}, args...)
		rows, err := sc.conn.Query(query, queryArgs...)
		if err != nil {
			return nil, fmt.Errorf("fetch max seq for %s: %w", day, err)
		}
		for rows.Next() {
			var symbol string
			var seq int64
			if err := rows.Scan(&symbol, &seq); err != nil {
				rows.Close()
				return nil, err
			}
			if existing, ok := out[symbol]; !ok || seq > existing {
				out[symbol] = seq
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func joinPlaceholders(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// TotalWALSizeBytes sums the -wal file size of every currently open
// shard connection, feeding the supervisor's persist heartbeat log line
// and the notifier's health snapshot with a cumulative "how much unwritten WAL is pending" signal.
func (s *Store) TotalWALSizeBytes() int64 {
	s.mu.Lock()
	shards := make([]*shardConn, 0, len(s.writers))
	for _, sc := range s.writers {
		shards = append(shards, sc)
	}
	s.mu.Unlock()

	var total int64
	for _, sc := range shards {
		if st, err := sc.stats(); err == nil {
			total += st.WALSizeBytes
		}
	}
	return total
}

// HealthCheck pings the trading day's shard and runs PRAGMA
// integrity_check against it.
func (s *Store) HealthCheck(ctx context.Context, tradingDay string) error {
	sc, err := s.shardFor(tradingDay)
	if err != nil {
		return err
	}
	return sc.healthCheck(ctx)
}

// Stats reports file and page statistics for the trading day's shard.
func (s *Store) Stats(tradingDay string) (*ShardStats, error) {
	sc, err := s.shardFor(tradingDay)
	if err != nil {
		return nil, err
	}
	return sc.stats()
}

// WALCheckpoint forces a WAL checkpoint on the trading day's shard.
// Used by the maintenance cron job and by the archiver immediately
// before a VACUUM INTO backup.
func (s *Store) WALCheckpoint(tradingDay, mode string) error {
	sc, err := s.shardFor(tradingDay)
	if err != nil {
		return err
	}
	return sc.walCheckpoint(mode)
}

// VacuumInto performs a hot backup of the trading day's shard via
// VACUUM INTO, the SQLite primitive the archiver uses in place of
// Python's sqlite3.backup() API.
func (s *Store) VacuumInto(tradingDay, destPath string) error {
	sc, err := s.shardFor(tradingDay)
	if err != nil {
		return err
	}
	escaped := destPath
	if _, execErr := sc.conn.Exec(fmt.Sprintf("VACUUM INTO '%s';", escapeSingleQuotes(escaped))); execErr != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, execErr)
	}
	return nil
}

func escapeSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
