package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// schemaVersion is bumped by the final migration step.
const schemaVersion = 2

const createTicksTableSQL = `CREATE TABLE ticks (
  market TEXT NOT NULL,
  symbol TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  price REAL,
  volume INTEGER,
  turnover REAL,
  direction TEXT,
  seq INTEGER,
  tick_type TEXT,
  push_type TEXT,
  provider TEXT,
  trading_day TEXT NOT NULL,
  recv_ts_ms INTEGER NOT NULL DEFAULT 0,
  inserted_at_ms INTEGER NOT NULL
);`

const createGapsTableSQL = `CREATE TABLE gaps (
  trading_day TEXT NOT NULL,
  symbol TEXT NOT NULL,
  gap_start_ts_ms INTEGER NOT NULL,
  gap_end_ts_ms INTEGER NOT NULL,
  gap_sec REAL NOT NULL,
  detected_at_ms INTEGER NOT NULL,
  reason TEXT NOT NULL,
  meta_json TEXT,
  PRIMARY KEY (symbol, gap_start_ts_ms, gap_end_ts_ms)
);`

const createDailyQualityTableSQL = `CREATE TABLE daily_quality (
  trading_day TEXT PRIMARY KEY,
  generated_at_ms INTEGER NOT NULL,
  payload_json TEXT NOT NULL
);`

var alterColumnSQL = map[string]string{
	"direction":      "ALTER TABLE ticks ADD COLUMN direction TEXT;",
	"seq":            "ALTER TABLE ticks ADD COLUMN seq INTEGER;",
	"tick_type":      "ALTER TABLE ticks ADD COLUMN tick_type TEXT;",
	"push_type":      "ALTER TABLE ticks ADD COLUMN push_type TEXT;",
	"provider":       "ALTER TABLE ticks ADD COLUMN provider TEXT;",
	"trading_day":    "ALTER TABLE ticks ADD COLUMN trading_day TEXT NOT NULL DEFAULT '';",
	"recv_ts_ms":     "ALTER TABLE ticks ADD COLUMN recv_ts_ms INTEGER NOT NULL DEFAULT 0;",
	"inserted_at_ms": "ALTER TABLE ticks ADD COLUMN inserted_at_ms INTEGER NOT NULL DEFAULT 0;",
}

var indexSQLs = []struct {
	name string
	sql  string
}{
	{"idx_ticks_symbol_day_ts", "CREATE INDEX idx_ticks_symbol_day_ts ON ticks(symbol, trading_day, ts_ms);"},
	{"idx_ticks_symbol_seq", "CREATE INDEX idx_ticks_symbol_seq ON ticks(symbol, seq);"},
	{"uniq_ticks_symbol_seq", "CREATE UNIQUE INDEX uniq_ticks_symbol_seq ON ticks(symbol, seq) WHERE seq IS NOT NULL;"},
	{
		"uniq_ticks_symbol_ts_price_vol_turnover",
		"CREATE UNIQUE INDEX uniq_ticks_symbol_ts_price_vol_turnover ON ticks(symbol, ts_ms, price, volume, turnover) WHERE seq IS NULL;",
	},
}

const createGapsIndexSQL = "CREATE INDEX idx_gaps_day_symbol ON gaps(trading_day, symbol);"

var allowedUniqueIndexes = map[string]bool{
	"uniq_ticks_symbol_seq":                   true,
	"uniq_ticks_symbol_ts_price_vol_turnover": true,
}

// ensureSchema applies the six ordered migration steps idempotently.
// Each step is guarded by an existence check so that re-running it against
// an already-migrated shard is a no-op.
func ensureSchema(tx *sql.Tx) error {
	existing, err := existingSchemaObjects(tx)
	if err != nil {
		return err
	}

	if !existing["ticks"] {
		if _, err := tx.Exec(createTicksTableSQL); err != nil {
			return fmt.Errorf("create ticks table: %w", err)
		}
	} else {
		columns, err := existingColumns(tx, "ticks")
		if err != nil {
			return err
		}
		for col, alterSQL := range alterColumnSQL {
			if !columns[col] {
				if _, err := tx.Exec(alterSQL); err != nil {
					return fmt.Errorf("add column %s: %w", col, err)
				}
			}
		}
	}

	if err := dropLegacyUniqueIndexes(tx); err != nil {
		return err
	}

	existing, err = existingSchemaObjects(tx)
	if err != nil {
		return err
	}
	for _, idx := range indexSQLs {
		if !existing[idx.name] {
			if _, err := tx.Exec(idx.sql); err != nil {
				return fmt.Errorf("create index %s: %w", idx.name, err)
			}
		}
	}

	if !existing["gaps"] {
		if _, err := tx.Exec(createGapsTableSQL); err != nil {
			return fmt.Errorf("create gaps table: %w", err)
		}
	}
	if !existing["idx_gaps_day_symbol"] {
		if _, err := tx.Exec(createGapsIndexSQL); err != nil {
			return fmt.Errorf("create index idx_gaps_day_symbol: %w", err)
		}
	}
	if !existing["daily_quality"] {
		if _, err := tx.Exec(createDailyQualityTableSQL); err != nil {
			return fmt.Errorf("create daily_quality table: %w", err)
		}
	}

	var version int
	if err := tx.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version < schemaVersion {
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version=%d;", schemaVersion)); err != nil {
			return fmt.Errorf("bump user_version: %w", err)
		}
	}
	return nil
}

func existingSchemaObjects(tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.Query("SELECT name FROM sqlite_master WHERE type IN ('table','index');")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func existingColumns(tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt any
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// dropLegacyUniqueIndexes removes any unique index over (symbol, ts_ms)
// that predates the dedupe-key design and would otherwise reject valid
// rows that legitimately share a timestamp.
func dropLegacyUniqueIndexes(tx *sql.Tx) error {
	rows, err := tx.Query("PRAGMA index_list('ticks');")
	if err != nil {
		return err
	}
	var legacy []string
	for rows.Next() {
		var seq int
		var name string
		var unique int
		var origin, partial any
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return err
		}
		if unique == 0 || allowedUniqueIndexes[name] {
			continue
		}
		legacy = append(legacy, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, name := range legacy {
		cols, err := indexColumns(tx, name)
		if err != nil {
			return err
		}
		if len(cols) >= 2 && cols[0] == "symbol" && cols[1] == "ts_ms" && !containsStr(cols, "seq") {
			escaped := strings.ReplaceAll(name, `"`, `""`)
			if _, err := tx.Exec(fmt.Sprintf(`DROP INDEX IF EXISTS "%s";`, escaped)); err != nil {
				return fmt.Errorf("drop legacy index %s: %w", name, err)
			}
		}
	}
	return nil
}

func indexColumns(tx *sql.Tx, indexName string) ([]string, error) {
	escaped := strings.ReplaceAll(indexName, "'", "''")
	rows, err := tx.Query(fmt.Sprintf("PRAGMA index_info('%s');", escaped))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name string
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func containsStr(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
