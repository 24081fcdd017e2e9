// Package database owns the per-trading-day SQLite shards: connection
// pragmas, schema migration, batched idempotent inserts, and the
// max-seq recovery queries the upstream client needs on reconnect.
// Connection-string PRAGMA building, transaction helper, WAL checkpoint,
// and file/page stats follow the same shape as other sqlite shard
// wrappers in this codebase; schema and insert semantics are ported from
// original_source/hk_tick_collector/db.py.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// PragmaConfig carries the subset of config.Config that governs how a
// shard connection is opened; kept separate from the config package so
// this package doesn't need to import the full Config struct.
type PragmaConfig struct {
	JournalMode       string
	Synchronous       string
	TempStore         string
	BusyTimeoutMs     int
	WALAutocheckpoint int
}

// shardConn wraps one trading-day shard's *sql.DB with the pragmas the
// store config requests and the maintenance helpers the archiver and
// watchdog use.
type shardConn struct {
	conn *sql.DB
	path string
}

// openShard opens (creating parent directories as needed) the SQLite
// shard at path with the configured journal mode, synchronous level,
// temp store and busy timeout, then runs the schema migration inside a
// single transaction.
func openShard(path string, cfg PragmaConfig) (*shardConn, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve shard path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create shard directory: %w", err)
	}

	connStr := buildConnectionString(absPath, cfg)
	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open shard %s: %w", absPath, err)
	}
	// A shard is a single SQLite file; WAL mode still allows one writer,
	// so there is never a reason to pool more than one physical
	// connection against it.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping shard %s: %w", absPath, err)
	}

	sc := &shardConn{conn: conn, path: absPath}
	if err := sc.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return sc, nil
}

func buildConnectionString(path string, cfg PragmaConfig) string {
	connStr := path + fmt.Sprintf("?_pragma=journal_mode(%s)", cfg.JournalMode)
	connStr += fmt.Sprintf("&_pragma=synchronous(%s)", cfg.Synchronous)
	connStr += fmt.Sprintf("&_pragma=temp_store(%s)", cfg.TempStore)
	connStr += fmt.Sprintf("&_pragma=busy_timeout(%d)", cfg.BusyTimeoutMs)
	connStr += fmt.Sprintf("&_pragma=wal_autocheckpoint(%d)", cfg.WALAutocheckpoint)
	connStr += "&_pragma=foreign_keys(1)"
	return connStr
}

func (sc *shardConn) migrate() error {
	tx, err := sc.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	if err := ensureSchema(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migrate shard %s: %w", sc.path, err)
	}
	return tx.Commit()
}

// withTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic, scoped to a single shard connection.
func (sc *shardConn) withTransaction(fn func(*sql.Tx) error) (err error) {
	tx, err := sc.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
			}
		} else {
			err = tx.Commit()
		}
	}()
	err = fn(tx)
	return err
}

// walCheckpoint forces a WAL checkpoint; used by the archiver before a
// VACUUM INTO backup and by the maintenance cron job.
func (sc *shardConn) walCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	_, err := sc.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode))
	if err != nil {
		return fmt.Errorf("wal checkpoint %s: %w", sc.path, err)
	}
	return nil
}

func (sc *shardConn) close() error {
	return sc.conn.Close()
}

// ShardStats reports file and page-level size statistics for one shard.
type ShardStats struct {
	SizeBytes     int64
	WALSizeBytes  int64
	PageCount     int64
	PageSize      int64
	FreelistCount int64
}

func (sc *shardConn) stats() (*ShardStats, error) {
	stats := &ShardStats{}
	if fi, err := os.Stat(sc.path); err == nil {
		stats.SizeBytes = fi.Size()
	}
	if fi, err := os.Stat(sc.path + "-wal"); err == nil {
		stats.WALSizeBytes = fi.Size()
	}
	if err := sc.conn.QueryRow("PRAGMA page_count").Scan(&stats.PageCount); err != nil {
		return nil, err
	}
	if err := sc.conn.QueryRow("PRAGMA page_size").Scan(&stats.PageSize); err != nil {
		return nil, err
	}
	if err := sc.conn.QueryRow("PRAGMA freelist_count").Scan(&stats.FreelistCount); err != nil {
		return nil, err
	}
	return stats, nil
}

func (sc *shardConn) healthCheck(ctx context.Context) error {
	if err := sc.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	var result string
	if err := sc.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
