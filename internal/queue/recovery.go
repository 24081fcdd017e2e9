package queue

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/billpwchan/hk-tick-collector/internal/model"
)

// RecoveryJournal spills whatever rows a worker generation was still
// holding in memory when it exits to a per-generation msgpack file
// under <data_root>/_recovery/, so the next generation (or the next
// process start) can replay them instead of losing in-flight ticks on
// an unclean shutdown.
type RecoveryJournal struct {
	dir        string
	generation string
}

// NewRecoveryJournal builds a journal rooted at dir, tagging every
// spill file it writes with generation (typically a fresh UUID per
// worker start).
func NewRecoveryJournal(dir, generation string) *RecoveryJournal {
	return &RecoveryJournal{dir: dir, generation: generation}
}

func (j *RecoveryJournal) path() string {
	return filepath.Join(j.dir, fmt.Sprintf("%s.msgpack", j.generation))
}

// Spill writes rows to this generation's journal file. An empty rows
// slice is a no-op rather than writing an empty file.
func (j *RecoveryJournal) Spill(rows []model.TickRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("create recovery dir: %w", err)
	}
	encoded, err := msgpack.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode recovery journal: %w", err)
	}
	if err := os.WriteFile(j.path(), encoded, 0o644); err != nil {
		return fmt.Errorf("write recovery journal: %w", err)
	}
	return nil
}

// ReplayPending reads and deletes every journal file under dir other
// than the current generation's own file, returning their combined
// rows. Call this once at startup, before the new generation's journal
// is written, so a crash-restart picks up rows spilled by the previous
// run.
func ReplayPending(dir, currentGeneration string) ([]model.TickRow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recovery dir: %w", err)
	}

	var rows []model.TickRow
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".msgpack" {
			continue
		}
		if entry.Name() == currentGeneration+".msgpack" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read recovery file %s: %w", path, err)
		}
		var fileRows []model.TickRow
		if err := msgpack.Unmarshal(data, &fileRows); err != nil {
			return nil, fmt.Errorf("decode recovery file %s: %w", path, err)
		}
		rows = append(rows, fileRows...)
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove recovery file %s: %w", path, err)
		}
	}
	return rows, nil
}
