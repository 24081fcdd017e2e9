package upstream

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billpwchan/hk-tick-collector/internal/model"
)

type fakeSink struct {
	batches [][]model.TickRow
}

func (f *fakeSink) Enqueue(rows []model.TickRow) {
	f.batches = append(f.batches, rows)
}

func newTestClient() (*Client, *fakeSink) {
	sink := &fakeSink{}
	cfg := Config{
		Host:              "127.0.0.1",
		Port:              11111,
		Symbols:           []string{"HK.00700"},
		ReconnectMinDelay: time.Second,
		ReconnectMaxDelay: 60 * time.Second,
		PollEnabled:       true,
		PollIntervalSec:   5,
		PollNum:           50,
		DriftWarnSec:      5,
	}
	return New(cfg, sink, zerolog.Nop()), sink
}

func seqRow(symbol string, tsMs int64, seq int64) model.TickRow {
	return model.TickRow{Symbol: symbol, TsMs: tsMs, Seq: &seq}
}

func seqlessRow(symbol string, tsMs int64, price, volume, turnover float64) model.TickRow {
	v := int64(volume)
	return model.TickRow{Symbol: symbol, TsMs: tsMs, Price: &price, Volume: &v, Turnover: &turnover}
}

func TestFilterPolledRows_SeqDedupeAgainstBaseline(t *testing.T) {
	c, _ := newTestClient()
	c.SeedLastSeq(map[string]int64{"HK.00700": 10})

	rows := []model.TickRow{
		seqRow("HK.00700", 1000, 9),  // at/below baseline, dropped
		seqRow("HK.00700", 1001, 10), // at baseline, dropped
		seqRow("HK.00700", 1002, 11), // fresh, kept
		seqRow("HK.00700", 1003, 11), // repeat seq within batch, dropped
		seqRow("HK.00700", 1004, 12), // fresh, kept
	}

	newRows, droppedDup, droppedFilter := c.filterPolledRows("HK.00700", rows)
	require.Len(t, newRows, 2)
	assert.Equal(t, int64(11), *newRows[0].Seq)
	assert.Equal(t, int64(12), *newRows[1].Seq)
	assert.Equal(t, 3, droppedDup)
	assert.Equal(t, 0, droppedFilter)
}

func TestFilterPolledRows_SymbolMismatchIsFiltered(t *testing.T) {
	c, _ := newTestClient()
	rows := []model.TickRow{seqRow("HK.00005", 1000, 1)}

	newRows, droppedDup, droppedFilter := c.filterPolledRows("HK.00700", rows)
	assert.Empty(t, newRows)
	assert.Equal(t, 0, droppedDup)
	assert.Equal(t, 1, droppedFilter)
}

func TestFilterPolledRows_SeqlessKeyDedupe(t *testing.T) {
	c, _ := newTestClient()
	row := seqlessRow("HK.00700", 2000, 100.5, 10, 1005.0)

	first, droppedDup, _ := c.filterPolledRows("HK.00700", []model.TickRow{row})
	require.Len(t, first, 1)
	assert.Equal(t, 0, droppedDup)

	// remember the key as though handleRows had processed it
	c.mu.Lock()
	counters := c.counters["HK.00700"]
	c.rememberKey(&counters, rowKeyOf(row))
	c.counters["HK.00700"] = counters
	c.mu.Unlock()

	second, droppedDup2, _ := c.filterPolledRows("HK.00700", []model.TickRow{row})
	assert.Empty(t, second)
	assert.Equal(t, 1, droppedDup2)
}

func TestDedupeBaselineSeqLocked_PrefersHigherOfAcceptedOrPersisted(t *testing.T) {
	c, _ := newTestClient()

	c.mu.Lock()
	assert.Nil(t, c.dedupeBaselineSeqLocked("HK.00700"))
	c.mu.Unlock()

	c.SeedLastSeq(map[string]int64{"HK.00700": 5})
	c.mu.Lock()
	baseline := c.dedupeBaselineSeqLocked("HK.00700")
	c.mu.Unlock()
	require.NotNil(t, baseline)
	assert.Equal(t, int64(5), *baseline)

	c.mu.Lock()
	c.advanceSeq("HK.00700", 9, fieldAccepted)
	baseline = c.dedupeBaselineSeqLocked("HK.00700")
	c.mu.Unlock()
	require.NotNil(t, baseline)
	assert.Equal(t, int64(9), *baseline)
}

func TestHandleRows_EnqueuesAndTracksAcceptedMaxSeq(t *testing.T) {
	c, sink := newTestClient()
	rows := []model.TickRow{
		seqRow("HK.00700", 1000, 3),
		seqRow("HK.00700", 1001, 7),
		seqRow("HK.00005", 1002, 2),
	}

	acceptedMax := c.handleRows(rows, "push")
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 3)
	assert.Equal(t, int64(7), acceptedMax["HK.00700"])
	assert.Equal(t, int64(2), acceptedMax["HK.00005"])

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.PushRowsSinceReport)
}

func TestRecordSeenRows_TracksMaxTsMsAndSeq(t *testing.T) {
	c, _ := newTestClient()
	rows := []model.TickRow{
		seqRow("HK.00700", 1000, 1),
		seqRow("HK.00700", 2000, 5),
	}
	c.recordSeenRows(rows, "poll")

	snap := c.Snapshot()
	require.NotNil(t, snap.MaxTsMsSeen)
	assert.Equal(t, int64(2000), *snap.MaxTsMsSeen)
	require.NotNil(t, snap.LastUpstreamActiveAt)
}

func TestMaxSeqLag_ReflectsWorstSymbol(t *testing.T) {
	c, _ := newTestClient()

	c.mu.Lock()
	c.advanceSeq("HK.00700", 100, fieldSeen)
	c.advanceSeq("HK.00700", 40, fieldPersisted)
	c.advanceSeq("HK.00005", 10, fieldSeen)
	c.advanceSeq("HK.00005", 9, fieldPersisted)
	c.mu.Unlock()

	snap := c.Snapshot()
	assert.Equal(t, int64(60), snap.MaxSeqLag)
}

func TestNotePersistedSeq_AdvancesBaseline(t *testing.T) {
	c, _ := newTestClient()
	seq := int64(42)
	c.NotePersistedSeq([]model.TickRow{{Symbol: "HK.00700", Seq: &seq}})

	c.mu.Lock()
	baseline := c.dedupeBaselineSeqLocked("HK.00700")
	c.mu.Unlock()
	require.NotNil(t, baseline)
	assert.Equal(t, int64(42), *baseline)
}

func TestBackoff_CapsAtMax(t *testing.T) {
	b := &backoff{min: time.Second, max: 5 * time.Second}
	var last time.Duration
	for i := 0; i < 10; i++ {
		last = b.next()
		assert.LessOrEqual(t, last, 5*time.Second)
		assert.GreaterOrEqual(t, last, time.Second)
	}
	assert.Equal(t, 5*time.Second, last)
}

func TestBackoff_ResetRestartsFromMin(t *testing.T) {
	b := &backoff{min: time.Second, max: 60 * time.Second}
	b.next()
	b.next()
	b.reset()
	assert.Equal(t, time.Second, b.next())
}

func TestShouldSkipPoll_RespectsRecentPushWindow(t *testing.T) {
	c, _ := newTestClient()
	assert.False(t, c.shouldSkipPoll("HK.00700"))

	c.mu.Lock()
	counters := c.counters["HK.00700"]
	counters.lastPushAt = time.Now()
	c.counters["HK.00700"] = counters
	c.mu.Unlock()

	assert.True(t, c.shouldSkipPoll("HK.00700"))
}
