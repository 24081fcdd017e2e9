// Package model holds the data types that flow between the collector's
// components: the upstream client, the persist queue, the store, and the
// quality pipeline.
package model

// TickRow is the unit of flow through every stage of the collector. Once
// constructed it is treated as immutable; dedupe decides whether a row is
// persisted, it never mutates an already-accepted row.
type TickRow struct {
	Market    string  `json:"market" msgpack:"market"`
	Symbol    string  `json:"symbol" msgpack:"symbol"`
	TsMs      int64   `json:"ts_ms" msgpack:"ts_ms"`
	Price     *float64 `json:"price,omitempty" msgpack:"price,omitempty"`
	Volume    *int64   `json:"volume,omitempty" msgpack:"volume,omitempty"`
	Turnover  *float64 `json:"turnover,omitempty" msgpack:"turnover,omitempty"`
	Direction *string  `json:"direction,omitempty" msgpack:"direction,omitempty"`
	Seq       *int64   `json:"seq,omitempty" msgpack:"seq,omitempty"`
	TickType  *string  `json:"tick_type,omitempty" msgpack:"tick_type,omitempty"`
	PushType  string   `json:"push_type" msgpack:"push_type"`
	Provider  *string  `json:"provider,omitempty" msgpack:"provider,omitempty"`
	TradingDay    string `json:"trading_day" msgpack:"trading_day"`
	RecvTsMs      int64  `json:"recv_ts_ms" msgpack:"recv_ts_ms"`
	InsertedAtMs  int64  `json:"inserted_at_ms" msgpack:"inserted_at_ms"`
}

// PushType values recognised by the store and the quality pipeline.
const (
	PushTypePush     = "push"
	PushTypePoll     = "poll"
	PushTypeBackfill = "backfill"
	PushTypeMock     = "mock"
)

// DedupeKey returns the composite key used when Seq is nil: identical
// (ts_ms, price, volume, turnover) tuples within a (symbol, trading_day)
// are the same logical tick.
func (t TickRow) DedupeKey() [4]float64 {
	var price, volume, turnover float64
	if t.Price != nil {
		price = *t.Price
	}
	if t.Volume != nil {
		volume = float64(*t.Volume)
	}
	if t.Turnover != nil {
		turnover = *t.Turnover
	}
	return [4]float64{float64(t.TsMs), price, volume, turnover}
}

// GapRecord is a persisted hard-gap between two adjacent ticks of an active
// symbol, exceeding the configured gap threshold within a single session.
type GapRecord struct {
	TradingDay  string
	Symbol      string
	GapStartMs  int64
	GapEndMs    int64
	GapSec      float64
	DetectedMs  int64
	Reason      string
	MetaJSON    string
}

// SoftStallObservation mirrors GapRecord but is never persisted to the
// gaps table; it is only surfaced through the quality report.
type SoftStallObservation struct {
	TradingDay   string
	Symbol       string
	StallStartMs int64
	StallEndMs   int64
	StallSec     float64
	MetaJSON     string
}

// PersistResult summarises the outcome of a single batch insert.
type PersistResult struct {
	DBPath          string
	Batch           int
	Inserted        int
	Ignored         int
	CommitLatencyMs float64
	Checkpointed    bool
}
