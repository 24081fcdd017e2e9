// Package upstream implements the market-data ingestion client: a
// WebSocket push subscription with a REST polling fallback, per-symbol
// dedupe baselines, startup backfill, and the HKT-mislabel clock-drift
// correction. Grounded on
// internal/clients/tradernet/websocket_client.go (the reconnect/backoff
// state machine and the HTTP/1.1-forced client, needed because the
// upstream gateway sits behind a proxy that otherwise negotiates HTTP/2
// for the WebSocket upgrade) and
// original_source/hk_tick_collector/futu_client.py (the push/poll
// handling, dedupe baselines, watchdog-feeding counters, and backfill
// logic).
package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/billpwchan/hk-tick-collector/internal/config"
	"github.com/billpwchan/hk-tick-collector/internal/model"
	"github.com/billpwchan/hk-tick-collector/internal/timeutil"
)

const (
	writeWait          = 10 * time.Second
	dialTimeout        = 30 * time.Second
	healthLogInterval  = 60 * time.Second
	pollSkipPushWindow = 2 * time.Second
	pollRecentKeyLimit = 500
)

// Config carries the subset of config.Config the client needs, kept
// decoupled the way database.PragmaConfig is.
type Config struct {
	Host              string
	Port              int
	Session           string
	Symbols           []string
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	CheckIntervalSec  int
	BackfillEnabled   bool
	BackfillN         int
	PollEnabled       bool
	PollIntervalSec   int
	PollNum           int
	DriftWarnSec      float64
}

// ConfigFromAppConfig narrows config.Config down to Config, the way
// database.pragmasFromConfig does for PragmaConfig.
func ConfigFromAppConfig(cfg *config.Config) Config {
	return Config{
		Host:              cfg.UpstreamHost,
		Port:              cfg.UpstreamPort,
		Session:           cfg.UpstreamSession,
		Symbols:           cfg.Symbols,
		ReconnectMinDelay: cfg.ReconnectMinDelay,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		CheckIntervalSec:  10,
		BackfillEnabled:   cfg.BackfillEnabled,
		BackfillN:         cfg.BackfillN,
		PollEnabled:       cfg.PollEnabled,
		PollIntervalSec:   cfg.PollIntervalSec,
		PollNum:           cfg.PollNum,
		DriftWarnSec:      5.0,
	}
}

// RowSink is the subset of *queue.PersistQueue the client hands rows to;
// narrowed to an interface so tests can substitute a fake sink.
type RowSink interface {
	Enqueue(rows []model.TickRow)
}

// wireRow is the JSON shape exchanged with the upstream gateway, both on
// the push channel and the poll REST endpoint.
type wireRow struct {
	Symbol    string   `json:"symbol"`
	TsMs      int64    `json:"ts_ms"`
	Price     *float64 `json:"price,omitempty"`
	Volume    *int64   `json:"volume,omitempty"`
	Turnover  *float64 `json:"turnover,omitempty"`
	Direction *string  `json:"direction,omitempty"`
	Seq       *int64   `json:"seq,omitempty"`
	TickType  *string  `json:"tick_type,omitempty"`
}

type pushEnvelope struct {
	Type string    `json:"type"`
	Rows []wireRow `json:"rows"`
}

type rowKey [4]float64

// symbolCounters is the mutable per-symbol state the client tracks to
// build dedupe baselines and watchdog/health inputs.
type symbolCounters struct {
	lastSeenSeq      *int64
	lastAcceptedSeq  *int64
	lastPersistedSeq *int64
	lastPollFetchSeq *int64
	lastTickSeenAt   time.Time
	lastPushAt       time.Time
	recentKeys       []rowKey
	recentKeySet     map[rowKey]struct{}
}

// Client owns one upstream connection (push + poll fallback) for the
// configured symbol set and feeds accepted rows to a RowSink.
type Client struct {
	cfg        Config
	sink       RowSink
	log        zerolog.Logger
	httpClient *http.Client

	mu       sync.Mutex
	counters map[string]symbolCounters

	startedAt          time.Time
	lastUpstreamActive time.Time
	hasUpstreamActive  bool
	maxTsMsSeen        int64
	hasMaxTsMsSeen     bool
	connected          bool

	pushRowsSinceReport         int64
	pollFetchedSinceReport      int64
	pollAcceptedSinceReport     int64
	pollSeqAdvancedSinceReport  int64
	droppedQueueFullSinceReport int64
	droppedDuplicateSinceReport int64
	droppedFilterSinceReport    int64
}

// New builds a Client. sink is typically a *queue.PersistQueue.
func New(cfg Config, sink RowSink, log zerolog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		sink:       sink,
		log:        log.With().Str("component", "upstream").Logger(),
		httpClient: createHTTP1Client(),
		counters:   map[string]symbolCounters{},
		startedAt:  time.Now(),
	}
}

// createHTTP1Client forces HTTP/1.1 via TLS ALPN, the same workaround
// websocket_client.go uses: a gateway fronted by a reverse proxy that
// negotiates HTTP/2 will otherwise break the WebSocket upgrade.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

func (c *Client) wsURL() string {
	return fmt.Sprintf("ws://%s:%d/ws", c.cfg.Host, c.cfg.Port)
}

func (c *Client) pollURL(symbol string, num int) string {
	return fmt.Sprintf("http://%s:%d/api/ticks?symbol=%s&num=%d", c.cfg.Host, c.cfg.Port, symbol, num)
}

// backoff implements the capped exponential reconnect delay, matching
// websocket_client.go's calculateBackoff (base * 2^(attempt-1), capped).
type backoff struct {
	min, max time.Duration
	attempt  int
}

func (b *backoff) reset() { b.attempt = 0 }

func (b *backoff) next() time.Duration {
	b.attempt++
	delay := time.Duration(float64(b.min) * math.Pow(2, float64(b.attempt-1)))
	if delay > b.max {
		delay = b.max
	}
	if delay < b.min {
		delay = b.min
	}
	return delay
}

// Run drives the connect/subscribe/read loop until ctx is cancelled,
// reconnecting with capped exponential backoff on every disconnect.
// Mirrors FutuQuoteClient.run_forever's outer retry loop.
func (c *Client) Run(ctx context.Context) error {
	bo := &backoff{min: c.cfg.ReconnectMinDelay, max: c.cfg.ReconnectMaxDelay}

	for ctx.Err() == nil {
		err := c.runOnce(ctx)
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			bo.reset()
			continue
		}

		delay := bo.next()
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("upstream connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
	return nil
}

// runOnce connects, subscribes, optionally backfills, then fans the
// connection's read loop, poll loop, and health loop across goroutines
// until any of them reports an error or ctx is cancelled.
func (c *Client) runOnce(ctx context.Context) error {
	if len(c.cfg.Symbols) == 0 {
		return fmt.Errorf("upstream: no symbols configured")
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.wsURL(), &websocket.DialOptions{HTTPClient: c.httpClient})
	cancel()
	if err != nil {
		return fmt.Errorf("upstream: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "client shutdown")

	subCtx, subCancel := context.WithTimeout(ctx, writeWait)
	err = wsjson.Write(subCtx, conn, map[string]any{
		"type":    "subscribe",
		"symbols": c.cfg.Symbols,
		"session": c.cfg.Session,
	})
	subCancel()
	if err != nil {
		return fmt.Errorf("upstream: subscribe: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.log.Info().Strs("symbols", c.cfg.Symbols).Msg("upstream connected")

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	if c.cfg.BackfillEnabled && c.cfg.BackfillN > 0 {
		c.backfill(runCtx)
	}

	errCh := make(chan error, 3)
	go func() { errCh <- c.readLoop(runCtx, conn) }()
	go func() { errCh <- c.pollLoop(runCtx) }()
	go func() { errCh <- c.healthLoop(runCtx) }()

	select {
	case <-runCtx.Done():
		return nil
	case err := <-errCh:
		runCancel()
		return err
	}
}

// readLoop blocks on conn.Read (nhooyr.io/websocket's own goroutine by
// construction) and only ever hands parsed rows to handlePushRows; it
// never touches shared dispatch state directly, communicating only
// through handlePushRows and the returned error.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env pushEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("upstream: read: %w", err)
		}
		if env.Type != "tick" || len(env.Rows) == 0 {
			continue
		}
		rows := c.toTickRows(env.Rows, model.PushTypePush)
		c.handlePushRows(rows)
	}
}

func (c *Client) toTickRows(wire []wireRow, pushType string) []model.TickRow {
	nowMs := time.Now().UnixMilli()
	rows := make([]model.TickRow, 0, len(wire))
	for _, w := range wire {
		if w.Symbol == "" {
			continue
		}
		tsMs, _ := timeutil.CorrectFutureTsMs(w.TsMs, nowMs)
		provider := "upstream"
		rows = append(rows, model.TickRow{
			Market:     "HK",
			Symbol:     w.Symbol,
			TsMs:       tsMs,
			Price:      w.Price,
			Volume:     w.Volume,
			Turnover:   w.Turnover,
			Direction:  w.Direction,
			Seq:        w.Seq,
			TickType:   w.TickType,
			PushType:   pushType,
			Provider:   &provider,
			TradingDay: timeutil.TradingDayFromTsMs(tsMs),
			RecvTsMs:   nowMs,
		})
	}
	return rows
}

// handlePushRows mirrors FutuQuoteClient._handle_push_rows: record
// activity, enqueue, and advance the per-symbol accepted-seq baseline.
func (c *Client) handlePushRows(rows []model.TickRow) {
	if len(rows) == 0 {
		return
	}
	c.recordSeenRows(rows, "push")
	acceptedMax := c.handleRows(rows, "push")

	c.mu.Lock()
	for symbol, seq := range acceptedMax {
		c.advanceSeq(symbol, seq, fieldAccepted)
	}
	c.mu.Unlock()
}

type seqField int

const (
	fieldSeen seqField = iota
	fieldAccepted
	fieldPersisted
)

// advanceSeq must be called with c.mu held.
func (c *Client) advanceSeq(symbol string, seq int64, field seqField) {
	counters := c.counters[symbol]
	target := &counters.lastSeenSeq
	switch field {
	case fieldAccepted:
		target = &counters.lastAcceptedSeq
	case fieldPersisted:
		target = &counters.lastPersistedSeq
	}
	if *target == nil || seq > **target {
		v := seq
		*target = &v
	}
	c.counters[symbol] = counters
}

// handleRows enqueues rows to the sink and returns, per symbol, the
// maximum seq among the rows that were handed off (mirrors
// FutuQuoteClient._handle_rows).
func (c *Client) handleRows(rows []model.TickRow, source string) map[string]int64 {
	c.sink.Enqueue(rows)

	now := time.Now()
	acceptedMax := map[string]int64{}
	c.mu.Lock()
	for _, row := range rows {
		counters := c.counters[row.Symbol]
		if source == "push" {
			counters.lastPushAt = now
		}
		if row.Seq != nil {
			if cur, ok := acceptedMax[row.Symbol]; !ok || *row.Seq > cur {
				acceptedMax[row.Symbol] = *row.Seq
			}
		} else {
			c.rememberKey(&counters, rowKeyOf(row))
		}
		c.counters[row.Symbol] = counters
	}
	c.mu.Unlock()

	if source == "push" {
		c.mu.Lock()
		c.pushRowsSinceReport += int64(len(rows))
		c.mu.Unlock()
	}
	return acceptedMax
}

// recordSeenRows mirrors FutuQuoteClient._record_seen_rows.
func (c *Client) recordSeenRows(rows []model.TickRow, source string) {
	if len(rows) == 0 {
		return
	}
	now := time.Now()
	c.mu.Lock()
	c.lastUpstreamActive = now
	c.hasUpstreamActive = true
	for _, row := range rows {
		counters := c.counters[row.Symbol]
		counters.lastTickSeenAt = now
		if source == "push" {
			counters.lastPushAt = now
		}
		c.counters[row.Symbol] = counters
		if !c.hasMaxTsMsSeen || row.TsMs > c.maxTsMsSeen {
			c.maxTsMsSeen = row.TsMs
			c.hasMaxTsMsSeen = true
		}
		if row.Seq != nil {
			c.advanceSeq(row.Symbol, *row.Seq, fieldSeen)
		}
	}
	c.mu.Unlock()
}

func rowKeyOf(row model.TickRow) rowKey {
	var price, volume, turnover float64
	if row.Price != nil {
		price = *row.Price
	}
	if row.Volume != nil {
		volume = float64(*row.Volume)
	}
	if row.Turnover != nil {
		turnover = *row.Turnover
	}
	return rowKey{float64(row.TsMs), price, volume, turnover}
}

// rememberKey must be called with c.mu held.
func (c *Client) rememberKey(counters *symbolCounters, key rowKey) {
	if counters.recentKeySet == nil {
		counters.recentKeySet = map[rowKey]struct{}{}
	}
	if _, ok := counters.recentKeySet[key]; ok {
		return
	}
	counters.recentKeys = append(counters.recentKeys, key)
	counters.recentKeySet[key] = struct{}{}
	if len(counters.recentKeys) > pollRecentKeyLimit {
		old := counters.recentKeys[0]
		counters.recentKeys = counters.recentKeys[1:]
		delete(counters.recentKeySet, old)
	}
}

// pollLoop is the REST fallback for symbols whose push feed has gone
// quiet; it fetches recent ticks, dedupes against the accepted/persisted
// seq baseline and a bounded recent-key set, then hands new rows off.
// Mirrors FutuQuoteClient._poll_loop.
func (c *Client) pollLoop(ctx context.Context) error {
	if !c.cfg.PollEnabled {
		<-ctx.Done()
		return nil
	}

	interval := time.Duration(c.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		cycleStart := time.Now()
		for _, symbol := range c.cfg.Symbols {
			if ctx.Err() != nil {
				return nil
			}
			if c.shouldSkipPoll(symbol) {
				continue
			}
			c.pollSymbol(ctx, symbol)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
		}

		elapsed := time.Since(cycleStart)
		remaining := interval - elapsed
		if remaining < 0 {
			remaining = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(remaining):
		}
	}
}

func (c *Client) shouldSkipPoll(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	counters, ok := c.counters[symbol]
	if !ok || counters.lastPushAt.IsZero() {
		return false
	}
	return time.Since(counters.lastPushAt) < pollSkipPushWindow
}

func (c *Client) pollSymbol(ctx context.Context, symbol string) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.pollURL(symbol, c.cfg.PollNum), nil)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("poll request build failed")
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("poll_error")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.log.Warn().Int("status", resp.StatusCode).Str("symbol", symbol).Msg("poll_failed")
		return
	}

	var wire []wireRow
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("poll_map_failed")
		return
	}

	rows := c.toTickRows(wire, model.PushTypePoll)
	c.recordSeenRows(rows, "poll")

	c.mu.Lock()
	c.pollFetchedSinceReport += int64(len(rows))
	c.mu.Unlock()
	c.recordPollSeqAdvance(symbol, maxSeq(rows))

	newRows, droppedDup, droppedFilter := c.filterPolledRows(symbol, rows)
	c.mu.Lock()
	c.pollAcceptedSinceReport += int64(len(newRows))
	c.droppedDuplicateSinceReport += int64(droppedDup)
	c.droppedFilterSinceReport += int64(droppedFilter)
	c.mu.Unlock()

	if len(newRows) == 0 {
		return
	}
	acceptedMax := c.handleRows(newRows, "poll")
	c.mu.Lock()
	for sym, seq := range acceptedMax {
		c.advanceSeq(sym, seq, fieldAccepted)
	}
	c.mu.Unlock()
}

// filterPolledRows mirrors FutuQuoteClient._filter_polled_rows: rows
// with a seq are deduped against the max of accepted/persisted seq for
// that symbol; rows without a seq are deduped against a bounded recent
// (ts_ms, price, volume, turnover) key set.
func (c *Client) filterPolledRows(symbol string, rows []model.TickRow) ([]model.TickRow, int, int) {
	if len(rows) == 0 {
		return nil, 0, 0
	}

	c.mu.Lock()
	baseline := c.dedupeBaselineSeqLocked(symbol)
	recentKeys := c.counters[symbol].recentKeySet
	c.mu.Unlock()

	seenSeq := map[int64]struct{}{}
	seenKeys := map[rowKey]struct{}{}
	var newRows []model.TickRow
	var droppedDup, droppedFilter int

	for _, row := range rows {
		if row.Symbol != symbol {
			droppedFilter++
			continue
		}
		if row.Seq == nil {
			key := rowKeyOf(row)
			if _, ok := recentKeys[key]; ok {
				droppedDup++
				continue
			}
			if _, ok := seenKeys[key]; ok {
				droppedDup++
				continue
			}
			seenKeys[key] = struct{}{}
			newRows = append(newRows, row)
			continue
		}
		if _, ok := seenSeq[*row.Seq]; ok {
			droppedDup++
			continue
		}
		if baseline != nil && *row.Seq <= *baseline {
			droppedDup++
			continue
		}
		seenSeq[*row.Seq] = struct{}{}
		newRows = append(newRows, row)
	}
	return newRows, droppedDup, droppedFilter
}

// dedupeBaselineSeqLocked must be called with c.mu held.
func (c *Client) dedupeBaselineSeqLocked(symbol string) *int64 {
	counters := c.counters[symbol]
	accepted, persisted := counters.lastAcceptedSeq, counters.lastPersistedSeq
	switch {
	case accepted == nil:
		return persisted
	case persisted == nil:
		return accepted
	case *accepted >= *persisted:
		return accepted
	default:
		return persisted
	}
}

func (c *Client) recordPollSeqAdvance(symbol string, fetchedLastSeq *int64) {
	if fetchedLastSeq == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	counters := c.counters[symbol]
	if counters.lastPollFetchSeq == nil || *fetchedLastSeq > *counters.lastPollFetchSeq {
		v := *fetchedLastSeq
		counters.lastPollFetchSeq = &v
		c.counters[symbol] = counters
		c.pollSeqAdvancedSinceReport++
		c.lastUpstreamActive = time.Now()
		c.hasUpstreamActive = true
	}
}

func maxSeq(rows []model.TickRow) *int64 {
	var max *int64
	for _, r := range rows {
		if r.Seq == nil {
			continue
		}
		if max == nil || *r.Seq > *max {
			v := *r.Seq
			max = &v
		}
	}
	return max
}

// backfill fetches up to BackfillN recent ticks per symbol on connect,
// mirroring FutuQuoteClient._backfill_recent.
func (c *Client) backfill(ctx context.Context) {
	for _, symbol := range c.cfg.Symbols {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.pollURL(symbol, c.cfg.BackfillN), nil)
		if err != nil {
			cancel()
			continue
		}
		resp, err := c.httpClient.Do(req)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("backfill failed")
			continue
		}
		var wire []wireRow
		decodeErr := json.NewDecoder(resp.Body).Decode(&wire)
		resp.Body.Close()
		if decodeErr != nil {
			c.log.Warn().Err(decodeErr).Str("symbol", symbol).Msg("backfill decode failed")
			continue
		}

		rows := c.toTickRows(wire, model.PushTypeBackfill)
		c.recordSeenRows(rows, "backfill")
		if len(rows) == 0 {
			continue
		}
		acceptedMax := c.handleRows(rows, "backfill")
		c.mu.Lock()
		for sym, seq := range acceptedMax {
			c.advanceSeq(sym, seq, fieldAccepted)
		}
		c.mu.Unlock()
		c.log.Info().Str("symbol", symbol).Int("rows", len(rows)).Msg("backfill_stats")
	}
}

// healthLoop logs a periodic summary and warns on clock drift, mirroring
// FutuQuoteClient._health_loop (minus the watchdog check itself, which
// is the separate watchdog package's responsibility here).
func (c *Client) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(healthLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := c.Snapshot()
			if snap.DriftSec != nil && math.Abs(*snap.DriftSec) > c.cfg.DriftWarnSec {
				c.log.Warn().Float64("drift_sec", *snap.DriftSec).Msg("ts_drift_warn")
			}
			c.log.Info().
				Bool("connected", snap.Connected).
				Int64("push_rows_per_min", snap.PushRowsSinceReport).
				Int64("poll_fetched", snap.PollFetchedSinceReport).
				Int64("poll_accepted", snap.PollAcceptedSinceReport).
				Int64("dropped_duplicate", snap.DroppedDuplicateSinceReport).
				Int64("dropped_filter", snap.DroppedFilterSinceReport).
				Msg("upstream_health")
			c.resetReportCounters()
		}
	}
}

func (c *Client) resetReportCounters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushRowsSinceReport = 0
	c.pollFetchedSinceReport = 0
	c.pollAcceptedSinceReport = 0
	c.pollSeqAdvancedSinceReport = 0
	c.droppedQueueFullSinceReport = 0
	c.droppedDuplicateSinceReport = 0
	c.droppedFilterSinceReport = 0
}

// NotePersistedSeq lets the queue/store pipeline report back the
// highest seq actually committed per symbol, closing the dedupe-baseline
// loop (FutuQuoteClient.handle_persist_result).
func (c *Client) NotePersistedSeq(rows []model.TickRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range rows {
		if row.Seq == nil {
			continue
		}
		c.advanceSeq(row.Symbol, *row.Seq, fieldPersisted)
	}
}

// SeedLastSeq primes the accepted/persisted seq baselines from a
// resumed shard at startup (Store.FetchMaxSeqBySymbolRecent), mirroring
// FutuQuoteClient's initial_last_seq constructor argument.
func (c *Client) SeedLastSeq(seeds map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for symbol, seq := range seeds {
		v := seq
		counters := c.counters[symbol]
		counters.lastAcceptedSeq = &v
		p := seq
		counters.lastPersistedSeq = &p
		c.counters[symbol] = counters
	}
}

// Snapshot is the read-only view the watchdog and health endpoint poll.
type Snapshot struct {
	Connected                   bool
	StartedAt                   time.Time
	LastUpstreamActiveAt        *time.Time
	MaxTsMsSeen                 *int64
	DriftSec                    *float64
	PushRowsSinceReport         int64
	PollFetchedSinceReport      int64
	PollAcceptedSinceReport     int64
	PollSeqAdvancedSinceReport  int64
	DroppedQueueFullSinceReport int64
	DroppedDuplicateSinceReport int64
	DroppedFilterSinceReport    int64
	MaxSeqLag                   int64
	PerSymbolLastTickAgeSec     map[string]float64
}

// Snapshot copies the client's counters under lock. MaxSeqLag mirrors
// FutuQuoteClient._max_seq_lag: the worst (last_seen - last_persisted)
// across every known symbol.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Connected:                   c.connected,
		StartedAt:                   c.startedAt,
		PushRowsSinceReport:         c.pushRowsSinceReport,
		PollFetchedSinceReport:      c.pollFetchedSinceReport,
		PollAcceptedSinceReport:     c.pollAcceptedSinceReport,
		PollSeqAdvancedSinceReport:  c.pollSeqAdvancedSinceReport,
		DroppedQueueFullSinceReport: c.droppedQueueFullSinceReport,
		DroppedDuplicateSinceReport: c.droppedDuplicateSinceReport,
		DroppedFilterSinceReport:    c.droppedFilterSinceReport,
		PerSymbolLastTickAgeSec:     map[string]float64{},
	}
	if c.hasUpstreamActive {
		t := c.lastUpstreamActive
		s.LastUpstreamActiveAt = &t
	}
	if c.hasMaxTsMsSeen {
		v := c.maxTsMsSeen
		s.MaxTsMsSeen = &v
		drift := float64(time.Now().UnixMilli()-v) / 1000.0
		s.DriftSec = &drift
	}

	now := time.Now()
	var maxLag int64
	for symbol, counters := range c.counters {
		if !counters.lastTickSeenAt.IsZero() {
			s.PerSymbolLastTickAgeSec[symbol] = now.Sub(counters.lastTickSeenAt).Seconds()
		}
		if counters.lastSeenSeq == nil {
			continue
		}
		var persisted int64
		if counters.lastPersistedSeq != nil {
			persisted = *counters.lastPersistedSeq
		}
		lag := *counters.lastSeenSeq - persisted
		if lag > maxLag {
			maxLag = lag
		}
	}
	s.MaxSeqLag = maxLag
	return s
}
