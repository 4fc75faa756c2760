package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/ignite/delivery-sync/internal/domain"
	"github.com/ignite/delivery-sync/internal/pkg/logger"
	"github.com/ignite/delivery-sync/internal/relaylog"
)

// LogSource fetches raw log entries from the relay's log API.
type LogSource interface {
	FetchLogs(ctx context.Context, kind string, limit int) ([]relaylog.Entry, error)
}

// Checkpoints persists the last-processed-timestamp watermark.
type Checkpoints interface {
	Load(ctx context.Context) (time.Time, bool, error)
	Store(ctx context.Context, t time.Time) error
}

// Config bounds one ingest cycle.
type Config struct {
	Kind         string        // log kind requested from the API
	PageSize     int           // entries requested per page
	MaxTotal     int           // hard cap on entries fetched per cycle
	FlushSize    int           // staged writes per bulk flush
	PageInterval time.Duration // pacing between page requests
	Lookback     time.Duration // first-run checkpoint window
}

func (c *Config) applyDefaults() {
	if c.Kind == "" {
		c.Kind = "postfix"
	}
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 5000
	}
	if c.FlushSize <= 0 {
		c.FlushSize = 200
	}
	if c.PageInterval <= 0 {
		c.PageInterval = 250 * time.Millisecond
	}
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
}

// Result summarizes one ingest cycle.
type Result struct {
	Fetched        int       `json:"fetched"`
	Processed      int       `json:"processed"`
	Updated        int       `json:"updated"`
	MatchedByEmail int       `json:"matched_by_email,omitempty"`
	Missing        int       `json:"missing,omitempty"`
	Skipped        int       `json:"skipped,omitempty"`
	Failed         int       `json:"failed,omitempty"`
	LookupFailures int       `json:"lookup_failures,omitempty"`
	Checkpoint     time.Time `json:"checkpoint"`
}

// Ingestor pulls relay logs from a persisted checkpoint, parses them
// into status events, and drives the pipeline. The checkpoint only
// advances after every staged write has been flushed; a failed cycle
// leaves it untouched so the next run retries the same window.
type Ingestor struct {
	source      LogSource
	parser      *relaylog.Parser
	resolver    *relaylog.QueueIDResolver
	pipeline    *Pipeline
	persister   RecordStore
	checkpoints Checkpoints
	limiter     *rate.Limiter
	cfg         Config
}

// NewIngestor wires an ingestor.
func NewIngestor(source LogSource, parser *relaylog.Parser, resolver *relaylog.QueueIDResolver,
	pipeline *Pipeline, persister RecordStore, checkpoints Checkpoints, cfg Config) *Ingestor {
	cfg.applyDefaults()
	return &Ingestor{
		source:      source,
		parser:      parser,
		resolver:    resolver,
		pipeline:    pipeline,
		persister:   persister,
		checkpoints: checkpoints,
		limiter:     rate.NewLimiter(rate.Every(cfg.PageInterval), 1),
		cfg:         cfg,
	}
}

// RunCycle executes one full ingest cycle.
func (ing *Ingestor) RunCycle(ctx context.Context) (Result, error) {
	checkpoint, ok, err := ing.checkpoints.Load(ctx)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// First run: start from a bounded lookback, never from the
		// beginning of time.
		checkpoint = time.Now().Add(-ing.cfg.Lookback)
		logger.Info("no checkpoint found, starting from lookback window",
			"checkpoint", checkpoint.Format(time.RFC3339))
	}

	entries, err := ing.fetchBatches(ctx, checkpoint)
	if err != nil {
		// Transient source failure: abort this cycle, keep the
		// checkpoint, retry the same window next schedule.
		logger.Error("log fetch failed, cycle aborted", "err", err.Error())
		return Result{Checkpoint: checkpoint}, err
	}
	if len(entries) == 0 {
		return Result{Checkpoint: checkpoint}, nil
	}

	result, err := ing.processBatch(ctx, entries, checkpoint)
	result.Fetched = len(entries)
	return result, err
}

// fetchBatches pages through the log API with a growing window (the
// API has no cursor: it returns the newest N entries), paced by the
// limiter, until a page comes back short, the configured cap is hit,
// or the window reaches past the checkpoint. Entries at or before the
// checkpoint are filtered out and the rest returned oldest-first.
func (ing *Ingestor) fetchBatches(ctx context.Context, checkpoint time.Time) ([]relaylog.Entry, error) {
	var page []relaylog.Entry
	requested := 0

	for {
		requested += ing.cfg.PageSize
		if requested > ing.cfg.MaxTotal {
			requested = ing.cfg.MaxTotal
		}

		var err error
		page, err = ing.source.FetchLogs(ctx, ing.cfg.Kind, requested)
		if err != nil {
			return nil, err
		}

		if len(page) < requested || requested >= ing.cfg.MaxTotal || coversCheckpoint(page, checkpoint) {
			break
		}
		if err := ing.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	fresh := page[:0:0]
	for _, e := range page {
		if ts := e.Timestamp(); !ts.IsZero() && ts.After(checkpoint) {
			fresh = append(fresh, e)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].Timestamp().Before(fresh[j].Timestamp())
	})
	return fresh, nil
}

// coversCheckpoint reports whether the page already reaches entries
// at or before the checkpoint, meaning the window is fully fetched.
func coversCheckpoint(page []relaylog.Entry, checkpoint time.Time) bool {
	for _, e := range page {
		if ts := e.Timestamp(); !ts.IsZero() && !ts.After(checkpoint) {
			return true
		}
	}
	return false
}

// processBatch runs the two-pass pipeline over fetched entries: first
// parse every line (building queue-id mappings as a side effect),
// then resolve, arbitrate, apply, and flush in bounded groups. The
// checkpoint advances to the newest fetched entry only after the last
// flush succeeds and no lookup failed transiently.
func (ing *Ingestor) processBatch(ctx context.Context, entries []relaylog.Entry, checkpoint time.Time) (Result, error) {
	var events []domain.StatusEvent

	// The batch is covered once flushed, even when it held only
	// association or unrecognized lines; otherwise those lines would
	// be re-fetched every cycle.
	var maxTS time.Time
	for _, entry := range entries {
		if ts := entry.Timestamp(); ts.After(maxTS) {
			maxTS = ts
		}
	}

	// Pass 1: parse lines, learn queue-id mappings, collect events.
	for _, entry := range entries {
		if ev := ing.parser.Parse(entry, checkpoint); ev != nil {
			events = append(events, *ev)
		}
	}

	// Resolve queue ids learned in pass 1 (or in earlier cycles).
	for i := range events {
		if events[i].MessageID == "" && events[i].QueueID != "" {
			if mid, ok := ing.resolver.Resolve(events[i].QueueID); ok {
				events[i].MessageID = mid
			}
		}
	}

	// Pass 2: resolve records, apply transitions, stage writes.
	updates, stats := ing.pipeline.Process(ctx, events, ing.resolver.Consume)

	result := Result{
		Processed:      stats.Processed,
		Updated:        stats.Updated,
		MatchedByEmail: stats.MatchedByEmail,
		Missing:        stats.Missing,
		Skipped:        stats.Skipped,
		LookupFailures: stats.LookupFailures,
		Checkpoint:     checkpoint,
	}

	// Flush staged writes in bounded groups.
	for start := 0; start < len(updates); start += ing.cfg.FlushSize {
		end := start + ing.cfg.FlushSize
		if end > len(updates) {
			end = len(updates)
		}
		failed, err := ing.persister.BulkUpsert(ctx, updates[start:end])
		result.Failed += failed
		if err != nil {
			// Flush failed outright: keep the checkpoint where it was
			// so this window is reprocessed next cycle.
			return result, fmt.Errorf("bulk flush: %w", err)
		}
	}

	if stats.LookupFailures > 0 {
		// The flushed transitions are idempotent, so replaying the
		// window is safe; the checkpoint stays put until every record
		// in it could actually be looked up.
		return result, fmt.Errorf("%d record lookups failed, cycle will retry", stats.LookupFailures)
	}

	if maxTS.After(checkpoint) {
		if err := ing.checkpoints.Store(ctx, maxTS); err != nil {
			return result, err
		}
		result.Checkpoint = maxTS
	}
	return result, nil
}
