// Package engine hosts the sync orchestrator: the single-flight
// polling loop that drives log ingestion, the webhook entry point,
// status reporting, and periodic cache eviction.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/delivery-sync/internal/bouncescan"
	"github.com/ignite/delivery-sync/internal/ingest"
	"github.com/ignite/delivery-sync/internal/metrics"
	"github.com/ignite/delivery-sync/internal/pkg/distlock"
	"github.com/ignite/delivery-sync/internal/pkg/logger"
	"github.com/ignite/delivery-sync/internal/relaylog"
	"github.com/ignite/delivery-sync/internal/status"
	"github.com/ignite/delivery-sync/internal/webhook"
)

// TriggerResult is returned by a manual or scheduled sync run.
type TriggerResult struct {
	Processed      int    `json:"processed"`
	Updated        int    `json:"updated"`
	MatchedByEmail int    `json:"matched_by_email,omitempty"`
	Error          string `json:"error,omitempty"`
}

// WebhookResult is returned by the webhook entry point.
type WebhookResult struct {
	Processed int      `json:"processed"`
	Updated   int      `json:"updated"`
	Errors    []string `json:"errors"`
}

// CacheStats reports in-memory cache sizes for status output.
type CacheStats struct {
	QueueMappings   int `json:"queue_mappings"`
	TrackingRecords int `json:"tracking_records"`
	Fingerprints    int `json:"fingerprints"`
}

// SyncStatus is the health report exposed through the HTTP layer.
type SyncStatus struct {
	LastSync       time.Time      `json:"last_sync"`
	LastCheckpoint time.Time      `json:"last_checkpoint"`
	IsProcessing   bool           `json:"is_processing"`
	Cache          CacheStats     `json:"cache_stats"`
	LastResult     *ingest.Result `json:"last_result,omitempty"`
}

// Options wires an orchestrator.
type Options struct {
	Ingestor    *ingest.Ingestor
	Pipeline    *ingest.Pipeline
	Persister   ingest.RecordStore
	Checkpoints ingest.Checkpoints
	Normalizer  *webhook.Normalizer
	Resolver    *relaylog.QueueIDResolver
	Parser      *relaylog.Parser
	Scanner     *bouncescan.Scanner // optional bounce-mailbox source
	Debouncer   *metrics.Debouncer  // optional metrics recomputation
	Lock        distlock.DistLock   // optional cross-replica guard

	PollInterval     time.Duration
	EvictionInterval time.Duration
	BounceScanLimit  int
}

// Orchestrator coordinates all signal sources. A single-flight guard
// ensures only one log-sync cycle runs at a time; webhook deliveries
// run concurrently with each other and with the poll loop, sharing
// only the store, the checkpoint, and the bounded caches.
type Orchestrator struct {
	opts Options

	running atomic.Bool

	mu         sync.RWMutex
	lastSync   time.Time
	lastResult *ingest.Result
	subs       []func(status.Change)
}

// New creates an orchestrator and connects the pipeline's
// status-change notifications to its subscriber list.
func New(opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = 5 * time.Minute
	}
	if opts.BounceScanLimit <= 0 {
		opts.BounceScanLimit = 200
	}

	o := &Orchestrator{opts: opts}
	opts.Pipeline.SetNotify(o.publish)
	if opts.Debouncer != nil {
		o.Subscribe(opts.Debouncer.Mark)
	}
	return o
}

// Subscribe registers a status-change listener. Listeners must be
// fast; they are invoked inline from the processing path.
func (o *Orchestrator) Subscribe(fn func(status.Change)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs = append(o.subs, fn)
}

func (o *Orchestrator) publish(ch status.Change) {
	o.mu.RLock()
	subs := o.subs
	o.mu.RUnlock()
	for _, fn := range subs {
		fn(ch)
	}
}

// Start runs the polling and cache-eviction loops until the context
// is canceled. Cycle outcomes are logged; no outcome stops the
// scheduler.
func (o *Orchestrator) Start(ctx context.Context) {
	logger.Info("sync orchestrator starting",
		"poll_interval", o.opts.PollInterval.String(),
		"eviction_interval", o.opts.EvictionInterval.String())

	o.RunOnce(ctx)

	poll := time.NewTicker(o.opts.PollInterval)
	evict := time.NewTicker(o.opts.EvictionInterval)
	defer poll.Stop()
	defer evict.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sync orchestrator stopping")
			return
		case <-poll.C:
			o.RunOnce(ctx)
		case <-evict.C:
			o.EvictCaches()
		}
	}
}

// RunOnce executes one sync cycle. Shared by the scheduler and the
// manual trigger; a cycle already in flight yields an error result
// instead of overlapping work.
func (o *Orchestrator) RunOnce(ctx context.Context) TriggerResult {
	if !o.running.CompareAndSwap(false, true) {
		return TriggerResult{Error: "sync already in progress"}
	}
	defer o.running.Store(false)

	if o.opts.Lock != nil {
		ok, err := o.opts.Lock.Acquire(ctx)
		if err != nil {
			logger.Error("sync lock acquire failed", "err", err.Error())
			return TriggerResult{Error: "sync lock unavailable"}
		}
		if !ok {
			return TriggerResult{Error: "another instance is syncing"}
		}
		defer func() {
			if err := o.opts.Lock.Release(ctx); err != nil {
				logger.Warn("sync lock release failed", "err", err.Error())
			}
		}()
	}

	started := time.Now()
	res, err := o.opts.Ingestor.RunCycle(ctx)

	out := TriggerResult{
		Processed:      res.Processed,
		Updated:        res.Updated,
		MatchedByEmail: res.MatchedByEmail,
	}
	if err != nil {
		out.Error = err.Error()
	}

	if o.opts.Scanner != nil {
		scanned := o.scanBounces(ctx)
		out.Processed += scanned.Processed
		out.Updated += scanned.Updated
		out.MatchedByEmail += scanned.MatchedByEmail
		res.Processed += scanned.Processed
		res.Updated += scanned.Updated
		res.MatchedByEmail += scanned.MatchedByEmail
	}

	if o.opts.Debouncer != nil {
		o.opts.Debouncer.Flush(ctx)
	}

	o.mu.Lock()
	o.lastSync = time.Now()
	o.lastResult = &res
	o.mu.Unlock()

	logger.Info("sync cycle finished",
		"duration", time.Since(started).String(),
		"processed", out.Processed,
		"updated", out.Updated,
		"error", out.Error)
	return out
}

// scanBounces drains the bounce mailbox through the shared pipeline.
func (o *Orchestrator) scanBounces(ctx context.Context) ingest.Stats {
	events, err := o.opts.Scanner.Scan(ctx, o.opts.BounceScanLimit)
	if err != nil {
		logger.Error("bounce mailbox scan failed", "err", err.Error())
		return ingest.Stats{}
	}
	if len(events) == 0 {
		return ingest.Stats{}
	}
	updates, stats := o.opts.Pipeline.Process(ctx, events, nil)
	if len(updates) > 0 {
		if _, err := o.opts.Persister.BulkUpsert(ctx, updates); err != nil {
			logger.Error("bounce event flush failed", "err", err.Error())
		}
	}
	return stats
}

// IngestWebhook verifies, normalizes, and applies one webhook
// delivery. Signature failures surface to the caller; per-item
// normalization failures are collected without aborting the rest of
// the batch.
func (o *Orchestrator) IngestWebhook(ctx context.Context, provider string, payload []byte, signature string) (WebhookResult, error) {
	if err := o.opts.Normalizer.Verify(provider, payload, signature); err != nil {
		return WebhookResult{}, err
	}

	events, normErrs := o.opts.Normalizer.Normalize(provider, payload)
	result := WebhookResult{Errors: []string{}}
	for _, e := range normErrs {
		result.Errors = append(result.Errors, e.Error())
	}

	if len(events) > 0 {
		updates, stats := o.opts.Pipeline.Process(ctx, events, nil)
		result.Processed = stats.Processed
		result.Updated = stats.Updated
		if stats.LookupFailures > 0 {
			result.Errors = append(result.Errors,
				fmt.Sprintf("%d record lookups failed", stats.LookupFailures))
		}
		if len(updates) > 0 {
			if _, err := o.opts.Persister.BulkUpsert(ctx, updates); err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
		}
		if o.opts.Debouncer != nil {
			o.opts.Debouncer.Flush(ctx)
		}
	}
	return result, nil
}

// Status reports scheduler health and cache occupancy.
func (o *Orchestrator) Status(ctx context.Context) SyncStatus {
	o.mu.RLock()
	lastSync := o.lastSync
	lastResult := o.lastResult
	o.mu.RUnlock()

	st := SyncStatus{
		LastSync:     lastSync,
		IsProcessing: o.running.Load(),
		LastResult:   lastResult,
		Cache: CacheStats{
			QueueMappings:   o.opts.Resolver.Len(),
			TrackingRecords: o.opts.Pipeline.RecordCacheLen(),
			Fingerprints:    o.opts.Parser.FingerprintCount(),
		},
	}
	if cp, ok, err := o.opts.Checkpoints.Load(ctx); err == nil && ok {
		st.LastCheckpoint = cp
	}
	return st
}

// EvictCaches sweeps expired entries from every bounded cache. Runs
// on its own timer, independent of sync cycles.
func (o *Orchestrator) EvictCaches() {
	dropped := o.opts.Resolver.EvictExpired() +
		o.opts.Pipeline.EvictExpired() +
		o.opts.Parser.EvictExpired()
	if dropped > 0 {
		logger.Debug("cache eviction sweep", "dropped", dropped)
	}
}
