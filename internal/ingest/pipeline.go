// Package ingest drives status events through the reconciliation
// pipeline: resolve the tracking record, arbitrate conflicting
// sources, apply the state machine, and stage persistence writes.
// Both the polled log ingestor and the webhook path share the same
// pipeline, so every source obeys the same rules.
package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/delivery-sync/internal/domain"
	"github.com/ignite/delivery-sync/internal/pkg/boundedcache"
	"github.com/ignite/delivery-sync/internal/pkg/logger"
	"github.com/ignite/delivery-sync/internal/status"
	"github.com/ignite/delivery-sync/internal/store"
)

// applyStripes sizes the per-record lock table. Webhook deliveries
// run concurrently with the poll loop, so transitions for one record
// must be serialized while unrelated records proceed in parallel.
const applyStripes = 64

// RecordStore is the tracking-record store surface the pipeline needs.
type RecordStore interface {
	GetByMessageID(ctx context.Context, messageID string) (*domain.TrackingRecord, error)
	GetByEmailSince(ctx context.Context, email string, since time.Time) (*domain.TrackingRecord, error)
	BulkUpsert(ctx context.Context, updates []domain.RecordUpdate) (int, error)
}

// Stats summarizes one pipeline pass.
type Stats struct {
	Processed      int // events offered to the state machine
	Updated        int // transitions accepted
	MatchedByEmail int // records resolved through the email fallback
	Missing        int // events with no matching tracking record
	Skipped        int // events with no usable identity
	LookupFailures int // events dropped because a store lookup errored
}

// Pipeline applies normalized status events to tracking records. It
// keeps a bounded record cache so a burst of events for the same
// message costs one store lookup.
type Pipeline struct {
	store       RecordStore
	machine     *status.Machine
	conflicts   *status.Resolver
	records     *boundedcache.Cache
	emailWindow time.Duration
	notify      func(status.Change)
	applyLocks  [applyStripes]sync.Mutex
}

// NewPipeline creates a pipeline. emailWindow bounds how far back the
// contact-email fallback match may reach.
func NewPipeline(rs RecordStore, machine *status.Machine, conflicts *status.Resolver,
	cacheMax int, cacheTTL, emailWindow time.Duration) *Pipeline {
	if cacheMax <= 0 {
		cacheMax = 5000
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	if emailWindow <= 0 {
		emailWindow = 24 * time.Hour
	}
	return &Pipeline{
		store:       rs,
		machine:     machine,
		conflicts:   conflicts,
		records:     boundedcache.New(cacheMax, cacheTTL),
		emailWindow: emailWindow,
	}
}

// SetNotify registers the status-change callback. The orchestrator
// owns the subscriber list; the pipeline only reports through it.
func (p *Pipeline) SetNotify(fn func(status.Change)) { p.notify = fn }

// RecordCacheLen returns the record cache size, for status reporting.
func (p *Pipeline) RecordCacheLen() int { return p.records.Len() }

// EvictExpired sweeps the record cache.
func (p *Pipeline) EvictExpired() int { return p.records.EvictExpired() }

// Process resolves and applies a batch of events, returning the
// staged writes for the bulk persister. consumeQueueID, when non-nil,
// is called for each queue id whose event was successfully applied so
// the queue-id mapping can be evicted.
func (p *Pipeline) Process(ctx context.Context, events []domain.StatusEvent,
	consumeQueueID func(string)) ([]domain.RecordUpdate, Stats) {

	var stats Stats
	var updates []domain.RecordUpdate

	for _, group := range groupByTarget(events, &stats) {
		ordered := p.conflicts.Order(group)

		rec, matchedByEmail, err := p.resolve(ctx, ordered)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				// Nothing to retry against: the message is unknown.
				stats.Missing += len(ordered)
				logger.Warn("no tracking record for event",
					"message_id", ordered[0].MessageID,
					"recipient", ordered[0].RecipientEmail,
					"source", string(ordered[0].Source))
			} else {
				// A transient store failure must not look like a
				// missing record: the caller decides whether the
				// window may be checkpointed past.
				stats.LookupFailures += len(ordered)
				logger.Error("tracking record lookup failed", "err", err.Error())
			}
			continue
		}
		if matchedByEmail {
			stats.MatchedByEmail++
		}

		updates = p.apply(rec, ordered, updates, &stats, consumeQueueID)
	}

	return updates, stats
}

// apply runs an ordered event group through the state machine under
// the record's stripe lock, so concurrent webhook deliveries and the
// poll loop never mutate one record at the same time.
func (p *Pipeline) apply(rec *domain.TrackingRecord, ordered []domain.StatusEvent,
	updates []domain.RecordUpdate, stats *Stats, consumeQueueID func(string)) []domain.RecordUpdate {

	lock := p.lockFor(rec.TrackingID)
	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have cached this record between our lookup
	// and taking the lock; converge on the cached copy so all writers
	// see one another's transitions.
	if rec.MessageID != "" {
		if cached, ok := p.cached("m:" + rec.MessageID); ok && cached.TrackingID == rec.TrackingID {
			rec = cached
		}
	} else if rec.ContactEmail != "" {
		if cached, ok := p.cached("e:" + rec.ContactEmail); ok && cached.TrackingID == rec.TrackingID {
			rec = cached
		}
	}

	for _, ev := range ordered {
		stats.Processed++
		res := p.machine.Apply(rec, ev)
		if len(res.Updates) == 0 {
			continue
		}
		// A record resolved by email can learn its message id here.
		if ev.MessageID != "" && rec.MessageID == "" {
			rec.MessageID = ev.MessageID
			res.Updates["message_id"] = ev.MessageID
		}
		updates = append(updates, domain.RecordUpdate{
			TrackingID: rec.TrackingID,
			Fields:     res.Updates,
		})
		if res.Applied {
			stats.Updated++
			if ev.QueueID != "" && consumeQueueID != nil {
				consumeQueueID(ev.QueueID)
			}
			if p.notify != nil {
				p.notify(*res.Change)
			}
		}
	}
	p.cache(rec)
	return updates
}

func (p *Pipeline) lockFor(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(id[:])
	return &p.applyLocks[h.Sum32()%applyStripes]
}

// groupByTarget buckets events by the record they address: message id
// when present, recipient email otherwise. Events with neither carry
// no usable identity and are skipped.
func groupByTarget(events []domain.StatusEvent, stats *Stats) [][]domain.StatusEvent {
	order := make([]string, 0, len(events))
	groups := make(map[string][]domain.StatusEvent)
	for _, ev := range events {
		key := ""
		switch {
		case ev.MessageID != "":
			key = "m:" + ev.MessageID
		case ev.RecipientEmail != "":
			key = "e:" + ev.RecipientEmail
		default:
			stats.Skipped++
			continue
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ev)
	}
	out := make([][]domain.StatusEvent, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out
}

// resolve finds the tracking record for an ordered event group. It
// tries the message id first, then falls back to the most recent
// record for the recipient email inside the match window.
func (p *Pipeline) resolve(ctx context.Context, group []domain.StatusEvent) (*domain.TrackingRecord, bool, error) {
	var messageID, email string
	var at time.Time
	for _, ev := range group {
		if messageID == "" && ev.MessageID != "" {
			messageID = ev.MessageID
		}
		if email == "" && ev.RecipientEmail != "" {
			email = ev.RecipientEmail
		}
		if at.IsZero() || ev.Timestamp.Before(at) {
			at = ev.Timestamp
		}
	}
	if at.IsZero() {
		at = time.Now()
	}

	if messageID != "" {
		if rec, ok := p.cached("m:" + messageID); ok {
			return rec, false, nil
		}
		rec, err := p.store.GetByMessageID(ctx, messageID)
		if err == nil {
			return rec, false, nil
		}
		if !errors.Is(err, store.ErrRecordNotFound) {
			return nil, false, err
		}
		// fall through to the email match
	}
	if email == "" {
		return nil, false, store.ErrRecordNotFound
	}
	if rec, ok := p.cached("e:" + email); ok {
		return rec, messageID != "", nil
	}
	rec, err := p.store.GetByEmailSince(ctx, email, at.Add(-p.emailWindow))
	if err != nil {
		return nil, false, err
	}
	// Only a genuine fallback counts as matched-by-email: the event
	// named a message id and the record was found by address instead.
	return rec, messageID != "", nil
}

func (p *Pipeline) cached(key string) (*domain.TrackingRecord, bool) {
	v, ok := p.records.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*domain.TrackingRecord), true
}

func (p *Pipeline) cache(rec *domain.TrackingRecord) {
	if rec.MessageID != "" {
		p.records.Set("m:"+rec.MessageID, rec)
	}
	if rec.ContactEmail != "" {
		p.records.Set("e:"+rec.ContactEmail, rec)
	}
}
