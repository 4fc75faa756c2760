package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-sync/internal/domain"
	"github.com/ignite/delivery-sync/internal/status"
	"github.com/ignite/delivery-sync/internal/store"
)

// fakeStore is an in-memory RecordStore for pipeline tests.
type fakeStore struct {
	byMessageID map[string]*domain.TrackingRecord
	byEmail     map[string]*domain.TrackingRecord
	upserts     []domain.RecordUpdate
	lookups     int
	upsertErr   error
	lookupErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byMessageID: make(map[string]*domain.TrackingRecord),
		byEmail:     make(map[string]*domain.TrackingRecord),
	}
}

func (f *fakeStore) add(rec *domain.TrackingRecord) {
	if rec.MessageID != "" {
		f.byMessageID[rec.MessageID] = rec
	}
	f.byEmail[rec.ContactEmail] = rec
}

func (f *fakeStore) GetByMessageID(ctx context.Context, messageID string) (*domain.TrackingRecord, error) {
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if rec, ok := f.byMessageID[messageID]; ok {
		return rec, nil
	}
	return nil, store.ErrRecordNotFound
}

func (f *fakeStore) GetByEmailSince(ctx context.Context, email string, since time.Time) (*domain.TrackingRecord, error) {
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if rec, ok := f.byEmail[email]; ok && !rec.CreatedAt.Before(since) {
		return rec, nil
	}
	return nil, store.ErrRecordNotFound
}

func (f *fakeStore) BulkUpsert(ctx context.Context, updates []domain.RecordUpdate) (int, error) {
	if f.upsertErr != nil {
		return len(updates), f.upsertErr
	}
	f.upserts = append(f.upserts, updates...)
	return 0, nil
}

func newTestPipeline(fs *fakeStore) *Pipeline {
	return NewPipeline(fs, status.NewMachine(), status.NewResolver(nil), 100, time.Minute, 24*time.Hour)
}

func queuedRecord(messageID, email string) *domain.TrackingRecord {
	return &domain.TrackingRecord{
		TrackingID:   uuid.New(),
		MessageID:    messageID,
		CampaignID:   uuid.New(),
		ContactEmail: email,
		Status:       domain.StatusQueued,
		CreatedAt:    time.Now().Add(-time.Hour),
	}
}

var eventTime = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func TestProcess_AppliesAndStages(t *testing.T) {
	fs := newFakeStore()
	rec := queuedRecord("msg-1@relay", "user@example.org")
	fs.add(rec)
	p := newTestPipeline(fs)

	updates, stats := p.Process(context.Background(), []domain.StatusEvent{
		{MessageID: "msg-1@relay", ReportedStatus: domain.StatusSent, Timestamp: eventTime, Source: domain.SourceSMTPLog},
		{MessageID: "msg-1@relay", ReportedStatus: domain.StatusDelivered, Timestamp: eventTime.Add(time.Minute), Source: domain.SourceSMTPLog},
	}, nil)

	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 2, stats.Updated)
	assert.Equal(t, domain.StatusDelivered, rec.Status)
	require.Len(t, updates, 2)
	assert.Equal(t, rec.TrackingID, updates[0].TrackingID)
}

func TestProcess_RecordCacheSavesLookups(t *testing.T) {
	fs := newFakeStore()
	fs.add(queuedRecord("msg-1@relay", "user@example.org"))
	p := newTestPipeline(fs)
	ctx := context.Background()

	events := []domain.StatusEvent{
		{MessageID: "msg-1@relay", ReportedStatus: domain.StatusSent, Timestamp: eventTime, Source: domain.SourceSMTPLog},
	}
	p.Process(ctx, events, nil)
	first := fs.lookups

	events[0].ReportedStatus = domain.StatusDelivered
	p.Process(ctx, events, nil)
	assert.Equal(t, first, fs.lookups, "second batch should hit the record cache")
}

func TestProcess_EmailFallbackMatch(t *testing.T) {
	// The webhook reports a message id the store has not learned yet;
	// the record is found through the recipient address instead.
	fs := newFakeStore()
	rec := queuedRecord("", "user@example.org")
	fs.add(rec)
	p := newTestPipeline(fs)

	updates, stats := p.Process(context.Background(), []domain.StatusEvent{
		{MessageID: "esp-77", RecipientEmail: "user@example.org",
			ReportedStatus: domain.StatusDelivered, Timestamp: eventTime, Source: domain.SourceProviderWebhook},
	}, nil)

	assert.Equal(t, 1, stats.MatchedByEmail)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, "esp-77", rec.MessageID, "the record learns its message id")
	require.Len(t, updates, 1)
	assert.Equal(t, "esp-77", updates[0].Fields["message_id"])
}

func TestProcess_EmailOnlyEventIsNotFallback(t *testing.T) {
	// An event that never had a message id matches by email without
	// counting as a fallback.
	fs := newFakeStore()
	fs.add(queuedRecord("", "user@example.org"))
	p := newTestPipeline(fs)

	_, stats := p.Process(context.Background(), []domain.StatusEvent{
		{RecipientEmail: "user@example.org", ReportedStatus: domain.StatusSent,
			Timestamp: eventTime, Source: domain.SourceSMTPLog},
	}, nil)

	assert.Equal(t, 0, stats.MatchedByEmail)
	assert.Equal(t, 1, stats.Updated)
}

func TestProcess_UnknownMessageDropped(t *testing.T) {
	fs := newFakeStore()
	p := newTestPipeline(fs)

	updates, stats := p.Process(context.Background(), []domain.StatusEvent{
		{MessageID: "ghost", ReportedStatus: domain.StatusDelivered, Timestamp: eventTime, Source: domain.SourceSMTPLog},
	}, nil)

	assert.Empty(t, updates)
	assert.Equal(t, 1, stats.Missing)
	assert.Equal(t, 0, stats.Processed)
}

func TestProcess_NoIdentitySkipped(t *testing.T) {
	fs := newFakeStore()
	p := newTestPipeline(fs)

	_, stats := p.Process(context.Background(), []domain.StatusEvent{
		{ReportedStatus: domain.StatusDelivered, Timestamp: eventTime, Source: domain.SourceSMTPLog},
	}, nil)

	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Missing)
}

func TestProcess_TrustOrderingWithinBatch(t *testing.T) {
	// Within one batch the webhook's delivered is applied before the
	// bounce-mailbox's bounce. Both land (bounce wins by precedence),
	// but the delivered timestamp is preserved.
	fs := newFakeStore()
	rec := queuedRecord("msg-1@relay", "user@example.org")
	fs.add(rec)
	p := newTestPipeline(fs)

	_, stats := p.Process(context.Background(), []domain.StatusEvent{
		{MessageID: "msg-1@relay", ReportedStatus: domain.StatusBounced,
			Timestamp: eventTime.Add(time.Minute), Source: domain.SourceBounceMailbox},
		{MessageID: "msg-1@relay", ReportedStatus: domain.StatusDelivered,
			Timestamp: eventTime, Source: domain.SourceProviderWebhook},
	}, nil)

	assert.Equal(t, 2, stats.Updated)
	assert.Equal(t, domain.StatusBounced, rec.Status)
	require.NotNil(t, rec.DeliveredAt)
	assert.Equal(t, eventTime, *rec.DeliveredAt)
}

func TestProcess_ConsumesQueueIDOnApply(t *testing.T) {
	fs := newFakeStore()
	fs.add(queuedRecord("msg-1@relay", "user@example.org"))
	p := newTestPipeline(fs)

	var consumed []string
	p.Process(context.Background(), []domain.StatusEvent{
		{MessageID: "msg-1@relay", QueueID: "4F2A81C0B3",
			ReportedStatus: domain.StatusSent, Timestamp: eventTime, Source: domain.SourceSMTPLog},
	}, func(q string) { consumed = append(consumed, q) })

	assert.Equal(t, []string{"4F2A81C0B3"}, consumed)
}

func TestProcess_NotifiesOnAppliedOnly(t *testing.T) {
	fs := newFakeStore()
	rec := queuedRecord("msg-1@relay", "user@example.org")
	fs.add(rec)
	p := newTestPipeline(fs)

	var changes []status.Change
	p.SetNotify(func(ch status.Change) { changes = append(changes, ch) })

	p.Process(context.Background(), []domain.StatusEvent{
		{MessageID: "msg-1@relay", ReportedStatus: domain.StatusSent, Timestamp: eventTime, Source: domain.SourceSMTPLog},
		// Replay: rejected, no notification.
		{MessageID: "msg-1@relay", ReportedStatus: domain.StatusSent, Timestamp: eventTime, Source: domain.SourceSMTPLog},
	}, nil)

	require.Len(t, changes, 1)
	assert.Equal(t, domain.StatusSent, changes[0].To)
	assert.Equal(t, rec.CampaignID, changes[0].CampaignID)
}

func TestProcess_LookupFailureIsNotMissing(t *testing.T) {
	// A store outage must not be mistaken for an unknown message: the
	// caller keeps the checkpoint so the window is retried.
	fs := newFakeStore()
	fs.lookupErr = errors.New("connection refused")
	p := newTestPipeline(fs)

	updates, stats := p.Process(context.Background(), []domain.StatusEvent{
		{MessageID: "msg-1@relay", ReportedStatus: domain.StatusDelivered,
			Timestamp: eventTime, Source: domain.SourceSMTPLog},
	}, nil)

	assert.Empty(t, updates)
	assert.Equal(t, 1, stats.LookupFailures)
	assert.Equal(t, 0, stats.Missing)
	assert.Equal(t, 0, stats.Processed)
}

func TestProcess_ConcurrentEventsOneRecord(t *testing.T) {
	// Webhook deliveries run concurrently with the poll loop; all
	// transitions for one record must serialize on its lock so no
	// open is lost and no field is torn.
	fs := newFakeStore()
	rec := queuedRecord("msg-1@relay", "user@example.org")
	rec.Status = domain.StatusDelivered
	fs.add(rec)
	p := newTestPipeline(fs)

	// Warm the record cache so every goroutine resolves the same copy.
	p.Process(context.Background(), []domain.StatusEvent{
		{MessageID: "msg-1@relay", ReportedStatus: domain.StatusOpened,
			Timestamp: eventTime, Source: domain.SourceProviderWebhook},
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.Process(context.Background(), []domain.StatusEvent{
				{MessageID: "msg-1@relay", ReportedStatus: domain.StatusOpened,
					Timestamp: eventTime.Add(time.Duration(i+1) * time.Second),
					Source:    domain.SourceProviderWebhook},
			}, nil)
		}(i)
	}
	wg.Wait()

	assert.Len(t, rec.Opens, 9, "every open lands exactly once")
	require.NotNil(t, rec.OpenedAt)
	assert.Equal(t, eventTime, *rec.OpenedAt, "opened_at keeps the first open")
	assert.Equal(t, domain.StatusOpened, rec.Status)
}

func TestProcess_MultipleClicksStageSeparateAppends(t *testing.T) {
	fs := newFakeStore()
	rec := queuedRecord("msg-1@relay", "user@example.org")
	rec.Status = domain.StatusDelivered
	fs.add(rec)
	p := newTestPipeline(fs)

	updates, _ := p.Process(context.Background(), []domain.StatusEvent{
		{MessageID: "msg-1@relay", ReportedStatus: domain.StatusClicked,
			Timestamp: eventTime, TargetURL: "https://example.com/a", Source: domain.SourceProviderWebhook},
		{MessageID: "msg-1@relay", ReportedStatus: domain.StatusClicked,
			Timestamp: eventTime.Add(time.Second), TargetURL: "https://example.com/b", Source: domain.SourceProviderWebhook},
	}, nil)

	require.Len(t, updates, 2, "each raw click is its own staged append")
	assert.Len(t, rec.Clicks, 2)
}
