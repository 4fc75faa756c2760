// Package metrics recomputes campaign-level delivery counters and
// rates from tracking records. Recomputation is a pure function of
// current record state: safe to re-run at any time, never a source of
// truth. Call sites debounce per campaign instead of recomputing per
// event.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/delivery-sync/internal/domain"
	"github.com/ignite/delivery-sync/internal/pkg/logger"
	"github.com/ignite/delivery-sync/internal/status"
)

// Aggregator derives campaign metric snapshots from tracking records.
type Aggregator struct {
	db *sql.DB
}

// NewAggregator creates an aggregator over the tracking database.
func NewAggregator(db *sql.DB) *Aggregator {
	return &Aggregator{db: db}
}

// Recompute scans the campaign's tracking records, derives counts and
// rates, and upserts the snapshot. Every rate divides by a count that
// may be zero and is guarded to 0, never NaN.
func (a *Aggregator) Recompute(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignMetricsSnapshot, error) {
	snap := &domain.CampaignMetricsSnapshot{
		CampaignID: campaignID,
		ComputedAt: time.Now(),
	}

	err := a.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE sent_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE delivered_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE bounced_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE deferred_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE status = 'dropped'),
		       COUNT(*) FILTER (WHERE rejected_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE failed_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE complaint_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE unsubscribe_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE opened_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE clicked_at IS NOT NULL)
		FROM delivery_tracking
		WHERE campaign_id = $1
	`, campaignID).Scan(
		&snap.Total, &snap.Sent, &snap.Delivered, &snap.Bounced,
		&snap.Deferred, &snap.Dropped, &snap.Rejected, &snap.Failed,
		&snap.Complaints, &snap.Unsubscribes, &snap.UniqueOpens, &snap.UniqueClicks,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate campaign %s: %w", campaignID, err)
	}

	snap.DeliveryRate = ratio(snap.Delivered, snap.Total)
	snap.OpenRate = ratio(snap.UniqueOpens, snap.Delivered)
	snap.ClickThroughRate = ratio(snap.UniqueClicks, snap.UniqueOpens)

	if err := a.save(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (a *Aggregator) save(ctx context.Context, s *domain.CampaignMetricsSnapshot) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO campaign_metrics
			(campaign_id, total, sent, delivered, bounced, deferred, dropped, rejected,
			 failed, complaints, unsubscribes, unique_opens, unique_clicks,
			 delivery_rate, open_rate, click_through_rate, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (campaign_id) DO UPDATE SET
			total = EXCLUDED.total, sent = EXCLUDED.sent, delivered = EXCLUDED.delivered,
			bounced = EXCLUDED.bounced, deferred = EXCLUDED.deferred,
			dropped = EXCLUDED.dropped, rejected = EXCLUDED.rejected,
			failed = EXCLUDED.failed, complaints = EXCLUDED.complaints,
			unsubscribes = EXCLUDED.unsubscribes, unique_opens = EXCLUDED.unique_opens,
			unique_clicks = EXCLUDED.unique_clicks, delivery_rate = EXCLUDED.delivery_rate,
			open_rate = EXCLUDED.open_rate, click_through_rate = EXCLUDED.click_through_rate,
			computed_at = EXCLUDED.computed_at
	`, s.CampaignID, s.Total, s.Sent, s.Delivered, s.Bounced, s.Deferred, s.Dropped,
		s.Rejected, s.Failed, s.Complaints, s.Unsubscribes, s.UniqueOpens, s.UniqueClicks,
		s.DeliveryRate, s.OpenRate, s.ClickThroughRate, s.ComputedAt)
	if err != nil {
		return fmt.Errorf("save campaign metrics %s: %w", s.CampaignID, err)
	}
	return nil
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Debouncer batches recomputation per affected campaign. Status
// changes mark a campaign dirty; Flush recomputes each dirty campaign
// once at the end of a cycle or webhook request.
type Debouncer struct {
	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
	agg     *Aggregator
}

// NewDebouncer creates a debouncer over the aggregator.
func NewDebouncer(agg *Aggregator) *Debouncer {
	return &Debouncer{pending: make(map[uuid.UUID]struct{}), agg: agg}
}

// Mark is the status-change subscriber: it records the affected
// campaign for the next flush.
func (d *Debouncer) Mark(ch status.Change) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[ch.CampaignID] = struct{}{}
}

// Flush recomputes every dirty campaign and clears the set. A failed
// recomputation is logged and dropped; the campaign is marked again
// on its next status change.
func (d *Debouncer) Flush(ctx context.Context) int {
	d.mu.Lock()
	dirty := d.pending
	d.pending = make(map[uuid.UUID]struct{})
	d.mu.Unlock()

	for campaignID := range dirty {
		if _, err := d.agg.Recompute(ctx, campaignID); err != nil {
			logger.Error("campaign metrics recompute failed",
				"campaign_id", campaignID.String(), "err", err.Error())
		}
	}
	return len(dirty)
}

// Pending returns the number of campaigns awaiting recomputation.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
