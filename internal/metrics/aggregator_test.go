package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-sync/internal/status"
)

var countColumns = []string{
	"total", "sent", "delivered", "bounced", "deferred", "dropped",
	"rejected", "failed", "complaints", "unsubscribes", "unique_opens", "unique_clicks",
}

func setupAggregator(t *testing.T) (*Aggregator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewAggregator(db), mock
}

func TestRecompute(t *testing.T) {
	agg, mock := setupAggregator(t)
	campaignID := uuid.New()

	mock.ExpectQuery(`SELECT COUNT\(\*\),`).
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows(countColumns).
			AddRow(1000, 990, 900, 60, 12, 10, 15, 5, 2, 8, 450, 90))
	mock.ExpectExec(`INSERT INTO campaign_metrics`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	snap, err := agg.Recompute(context.Background(), campaignID)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), snap.Total)
	assert.InDelta(t, 0.9, snap.DeliveryRate, 1e-9)
	assert.InDelta(t, 0.5, snap.OpenRate, 1e-9, "opens over delivered")
	assert.InDelta(t, 0.2, snap.ClickThroughRate, 1e-9, "clicks over opens")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecompute_EmptyCampaign(t *testing.T) {
	agg, mock := setupAggregator(t)
	campaignID := uuid.New()

	mock.ExpectQuery(`SELECT COUNT\(\*\),`).
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows(countColumns).
			AddRow(0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0))
	mock.ExpectExec(`INSERT INTO campaign_metrics`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	snap, err := agg.Recompute(context.Background(), campaignID)
	require.NoError(t, err)

	// Zero denominators never produce NaN.
	assert.Zero(t, snap.DeliveryRate)
	assert.Zero(t, snap.OpenRate)
	assert.Zero(t, snap.ClickThroughRate)
}

func TestRecompute_NoOpensNoNaN(t *testing.T) {
	agg, mock := setupAggregator(t)
	campaignID := uuid.New()

	mock.ExpectQuery(`SELECT COUNT\(\*\),`).
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows(countColumns).
			AddRow(100, 100, 95, 5, 0, 0, 0, 0, 0, 0, 0, 0))
	mock.ExpectExec(`INSERT INTO campaign_metrics`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	snap, err := agg.Recompute(context.Background(), campaignID)
	require.NoError(t, err)
	assert.InDelta(t, 0.95, snap.DeliveryRate, 1e-9)
	assert.Zero(t, snap.ClickThroughRate)
}

func TestDebouncer_MarkAndFlush(t *testing.T) {
	agg, mock := setupAggregator(t)
	d := NewDebouncer(agg)
	campaignID := uuid.New()

	// Three changes for one campaign collapse into one recompute.
	for i := 0; i < 3; i++ {
		d.Mark(status.Change{CampaignID: campaignID, At: time.Now()})
	}
	assert.Equal(t, 1, d.Pending())

	mock.ExpectQuery(`SELECT COUNT\(\*\),`).
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows(countColumns).
			AddRow(10, 10, 9, 1, 0, 0, 0, 0, 0, 0, 3, 1))
	mock.ExpectExec(`INSERT INTO campaign_metrics`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	flushed := d.Flush(context.Background())
	assert.Equal(t, 1, flushed)
	assert.Equal(t, 0, d.Pending())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebouncer_FlushEmpty(t *testing.T) {
	agg, _ := setupAggregator(t)
	d := NewDebouncer(agg)
	assert.Equal(t, 0, d.Flush(context.Background()))
}
