package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-sync/internal/domain"
)

func setupMockDB(t *testing.T) (*TrackingStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTrackingStore(db), mock
}

var trackingColumns = []string{
	"tracking_id", "message_id", "campaign_id", "contact_id", "contact_email",
	"status", "sent_at", "delivered_at", "opened_at", "clicked_at", "bounced_at",
	"deferred_at", "dropped_at", "rejected_at", "failed_at", "complaint_at",
	"unsubscribe_at", "resubscribe_at", "bounce_reason", "bounce_type", "dsn",
	"deferral_count", "error", "opens", "clicks", "created_at", "updated_at",
}

func trackingRow(id uuid.UUID, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(trackingColumns).AddRow(
		id, "msg@example.com", uuid.New(), uuid.New(), "user@example.org",
		status, nil, nil, nil, nil, nil,
		nil, nil, nil, nil, nil,
		nil, nil, "", "", "",
		0, "", []byte(`[{"ts":"2026-08-01T10:00:00Z"}]`), []byte(`[]`), now, now,
	)
}

func TestGetByMessageID(t *testing.T) {
	store, mock := setupMockDB(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM delivery_tracking WHERE message_id = \$1`).
		WithArgs("msg@example.com").
		WillReturnRows(trackingRow(id, "delivered"))

	rec, err := store.GetByMessageID(context.Background(), "msg@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, rec.TrackingID)
	assert.Equal(t, domain.StatusDelivered, rec.Status)
	assert.Len(t, rec.Opens, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByMessageID_NotFound(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectQuery(`SELECT .+ FROM delivery_tracking WHERE message_id = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(trackingColumns))

	_, err := store.GetByMessageID(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestGetByEmailSince(t *testing.T) {
	store, mock := setupMockDB(t)
	id := uuid.New()
	since := time.Now().Add(-24 * time.Hour)

	mock.ExpectQuery(`SELECT .+ FROM delivery_tracking\s+WHERE LOWER\(contact_email\) = LOWER\(\$1\)`).
		WithArgs("user@example.org", since).
		WillReturnRows(trackingRow(id, "sent"))

	rec, err := store.GetByEmailSince(context.Background(), "user@example.org", since)
	require.NoError(t, err)
	assert.Equal(t, id, rec.TrackingID)
}

func TestBulkUpsert(t *testing.T) {
	store, mock := setupMockDB(t)
	id := uuid.New()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	// Sorted field keys: delivered_at, status. One record still goes
	// out as a single multi-row statement.
	mock.ExpectExec(`UPDATE delivery_tracking AS t SET delivered_at = v\.delivered_at, status = v\.status, updated_at = NOW\(\) FROM \(VALUES \(\$1::uuid, \$2::timestamptz, \$3::text\)\) AS v\(tracking_id, delivered_at, status\) WHERE t\.tracking_id = v\.tracking_id`).
		WithArgs(id, at, "delivered").
		WillReturnResult(sqlmock.NewResult(0, 1))

	failed, err := store.BulkUpsert(context.Background(), []domain.RecordUpdate{
		{TrackingID: id, Fields: map[string]any{"status": "delivered", "delivered_at": at}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_BatchesByShape(t *testing.T) {
	store, mock := setupMockDB(t)
	id1, id2, id3 := uuid.New(), uuid.New(), uuid.New()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	// Two records touching the same columns share one round trip; the
	// third shape gets its own statement.
	mock.ExpectExec(`FROM \(VALUES \(\$1::uuid, \$2::timestamptz, \$3::text\), \(\$4::uuid, \$5::timestamptz, \$6::text\)\) AS v\(tracking_id, delivered_at, status\)`).
		WithArgs(id1, at, "delivered", id2, at, "delivered").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`FROM \(VALUES \(\$1::uuid, \$2::text\)\) AS v\(tracking_id, status\)`).
		WithArgs(id3, "sent").
		WillReturnResult(sqlmock.NewResult(0, 1))

	failed, err := store.BulkUpsert(context.Background(), []domain.RecordUpdate{
		{TrackingID: id1, Fields: map[string]any{"status": "delivered", "delivered_at": at}},
		{TrackingID: id3, Fields: map[string]any{"status": "sent"}},
		{TrackingID: id2, Fields: map[string]any{"status": "delivered", "delivered_at": at}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_OpensAppend(t *testing.T) {
	store, mock := setupMockDB(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE delivery_tracking AS t SET opens = COALESCE\(t\.opens, '\[\]'::jsonb\) \|\| v\.opens_append, updated_at = NOW\(\) FROM \(VALUES \(\$1::uuid, \$2::jsonb\)\) AS v\(tracking_id, opens_append\)`).
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	failed, err := store.BulkUpsert(context.Background(), []domain.RecordUpdate{
		{TrackingID: id, Fields: map[string]any{
			"opens_append": domain.OpenEvent{Timestamp: time.Now(), IP: "203.0.113.9"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
}

func TestBulkUpsert_PartialFailure(t *testing.T) {
	store, mock := setupMockDB(t)
	okID, badID := uuid.New(), uuid.New()

	// The batch statement fails, so each row is retried on its own and
	// only the genuinely bad one counts.
	mock.ExpectExec(`FROM \(VALUES \(\$1::uuid, \$2::text\), \(\$3::uuid, \$4::text\)\)`).
		WithArgs(okID, "sent", badID, "sent").
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectExec(`UPDATE delivery_tracking SET status = \$2, updated_at = NOW\(\) WHERE tracking_id = \$1`).
		WithArgs(okID, "sent").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE delivery_tracking SET status = \$2, updated_at = NOW\(\) WHERE tracking_id = \$1`).
		WithArgs(badID, "sent").
		WillReturnError(errors.New("deadlock detected"))

	failed, err := store.BulkUpsert(context.Background(), []domain.RecordUpdate{
		{TrackingID: okID, Fields: map[string]any{"status": "sent"}},
		{TrackingID: badID, Fields: map[string]any{"status": "sent"}},
	})
	// One failure out of two: reported, but not an error.
	assert.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_TotalFailure(t *testing.T) {
	store, mock := setupMockDB(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE delivery_tracking AS t SET`).
		WithArgs(id, "sent").
		WillReturnError(errors.New("connection refused"))
	mock.ExpectExec(`UPDATE delivery_tracking SET`).
		WithArgs(id, "sent").
		WillReturnError(errors.New("connection refused"))

	failed, err := store.BulkUpsert(context.Background(), []domain.RecordUpdate{
		{TrackingID: id, Fields: map[string]any{"status": "sent"}},
	})
	assert.Error(t, err, "all-records failure must surface so the checkpoint stays put")
	assert.Equal(t, 1, failed)
}

func TestBulkUpsert_UnknownFieldsDropped(t *testing.T) {
	store, _ := setupMockDB(t)
	id := uuid.New()

	// Only an unwritable column: nothing to execute, nothing failed.
	failed, err := store.BulkUpsert(context.Background(), []domain.RecordUpdate{
		{TrackingID: id, Fields: map[string]any{"tracking_id": uuid.New()}},
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, failed)
}

func TestBuildUpdate_Deterministic(t *testing.T) {
	u := domain.RecordUpdate{
		TrackingID: uuid.New(),
		Fields: map[string]any{
			"status": "bounced", "bounce_type": "hard", "bounce_reason": "user unknown",
		},
	}
	q1, _, err := buildUpdate(u)
	require.NoError(t, err)
	q2, _, err := buildUpdate(u)
	require.NoError(t, err)
	assert.Equal(t, q1, q2)
	assert.Contains(t, q1, "bounce_reason = $2")
	assert.Contains(t, q1, "bounce_type = $3")
	assert.Contains(t, q1, "status = $4")
}
