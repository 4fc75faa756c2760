// Package store persists tracking records in PostgreSQL and the sync
// checkpoint in Redis. The tracking table is treated as a keyed
// record store: lookups by message id or contact email, and unordered
// bulk updates that tolerate individual-record failures.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ignite/delivery-sync/internal/domain"
	"github.com/ignite/delivery-sync/internal/pkg/logger"
)

// ErrRecordNotFound is returned when no tracking record matches a
// lookup. Events referencing unknown messages are dropped, so callers
// branch on this.
var ErrRecordNotFound = errors.New("tracking record not found")

// TrackingStore reads and writes delivery tracking records.
type TrackingStore struct {
	db *sql.DB
}

// NewTrackingStore creates a tracking store over the given database.
func NewTrackingStore(db *sql.DB) *TrackingStore {
	return &TrackingStore{db: db}
}

const selectColumns = `tracking_id, COALESCE(message_id, ''), campaign_id, contact_id, contact_email,
	status, sent_at, delivered_at, opened_at, clicked_at, bounced_at, deferred_at,
	dropped_at, rejected_at, failed_at, complaint_at, unsubscribe_at, resubscribe_at,
	COALESCE(bounce_reason, ''), COALESCE(bounce_type, ''), COALESCE(dsn, ''),
	deferral_count, COALESCE("error", ''), COALESCE(opens, '[]'::jsonb),
	COALESCE(clicks, '[]'::jsonb), created_at, updated_at`

// GetByMessageID returns the record for a transport message id.
func (s *TrackingStore) GetByMessageID(ctx context.Context, messageID string) (*domain.TrackingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM delivery_tracking WHERE message_id = $1 LIMIT 1`,
		messageID)
	return scanRecord(row)
}

// GetByEmailSince returns the most recent record for a contact email
// created at or after since. Used as a fallback match when a webhook
// event carries no known message id.
func (s *TrackingStore) GetByEmailSince(ctx context.Context, email string, since time.Time) (*domain.TrackingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM delivery_tracking
		 WHERE LOWER(contact_email) = LOWER($1) AND created_at >= $2
		 ORDER BY created_at DESC LIMIT 1`,
		email, since)
	return scanRecord(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.TrackingRecord, error) {
	var rec domain.TrackingRecord
	var bounceType string
	var opensJSON, clicksJSON []byte

	err := row.Scan(
		&rec.TrackingID, &rec.MessageID, &rec.CampaignID, &rec.ContactID, &rec.ContactEmail,
		&rec.Status, &rec.SentAt, &rec.DeliveredAt, &rec.OpenedAt, &rec.ClickedAt,
		&rec.BouncedAt, &rec.DeferredAt, &rec.DroppedAt, &rec.RejectedAt, &rec.FailedAt,
		&rec.ComplaintAt, &rec.UnsubscribeAt, &rec.ResubscribeAt,
		&rec.BounceReason, &bounceType, &rec.DSN,
		&rec.DeferralCount, &rec.Error, &opensJSON, &clicksJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tracking record: %w", err)
	}
	rec.BounceType = domain.BounceType(bounceType)
	if err := json.Unmarshal(opensJSON, &rec.Opens); err != nil {
		rec.Opens = nil
	}
	if err := json.Unmarshal(clicksJSON, &rec.Clicks); err != nil {
		rec.Clicks = nil
	}
	return &rec, nil
}

// updatableColumns is the whitelist of columns a staged update may
// set. Anything else in a Fields map is silently dropped.
var updatableColumns = map[string]bool{
	"message_id": true, "status": true,
	"sent_at": true, "delivered_at": true, "opened_at": true, "clicked_at": true,
	"bounced_at": true, "deferred_at": true, "dropped_at": true, "rejected_at": true,
	"failed_at": true, "complaint_at": true, "unsubscribe_at": true, "resubscribe_at": true,
	"bounce_reason": true, "bounce_type": true, "dsn": true,
	"deferral_count": true, "error": true,
}

// columnCasts gives each writable column the cast its VALUES row
// needs, since the driver sends every parameter as text.
var columnCasts = map[string]string{
	"message_id": "text", "status": "text",
	"sent_at": "timestamptz", "delivered_at": "timestamptz", "opened_at": "timestamptz",
	"clicked_at": "timestamptz", "bounced_at": "timestamptz", "deferred_at": "timestamptz",
	"dropped_at": "timestamptz", "rejected_at": "timestamptz", "failed_at": "timestamptz",
	"complaint_at": "timestamptz", "unsubscribe_at": "timestamptz", "resubscribe_at": "timestamptz",
	"bounce_reason": "text", "bounce_type": "text", "dsn": "text",
	"deferral_count": "int", "error": "text",
	"opens_append": "jsonb", "clicks_append": "jsonb",
}

// BulkUpsert applies a batch of staged record updates. Updates are
// grouped by the set of fields they touch and each group goes out as
// one multi-row UPDATE ... FROM (VALUES ...), so a flush costs one
// round trip per column shape rather than one per record. Execution
// is unordered: when a batch statement fails its rows are retried
// individually, so one record's failure does not block the rest.
// Failed records stay stale and are corrected on a later cycle when
// the source re-reports, which is safe because the state machine is
// idempotent. The returned error is non-nil only when the whole flush
// failed, which callers treat as "do not advance the checkpoint".
func (s *TrackingStore) BulkUpsert(ctx context.Context, updates []domain.RecordUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	failed := 0
	for _, batch := range groupByShape(updates) {
		query, args, dropped := buildBatchUpdate(batch)
		failed += dropped
		if query == "" {
			continue // nothing to write
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			logger.Warn("batch update failed, retrying rows individually",
				"rows", len(batch), "err", err.Error())
			failed += s.updateIndividually(ctx, batch)
		}
	}

	if failed == len(updates) {
		return failed, fmt.Errorf("bulk flush failed for all %d records", failed)
	}
	return failed, nil
}

// groupByShape buckets updates by the sorted set of field keys they
// carry, preserving first-seen order of shapes.
func groupByShape(updates []domain.RecordUpdate) [][]domain.RecordUpdate {
	order := make([]string, 0, len(updates))
	groups := make(map[string][]domain.RecordUpdate)
	for _, u := range updates {
		keys := sortedKeys(u.Fields)
		sig := strings.Join(keys, ",")
		if _, seen := groups[sig]; !seen {
			order = append(order, sig)
		}
		groups[sig] = append(groups[sig], u)
	}
	out := make([][]domain.RecordUpdate, 0, len(order))
	for _, sig := range order {
		out = append(out, groups[sig])
	}
	return out
}

func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// buildBatchUpdate renders one shape group into a single multi-row
// statement. Rows whose append payload cannot be marshaled are
// dropped and counted; unknown field keys are dropped silently.
func buildBatchUpdate(batch []domain.RecordUpdate) (string, []any, int) {
	keys := sortedKeys(batch[0].Fields)

	var sets []string
	var cols []string
	writable := make([]string, 0, len(keys))
	for _, k := range keys {
		switch {
		case k == "opens_append" || k == "clicks_append":
			col := "opens"
			if k == "clicks_append" {
				col = "clicks"
			}
			sets = append(sets, fmt.Sprintf("%s = COALESCE(t.%s, '[]'::jsonb) || v.%s", col, col, k))
			cols = append(cols, k)
			writable = append(writable, k)
		case updatableColumns[k]:
			col, alias := k, k
			if k == "error" {
				col, alias = `"error"`, `"error"`
			}
			sets = append(sets, fmt.Sprintf("%s = v.%s", col, alias))
			cols = append(cols, alias)
			writable = append(writable, k)
		default:
			// not a writable column; drop it
		}
	}
	if len(sets) == 0 {
		return "", nil, 0
	}
	sets = append(sets, "updated_at = NOW()")

	var rows []string
	var args []any
	dropped := 0
	n := 1
	for _, u := range batch {
		rowArgs := []any{u.TrackingID}
		ph := []string{fmt.Sprintf("$%d::uuid", n)}
		n++
		ok := true
		for _, k := range writable {
			v := u.Fields[k]
			if k == "opens_append" || k == "clicks_append" {
				data, err := json.Marshal([]any{v})
				if err != nil {
					logger.Warn("skipping unbuildable record update",
						"tracking_id", u.TrackingID.String(), "err", err.Error())
					ok = false
					break
				}
				v = string(data)
			}
			ph = append(ph, fmt.Sprintf("$%d::%s", n, columnCasts[k]))
			rowArgs = append(rowArgs, v)
			n++
		}
		if !ok {
			dropped++
			n -= len(ph)
			continue
		}
		rows = append(rows, "("+strings.Join(ph, ", ")+")")
		args = append(args, rowArgs...)
	}
	if len(rows) == 0 {
		return "", nil, dropped
	}

	query := "UPDATE delivery_tracking AS t SET " + strings.Join(sets, ", ") +
		" FROM (VALUES " + strings.Join(rows, ", ") + ") AS v(tracking_id, " + strings.Join(cols, ", ") + ")" +
		" WHERE t.tracking_id = v.tracking_id"
	return query, args, dropped
}

// updateIndividually retries a failed batch row by row and returns
// how many rows still failed.
func (s *TrackingStore) updateIndividually(ctx context.Context, batch []domain.RecordUpdate) int {
	failed := 0
	for _, u := range batch {
		query, args, err := buildUpdate(u)
		if err != nil || query == "" {
			if err != nil {
				failed++
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			logger.Warn("tracking record update failed",
				"tracking_id", u.TrackingID.String(), "err", err.Error())
			failed++
		}
	}
	return failed
}

// buildUpdate renders one staged update into an UPDATE statement.
// Field keys are sorted so the generated SQL is deterministic. The
// opens_append/clicks_append pseudo-columns become JSONB appends.
func buildUpdate(u domain.RecordUpdate) (string, []any, error) {
	keys := sortedKeys(u.Fields)

	var sets []string
	args := []any{u.TrackingID}
	n := 2
	for _, k := range keys {
		v := u.Fields[k]
		switch {
		case k == "opens_append" || k == "clicks_append":
			col := "opens"
			if k == "clicks_append" {
				col = "clicks"
			}
			data, err := json.Marshal([]any{v})
			if err != nil {
				return "", nil, fmt.Errorf("marshal %s: %w", k, err)
			}
			sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, '[]'::jsonb) || $%d::jsonb", col, col, n))
			args = append(args, string(data))
			n++
		case updatableColumns[k]:
			col := k
			if col == "error" {
				col = `"error"`
			}
			sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
			args = append(args, v)
			n++
		default:
			// not a writable column; drop it
		}
	}
	if len(sets) == 0 {
		return "", nil, nil
	}
	sets = append(sets, "updated_at = NOW()")
	query := "UPDATE delivery_tracking SET " + strings.Join(sets, ", ") + " WHERE tracking_id = $1"
	return query, args, nil
}
