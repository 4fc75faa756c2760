package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema holds the DDL for the tables this engine owns. Records are
// created by the send pipeline; this engine only mutates them, but
// owning the DDL keeps fresh environments bootstrappable.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS delivery_tracking (
		tracking_id     UUID PRIMARY KEY,
		message_id      TEXT,
		campaign_id     UUID NOT NULL,
		contact_id      UUID NOT NULL,
		contact_email   TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'queued',
		sent_at         TIMESTAMPTZ,
		delivered_at    TIMESTAMPTZ,
		opened_at       TIMESTAMPTZ,
		clicked_at      TIMESTAMPTZ,
		bounced_at      TIMESTAMPTZ,
		deferred_at     TIMESTAMPTZ,
		dropped_at      TIMESTAMPTZ,
		rejected_at     TIMESTAMPTZ,
		failed_at       TIMESTAMPTZ,
		complaint_at    TIMESTAMPTZ,
		unsubscribe_at  TIMESTAMPTZ,
		resubscribe_at  TIMESTAMPTZ,
		bounce_reason   TEXT,
		bounce_type     TEXT,
		dsn             TEXT,
		deferral_count  INT NOT NULL DEFAULT 0,
		"error"         TEXT,
		opens           JSONB,
		clicks          JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_tracking_message_id
		ON delivery_tracking (message_id) WHERE message_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_tracking_email_created
		ON delivery_tracking (LOWER(contact_email), created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_tracking_campaign
		ON delivery_tracking (campaign_id)`,
	`CREATE TABLE IF NOT EXISTS campaign_metrics (
		campaign_id        UUID PRIMARY KEY,
		total              BIGINT NOT NULL DEFAULT 0,
		sent               BIGINT NOT NULL DEFAULT 0,
		delivered          BIGINT NOT NULL DEFAULT 0,
		bounced            BIGINT NOT NULL DEFAULT 0,
		deferred           BIGINT NOT NULL DEFAULT 0,
		dropped            BIGINT NOT NULL DEFAULT 0,
		rejected           BIGINT NOT NULL DEFAULT 0,
		failed             BIGINT NOT NULL DEFAULT 0,
		complaints         BIGINT NOT NULL DEFAULT 0,
		unsubscribes       BIGINT NOT NULL DEFAULT 0,
		unique_opens       BIGINT NOT NULL DEFAULT 0,
		unique_clicks      BIGINT NOT NULL DEFAULT 0,
		delivery_rate      DOUBLE PRECISION NOT NULL DEFAULT 0,
		open_rate          DOUBLE PRECISION NOT NULL DEFAULT 0,
		click_through_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		computed_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the engine's tables and indexes if missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
