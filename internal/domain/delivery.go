// Package domain holds the core types of the delivery-status
// reconciliation engine: tracking records, status events, and the
// vocabularies shared by every processing stage.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the delivery-lifecycle state of one outbound message.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusSent         Status = "sent"
	StatusDeferred     Status = "deferred"
	StatusDelivered    Status = "delivered"
	StatusOpened       Status = "opened"
	StatusClicked      Status = "clicked"
	StatusUnsubscribe  Status = "unsubscribe"
	StatusResubscribe  Status = "resubscribe"
	StatusBounced      Status = "bounced"
	StatusDropped      Status = "dropped"
	StatusRejected     Status = "rejected"
	StatusFailed       Status = "failed"
	StatusComplaint    Status = "complaint"
	StatusRenderFailed Status = "rendering_failure"
	StatusDelayed      Status = "delivery_delay"
)

// BounceType classifies a bounce as permanent or temporary.
type BounceType string

const (
	BounceHard    BounceType = "hard"
	BounceSoft    BounceType = "soft"
	BounceUnknown BounceType = "unknown"
)

// Source identifies where a delivery signal came from. Sources have
// different trust levels; see the status package for the ranking.
type Source string

const (
	SourceSMTPLog         Source = "smtp-log"
	SourceRelayWebhook    Source = "webhook-relay"
	SourceProviderWebhook Source = "webhook-provider"
	SourceBounceMailbox   Source = "bounce-mailbox"
	SourceManualAPI       Source = "manual-api"
)

// OpenEvent is one raw open signal. Raw opens are append-only; the
// record keeps every one even though OpenedAt is set exactly once.
type OpenEvent struct {
	Timestamp time.Time `json:"ts"`
	IP        string    `json:"ip,omitempty"`
}

// ClickEvent is one raw click signal.
type ClickEvent struct {
	Timestamp time.Time `json:"ts"`
	IP        string    `json:"ip,omitempty"`
	URL       string    `json:"url,omitempty"`
}

// TrackingRecord is the persistent state of one attempted outbound
// message. It is created by the send pipeline when a message is queued
// and mutated exclusively through the status state machine.
type TrackingRecord struct {
	TrackingID   uuid.UUID `json:"tracking_id"`
	MessageID    string    `json:"message_id,omitempty"` // transport Message-ID, empty until learned
	CampaignID   uuid.UUID `json:"campaign_id"`
	ContactID    uuid.UUID `json:"contact_id"`
	ContactEmail string    `json:"contact_email"`

	Status Status `json:"status"`

	// Single-shot timestamps: written once when the corresponding
	// state is first applied, never overwritten.
	SentAt        *time.Time `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	ClickedAt     *time.Time `json:"clicked_at,omitempty"`
	BouncedAt     *time.Time `json:"bounced_at,omitempty"`
	DeferredAt    *time.Time `json:"deferred_at,omitempty"`
	DroppedAt     *time.Time `json:"dropped_at,omitempty"`
	RejectedAt    *time.Time `json:"rejected_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	ComplaintAt   *time.Time `json:"complaint_at,omitempty"`
	UnsubscribeAt *time.Time `json:"unsubscribe_at,omitempty"`
	ResubscribeAt *time.Time `json:"resubscribe_at,omitempty"`

	BounceReason  string     `json:"bounce_reason,omitempty"`
	BounceType    BounceType `json:"bounce_type,omitempty"`
	DSN           string     `json:"dsn,omitempty"`
	DeferralCount int        `json:"deferral_count"`
	Error         string     `json:"error,omitempty"`

	Opens  []OpenEvent  `json:"opens,omitempty"`
	Clicks []ClickEvent `json:"clicks,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusEvent is one delivery signal from any source, normalized to a
// common shape. Events are ephemeral: they are produced by the relay
// log parser, the webhook normalizer, or the bounce-mailbox scanner,
// arbitrated, applied to a tracking record, and discarded.
type StatusEvent struct {
	MessageID      string
	QueueID        string
	RecipientEmail string
	SenderEmail    string
	ReportedStatus Status
	Timestamp      time.Time
	Reason         string
	DSN            string
	SourceIP       string
	TargetURL      string // click events only
	Source         Source
}

// RecordUpdate is one staged write against the tracking store: the
// record's key plus the fields that changed. Field keys are store
// column names; the special keys "opens_append" and "clicks_append"
// carry engagement entries to append rather than values to set.
type RecordUpdate struct {
	TrackingID uuid.UUID
	Fields     map[string]any
}

// CampaignMetricsSnapshot holds derived campaign counters and rates.
// It is rebuildable at any time from the campaign's tracking records
// and is never itself a source of truth.
type CampaignMetricsSnapshot struct {
	CampaignID   uuid.UUID `json:"campaign_id"`
	Total        int64     `json:"total"`
	Sent         int64     `json:"sent"`
	Delivered    int64     `json:"delivered"`
	Bounced      int64     `json:"bounced"`
	Deferred     int64     `json:"deferred"`
	Dropped      int64     `json:"dropped"`
	Rejected     int64     `json:"rejected"`
	Failed       int64     `json:"failed"`
	Complaints   int64     `json:"complaints"`
	Unsubscribes int64     `json:"unsubscribes"`
	UniqueOpens  int64     `json:"unique_opens"`
	UniqueClicks int64     `json:"unique_clicks"`

	DeliveryRate     float64 `json:"delivery_rate"`
	OpenRate         float64 `json:"open_rate"`
	ClickThroughRate float64 `json:"click_through_rate"`

	ComputedAt time.Time `json:"computed_at"`
}
