// Package status encodes the delivery-status lifecycle: which
// transitions a tracking record may take, how conflicting reports from
// differently-trusted sources are ordered, and how bounce diagnostics
// are classified.
package status

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignite/delivery-sync/internal/domain"
)

// precedence orders lifecycle states. A report of a higher-precedence
// state always wins over the current state unless the record is
// already terminal. Deferred sits between sent and delivered.
var precedence = map[domain.Status]float64{
	domain.StatusQueued:       1,
	domain.StatusSent:         2,
	domain.StatusDeferred:     2.5,
	domain.StatusDelivered:    3,
	domain.StatusOpened:       4,
	domain.StatusClicked:      5,
	domain.StatusUnsubscribe:  6,
	domain.StatusResubscribe:  7,
	domain.StatusBounced:      10,
	domain.StatusDropped:      10,
	domain.StatusRejected:     10,
	domain.StatusFailed:       10,
	domain.StatusComplaint:    10,
	domain.StatusRenderFailed: 10,
	domain.StatusDelayed:      10,
}

var terminal = map[domain.Status]bool{
	domain.StatusBounced:      true,
	domain.StatusDropped:      true,
	domain.StatusRejected:     true,
	domain.StatusFailed:       true,
	domain.StatusComplaint:    true,
	domain.StatusRenderFailed: true,
	domain.StatusDelayed:      true,
}

// transitions is the explicit adjacency table. Edges the table does
// not anticipate can still be taken through the precedence override,
// as long as the current state is not terminal.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusQueued: {
		domain.StatusSent, domain.StatusDeferred, domain.StatusDelivered,
		domain.StatusBounced, domain.StatusDropped, domain.StatusRejected,
		domain.StatusFailed, domain.StatusRenderFailed,
	},
	domain.StatusSent: {
		domain.StatusDelivered, domain.StatusBounced, domain.StatusDeferred,
		domain.StatusRejected, domain.StatusFailed, domain.StatusDelayed,
	},
	domain.StatusDeferred: {
		domain.StatusDeferred, domain.StatusDelivered, domain.StatusBounced,
		domain.StatusRejected, domain.StatusFailed, domain.StatusDelayed,
	},
	domain.StatusDelivered: {
		domain.StatusOpened, domain.StatusClicked,
		domain.StatusUnsubscribe, domain.StatusComplaint,
	},
	domain.StatusOpened: {
		domain.StatusClicked, domain.StatusUnsubscribe, domain.StatusComplaint,
	},
	domain.StatusClicked: {
		domain.StatusUnsubscribe, domain.StatusComplaint,
	},
	domain.StatusUnsubscribe: {
		domain.StatusResubscribe,
	},
	domain.StatusResubscribe: {
		domain.StatusOpened, domain.StatusClicked, domain.StatusUnsubscribe,
	},
	// terminal states have no outgoing edges
}

// stampColumn maps a status to its single-shot timestamp column in the
// tracking store. rendering_failure and delivery_delay carry no
// dedicated timestamp.
var stampColumn = map[domain.Status]string{
	domain.StatusSent:        "sent_at",
	domain.StatusDeferred:    "deferred_at",
	domain.StatusDelivered:   "delivered_at",
	domain.StatusOpened:      "opened_at",
	domain.StatusClicked:     "clicked_at",
	domain.StatusUnsubscribe: "unsubscribe_at",
	domain.StatusResubscribe: "resubscribe_at",
	domain.StatusBounced:     "bounced_at",
	domain.StatusDropped:     "dropped_at",
	domain.StatusRejected:    "rejected_at",
	domain.StatusFailed:      "failed_at",
	domain.StatusComplaint:   "complaint_at",
}

// Precedence returns the lifecycle precedence of a status. Unknown
// statuses rank below everything.
func Precedence(s domain.Status) float64 { return precedence[s] }

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(s domain.Status) bool { return terminal[s] }

// Known reports whether s is part of the lifecycle vocabulary.
func Known(s domain.Status) bool {
	_, ok := precedence[s]
	return ok
}

// Change describes one accepted status transition, published to
// subscribers (metrics recomputation, primarily).
type Change struct {
	TrackingID uuid.UUID
	CampaignID uuid.UUID
	From       domain.Status
	To         domain.Status
	At         time.Time
}

// Result is the outcome of offering one event to the state machine.
// Updates may be non-empty even when the transition was rejected:
// raw opens and clicks are appended to the record's engagement lists
// regardless of whether the single status field moved.
type Result struct {
	Applied bool
	Change  *Change
	Updates map[string]any
}

// Machine validates and applies status transitions to tracking
// records. It is stateless and safe for concurrent use.
type Machine struct {
	classifier *BounceClassifier
}

// NewMachine returns a state machine using the default bounce
// classification rules.
func NewMachine() *Machine {
	return &Machine{classifier: NewBounceClassifier()}
}

// Apply offers one event to the record. It mutates the record in
// place when the transition is accepted and returns the staged field
// updates for the bulk persister. A rejected transition is a defined
// no-op, not an error: that is what makes reprocessing the same events
// idempotent and out-of-order-safe.
func (m *Machine) Apply(rec *domain.TrackingRecord, ev domain.StatusEvent) Result {
	updates := make(map[string]any)

	// Engagement lists are independent of the status field: every raw
	// open/click is recorded even when the status transition is a no-op.
	switch ev.ReportedStatus {
	case domain.StatusOpened:
		open := domain.OpenEvent{Timestamp: ev.Timestamp, IP: ev.SourceIP}
		rec.Opens = append(rec.Opens, open)
		updates["opens_append"] = open
	case domain.StatusClicked:
		click := domain.ClickEvent{Timestamp: ev.Timestamp, IP: ev.SourceIP, URL: ev.TargetURL}
		rec.Clicks = append(rec.Clicks, click)
		updates["clicks_append"] = click
	}

	next := ev.ReportedStatus
	if !Known(next) || !m.allows(rec.Status, next) {
		return Result{Applied: false, Updates: updates}
	}

	from := rec.Status
	rec.Status = next
	updates["status"] = string(next)

	if col, ok := stampColumn[next]; ok {
		if stamp := m.stampPointer(rec, next); stamp != nil && *stamp == nil {
			ts := ev.Timestamp
			*stamp = &ts
			updates[col] = ts
		}
	}

	switch next {
	case domain.StatusDeferred:
		rec.DeferralCount++
		updates["deferral_count"] = rec.DeferralCount
	case domain.StatusBounced, domain.StatusDropped, domain.StatusRejected:
		m.applyBounceDiagnostics(rec, ev, updates)
	case domain.StatusFailed:
		if ev.Reason != "" && rec.Error == "" {
			rec.Error = ev.Reason
			updates["error"] = ev.Reason
		}
	}
	if ev.DSN != "" && rec.DSN == "" {
		rec.DSN = ev.DSN
		updates["dsn"] = ev.DSN
	}

	return Result{
		Applied: true,
		Change: &Change{
			TrackingID: rec.TrackingID,
			CampaignID: rec.CampaignID,
			From:       from,
			To:         next,
			At:         ev.Timestamp,
		},
		Updates: updates,
	}
}

// allows reports whether the record may move from cur to next, either
// through the adjacency table or the precedence override.
func (m *Machine) allows(cur, next domain.Status) bool {
	for _, s := range transitions[cur] {
		if s == next {
			return true
		}
	}
	// Override rule: a later-arriving report of a strictly more
	// advanced state wins, unless the record is already terminal.
	return !IsTerminal(cur) && Precedence(next) > Precedence(cur)
}

func (m *Machine) applyBounceDiagnostics(rec *domain.TrackingRecord, ev domain.StatusEvent, updates map[string]any) {
	if ev.Reason != "" && rec.BounceReason == "" {
		rec.BounceReason = ev.Reason
		updates["bounce_reason"] = ev.Reason
	}
	if rec.BounceType == "" {
		rec.BounceType = m.classifier.Classify(ev.DSN, ev.Reason)
		updates["bounce_type"] = string(rec.BounceType)
	}
}

func (m *Machine) stampPointer(rec *domain.TrackingRecord, s domain.Status) **time.Time {
	switch s {
	case domain.StatusSent:
		return &rec.SentAt
	case domain.StatusDeferred:
		return &rec.DeferredAt
	case domain.StatusDelivered:
		return &rec.DeliveredAt
	case domain.StatusOpened:
		return &rec.OpenedAt
	case domain.StatusClicked:
		return &rec.ClickedAt
	case domain.StatusUnsubscribe:
		return &rec.UnsubscribeAt
	case domain.StatusResubscribe:
		return &rec.ResubscribeAt
	case domain.StatusBounced:
		return &rec.BouncedAt
	case domain.StatusDropped:
		return &rec.DroppedAt
	case domain.StatusRejected:
		return &rec.RejectedAt
	case domain.StatusFailed:
		return &rec.FailedAt
	case domain.StatusComplaint:
		return &rec.ComplaintAt
	}
	return nil
}
