// Package webhook normalizes provider webhook payloads into the
// engine's canonical status events and verifies their signatures.
// Verification failure is an authentication error that the boundary
// turns into a rejected response; it is never silently dropped and
// never reaches the state machine.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/delivery-sync/internal/domain"
)

// Provider names accepted by the boundary.
const (
	ProviderRelay  = "relay"  // SMTP relay's own webhook, shared-secret header
	ProviderESP    = "esp"    // transactional email provider, HMAC-signed body
	ProviderManual = "manual" // manual status API, authenticated upstream
)

// ErrSignatureInvalid is returned when a webhook's signature check
// fails. The HTTP boundary maps it to 401.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// ErrUnknownProvider is returned for provider names the normalizer
// does not recognize.
var ErrUnknownProvider = errors.New("unknown webhook provider")

// relay and manual deliver one flattened object per request.
type flatEvent struct {
	MessageID string      `json:"message_id"`
	Status    string      `json:"status"`
	Event     string      `json:"event"`
	Recipient string      `json:"recipient"`
	Email     string      `json:"email"`
	Timestamp json.Number `json:"timestamp"`
	Reason    string      `json:"reason"`
	DSN       string      `json:"dsn"`
	IP        string      `json:"ip"`
	URL       string      `json:"url"`
}

// the ESP batches events into an array.
type espEvent struct {
	SGMessageID string      `json:"sg_message_id"`
	Event       string      `json:"event"`
	Email       string      `json:"email"`
	Timestamp   json.Number `json:"timestamp"`
	Reason      string      `json:"reason"`
	DSN         string      `json:"dsn"`
	IP          string      `json:"ip"`
	URL         string      `json:"url"`
}

// Per-provider event-type vocabularies, mapped to the canonical
// lifecycle states. Unmapped types are reported, not guessed.
var relayEventTypes = map[string]domain.Status{
	"sent":        domain.StatusSent,
	"delivered":   domain.StatusDelivered,
	"bounced":     domain.StatusBounced,
	"bounce":      domain.StatusBounced,
	"deferred":    domain.StatusDeferred,
	"rejected":    domain.StatusRejected,
	"failed":      domain.StatusFailed,
	"opened":      domain.StatusOpened,
	"open":        domain.StatusOpened,
	"clicked":     domain.StatusClicked,
	"click":       domain.StatusClicked,
	"complaint":   domain.StatusComplaint,
	"spam":        domain.StatusComplaint,
	"unsubscribe": domain.StatusUnsubscribe,
	"resubscribe": domain.StatusResubscribe,
}

var espEventTypes = map[string]domain.Status{
	"processed":         domain.StatusSent,
	"delivered":         domain.StatusDelivered,
	"open":              domain.StatusOpened,
	"click":             domain.StatusClicked,
	"bounce":            domain.StatusBounced,
	"dropped":           domain.StatusDropped,
	"deferred":          domain.StatusDeferred,
	"spamreport":        domain.StatusComplaint,
	"unsubscribe":       domain.StatusUnsubscribe,
	"group_unsubscribe": domain.StatusUnsubscribe,
	"group_resubscribe": domain.StatusResubscribe,
	"rendering_failure": domain.StatusRenderFailed,
	"delivery_delay":    domain.StatusDelayed,
}

// Normalizer maps provider payloads to canonical status events.
type Normalizer struct {
	relaySecret string
	espKey      []byte
}

// NewNormalizer creates a normalizer. Empty secrets disable the
// corresponding provider's verification (for test environments).
func NewNormalizer(relaySecret, espKey string) *Normalizer {
	return &Normalizer{relaySecret: relaySecret, espKey: []byte(espKey)}
}

// Verify checks the request's authenticity before any payload
// processing. The relay sends its shared secret in a header; the ESP
// signs the raw body with HMAC-SHA256 (hex).
func (n *Normalizer) Verify(provider string, body []byte, signature string) error {
	switch provider {
	case ProviderRelay:
		if n.relaySecret == "" {
			return nil
		}
		if hmac.Equal([]byte(signature), []byte(n.relaySecret)) {
			return nil
		}
		return ErrSignatureInvalid
	case ProviderESP:
		if len(n.espKey) == 0 {
			return nil
		}
		mac := hmac.New(sha256.New, n.espKey)
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
			return nil
		}
		return ErrSignatureInvalid
	case ProviderManual:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
}

// Normalize maps a verified payload into status events. Individually
// malformed or unmapped items are returned as errors without aborting
// the rest of the batch.
func (n *Normalizer) Normalize(provider string, payload []byte) ([]domain.StatusEvent, []error) {
	switch provider {
	case ProviderRelay:
		return normalizeFlat(payload, relayEventTypes, domain.SourceRelayWebhook)
	case ProviderManual:
		return normalizeFlat(payload, relayEventTypes, domain.SourceManualAPI)
	case ProviderESP:
		return normalizeESP(payload)
	}
	return nil, []error{fmt.Errorf("%w: %s", ErrUnknownProvider, provider)}
}

func normalizeFlat(payload []byte, vocab map[string]domain.Status, source domain.Source) ([]domain.StatusEvent, []error) {
	var raw flatEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, []error{fmt.Errorf("malformed payload: %w", err)}
	}

	kind := raw.Status
	if kind == "" {
		kind = raw.Event
	}
	mapped, ok := vocab[strings.ToLower(kind)]
	if !ok {
		return nil, []error{fmt.Errorf("unmapped event type %q", kind)}
	}

	email := raw.Recipient
	if email == "" {
		email = raw.Email
	}

	return []domain.StatusEvent{{
		MessageID:      raw.MessageID,
		RecipientEmail: strings.ToLower(email),
		ReportedStatus: mapped,
		Timestamp:      epochTime(raw.Timestamp),
		Reason:         raw.Reason,
		DSN:            raw.DSN,
		SourceIP:       raw.IP,
		TargetURL:      raw.URL,
		Source:         source,
	}}, nil
}

func normalizeESP(payload []byte) ([]domain.StatusEvent, []error) {
	var batch []espEvent
	if err := json.Unmarshal(payload, &batch); err != nil {
		// Some deliveries arrive as a single object.
		var one espEvent
		if err2 := json.Unmarshal(payload, &one); err2 != nil {
			return nil, []error{fmt.Errorf("malformed payload: %w", err)}
		}
		batch = []espEvent{one}
	}

	var events []domain.StatusEvent
	var errs []error
	for i, raw := range batch {
		mapped, ok := espEventTypes[strings.ToLower(raw.Event)]
		if !ok {
			errs = append(errs, fmt.Errorf("event %d: unmapped event type %q", i, raw.Event))
			continue
		}
		events = append(events, domain.StatusEvent{
			MessageID:      raw.SGMessageID,
			RecipientEmail: strings.ToLower(raw.Email),
			ReportedStatus: mapped,
			Timestamp:      epochTime(raw.Timestamp),
			Reason:         raw.Reason,
			DSN:            raw.DSN,
			SourceIP:       raw.IP,
			TargetURL:      raw.URL,
			Source:         domain.SourceProviderWebhook,
		})
	}
	return events, errs
}

// epochTime parses an epoch-seconds timestamp that providers send as
// either a number or a string. Missing or malformed values fall back
// to now: a delivery signal with a broken clock is still a signal.
func epochTime(n json.Number) time.Time {
	if n.String() == "" {
		return time.Now()
	}
	if secs, err := strconv.ParseInt(n.String(), 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0)
	}
	if f, err := n.Float64(); err == nil && f > 0 {
		return time.Unix(int64(f), 0)
	}
	return time.Now()
}
