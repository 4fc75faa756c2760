package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-sync/internal/domain"
)

func signESP(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerify_Relay(t *testing.T) {
	n := NewNormalizer("relay-secret", "")

	assert.NoError(t, n.Verify(ProviderRelay, nil, "relay-secret"))
	assert.ErrorIs(t, n.Verify(ProviderRelay, nil, "wrong"), ErrSignatureInvalid)
	assert.ErrorIs(t, n.Verify(ProviderRelay, nil, ""), ErrSignatureInvalid)
}

func TestVerify_ESP(t *testing.T) {
	n := NewNormalizer("", "esp-key")
	body := []byte(`[{"event":"delivered"}]`)

	assert.NoError(t, n.Verify(ProviderESP, body, signESP("esp-key", body)))
	assert.ErrorIs(t, n.Verify(ProviderESP, body, signESP("other-key", body)), ErrSignatureInvalid)

	// Tampered body fails against the original signature.
	sig := signESP("esp-key", body)
	assert.ErrorIs(t, n.Verify(ProviderESP, []byte(`[{"event":"bounce"}]`), sig), ErrSignatureInvalid)
}

func TestVerify_EmptySecretDisablesCheck(t *testing.T) {
	n := NewNormalizer("", "")
	assert.NoError(t, n.Verify(ProviderRelay, nil, "anything"))
	assert.NoError(t, n.Verify(ProviderESP, []byte("{}"), ""))
}

func TestVerify_UnknownProvider(t *testing.T) {
	n := NewNormalizer("", "")
	assert.ErrorIs(t, n.Verify("mystery", nil, ""), ErrUnknownProvider)
}

func TestNormalize_RelayEvent(t *testing.T) {
	n := NewNormalizer("", "")
	payload := []byte(`{
		"message_id": "a1b2c3@campaigns.example.com",
		"status": "bounced",
		"recipient": "Gone@Example.org",
		"timestamp": 1754042400,
		"reason": "550 user unknown",
		"dsn": "5.1.1"
	}`)

	events, errs := n.Normalize(ProviderRelay, payload)
	require.Empty(t, errs)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "a1b2c3@campaigns.example.com", ev.MessageID)
	assert.Equal(t, "gone@example.org", ev.RecipientEmail)
	assert.Equal(t, domain.StatusBounced, ev.ReportedStatus)
	assert.Equal(t, domain.SourceRelayWebhook, ev.Source)
	assert.Equal(t, int64(1754042400), ev.Timestamp.Unix())
	assert.Equal(t, "5.1.1", ev.DSN)
}

func TestNormalize_RelayEventFieldFallbacks(t *testing.T) {
	// "event" instead of "status", "email" instead of "recipient".
	n := NewNormalizer("", "")
	payload := []byte(`{"event":"open","email":"u@example.org","timestamp":"1754042400"}`)

	events, errs := n.Normalize(ProviderRelay, payload)
	require.Empty(t, errs)
	require.Len(t, events, 1)
	assert.Equal(t, domain.StatusOpened, events[0].ReportedStatus)
	assert.Equal(t, "u@example.org", events[0].RecipientEmail)
}

func TestNormalize_ESPBatch(t *testing.T) {
	n := NewNormalizer("", "")
	payload := []byte(`[
		{"sg_message_id":"m1","event":"processed","email":"a@example.org","timestamp":1754042400},
		{"sg_message_id":"m2","event":"click","email":"b@example.org","timestamp":1754042401,"url":"https://example.com/x"},
		{"sg_message_id":"m3","event":"account_status_change","email":"c@example.org"}
	]`)

	events, errs := n.Normalize(ProviderESP, payload)
	require.Len(t, events, 2, "unmapped item is skipped, not fatal")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "account_status_change")

	assert.Equal(t, domain.StatusSent, events[0].ReportedStatus, "processed maps to sent")
	assert.Equal(t, domain.StatusClicked, events[1].ReportedStatus)
	assert.Equal(t, "https://example.com/x", events[1].TargetURL)
	assert.Equal(t, domain.SourceProviderWebhook, events[0].Source)
}

func TestNormalize_ESPSingleObject(t *testing.T) {
	n := NewNormalizer("", "")
	events, errs := n.Normalize(ProviderESP, []byte(`{"sg_message_id":"m1","event":"delivered","email":"a@example.org"}`))
	require.Empty(t, errs)
	require.Len(t, events, 1)
	assert.Equal(t, domain.StatusDelivered, events[0].ReportedStatus)
}

func TestNormalize_ManualSource(t *testing.T) {
	n := NewNormalizer("", "")
	events, errs := n.Normalize(ProviderManual, []byte(`{"message_id":"m1","status":"failed","reason":"render error"}`))
	require.Empty(t, errs)
	require.Len(t, events, 1)
	assert.Equal(t, domain.SourceManualAPI, events[0].Source)
}

func TestNormalize_MalformedPayload(t *testing.T) {
	n := NewNormalizer("", "")
	events, errs := n.Normalize(ProviderRelay, []byte(`{broken`))
	assert.Empty(t, events)
	require.Len(t, errs, 1)
}

func TestNormalize_MissingTimestampFallsBackToNow(t *testing.T) {
	n := NewNormalizer("", "")
	before := time.Now().Add(-time.Second)
	events, errs := n.Normalize(ProviderRelay, []byte(`{"status":"delivered","recipient":"u@example.org"}`))
	require.Empty(t, errs)
	require.Len(t, events, 1)
	assert.True(t, events[0].Timestamp.After(before))
}
