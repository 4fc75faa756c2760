package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/delivery-sync/internal/engine"
	"github.com/ignite/delivery-sync/internal/metrics"
	"github.com/ignite/delivery-sync/internal/pkg/httputil"
	"github.com/ignite/delivery-sync/internal/pkg/logger"
	"github.com/ignite/delivery-sync/internal/webhook"
)

// maxWebhookBody caps webhook payload reads at 5 MB.
const maxWebhookBody = 5 << 20

// Handlers carries the dependencies shared by all endpoints.
type Handlers struct {
	orch *engine.Orchestrator
	agg  *metrics.Aggregator
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// TriggerSync runs a sync cycle on demand. A cycle already in flight
// comes back as 409 rather than queuing a second one.
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	res := h.orch.RunOnce(r.Context())
	if res.Error == "sync already in progress" || res.Error == "another instance is syncing" {
		httputil.JSON(w, http.StatusConflict, res)
		return
	}
	httputil.OK(w, res)
}

// SyncStatus reports scheduler health and cache occupancy.
func (h *Handlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.orch.Status(r.Context()))
}

// Webhook receives a provider event batch. The provider name comes
// from the path; the signature from the provider's header.
func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}
	if len(body) == 0 {
		httputil.BadRequest(w, "empty body")
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Relay-Token")
	}

	result, err := h.orch.IngestWebhook(r.Context(), provider, body, signature)
	switch {
	case errors.Is(err, webhook.ErrSignatureInvalid):
		logger.Warn("webhook rejected", "provider", provider, "reason", "bad signature")
		httputil.Unauthorized(w, "invalid signature")
		return
	case errors.Is(err, webhook.ErrUnknownProvider):
		httputil.NotFound(w, "unknown provider")
		return
	case err != nil:
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, result)
}

// CampaignMetrics recomputes and returns the metrics snapshot for one
// campaign.
func (h *Handlers) CampaignMetrics(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		httputil.BadRequest(w, "invalid campaign id")
		return
	}
	snap, err := h.agg.Recompute(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, snap)
}
