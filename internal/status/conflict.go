package status

import (
	"sort"

	"github.com/ignite/delivery-sync/internal/domain"
)

// TrustRanking assigns a static trust level to each signal source.
// Higher means more trusted. The ranking only orders the application
// of competing reports; it never bypasses the state machine's own
// transition rules, so a terminal report from a low-trust source can
// still beat "sent" through precedence.
type TrustRanking map[domain.Source]int

// DefaultTrustRanking ranks webhook providers above the relay log,
// the relay log above bounce-mailbox scans, and the manual API last.
func DefaultTrustRanking() TrustRanking {
	return TrustRanking{
		domain.SourceProviderWebhook: 40,
		domain.SourceRelayWebhook:    40,
		domain.SourceSMTPLog:         30,
		domain.SourceBounceMailbox:   20,
		domain.SourceManualAPI:       10,
	}
}

// Resolver orders competing events targeting the same tracking record.
type Resolver struct {
	ranking TrustRanking
}

// NewResolver returns a conflict resolver. A nil ranking uses the
// default.
func NewResolver(ranking TrustRanking) *Resolver {
	if ranking == nil {
		ranking = DefaultTrustRanking()
	}
	return &Resolver{ranking: ranking}
}

// Trust returns the trust level of a source. Unknown sources rank
// below every configured one.
func (r *Resolver) Trust(s domain.Source) int { return r.ranking[s] }

// Order sorts events for one record so higher-trust sources are
// applied first, ties broken by event time. Lower-ranked events are
// still offered to the state machine afterwards; the machine decides
// whether they land. The sort is stable so equal events keep their
// arrival order.
func (r *Resolver) Order(events []domain.StatusEvent) []domain.StatusEvent {
	out := make([]domain.StatusEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := r.ranking[out[i].Source], r.ranking[out[j].Source]
		if ti != tj {
			return ti > tj
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
