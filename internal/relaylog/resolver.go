package relaylog

import (
	"time"

	"github.com/ignite/delivery-sync/internal/pkg/boundedcache"
)

// QueueIDResolver maps transport-level queue ids to the canonical
// message id embedded in the original send. Mappings are short-lived:
// an entry is dropped once it has contributed to a successfully
// applied status event, and the whole map is cleared when it grows
// past its ceiling. Re-learning a mapping from a later page is cheaper
// than unbounded growth.
type QueueIDResolver struct {
	mappings *boundedcache.Cache
}

// NewQueueIDResolver creates a resolver holding at most max mappings,
// each live for ttl.
func NewQueueIDResolver(max int, ttl time.Duration) *QueueIDResolver {
	if max <= 0 {
		max = 5000
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &QueueIDResolver{mappings: boundedcache.New(max, ttl)}
}

// Learn records a queue id to message id association.
func (r *QueueIDResolver) Learn(queueID, messageID string) {
	r.mappings.Set(queueID, messageID)
}

// Resolve returns the message id for a queue id, if known.
func (r *QueueIDResolver) Resolve(queueID string) (string, bool) {
	v, ok := r.mappings.Get(queueID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Consume drops a mapping that has served its purpose.
func (r *QueueIDResolver) Consume(queueID string) {
	r.mappings.Delete(queueID)
}

// Len returns the number of live mappings.
func (r *QueueIDResolver) Len() int { return r.mappings.Len() }

// EvictExpired sweeps expired mappings.
func (r *QueueIDResolver) EvictExpired() int { return r.mappings.EvictExpired() }
