package relaylog

import (
	"regexp"
	"strings"
	"time"

	"github.com/ignite/delivery-sync/internal/domain"
	"github.com/ignite/delivery-sync/internal/pkg/boundedcache"
)

// Relay log line patterns, checked in precedence order. The relay
// writes postfix-style lines:
//
//	4F2A81C0B3: message-id=<a1b2c3@campaigns.example.com>
//	4F2A81C0B3: to=<user@example.org>, relay=mx.example.org[...]:25,
//	  delay=1.2, dsn=2.0.0, status=sent (250 2.0.0 OK)
var (
	queueAssocRe = regexp.MustCompile(`\b([0-9A-F]{6,20})\b:\s*message-id=<([^>]+)>`)
	queueLineRe  = regexp.MustCompile(`\b([0-9A-F]{6,20})\b:\s*(to=<.*)`)
	rcptRe       = regexp.MustCompile(`to=<([^>]+)>`)
	senderRe     = regexp.MustCompile(`from=<([^>]*)>`)
	dsnRe        = regexp.MustCompile(`\bdsn=(\d+\.\d{1,3}\.\d{1,3})\b`)
	statusKwRe   = regexp.MustCompile(`status=(sent|delivered|bounced|deferred|rejected|reject)\b`)
	reasonRe     = regexp.MustCompile(`\(([^()]+)\)\s*$`)
)

// fingerprintLen bounds how much of the message participates in the
// dedup fingerprint; the log API returns overlapping pages and the
// head of a line identifies it well enough.
const fingerprintLen = 50

// Parser turns raw relay log entries into status events. Lines that
// associate a queue id with a message id feed the resolver instead of
// producing an event. The parser keeps a time-bounded fingerprint set
// so an entry seen twice within one run is processed once.
type Parser struct {
	resolver *QueueIDResolver
	seen     *boundedcache.Cache
}

// NewParser creates a parser feeding queue-id mappings into resolver.
func NewParser(resolver *QueueIDResolver, maxFingerprints int, fingerprintTTL time.Duration) *Parser {
	if maxFingerprints <= 0 {
		maxFingerprints = 10000
	}
	if fingerprintTTL <= 0 {
		fingerprintTTL = 15 * time.Minute
	}
	return &Parser{
		resolver: resolver,
		seen:     boundedcache.New(maxFingerprints, fingerprintTTL),
	}
}

// Parse inspects one log entry. It returns nil when the entry predates
// the checkpoint, matches no recognized pattern, only updates the
// queue-id mapping, or was already seen this run.
func (p *Parser) Parse(entry Entry, checkpoint time.Time) *domain.StatusEvent {
	ts := entry.Timestamp()
	if ts.IsZero() || !ts.After(checkpoint) {
		return nil
	}

	msg := strings.TrimSpace(entry.Message)
	if msg == "" {
		return nil
	}

	// Pattern 1: queue id to message id association. No event.
	if m := queueAssocRe.FindStringSubmatch(msg); m != nil {
		p.resolver.Learn(m[1], m[2])
		return nil
	}

	// Pattern 2: queue id plus delivery status keyword.
	m := queueLineRe.FindStringSubmatch(msg)
	if m == nil {
		return nil
	}
	queueID, rest := m[1], m[2]

	kw := statusKwRe.FindStringSubmatch(rest)
	if kw == nil {
		return nil
	}

	if p.alreadySeen(queueID, msg) {
		return nil
	}

	ev := &domain.StatusEvent{
		QueueID:   queueID,
		Timestamp: ts,
		Source:    domain.SourceSMTPLog,
	}
	if r := rcptRe.FindStringSubmatch(rest); r != nil {
		ev.RecipientEmail = strings.ToLower(r[1])
	}
	if s := senderRe.FindStringSubmatch(rest); s != nil && s[1] != "" {
		ev.SenderEmail = strings.ToLower(s[1])
	}
	if d := dsnRe.FindStringSubmatch(rest); d != nil {
		ev.DSN = d[1]
	}

	ev.ReportedStatus = mapKeyword(kw[1], ev.DSN)
	switch ev.ReportedStatus {
	case domain.StatusBounced, domain.StatusDeferred, domain.StatusRejected:
		if r := reasonRe.FindStringSubmatch(rest); r != nil {
			ev.Reason = strings.TrimSpace(r[1])
		}
	}
	return ev
}

// mapKeyword maps the relay's status keyword to the canonical
// vocabulary. The relay's "sent" means final delivery when the DSN is
// a 2.x.x success code; without one it stays "sent".
func mapKeyword(keyword, dsn string) domain.Status {
	switch keyword {
	case "sent":
		if strings.HasPrefix(dsn, "2.") {
			return domain.StatusDelivered
		}
		return domain.StatusSent
	case "delivered":
		return domain.StatusDelivered
	case "bounced":
		return domain.StatusBounced
	case "deferred":
		return domain.StatusDeferred
	case "reject", "rejected":
		return domain.StatusRejected
	}
	return domain.Status(keyword)
}

func (p *Parser) alreadySeen(queueID, msg string) bool {
	head := msg
	if len(head) > fingerprintLen {
		head = head[:fingerprintLen]
	}
	fp := queueID + "|" + head
	if _, dup := p.seen.Get(fp); dup {
		return true
	}
	p.seen.Set(fp, struct{}{})
	return false
}

// FingerprintCount returns the size of the dedup set, for status
// reporting.
func (p *Parser) FingerprintCount() int { return p.seen.Len() }

// EvictExpired sweeps expired fingerprints.
func (p *Parser) EvictExpired() int { return p.seen.EvictExpired() }
