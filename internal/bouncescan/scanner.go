// Package bouncescan turns bounce-mailbox contents into status
// events. Relays that cannot call a webhook still send RFC 3464
// delivery-status reports to the bounce address; scanning that
// mailbox is the lowest-trust signal source after the manual API.
package bouncescan

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/ignite/delivery-sync/internal/domain"
	"github.com/ignite/delivery-sync/internal/pkg/logger"
)

// RawMessage is one message pulled from the bounce mailbox.
type RawMessage struct {
	UID  string
	Data []byte
}

// Mailbox abstracts the bounce mailbox (IMAP/POP3 client lives at the
// boundary). Delete acknowledges a processed message so it is not
// rescanned.
type Mailbox interface {
	Fetch(ctx context.Context, limit int) ([]RawMessage, error)
	Delete(ctx context.Context, uid string) error
}

// ErrNotDSN is returned for mailbox messages that are not
// delivery-status reports (out-of-office replies and the like).
var ErrNotDSN = errors.New("not a delivery status report")

// Scanner parses bounce-mailbox messages into status events.
type Scanner struct {
	mailbox Mailbox
}

// NewScanner creates a scanner over the given mailbox.
func NewScanner(mb Mailbox) *Scanner {
	return &Scanner{mailbox: mb}
}

// Scan fetches up to limit messages and parses each into an event.
// Unparseable messages are logged and acknowledged so they do not
// wedge the mailbox; a fetch failure aborts the scan for this cycle.
func (s *Scanner) Scan(ctx context.Context, limit int) ([]domain.StatusEvent, error) {
	msgs, err := s.mailbox.Fetch(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("bounce mailbox fetch: %w", err)
	}

	var events []domain.StatusEvent
	for _, m := range msgs {
		ev, err := ParseDSNReport(m.Data)
		if err != nil {
			if !errors.Is(err, ErrNotDSN) {
				logger.Warn("unparseable bounce message", "uid", m.UID, "err", err.Error())
			}
		} else {
			events = append(events, *ev)
		}
		if err := s.mailbox.Delete(ctx, m.UID); err != nil {
			logger.Warn("bounce message ack failed", "uid", m.UID, "err", err.Error())
		}
	}
	return events, nil
}

// ParseDSNReport parses an RFC 3464 multipart/report message into a
// status event. The machine-readable message/delivery-status part
// supplies action, status code, recipient, and diagnostic; the
// returned original message part supplies the Message-ID when present.
func ParseDSNReport(data []byte) (*domain.StatusEvent, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || !strings.EqualFold(mediaType, "multipart/report") {
		return nil, ErrNotDSN
	}

	ev := domain.StatusEvent{Source: domain.SourceBounceMailbox}
	if date, derr := msg.Header.Date(); derr == nil {
		ev.Timestamp = date
	} else {
		ev.Timestamp = time.Now()
	}

	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read report part: %w", err)
		}
		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		switch {
		case strings.EqualFold(partType, "message/delivery-status"):
			if err := parseDeliveryStatus(part, &ev); err != nil {
				return nil, err
			}
		case strings.EqualFold(partType, "message/rfc822"):
			if orig, oerr := mail.ReadMessage(part); oerr == nil {
				if mid := strings.Trim(orig.Header.Get("Message-ID"), "<>"); mid != "" {
					ev.MessageID = mid
				}
			}
		}
	}

	if ev.ReportedStatus == "" {
		return nil, ErrNotDSN
	}
	return &ev, nil
}

// parseDeliveryStatus reads the per-message and per-recipient field
// groups of a delivery-status part.
func parseDeliveryStatus(r io.Reader, ev *domain.StatusEvent) error {
	tp := textproto.NewReader(bufio.NewReader(r))
	for {
		fields, err := tp.ReadMIMEHeader()
		if len(fields) == 0 {
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("read delivery-status fields: %w", err)
			}
			continue
		}

		if v := fields.Get("Final-Recipient"); v != "" {
			ev.RecipientEmail = strings.ToLower(addressFromField(v))
		}
		if v := fields.Get("Status"); v != "" {
			ev.DSN = strings.TrimSpace(v)
		}
		if v := fields.Get("Diagnostic-Code"); v != "" {
			ev.Reason = strings.TrimSpace(stripFieldType(v))
		}
		if v := fields.Get("Action"); v != "" {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "failed":
				ev.ReportedStatus = domain.StatusBounced
			case "delayed":
				ev.ReportedStatus = domain.StatusDeferred
			case "delivered", "relayed", "expanded":
				ev.ReportedStatus = domain.StatusDelivered
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
	}
	return nil
}

// addressFromField extracts the address from "rfc822; user@host".
func addressFromField(v string) string {
	return strings.TrimSpace(stripFieldType(v))
}

// stripFieldType drops the leading "type;" of a typed DSN field.
func stripFieldType(v string) string {
	if i := strings.Index(v, ";"); i >= 0 {
		return v[i+1:]
	}
	return v
}
