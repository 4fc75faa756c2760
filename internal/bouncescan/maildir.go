package bouncescan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
)

// MaildirMailbox reads delivery-status reports from a local Maildir,
// the usual drop target when the relay aliases the bounce address to
// a directory. Only new/ is scanned; Delete removes the file.
type MaildirMailbox struct {
	dir string
}

// NewMaildirMailbox creates a mailbox over the Maildir root.
func NewMaildirMailbox(dir string) *MaildirMailbox {
	return &MaildirMailbox{dir: dir}
}

// Fetch reads up to limit messages from new/, oldest first.
func (m *MaildirMailbox) Fetch(ctx context.Context, limit int) ([]RawMessage, error) {
	newDir := filepath.Join(m.dir, "new")
	entries, err := os.ReadDir(newDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	// Maildir filenames start with the delivery timestamp.
	sort.Strings(names)
	if len(names) > limit {
		names = names[:limit]
	}

	msgs := make([]RawMessage, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return msgs, err
		}
		data, err := os.ReadFile(filepath.Join(newDir, name))
		if err != nil {
			// File may have been picked up by another consumer.
			continue
		}
		msgs = append(msgs, RawMessage{UID: name, Data: data})
	}
	return msgs, nil
}

// Delete acknowledges a processed message by removing its file.
func (m *MaildirMailbox) Delete(ctx context.Context, uid string) error {
	err := os.Remove(filepath.Join(m.dir, "new", uid))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
