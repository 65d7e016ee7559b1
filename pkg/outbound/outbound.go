// Package outbound manages the operator-fed message queue. The queue lives
// in a single JSON array file; every mutation rewrites the file atomically
// through a temp file and rename.
package outbound

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hmunoz/wagent/pkg/logger"
)

// Status values of a queue entry. sent and failed are terminal.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Entry is one queued outbound message. The JSON field names are the
// cross-process protocol; external writers produce the same shape.
type Entry struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chat_id"`
	Message   string     `json:"message"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	FailedAt  *time.Time `json:"failed_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Queue is the JSON-file backed outbound queue. Not safe for concurrent use
// by multiple processes; the orchestrator is the only writer while running.
type Queue struct {
	path string
	now  func() time.Time
}

// New creates a queue over the file at path. The file is created lazily on
// first write.
func New(path string) *Queue {
	return &Queue{path: path, now: time.Now}
}

// load reads all entries. A corrupted or unreadable file degrades to an
// empty queue with a warning, it must never take the agent down.
func (q *Queue) load(ctx context.Context) []Entry {
	raw, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		logger.G(ctx).WithError(err).WithField("path", q.path).Warn("failed to read outbound queue, treating as empty")
		return nil
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		logger.G(ctx).WithError(err).WithField("path", q.path).Warn("corrupted outbound queue, treating as empty")
		return nil
	}
	return entries
}

// save atomically replaces the queue file.
func (q *Queue) save(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal queue")
	}

	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create queue directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(q.path), ".queue-*.json")
	if err != nil {
		return errors.Wrap(err, "failed to create temp queue file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write temp queue file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp queue file")
	}

	return errors.Wrap(os.Rename(tmp.Name(), q.path), "failed to replace queue file")
}

// Enqueue appends a pending entry and returns its generated id.
func (q *Queue) Enqueue(ctx context.Context, chatID, message string) (string, error) {
	entries := q.load(ctx)
	entry := Entry{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Message:   message,
		Status:    StatusPending,
		CreatedAt: q.now(),
	}
	entries = append(entries, entry)
	if err := q.save(entries); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// List returns all entries in file order.
func (q *Queue) List(ctx context.Context) []Entry {
	return q.load(ctx)
}

// NextPending returns the oldest pending entry, or nil when the queue has no
// work.
func (q *Queue) NextPending(ctx context.Context) *Entry {
	for _, e := range q.load(ctx) {
		if e.Status == StatusPending {
			entry := e
			return &entry
		}
	}
	return nil
}

// Mark transitions an entry to sent or failed. Marking an entry that is
// already terminal is a no-op, as is marking an unknown id.
func (q *Queue) Mark(ctx context.Context, id, status, errMsg string) error {
	entries := q.load(ctx)
	changed := false
	for i := range entries {
		if entries[i].ID != id {
			continue
		}
		if entries[i].Status != StatusPending {
			return nil
		}
		entries[i].Status = status
		entries[i].Error = errMsg
		now := q.now()
		switch status {
		case StatusSent:
			entries[i].SentAt = &now
		case StatusFailed:
			entries[i].FailedAt = &now
		}
		changed = true
		break
	}
	if !changed {
		return nil
	}
	return q.save(entries)
}

// Defer moves all still-pending entries to a .deferred sidecar next to the
// queue file and rewrites the queue without them. Called on shutdown so a
// later run can pick the work back up deliberately.
func (q *Queue) Defer(ctx context.Context) (int, error) {
	entries := q.load(ctx)

	var pending, rest []Entry
	for _, e := range entries {
		if e.Status == StatusPending {
			pending = append(pending, e)
		} else {
			rest = append(rest, e)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	sidecar := q.path + ".deferred"
	existing := New(sidecar)
	deferred := existing.load(ctx)
	deferred = append(deferred, pending...)
	if err := existing.save(deferred); err != nil {
		return 0, err
	}

	if err := q.save(rest); err != nil {
		return 0, err
	}
	return len(pending), nil
}
