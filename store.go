package sessionsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrRevisionConflict = errors.New("session revision conflict")
)

// AllSessions subscribes to changes of every session
const AllSessions = ""

// Store represent the persistent storage of sessions
type Store interface {
	// Create stores a new session. Id, code, step, status and timestamps are assigned by the store.
	Create(ctx context.Context, s *Session) (*Session, error)
	// Get returns ErrNotFound when the id is unknown
	Get(ctx context.Context, id string) (*Session, error)
	// Update applies a sparse patch and returns the updated session
	Update(ctx context.Context, id string, p *Patch) (*Session, error)
	// BulkUpdate applies the same patch to many sessions, returning a *BulkError for the failures
	BulkUpdate(ctx context.Context, ids []string, p *Patch) ([]*Session, error)
	// List returns sessions with the status, most recently updated first
	List(ctx context.Context, status Status) ([]*Session, error)
	// Delete removes a session for good
	Delete(ctx context.Context, id string) error
}

// EventKind is the kind of mutation an event reports
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Event is emitted by the feed after a committed mutation
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	// Session is the post-mutation record. It is nil for deletes.
	Session *Session `json:"session,omitempty"`
}

// Subscription delivers events until it is closed or its context ends.
// The events channel is closed when the subscription drops.
type Subscription interface {
	Events() <-chan *Event
	Close() error
}

// Feed publishes session mutations
type Feed interface {
	// Subscribe to one session, or to all sessions with AllSessions
	Subscribe(ctx context.Context, id string) (Subscription, error)
}

// BulkError reports the ids a bulk operation failed on
type BulkError struct {
	Failed map[string]error
}

func (e *BulkError) Error() string {
	var err error
	for _, id := range e.IDs() {
		err = multierr.Append(err, fmt.Errorf("%s: %w", id, e.Failed[id]))
	}
	if err == nil {
		return "bulk operation failed"
	}
	return fmt.Sprintf("bulk operation failed for %d session(s): %s", len(e.Failed), strings.TrimSpace(err.Error()))
}

// Unwrap exposes the per-id errors to errors.Is and errors.As
func (e *BulkError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, id := range e.IDs() {
		errs = append(errs, e.Failed[id])
	}
	return errs
}

// IDs returns the failed ids in order
func (e *BulkError) IDs() []string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Add records a failure for id
func (e *BulkError) Add(id string, err error) {
	if e.Failed == nil {
		e.Failed = map[string]error{}
	}
	e.Failed[id] = err
}

// ErrOrNil returns e if anything failed
func (e *BulkError) ErrOrNil() error {
	if e == nil || len(e.Failed) == 0 {
		return nil
	}
	return e
}

// SortSessions orders sessions by updated_at descending then id ascending
func SortSessions(sessions []*Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}
