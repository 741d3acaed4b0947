// Package checkpoint persists crawl cursors and the per-kind session lock.
//
// A [Cursor] records how far a pass over a snapshot revision has been
// committed. Only the scheduler's coordinator writes it, and only after
// every entry up to [Cursor.After] has its records stored, so resuming
// from a saved cursor never skips work.
//
// Two backends are provided:
//   - file: JSON files next to the result store, for single-host runs
//   - redis: cursor and lock shared across hosts
//
// # Usage
//
//	cp, err := checkpoint.NewFileStore(dir)
//	session := checkpoint.NewSessionID()
//	if err := cp.Lock(ctx, index.Wheel, session); err != nil {
//	    return err // LOCKED: another crawl of this kind is running
//	}
//	defer cp.Unlock(context.Background(), index.Wheel, session)
//
//	cur, err := cp.Load(ctx, index.Wheel)
package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/matzehuels/depdb/pkg/index"
)

// Cursor is the resume point of one artifact kind.
type Cursor struct {
	Kind      index.Kind `json:"kind"`
	Revision  string     `json:"revision"`
	After     string     `json:"after,omitempty"` // sort key of the last committed entry
	Position  int64      `json:"position"`        // entries committed in this pass
	Complete  bool       `json:"complete"`
	SessionID string     `json:"session_id,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Fresh returns the cursor that starts a new pass over revision.
func Fresh(kind index.Kind, revision string) *Cursor {
	return &Cursor{Kind: kind, Revision: revision}
}

// Resumable reports whether c continues an unfinished pass over revision.
func (c *Cursor) Resumable(revision string) bool {
	return c != nil && c.Revision == revision && !c.Complete
}

// Store persists cursors and guards against concurrent crawls of a kind.
type Store interface {
	// Load returns the saved cursor, or nil if none exists.
	Load(ctx context.Context, kind index.Kind) (*Cursor, error)

	// Save replaces the saved cursor of c.Kind.
	Save(ctx context.Context, c *Cursor) error

	// Lock acquires the session lock of kind. It fails with LOCKED when
	// another session holds it.
	Lock(ctx context.Context, kind index.Kind, session string) error

	// Unlock releases a lock held by session.
	Unlock(ctx context.Context, kind index.Kind, session string) error

	// Close releases resources held by the store.
	Close() error
}

// NewSessionID returns a random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}
