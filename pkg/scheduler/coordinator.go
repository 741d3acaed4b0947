package scheduler

import (
	"github.com/matzehuels/depdb/pkg/checkpoint"
)

// completion reports that every record of the entry with the given
// sequence number is stored.
type completion struct {
	seq int64
	key string // ArtifactRef.SortKey
}

// coordinator advances the cursor over completions in dispatch order.
// Entries finish out of order; the cursor only moves past an entry once
// every earlier entry has finished too. It is the only writer of the
// cursor.
type coordinator struct {
	cursor  checkpoint.Cursor
	next    int64
	pending map[int64]string
	every   int
	unsaved int
	save    func(checkpoint.Cursor) error
	err     error
}

func newCoordinator(start checkpoint.Cursor, every int, save func(checkpoint.Cursor) error) *coordinator {
	return &coordinator{
		cursor:  start,
		pending: make(map[int64]string),
		every:   every,
		save:    save,
	}
}

// run consumes completions until in is closed. A failed save is kept in
// c.err and stops further intermediate saves, but completions are still
// drained so senders never block.
func (c *coordinator) run(in <-chan completion, abort func(error)) {
	for comp := range in {
		c.pending[comp.seq] = comp.key
		c.advance()
		if c.err == nil && c.every > 0 && c.unsaved >= c.every {
			if err := c.save(c.cursor); err != nil {
				c.err = err
				abort(err)
				continue
			}
			c.unsaved = 0
		}
	}
}

func (c *coordinator) advance() {
	for {
		key, ok := c.pending[c.next]
		if !ok {
			return
		}
		delete(c.pending, c.next)
		c.next++
		c.cursor.After = key
		c.cursor.Position++
		c.unsaved++
	}
}

// committed returns how many entries of this session are behind the cursor.
func (c *coordinator) committed() int64 { return c.next }
