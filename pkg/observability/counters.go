package observability

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
)

// Counters aggregates hook events into progress totals. It is safe for
// concurrent use and implements [CrawlHooks], [CacheHooks] and [HTTPHooks].
type Counters struct {
	dispatched  atomic.Int64
	skipped     atomic.Int64
	succeeded   atomic.Int64
	failed      atomic.Int64
	inFlight    atomic.Int64
	position    atomic.Int64
	checkpoints atomic.Int64
	requests    atomic.Int64
	httpErrors  atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	bytes       atomic.Int64

	mu       sync.Mutex
	kind     index.Kind
	session  string
	started  time.Time
	finished time.Time
	reason   string
	failures map[errors.Code]int64
	last     string
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{failures: make(map[errors.Code]int64)}
}

// Progress is a point-in-time copy of [Counters].
type Progress struct {
	Kind        index.Kind            `json:"kind,omitempty"`
	Session     string                `json:"session,omitempty"`
	StartedAt   time.Time             `json:"started_at,omitzero"`
	FinishedAt  time.Time             `json:"finished_at,omitzero"`
	EndReason   string                `json:"end_reason,omitempty"`
	Dispatched  int64                 `json:"dispatched"`
	Skipped     int64                 `json:"skipped"`
	Succeeded   int64                 `json:"succeeded"`
	Failed      int64                 `json:"failed"`
	InFlight    int64                 `json:"in_flight"`
	Position    int64                 `json:"position"`
	Checkpoints int64                 `json:"checkpoints"`
	Requests    int64                 `json:"http_requests"`
	HTTPErrors  int64                 `json:"http_errors"`
	CacheHits   int64                 `json:"cache_hits"`
	CacheMisses int64                 `json:"cache_misses"`
	Bytes       int64                 `json:"bytes_downloaded"`
	Failures    map[errors.Code]int64 `json:"failures,omitempty"`
	Last        string                `json:"last,omitempty"`
}

// Snapshot returns the current totals.
func (c *Counters) Snapshot() Progress {
	c.mu.Lock()
	failures := make(map[errors.Code]int64, len(c.failures))
	for k, v := range c.failures {
		failures[k] = v
	}
	p := Progress{
		Kind:       c.kind,
		Session:    c.session,
		StartedAt:  c.started,
		FinishedAt: c.finished,
		EndReason:  c.reason,
		Failures:   failures,
		Last:       c.last,
	}
	c.mu.Unlock()

	p.Dispatched = c.dispatched.Load()
	p.Skipped = c.skipped.Load()
	p.Succeeded = c.succeeded.Load()
	p.Failed = c.failed.Load()
	p.InFlight = c.inFlight.Load()
	p.Position = c.position.Load()
	p.Checkpoints = c.checkpoints.Load()
	p.Requests = c.requests.Load()
	p.HTTPErrors = c.httpErrors.Load()
	p.CacheHits = c.cacheHits.Load()
	p.CacheMisses = c.cacheMisses.Load()
	p.Bytes = c.bytes.Load()
	return p
}

func (c *Counters) OnSessionStart(_ context.Context, kind index.Kind, session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kind = kind
	c.session = session
	c.started = time.Now()
	c.finished = time.Time{}
	c.reason = ""
}

func (c *Counters) OnDispatch(_ context.Context, ref index.ArtifactRef) {
	c.dispatched.Add(1)
	c.inFlight.Add(1)
	c.mu.Lock()
	c.last = ref.String()
	c.mu.Unlock()
}

func (c *Counters) OnSkip(context.Context, index.ArtifactRef) {
	c.skipped.Add(1)
}

func (c *Counters) OnRecord(_ context.Context, _ index.ArtifactRef, _ string, code errors.Code, _ time.Duration) {
	if code == "" {
		c.succeeded.Add(1)
		return
	}
	c.failed.Add(1)
	c.mu.Lock()
	c.failures[code]++
	c.mu.Unlock()
}

func (c *Counters) OnDone(context.Context, index.ArtifactRef) {
	c.inFlight.Add(-1)
}

func (c *Counters) OnCheckpoint(_ context.Context, _ index.Kind, position int64) {
	c.checkpoints.Add(1)
	c.position.Store(position)
}

func (c *Counters) OnSessionEnd(_ context.Context, _ index.Kind, reason string, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = time.Now()
	c.reason = reason
}

func (c *Counters) OnCacheHit(context.Context, string)  { c.cacheHits.Add(1) }
func (c *Counters) OnCacheMiss(context.Context, string) { c.cacheMisses.Add(1) }
func (c *Counters) OnCacheSet(_ context.Context, _ string, size int64) {
	c.bytes.Add(size)
}

func (c *Counters) OnRequest(context.Context, string, string, string) { c.requests.Add(1) }
func (c *Counters) OnResponse(_ context.Context, _, _, _ string, status int, _ time.Duration) {
	if status >= 400 {
		c.httpErrors.Add(1)
	}
}
func (c *Counters) OnError(context.Context, string, string, string, error) { c.httpErrors.Add(1) }

var (
	_ CrawlHooks = (*Counters)(nil)
	_ CacheHooks = (*Counters)(nil)
	_ HTTPHooks  = (*Counters)(nil)
)
