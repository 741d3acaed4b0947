// Package observability provides hooks for crawl progress, downloads and
// cache activity.
//
// Hooks are plain interfaces with no-op implementations. Components accept
// them as explicit fields, so a process can run several crawls with
// different sinks and nothing depends on package-level state.
//
// # Usage
//
//	counters := observability.NewCounters()
//	sched := &scheduler.Scheduler{Hooks: counters, ...}
//	http.ListenAndServe(addr, observability.NewHandler(counters))
//
// [Counters] implements every hook interface and backs both the status
// endpoint and the terminal progress view.
package observability

import (
	"context"
	"time"

	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
)

// =============================================================================
// Crawl Hooks
// =============================================================================

// CrawlHooks receives events from the scheduler.
type CrawlHooks interface {
	// OnSessionStart is called once before the first dispatch.
	OnSessionStart(ctx context.Context, kind index.Kind, session string)

	// OnDispatch is called when an artifact is handed to a worker.
	OnDispatch(ctx context.Context, ref index.ArtifactRef)

	// OnSkip is called when an artifact already has current records.
	OnSkip(ctx context.Context, ref index.ArtifactRef)

	// OnRecord is called after a record is written. code is empty for
	// successes.
	OnRecord(ctx context.Context, ref index.ArtifactRef, python string, code errors.Code, duration time.Duration)

	// OnDone is called once per dispatch after all of the artifact's
	// records are written.
	OnDone(ctx context.Context, ref index.ArtifactRef)

	// OnCheckpoint is called after the cursor is persisted.
	OnCheckpoint(ctx context.Context, kind index.Kind, position int64)

	// OnSessionEnd is called once when the session returns.
	OnSessionEnd(ctx context.Context, kind index.Kind, reason string, err error)
}

// =============================================================================
// Cache Hooks
// =============================================================================

// CacheHooks receives events from artifact cache lookups.
type CacheHooks interface {
	// OnCacheHit records a cache hit.
	OnCacheHit(ctx context.Context, keyType string)

	// OnCacheMiss records a cache miss.
	OnCacheMiss(ctx context.Context, keyType string)

	// OnCacheSet records a cache write.
	OnCacheSet(ctx context.Context, keyType string, size int64)
}

// =============================================================================
// HTTP Hooks
// =============================================================================

// HTTPHooks receives events from HTTP client operations.
type HTTPHooks interface {
	// OnRequest records an outgoing HTTP request.
	OnRequest(ctx context.Context, method, host, path string)

	// OnResponse records an HTTP response.
	OnResponse(ctx context.Context, method, host, path string, statusCode int, duration time.Duration)

	// OnError records an HTTP error (network failure, timeout).
	OnError(ctx context.Context, method, host, path string, err error)
}

// =============================================================================
// No-op Implementations
// =============================================================================

// NoopCrawlHooks is a no-op implementation of CrawlHooks.
type NoopCrawlHooks struct{}

func (NoopCrawlHooks) OnSessionStart(context.Context, index.Kind, string)      {}
func (NoopCrawlHooks) OnDispatch(context.Context, index.ArtifactRef)           {}
func (NoopCrawlHooks) OnSkip(context.Context, index.ArtifactRef)               {}
func (NoopCrawlHooks) OnDone(context.Context, index.ArtifactRef)               {}
func (NoopCrawlHooks) OnCheckpoint(context.Context, index.Kind, int64)         {}
func (NoopCrawlHooks) OnSessionEnd(context.Context, index.Kind, string, error) {}
func (NoopCrawlHooks) OnRecord(context.Context, index.ArtifactRef, string, errors.Code, time.Duration) {
}

// NoopCacheHooks is a no-op implementation of CacheHooks.
type NoopCacheHooks struct{}

func (NoopCacheHooks) OnCacheHit(context.Context, string)        {}
func (NoopCacheHooks) OnCacheMiss(context.Context, string)       {}
func (NoopCacheHooks) OnCacheSet(context.Context, string, int64) {}

// NoopHTTPHooks is a no-op implementation of HTTPHooks.
type NoopHTTPHooks struct{}

func (NoopHTTPHooks) OnRequest(context.Context, string, string, string)                      {}
func (NoopHTTPHooks) OnResponse(context.Context, string, string, string, int, time.Duration) {}
func (NoopHTTPHooks) OnError(context.Context, string, string, string, error)                 {}

// =============================================================================
// Fan-out
// =============================================================================

// MultiCrawlHooks forwards every event to each element in order.
type MultiCrawlHooks []CrawlHooks

func (m MultiCrawlHooks) OnSessionStart(ctx context.Context, kind index.Kind, session string) {
	for _, h := range m {
		h.OnSessionStart(ctx, kind, session)
	}
}

func (m MultiCrawlHooks) OnDispatch(ctx context.Context, ref index.ArtifactRef) {
	for _, h := range m {
		h.OnDispatch(ctx, ref)
	}
}

func (m MultiCrawlHooks) OnSkip(ctx context.Context, ref index.ArtifactRef) {
	for _, h := range m {
		h.OnSkip(ctx, ref)
	}
}

func (m MultiCrawlHooks) OnRecord(ctx context.Context, ref index.ArtifactRef, python string, code errors.Code, d time.Duration) {
	for _, h := range m {
		h.OnRecord(ctx, ref, python, code, d)
	}
}

func (m MultiCrawlHooks) OnDone(ctx context.Context, ref index.ArtifactRef) {
	for _, h := range m {
		h.OnDone(ctx, ref)
	}
}

func (m MultiCrawlHooks) OnCheckpoint(ctx context.Context, kind index.Kind, position int64) {
	for _, h := range m {
		h.OnCheckpoint(ctx, kind, position)
	}
}

func (m MultiCrawlHooks) OnSessionEnd(ctx context.Context, kind index.Kind, reason string, err error) {
	for _, h := range m {
		h.OnSessionEnd(ctx, kind, reason, err)
	}
}

var (
	_ CrawlHooks = NoopCrawlHooks{}
	_ CrawlHooks = MultiCrawlHooks(nil)
	_ CacheHooks = NoopCacheHooks{}
	_ HTTPHooks  = NoopHTTPHooks{}
)
