// Package index reads snapshots of the package index.
//
// A snapshot is a finite, deterministically ordered list of [ArtifactRef]
// values. The crawl consumes it through the [Reader] interface, which is
// restartable: every call to Iter starts from the beginning, and the
// crawler skips forward to its persisted cursor.
//
// Two on-disk layouts are supported:
//
//   - [JSONL]: one artifact per line, already sorted. An optional first
//     line {"revision": "..."} pins the snapshot revision.
//   - [Buckets]: the bucketed layout produced by pypi-fetcher, where each
//     of 256 files maps package name to version to release files.
//
// # Ordering
//
// Artifacts are ordered by [ArtifactRef.SortKey] (package, version,
// filename compared bytewise). Readers reject or establish this order so a
// cursor holding the last processed key is enough to resume a pass.
package index
