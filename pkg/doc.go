// Package pkg provides the libraries behind depdb, an offline database of
// the dependencies declared by every artifact on PyPI.
//
// # Overview
//
// depdb walks a snapshot of the package index, downloads each wheel or
// source distribution, extracts the requirements it declares and stores
// one record per artifact (and, for sdists, per interpreter version). A
// crawl runs for a bounded time and resumes from a saved cursor, so the
// database converges over many short runs.
//
// # Architecture
//
// The data flow of one crawl session:
//
//	Index snapshot
//	         ↓
//	    [index] package (ordered artifact refs, revision)
//	         ↓
//	    [scheduler] package (budget, workers, cursor)
//	         ↓
//	    [fetch] package (download, sha256 check, [cache])
//	         ↓
//	    [extract/wheel] or [extract/sdist] (METADATA or sandboxed probe)
//	         ↓
//	    [store] package (sharded JSON files, optional MongoDB mirror)
//
// # Quick Start
//
// Crawl the wheels of a JSONL snapshot:
//
//	reader, _ := index.OpenJSONL("snapshot.jsonl")
//	files, _ := store.Open("./depdb-store")
//	cp, _ := checkpoint.NewFileStore("./depdb-store.cursors")
//
//	sched := &scheduler.Scheduler{
//	    Workers: 8,
//	    Budget:  30 * time.Minute,
//	    Fetcher: fetch.New(fetch.Options{}),
//	    Store:   files,
//	}
//	runner := pipeline.NewRunner(reader, files, cp, sched, nil)
//	res, err := runner.Execute(ctx, pipeline.Options{Kind: index.Wheel})
//
// # Main Packages
//
// ## Crawling
//
// [index] - Snapshot readers for JSONL files and the bucketed layout of
// pypi-fetcher dumps.
//
// [scheduler] - Time-budgeted dispatch over a worker pool. Only the
// coordinator advances the cursor, and only past contiguous completed
// entries.
//
// [pipeline] - One session end to end: revision check, lock, resume or
// fresh pass, optional prune.
//
// ## Extraction
//
// [extract/wheel] - Reads the METADATA file of a wheel.
//
// [extract/sdist] - Unpacks a source distribution and runs its build script
// through [sandbox] once per interpreter version.
//
// [deps] - Syntactic PEP 508 requirement parsing.
//
// ## Persistence
//
// [records] - Record types and the extractor version.
//
// [store] - The on-disk result store and the mirror that copies writes to
// secondary stores.
//
// [checkpoint] - Cursors and session locks, on disk or in Redis.
//
// ## Infrastructure
//
// [fetch], [cache], [httputil] - Downloads with retry and a
// content-addressed artifact cache.
//
// [observability] - Crawl hooks, progress counters and the status handler.
//
// [errors] - Coded errors. Artifact failure codes are persisted verbatim
// in error records.
//
// [index]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/index
// [scheduler]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/scheduler
// [pipeline]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/pipeline
// [fetch]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/fetch
// [cache]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/cache
// [httputil]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/httputil
// [extract/wheel]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/extract/wheel
// [extract/sdist]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/extract/sdist
// [sandbox]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/sandbox
// [deps]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/deps
// [records]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/records
// [store]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/store
// [checkpoint]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/checkpoint
// [observability]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/observability
// [errors]: https://pkg.go.dev/github.com/matzehuels/depdb/pkg/errors
package pkg
