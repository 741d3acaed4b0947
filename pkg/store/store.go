// Package store persists extraction records.
//
// The on-disk layout is the interchange format of the database:
//
//	<root>/format.json
//	<root>/<kind>/<shard>/<normalized-name>.json
//
// where shard is the first byte, in hex, of the sha256 of the PEP 503
// normalized package name. Each package file holds
//
//	{"name": "...", "records": {"<version>": {"<artifact>[@<python>]": Record}}}
//
// with keys in sorted order so successive runs produce small diffs. Files
// are replaced atomically and each shard has a single writer.
//
// A write supersedes whatever record the key held before, success or
// error. Writes that would not change the stored outcome are skipped.
package store

import (
	"context"

	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/records"
)

// Store is a keyed record store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put stores rec under rec.Key, replacing any previous record.
	Put(ctx context.Context, rec records.Record) error

	// Get returns the record stored under key.
	Get(ctx context.Context, key records.Key) (records.Record, bool, error)

	// ExistsSuccess reports whether key holds a success record. A non-empty
	// extractorVersion additionally requires the record to have been
	// produced by that extractor version.
	ExistsSuccess(ctx context.Context, key records.Key, extractorVersion string) (bool, error)

	// Close releases resources held by the store.
	Close() error
}

// KindStats summarizes the records of one artifact kind.
type KindStats struct {
	Packages  int64                 `json:"packages"`
	Successes int64                 `json:"successes"`
	Errors    int64                 `json:"errors"`
	Stale     int64                 `json:"stale"` // produced by an older extractor version
	ByCode    map[errors.Code]int64 `json:"by_code,omitempty"`
}

// Stats summarizes a store.
type Stats struct {
	Format           int                      `json:"format"`
	ExtractorVersion string                   `json:"extractor_version"`
	Kinds            map[index.Kind]KindStats `json:"kinds"`
}

func storeErr(err error, format string, args ...any) error {
	return errors.Wrap(errors.ErrCodeStore, err, format, args...)
}
