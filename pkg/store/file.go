package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/matzehuels/depdb/internal/fsutil"
	"github.com/matzehuels/depdb/pkg/deps"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/records"
)

// Format is the version of the on-disk layout written by [FileStore].
const Format = 1

const (
	formatFile = "format.json"
	numShards  = 256
)

type formatInfo struct {
	Format           int    `json:"format"`
	ExtractorVersion string `json:"extractor_version"`
}

// packageFile is the content of one <normalized-name>.json file.
type packageFile struct {
	Name    string                               `json:"name"`
	Records map[string]map[string]records.Record `json:"records"`
}

// shard serializes writers of one shard and remembers the last package
// file it touched; crawls visit packages in order, so consecutive writes
// usually hit the same file.
type shard struct {
	mu   sync.Mutex
	last *packageFile
	kind index.Kind
}

// FileStore is the sharded on-disk record store.
type FileStore struct {
	root   string
	shards [numShards]shard
	format formatInfo
}

// Open opens or initializes the store at root. A store written by a newer
// layout version is rejected.
func Open(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New(errors.ErrCodeStore, "store root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, storeErr(err, "create store root")
	}
	s := &FileStore{root: root}

	path := filepath.Join(root, formatFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.format); err != nil {
			return nil, storeErr(err, "read %s", formatFile)
		}
		if s.format.Format > Format {
			return nil, errors.New(errors.ErrCodeStore, "store format %d is newer than supported format %d", s.format.Format, Format)
		}
	case os.IsNotExist(err):
	default:
		return nil, storeErr(err, "read %s", formatFile)
	}

	if s.format.Format != Format || s.format.ExtractorVersion != records.ExtractorVersion {
		s.format = formatInfo{Format: Format, ExtractorVersion: records.ExtractorVersion}
		data, err := marshalStable(s.format)
		if err != nil {
			return nil, storeErr(err, "encode %s", formatFile)
		}
		if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
			return nil, storeErr(err, "write %s", formatFile)
		}
	}
	return s, nil
}

// Root returns the store directory.
func (s *FileStore) Root() string { return s.root }

// ShardOf returns the shard directory name of a package.
func ShardOf(pkg string) string {
	sum := sha256.Sum256([]byte(deps.NormalizeName(pkg)))
	return hex.EncodeToString(sum[:1])
}

func (s *FileStore) shardFor(name string) *shard {
	sum := sha256.Sum256([]byte(name))
	return &s.shards[sum[0]]
}

func (s *FileStore) path(kind index.Kind, name string) string {
	return filepath.Join(s.root, string(kind), ShardOf(name), name+".json")
}

// load returns the package file for name, from the shard's memo when
// possible. The caller holds sh.mu.
func (s *FileStore) load(sh *shard, kind index.Kind, name string) (*packageFile, error) {
	if sh.last != nil && sh.kind == kind && sh.last.Name == name {
		return sh.last, nil
	}
	pf, err := readPackageFile(s.path(kind, name))
	if err != nil {
		return nil, err
	}
	if pf == nil {
		pf = &packageFile{Name: name, Records: make(map[string]map[string]records.Record)}
	}
	sh.last, sh.kind = pf, kind
	return pf, nil
}

func readPackageFile(path string) (*packageFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "read %s", path)
	}
	var pf packageFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, storeErr(err, "decode %s", path)
	}
	if pf.Records == nil {
		pf.Records = make(map[string]map[string]records.Record)
	}
	return &pf, nil
}

func (s *FileStore) write(sh *shard, kind index.Kind, pf *packageFile) error {
	path := s.path(kind, pf.Name)
	if len(pf.Records) == 0 {
		sh.last = nil
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return storeErr(err, "remove %s", path)
		}
		return nil
	}
	data, err := marshalStable(pf)
	if err != nil {
		sh.last = nil
		return storeErr(err, "encode %s", pf.Name)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		// The memo may now be ahead of the disk.
		sh.last = nil
		return storeErr(err, "write %s", path)
	}
	return nil
}

func keyName(key records.Key) (string, error) {
	if err := errors.ValidatePythonPackageName(key.Package); err != nil {
		return "", err
	}
	if key.Version == "" || strings.ContainsAny(key.Version, "/\\\x00") {
		return "", errors.New(errors.ErrCodeInvalidInput, "invalid version %q", key.Version)
	}
	if key.Kind != index.Wheel && key.Kind != index.Sdist {
		return "", errors.New(errors.ErrCodeInvalidInput, "unknown kind %q", key.Kind)
	}
	return deps.NormalizeName(key.Package), nil
}

// Put stores rec. Writing a record with the same outcome as the stored one
// leaves the file untouched.
func (s *FileStore) Put(ctx context.Context, rec records.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	name, err := keyName(rec.Key)
	if err != nil {
		return err
	}
	sh := s.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	pf, err := s.load(sh, rec.Key.Kind, name)
	if err != nil {
		return err
	}
	slots := pf.Records[rec.Key.Version]
	if old, ok := slots[rec.Key.Slot()]; ok && old.SameOutcome(rec) {
		return nil
	}
	if slots == nil {
		slots = make(map[string]records.Record)
		pf.Records[rec.Key.Version] = slots
	}
	slots[rec.Key.Slot()] = rec
	return s.write(sh, rec.Key.Kind, pf)
}

// Get returns the record stored under key. The returned key carries the
// normalized package name.
func (s *FileStore) Get(ctx context.Context, key records.Key) (records.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return records.Record{}, false, err
	}
	name, err := keyName(key)
	if err != nil {
		return records.Record{}, false, err
	}
	sh := s.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	pf, err := s.load(sh, key.Kind, name)
	if err != nil {
		return records.Record{}, false, err
	}
	rec, ok := pf.Records[key.Version][key.Slot()]
	if !ok {
		return records.Record{}, false, nil
	}
	key.Package = name
	rec.Key = key
	return rec, true, nil
}

// ExistsSuccess implements [Store].
func (s *FileStore) ExistsSuccess(ctx context.Context, key records.Key, extractorVersion string) (bool, error) {
	rec, ok, err := s.Get(ctx, key)
	if err != nil || !ok || !rec.IsSuccess() {
		return false, err
	}
	return extractorVersion == "" || rec.Success.ExtractorVersion == extractorVersion, nil
}

// Package returns every record of one package, in key order.
func (s *FileStore) Package(ctx context.Context, kind index.Kind, pkg string) ([]records.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := errors.ValidatePythonPackageName(pkg); err != nil {
		return nil, err
	}
	name := deps.NormalizeName(pkg)
	sh := s.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	pf, err := s.load(sh, kind, name)
	if err != nil {
		return nil, err
	}
	return flattenFile(kind, pf), nil
}

func flattenFile(kind index.Kind, pf *packageFile) []records.Record {
	var out []records.Record
	for _, version := range deps.SortedKeys(pf.Records) {
		slots := pf.Records[version]
		for _, slot := range deps.SortedKeys(slots) {
			rec := slots[slot]
			artifact, python := records.ParseSlot(slot)
			rec.Key = records.Key{Package: pf.Name, Version: version, Kind: kind, Artifact: artifact, Python: python}
			out = append(out, rec)
		}
	}
	return out
}

// packageFiles lists the package files of kind in shard then name order.
func (s *FileStore) packageFiles(kind index.Kind) ([]string, error) {
	dir := filepath.Join(s.root, string(kind))
	shards, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "list %s", dir)
	}
	var names []string
	for _, sd := range shards {
		if !sd.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(dir, sd.Name()))
		if err != nil {
			return nil, storeErr(err, "list shard %s", sd.Name())
		}
		for _, e := range entries {
			n := e.Name()
			if e.Type().IsRegular() && strings.HasSuffix(n, ".json") {
				names = append(names, strings.TrimSuffix(n, ".json"))
			}
		}
	}
	return names, nil
}

// Walk calls fn for every record of kind in shard, package, version and
// slot order. Walking stops at the first error fn returns.
func (s *FileStore) Walk(ctx context.Context, kind index.Kind, fn func(records.Record) error) error {
	names, err := s.packageFiles(kind)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		sh := s.shardFor(name)
		sh.mu.Lock()
		pf, err := s.load(sh, kind, name)
		var recs []records.Record
		if err == nil {
			recs = flattenFile(kind, pf)
		}
		sh.mu.Unlock()
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats counts the stored records per kind.
func (s *FileStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Format:           s.format.Format,
		ExtractorVersion: s.format.ExtractorVersion,
		Kinds:            make(map[index.Kind]KindStats, len(index.Kinds)),
	}
	for _, kind := range index.Kinds {
		ks := KindStats{ByCode: make(map[errors.Code]int64)}
		last := ""
		err := s.Walk(ctx, kind, func(rec records.Record) error {
			if rec.Key.Package != last {
				ks.Packages++
				last = rec.Key.Package
			}
			if rec.Version() != records.ExtractorVersion {
				ks.Stale++
			}
			if rec.IsSuccess() {
				ks.Successes++
			} else {
				ks.Errors++
				ks.ByCode[rec.Error.Kind]++
			}
			return nil
		})
		if err != nil {
			return Stats{}, err
		}
		st.Kinds[kind] = ks
	}
	return st, nil
}

// Prune removes every record of kind for which keep returns false and
// reports how many were removed. Keys passed to keep carry the normalized
// package name. Package files left empty are deleted.
func (s *FileStore) Prune(ctx context.Context, kind index.Kind, keep func(records.Key) bool) (int, error) {
	names, err := s.packageFiles(kind)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		n, err := s.prunePackage(kind, name, keep)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *FileStore) prunePackage(kind index.Kind, name string, keep func(records.Key) bool) (int, error) {
	sh := s.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	pf, err := s.load(sh, kind, name)
	if err != nil {
		return 0, err
	}
	removed := 0
	for version, slots := range pf.Records {
		for slot := range slots {
			artifact, python := records.ParseSlot(slot)
			key := records.Key{Package: name, Version: version, Kind: kind, Artifact: artifact, Python: python}
			if !keep(key) {
				delete(slots, slot)
				removed++
			}
		}
		if len(slots) == 0 {
			delete(pf.Records, version)
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.write(sh, kind, pf)
}

// Close implements [Store]. Every write is durable once Put returns.
func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
