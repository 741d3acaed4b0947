package scheduler

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zip"

	"github.com/matzehuels/depdb/pkg/checkpoint"
	"github.com/matzehuels/depdb/pkg/deps"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/extract/sdist"
	"github.com/matzehuels/depdb/pkg/fetch"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/observability"
	"github.com/matzehuels/depdb/pkg/records"
	"github.com/matzehuels/depdb/pkg/store"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeFetcher struct {
	files   map[string]string // filename -> local path
	errs    map[string]error
	block   map[string]bool // wait for cancellation
	delay   time.Duration
	onFetch func(ref index.ArtifactRef)

	mu    sync.Mutex
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		files: make(map[string]string),
		errs:  make(map[string]error),
		block: make(map[string]bool),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, ref index.ArtifactRef) (*fetch.Artifact, error) {
	f.mu.Lock()
	f.calls[ref.Filename]++
	f.mu.Unlock()
	if f.onFetch != nil {
		f.onFetch(ref)
	}
	if f.block[ref.Filename] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.errs[ref.Filename]; err != nil {
		return nil, err
	}
	path := f.files[ref.Filename]
	if path == "" {
		path = "/nonexistent/" + ref.Filename
	}
	return &fetch.Artifact{Ref: ref, Path: path}, nil
}

func (f *fakeFetcher) count(filename string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[filename]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// fakeSdist answers with fn per interpreter version.
type fakeSdist struct {
	fn   func(ctx context.Context, ref index.ArtifactRef, python string) sdist.Outcome
	fail func(ref index.ArtifactRef) error // optional whole-artifact error

	mu       sync.Mutex
	requests map[string][][]string
}

func (f *fakeSdist) Extract(ctx context.Context, path string, ref index.ArtifactRef, versions []string) (map[string]sdist.Outcome, error) {
	f.mu.Lock()
	if f.requests == nil {
		f.requests = make(map[string][][]string)
	}
	f.requests[ref.Filename] = append(f.requests[ref.Filename], append([]string(nil), versions...))
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(ref); err != nil {
			return nil, err
		}
	}
	out := make(map[string]sdist.Outcome, len(versions))
	for _, v := range versions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[v] = f.fn(ctx, ref, v)
	}
	return out, nil
}

func (f *fakeSdist) requested(filename string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[filename]
}

func okOutcome(python string, reqs ...string) sdist.Outcome {
	specs, err := deps.ParseSpecifiers(reqs)
	if err != nil {
		panic(err)
	}
	return sdist.Outcome{Python: python, Deps: &records.DependencyRecord{Requires: specs}}
}

func fakeWheel(key records.Key, _ string, now time.Time) records.Record {
	return records.NewSuccess(key, records.DependencyRecord{Requires: []deps.Specifier{{Name: "dep"}}}, now)
}

type recordingHooks struct {
	observability.NoopCrawlHooks
	mu          sync.Mutex
	order       []string
	checkpoints []int64
	onRecord    func(ref index.ArtifactRef)
}

func (h *recordingHooks) OnRecord(_ context.Context, ref index.ArtifactRef, python string, _ errors.Code, _ time.Duration) {
	h.mu.Lock()
	h.order = append(h.order, ref.Filename+"@"+python)
	h.mu.Unlock()
	if h.onRecord != nil {
		h.onRecord(ref)
	}
}

func (h *recordingHooks) OnCheckpoint(_ context.Context, _ index.Kind, pos int64) {
	h.mu.Lock()
	h.checkpoints = append(h.checkpoints, pos)
	h.mu.Unlock()
}

type failingStore struct {
	store.Store
	failAfter int

	mu   sync.Mutex
	puts int
}

func (f *failingStore) Put(ctx context.Context, rec records.Record) error {
	f.mu.Lock()
	f.puts++
	n := f.puts
	f.mu.Unlock()
	if n > f.failAfter {
		return errors.New(errors.ErrCodeStore, "disk full")
	}
	return f.Store.Put(ctx, rec)
}

// =============================================================================
// Helpers
// =============================================================================

func wheelRef(pkg, version string) index.ArtifactRef {
	file := pkg + "-" + version + "-py3-none-any.whl"
	return index.ArtifactRef{
		Package:  pkg,
		Version:  version,
		Kind:     index.Wheel,
		Tag:      "py3",
		Filename: file,
		URL:      "https://files.example/" + file,
		SHA256:   fmt.Sprintf("%x", sha256.Sum256([]byte(file))),
	}
}

func sdistRef(pkg, version string) index.ArtifactRef {
	file := pkg + "-" + version + ".tar.gz"
	return index.ArtifactRef{
		Package:  pkg,
		Version:  version,
		Kind:     index.Sdist,
		Filename: file,
		URL:      "https://files.example/" + file,
		SHA256:   fmt.Sprintf("%x", sha256.Sum256([]byte(file))),
	}
}

// numbered returns n wheel refs in snapshot order.
func numbered(n int) []index.ArtifactRef {
	refs := make([]index.ArtifactRef, n)
	for i := range refs {
		refs[i] = wheelRef(fmt.Sprintf("pkg%03d", i), "1.0")
	}
	return refs
}

func entries(refs ...index.ArtifactRef) iter.Seq2[index.ArtifactRef, error] {
	return func(yield func(index.ArtifactRef, error) bool) {
		for _, r := range refs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func openStore(t *testing.T) *store.FileStore {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newScheduler(st store.Store, f Fetcher) *Scheduler {
	return &Scheduler{
		Workers: 4,
		Fetcher: f,
		Wheel:   fakeWheel,
		Store:   st,
		Pythons: []string{"2.7", "3.10"},
		Logger:  log.New(io.Discard),
	}
}

func storedRecords(t *testing.T, s *store.FileStore, kind index.Kind) map[string]records.Record {
	t.Helper()
	out := make(map[string]records.Record)
	err := s.Walk(context.Background(), kind, func(r records.Record) error {
		out[r.Key.String()] = r
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func writeWheel(t *testing.T, metadata string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "requests_example-1.0-py3-none-any.whl")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("requests_example-1.0.dist-info/METADATA")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, metadata); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

// =============================================================================
// Tests
// =============================================================================

func TestRunWheelsOneRecordPerArtifact(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	f := newFakeFetcher()

	good := wheelRef("requests-example", "1.0")
	mismatch := wheelRef("tampered", "1.0")
	garbage := wheelRef("zzz", "1.0")

	f.files[good.Filename] = writeWheel(t, "Metadata-Version: 2.1\nName: requests-example\nVersion: 1.0\nRequires-Dist: requests>=2.0\nRequires-Dist: six; python_version<'3'\n")
	f.errs[mismatch.Filename] = errors.New(errors.ErrCodeFetchHashMismatch, "sha256 mismatch")
	junk := filepath.Join(t.TempDir(), "junk.whl")
	if err := os.WriteFile(junk, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.files[garbage.Filename] = junk

	s := newScheduler(st, f)
	s.Wheel = nil // real wheel extractor
	cur, sum, err := s.Run(ctx, entries(good, mismatch, garbage), *checkpoint.Fresh(index.Wheel, "rev"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !cur.Complete || cur.Position != 3 || cur.After != garbage.SortKey() {
		t.Errorf("cursor = %+v", cur)
	}
	if sum.Reason != EndComplete || sum.Records != 3 || sum.Failures != 2 {
		t.Errorf("summary = %+v", sum)
	}

	got := storedRecords(t, st, index.Wheel)
	if len(got) != 3 {
		t.Fatalf("stored %d records, want 3", len(got))
	}

	rec, ok, err := st.Get(ctx, records.KeyFor(good, ""))
	if err != nil || !ok || !rec.IsSuccess() {
		t.Fatalf("good wheel record = %+v, %v, %v", rec, ok, err)
	}
	want := []string{"requests>=2.0", "six; python_version<'3'"}
	if len(rec.Success.Requires) != len(want) {
		t.Fatalf("Requires = %v", rec.Success.Requires)
	}
	for i, spec := range rec.Success.Requires {
		if spec.String() != want[i] {
			t.Errorf("Requires[%d] = %q, want %q", i, spec.String(), want[i])
		}
	}

	codes := map[index.ArtifactRef]errors.Code{
		mismatch: errors.ErrCodeFetchHashMismatch,
		garbage:  errors.ErrCodeMalformedArtifact,
	}
	for ref, code := range codes {
		rec, ok, err := st.Get(ctx, records.KeyFor(ref, ""))
		if err != nil || !ok || rec.Error == nil || rec.Error.Kind != code {
			t.Errorf("%s record = %+v, want %s", ref.Filename, rec.Error, code)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	f := newFakeFetcher()
	refs := numbered(6)
	f.errs[refs[2].Filename] = errors.New(errors.ErrCodeFetchNetwork, "503")

	s := newScheduler(st, f)
	if _, _, err := s.Run(ctx, entries(refs...), *checkpoint.Fresh(index.Wheel, "rev")); err != nil {
		t.Fatal(err)
	}
	first := storedRecords(t, st, index.Wheel)

	_, sum, err := s.Run(ctx, entries(refs...), *checkpoint.Fresh(index.Wheel, "rev"))
	if err != nil {
		t.Fatal(err)
	}
	second := storedRecords(t, st, index.Wheel)

	// Successes are skipped; the error record is retried and fails alike.
	if sum.Skipped != 5 || sum.Dispatched != 1 {
		t.Errorf("second run summary = %+v", sum)
	}
	if f.count(refs[2].Filename) != 2 || f.count(refs[0].Filename) != 1 {
		t.Errorf("fetch counts: failed=%d ok=%d", f.count(refs[2].Filename), f.count(refs[0].Filename))
	}
	if len(first) != len(second) {
		t.Fatalf("record count changed: %d -> %d", len(first), len(second))
	}
	for k, a := range first {
		if b, ok := second[k]; !ok || !a.SameOutcome(b) {
			t.Errorf("%s changed between runs", k)
		}
	}
}

func TestRunSdistPerInterpreter(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	f := newFakeFetcher()
	ref := sdistRef("legacy", "0.9")

	ex := &fakeSdist{fn: func(_ context.Context, _ index.ArtifactRef, py string) sdist.Outcome {
		if py == "2.7" {
			return okOutcome(py, "six")
		}
		return sdist.Outcome{Python: py, Err: errors.New(errors.ErrCodeNoBuildScript, "setup() never called")}
	}}
	s := newScheduler(st, f)
	s.Sdist = ex

	if _, _, err := s.Run(ctx, entries(ref), *checkpoint.Fresh(index.Sdist, "rev")); err != nil {
		t.Fatal(err)
	}
	ok27, _ := st.ExistsSuccess(ctx, records.KeyFor(ref, "2.7"), "")
	rec310, found, _ := st.Get(ctx, records.KeyFor(ref, "3.10"))
	if !ok27 {
		t.Error("2.7 should hold a success record")
	}
	if !found || rec310.Error == nil || rec310.Error.Kind != errors.ErrCodeNoBuildScript {
		t.Errorf("3.10 record = %+v, want NO_BUILD_SCRIPT", rec310)
	}

	// The next pass only re-runs the interpreter that has no success.
	if _, _, err := s.Run(ctx, entries(ref), *checkpoint.Fresh(index.Sdist, "rev2")); err != nil {
		t.Fatal(err)
	}
	reqs := ex.requested(ref.Filename)
	if len(reqs) != 2 || strings.Join(reqs[0], ",") != "2.7,3.10" || strings.Join(reqs[1], ",") != "3.10" {
		t.Errorf("requested versions = %v", reqs)
	}
}

func TestRunNoSpaceAbandonsEntry(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	a, b, c := sdistRef("a", "1.0"), sdistRef("b", "1.0"), sdistRef("c", "1.0")

	ex := &fakeSdist{
		fn: func(_ context.Context, _ index.ArtifactRef, py string) sdist.Outcome { return okOutcome(py) },
		fail: func(ref index.ArtifactRef) error {
			if ref.Package == "b" {
				return fmt.Errorf("%w: unpack", sdist.ErrNoSpace)
			}
			return nil
		},
	}
	s := newScheduler(st, newFakeFetcher())
	s.Workers = 1
	s.Sdist = ex

	cur, _, err := s.Run(ctx, entries(a, b, c), *checkpoint.Fresh(index.Sdist, "rev"))
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	got := storedRecords(t, st, index.Sdist)
	if len(got) != 4 {
		t.Errorf("stored %d records, want 4 (a and c, two interpreters each)", len(got))
	}
	for key := range got {
		if strings.HasPrefix(key, "b") {
			t.Errorf("record %s stored for an abandoned entry", key)
		}
	}
	if cur.Complete || cur.After != a.SortKey() || cur.Position != 1 {
		t.Errorf("cursor = %+v, want incomplete after a", cur)
	}
}

func TestRunResumesAfterCancel(t *testing.T) {
	refs := numbered(8)

	// Reference: one uninterrupted session.
	refStore := openStore(t)
	if _, _, err := newScheduler(refStore, newFakeFetcher()).Run(context.Background(), entries(refs...), *checkpoint.Fresh(index.Wheel, "rev")); err != nil {
		t.Fatal(err)
	}
	want := storedRecords(t, refStore, index.Wheel)

	st := openStore(t)
	f := newFakeFetcher()
	ctx, cancel := context.WithCancel(context.Background())
	f.block[refs[3].Filename] = true
	f.onFetch = func(ref index.ArtifactRef) {
		if ref.Filename == refs[3].Filename {
			cancel()
		}
	}
	s := newScheduler(st, f)
	s.Workers = 1

	cur, sum, err := s.Run(ctx, entries(refs...), *checkpoint.Fresh(index.Wheel, "rev"))
	if err != context.Canceled {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if sum.Reason != EndCancelled {
		t.Errorf("Reason = %s", sum.Reason)
	}
	if cur.Complete || cur.Position != 3 || cur.After != refs[2].SortKey() {
		t.Errorf("cursor after cancel = %+v", cur)
	}
	if _, ok, _ := st.Get(context.Background(), records.KeyFor(refs[3], "")); ok {
		t.Error("abandoned entry must not be recorded")
	}

	// Resume from the returned cursor.
	delete(f.block, refs[3].Filename)
	f.onFetch = nil
	cur, _, err = s.Run(context.Background(), entries(refs...), cur)
	if err != nil {
		t.Fatal(err)
	}
	if !cur.Complete || cur.Position != int64(len(refs)) {
		t.Errorf("cursor after resume = %+v", cur)
	}
	if f.count(refs[0].Filename) != 1 {
		t.Errorf("committed entry fetched %d times, want 1", f.count(refs[0].Filename))
	}

	got := storedRecords(t, st, index.Wheel)
	if len(got) != len(want) {
		t.Fatalf("resumed sessions stored %d records, want %d", len(got), len(want))
	}
	for k, a := range want {
		if b, ok := got[k]; !ok || !a.SameOutcome(b) {
			t.Errorf("%s differs from uninterrupted run", k)
		}
	}
}

func TestRunBudget(t *testing.T) {
	st := openStore(t)
	f := newFakeFetcher()
	f.delay = 20 * time.Millisecond
	refs := numbered(40)

	s := newScheduler(st, f)
	s.Workers = 2
	s.Budget = 60 * time.Millisecond

	cur, sum, err := s.Run(context.Background(), entries(refs...), *checkpoint.Fresh(index.Wheel, "rev"))
	if err != nil {
		t.Fatalf("budget end should not be an error: %v", err)
	}
	if sum.Reason != EndBudget || cur.Complete {
		t.Fatalf("summary = %+v cursor = %+v", sum, cur)
	}
	if sum.Dispatched == 0 || sum.Dispatched >= int64(len(refs)) {
		t.Errorf("dispatched %d of %d", sum.Dispatched, len(refs))
	}
	// In-flight work drains, so every dispatched entry is committed.
	if cur.Position != sum.Dispatched || sum.Records != sum.Dispatched {
		t.Errorf("position %d, records %d, dispatched %d", cur.Position, sum.Records, sum.Dispatched)
	}

	s.Budget = 0
	cur, _, err = s.Run(context.Background(), entries(refs...), cur)
	if err != nil {
		t.Fatal(err)
	}
	if !cur.Complete || cur.Position != int64(len(refs)) {
		t.Errorf("cursor = %+v", cur)
	}
	if f.total() != len(refs) {
		t.Errorf("fetched %d times, want %d", f.total(), len(refs))
	}
}

func TestRunSlowTaskDoesNotDelaySiblings(t *testing.T) {
	st := openStore(t)
	f := newFakeFetcher()
	slow := sdistRef("aaa-slow", "1.0")
	fast := []index.ArtifactRef{sdistRef("bbb", "1.0"), sdistRef("ccc", "1.0"), sdistRef("ddd", "1.0")}

	const timeout = 300 * time.Millisecond
	ex := &fakeSdist{fn: func(ctx context.Context, ref index.ArtifactRef, py string) sdist.Outcome {
		if ref.Filename == slow.Filename {
			select {
			case <-time.After(timeout):
			case <-ctx.Done():
			}
			return sdist.Outcome{Python: py, Err: errors.New(errors.ErrCodeTimeout, "build script exceeded %s", timeout)}
		}
		return okOutcome(py)
	}}
	hooks := &recordingHooks{}
	s := newScheduler(st, f)
	s.Workers = 2
	s.Pythons = []string{"3.10"}
	s.Sdist = ex
	s.Hooks = hooks

	start := time.Now()
	_, sum, err := s.Run(context.Background(), entries(append([]index.ArtifactRef{slow}, fast...)...), *checkpoint.Fresh(index.Sdist, "rev"))
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > timeout+time.Second {
		t.Errorf("session took %v", elapsed)
	}
	if sum.Records != 4 || sum.Failures != 1 {
		t.Errorf("summary = %+v", sum)
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if last := hooks.order[len(hooks.order)-1]; last != slow.Filename+"@3.10" {
		t.Errorf("record order = %v, want the slow entry last", hooks.order)
	}
}

func TestRunFatalStoreError(t *testing.T) {
	st := openStore(t)
	failing := &failingStore{Store: st, failAfter: 2}
	refs := numbered(10)

	s := newScheduler(failing, newFakeFetcher())
	s.Workers = 1
	cur, sum, err := s.Run(context.Background(), entries(refs...), *checkpoint.Fresh(index.Wheel, "rev"))
	if !errors.Is(err, errors.ErrCodeStore) {
		t.Fatalf("Run error = %v, want STORE", err)
	}
	if sum.Reason != EndFatal {
		t.Errorf("Reason = %s", sum.Reason)
	}
	if cur.Complete || cur.Position != 2 {
		t.Errorf("cursor = %+v, want position 2", cur)
	}
}

func TestRunSnapshotError(t *testing.T) {
	st := openStore(t)
	refs := numbered(2)
	broken := func(yield func(index.ArtifactRef, error) bool) {
		for _, r := range refs {
			if !yield(r, nil) {
				return
			}
		}
		yield(index.ArtifactRef{}, fmt.Errorf("truncated line"))
	}

	cur, _, err := newScheduler(st, newFakeFetcher()).Run(context.Background(), broken, *checkpoint.Fresh(index.Wheel, "rev"))
	if !errors.Is(err, errors.ErrCodeSnapshot) || !errors.IsFatal(err) {
		t.Fatalf("Run error = %v, want SNAPSHOT", err)
	}
	if cur.Position != 2 || cur.Complete {
		t.Errorf("cursor = %+v", cur)
	}
}

func TestRunRecordsPanics(t *testing.T) {
	st := openStore(t)
	ref := wheelRef("boom", "1.0")
	s := newScheduler(st, newFakeFetcher())
	s.Wheel = func(records.Key, string, time.Time) records.Record { panic("index out of range") }

	if _, _, err := s.Run(context.Background(), entries(ref), *checkpoint.Fresh(index.Wheel, "rev")); err != nil {
		t.Fatal(err)
	}
	rec, ok, err := st.Get(context.Background(), records.KeyFor(ref, ""))
	if err != nil || !ok || rec.Error == nil {
		t.Fatalf("record = %+v, %v, %v", rec, ok, err)
	}
	if rec.Error.Kind != errors.ErrCodeMalformedArtifact || !strings.Contains(rec.Error.Diagnostic, "index out of range") {
		t.Errorf("error record = %+v", rec.Error)
	}
}

func TestRunCheckpoints(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	cp, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	hooks := &recordingHooks{}
	s := newScheduler(st, newFakeFetcher())
	s.Workers = 1
	s.Checkpoints = cp
	s.CheckpointEvery = 2
	s.Hooks = hooks

	if _, _, err := s.Run(ctx, entries(numbered(5)...), *checkpoint.Fresh(index.Wheel, "rev")); err != nil {
		t.Fatal(err)
	}
	saved, err := cp.Load(ctx, index.Wheel)
	if err != nil || saved == nil {
		t.Fatalf("Load = %+v, %v", saved, err)
	}
	if !saved.Complete || saved.Position != 5 || saved.Revision != "rev" || saved.SessionID == "" {
		t.Errorf("saved cursor = %+v", saved)
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.checkpoints) < 2 || hooks.checkpoints[len(hooks.checkpoints)-1] != 5 {
		t.Errorf("checkpoints = %v", hooks.checkpoints)
	}
	for i := 1; i < len(hooks.checkpoints); i++ {
		if hooks.checkpoints[i] < hooks.checkpoints[i-1] {
			t.Errorf("cursor moved backwards: %v", hooks.checkpoints)
		}
	}
}

func TestRunStalePolicy(t *testing.T) {
	ctx := context.Background()
	ref := wheelRef("old", "1.0")

	tests := []struct {
		policy     StalePolicy
		dispatched int64
	}{
		{Reprocess, 1},
		{Keep, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			st := openStore(t)
			old := fakeWheel(records.KeyFor(ref, ""), "", time.Now())
			old.Success.ExtractorVersion = "0"
			if err := st.Put(ctx, old); err != nil {
				t.Fatal(err)
			}
			s := newScheduler(st, newFakeFetcher())
			s.StalePolicy = tt.policy
			_, sum, err := s.Run(ctx, entries(ref), *checkpoint.Fresh(index.Wheel, "rev"))
			if err != nil {
				t.Fatal(err)
			}
			if sum.Dispatched != tt.dispatched {
				t.Errorf("dispatched = %d, want %d", sum.Dispatched, tt.dispatched)
			}
		})
	}
}

func TestRunIgnoresOtherKindsAndCommittedEntries(t *testing.T) {
	st := openStore(t)
	f := newFakeFetcher()
	refs := numbered(4)
	mixed := []index.ArtifactRef{refs[0], sdistRef("pkg000", "1.0"), refs[1], refs[2], refs[3]}

	cur := *checkpoint.Fresh(index.Wheel, "rev")
	cur.After = refs[1].SortKey()
	cur.Position = 2

	out, sum, err := newScheduler(st, f).Run(context.Background(), entries(mixed...), cur)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Dispatched != 2 || f.count(refs[0].Filename) != 0 || f.count(mixed[1].Filename) != 0 {
		t.Errorf("summary = %+v calls = %v", sum, f.calls)
	}
	if !out.Complete || out.Position != 4 {
		t.Errorf("cursor = %+v", out)
	}
}

func TestRunValidates(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Scheduler)
		kind index.Kind
	}{
		{"no store", func(s *Scheduler) { s.Store = nil }, index.Wheel},
		{"no sdist extractor", func(s *Scheduler) { s.Sdist = nil }, index.Sdist},
		{"no pythons", func(s *Scheduler) { s.Sdist = &fakeSdist{}; s.Pythons = nil }, index.Sdist},
		{"bad kind", func(*Scheduler) {}, "egg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScheduler(openStore(t), newFakeFetcher())
			tt.mod(s)
			_, _, err := s.Run(context.Background(), entries(), *checkpoint.Fresh(tt.kind, "rev"))
			if !errors.Is(err, errors.ErrCodeInvalidInput) {
				t.Errorf("Run error = %v, want INVALID_INPUT", err)
			}
		})
	}
}

func TestParseStalePolicy(t *testing.T) {
	for in, want := range map[string]StalePolicy{"": Reprocess, "reprocess": Reprocess, "keep": Keep} {
		if got, err := ParseStalePolicy(in); err != nil || got != want {
			t.Errorf("ParseStalePolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseStalePolicy("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
