package cli

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zip"
	"github.com/spf13/cobra"

	"github.com/matzehuels/depdb/internal/config"
	"github.com/matzehuels/depdb/pkg/checkpoint"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
)

// =============================================================================
// Helpers
// =============================================================================

// wheelBytes builds a wheel whose METADATA declares requires.
func wheelBytes(t *testing.T, name, version string, requires ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name + "-" + version + ".dist-info/METADATA")
	if err != nil {
		t.Fatal(err)
	}
	meta := "Metadata-Version: 2.1\nName: " + name + "\nVersion: " + version + "\n"
	for _, r := range requires {
		meta += "Requires-Dist: " + r + "\n"
	}
	if _, err := io.WriteString(w, meta); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// testIndex serves wheels over HTTP and writes the matching JSONL snapshot.
type testIndex struct {
	srv      *httptest.Server
	files    map[string][]byte
	refs     []index.ArtifactRef
	snapshot string
}

func newTestIndex(t *testing.T) *testIndex {
	t.Helper()
	ti := &testIndex{files: make(map[string][]byte)}
	ti.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := ti.files[filepath.Base(r.URL.Path)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(ti.srv.Close)
	ti.snapshot = filepath.Join(t.TempDir(), "snapshot.jsonl")
	return ti
}

// addWheel registers a wheel. Wheels must be added in snapshot order.
func (ti *testIndex) addWheel(t *testing.T, name, version string, requires ...string) {
	t.Helper()
	file := name + "-" + version + "-py3-none-any.whl"
	data := wheelBytes(t, name, version, requires...)
	sum := sha256.Sum256(data)
	ti.files[file] = data
	ti.refs = append(ti.refs, index.ArtifactRef{
		Package:  name,
		Version:  version,
		Kind:     index.Wheel,
		Tag:      "py3",
		Filename: file,
		URL:      ti.srv.URL + "/" + file,
		SHA256:   hex.EncodeToString(sum[:]),
	})
	ti.write(t)
}

func (ti *testIndex) write(t *testing.T) {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ref := range ti.refs {
		if err := enc.Encode(ref); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(ti.snapshot, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

// testConfig isolates the CLI from the user's environment.
func testConfig(t *testing.T, snapshot string) config.Config {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	for _, name := range []string{"WORKERS", "MAX_MINUTES", "PYTHON_VERSIONS", "DUMP_DIR", "TMP_DIR", "SNAPSHOT", "REDIS_ADDR", "MONGO_URI", "STATUS_ADDR"} {
		t.Setenv("DEPDB_"+name, "")
	}
	cfg := config.Default()
	cfg.Snapshot = snapshot
	cfg.Store = filepath.Join(t.TempDir(), "store")
	cfg.DownloadDir = filepath.Join(t.TempDir(), "downloads")
	cfg.ScratchDir = t.TempDir()
	cfg.Workers = 2
	cfg.Fetch.Attempts = 1
	return cfg
}

func testContext() context.Context {
	return withLogger(context.Background(), newLogger(io.Discard, log.InfoLevel))
}

// runRoot executes the root command with args.
func runRoot(t *testing.T, args ...string) error {
	t.Helper()
	c := New(io.Discard, log.InfoLevel)
	root := c.RootCommand()
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	return root.ExecuteContext(context.Background())
}

// =============================================================================
// Tests
// =============================================================================

func TestRootCommandSubcommands(t *testing.T) {
	root := New(io.Discard, log.InfoLevel).RootCommand()
	want := []string{"crawl", "status", "show", "prune", "cache", "completion"}
	var got []string
	for _, cmd := range root.Commands() {
		got = append(got, cmd.Name())
	}
	for _, name := range want {
		if !slices.Contains(got, name) {
			t.Errorf("missing subcommand %q (have %v)", name, got)
		}
	}
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, cfg config.Config)
	}{
		{
			name: "unset flags keep config",
			args: nil,
			check: func(t *testing.T, cfg config.Config) {
				if cfg.Workers != 5 || cfg.Store != "/from/file" {
					t.Errorf("cfg = %+v", cfg)
				}
			},
		},
		{
			name: "set flags override",
			args: []string{"--workers", "9", "--store", "/from/flag", "--budget", "30m", "--pythons", "2.7,3.11"},
			check: func(t *testing.T, cfg config.Config) {
				if cfg.Workers != 9 || cfg.Store != "/from/flag" {
					t.Errorf("cfg = %+v", cfg)
				}
				if cfg.Budget.Wheel != 30*time.Minute || cfg.Budget.Sdist != 30*time.Minute {
					t.Errorf("Budget = %+v", cfg.Budget)
				}
				if !slices.Equal(cfg.Pythons, []string{"2.7", "3.11"}) {
					t.Errorf("Pythons = %v", cfg.Pythons)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "x", RunE: func(*cobra.Command, []string) error { return nil }}
			cmd.Flags().Int("workers", 0, "")
			cmd.Flags().String("store", "", "")
			cmd.Flags().Duration("budget", 0, "")
			cmd.Flags().StringSlice("pythons", nil, "")
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatal(err)
			}
			cfg := config.Default()
			cfg.Workers = 5
			cfg.Store = "/from/file"
			applyFlags(cmd, &cfg)
			tt.check(t, cfg)
		})
	}
}

func TestCrawlRejectsUnknownKind(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := runRoot(t, "crawl", "egg"); err == nil {
		t.Error("crawl egg = nil, want error")
	}
}

func TestCrawlEndToEnd(t *testing.T) {
	ti := newTestIndex(t)
	ti.addWheel(t, "alpha", "1.0", "requests>=2.0", "idna; extra == \"security\"")
	ti.addWheel(t, "beta", "0.1")
	ti.files["broken-1.0-py3-none-any.whl"] = []byte("not a zip")
	sum := sha256.Sum256(ti.files["broken-1.0-py3-none-any.whl"])
	ti.refs = append(ti.refs, index.ArtifactRef{
		Package: "broken", Version: "1.0", Kind: index.Wheel, Tag: "py3",
		Filename: "broken-1.0-py3-none-any.whl",
		URL:      ti.srv.URL + "/broken-1.0-py3-none-any.whl",
		SHA256:   hex.EncodeToString(sum[:]),
	})
	ti.write(t)

	cfg := testConfig(t, ti.snapshot)
	args := []string{"crawl", "wheel",
		"--snapshot", ti.snapshot,
		"--store", cfg.Store,
		"--download-dir", cfg.DownloadDir,
		"--scratch-dir", cfg.ScratchDir,
		"--workers", "2",
	}
	if err := runRoot(t, args...); err != nil {
		t.Fatalf("crawl: %v", err)
	}

	ctx := testContext()
	rep, err := collectStatus(ctx, cfg)
	if err != nil {
		t.Fatalf("collectStatus: %v", err)
	}
	ws := rep.Stats.Kinds[index.Wheel]
	if ws.Packages != 3 || ws.Successes != 2 || ws.Errors != 1 {
		t.Errorf("wheel stats = %+v, want 3 packages, 2 successes, 1 error", ws)
	}
	if ws.ByCode[errors.ErrCodeMalformedArtifact] != 1 {
		t.Errorf("ByCode = %v", ws.ByCode)
	}
	cur := rep.Cursors[index.Wheel]
	if cur == nil || !cur.Complete || cur.Position != 3 {
		t.Fatalf("wheel cursor = %+v, want complete at 3", cur)
	}
	if cursorState(cur, rep.Revision) != "complete" {
		t.Errorf("cursorState = %q", cursorState(cur, rep.Revision))
	}
	if rep.Cursors[index.Sdist] != nil {
		t.Errorf("sdist cursor = %+v, want none", rep.Cursors[index.Sdist])
	}

	recs, err := lookupRecords(ctx, cfg, "Alpha", "1.0", index.Kinds)
	if err != nil {
		t.Fatalf("lookupRecords: %v", err)
	}
	if len(recs) != 1 || recs[0].Success == nil {
		t.Fatalf("records = %+v", recs)
	}
	if got := recs[0].Success.Requires; len(got) != 2 || got[0].Name != "requests" {
		t.Errorf("Requires = %+v", got)
	}

	// The downloads were kept.
	entries, err := os.ReadDir(cfg.DownloadDir)
	if err != nil || len(entries) == 0 {
		t.Errorf("download dir entries = %v, %v", entries, err)
	}

	// A second run over the same snapshot has nothing to do.
	if err := runRoot(t, args...); err != nil {
		t.Fatalf("second crawl: %v", err)
	}
	cp, err := checkpoint.NewFileStore(cfg.CursorDir())
	if err != nil {
		t.Fatal(err)
	}
	again, err := cp.Load(ctx, index.Wheel)
	if err != nil {
		t.Fatal(err)
	}
	if again.SessionID != cur.SessionID {
		t.Errorf("second run started session %s, want no new session", again.SessionID)
	}
}

func TestShowNotFound(t *testing.T) {
	cfg := testConfig(t, "")
	if err := os.MkdirAll(cfg.Store, 0o755); err != nil {
		t.Fatal(err)
	}
	_, err := lookupRecords(testContext(), cfg, "missing", "", index.Kinds)
	if !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestStatusWithoutStore(t *testing.T) {
	cfg := testConfig(t, "")
	_, err := collectStatus(testContext(), cfg)
	if !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestPrune(t *testing.T) {
	ti := newTestIndex(t)
	ti.addWheel(t, "alpha", "1.0")
	ti.addWheel(t, "beta", "1.0")
	cfg := testConfig(t, ti.snapshot)
	ctx := testContext()

	if err := runRoot(t, "crawl", "wheel", "--snapshot", ti.snapshot, "--store", cfg.Store,
		"--download-dir", cfg.DownloadDir, "--scratch-dir", cfg.ScratchDir); err != nil {
		t.Fatal(err)
	}

	ti.refs = ti.refs[:1]
	ti.write(t)
	n, err := runPrune(ctx, cfg, index.Wheel)
	if err != nil {
		t.Fatalf("runPrune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, err := lookupRecords(ctx, cfg, "beta", "", index.Kinds); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("beta still present: %v", err)
	}
}

func TestPruneLocked(t *testing.T) {
	ti := newTestIndex(t)
	ti.addWheel(t, "alpha", "1.0")
	cfg := testConfig(t, ti.snapshot)
	ctx := testContext()

	cp, err := checkpoint.NewFileStore(cfg.CursorDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := cp.Lock(ctx, index.Wheel, "crawler"); err != nil {
		t.Fatal(err)
	}
	if _, err := runPrune(ctx, cfg, index.Wheel); !errors.Is(err, errors.ErrCodeLocked) {
		t.Errorf("runPrune() error = %v, want LOCKED", err)
	}
}

func TestClearDir(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"ab/cdef", "ab/cdeg", "12/3456", "top"} {
		path := filepath.Join(dir, p)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	n, err := clearDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("clearDir() = %d, want 4", n)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("dir not empty: %v", entries)
	}
}
