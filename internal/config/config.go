// Package config loads depdb settings.
//
// Settings come from four layers, later ones winning:
//
//  1. built-in defaults ([Default])
//  2. a TOML file, by default $XDG_CONFIG_HOME/depdb/config.toml
//  3. DEPDB_* environment variables
//  4. command-line flags, applied by the CLI after [Load]
//
// A missing default config file is not an error; a missing file named
// explicitly is.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/fetch"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/sandbox"
	"github.com/matzehuels/depdb/pkg/scheduler"
)

const appName = "depdb"

// DefaultPythons is the interpreter set sdists are probed with.
var DefaultPythons = []string{"2.7", "3.6", "3.7", "3.8", "3.9", "3.10", "3.11"}

// Config holds every tunable of a crawl.
type Config struct {
	Workers         int      `toml:"workers"`
	Budget          Budget   `toml:"budget"`
	ScratchDir      string   `toml:"scratch_dir"`
	DownloadDir     string   `toml:"download_dir"` // empty keeps no downloads
	Pythons         []string `toml:"pythons"`
	Snapshot        string   `toml:"snapshot"`
	Store           string   `toml:"store"`
	CheckpointDir   string   `toml:"checkpoint_dir"` // empty uses <store>.cursors
	CheckpointEvery int      `toml:"checkpoint_every"`
	StalePolicy     string   `toml:"stale_policy"`
	StatusAddr      string   `toml:"status_addr"`

	Fetch   Fetch   `toml:"fetch"`
	Sandbox Sandbox `toml:"sandbox"`
	Redis   Redis   `toml:"redis"`
	Mongo   Mongo   `toml:"mongo"`
}

// Budget is the dispatch window per artifact kind. Zero is unbounded.
type Budget struct {
	Wheel time.Duration `toml:"wheel"`
	Sdist time.Duration `toml:"sdist"`
}

// For returns the budget of kind.
func (b Budget) For(kind index.Kind) time.Duration {
	if kind == index.Sdist {
		return b.Sdist
	}
	return b.Wheel
}

type Fetch struct {
	Attempts  int           `toml:"attempts"`
	Backoff   time.Duration `toml:"backoff"`
	BaseURL   string        `toml:"base_url"`
	UserAgent string        `toml:"user_agent"`
}

type Sandbox struct {
	Command   []string      `toml:"command"`
	Timeout   time.Duration `toml:"timeout"`
	MaxOutput int           `toml:"max_output"`
}

// Redis enables Redis checkpoints and session locks when Addr is set.
type Redis struct {
	Addr     string        `toml:"addr"`
	Password string        `toml:"password"`
	DB       int           `toml:"db"`
	LockTTL  time.Duration `toml:"lock_ttl"`
}

// Mongo enables the MongoDB store mirror when URI is set.
type Mongo struct {
	URI        string `toml:"uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Workers:         2 * runtime.NumCPU(),
		ScratchDir:      filepath.Join(os.TempDir(), appName, "scratch"),
		DownloadDir:     defaultDownloadDir(),
		Pythons:         append([]string(nil), DefaultPythons...),
		Store:           "./depdb-store",
		CheckpointEvery: scheduler.DefaultCheckpointEvery,
		StalePolicy:     string(scheduler.Reprocess),
		Fetch: Fetch{
			Attempts:  fetch.DefaultAttempts,
			Backoff:   fetch.DefaultBackoff,
			BaseURL:   index.DefaultBaseURL,
			UserAgent: fetch.UserAgent(),
		},
		Sandbox: Sandbox{
			Command:   append([]string(nil), sandbox.DefaultArgv...),
			Timeout:   60 * time.Second,
			MaxOutput: sandbox.DefaultMaxOutput,
		},
		Mongo: Mongo{
			Database:   appName,
			Collection: "records",
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/depdb/config.toml, falling back to
// ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appName, "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName, "config.toml")
}

func defaultDownloadDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, appName, "artifacts")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cache", appName, "artifacts")
}

// Load builds a Config from the defaults, the file at path and the
// environment. An empty path reads [DefaultPath] if it exists.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.loadFile(path, explicit); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return errors.Wrap(errors.ErrCodeInvalidInput, err, "read config %s", path)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return errors.New(errors.ErrCodeInvalidInput, "config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overrides c with DEPDB_* variables read through lookup.
//
//	DEPDB_WORKERS           workers
//	DEPDB_MAX_MINUTES       budget for both kinds, in minutes
//	DEPDB_PYTHON_VERSIONS   comma or space separated interpreter versions
//	DEPDB_DUMP_DIR          store
//	DEPDB_TMP_DIR           scratch_dir
//	DEPDB_SNAPSHOT          snapshot
//	DEPDB_REDIS_ADDR        redis.addr
//	DEPDB_MONGO_URI         mongo.uri
//	DEPDB_STATUS_ADDR       status_addr
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup("DEPDB_" + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidInput, err, "DEPDB_WORKERS")
		}
		c.Workers = n
	}
	if v, ok := get("MAX_MINUTES"); ok {
		m, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidInput, err, "DEPDB_MAX_MINUTES")
		}
		d := time.Duration(m * float64(time.Minute))
		c.Budget = Budget{Wheel: d, Sdist: d}
	}
	if v, ok := get("PYTHON_VERSIONS"); ok {
		c.Pythons = SplitList(v)
	}
	if v, ok := get("DUMP_DIR"); ok {
		c.Store = v
	}
	if v, ok := get("TMP_DIR"); ok {
		c.ScratchDir = v
	}
	if v, ok := get("SNAPSHOT"); ok {
		c.Snapshot = v
	}
	if v, ok := get("REDIS_ADDR"); ok {
		c.Redis.Addr = v
	}
	if v, ok := get("MONGO_URI"); ok {
		c.Mongo.URI = v
	}
	if v, ok := get("STATUS_ADDR"); ok {
		c.StatusAddr = v
	}
	return nil
}

// SplitList splits a comma or whitespace separated list.
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// Validate rejects settings a crawl cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Workers <= 0:
		return errors.New(errors.ErrCodeInvalidInput, "workers must be positive, got %d", c.Workers)
	case c.Budget.Wheel < 0 || c.Budget.Sdist < 0:
		return errors.New(errors.ErrCodeInvalidInput, "budgets must not be negative")
	case len(c.Pythons) == 0:
		return errors.New(errors.ErrCodeInvalidInput, "at least one interpreter version is required")
	case c.Store == "":
		return errors.New(errors.ErrCodeInvalidInput, "store path is required")
	case c.CheckpointEvery < 0:
		return errors.New(errors.ErrCodeInvalidInput, "checkpoint_every must not be negative")
	case c.Fetch.Attempts < 0 || c.Fetch.Backoff < 0:
		return errors.New(errors.ErrCodeInvalidInput, "fetch attempts and backoff must not be negative")
	case c.Sandbox.Timeout < 0 || c.Sandbox.MaxOutput < 0:
		return errors.New(errors.ErrCodeInvalidInput, "sandbox timeout and max_output must not be negative")
	}
	seen := make(map[string]bool, len(c.Pythons))
	for _, v := range c.Pythons {
		if err := errors.ValidatePythonVersion(v); err != nil {
			return err
		}
		if seen[v] {
			return errors.New(errors.ErrCodeInvalidInput, "duplicate interpreter version %q", v)
		}
		seen[v] = true
	}
	if _, err := scheduler.ParseStalePolicy(c.StalePolicy); err != nil {
		return err
	}
	return nil
}

// CursorDir returns where file checkpoints live. The default is a
// sibling of the store so the store holds record files only.
func (c Config) CursorDir() string {
	if c.CheckpointDir != "" {
		return c.CheckpointDir
	}
	return filepath.Clean(c.Store) + ".cursors"
}
