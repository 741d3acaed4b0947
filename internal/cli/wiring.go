package cli

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/depdb/internal/config"
	"github.com/matzehuels/depdb/pkg/cache"
	"github.com/matzehuels/depdb/pkg/checkpoint"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/extract/sdist"
	"github.com/matzehuels/depdb/pkg/fetch"
	"github.com/matzehuels/depdb/pkg/httputil"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/observability"
	"github.com/matzehuels/depdb/pkg/pipeline"
	"github.com/matzehuels/depdb/pkg/sandbox"
	"github.com/matzehuels/depdb/pkg/scheduler"
	"github.com/matzehuels/depdb/pkg/store"
	"github.com/matzehuels/depdb/pkg/store/mongostore"
)

// =============================================================================
// Components
// =============================================================================

// components are the long-lived parts a command works with. close releases
// them in reverse order of creation.
type components struct {
	reader   index.Reader
	files    *store.FileStore
	store    store.Store // files, possibly mirrored
	cp       checkpoint.Store
	cache    cache.Cache
	counters *observability.Counters

	closers []func() error
}

func (c *components) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

func (c *components) close(logger *log.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Warn("close", "error", err)
		}
	}
	c.closers = nil
}

// openReader picks the snapshot reader by path type: a directory is the
// bucket layout, a file is JSONL.
func openReader(cfg config.Config, logger *log.Logger) (index.Reader, error) {
	if cfg.Snapshot == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "no snapshot configured (use --snapshot or DEPDB_SNAPSHOT)")
	}
	info, err := os.Stat(cfg.Snapshot)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSnapshot, err, "open snapshot")
	}
	if !info.IsDir() {
		return index.OpenJSONL(cfg.Snapshot)
	}
	b, err := index.OpenBuckets(cfg.Snapshot, cfg.Fetch.BaseURL)
	if err != nil {
		return nil, err
	}
	b.OnInvalid = func(ref index.ArtifactRef, err error) {
		logger.Warn("skipping invalid snapshot entry", "package", ref.Package, "version", ref.Version, "file", ref.Filename, "error", err)
	}
	return b, nil
}

// openCheckpoints uses Redis when an address is configured, otherwise
// cursor files next to the store.
func openCheckpoints(cfg config.Config, logger *log.Logger) (checkpoint.Store, error) {
	if cfg.Redis.Addr != "" {
		return checkpoint.NewRedisStore(checkpoint.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			LockTTL:  cfg.Redis.LockTTL,
			Logger:   logger,
		})
	}
	return checkpoint.NewFileStore(cfg.CursorDir())
}

// newCache keeps downloads in the download directory, or nowhere when
// disabled.
func newCache(cfg config.Config, noCache bool) (cache.Cache, error) {
	if noCache || cfg.DownloadDir == "" {
		if cfg.ScratchDir != "" {
			if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
				return nil, errors.Wrap(errors.ErrCodeInvalidPath, err, "create scratch dir")
			}
		}
		return cache.NewNullCache(cfg.ScratchDir), nil
	}
	return cache.NewFileCache(cfg.DownloadDir)
}

// openStorage opens the file store and, when configured, the MongoDB
// mirror.
func openStorage(ctx context.Context, cfg config.Config, comp *components, mirror bool, logger *log.Logger) error {
	files, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	comp.files = files
	comp.store = files
	comp.onClose(files.Close)

	if !mirror || cfg.Mongo.URI == "" {
		return nil
	}
	m, err := mongostore.New(ctx, mongostore.Config{
		URI:        cfg.Mongo.URI,
		Database:   cfg.Mongo.Database,
		Collection: cfg.Mongo.Collection,
	})
	if err != nil {
		return err
	}
	comp.store = store.NewMirror(files, logger, m)
	comp.onClose(m.Close)
	logger.Info("mirroring records to mongo", "database", cfg.Mongo.Database)
	return nil
}

// =============================================================================
// Runner Factory
// =============================================================================

// crawlSetup is what the crawl command adds on top of the config.
type crawlSetup struct {
	kind    index.Kind
	noCache bool
}

// newRunner assembles a pipeline runner for one crawl. The caller must
// close the returned components.
func newRunner(ctx context.Context, cfg config.Config, setup crawlSetup) (*pipeline.Runner, *components, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	policy, err := scheduler.ParseStalePolicy(cfg.StalePolicy)
	if err != nil {
		return nil, nil, err
	}
	logger := loggerFromContext(ctx)

	comp := &components{counters: observability.NewCounters()}
	fail := func(err error) (*pipeline.Runner, *components, error) {
		comp.close(logger)
		return nil, nil, err
	}

	if comp.reader, err = openReader(cfg, logger); err != nil {
		return fail(err)
	}
	if err := openStorage(ctx, cfg, comp, true, logger); err != nil {
		return fail(err)
	}
	if comp.cp, err = openCheckpoints(cfg, logger); err != nil {
		return fail(err)
	}
	comp.onClose(comp.cp.Close)
	if comp.cache, err = newCache(cfg, setup.noCache); err != nil {
		return fail(err)
	}
	comp.onClose(comp.cache.Close)

	client := httputil.NewClient(nil, map[string]string{"User-Agent": cfg.Fetch.UserAgent}, comp.counters)
	fetcher := fetch.New(fetch.Options{
		Client:   client,
		Cache:    comp.cache,
		Attempts: cfg.Fetch.Attempts,
		Backoff:  cfg.Fetch.Backoff,
		Hooks:    comp.counters,
		OnRetry: func(ref index.ArtifactRef, attempt int, err error) {
			logger.Debug("retrying download", "artifact", ref.Filename, "attempt", attempt, "error", err)
		},
	})

	hooks := observability.MultiCrawlHooks{comp.counters, logHooks{logger: logger}}

	sched := &scheduler.Scheduler{
		Workers: cfg.Workers,
		Budget:  cfg.Budget.For(setup.kind),
		Fetcher: fetcher,
		Sdist: &sdist.Extractor{
			Runner:     &sandbox.Command{Argv: cfg.Sandbox.Command, MaxOutput: cfg.Sandbox.MaxOutput},
			ScratchDir: cfg.ScratchDir,
			Timeout:    cfg.Sandbox.Timeout,
			Logger:     logger,
		},
		Store:           comp.store,
		CheckpointEvery: cfg.CheckpointEvery,
		Pythons:         cfg.Pythons,
		StalePolicy:     policy,
		Hooks:           hooks,
		Logger:          logger,
	}
	return pipeline.NewRunner(comp.reader, comp.files, comp.cp, sched, logger), comp, nil
}

// =============================================================================
// Hooks
// =============================================================================

// logHooks logs artifact failures at debug level.
type logHooks struct {
	observability.NoopCrawlHooks
	logger *log.Logger
}

func (h logHooks) OnRecord(_ context.Context, ref index.ArtifactRef, python string, code errors.Code, _ time.Duration) {
	if code == "" {
		return
	}
	h.logger.Debug("artifact failed", "artifact", ref.Filename, "python", python, "kind", code)
}
