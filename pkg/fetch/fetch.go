// Package fetch downloads index artifacts and verifies their hashes.
//
// A [Fetcher] streams the response body to a temporary file while hashing
// it, compares the digest with the one published in the snapshot and moves
// the file into the artifact cache. Network failures and 429/5xx responses
// are retried with bounded exponential backoff and end as FETCH_NETWORK
// once the attempts run out. A 404 is reported immediately as
// FETCH_NETWORK, a digest mismatch immediately as FETCH_HASH_MISMATCH.
package fetch

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"time"

	"github.com/matzehuels/depdb/pkg/buildinfo"
	"github.com/matzehuels/depdb/pkg/cache"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/httputil"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/observability"
)

// Defaults used by [New] for zero-valued options.
const (
	DefaultAttempts = 5
	DefaultBackoff  = 2 * time.Second
	DefaultMaxDelay = time.Minute
	DefaultMaxSize  = 512 << 20
)

// Options configures a [Fetcher].
type Options struct {
	Client    *httputil.Client
	Cache     cache.Cache
	Attempts  int
	Backoff   time.Duration
	MaxSize   int64 // bytes; larger artifacts fail as MALFORMED_ARTIFACT
	Hooks     observability.CacheHooks
	OnRetry   func(ref index.ArtifactRef, attempt int, err error)
	UserAgent string
}

// Fetcher downloads artifacts into a cache. It is safe for concurrent use.
type Fetcher struct {
	client   *httputil.Client
	cache    cache.Cache
	attempts int
	backoff  time.Duration
	maxSize  int64
	hooks    observability.CacheHooks
	onRetry  func(ref index.ArtifactRef, attempt int, err error)
}

// New creates a Fetcher, filling in defaults for zero-valued options.
func New(opts Options) *Fetcher {
	f := &Fetcher{
		client:   opts.Client,
		cache:    opts.Cache,
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		maxSize:  opts.MaxSize,
		hooks:    opts.Hooks,
		onRetry:  opts.OnRetry,
	}
	if f.client == nil {
		ua := opts.UserAgent
		if ua == "" {
			ua = UserAgent()
		}
		f.client = httputil.NewClient(nil, map[string]string{"User-Agent": ua}, nil)
	}
	if f.cache == nil {
		f.cache = cache.NewNullCache("")
	}
	if f.attempts <= 0 {
		f.attempts = DefaultAttempts
	}
	if f.backoff <= 0 {
		f.backoff = DefaultBackoff
	}
	if f.maxSize <= 0 {
		f.maxSize = DefaultMaxSize
	}
	if f.hooks == nil {
		f.hooks = observability.NoopCacheHooks{}
	}
	return f
}

// UserAgent returns the default User-Agent header value.
func UserAgent() string {
	return "depdb/" + buildinfo.Version + " (+https://github.com/matzehuels/depdb)"
}

// Artifact is a verified local copy of an index artifact.
type Artifact struct {
	Ref    index.ArtifactRef
	Path   string
	Size   int64
	Cached bool // served from the cache without a download

	cache cache.Cache
}

// Release hands the file back to the cache. The path must not be used
// afterwards.
func (a *Artifact) Release() error {
	if a == nil || a.cache == nil {
		return nil
	}
	return a.cache.Release(a.Path)
}

// Fetch returns a verified local copy of ref. Context cancellation is
// returned unwrapped so callers can tell it apart from fetch failures.
func (f *Fetcher) Fetch(ctx context.Context, ref index.ArtifactRef) (*Artifact, error) {
	if path, ok, err := f.cache.Lookup(ctx, ref.SHA256); err == nil && ok {
		f.hooks.OnCacheHit(ctx, "artifact")
		info, err := os.Stat(path)
		if err == nil {
			return &Artifact{Ref: ref, Path: path, Size: info.Size(), Cached: true, cache: f.cache}, nil
		}
	}
	f.hooks.OnCacheMiss(ctx, "artifact")

	var tmp string
	var size int64
	policy := httputil.Policy{
		Attempts: f.attempts,
		Delay:    f.backoff,
		MaxDelay: DefaultMaxDelay,
		OnRetry: func(attempt int, err error) {
			if f.onRetry != nil {
				f.onRetry(ref, attempt, err)
			}
		},
	}
	err := policy.Do(ctx, func() error {
		var err error
		tmp, size, err = f.download(ctx, ref)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(ref, err)
	}

	path, err := f.cache.Store(ctx, ref.SHA256, tmp)
	if err != nil {
		os.Remove(tmp)
		return nil, errors.Wrap(errors.ErrCodeFetchNetwork, err, "store %s", ref.Filename)
	}
	f.hooks.OnCacheSet(ctx, "artifact", size)
	return &Artifact{Ref: ref, Path: path, Size: size, cache: f.cache}, nil
}

func (f *Fetcher) download(ctx context.Context, ref index.ArtifactRef) (string, int64, error) {
	body, _, err := f.client.Open(ctx, ref.URL)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	out, err := os.CreateTemp(f.cache.TempDir(), "download-*")
	if err != nil {
		return "", 0, errors.Wrap(errors.ErrCodeFetchNetwork, err, "create download file")
	}
	fail := func(err error) (string, int64, error) {
		out.Close()
		os.Remove(out.Name())
		return "", 0, err
	}

	sum, n, err := cache.HashReader(io.TeeReader(io.LimitReader(body, f.maxSize+1), out))
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(&httputil.RetryableError{Err: errors.Wrap(errors.ErrCodeFetchNetwork, err, "read body")})
	}
	if n > f.maxSize {
		return fail(errors.New(errors.ErrCodeMalformedArtifact, "%s exceeds size limit of %d bytes", ref.Filename, f.maxSize))
	}
	if err := out.Close(); err != nil {
		return fail(errors.Wrap(errors.ErrCodeFetchNetwork, err, "write download file"))
	}

	if sum != ref.SHA256 {
		os.Remove(out.Name())
		return "", 0, errors.New(errors.ErrCodeFetchHashMismatch, "%s: got sha256 %s, want %s", ref.Filename, sum, ref.SHA256)
	}
	return out.Name(), n, nil
}

func classify(ref index.ArtifactRef, err error) error {
	if code := errors.GetCode(err); code != "" {
		return err
	}
	if stderrors.Is(err, httputil.ErrNotFound) {
		return errors.Wrap(errors.ErrCodeFetchNetwork, err, "%s not found", ref.URL)
	}
	return errors.Wrap(errors.ErrCodeFetchNetwork, err, "download %s", ref.URL)
}
