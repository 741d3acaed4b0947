package pipeline

import (
	"context"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/depdb/pkg/checkpoint"
	"github.com/matzehuels/depdb/pkg/deps"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/records"
	"github.com/matzehuels/depdb/pkg/scheduler"
)

// Pruner removes records rejected by keep.
type Pruner interface {
	Prune(ctx context.Context, kind index.Kind, keep func(records.Key) bool) (int, error)
}

// Runner runs crawl sessions.
//
// The Runner holds no per-session state; the scheduler template is copied
// for every session, so one Runner can execute wheel and sdist crawls one
// after another.
type Runner struct {
	Reader      index.Reader
	Pruner      Pruner
	Checkpoints checkpoint.Store
	Scheduler   *scheduler.Scheduler
	Logger      *log.Logger
}

// NewRunner creates a runner. If logger is nil, log.Default() is used.
func NewRunner(reader index.Reader, pruner Pruner, cp checkpoint.Store, sched *scheduler.Scheduler, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		Reader:      reader,
		Pruner:      pruner,
		Checkpoints: cp,
		Scheduler:   sched,
		Logger:      logger,
	}
}

// Execute runs one crawl session for opts.Kind.
//
// Errors are SNAPSHOT, STORE or LOCKED when the session could not run or
// had to abort, and ctx's error when it was cancelled. In the latter case
// the result is still filled in and the cursor has been saved.
func (r *Runner) Execute(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	res := &Result{Kind: opts.Kind}

	rev, err := r.Reader.Revision(ctx)
	if err != nil {
		return nil, snapshotErr(err)
	}
	res.Revision = rev

	session := checkpoint.NewSessionID()
	if err := r.Checkpoints.Lock(ctx, opts.Kind, session); err != nil {
		return nil, err
	}
	defer func() {
		if err := r.Checkpoints.Unlock(context.WithoutCancel(ctx), opts.Kind, session); err != nil {
			r.Logger.Warn("release crawl lock", "kind", opts.Kind, "error", err)
		}
	}()

	prev, err := r.Checkpoints.Load(ctx, opts.Kind)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.Revision == rev && prev.Complete && !opts.Force {
		r.Logger.Info("snapshot unchanged since last complete pass", "kind", opts.Kind, "revision", rev)
		res.UpToDate = true
		res.Cursor = *prev
		return res, nil
	}

	cur := checkpoint.Fresh(opts.Kind, rev)
	if prev.Resumable(rev) && !opts.Force {
		cur = prev
		res.Resumed = true
		r.Logger.Info("resuming pass", "kind", opts.Kind, "revision", rev, "position", prev.Position)
	} else {
		r.Logger.Info("starting pass", "kind", opts.Kind, "revision", rev)
	}
	cur.SessionID = session

	if opts.Prune {
		n, err := r.Prune(ctx, opts.Kind)
		if err != nil {
			return nil, err
		}
		res.Pruned = n
	}

	sched := *r.Scheduler
	if sched.Checkpoints == nil {
		sched.Checkpoints = r.Checkpoints
	}
	if sched.Logger == nil {
		sched.Logger = r.Logger
	}
	out, sum, err := sched.Run(ctx, r.Reader.Iter(ctx), *cur)
	res.Cursor = out
	res.Summary = sum
	return res, err
}

// Prune removes records of kind whose artifact is no longer in the
// snapshot, and sdist records for interpreter versions outside the
// scheduler's set.
func (r *Runner) Prune(ctx context.Context, kind index.Kind) (int, error) {
	if r.Pruner == nil {
		return 0, errors.New(errors.ErrCodeInvalidInput, "store does not support pruning")
	}
	live := make(map[string]struct{})
	for ref, err := range index.Filter(r.Reader.Iter(ctx), kind) {
		if err != nil {
			return 0, snapshotErr(err)
		}
		live[liveKey(ref.Package, ref.Version, ref.Filename)] = struct{}{}
	}
	var pythons []string
	if r.Scheduler != nil {
		pythons = r.Scheduler.Pythons
	}
	if kind == index.Sdist && len(pythons) == 0 {
		return 0, errors.New(errors.ErrCodeInvalidInput, "refusing to prune sdists without an interpreter set")
	}

	keep := func(k records.Key) bool {
		if _, ok := live[liveKey(k.Package, k.Version, k.Artifact)]; !ok {
			return false
		}
		return kind != index.Sdist || slices.Contains(pythons, k.Python)
	}
	n, err := r.Pruner.Prune(ctx, kind, keep)
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, err
	}
	r.Logger.Info("pruned records", "kind", kind, "removed", n, "live_artifacts", len(live))
	return n, nil
}

func liveKey(pkg, version, filename string) string {
	return deps.NormalizeName(pkg) + "\x00" + version + "\x00" + filename
}

func snapshotErr(err error) error {
	if errors.IsFatal(err) {
		return err
	}
	return errors.Wrap(errors.ErrCodeSnapshot, err, "read snapshot")
}
