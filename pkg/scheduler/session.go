package scheduler

import (
	"context"
	stderrors "errors"
	"iter"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/depdb/pkg/checkpoint"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/extract/sdist"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/records"
)

// session is the state of one Run.
type session struct {
	*Scheduler
	kind    index.Kind
	summary Summary

	dispatched atomic.Int64
	skipped    atomic.Int64
	records    atomic.Int64
	failures   atomic.Int64
}

func (s *session) run(parent context.Context, entries iter.Seq2[index.ArtifactRef, error], cur checkpoint.Cursor) (checkpoint.Cursor, error) {
	ctx, abort := context.WithCancelCause(parent)
	defer abort(nil)
	g, gctx := errgroup.WithContext(ctx)

	done := make(chan completion, s.Workers)
	coord := newCoordinator(cur, s.CheckpointEvery, func(c checkpoint.Cursor) error {
		return s.saveCursor(parent, c)
	})
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		coord.run(done, abort)
	}()

	var deadline <-chan time.Time
	if s.Budget > 0 {
		t := time.NewTimer(s.Budget)
		defer t.Stop()
		deadline = t.C
	}

	exhausted, total, dispatchErr := s.dispatch(gctx, g, entries, cur.After, done, deadline)
	workErr := g.Wait()
	close(done)
	<-coordDone

	s.summary.Dispatched = s.dispatched.Load()
	s.summary.Skipped = s.skipped.Load()
	s.summary.Records = s.records.Load()
	s.summary.Failures = s.failures.Load()
	s.summary.Committed = coord.committed()

	fatal := firstErr(dispatchErr, workErr, coord.err)
	out := coord.cursor
	out.Complete = fatal == nil && parent.Err() == nil && exhausted && coord.committed() == total
	out.UpdatedAt = s.Now().UTC()

	if err := s.saveCursor(context.WithoutCancel(parent), out); err != nil && fatal == nil {
		fatal = err
	}
	if fatal != nil {
		return out, fatal
	}
	return out, parent.Err()
}

// dispatch feeds entries to workers until the snapshot is exhausted, the
// budget expires or ctx is done. It reports whether the snapshot was
// exhausted and how many sequence numbers it handed out.
func (s *session) dispatch(ctx context.Context, g *errgroup.Group, entries iter.Seq2[index.ArtifactRef, error], after string, done chan<- completion, deadline <-chan time.Time) (bool, int64, error) {
	sem := make(chan struct{}, s.Workers)
	var seq int64
	for ref, err := range entries {
		if err != nil {
			if ctx.Err() != nil {
				return false, seq, nil
			}
			return false, seq, snapshotErr(err)
		}
		if after != "" && ref.SortKey() <= after {
			continue
		}
		select {
		case <-ctx.Done():
			return false, seq, nil
		case <-deadline:
			s.Logger.Info("budget exhausted, draining", "kind", s.kind, "budget", s.Budget, "in_flight", len(sem))
			return false, seq, nil
		default:
		}

		pythons, err := s.plan(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return false, seq, nil
			}
			return false, seq, err
		}
		if len(pythons) == 0 {
			s.skipped.Add(1)
			s.Hooks.OnSkip(ctx, ref)
			done <- completion{seq: seq, key: ref.SortKey()}
			seq++
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return false, seq, nil
		case <-deadline:
			s.Logger.Info("budget exhausted, draining", "kind", s.kind, "budget", s.Budget, "in_flight", len(sem))
			return false, seq, nil
		}

		n := seq
		seq++
		s.dispatched.Add(1)
		s.Hooks.OnDispatch(ctx, ref)
		g.Go(func() error {
			defer func() { <-sem }()
			if err := s.process(ctx, ref, pythons); err != nil {
				if errors.IsFatal(err) {
					return err
				}
				if ctx.Err() == nil {
					s.Logger.Warn("task abandoned, retried next session", "artifact", ref.Filename, "error", err)
				}
				return nil
			}
			done <- completion{seq: n, key: ref.SortKey()}
			s.Hooks.OnDone(ctx, ref)
			return nil
		})
	}
	return true, seq, nil
}

// plan returns the interpreter versions ref still needs. Wheels have a
// single identity, represented by the empty version.
func (s *session) plan(ctx context.Context, ref index.ArtifactRef) ([]string, error) {
	var candidates []string
	switch ref.Kind {
	case index.Wheel:
		candidates = []string{""}
	case index.Sdist:
		candidates = s.Pythons
	default:
		return nil, errors.New(errors.ErrCodeSnapshot, "%s: unknown artifact kind %q", ref, ref.Kind)
	}

	var missing []string
	for _, py := range candidates {
		ok, err := s.Store.ExistsSuccess(ctx, records.KeyFor(ref, py), s.requiredVersion())
		if err != nil {
			return nil, storeErr(err)
		}
		if !ok {
			missing = append(missing, py)
		}
	}
	return missing, nil
}

// process produces and stores the records of one entry. A non-nil error is
// fatal, or else means the entry was abandoned without records: ctx ended
// or scratch space ran out.
func (s *session) process(ctx context.Context, ref index.ArtifactRef, pythons []string) error {
	started := s.Now()
	recs, err := s.extract(ctx, ref, pythons)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, rec := range recs {
		if err := s.Store.Put(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return storeErr(err)
		}
		s.records.Add(1)
		var code errors.Code
		if rec.Error != nil {
			code = rec.Error.Kind
			s.failures.Add(1)
		}
		s.Hooks.OnRecord(ctx, ref, rec.Key.Python, code, s.Now().Sub(started))
	}
	return nil
}

// extract fetches ref and runs the extractor of its kind. Artifact failures
// and extractor panics come back as error records.
func (s *session) extract(ctx context.Context, ref index.ArtifactRef, pythons []string) (recs []records.Record, err error) {
	fallback := errors.ErrCodeMalformedArtifact
	if ref.Kind == index.Sdist {
		fallback = errors.ErrCodeBuildScriptError
	}
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("extractor panicked", "artifact", ref.Filename, "panic", r)
			recs, err = s.failAll(ref, pythons, errors.New(errors.ErrCodeInternal, "extractor panic: %v", r), fallback), nil
		}
	}()

	art, err := s.Fetcher.Fetch(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.Logger.Debug("fetch failed", "artifact", ref.Filename, "error", err)
		return s.failAll(ref, pythons, err, errors.ErrCodeFetchNetwork), nil
	}
	defer art.Release()

	now := s.Now()
	switch ref.Kind {
	case index.Wheel:
		return []records.Record{s.Wheel(records.KeyFor(ref, ""), art.Path, now)}, nil
	case index.Sdist:
		outcomes, err := s.Sdist.Extract(ctx, art.Path, ref, pythons)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if stderrors.Is(err, sdist.ErrNoSpace) {
				return nil, err
			}
			return s.failAll(ref, pythons, err, fallback), nil
		}
		for _, py := range pythons {
			o, ok := outcomes[py]
			if !ok {
				o.Err = errors.New(errors.ErrCodeBuildScriptError, "no outcome for python %s", py)
			}
			recs = append(recs, o.Record(records.KeyFor(ref, py), now))
		}
		return recs, nil
	}
	return nil, errors.New(errors.ErrCodeSnapshot, "%s: unknown artifact kind %q", ref, ref.Kind)
}

func (s *session) failAll(ref index.ArtifactRef, pythons []string, err error, fallback errors.Code) []records.Record {
	now := s.Now()
	recs := make([]records.Record, 0, len(pythons))
	for _, py := range pythons {
		recs = append(recs, records.FromError(records.KeyFor(ref, py), err, fallback, now))
	}
	return recs
}

func (s *session) saveCursor(ctx context.Context, c checkpoint.Cursor) error {
	if s.Checkpoints == nil {
		return nil
	}
	c.UpdatedAt = s.Now().UTC()
	if err := s.Checkpoints.Save(ctx, &c); err != nil {
		return storeErr(err)
	}
	s.Hooks.OnCheckpoint(ctx, c.Kind, c.Position)
	s.Logger.Debug("checkpoint saved", "kind", c.Kind, "position", c.Position)
	return nil
}

func snapshotErr(err error) error {
	if errors.IsFatal(err) {
		return err
	}
	return errors.Wrap(errors.ErrCodeSnapshot, err, "read snapshot")
}

func storeErr(err error) error {
	if errors.IsFatal(err) {
		return err
	}
	return errors.Wrap(errors.ErrCodeStore, err, "store")
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
