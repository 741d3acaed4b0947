// Package scheduler runs time-budgeted crawl sessions over a snapshot.
//
// A session walks the entries of one artifact kind in snapshot order,
// starting after the cursor, and hands each entry to a bounded pool of
// workers. Every attempted identity ends with exactly one stored record:
// success or error. Only snapshot read failures and store failures abort a
// session; everything an artifact can do wrong is recorded and the crawl
// moves on.
//
// When the budget runs out the scheduler stops dispatching, lets in-flight
// work finish, and persists the cursor. When the context is cancelled,
// in-flight work is abandoned without records and the cursor stays behind
// the first unfinished entry, so the next session redoes it.
//
// # Usage
//
//	s := &scheduler.Scheduler{
//	    Workers: 8,
//	    Budget:  30 * time.Minute,
//	    Fetcher: fetcher,
//	    Sdist:   &sdist.Extractor{Runner: sandbox.NewCommand(nil)},
//	    Store:   st,
//	    Pythons: []string{"2.7", "3.11"},
//	}
//	cur, sum, err := s.Run(ctx, index.Filter(reader.Iter(ctx), index.Sdist), cursor)
package scheduler

import (
	"context"
	"iter"
	"runtime"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/depdb/pkg/checkpoint"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/extract/sdist"
	"github.com/matzehuels/depdb/pkg/extract/wheel"
	"github.com/matzehuels/depdb/pkg/fetch"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/observability"
	"github.com/matzehuels/depdb/pkg/records"
	"github.com/matzehuels/depdb/pkg/store"
)

// DefaultCheckpointEvery is how many committed entries trigger a cursor save.
const DefaultCheckpointEvery = 64

// StalePolicy decides whether success records from an older extractor
// version count as done.
type StalePolicy string

const (
	// Reprocess treats an older success as missing.
	Reprocess StalePolicy = "reprocess"
	// Keep treats any success as done.
	Keep StalePolicy = "keep"
)

// ParseStalePolicy validates a policy name.
func ParseStalePolicy(s string) (StalePolicy, error) {
	switch p := StalePolicy(s); p {
	case Reprocess, Keep:
		return p, nil
	case "":
		return Reprocess, nil
	}
	return "", errors.New(errors.ErrCodeInvalidInput, "unknown stale policy %q (want reprocess or keep)", s)
}

// EndReason says why a session returned.
type EndReason string

const (
	EndComplete  EndReason = "complete"  // snapshot exhausted
	EndBudget    EndReason = "budget"    // time budget exceeded
	EndCancelled EndReason = "cancelled" // context cancelled
	EndFatal     EndReason = "fatal"     // snapshot or store failure
)

// Fetcher downloads verified artifacts.
type Fetcher interface {
	Fetch(ctx context.Context, ref index.ArtifactRef) (*fetch.Artifact, error)
}

// SdistExtractor runs build scripts for a set of interpreter versions.
type SdistExtractor interface {
	Extract(ctx context.Context, path string, ref index.ArtifactRef, versions []string) (map[string]sdist.Outcome, error)
}

// WheelExtractor turns a downloaded wheel into a record.
type WheelExtractor func(key records.Key, path string, now time.Time) records.Record

// Scheduler runs crawl sessions. Configure the exported fields before
// calling Run; a Scheduler may run several sessions one after another.
type Scheduler struct {
	Workers int           // concurrent tasks; zero uses 2*NumCPU
	Budget  time.Duration // dispatch window; zero is unbounded

	Fetcher Fetcher
	Wheel   WheelExtractor // nil uses wheel.ToRecord
	Sdist   SdistExtractor
	Store   store.Store

	// Checkpoints, if set, receives the cursor every CheckpointEvery
	// committed entries and once more when the session ends.
	Checkpoints     checkpoint.Store
	CheckpointEvery int

	Pythons     []string // target interpreter versions for sdists
	StalePolicy StalePolicy

	Hooks  observability.CrawlHooks
	Logger *log.Logger
	Now    func() time.Time
}

// Summary describes one session.
type Summary struct {
	Kind       index.Kind    `json:"kind"`
	SessionID  string        `json:"session_id"`
	Reason     EndReason     `json:"reason"`
	Dispatched int64         `json:"dispatched"`
	Skipped    int64         `json:"skipped"`
	Records    int64         `json:"records"`
	Failures   int64         `json:"failures"`
	Committed  int64         `json:"committed"`
	Duration   time.Duration `json:"duration"`
}

// Run processes entries of cur.Kind in order, resuming after cur.After,
// and returns the advanced cursor. Entries of other kinds are ignored.
//
// The returned error is nil when the session ended because the snapshot
// was exhausted or the budget ran out, ctx's error when it was cancelled,
// and a SNAPSHOT or STORE error when it had to abort. The cursor is valid
// in every case.
func (s *Scheduler) Run(ctx context.Context, entries iter.Seq2[index.ArtifactRef, error], cur checkpoint.Cursor) (checkpoint.Cursor, Summary, error) {
	s.defaults()
	if err := s.validate(cur); err != nil {
		return cur, Summary{Kind: cur.Kind, Reason: EndFatal}, err
	}
	start := s.Now()
	if cur.SessionID == "" {
		cur.SessionID = checkpoint.NewSessionID()
	}
	sess := &session{
		Scheduler: s,
		kind:      cur.Kind,
		summary:   Summary{Kind: cur.Kind, SessionID: cur.SessionID},
	}
	s.Hooks.OnSessionStart(ctx, cur.Kind, cur.SessionID)
	s.Logger.Info("session started", "kind", cur.Kind, "session", cur.SessionID, "revision", cur.Revision,
		"resume_after", cur.Position, "workers", s.Workers, "budget", s.Budget)

	out, err := sess.run(ctx, index.Filter(entries, cur.Kind), cur)
	sess.summary.Duration = s.Now().Sub(start)

	switch {
	case err != nil && ctx.Err() != nil && !errors.IsFatal(err):
		sess.summary.Reason = EndCancelled
		err = ctx.Err()
	case err != nil:
		sess.summary.Reason = EndFatal
	case out.Complete:
		sess.summary.Reason = EndComplete
	default:
		sess.summary.Reason = EndBudget
	}

	s.Hooks.OnSessionEnd(ctx, cur.Kind, string(sess.summary.Reason), err)
	s.Logger.Info("session finished", "kind", cur.Kind, "reason", sess.summary.Reason,
		"dispatched", sess.summary.Dispatched, "skipped", sess.summary.Skipped,
		"records", sess.summary.Records, "failures", sess.summary.Failures,
		"position", out.Position, "duration", sess.summary.Duration.Round(time.Millisecond))
	return out, sess.summary, err
}

func (s *Scheduler) defaults() {
	if s.Workers <= 0 {
		s.Workers = 2 * runtime.NumCPU()
	}
	if s.CheckpointEvery <= 0 {
		s.CheckpointEvery = DefaultCheckpointEvery
	}
	if s.Wheel == nil {
		s.Wheel = wheel.ToRecord
	}
	if s.StalePolicy == "" {
		s.StalePolicy = Reprocess
	}
	if s.Hooks == nil {
		s.Hooks = observability.NoopCrawlHooks{}
	}
	if s.Logger == nil {
		s.Logger = log.Default()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
}

func (s *Scheduler) validate(cur checkpoint.Cursor) error {
	switch {
	case s.Fetcher == nil || s.Store == nil:
		return errors.New(errors.ErrCodeInvalidInput, "scheduler needs a fetcher and a store")
	case cur.Kind != index.Wheel && cur.Kind != index.Sdist:
		return errors.New(errors.ErrCodeInvalidInput, "unknown artifact kind %q", cur.Kind)
	case cur.Kind == index.Sdist && s.Sdist == nil:
		return errors.New(errors.ErrCodeInvalidInput, "sdist crawl needs an sdist extractor")
	case cur.Kind == index.Sdist && len(s.Pythons) == 0:
		return errors.New(errors.ErrCodeInvalidInput, "sdist crawl needs at least one interpreter version")
	}
	return nil
}

// requiredVersion is the extractor version a success must carry to count
// as done.
func (s *Scheduler) requiredVersion() string {
	if s.StalePolicy == Keep {
		return ""
	}
	return records.ExtractorVersion
}
