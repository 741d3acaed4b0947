// Package pipeline ties a snapshot, the result store and the scheduler
// into crawl sessions.
//
// This package holds the logic shared by every entry point that runs a
// crawl: revision checks, the per-kind session lock, cursor resume and
// pruning. The CLI only builds the components and calls a [Runner].
//
// # Session lifecycle
//
//  1. Read the snapshot revision. If the last pass over this revision is
//     complete, there is nothing to do.
//  2. Take the session lock for the artifact kind.
//  3. Resume the saved cursor when it belongs to the same revision;
//     otherwise start a new pass.
//  4. Optionally prune records the snapshot no longer lists.
//  5. Run the scheduler, which persists the cursor as it goes.
//
// # Usage
//
//	runner := pipeline.NewRunner(reader, files, checkpoints, sched, logger)
//	res, err := runner.Execute(ctx, pipeline.Options{Kind: index.Sdist})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.Summary.Reason, res.Cursor.Position)
package pipeline

import (
	"github.com/matzehuels/depdb/pkg/checkpoint"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/scheduler"
)

// Options selects what one Execute call does.
type Options struct {
	Kind  index.Kind `json:"kind"`
	Force bool       `json:"force,omitempty"` // start a new pass even if the revision is unchanged
	Prune bool       `json:"prune,omitempty"` // prune stale records before crawling
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.Kind != index.Wheel && o.Kind != index.Sdist {
		return errors.New(errors.ErrCodeInvalidInput, "unknown artifact kind %q", o.Kind)
	}
	return nil
}

// Result describes one Execute call.
type Result struct {
	Kind     index.Kind        `json:"kind"`
	Revision string            `json:"revision"`
	UpToDate bool              `json:"up_to_date"` // nothing to do for this revision
	Resumed  bool              `json:"resumed"`
	Pruned   int               `json:"pruned"`
	Cursor   checkpoint.Cursor `json:"cursor"`
	Summary  scheduler.Summary `json:"summary"`
}
