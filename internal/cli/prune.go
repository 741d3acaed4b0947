package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/matzehuels/depdb/internal/config"
	"github.com/matzehuels/depdb/pkg/checkpoint"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/pipeline"
	"github.com/matzehuels/depdb/pkg/scheduler"
)

// pruneCommand creates the prune command.
func (c *CLI) pruneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune wheel|sdist",
		Short: "Remove records the snapshot no longer lists",
		Long: `Prune deletes records of artifacts that are no longer in the snapshot. For
sdists it also deletes records of interpreter versions that are not in the
configured set. Prune takes the crawl lock of the kind, so it cannot run
while a crawl of the same kind is in progress.`,
		ValidArgs: []string{string(index.Wheel), string(index.Sdist)},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := index.ParseKind(args[0])
			if err != nil {
				return err
			}
			n, err := runPrune(cmd.Context(), c.cfg, kind)
			if err != nil {
				return err
			}
			printSuccess("Removed %s %s records", formatCount(int64(n)), kind)
			return nil
		},
	}
	cmd.Flags().StringSlice("pythons", nil, "interpreter versions to keep for sdists")
	return cmd
}

// runPrune prunes one kind under its crawl lock.
func runPrune(ctx context.Context, cfg config.Config, kind index.Kind) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	logger := loggerFromContext(ctx)

	reader, err := openReader(cfg, logger)
	if err != nil {
		return 0, err
	}
	comp := &components{reader: reader}
	defer comp.close(logger)

	if err := openStorage(ctx, cfg, comp, false, logger); err != nil {
		return 0, err
	}
	cp, err := openCheckpoints(cfg, logger)
	if err != nil {
		return 0, err
	}
	comp.onClose(cp.Close)

	session := checkpoint.NewSessionID()
	if err := cp.Lock(ctx, kind, session); err != nil {
		return 0, err
	}
	defer func() {
		if err := cp.Unlock(context.WithoutCancel(ctx), kind, session); err != nil {
			logger.Warn("release crawl lock", "kind", kind, "error", err)
		}
	}()

	runner := pipeline.NewRunner(reader, comp.files, cp, &scheduler.Scheduler{Pythons: cfg.Pythons}, logger)

	prog := newProgress(logger)
	spin := newSpinner(ctx, os.Stderr, "Pruning "+string(kind)+" records...")
	spin.Start()
	n, err := runner.Prune(ctx, kind)
	spin.Stop()
	if err == nil {
		prog.done("prune finished", "kind", kind, "removed", n)
	}
	return n, err
}
