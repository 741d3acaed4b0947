package cli

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/observability"
	"github.com/matzehuels/depdb/pkg/pipeline"
	"github.com/matzehuels/depdb/pkg/scheduler"
)

// crawlFlags holds the crawl flags that are not config overrides.
type crawlFlags struct {
	force   bool
	prune   bool
	noCache bool
	tui     bool
}

// crawlCommand creates the crawl command.
func (c *CLI) crawlCommand() *cobra.Command {
	var flags crawlFlags

	cmd := &cobra.Command{
		Use:   "crawl wheel|sdist",
		Short: "Extract dependencies for every artifact of one kind",
		Long: `Crawl walks the snapshot in order and records the declared dependencies of
every artifact of the given kind that has no success record yet.

Wheels are read directly from their METADATA file. Source distributions run
their build script in a sandbox once per configured interpreter version.

A crawl stops dispatching when its time budget runs out and resumes from the
saved cursor on the next run. Interrupting a crawl abandons in-flight work
and saves the cursor; the abandoned artifacts are redone next time.`,
		Example: `  # Crawl wheels from a JSONL snapshot
  depdb crawl wheel --snapshot index.jsonl

  # Crawl sdists for 45 minutes with a live dashboard
  depdb crawl sdist --budget 45m --tui

  # Expose progress over HTTP
  depdb crawl sdist --status-addr :9090`,
		ValidArgs: []string{string(index.Wheel), string(index.Sdist)},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := index.ParseKind(args[0])
			if err != nil {
				return err
			}
			return c.runCrawl(cmd.Context(), kind, flags)
		},
	}

	f := cmd.Flags()
	f.Int("workers", 0, "concurrent tasks (default 2x CPUs)")
	f.Duration("budget", 0, "stop dispatching after this long (0 = unbounded)")
	f.StringSlice("pythons", nil, "interpreter versions for sdists (default 2.7,3.6-3.11)")
	f.String("stale-policy", "", "reprocess or keep successes from older extractor versions")
	f.String("status-addr", "", "serve /healthz and /progress on this address")
	f.String("mongo-uri", "", "mirror records to this MongoDB")
	f.String("download-dir", "", "keep verified downloads here")
	f.String("scratch-dir", "", "parent directory for unpacked sdists")
	f.BoolVar(&flags.force, "force", false, "start a new pass even if the snapshot is unchanged")
	f.BoolVar(&flags.prune, "prune", false, "remove records the snapshot no longer lists before crawling")
	f.BoolVar(&flags.noCache, "no-cache", false, "delete downloads once processed")
	f.BoolVar(&flags.tui, "tui", false, "show a live progress dashboard")

	return cmd
}

// runCrawl executes one crawl session.
func (c *CLI) runCrawl(ctx context.Context, kind index.Kind, flags crawlFlags) error {
	logger := loggerFromContext(ctx)
	runner, comp, err := newRunner(ctx, c.cfg, crawlSetup{kind: kind, noCache: flags.noCache})
	if err != nil {
		return err
	}
	defer comp.close(logger)

	if c.cfg.StatusAddr != "" {
		stop, err := serveStatus(c.cfg.StatusAddr, comp.counters, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	opts := pipeline.Options{Kind: kind, Force: flags.force, Prune: flags.prune}
	prog := newProgress(logger)

	var res *pipeline.Result
	if flags.tui {
		res, err = c.crawlWithTUI(ctx, runner, opts, comp.counters)
	} else {
		res, err = runner.Execute(ctx, opts)
	}
	if res != nil {
		printCrawlResult(res)
		prog.done("crawl finished", "kind", kind, "revision", shortRevision(res.Revision))
	}
	return err
}

// serveStatus starts the progress endpoint and returns a function that
// shuts it down.
func serveStatus(addr string, counters *observability.Counters, logger *log.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "listen on %s", addr)
	}
	srv := &http.Server{
		Handler:           observability.NewHandler(counters),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Error("status server stopped", "error", err)
		}
	}()
	logger.Info("serving progress", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// printCrawlResult prints the outcome of one Execute call.
func printCrawlResult(res *pipeline.Result) {
	if res.UpToDate {
		printSuccess("%s pass over revision %s is already complete", res.Kind, shortRevision(res.Revision))
		printDetail("use --force to start a new pass")
		return
	}

	sum := res.Summary
	switch sum.Reason {
	case scheduler.EndComplete:
		printSuccess("%s pass complete", res.Kind)
	case scheduler.EndBudget:
		printWarning("%s budget exhausted; run again to resume", res.Kind)
	case scheduler.EndCancelled:
		printWarning("%s crawl interrupted; run again to resume", res.Kind)
	default:
		printError("%s crawl aborted", res.Kind)
	}

	printKeyValue("revision", shortRevision(res.Revision))
	printKeyValue("position", formatCount(res.Cursor.Position))
	printKeyValue("dispatched", formatCount(sum.Dispatched))
	printKeyValue("skipped", formatCount(sum.Skipped))
	printKeyValue("records", formatCount(sum.Records))
	printKeyValue("failures", formatCount(sum.Failures))
	if res.Pruned > 0 {
		printKeyValue("pruned", formatCount(int64(res.Pruned)))
	}
	printKeyValue("duration", sum.Duration.Round(time.Second).String())
}
