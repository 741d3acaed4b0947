package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/matzehuels/depdb/internal/config"
	"github.com/matzehuels/depdb/pkg/checkpoint"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/store"
)

// statusReport is what the status command shows.
type statusReport struct {
	Store    string                            `json:"store"`
	Stats    store.Stats                       `json:"stats"`
	Revision string                            `json:"snapshot_revision,omitempty"`
	Cursors  map[index.Kind]*checkpoint.Cursor `json:"cursors"`
}

// statusCommand creates the status command.
func (c *CLI) statusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store totals and crawl cursors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spin := newSpinner(cmd.Context(), os.Stderr, "Reading store...")
			spin.Start()
			rep, err := collectStatus(cmd.Context(), c.cfg)
			spin.Stop()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			printStatus(rep)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// collectStatus reads the store totals, the saved cursors and, when a
// snapshot is configured, its revision. An unreadable snapshot is only
// logged.
func collectStatus(ctx context.Context, cfg config.Config) (*statusReport, error) {
	logger := loggerFromContext(ctx)
	if _, err := os.Stat(cfg.Store); err != nil {
		return nil, errors.Wrap(errors.ErrCodeNotFound, err, "no store at %s", cfg.Store)
	}
	files, err := store.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	defer files.Close()

	stats, err := files.Stats(ctx)
	if err != nil {
		return nil, err
	}
	rep := &statusReport{Store: files.Root(), Stats: stats, Cursors: make(map[index.Kind]*checkpoint.Cursor)}

	cp, err := openCheckpoints(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer cp.Close()
	for _, kind := range index.Kinds {
		cur, err := cp.Load(ctx, kind)
		if err != nil {
			return nil, err
		}
		rep.Cursors[kind] = cur
	}

	if cfg.Snapshot != "" {
		reader, err := openReader(cfg, logger)
		if err == nil {
			rep.Revision, err = reader.Revision(ctx)
		}
		if err != nil {
			logger.Warn("cannot read snapshot revision", "snapshot", cfg.Snapshot, "error", err)
		}
	}
	return rep, nil
}

// cursorState describes a cursor relative to the snapshot revision.
func cursorState(cur *checkpoint.Cursor, revision string) string {
	switch {
	case cur == nil:
		return "never crawled"
	case revision != "" && cur.Revision != revision:
		return "snapshot changed"
	case cur.Complete:
		return "complete"
	default:
		return "in progress"
	}
}

func printStatus(rep *statusReport) {
	fmt.Println(StyleTitle.Render("depdb store") + "  " + StyleDim.Render(rep.Store))
	printKeyValue("format", fmt.Sprint(rep.Stats.Format))
	printKeyValue("extractor", rep.Stats.ExtractorVersion)
	if rep.Revision != "" {
		printKeyValue("snapshot", shortRevision(rep.Revision))
	}
	printNewline()

	rows := make([][]string, 0, len(index.Kinds))
	for _, kind := range index.Kinds {
		ks := rep.Stats.Kinds[kind]
		cur := rep.Cursors[kind]
		position, updated := "-", "-"
		if cur != nil {
			position = formatCount(cur.Position)
			if !cur.UpdatedAt.IsZero() {
				updated = cur.UpdatedAt.Local().Format("2006-01-02 15:04")
			}
		}
		rows = append(rows, []string{
			string(kind),
			formatCount(ks.Packages),
			formatCount(ks.Successes),
			formatCount(ks.Errors),
			formatCount(ks.Stale),
			position,
			cursorState(cur, rep.Revision),
			updated,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorDim)).
		Headers("Kind", "Packages", "Successes", "Errors", "Stale", "Position", "Pass", "Updated").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			base := lipgloss.NewStyle().Padding(0, 1)
			switch {
			case row == -1:
				return styleHeader.Padding(0, 1)
			case col == 0:
				return base.Foreground(colorCyan)
			case col >= 1 && col <= 5:
				return base.Align(lipgloss.Right)
			}
			return base.Foreground(colorGray)
		})
	fmt.Println(t.Render())

	for _, kind := range index.Kinds {
		ks := rep.Stats.Kinds[kind]
		if len(ks.ByCode) == 0 {
			continue
		}
		printNewline()
		fmt.Println(StyleTitle.Render(string(kind) + " failures"))
		for _, code := range sortedCodes(ks.ByCode) {
			printDetail("%-22s %s", code, formatCount(ks.ByCode[code]))
		}
	}
}
