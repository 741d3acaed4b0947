package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matzehuels/depdb/internal/config"
	"github.com/matzehuels/depdb/pkg/deps"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/records"
	"github.com/matzehuels/depdb/pkg/store"
)

// shownRecord pairs a record with its key for JSON output.
type shownRecord struct {
	Key records.Key `json:"key"`
	records.Record
}

// showCommand creates the show command.
func (c *CLI) showCommand() *cobra.Command {
	var (
		kindFlag string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "show <package> [version]",
		Short: "Print the stored records of a package",
		Example: `  depdb show requests
  depdb show requests 2.31.0 --kind sdist --json`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds := index.Kinds
			if kindFlag != "" {
				kind, err := index.ParseKind(kindFlag)
				if err != nil {
					return err
				}
				kinds = []index.Kind{kind}
			}
			var version string
			if len(args) == 2 {
				version = args[1]
			}

			recs, err := lookupRecords(cmd.Context(), c.cfg, args[0], version, kinds)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			printRecords(deps.NormalizeName(args[0]), recs)
			return nil
		},
	}

	cmd.Flags().StringVar(&kindFlag, "kind", "", "only show wheel or sdist records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// lookupRecords returns the records of pkg, optionally narrowed to one
// version, in store order.
func lookupRecords(ctx context.Context, cfg config.Config, pkg, version string, kinds []index.Kind) ([]shownRecord, error) {
	if err := errors.ValidatePythonPackageName(pkg); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.Store); err != nil {
		return nil, errors.Wrap(errors.ErrCodeNotFound, err, "no store at %s", cfg.Store)
	}
	files, err := store.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	defer files.Close()

	var out []shownRecord
	for _, kind := range kinds {
		recs, err := files.Package(ctx, kind, pkg)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if version != "" && r.Key.Version != version {
				continue
			}
			out = append(out, shownRecord{Key: r.Key, Record: r})
		}
	}
	if len(out) == 0 {
		if version != "" {
			return nil, errors.New(errors.ErrCodeNotFound, "no records for %s %s", pkg, version)
		}
		return nil, errors.New(errors.ErrCodeNotFound, "no records for %s", pkg)
	}
	return out, nil
}

func printRecords(name string, recs []shownRecord) {
	fmt.Println(StyleTitle.Render(name))
	lastVersion := ""
	for _, r := range recs {
		if r.Key.Version != lastVersion {
			printNewline()
			fmt.Println(StyleValue.Render(r.Key.Version))
			lastVersion = r.Key.Version
		}
		label := r.Key.Artifact
		if r.Key.Python != "" {
			label += StyleDim.Render(" @ python " + r.Key.Python)
		}

		if r.Success != nil {
			s := r.Success
			fmt.Printf("  %s %s %s\n", styleIconSuccess.Render(iconSuccess), label,
				StyleDim.Render(fmt.Sprintf("(%d requires)", len(s.Requires))))
			if s.RequiresPython != "" {
				printDetail("    python %s", s.RequiresPython)
			}
			for _, spec := range s.Requires {
				printDetail("    %s", spec)
			}
			for _, extra := range deps.SortedKeys(s.Extras) {
				for _, spec := range s.Extras[extra] {
					printDetail("    [%s] %s", extra, spec)
				}
			}
			continue
		}

		e := r.Error
		fmt.Printf("  %s %s %s\n", styleIconError.Render(iconError), label, StyleError.Render(string(e.Kind)))
		if e.Diagnostic != "" {
			first, _, _ := strings.Cut(e.Diagnostic, "\n")
			printDetail("    %s", first)
		}
	}
}
