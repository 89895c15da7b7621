package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/vex/internal/triage"
)

var (
	analyzeFormat     string
	analyzeSourceRoot string
)

func init() {
	analyzeCmd.Flags().StringVar(&analyzeFormat, "format", "table", "output format (table|json)")
	analyzeCmd.Flags().StringVar(&analyzeSourceRoot, "source-root", "", "directory source paths are resolved against (overrides config)")
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [report|-]",
	Short: "Classify the leaks in a valgrind report",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) == 1 {
			path = args[0]
		}
		raw, err := readReport(path)
		if err != nil {
			return err
		}
		if analyzeSourceRoot != "" {
			cfg.SourceRoot = analyzeSourceRoot
		}

		a, err := newAnalyzer().Analyze(raw)
		if err != nil {
			return err
		}

		// A throwaway session gives the same views and ordering the triage
		// loop would show.
		sess := triage.NewSession("")
		sess.Insert(a.Findings)
		ctrl := triage.NewController(sess, newAnalyzer(), logger)
		views := ctrl.Views()

		out := cmd.OutOrStdout()
		switch analyzeFormat {
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"findings":     views,
				"records":      a.Records,
				"parse_errors": len(a.ParseErrors),
				"clean":        a.Clean,
				"leaked_bytes": a.Summary.TotalLeaked(),
			})
		case "table":
		default:
			return fmt.Errorf("unknown format %q", analyzeFormat)
		}

		if a.Clean && len(views) == 0 {
			fmt.Fprintln(out, statusColors["verified"].Sprint("All heap blocks were freed; no leaks are possible."))
			return nil
		}
		renderFindings(out, views)
		fmt.Fprintf(out, "%d loss records, %d findings", a.Records, len(views))
		if n := len(a.ParseErrors); n > 0 {
			fmt.Fprintf(out, ", %s", statusColors["marked_fixed"].Sprintf("%d malformed records skipped", n))
		}
		fmt.Fprintln(out)
		return nil
	},
}
