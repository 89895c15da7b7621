package main

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = ""
)

var versionFormat string

func init() {
	versionCmd.Flags().StringVar(&versionFormat, "format", "pretty", "output format (pretty|json)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show vex build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch versionFormat {
		case "json":
			return json.NewEncoder(out).Encode(map[string]string{
				"tool":    "vex",
				"version": Version,
				"commit":  Commit,
				"go":      runtime.Version(),
			})
		case "pretty":
			fmt.Fprintf(out, "vex %s", color.New(color.FgGreen, color.Bold).Sprint(Version))
			if Commit != "" {
				fmt.Fprintf(out, " (%s)", Commit)
			}
			fmt.Fprintf(out, " %s\n", runtime.Version())
			return nil
		default:
			return fmt.Errorf("unknown format %q", versionFormat)
		}
	},
}
