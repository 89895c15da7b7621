package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var listJSON bool

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print sessions as JSON")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved triage sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, closeStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		sums, err := st.List(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if listJSON {
			return json.NewEncoder(out).Encode(sums)
		}
		if len(sums) == 0 {
			fmt.Fprintln(out, "no saved sessions")
			return nil
		}
		renderSessions(out, sums)
		return nil
	},
}
