package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List open sync conflicts",
		Long:  "Displays the conflict ledger: paths where a locally-cached copy was retained instead of evicted because it could not be safely discarded (spec §4.1, §4.7).",
		RunE:  runConflicts,
	}
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	c := mustCore(cmd.Context())

	records := c.ld.List()

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("no open conflicts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tREASON\tDETECTED")

	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Path, r.Reason, r.DetectedAt.Format("2006-01-02T15:04:05Z07:00"))
	}

	return w.Flush()
}
