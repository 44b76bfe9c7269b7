package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Force-purge queue entries that exceeded max retries",
		Long:  "Immediately runs purgeExceeded (spec §4.8), dropping entries whose retry count has reached the configured ceiling instead of waiting for the next processor tick.",
		RunE:  runPurge,
	}
}

func runPurge(cmd *cobra.Command, _ []string) error {
	c := mustCore(cmd.Context())

	purged, err := c.q.PurgeExceeded(cmd.Context(), c.cfg.Processor.MaxRetries)
	if err != nil {
		return err
	}

	if len(purged) == 0 {
		fmt.Println("nothing to purge")
		return nil
	}

	for _, e := range purged {
		fmt.Printf("purged %s (%s, %d retries)\n", e.FullRemotePath(), e.Method, e.Retries)
	}

	return nil
}
