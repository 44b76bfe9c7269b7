package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newClearCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Evict stale locally-cached copies",
		Long:  "Forces HybridTree.ClearCache (spec §4.7): walks the local tree and deletes cached copies whose deletion is safe (unmodified, not created locally), recording a conflict for anything retained.",
		RunE:  runClearCache,
	}
}

func runClearCache(cmd *cobra.Command, _ []string) error {
	c := mustCore(cmd.Context())

	if err := c.tree.ClearCache(cmd.Context()); err != nil {
		return err
	}

	fmt.Println("cache cleared")

	return nil
}
