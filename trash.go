package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTrashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "Manage deleted records",
	}

	empty := &cobra.Command{
		Use:   "empty",
		Short: "Permanently remove deleted records older than the retention period",
		Long: `Permanently remove tombstones older than the retention period, remotely
first and then locally. The default retention comes from
sync.trash_retention; --older-than overrides it.`,
		Args: cobra.NoArgs,
		RunE: runTrashEmpty,
	}
	empty.Flags().Duration("older-than", -1, "retention override, e.g. 72h")

	cmd.AddCommand(empty)

	return cmd
}

func runTrashEmpty(cmd *cobra.Command, _ []string) error {
	olderThan, err := cmd.Flags().GetDuration("older-than")
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("older-than") && olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive, got %s", olderThan)
	}

	return withApp(cmd.Context(), func(cc *CLIContext, a *app) error {
		if err := a.requireRemote(); err != nil {
			return err
		}

		retention := a.timings.TrashRetention
		if cmd.Flags().Changed("older-than") {
			retention = olderThan
		}

		n, err := a.orch.EmptyTrash(cmd.Context(), retention)
		if err != nil {
			return err
		}

		cc.Statusf("Removed %d deleted records older than %s.\n", n, retention.Round(time.Second))

		return nil
	})
}
