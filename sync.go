package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinylingo/tinysync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize local records with the remote store",
		Long: `Run one sync pass: push local changes, pull remote changes and merge them
by last-modified time. Failed types are retried a few times before giving up.

With --watch, keep running: local edits (including those made by other
tinysync processes), connectivity changes, realtime notifications and a
periodic timer all trigger passes. Send SIGHUP or run 'tinysync config
reload' to apply config changes without restarting.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().Bool("watch", false, "keep syncing until interrupted")

	return cmd
}

// syncOutput is the JSON schema for `sync --json`.
type syncOutput struct {
	Pass     string       `json:"pass"`
	Identity string       `json:"identity"`
	Duration string       `json:"duration"`
	Types    []syncResult `json:"types"`
}

type syncResult struct {
	Type      string `json:"type"`
	Promoted  int    `json:"promoted"`
	Pushed    int    `json:"pushed"`
	Pulled    int    `json:"pulled"`
	Applied   int    `json:"applied"`
	KeptLocal int    `json:"kept_local"`
	Dropped   int    `json:"dropped"`
	Error     string `json:"error,omitempty"`
}

func newSyncOutput(r *sync.PassReport) syncOutput {
	out := syncOutput{
		Pass:     r.ID,
		Identity: r.Identity.String(),
		Duration: r.Duration.Round(time.Millisecond).String(),
		Types:    make([]syncResult, 0, len(r.Results)),
	}

	for _, res := range r.Results {
		sr := syncResult{
			Type:      res.Type.String(),
			Promoted:  res.Promoted,
			Pushed:    res.Pushed,
			Pulled:    res.Pulled,
			Applied:   res.Applied,
			KeptLocal: res.KeptLocal,
			Dropped:   res.Dropped,
		}

		if res.Err != nil {
			sr.Error = res.Err.Error()
		}

		out.Types = append(out.Types, sr)
	}

	return out
}

func runSync(cmd *cobra.Command, _ []string) error {
	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), func(cc *CLIContext, a *app) error {
		if err := a.requireRemote(); err != nil {
			return err
		}

		if watch {
			return runWatch(cmd.Context(), cc, a)
		}

		report, err := a.orch.SyncNow(cmd.Context())
		if err != nil {
			return err
		}

		if cc.Flags.JSON {
			if err := printJSON(cc.Out(), newSyncOutput(report)); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(cc.Out(), report.Summary())
		}

		if err := report.Err(); err != nil {
			return fmt.Errorf("%w: %w", errSyncFailed, err)
		}

		return nil
	})
}
