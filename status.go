package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinylingo/tinysync/internal/entity"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local record counts and sync state per type",
		RunE:  runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	Identity string       `json:"identity"`
	Kind     string       `json:"kind"`
	Remote   bool         `json:"remote_configured"`
	Types    []typeStatus `json:"types"`
}

type typeStatus struct {
	Type       string     `json:"type"`
	Live       int        `json:"live"`
	Pending    int        `json:"pending"`
	Deleted    int        `json:"deleted"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(cc *CLIContext, a *app) error {
		ctx := cmd.Context()

		id, err := a.resolveIdentity(ctx)
		if err != nil {
			return err
		}

		out := statusOutput{Identity: id.ID, Kind: id.Kind.String(), Remote: a.orch != nil}

		for _, d := range entity.All() {
			recs, err := a.store.Read(ctx, id, d.Type)
			if err != nil {
				return err
			}

			ts := typeStatus{Type: d.Type.String()}

			for _, r := range recs {
				if r.Deleted {
					ts.Deleted++
				} else {
					ts.Live++
				}

				if r.Pending() {
					ts.Pending++
				}
			}

			cur, err := a.store.Cursor(ctx, id, d.Type)
			if err != nil {
				return err
			}

			if !cur.LastSyncAt.IsZero() {
				at := cur.LastSyncAt
				ts.LastSyncAt = &at
			}

			ts.LastError = cur.LastError
			out.Types = append(out.Types, ts)
		}

		if cc.Flags.JSON {
			return printJSON(cc.Out(), out)
		}

		w := cc.Out()
		fmt.Fprintf(w, "Identity: %s (%s)\n", out.Identity, out.Kind)

		if !out.Remote {
			fmt.Fprintln(w, "Remote:   not configured (local only)")
		}

		fmt.Fprintln(w)

		rows := make([][]string, 0, len(out.Types))
		for _, ts := range out.Types {
			last := time.Time{}
			if ts.LastSyncAt != nil {
				last = *ts.LastSyncAt
			}

			rows = append(rows, []string{
				ts.Type,
				fmt.Sprint(ts.Live),
				fmt.Sprint(ts.Pending),
				fmt.Sprint(ts.Deleted),
				formatTime(last),
				ts.LastError,
			})
		}

		printTable(w, []string{"TYPE", "LIVE", "PENDING", "DELETED", "LAST SYNC", "ERROR"}, rows)

		return nil
	})
}
