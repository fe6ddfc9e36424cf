package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinylingo/tinysync/internal/entity"
	"github.com/tinylingo/tinysync/internal/localstore"
)

// summaryFields are the payload fields shown by ls, in order.
var summaryFields = []string{"name", "style", "title"}

const summaryWidth = 32

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls TYPE",
		Short: "List local records of one type (worlds, stickers, backgrounds)",
		Args:  cobra.ExactArgs(1),
		RunE:  runLs,
	}

	cmd.Flags().Bool("deleted", false, "list only tombstones")
	cmd.Flags().Bool("pending", false, "list only records waiting to be pushed")

	return cmd
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put TYPE [KEY]",
		Short: "Create or update a record",
		Long: `Create or update a record. Fields given with --set are merged into the
existing payload; values are parsed as JSON when possible and kept as
strings otherwise. --json replaces --set with a whole JSON object ("-"
reads it from standard input). Without KEY a new key is generated.

Stickers are identified by name and style as well as by key. Creating a
sticker whose content matches a live one updates that sticker instead, and
the printed key is the existing one, not KEY.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runPut,
	}

	cmd.Flags().StringArray("set", nil, "field=value to set (repeatable)")
	cmd.Flags().String("json", "", "JSON object with the fields to set, or - for stdin")
	cmd.MarkFlagsMutuallyExclusive("set", "json")

	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm TYPE KEY...",
		Short: "Delete records (they stay in the trash until emptied)",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runRm,
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore TYPE KEY...",
		Short: "Restore deleted records from the trash",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runRestore,
	}
}

func newMarkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark TYPE [KEY...]",
		Short: "Force records to be pushed on the next sync (all when no KEY)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runMark,
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge TYPE KEY...",
		Short: "Permanently remove records locally and remotely",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runPurge,
	}
}

// lsEntry is the JSON schema for one record of `ls --json`.
type lsEntry struct {
	Key          string         `json:"key"`
	State        string         `json:"state"`
	LastModified string         `json:"last_modified"`
	Payload      map[string]any `json:"payload"`
}

func recordState(r entity.Record) string {
	switch {
	case r.Deleted && r.Pending():
		return "deleted*"
	case r.Deleted:
		return "deleted"
	case r.Pending():
		return "pending"
	default:
		return "synced"
	}
}

func runLs(cmd *cobra.Command, args []string) error {
	typ, err := entity.ParseType(args[0])
	if err != nil {
		return err
	}

	onlyDeleted, _ := cmd.Flags().GetBool("deleted")
	onlyPending, _ := cmd.Flags().GetBool("pending")

	return withApp(cmd.Context(), func(cc *CLIContext, a *app) error {
		id, err := a.resolveIdentity(cmd.Context())
		if err != nil {
			return err
		}

		recs, err := a.store.Read(cmd.Context(), id, typ)
		if err != nil {
			return err
		}

		recs = slices.DeleteFunc(recs, func(r entity.Record) bool {
			if onlyDeleted != r.Deleted {
				return true
			}

			return onlyPending && !r.Pending()
		})

		slices.SortFunc(recs, func(x, y entity.Record) int {
			return y.LastModified.Compare(x.LastModified)
		})

		if cc.Flags.JSON {
			out := make([]lsEntry, 0, len(recs))
			for _, r := range recs {
				out = append(out, lsEntry{
					Key:          r.Key,
					State:        recordState(r),
					LastModified: r.LastModified.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
					Payload:      r.Payload,
				})
			}

			return printJSON(cc.Out(), out)
		}

		if len(recs) == 0 {
			cc.Statusf("No %s.\n", typ)
			return nil
		}

		rows := make([][]string, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, []string{
				r.Key, recordState(r), formatTime(r.LastModified),
				summarizePayload(r.Payload, summaryFields, summaryWidth),
			})
		}

		printTable(cc.Out(), []string{"KEY", "STATE", "MODIFIED", "SUMMARY"}, rows)

		return nil
	})
}

func runPut(cmd *cobra.Command, args []string) error {
	typ, err := entity.ParseType(args[0])
	if err != nil {
		return err
	}

	var key string
	if len(args) == 2 {
		key = args[1]
	}

	sets, _ := cmd.Flags().GetStringArray("set")
	rawJSON, _ := cmd.Flags().GetString("json")

	payload, err := buildPayload(sets, rawJSON, cmd.InOrStdin())
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), func(cc *CLIContext, a *app) error {
		id, err := a.resolveIdentity(cmd.Context())
		if err != nil {
			return err
		}

		rec, err := a.store.Upsert(cmd.Context(), id, typ, key, payload)
		if err != nil {
			return err
		}

		cc.Logger.Debug("record saved", "type", typ.String(), "key", rec.Key)

		if key != "" && rec.Key != key {
			cc.Statusf("%s %s has the same content as %s; updated %s instead\n", typ, key, rec.Key, rec.Key)
		}

		if cc.Flags.JSON {
			return printJSON(cc.Out(), lsEntry{
				Key:          rec.Key,
				State:        recordState(rec),
				LastModified: rec.LastModified.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
				Payload:      rec.Payload,
			})
		}

		fmt.Fprintln(cc.Out(), rec.Key)

		return nil
	})
}

// buildPayload turns --set pairs or a --json object into a payload patch.
func buildPayload(sets []string, rawJSON string, stdin io.Reader) (map[string]any, error) {
	if rawJSON != "" {
		data := []byte(rawJSON)

		if rawJSON == "-" {
			var err error
			if data, err = io.ReadAll(stdin); err != nil {
				return nil, fmt.Errorf("reading payload: %w", err)
			}
		}

		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object: %w", err)
		}

		return payload, nil
	}

	if len(sets) == 0 {
		return nil, errors.New("nothing to set: pass --set field=value or --json")
	}

	payload := make(map[string]any, len(sets))

	for _, s := range sets {
		field, value, ok := strings.Cut(s, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid --set %q: want field=value", s)
		}

		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}

		payload[field] = v
	}

	return payload, nil
}

// eachKey applies fn to every key, reporting per-key outcomes. Missing
// records are reported and skipped; any other error stops.
func eachKey(cc *CLIContext, keys []string, verb string, fn func(key string) error) error {
	var missing int

	for _, key := range keys {
		err := fn(key)
		if errors.Is(err, localstore.ErrNotFound) {
			cc.Statusf("%s: not found\n", key)
			missing++

			continue
		}

		if err != nil {
			return err
		}

		cc.Statusf("%s %s\n", verb, key)
	}

	if missing > 0 {
		return fmt.Errorf("%d of %d records not found", missing, len(keys))
	}

	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	typ, err := entity.ParseType(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), func(cc *CLIContext, a *app) error {
		id, err := a.resolveIdentity(cmd.Context())
		if err != nil {
			return err
		}

		return eachKey(cc, args[1:], "Deleted", func(key string) error {
			_, err := a.store.SoftDelete(cmd.Context(), id, typ, key)
			return err
		})
	})
}

func runRestore(cmd *cobra.Command, args []string) error {
	typ, err := entity.ParseType(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), func(cc *CLIContext, a *app) error {
		id, err := a.resolveIdentity(cmd.Context())
		if err != nil {
			return err
		}

		return eachKey(cc, args[1:], "Restored", func(key string) error {
			_, err := a.store.Restore(cmd.Context(), id, typ, key)
			return err
		})
	})
}

func runMark(cmd *cobra.Command, args []string) error {
	typ, err := entity.ParseType(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), func(cc *CLIContext, a *app) error {
		id, err := a.resolveIdentity(cmd.Context())
		if err != nil {
			return err
		}

		n, err := a.store.MarkForSync(cmd.Context(), id, typ, args[1:]...)
		if err != nil {
			return err
		}

		cc.Statusf("Marked %d %s for sync.\n", n, typ)

		return nil
	})
}

func runPurge(cmd *cobra.Command, args []string) error {
	typ, err := entity.ParseType(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), func(cc *CLIContext, a *app) error {
		if err := a.requireRemote(); err != nil {
			return err
		}

		n, err := a.orch.Purge(cmd.Context(), typ, args[1:])
		if err != nil {
			return err
		}

		cc.Statusf("Purged %d %s.\n", n, typ)

		return nil
	})
}
