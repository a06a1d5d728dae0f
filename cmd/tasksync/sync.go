package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/internal/errors"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		a.checkOnline(ctx)
		res, err := a.engine.Sync(ctx)
		if err != nil {
			return err
		}
		printResult(cmd, res)
		return nil
	},
}

func printResult(cmd *cobra.Command, res *syncpkg.SyncResult) {
	out := cmd.OutOrStdout()
	if res.Skipped {
		fmt.Fprintf(out, "Sync skipped: %s\n", res.SkipReason)
		return
	}
	state := "ok"
	if !res.Success {
		state = "completed with errors"
	}
	fmt.Fprintf(out, "Sync %s in %s: pushed %d, failed %d, pulled %d, conflicts %d\n",
		state, res.Duration.Round(time.Millisecond), res.Pushed, res.Failed, res.Pulled, len(res.Conflicts))
	for _, c := range res.Conflicts {
		fmt.Fprintf(out, "  conflict %s/%s resolved for %s\n", c.Table, c.ServerItem.ID, c.Resolution)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(out, "  error: %s\n", e)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state, pending changes and last sync time",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		a.checkOnline(ctx)
		st, err := a.engine.Status(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "State:        %s\n", st.State)
		fmt.Fprintf(out, "Online:       %t\n", st.Online)
		fmt.Fprintf(out, "Pending:      %d\n", st.Pending)
		fmt.Fprintf(out, "Dead letters: %d\n", st.DeadLetters)
		if st.LastSync != nil {
			fmt.Fprintf(out, "Last sync:    %s\n", st.LastSync.Local().Format(time.RFC3339))
		} else {
			fmt.Fprintln(out, "Last sync:    never")
		}
		if st.LastError != "" {
			fmt.Fprintf(out, "Last error:   %s\n", st.LastError)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync activity, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		wipe, _ := cmd.Flags().GetBool("clear")

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if wipe {
			if err := a.engine.ClearHistory(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
			return nil
		}

		items, err := a.engine.History(ctx, limit)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sync history")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tOPERATION\tSTATUS\tITEM\tDETAIL")
		for _, it := range items {
			detail := it.Error
			if detail == "" && it.DurationMs > 0 {
				detail = fmt.Sprintf("%dms", it.DurationMs)
			}
			item := strings.TrimSpace(it.ItemID + " " + it.ItemTitle)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				it.Time().Local().Format(time.DateTime), it.Operation, it.Status, item, detail)
		}
		return w.Flush()
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe local records, queued changes, history and sync metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			return errors.New(errors.ErrInvalid, "refusing to wipe local data without --force")
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.ClearAll(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Local data cleared")
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("force", false, "confirm wiping local data")
	historyCmd.Flags().IntP("limit", "n", 20, "number of items to show")
	historyCmd.Flags().Bool("clear", false, "delete all history")

	rootCmd.AddCommand(syncCmd, statusCmd, historyCmd, resetCmd)
}
