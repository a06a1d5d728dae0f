package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage changes waiting to be pushed",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued changes in push order",
	RunE: func(cmd *cobra.Command, args []string) error {
		deadOnly, _ := cmd.Flags().GetBool("dead")

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		entries, err := a.queue.Pending(ctx)
		if deadOnly {
			entries, err = a.queue.DeadLetters(ctx)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, e := range entries {
			fmt.Fprintln(out, a.queue.Describe(e))
			if e.LastError != "" {
				fmt.Fprintf(out, "    last error: %s\n", e.LastError)
			}
		}

		stats, err := a.queue.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d queued, %d retrying, %d dead letters\n", stats.Total, stats.Pending, stats.DeadLetter)
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Give dead-lettered changes a fresh set of retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.queue.RetryAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %d entries\n", n)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued change without pushing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			return errors.New(errors.ErrInvalid, "refusing to drop unsynced changes without --force")
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.queue.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Queue cleared")
		return nil
	},
}

var queueDropCmd = &cobra.Command{
	Use:   "drop <table> <id>",
	Short: "Drop the queued changes of one record, such as its dead letters",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := models.ParseTable(args[0])
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "invalid table", err)
		}
		id, err := models.ParseRecordID(args[1])
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "invalid record id", err)
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.queue.DropFor(cmd.Context(), table, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Dropped %d entries for %s %s\n", n, table, id)
		return nil
	},
}

func init() {
	queueListCmd.Flags().Bool("dead", false, "only show dead letters")
	queueClearCmd.Flags().Bool("force", false, "confirm dropping unsynced changes")

	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queueDropCmd, queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}
