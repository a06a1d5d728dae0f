package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/internal/models"
)

var addCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task, offline if the server cannot be reached",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		listID, _ := cmd.Flags().GetInt64("list")
		priority, _ := cmd.Flags().GetString("priority")
		detail, _ := cmd.Flags().GetString("detail")

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		fields := models.Fields{"title": strings.Join(args, " ")}
		if listID > 0 {
			fields["list_id"] = listID
		}
		if priority != "" {
			fields["priority"] = priority
		}
		if detail != "" {
			fields["detail"] = detail
		}

		ctx := cmd.Context()
		a.checkOnline(ctx)
		task, err := a.tasks.CreateTask(ctx, fields)
		if err != nil {
			return err
		}

		where := "on the server"
		if task.Offline {
			where = "offline, queued for sync"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added task %s %q (%s)\n", task.ID, task.Title, where)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		listID, _ := cmd.Flags().GetInt64("list")

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		a.checkOnline(ctx)
		tasks, err := a.tasks.ListTasks(ctx, listID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, t := range tasks {
			mark := " "
			if t.Completed {
				mark = "x"
			}
			flag := ""
			if t.Offline {
				flag = " (unsynced)"
			}
			fmt.Fprintf(out, "[%s] %-14s %s%s\n", mark, t.ID, t.Title, flag)
		}
		return nil
	},
}

func init() {
	addCmd.Flags().Int64("list", 0, "list id (default: the server's first list)")
	addCmd.Flags().String("priority", "", "low, medium or high")
	addCmd.Flags().String("detail", "", "task description")
	listCmd.Flags().Int64("list", 0, "only tasks of this list")

	rootCmd.AddCommand(addCmd, listCmd)
}
