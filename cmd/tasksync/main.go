// Package main is the tasksync command: offline-first task sync against a
// remote todo API, with a background scheduler and a websocket status feed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/internal/config"
	"github.com/kimhsiao/tasksync/internal/logging"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Offline-first sync for tasks and lists",
	Long: `tasksync keeps a durable local copy of your tasks and lists, records
changes made while offline, and reconciles them with the server when the
connection returns.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return initLogging(cfg.Log)
	},
}

func initLogging(lc config.LogConfig) error {
	level := logging.ParseLevel(lc.Level)
	if lc.File == "" {
		logging.Init(os.Stderr, level)
		return nil
	}
	return logging.InitFile(lc.File, level, lc.MaxSizeMB)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./tasksync.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
