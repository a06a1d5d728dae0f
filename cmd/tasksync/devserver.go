package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/internal/remote/devserver"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory task API for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		srv := &http.Server{
			Addr:              addr,
			Handler:           devserver.New().Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "Dev API listening on http://%s\n", addr)

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	devserverCmd.Flags().String("addr", "127.0.0.1:8000", "listen address")
	rootCmd.AddCommand(devserverCmd)
}
