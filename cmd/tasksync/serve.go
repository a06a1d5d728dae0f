package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background scheduler with a local status API and websocket feed",
	Long: `Run the sync scheduler in the foreground. A connectivity probe polls the
server's /health endpoint; sync passes run when the connection returns, every
sync interval while online, and on demand.

Endpoints:
  GET  /ws              websocket feed of sync-start, sync-complete, sync-error,
                        history-updated and network-status events
  GET  /api/status      engine and scheduler status
  POST /api/sync        request a sync pass
  GET  /api/history     recent sync history (?limit=N)
  GET  /api/queue       queued changes
  POST /api/visibility  {"visible": bool}, foreground changes trigger a sync`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Server.Addr
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		hub := NewWSHub()
		defer hub.Close()
		unsubscribe := a.bus.Subscribe(hub.Publish)
		defer unsubscribe()

		go a.probe.Run(ctx)
		a.scheduler.Start(ctx)

		srv := &http.Server{
			Addr:              addr,
			Handler:           newStatusRouter(a, hub),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		fmt.Fprintf(cmd.OutOrStdout(), "tasksync serving on http://%s (websocket: ws://%s/ws)\n", addr, addr)
		logging.Info("Status server started", map[string]interface{}{"addr": addr})

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil {
				return errors.Wrap(errors.ErrInternal, "status server failed", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Status server shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}
		logging.Info("Status server stopped", nil)
		return nil
	},
}

// newStatusRouter exposes the status endpoints of a running app.
func newStatusRouter(a *app, hub *WSHub) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", gin.WrapF(HandleWebSocket(hub)))

	api := r.Group("/api")
	api.GET("/status", func(c *gin.Context) {
		st, err := a.engine.Status(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"sync":      st,
			"scheduler": a.scheduler.GetStatus(),
			"clients":   hub.ClientCount(),
		})
	})
	api.POST("/sync", func(c *gin.Context) {
		started := a.scheduler.TriggerSync()
		c.JSON(http.StatusAccepted, gin.H{"requested": started})
	})
	api.GET("/history", func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit <= 0 {
			writeError(c, errors.New(errors.ErrInvalid, "limit must be a positive integer"))
			return
		}
		items, err := a.engine.History(c.Request.Context(), limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, items)
	})
	api.GET("/queue", func(c *gin.Context) {
		entries, err := a.queue.Pending(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		stats, err := a.queue.Stats(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "stats": stats})
	})
	api.POST("/visibility", func(c *gin.Context) {
		var body struct {
			Visible *bool `json:"visible"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Visible == nil {
			writeError(c, errors.New(errors.ErrInvalid, `body must be {"visible": bool}`))
			return
		}
		a.scheduler.SetVisible(*body.Visible)
		c.Status(http.StatusNoContent)
	})
	return r
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrInvalid:
		status = http.StatusBadRequest
	case errors.ErrNotFound:
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"code": errors.CodeOf(err), "error": err.Error()})
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default: server.addr)")
	rootCmd.AddCommand(serveCmd)
}
