package main

import (
	"context"

	"github.com/kimhsiao/tasksync/internal/config"
	"github.com/kimhsiao/tasksync/internal/crypto"
	"github.com/kimhsiao/tasksync/internal/db"
	"github.com/kimhsiao/tasksync/internal/remote"
	"github.com/kimhsiao/tasksync/internal/services"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
	"github.com/kimhsiao/tasksync/internal/sync/conflict"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
	"github.com/kimhsiao/tasksync/internal/sync/scheduler"
)

// app holds the wired components shared by every command.
type app struct {
	conn      *db.DB
	store     *db.Store
	client    *remote.Client
	session   remote.SessionProvider
	queue     *queue.Manager
	bus       *syncpkg.Bus
	engine    *syncpkg.Engine
	recorder  *syncpkg.Recorder
	scheduler *scheduler.Scheduler
	probe     *scheduler.HTTPProbe
	tasks     *services.TaskService
}

func newApp(c *config.Config) (*app, error) {
	conn, err := db.Open(c.DataDir)
	if err != nil {
		return nil, err
	}
	if err := conn.Migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	store := db.NewStore(conn.DB, db.WithHistoryLimit(c.Sync.HistoryLimit))

	client := remote.NewClient(c.API.BaseURL, remote.WithTimeout(c.API.Timeout))
	var session remote.SessionProvider = remote.StaticSession(c.Session.ID)
	if c.Session.ID == "" {
		session = remote.NewStoredSession(store, client, crypto.MachineID(c.MachineID))
	}

	q := queue.NewManager(store,
		queue.WithMaxRetries(c.Sync.MaxRetries),
		queue.WithMaxSize(c.Sync.QueueMaxSize))
	bus := syncpkg.NewBus()

	engine, err := syncpkg.NewEngine(syncpkg.Options{
		Store:    store,
		Remote:   client,
		Session:  session,
		Queue:    q,
		Resolver: conflict.NewResolver(conflict.WithClockSkew(c.Sync.ClockSkew)),
		Bus:      bus,
	})
	if err != nil {
		store.Close()
		conn.Close()
		return nil, err
	}

	sched := scheduler.NewScheduler(engine, &scheduler.SchedulerConfig{
		SyncInterval: c.Sync.Interval,
		Publisher:    bus,
	})
	engine.SetNetwork(sched)
	recorder := syncpkg.NewRecorder(store, q, syncpkg.WithTrigger(sched))

	return &app{
		conn:      conn,
		store:     store,
		client:    client,
		session:   session,
		queue:     q,
		bus:       bus,
		engine:    engine,
		recorder:  recorder,
		scheduler: sched,
		probe:     scheduler.NewHTTPProbe(client, sched, c.Network.ProbeInterval),
		tasks:     services.NewTaskService(client, session, store, recorder, sched),
	}, nil
}

// checkOnline runs one connectivity probe so one-shot commands see the
// real network state.
func (a *app) checkOnline(ctx context.Context) bool {
	return a.probe.Check(ctx)
}

func (a *app) Close() error {
	a.scheduler.Stop()
	a.bus.Close()
	a.store.Close()
	return a.conn.Close()
}
