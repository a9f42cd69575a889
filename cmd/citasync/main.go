package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ebarrios/citasync/internal/config"
	"github.com/ebarrios/citasync/internal/database"
	"github.com/ebarrios/citasync/internal/job"
	"github.com/ebarrios/citasync/internal/logging"
	"github.com/ebarrios/citasync/internal/model"
	"github.com/ebarrios/citasync/internal/reclassify"
	"github.com/ebarrios/citasync/internal/remote"
	"github.com/ebarrios/citasync/internal/server"
	"github.com/ebarrios/citasync/internal/store"
	"github.com/ebarrios/citasync/internal/syncer"
	ws "github.com/ebarrios/citasync/internal/websocket"
)

func main() {
	configPath := os.Getenv("CITASYNC_CONFIG")
	if configPath == "" {
		configPath = "citasync.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if v := os.Getenv("CITASYNC_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("CITASYNC_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CITASYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CITASYNC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	var sources remote.Multi
	for _, sc := range cfg.Sources {
		switch sc.Type {
		case "ics":
			sources = append(sources, remote.NewICSSource(sc.CalendarID, sc.URL))
		case "rest":
			sources = append(sources, remote.NewRESTSource(sc.CalendarID, sc.URL))
		}
		logger.Info("calendar source configured", "id", sc.ID, "name", sc.Name, "type", sc.Type)
	}
	if len(sources) == 0 {
		logger.Warn("no calendar sources configured, syncs will find nothing")
	}

	hub := ws.NewHub(logger.With("component", "websocket"))
	jobs := job.NewRegistry(cfg.JobTTL(), func(j model.Job) {
		hub.Broadcast(ws.Message{
			Type:   "job_update",
			Entity: "job",
			Action: string(j.Status),
			ID:     j.ID,
			Extra: map[string]any{
				"kind":     j.Kind,
				"progress": j.Progress,
				"total":    j.Total,
				"message":  j.Message,
			},
		})
	}, logger.With("component", "jobs"))

	events := store.NewEventStore(db)
	logs := store.NewSyncLogStore(db)

	ctx := context.Background()
	ctrl := syncer.New(ctx, sources, events, logs, jobs, syncer.Config{
		PastDays:   cfg.Sync.PastDays,
		FutureDays: cfg.Sync.FutureDays,
		StaleLock:  cfg.StaleLock(),
	}, logger.With("component", "syncer"))

	runner := reclassify.New(ctx, events, jobs, reclassify.Config{
		RequiredFields: cfg.Classify.RequiredFields,
		PageSize:       cfg.Classify.PageSize,
	}, logger.With("component", "reclassify"))

	var sched *cron.Cron
	if cfg.Sync.Cron != "" {
		sched = cron.New()
		_, err := sched.AddFunc(cfg.Sync.Cron, func() {
			if _, err := ctrl.Start(ctx, "scheduled", nil); err != nil {
				// A run already in flight is normal under a tight schedule.
				logger.Debug("scheduled sync skipped", "error", err)
			}
		})
		if err != nil {
			log.Fatalf("invalid sync cron %q: %v", cfg.Sync.Cron, err)
		}
		sched.Start()
		logger.Info("scheduled sync enabled", "cron", cfg.Sync.Cron)
	}

	srv := server.New(db, events, logs, ctrl, runner, jobs, hub, logger)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		fmt.Printf("citasync listening on %s\n", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\nShutting down...")
	if sched != nil {
		sched.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	ctrl.Stop()
	runner.Stop()
}
