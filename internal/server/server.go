package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ebarrios/citasync/internal/handler"
	"github.com/ebarrios/citasync/internal/job"
	"github.com/ebarrios/citasync/internal/middleware"
	"github.com/ebarrios/citasync/internal/reclassify"
	"github.com/ebarrios/citasync/internal/store"
	"github.com/ebarrios/citasync/internal/syncer"
	ws "github.com/ebarrios/citasync/internal/websocket"
)

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	syncH       *handler.SyncHandler
	jobH        *handler.JobHandler
	reclassifyH *handler.ReclassifyHandler
	eventH      *handler.EventHandler
	reportH     *handler.ReportHandler
	logger      *slog.Logger
}

func New(db *sql.DB, events *store.EventStore, logs *store.SyncLogStore,
	ctrl *syncer.Controller, runner *reclassify.Runner, jobs *job.Registry,
	hub *ws.Hub, logger *slog.Logger) *Server {

	return &Server{
		db:          db,
		hub:         hub,
		syncH:       handler.NewSyncHandler(ctrl, logs, logger.With("component", "sync_handler")),
		jobH:        handler.NewJobHandler(jobs),
		reclassifyH: handler.NewReclassifyHandler(runner, logger.With("component", "reclassify_handler")),
		eventH:      handler.NewEventHandler(events, hub, ctrl.Window, logger.With("component", "event_handler")),
		reportH:     handler.NewReportHandler(events, ctrl.Window, logger.With("component", "report_handler")),
		logger:      logger,
	}
}

// Hub returns the WebSocket hub for broadcast wiring.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /ws", ws.HandleWebSocket(s.hub))

	mux.HandleFunc("POST /sync", s.syncH.Trigger)
	mux.HandleFunc("GET /sync-logs", s.syncH.Logs)
	mux.HandleFunc("GET /jobs/{id}", s.jobH.Get)

	mux.HandleFunc("POST /reclassify", s.reclassifyH.Pending)
	mux.HandleFunc("POST /reclassify-all", s.reclassifyH.All)

	mux.HandleFunc("GET /events", s.eventH.List)
	mux.HandleFunc("PUT /events/{calendar_id}/{event_id}/derived", s.eventH.UpdateDerived)

	mux.HandleFunc("GET /reports/collection", s.reportH.Collection)

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
