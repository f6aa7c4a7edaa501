// Package api is the HTTP control surface. It serves the routes the TagBeat
// dashboard calls (/start, /stop, /changeParam, /filtering, /replay and
// friends) next to the /socket result stream and JSON status, session and
// debug endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/banshee-data/tagbeat/internal/agent"
	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/httputil"
	"github.com/banshee-data/tagbeat/internal/monitoring"
	"github.com/banshee-data/tagbeat/internal/pipeline"
	"github.com/banshee-data/tagbeat/internal/recorder"
	"github.com/banshee-data/tagbeat/internal/sink"
	"github.com/banshee-data/tagbeat/internal/source"
)

// DefaultCommandWait is how long a handler waits for a queued command to
// be applied before answering 202 Accepted.
const DefaultCommandWait = 2 * time.Second

// SourceFactory builds the live frame source for a /start request.
type SourceFactory func(t agent.Target) source.Source

// SessionLister reports recorded sessions with their metadata.
// *recorder.Recorder satisfies it.
type SessionLister interface {
	Sessions() ([]recorder.SessionInfo, error)
	OpenForReplay(id string) (recorder.Sequence, error)
}

// Config wires a Server.
type Config struct {
	Manager     *pipeline.Manager
	Broadcaster *sink.Broadcaster
	// Agent may be nil, in which case /start and /stop only control the
	// pipeline.
	Agent       *agent.Client
	Sessions    SessionLister
	NewSource   SourceFactory
	Metrics     *monitoring.Metrics
	CommandWait time.Duration
}

type Server struct {
	manager     *pipeline.Manager
	broadcaster *sink.Broadcaster
	agent       *agent.Client
	sessions    SessionLister
	newSource   SourceFactory
	metrics     *monitoring.Metrics
	commandWait time.Duration
	logf        func(format string, v ...interface{})
}

func NewServer(cfg Config) *Server {
	if cfg.CommandWait <= 0 {
		cfg.CommandWait = DefaultCommandWait
	}
	return &Server{
		manager:     cfg.Manager,
		broadcaster: cfg.Broadcaster,
		agent:       cfg.Agent,
		sessions:    cfg.Sessions,
		newSource:   cfg.NewSource,
		metrics:     cfg.Metrics,
		commandWait: cfg.CommandWait,
		logf:        monitoring.Component("API"),
	}
}

// Router returns the full route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware)
	r.Use(CORSMiddleware)

	// Dashboard routes.
	r.Get("/discover", s.discover)
	r.Post("/start", s.start)
	r.Get("/stop", s.stop)
	r.Post("/stop", s.stop)
	r.Get("/changeParam", s.changeParam)
	r.Get("/getFilters", s.getFilters)
	r.Post("/filtering", s.filtering)
	r.Get("/history", s.history)
	r.Get("/replay", s.replay)
	if s.broadcaster != nil {
		r.Handle("/socket", sink.WebSocketHandler(s.broadcaster))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/run/stop", s.stopRun)
		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{id}/plot.png", s.sessionPlot)
	})

	r.Get("/debug/chart", s.chart)
	r.Handle("/metrics", s.metrics.Handler())
	return r
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	httputil.WriteResult(w, http.StatusOK, httputil.OK())
}

// writeError maps pipeline, recorder and agent errors onto the envelope.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var se *agent.StatusError
	switch {
	case errors.Is(err, frame.ErrInvalidParameters):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, recorder.ErrSessionNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, pipeline.ErrAlreadyRunning), errors.Is(err, pipeline.ErrNotRunning):
		httputil.WriteFailure(w, http.StatusConflict, err.Error())
	case errors.Is(err, agent.ErrMissingAddress):
		httputil.WriteResult(w, http.StatusBadRequest, httputil.Result{Code: 1, Message: "TagSee IP or agent IP cannot be empty."})
	case errors.As(err, &se):
		httputil.WriteResult(w, http.StatusBadGateway, httputil.Result{Code: se.StatusCode, Message: se.Body})
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

// await waits for a submitted command. applied is false when the wait
// expired with the command still queued.
func (s *Server) await(ctx context.Context, res <-chan error) (applied bool, err error) {
	t := time.NewTimer(s.commandWait)
	defer t.Stop()
	select {
	case err := <-res:
		return true, err
	case <-t.C:
		return false, nil
	case <-ctx.Done():
		return false, nil
	}
}

// submit queues cmd and answers with its result, or 202 if it has not
// been applied in time.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, cmd pipeline.Command, extra ...interface{}) {
	applied, err := s.await(r.Context(), s.manager.Submit(cmd))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !applied {
		httputil.WriteResult(w, http.StatusAccepted, httputil.Result{Message: "queued"})
		return
	}
	httputil.WriteResult(w, http.StatusOK, httputil.OK(extra...))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"pipeline": s.manager.Status(),
		"filters":  s.manager.Filters(),
		"version":  versionInfo(),
	}
	if s.broadcaster != nil {
		out["sink"] = s.broadcaster.Stats()
	}
	if f, ok := s.manager.LastFrame(); ok {
		out["last_frame"] = f
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Stop(); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteResult(w, http.StatusOK, httputil.OK("state", s.manager.State()))
}
