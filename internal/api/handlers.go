package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/banshee-data/tagbeat/internal/agent"
	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/httputil"
	"github.com/banshee-data/tagbeat/internal/pipeline"
	"github.com/banshee-data/tagbeat/internal/version"
)

const maxBodyBytes = 64 * 1024

func versionInfo() map[string]string {
	return map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	}
}

// decodeTarget reads {tagseeIP, agentIP}. The TagBeat dashboard sends it
// as the body of both POST /start and GET /stop.
func decodeTarget(r *http.Request) (agent.Target, error) {
	var t agent.Target
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return t, err
	}
	if len(body) == 0 {
		return t, agent.ErrMissingAddress
	}
	if err := json.Unmarshal(body, &t); err != nil {
		return t, err
	}
	return t, t.Validate()
}

func (s *Server) writeTargetError(w http.ResponseWriter, err error) {
	if errors.Is(err, agent.ErrMissingAddress) {
		s.writeError(w, err)
		return
	}
	httputil.BadRequest(w, "invalid request body: "+err.Error())
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	// Without an agent the body is optional.
	target, err := decodeTarget(r)
	if err != nil && s.agent != nil {
		s.writeTargetError(w, err)
		return
	}
	if s.manager.State().Active() {
		s.writeError(w, pipeline.ErrAlreadyRunning)
		return
	}
	if s.newSource == nil {
		httputil.InternalServerError(w, "no frame source configured")
		return
	}

	var reply string
	if s.agent != nil {
		reply, err = s.agent.Start(r.Context(), target)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}

	runID, err := s.manager.StartLive(s.newSource(target))
	if err != nil {
		s.writeError(w, err)
		return
	}
	res := httputil.OK("run_id", runID)
	res.Message = reply
	httputil.WriteResult(w, http.StatusOK, res)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	var reply string
	if s.agent != nil {
		target, err := decodeTarget(r)
		if err != nil {
			s.writeTargetError(w, err)
			return
		}
		if reply, err = s.agent.Stop(r.Context(), target); err != nil {
			s.writeError(w, err)
			return
		}
	}

	if err := s.manager.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		s.writeError(w, err)
		return
	}
	res := httputil.OK("state", s.manager.State())
	res.Message = reply
	httputil.WriteResult(w, http.StatusOK, res)
}

// changeParam handles /changeParam?N=&Q=&K=. A single value becomes the
// matching single-field command. Several values are applied together so
// a consistent change never passes through an invalid intermediate triple.
func (s *Server) changeParam(w http.ResponseWriter, r *http.Request) {
	if !s.manager.State().Active() {
		httputil.WriteResult(w, http.StatusConflict, httputil.Result{Code: 1, Message: "The system is not started."})
		return
	}

	q := r.URL.Query()
	values := map[string]int{}
	for _, key := range []string{"N", "Q", "K"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			httputil.BadRequest(w, "invalid "+key+": "+raw)
			return
		}
		values[key] = v
	}

	var cmd pipeline.Command
	switch len(values) {
	case 0:
		httputil.BadRequest(w, "at least one of N, Q or K is required")
		return
	case 1:
		for key, v := range values {
			switch key {
			case "N":
				cmd = pipeline.NewSetSampleCount(v)
			case "Q":
				cmd = pipeline.NewSetFrameSize(v)
			case "K":
				cmd = pipeline.NewSetSparsity(v)
			}
		}
	default:
		p := s.manager.Params()
		if v, ok := values["N"]; ok {
			p.SampleCount = v
		}
		if v, ok := values["Q"]; ok {
			p.FrameSize = v
		}
		if v, ok := values["K"]; ok {
			p.Sparsity = v
		}
		cmd = pipeline.NewSetParams(p)
	}

	applied, err := s.await(r.Context(), s.manager.Submit(cmd))
	switch {
	case err != nil:
		s.writeError(w, err)
	case !applied:
		httputil.WriteResult(w, http.StatusAccepted, httputil.Result{Message: "queued"})
	default:
		httputil.WriteResult(w, http.StatusOK, httputil.OK("params", s.manager.Params()))
	}
}

func (s *Server) getFilters(w http.ResponseWriter, r *http.Request) {
	httputil.WriteResult(w, http.StatusOK, httputil.OK("filters", s.manager.Filters()))
}

func (s *Server) filtering(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if len(body) == 0 {
		httputil.WriteResult(w, http.StatusOK, httputil.OK())
		return
	}

	var raw map[string]bool
	if err := json.Unmarshal(body, &raw); err != nil {
		httputil.BadRequest(w, "filters must be a JSON object of tag to boolean: "+err.Error())
		return
	}
	fs, err := frame.ParseFilterSet(raw)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.submit(w, r, pipeline.NewSetFilter(fs))
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	ids, err := s.manager.ListSessions()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	httputil.WriteResult(w, http.StatusOK, httputil.OK("history", ids))
}

// replay switches an active run to the session, or starts a standalone
// replay run when nothing is running.
func (s *Server) replay(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("filename")
	if id == "" {
		httputil.BadRequest(w, "filename is required")
		return
	}

	if s.manager.State().Active() {
		s.submit(w, r, pipeline.NewStartReplay(id), "session", id)
		return
	}
	runID, err := s.manager.StartReplay(id)
	if errors.Is(err, pipeline.ErrAlreadyRunning) {
		// A run started since the state check; switch it instead.
		s.submit(w, r, pipeline.NewStartReplay(id), "session", id)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteResult(w, http.StatusOK, httputil.OK("session", id, "run_id", runID))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		httputil.WriteResult(w, http.StatusOK, httputil.OK("sessions", []interface{}{}))
		return
	}
	infos, err := s.sessions.Sessions()
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteResult(w, http.StatusOK, httputil.OK("sessions", infos))
}
