package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"fileq/internal/domain"
	"fileq/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// packetSize is the unit request bodies are read in.
const packetSize = 8 << 10

var errBodyTooLarge = errors.New("request body too large")

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// readBody reads r packet by packet and gives up as soon as more than limit bytes
// arrived, so an oversized body is never held in memory in full.
func readBody(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	packet := make([]byte, packetSize)
	for {
		n, err := r.Read(packet)
		if int64(buf.Len()+n) > limit {
			return nil, errBodyTooLarge
		}
		buf.Write(packet[:n])
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) addTask(w http.ResponseWriter, r *http.Request) {
	taskType, id := chi.URLParam(r, "type"), chi.URLParam(r, "id")
	limit := s.rt.Cfg.API.MaxBodyBytes

	if r.ContentLength > limit {
		respondError(w, http.StatusRequestEntityTooLarge, errBodyTooLarge.Error())
		return
	}
	body, err := readBody(r.Body, limit)
	if errors.Is(err, errBodyTooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			respondError(w, http.StatusBadRequest, "body must be a JSON object")
			return
		}
	}

	var at time.Time
	if d := r.URL.Query().Get("delay"); d != "" {
		delay, err := time.ParseDuration(d)
		if err != nil || delay < 0 {
			respondError(w, http.StatusBadRequest, "invalid delay")
			return
		}
		at = time.Now().Add(delay)
	}

	path, err := s.rt.Manager.AddRawTask(taskType, id, body, at)
	switch {
	case errors.Is(err, domain.ErrInvalidTask):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("type", taskType).Str("id", id).Msg("unable to add task")
		respondError(w, http.StatusInternalServerError, "unable to add task")
		return
	}

	if taskType == s.rt.Cfg.Queue.PingType {
		if err := s.rt.Manager.RecordTriggerPing(nil); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("unable to record trigger ping")
		}
	}
	respondJSON(w, http.StatusCreated, map[string]string{"file": path})
}

func queueFlag(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func (s *Server) startWorker(w http.ResponseWriter, r *http.Request) {
	opts := usecase.RunOptions{Retire: queueFlag(r, "retire"), Debug: queueFlag(r, "debug")}

	if opts.Debug {
		if !isAdminRequest(r) {
			respondError(w, http.StatusForbidden, "debug runs require the admin token")
			return
		}
		s.debugWorker(w, r, opts)
		return
	}

	if !s.limiter.Allow() {
		respondError(w, http.StatusTooManyRequests, "worker spawn rate exceeded")
		return
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if _, err := s.rt.RunOnce(s.runCtx, opts, s.logger); err != nil {
			s.logger.Error().Err(err).Msg("worker run failed")
		}
	}()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// flushWriter pushes every log line to the client as soon as it is written.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		_ = f.rc.Flush()
	}
	return n, err
}

// debugWorker runs a worker in the request and streams its log to the client.
func (s *Server) debugWorker(w http.ResponseWriter, r *http.Request, opts usecase.RunOptions) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	out := flushWriter{w: w, rc: http.NewResponseController(w)}
	logger := zerolog.New(out).
		Level(zerolog.DebugLevel).
		With().Timestamp().Str("component", "worker").Logger()

	stats, err := s.rt.RunOnce(r.Context(), opts, logger)
	ev := logger.Info()
	if err != nil {
		ev = logger.Error().Err(err)
	}
	ev.Str("reason", string(stats.Reason)).Int("dispatched", stats.Dispatched).Msg("debug run finished")
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.rt.Manager.Status()
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("unable to read queue status")
		respondError(w, http.StatusInternalServerError, "unable to read queue status")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) tasks(w http.ResponseWriter, r *http.Request) {
	filter, err := domain.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := s.rt.Manager.Tasks(filter)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("unable to list tasks")
		respondError(w, http.StatusInternalServerError, "unable to list tasks")
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"filter": filter, "tasks": tasks})
}

func (s *Server) restart(w http.ResponseWriter, r *http.Request) {
	n := s.rt.Manager.RestartWorkers()
	respondJSON(w, http.StatusOK, map[string]int{"revoked": n})
}
