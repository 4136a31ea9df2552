package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/csvrouter/internal/core"
	"github.com/JonMunkholm/csvrouter/internal/trigger"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

// StartRunRequest is the body of POST /api/runs.
type StartRunRequest struct {
	Source string `json:"source"`
}

// StartRunResponse is returned for an asynchronous run.
type StartRunResponse struct {
	RunID     string `json:"run_id"`
	StatusURL string `json:"status_url"`
}

// RunDetail is GET /api/runs/{runID}: live progress while the run is held
// in memory, otherwise the ledger record.
type RunDetail struct {
	Live     *core.RunProgress `json:"live,omitempty"`
	Recorded any               `json:"recorded,omitempty"`
}

// handleStartRun starts a run. With ?wait=true the run executes within the
// request and the full result is returned.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		s.respondError(w, r, fmt.Errorf("%w: source is required", errBadRequest))
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		result, err := s.service.Run(r.Context(), req.Source)
		if result == nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, resultStatus(result), result)
		return
	}

	runID, err := s.service.StartRun(r.Context(), req.Source)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartRunResponse{
		RunID:     runID,
		StatusURL: "/api/runs/" + runID,
	})
}

// handleS3Event starts one run per created object in an S3 event
// notification.
func (s *Server) handleS3Event(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	objects, err := trigger.ParseS3Event(body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ids, err := trigger.Dispatch(r.Context(), s.service, objects)
	if err != nil {
		// Runs already started keep going; report them with the error.
		w.Header().Set("X-Started-Runs", strings.Join(ids, ","))
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_ids": ids})
}

// handleListRuns returns recorded history plus the runs held in memory.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"active": s.service.ListRuns(),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if p, err := s.service.GetRunProgress(runID); err == nil {
		writeJSON(w, http.StatusOK, RunDetail{Live: &p})
		return
	}

	run, err := s.history.GetRun(r.Context(), runID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RunDetail{Recorded: run})
}

// handleRunResult waits for a run held in memory to finish and returns its
// result; older runs come from the ledger.
func (s *Server) handleRunResult(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	result, err := s.service.GetRunResult(r.Context(), runID)
	if err == nil {
		writeJSON(w, http.StatusOK, result)
		return
	}
	if !errors.Is(err, core.ErrRunNotFound) {
		s.respondError(w, r, err)
		return
	}

	run, err := s.history.GetRun(r.Context(), runID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.service.CancelRun(runID); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling", "run_id": runID})
}

// handleRunEvents streams progress as server-sent events until the run
// finishes or the client goes away. The event id is the row count, so a
// reconnecting client can tell whether anything moved.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	progress, err := s.service.GetRunProgress(runID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, r, errors.New("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ticker := time.NewTicker(s.progressInterval)
	defer ticker.Stop()

	var last core.RunProgress
	first := true
	for {
		if first || progress != last {
			writeEvent(w, "progress", progress)
			flusher.Flush()
			last, first = progress, false
		}
		if progress.Phase.Terminal() {
			writeEvent(w, "complete", progress)
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		progress, err = s.service.GetRunProgress(runID)
		if err != nil {
			// Forgotten between polls; the ledger has the rest.
			fmt.Fprintf(w, "event: complete\ndata: {}\n\n")
			flusher.Flush()
			return
		}
	}
}

func (s *Server) handleLimiterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.LimiterStatus())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"policy":  s.service.PolicyName(),
		"limiter": s.service.LimiterStatus(),
	})
}

func writeEvent(w io.Writer, event string, p core.RunProgress) {
	data, _ := json.Marshal(p)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", p.Rows, event, data)
}

// decodeJSON reads a size-limited JSON body into v, rejecting unknown
// fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

// parseIntParam parses a positive integer query parameter with a default
// value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}
