package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/models"
	"github.com/coolbix/quantgate/internal/services/ingest"
	"github.com/coolbix/quantgate/internal/taskqueue"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Orchestrator != nil {
		if stats, err := s.deps.Orchestrator.Stats(r.Context()); err == nil {
			body["queue"] = stats
		}
	}
	WriteJSON(w, http.StatusOK, body)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

// analysisIdentity resolves the queue identity for a submission.
// Anonymous callers share per-IP admission slots.
func analysisIdentity(r *http.Request) string {
	if user := requestUser(r); user != "" {
		return user
	}
	return "ip:" + clientIP(r)
}

func (s *Server) handleAnalysisSingle(w http.ResponseWriter, r *http.Request) {
	var req models.AnalysisRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	task, err := s.deps.Orchestrator.CreateTask(r.Context(), analysisIdentity(r), &req)
	if err != nil {
		s.writeSubmissionError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleAnalysisBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchAnalysisRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	batchID, items, err := s.deps.Orchestrator.CreateBatch(r.Context(), analysisIdentity(r), &req)
	if err != nil {
		s.writeSubmissionError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": batchID,
		"tasks":    items,
	})
}

// writeSubmissionError maps queue admission failures to 429 and
// everything else to 400. Post-acceptance failures never reach here;
// they surface through the task document.
func (s *Server) writeSubmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, taskqueue.ErrUserLimitExceeded):
		WriteJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: err.Error(), Code: "USER_LIMIT_EXCEEDED"})
	case errors.Is(err, taskqueue.ErrGlobalLimitExceeded):
		WriteJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: err.Error(), Code: "GLOBAL_LIMIT_EXCEEDED"})
	default:
		WriteError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.deps.Orchestrator.Status(r.Context(), taskID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		WriteError(w, http.StatusNotFound, "task not found")
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	report, err := s.deps.Orchestrator.Result(r.Context(), taskID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if report == nil {
		WriteError(w, http.StatusNotFound, "result not available")
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.deps.Orchestrator.Cancel(r.Context(), taskID); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"task_id": taskID,
		"status":  models.TaskStatusCancelled,
	})
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.deps.Orchestrator.Delete(r.Context(), taskID); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSyncRun runs the multi-source basics sync synchronously and
// returns the terminal status document.
func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true" || r.URL.Query().Get("force") == "1"
	var preferred []string
	if raw := r.URL.Query().Get("preferred_sources"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				preferred = append(preferred, p)
			}
		}
	}

	status, err := s.deps.Sync.MultiSourceSync(r.Context(), force, preferred...)
	if err != nil {
		if errors.Is(err, ingest.ErrAlreadyRunning) {
			WriteJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "SYNC_ALREADY_RUNNING"})
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.SyncStatus.Get(r.Context(), ingest.JobMultiSourceStockBasics)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status == nil {
		status = &models.SyncStatus{
			Job:    ingest.JobMultiSourceStockBasics,
			Status: models.SyncStatusIdle,
		}
	}
	WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleTestSources(w http.ResponseWriter, r *http.Request) {
	results := s.deps.Sync.TestSources(r.Context())
	WriteJSON(w, http.StatusOK, map[string]any{"sources": results})
}

func (s *Server) handleValuation(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	result, ok := s.deps.Valuation.Recompute(r.Context(), code)
	if !ok {
		WriteError(w, http.StatusNotFound, "valuation unavailable for "+code)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	if user == "" {
		WriteError(w, http.StatusBadRequest, "user identity required")
		return
	}
	rows, err := s.deps.Notifications.List(r.Context(), user, 0)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"notifications": rows})
}

func (s *Server) handleTaskSocket(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		WriteError(w, http.StatusBadRequest, "task id required")
		return
	}
	s.deps.Socket.ServeTask(w, r, taskID)
}
