package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/queue"
)

const maxParamsBytes = 1 << 20

// StartTaskResponse is returned by POST /tasks/start/{taskName}
type StartTaskResponse struct {
	CallID string `json:"callId"`
}

// handleStartTask handles POST /tasks/start/{taskName}. The body is passed
// through as the task params.
func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	taskName := mux.Vars(r)["taskName"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxParamsBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge,
				"Request body exceeds the size limit", map[string]interface{}{"limitBytes": tooLarge.Limit})
			return
		}
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Failed to read request body", nil)
		return
	}

	var params json.RawMessage
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		if !json.Valid(body) {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Request body must be JSON", nil)
			return
		}
		params = json.RawMessage(body)
	}

	callID, err := s.tasks.StartTask(r.Context(), taskName, params)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).WithField("task", taskName).Warn("Failed to start task")
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, StartTaskResponse{CallID: callID})
}

// handleGetTaskStatus handles GET /tasks/{id}/status
func (s *Server) handleGetTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	call, err := s.tasks.GetTaskStatus(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, call)
}

// handleExportJobs handles GET /admin/jobs/export?format=json|csv. Anything
// other than csv exports JSON.
func (s *Server) handleExportJobs(w http.ResponseWriter, r *http.Request) {
	format := queue.FormatJSON
	if r.URL.Query().Get("format") == queue.FormatCSV {
		format = queue.FormatCSV
	}

	path, err := queue.ExportProcessedJobs(r.Context(), s.queues.Queues(), s.config.ExportDir, format)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("Failed to export jobs log")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message":     "Jobs log exported successfully as " + format,
		"logFilePath": path,
	})
}
