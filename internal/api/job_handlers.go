package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/tm-status-tracker/internal/importer"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

const (
	minStaleDays   = 1
	maxStaleDays   = 365
	maxImportBytes = 10 << 20
)

func (s *Server) ingestKey(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.jobs.SubmitSingleKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type nameRequest struct {
	Name     string          `json:"name"`
	Category json.RawMessage `json:"category"`
}

func (s *Server) ingestName(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	category, err := rawCategory(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.jobs.SubmitSingleNameCategory(r.Context(), req.Name, category)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) ingestStale(w http.ResponseWriter, r *http.Request) {
	staleness, err := s.parseStaleness(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.jobs.SubmitRefreshStale(r.Context(), staleness)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":           jobID,
		"stale_since_days": int(staleness / (24 * time.Hour)),
	})
}

type importResponse struct {
	JobID    string            `json:"job_id,omitempty"`
	Accepted int               `json:"accepted"`
	Rejected int               `json:"rejected"`
	Errors   tracker.RowErrors `json:"errors"`
	Error    string            `json:"error,omitempty"`
}

// importBatch accepts a CSV body (Content-Type text/csv) or JSON rows.
// Invalid rows are reported back by row number; the job covers the rest.
func (s *Server) importBatch(w http.ResponseWriter, r *http.Request) {
	staleness, err := s.parseStaleness(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	skipDuplicates := true
	if raw := r.URL.Query().Get("skip_duplicates"); raw != "" {
		skipDuplicates, err = strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid skip_duplicates")
			return
		}
	}

	body := http.MaxBytesReader(w, r.Body, maxImportBytes)
	var result importer.Result
	if isCSV(r.Header.Get("Content-Type")) {
		result, err = importer.ParseCSV(body)
	} else {
		result, err = importer.ParseJSON(body)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}

	resp := importResponse{
		Accepted: result.Valid(),
		Rejected: len(result.Errors),
		Errors:   result.Errors,
	}
	if resp.Errors == nil {
		resp.Errors = tracker.RowErrors{}
	}
	if result.Valid() == 0 {
		resp.Error = "no valid rows"
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	resp.JobID, err = s.jobs.SubmitBatch(r.Context(), result.Targets, skipDuplicates, staleness)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := tracker.JobStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.List(status)})
}

func (s *Server) listRunningJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.List(tracker.JobStatusRunning)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// cancelJob requests cancellation. Pending jobs are cancelled at once,
// running jobs stop at their next unit boundary, and terminal jobs are
// left alone.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.Cancel(jobID)
	switch {
	case errors.Is(err, tracker.ErrAlreadyTerminal):
		writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "result": "already_terminal"})
		return
	case err != nil:
		s.writeServiceError(w, r, err)
		return
	}
	result := "cancel_requested"
	if job.Status == tracker.JobStatusCancelled {
		result = "cancelled"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": jobID,
		"result": result,
		"status": job.Status,
	})
}

func (s *Server) parseStaleness(r *http.Request) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("stale_since_days"))
	if raw == "" {
		return s.jobs.DefaultStaleness(), nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < minStaleDays || days > maxStaleDays {
		return 0, fmt.Errorf("stale_since_days must be between %d and %d", minStaleDays, maxStaleDays)
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

// rawCategory accepts the category as a JSON string or number.
func rawCategory(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err != nil {
		return "", errors.New("category must be a string or a number")
	}
	return number.String(), nil
}

func isCSV(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/csv" || mediaType == "application/csv"
}
