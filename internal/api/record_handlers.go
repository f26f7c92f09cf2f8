package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/tm-status-tracker/internal/jobs"
	"github.com/JakeFAU/tm-status-tracker/internal/storage"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

const maxBulkDelete = 1000

var exportHeader = []string{"application_number", "wordmark", "class_name", "status", "timestamp"}

func (s *Server) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opts.StoreTimeout)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	records, err := s.records.ListCurrent(ctx)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": nonNil(records)})
}

func (s *Server) searchRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := positiveInt(q.Get("page"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	pageSize, err := positiveInt(q.Get("page_size"), storage.DefaultPageSize)
	if err != nil || pageSize > storage.MaxPageSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("page_size must be between 1 and %d", storage.MaxPageSize))
		return
	}
	filter := tracker.RecordFilter{
		Key:      q.Get("key"),
		Name:     q.Get("name"),
		Category: q.Get("category"),
		Status:   q.Get("status"),
		Page:     page,
		PageSize: pageSize,
	}
	ctx, cancel := s.storeContext(r)
	defer cancel()
	result, err := s.records.Search(ctx, filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	result.Records = nonNil(result.Records)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if err := jobs.ValidateKey(key); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	ctx, cancel := s.storeContext(r)
	defer cancel()
	record, err := s.records.Latest(ctx, tracker.Target{Key: key})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": record})
}

func (s *Server) recordHistory(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if err := jobs.ValidateKey(key); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	ctx, cancel := s.storeContext(r)
	defer cancel()
	history, err := s.records.History(ctx, key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "history": history})
}

func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if err := jobs.ValidateKey(key); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	ctx, cancel := s.storeContext(r)
	defer cancel()
	result, err := s.records.Delete(ctx, []string{key})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !result.Found() {
		writeError(w, http.StatusNotFound, fmt.Sprintf("record %s not found", key))
		return
	}
	s.logger.Info("record deleted", zap.String("key", key), zap.Int64("snapshots", result.Snapshots))
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "deleted": result})
}

type bulkDeleteRequest struct {
	Keys []string `json:"keys"`
}

func (s *Server) bulkDeleteRecords(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	keys := make([]string, 0, len(req.Keys))
	seen := make(map[string]struct{}, len(req.Keys))
	for _, key := range req.Keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if len(keys) == 0 || len(keys) > maxBulkDelete {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("keys must list between 1 and %d entries", maxBulkDelete))
		return
	}
	ctx, cancel := s.storeContext(r)
	defer cancel()
	result, err := s.records.Delete(ctx, keys)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("records deleted", zap.Int("requested", len(keys)), zap.Int64("snapshots", result.Snapshots))
	writeJSON(w, http.StatusOK, map[string]any{"requested": len(keys), "deleted": result})
}

// exportRecords streams every current record as CSV (default) or JSON.
func (s *Server) exportRecords(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		writeError(w, http.StatusBadRequest, "format must be csv or json")
		return
	}
	ctx, cancel := s.storeContext(r)
	defer cancel()
	records, err := s.records.ListCurrent(ctx)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	filename := fmt.Sprintf("records-%s.%s", s.clock.Now().UTC().Format("20060102-150405"), format)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if format == "json" {
		writeJSON(w, http.StatusOK, nonNil(records))
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	out := csv.NewWriter(w)
	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, exportHeader)
	for _, rec := range records {
		rows = append(rows, []string{rec.Key, rec.Name, rec.Category, rec.Status, rec.Timestamp.UTC().Format(time.RFC3339)})
	}
	if err := out.WriteAll(rows); err != nil {
		s.logger.Error("write export failed", zap.Error(err))
	}
}

func positiveInt(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 1 {
		return 0, fmt.Errorf("invalid value %q", raw)
	}
	return val, nil
}

func nonNil(records []tracker.Snapshot) []tracker.Snapshot {
	if records == nil {
		return []tracker.Snapshot{}
	}
	return records
}
