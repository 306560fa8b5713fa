package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 1000
	defaultRunLimit    = 50
	maxRunLimit        = 500
	queryTimeout       = 3 * time.Second
)

// listRecords handles GET /api/v1/records?source=&category=&name=&since=&limit=&offset=.
// It returns {"records": [...], "total": N}; `since` filters on observation
// time and accepts RFC 3339.
func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	filter, err := parseRecordFilter(r)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	records, err := s.records.Query(ctx, filter)
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to list records")
		return
	}
	total, err := s.records.Count(ctx, filter)
	if err != nil {
		s.logger.Error("count records failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to count records")
		return
	}
	if records == nil {
		records = []indexer.Record{}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
	})
}

// getRecord handles GET /api/v1/records/{record_id}.
func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	id := chi.URLParam(r, "record_id")
	if id == "" {
		writeError(s.logger, w, http.StatusBadRequest, "record_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	record, err := s.records.Get(ctx, id)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "record not found")
			return
		}
		s.logger.Error("get record failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to load record")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"record": record})
}

// listRuns handles GET /api/v1/runs?source=&limit=&offset=, newest epoch
// first.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	runs, err := s.runs.List(ctx, strings.TrimSpace(r.URL.Query().Get("source")), limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []indexer.Run{}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"runs": runs})
}

// getRun handles GET /api/v1/runs/{source}/{epoch}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	source := chi.URLParam(r, "source")
	epoch, err := strconv.ParseInt(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid epoch")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	run, err := s.runs.Get(ctx, source, epoch)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"run": run})
}

// getStatus handles GET /api/v1/status.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "pipeline status unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	payload := map[string]any{"pipeline": s.status.Status(ctx)}
	if s.lastCheckpoint != nil {
		if at := s.lastCheckpoint(); !at.IsZero() {
			payload["last_checkpoint_at"] = at
		}
	}
	writeJSON(s.logger, w, http.StatusOK, payload)
}

func parseRecordFilter(r *http.Request) (indexer.RecordFilter, error) {
	limit, offset, err := parseLimitOffset(r, defaultRecordLimit, maxRecordLimit)
	if err != nil {
		return indexer.RecordFilter{}, err
	}
	q := r.URL.Query()
	filter := indexer.RecordFilter{
		Source:   strings.TrimSpace(q.Get("source")),
		Category: strings.TrimSpace(q.Get("category")),
		NameLike: strings.TrimSpace(q.Get("name")),
		Limit:    limit,
		Offset:   offset,
	}
	if since := strings.TrimSpace(q.Get("since")); since != "" {
		at, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return indexer.RecordFilter{}, errors.New("invalid since, want RFC 3339")
		}
		filter.ObservedAfter = at
	}
	return filter, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
