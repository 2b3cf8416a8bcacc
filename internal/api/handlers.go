package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
)

func keyFromRequest(r *http.Request) (extraction.Key, error) {
	return extraction.NewKey(chi.URLParam(r, "user_id"), chi.URLParam(r, "source"))
}

// listProgress handles GET /v1/users/{user_id}/extractions and returns one
// entry per source.
func (s *Server) listProgress(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "user_id"))
	views, err := s.svc.GetAllProgress(r.Context(), userID)
	if err != nil {
		s.writeFailure(w, r, "list progress", err)
		return
	}
	out := make([]viewDTO, 0, len(views))
	for _, v := range views {
		out = append(out, toViewDTO(v))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"extractions": out})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		s.writeFailure(w, r, "get progress", err)
		return
	}
	view, err := s.svc.GetProgress(r.Context(), key)
	if err != nil {
		s.writeFailure(w, r, "get progress", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"extraction": toViewDTO(view)})
}

func (s *Server) startExtraction(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		s.writeFailure(w, r, "start", err)
		return
	}
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFailure(w, r, "start", err)
		return
	}
	rec, err := s.svc.StartExtraction(r.Context(), key, req.TotalItems)
	s.writeRecord(w, r, "start", rec, err)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		s.writeFailure(w, r, "heartbeat", err)
		return
	}
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFailure(w, r, "heartbeat", err)
		return
	}
	rec, err := s.svc.Heartbeat(r.Context(), key, req.toHeartbeat())
	s.writeRecord(w, r, "heartbeat", rec, err)
}

func (s *Server) completeExtraction(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		s.writeFailure(w, r, "complete", err)
		return
	}
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFailure(w, r, "complete", err)
		return
	}
	rec, err := s.svc.CompleteExtraction(r.Context(), key, timeOrZero(req.At))
	s.writeRecord(w, r, "complete", rec, err)
}

func (s *Server) failExtraction(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		s.writeFailure(w, r, "fail", err)
		return
	}
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFailure(w, r, "fail", err)
		return
	}
	rec, err := s.svc.FailExtraction(r.Context(), key, req.ErrorMessage, timeOrZero(req.At))
	s.writeRecord(w, r, "fail", rec, err)
}

func (s *Server) pauseExtraction(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		s.writeFailure(w, r, "pause", err)
		return
	}
	rec, err := s.svc.PauseExtraction(r.Context(), key)
	s.writeRecord(w, r, "pause", rec, err)
}

func (s *Server) resetProgress(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		s.writeFailure(w, r, "reset", err)
		return
	}
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFailure(w, r, "reset", err)
		return
	}
	rec, err := s.svc.ResetProgress(r.Context(), key, req.ClearDownstreamData)
	s.writeRecord(w, r, "reset", rec, err)
}

func (s *Server) writeRecord(w http.ResponseWriter, r *http.Request, op string, rec extraction.Record, err error) {
	if err != nil {
		s.writeFailure(w, r, op, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"extraction": toRecordDTO(rec)})
}

// sweep handles POST /v1/admin/sweep, the on-demand watchdog trigger.
func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.ResetStaleExtractions(r.Context())
	if s.metrics != nil {
		s.metrics.ObserveSweep(report.Transitioned, report.Duration, err)
	}
	if report.Transitioned > 0 {
		s.stats.Invalidate()
	}
	if err != nil {
		s.writeFailure(w, r, "sweep", err)
		return
	}
	s.logger.Info("sweep triggered via API",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("sweep_id", report.ID),
		zap.Int("transitioned", report.Transitioned),
	)
	s.writeJSON(w, http.StatusOK, sweepResponse{
		SweepID:      report.ID,
		Scanned:      report.Scanned,
		Transitioned: report.Transitioned,
		StartedAt:    report.StartedAt,
		DurationMS:   report.Duration.Milliseconds(),
	})
}

// summary handles GET /v1/admin/stats, served from the TTL cache.
func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	sum, cachedAt, err := s.stats.Get(r.Context(), s.svc.Summarize)
	if err != nil {
		s.writeFailure(w, r, "stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"stats":     toStatsResponse(sum),
		"cached_at": cachedAt,
	})
}
