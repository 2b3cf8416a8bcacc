package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
)

const maxBodyBytes = 1 << 20

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Int("status", status), zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, extraction.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, extraction.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, extraction.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, extraction.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.Int("status", status),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			msg = "internal server error"
		}
	}
	s.writeError(w, status, msg)
}

// decodeJSON reads an optional JSON body into dst. An empty body leaves dst
// untouched; unknown fields and trailing data are rejected.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON body: %w", extraction.ErrValidation, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: invalid JSON body: trailing data", extraction.ErrValidation)
	}
	return nil
}
