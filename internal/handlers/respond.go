package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// respondError maps the error taxonomy to HTTP status codes: validation
// errors are 422, missing resources 404, conflicts 409, permission
// denials 403, and everything else an opaque 500.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *entities.ValidationError
	switch {
	case errors.As(err, &validation):
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error: validation.Reason,
			Field: validation.Field,
		})
	case errors.Is(err, entities.ErrNotFound):
		respondJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, entities.ErrConflict):
		respondJSON(w, http.StatusConflict, errorResponse{Error: "conflict"})
	case errors.Is(err, entities.ErrPermissionDenied):
		respondJSON(w, http.StatusForbidden, errorResponse{Error: "permission denied"})
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		return entities.NewValidationError("body", "invalid JSON: %v", err)
	}
	return nil
}

// requestLogger logs one line per request with status and latency.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
