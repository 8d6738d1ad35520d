package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "dots-sync/internal/errors"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error     bool   `json:"error"`
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorHandler turns errors into JSON responses.
type ErrorHandler struct {
	logger *zap.Logger
	debug  bool
}

// NewErrorHandler creates an error handler. In debug mode unclassified
// errors expose their message.
func NewErrorHandler(logger *zap.Logger, debug bool) *ErrorHandler {
	return &ErrorHandler{logger: logger, debug: debug}
}

// StatusOf maps an error type to its HTTP status.
func StatusOf(t apperrors.ErrorType) int {
	switch t {
	case apperrors.ErrorTypeValidation, apperrors.ErrorTypeMalformed:
		return http.StatusBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrorTypeConflict:
		return http.StatusConflict
	case apperrors.ErrorTypeUnavailable, apperrors.ErrorTypeTransient:
		return http.StatusServiceUnavailable
	case apperrors.ErrorTypeStorage:
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

// Handle writes err as a JSON error response.
func (h *ErrorHandler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	requestID := middleware.GetReqID(r.Context())

	var syncErr *apperrors.SyncError
	if !errors.As(err, &syncErr) {
		h.logger.Error("unhandled error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
			zap.Error(err))
		message := "an internal error occurred"
		if h.debug {
			message = err.Error()
		}
		writeJSON(w, h.logger, http.StatusInternalServerError, ErrorResponse{
			Error:     true,
			Type:      "INTERNAL",
			Message:   message,
			RequestID: requestID,
		})
		return
	}

	status := StatusOf(syncErr.Type)
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", requestID),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}

	writeJSON(w, h.logger, status, ErrorResponse{
		Error:     true,
		Type:      string(syncErr.Type),
		Code:      string(syncErr.Code),
		Message:   err.Error(),
		RequestID: requestID,
	})
}

// HandleStatus writes a plain error response with status.
func (h *ErrorHandler) HandleStatus(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, h.logger, status, ErrorResponse{
		Error:     true,
		Type:      string(apperrors.ErrorTypeValidation),
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}
