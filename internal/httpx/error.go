package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"go.uber.org/zap"

	"droneFoodDelivery/internal/apperr"
	"droneFoodDelivery/internal/requestctx"
)

// Error represents the canonical JSON error envelope returned by every service.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	Details   map[string]any
}

// Envelope is the decoded form of an error response, used by service clients.
type Envelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
}

// NewError constructs a new Error with the provided parameters.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    sanitize(code, 80),
		Message: sanitize(message, 512),
		Status:  status,
	}
}

// WithDetails attaches additional JSON-serialisable metadata.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	copyDetails := make(map[string]any, len(details))
	for k, v := range details {
		copyDetails[k] = v
	}
	e.Details = copyDetails
	return e
}

// FromError converts any error into an envelope. Unclassified errors are reported as
// internal_error without leaking their message.
func FromError(err error) Error {
	ae, ok := apperr.As(err)
	if !ok || ae.Code == apperr.CodeInternal {
		return NewError(string(apperr.CodeInternal), "internal error", http.StatusInternalServerError)
	}
	msg := ae.Message
	if msg == "" {
		msg = ae.Error()
	}
	return NewError(string(ae.Code), msg, apperr.HTTPStatus(ae.Code)).WithDetails(ae.Details)
}

// WriteError writes the structured error as JSON to the provided response writer.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	requestID := err.RequestID
	if requestID == "" {
		requestID = sanitize(middleware.GetReqID(ctx), 80)
	}

	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	if requestID != "" {
		payload["request_id"] = requestID
	}
	for k, v := range err.Details {
		payload[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteAppError logs err with the request logger and writes its envelope. 5xx responses
// are logged at error level, the rest at debug.
func WriteAppError(ctx context.Context, w http.ResponseWriter, err error) {
	env := FromError(err)
	logger := requestctx.Logger(ctx)
	fields := make([]zap.Field, 0, len(env.Details)+2)
	fields = append(fields, zap.String("error_code", env.Code), zap.Error(err))
	for k, v := range env.Details {
		fields = append(fields, zap.Any(k, v))
	}
	if env.Status >= http.StatusInternalServerError {
		logger.Error("request failed", fields...)
	} else {
		logger.Debug("request rejected", fields...)
	}
	WriteError(ctx, w, env)
}

func sanitize(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
