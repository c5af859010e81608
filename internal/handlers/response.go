package handlers

import (
	"errors"
	"net/http"

	"github.com/example/currency-check/internal/analysis"
	"github.com/example/currency-check/internal/upload"
)

// Client-facing error messages. Internal detail never goes beyond these.
const (
	MessageNoFile          = "No file uploaded"
	MessageAnalysisFailed  = "Failed to analyze currency"
	MessageInvalidResponse = "Invalid response from analysis engine"
	MessageBusy            = "Analysis service is busy"
)

// ErrorResponse is the body of every failed check.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MapError converts a pipeline error into a status code and payload.
func MapError(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, upload.ErrMissingInput):
		return http.StatusBadRequest, ErrorResponse{Error: MessageNoFile}
	case errors.Is(err, analysis.ErrServiceBusy):
		return http.StatusServiceUnavailable, ErrorResponse{Error: MessageBusy}
	case errors.Is(err, analysis.ErrMalformedOutput):
		return http.StatusInternalServerError, ErrorResponse{Error: MessageInvalidResponse}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: MessageAnalysisFailed}
	}
}
