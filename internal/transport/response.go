// Package transport contains the HTTP router, middleware chain, and request
// handlers of the patient questions BFF.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clinique-saint-luc/patientbff/internal/observability"
	"github.com/clinique-saint-luc/patientbff/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
	model.ErrOperationFailed:    http.StatusBadGateway,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as a JSON error envelope with the matching HTTP
// status. A workflow OperationFailure becomes OPERATION_FAILED carrying the
// same message the workflow recorded. Any other non-envelope error is a
// generic 500.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSONError(w, toEnvelope(err))
}

// WriteJSONError writes an envelope as is.
func WriteJSONError(w http.ResponseWriter, ee *model.ErrorEnvelope) {
	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// writeRequestError is WriteError with the request's trace ID attached.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	ee := toEnvelope(err)
	if ee.TraceID == "" {
		copied := *ee
		copied.TraceID = observability.TraceIDFromContext(r.Context())
		ee = &copied
	}
	WriteJSONError(w, ee)
}

func toEnvelope(err error) *model.ErrorEnvelope {
	var failure *model.OperationFailure
	if errors.As(err, &failure) {
		return model.NewOperationFailedError(failure.Message)
	}
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	return model.NewInternalError()
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
