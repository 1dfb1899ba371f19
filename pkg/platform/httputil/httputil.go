// Package httputil writes JSON responses and maps coded domain errors to HTTP status.
package httputil

import (
	"encoding/json"
	"net/http"

	dErrors "orchestrator/pkg/domain-errors"
)

// ErrorResponse is the JSON body written for failed requests.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

var statusByCode = map[dErrors.Code]int{
	dErrors.CodeBadRequest:                http.StatusBadRequest,
	dErrors.CodeInvalidInput:              http.StatusBadRequest,
	dErrors.CodeValidation:                http.StatusBadRequest,
	dErrors.CodeNotFound:                  http.StatusNotFound,
	dErrors.CodeConflict:                  http.StatusConflict,
	dErrors.CodeInvariantViolation:        http.StatusConflict,
	dErrors.CodeTimeout:                   http.StatusGatewayTimeout,
	dErrors.CodeMissingRequiredInstance:   http.StatusUnprocessableEntity,
	dErrors.CodeAmbiguousInstanceMatch:    http.StatusUnprocessableEntity,
	dErrors.CodeSchemaValidation:          http.StatusUnprocessableEntity,
	dErrors.CodeDuplicateInstanceLink:     http.StatusConflict,
	dErrors.CodeInvalidLifecycleType:      http.StatusConflict,
	dErrors.CodeUnsafeLifecycleTransition: http.StatusConflict,
	dErrors.CodeForeignRootInstance:       http.StatusConflict,
	dErrors.CodeInternal:                  http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for a coded error.
func StatusFor(code dErrors.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes v as a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a coded error. Internal errors never expose their message.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status := StatusFor(code)
	resp := ErrorResponse{Error: string(code)}
	if status != http.StatusInternalServerError {
		if de, ok := dErrors.As(err); ok {
			resp.ErrorDescription = de.Message
		}
	}
	WriteJSON(w, status, resp)
}
