// Package handlers implements the perimetra REST API endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/perimetra/perimetra/internal/db"
	"github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/logging"
)

type contextKey string

// UserKey is the context key carrying the authenticated user.
const UserKey contextKey = "user"

// validate is the shared request validator.
var validate = validator.New()

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WithUser stores the authenticated user on a context.
func WithUser(ctx context.Context, user *db.User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// UserFrom returns the authenticated user from a context.
func UserFrom(ctx context.Context) (*db.User, bool) {
	user, ok := ctx.Value(UserKey).(*db.User)
	return user, ok
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Error("failed to encode response", "error", err)
	}
}

// writeError maps a typed error to an HTTP status and writes the envelope.
func writeError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	status := statusForCode(code)

	message := err.Error()
	if status == http.StatusInternalServerError {
		// Internal details stay in the logs.
		logging.Error("internal error on api request", "error", err)
		message = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: string(code)})
}

func statusForCode(code errors.ErrorCode) int {
	switch code {
	case errors.CodeValidation, errors.CodeTargetInvalid:
		return http.StatusBadRequest
	case errors.CodeUnauthorized:
		return http.StatusUnauthorized
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeConflict, errors.CodeScanInProgress:
		return http.StatusConflict
	case errors.CodeTimeout, errors.CodeDatabaseTimeout:
		return http.StatusGatewayTimeout
	case errors.CodeDispatchFailed, errors.CodeVulnDispatch,
		errors.CodeReportFormat, errors.CodeReconFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes and validates a request body into dst.
func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return errors.NewScanError(errors.CodeValidation, "invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return errors.WrapScanError(errors.CodeValidation, "request validation failed", err)
	}
	return nil
}

// requireUser extracts the authenticated user or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (*db.User, bool) {
	user, ok := UserFrom(r.Context())
	if !ok || user == nil {
		writeError(w, errors.NewScanError(errors.CodeUnauthorized, "authentication required"))
		return nil, false
	}
	return user, true
}
