// Package httpapi exposes TaskEngine over HTTP: RFC 7807 error rendering,
// JWT bearer auth, request-id and rate-limit middleware, and one handler
// per engine operation.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/asyncgate/asyncgate/pkg/apierr"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). Every
// error response from this package uses this shape.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail, code, entityID string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://asyncgate.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Code:     code,
		EntityID: entityID,
		TraceID:  GetRequestID(r.Context()),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// codeStatus maps the engine's stable error taxonomy to HTTP statuses.
var codeStatus = map[apierr.Code]int{
	apierr.CodeTaskNotFound:           http.StatusNotFound,
	apierr.CodeLeaseNotFound:          http.StatusNotFound,
	apierr.CodeReceiptNotFound:        http.StatusNotFound,
	apierr.CodeInvalidStateTransition: http.StatusConflict,
	apierr.CodeUnauthorized:           http.StatusForbidden,
	apierr.CodeIdempotencyConflict:    http.StatusConflict,
	apierr.CodeLeaseInvalidOrExpired:  http.StatusConflict,
	apierr.CodeRenewalLimitExceeded:   http.StatusConflict,
	apierr.CodeLifetimeExceeded:       http.StatusConflict,
	apierr.CodeValidationError:        http.StatusBadRequest,
	apierr.CodeRateLimited:            http.StatusTooManyRequests,
}

// writeError renders err as the appropriate Problem Detail. Engine errors
// (*apierr.Error) render with their stable code and entity id; anything
// else is logged and reported as a generic 500 without leaking its cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		status, ok := codeStatus[apiErr.Code]
		if !ok {
			status = http.StatusBadRequest
		}
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "5")
		}
		writeProblem(w, r, status, httpStatusTitle(status), apiErr.Message, string(apiErr.Code), apiErr.EntityID)
		return
	}
	slog.ErrorContext(r.Context(), "httpapi: internal error", "err", err, "request_id", GetRequestID(r.Context()))
	writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error",
		"an unexpected error occurred", "", "")
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusBadRequest, "Bad Request", detail, "", "")
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", detail, "", "")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func httpStatusTitle(status int) string {
	if title := http.StatusText(status); title != "" {
		return title
	}
	return "Error"
}
