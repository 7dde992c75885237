package middleware

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
)

// ProblemContentType is the RFC 7807 media type
const ProblemContentType = "application/problem+json"

// writeProblem writes problem with the RFC 7807 media type and the request's
// trace id. Middleware uses it instead of render so the gate can run in front
// of routers that never install render's content negotiation.
func writeProblem(w http.ResponseWriter, r *http.Request, problem *apperrors.ProblemDetails) {
	if traceID := GetRequestID(r.Context()); traceID != "" {
		problem.WithExtension("trace_id", traceID)
	}
	w.Header().Set("Content-Type", ProblemContentType)
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

func unauthorizedProblem(r *http.Request, detail string) *apperrors.ProblemDetails {
	return apperrors.NewProblemDetails(http.StatusUnauthorized, apperrors.TypeUnauthorized, "Unauthorized", detail, r.URL.Path)
}

func forbiddenProblem(r *http.Request, detail string) *apperrors.ProblemDetails {
	return apperrors.NewProblemDetails(http.StatusForbidden, apperrors.TypeForbidden, "Forbidden", detail, r.URL.Path)
}
