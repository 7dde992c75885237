package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Problem types returned by the authority and the agent sidecar
const (
	TypeValidation   = "/errors/validation"
	TypeNotFound     = "/errors/not-found"
	TypeUnauthorized = "/errors/unauthorized"
	TypeForbidden    = "/errors/forbidden"
	TypeRateLimit    = "/errors/rate-limit"
	TypeInternal     = "/errors/internal"
	TypeServiceDown  = "/errors/service-unavailable"
	TypeTimeout      = "/errors/timeout"
	TypeConflict     = "/errors/conflict"
	TypeMethod       = "/errors/method-not-allowed"
)

// sentinelProblem maps a sentinel error to its HTTP problem. When detail is
// empty the error text is shown.
type sentinelProblem struct {
	err    error
	status int
	typ    string
	title  string
	detail string
}

// sentinelProblems is checked in order with errors.Is
var sentinelProblems = []sentinelProblem{
	{err: context.DeadlineExceeded, status: http.StatusGatewayTimeout, typ: TypeTimeout, title: "Request Timeout",
		detail: "The request took too long to process and was cancelled"},
	{err: context.Canceled, status: http.StatusGatewayTimeout, typ: TypeTimeout, title: "Request Timeout",
		detail: "The request was cancelled"},
	{err: ErrCustomerNotFound, status: http.StatusNotFound, typ: TypeNotFound, title: "Resource Not Found"},
	{err: ErrMachineNotFound, status: http.StatusNotFound, typ: TypeNotFound, title: "Resource Not Found"},
	{err: ErrConflict, status: http.StatusConflict, typ: TypeConflict, title: "Conflict"},
	{err: ErrUnauthorized, status: http.StatusUnauthorized, typ: TypeUnauthorized, title: "Unauthorized",
		detail: "An admin bearer token is required"},
	{err: ErrForbidden, status: http.StatusForbidden, typ: TypeForbidden, title: "Forbidden",
		detail: "The token does not grant this operation"},
	{err: ErrThrottled, status: http.StatusTooManyRequests, typ: TypeRateLimit, title: "Too Many Requests"},
	{err: ErrAuthorityUnreachable, status: http.StatusServiceUnavailable, typ: TypeServiceDown, title: "Service Unavailable"},
}

// apiErrorTypes maps APIError codes to problem types; unknown codes are
// internal
var apiErrorTypes = map[string]string{
	"VALIDATION_FAILED":   TypeValidation,
	"INVALID_REQUEST":     TypeValidation,
	"NOT_FOUND":           TypeNotFound,
	"UNAUTHORIZED":        TypeUnauthorized,
	"FORBIDDEN":           TypeForbidden,
	"RATE_LIMIT_EXCEEDED": TypeRateLimit,
	"SERVICE_UNAVAILABLE": TypeServiceDown,
}

// ErrorHandler writes errors as RFC 7807 problems. Anything it does not
// recognise becomes a 500 whose detail hides the cause.
type ErrorHandler struct {
	logger *slog.Logger
	debug  bool
}

// NewErrorHandler creates an error handler. With debug set, 500 responses
// carry the stack and the recovered panic value.
func NewErrorHandler(logger *slog.Logger, debug bool) *ErrorHandler {
	return &ErrorHandler{
		logger: logger.With(slog.String("component", "error_handler")),
		debug:  debug,
	}
}

// HandleError responds with the problem for err. A nil err writes nothing.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	problem := problemFor(err, r.URL.Path)
	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
		if h.debug {
			problem.WithExtension("stack", string(debug.Stack()))
		}
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("error", err.Error()),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", problem.Status),
	)
	h.write(w, r, problem)
}

// HandlePanic answers a recovered panic with a 500
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered any) {
	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := NewProblemDetails(http.StatusInternalServerError, TypeInternal,
		"Internal Server Error", "An unexpected error occurred", r.URL.Path)
	if h.debug {
		problem.WithExtension("panic", fmt.Sprint(recovered))
	}
	h.write(w, r, problem)
}

// NotFound is the router's 404 handler
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, NewProblemDetails(http.StatusNotFound, TypeNotFound,
		"Not Found", "No route matches "+r.URL.Path, r.URL.Path))
}

// MethodNotAllowed is the router's 405 handler
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, NewProblemDetails(http.StatusMethodNotAllowed, TypeMethod,
		"Method Not Allowed", r.Method+" is not supported on "+r.URL.Path, r.URL.Path))
}

// write tags the problem with the request id so that a client report can be
// matched to the server log
func (h *ErrorHandler) write(w http.ResponseWriter, r *http.Request, problem *ProblemDetails) {
	if id := middleware.GetReqID(r.Context()); id != "" {
		problem.WithExtension("trace_id", id)
	}
	render.Render(w, r, problem)
}

func problemFor(err error, instance string) *ProblemDetails {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		typ, ok := apiErrorTypes[apiErr.ErrorCode]
		if !ok {
			typ = TypeInternal
		}
		problem := NewProblemDetails(apiErr.StatusCode, typ, http.StatusText(apiErr.StatusCode), apiErr.Message, instance).
			WithExtension("error_code", apiErr.ErrorCode)
		if apiErr.Details != nil {
			problem.WithExtension("details", apiErr.Details)
		}
		return problem
	}

	for _, sp := range sentinelProblems {
		if !errors.Is(err, sp.err) {
			continue
		}
		detail := sp.detail
		if detail == "" {
			detail = err.Error()
		}
		problem := NewProblemDetails(sp.status, sp.typ, sp.title, detail, instance)
		if sp.status == http.StatusTooManyRequests {
			problem.WithExtension("retry_after", 60)
		}
		return problem
	}

	return NewProblemDetails(http.StatusInternalServerError, TypeInternal, "Internal Server Error",
		"An unexpected error occurred while processing your request", instance)
}
