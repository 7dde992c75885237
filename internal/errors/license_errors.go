package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// Sentinel errors shared by the authority, the agent and the HTTP layer.
// Business rejections (limit exceeded, revoked, expired) are not errors; they
// travel as result values.
var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrMachineNotFound  = errors.New("machine not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrThrottled        = errors.New("too many failed activation attempts")
	ErrConflict         = errors.New("resource already exists")

	ErrAuthorityUnreachable = errors.New("license authority unreachable")
	ErrAuthorityResponse    = errors.New("unexpected license authority response")
	ErrCertificateRejected  = errors.New("certificate rejected")
	ErrNotActivated         = errors.New("license not activated")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Extensions are flattened into the top-level JSON object
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)

	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// NewLicenseDeniedProblem describes an offline validation denial to the host
// application. reason is one of the fixed validator reasons.
func NewLicenseDeniedProblem(reason, message, instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusForbidden,
		"/errors/license/"+reason,
		"License Denied",
		message,
		instance,
	).WithExtension("reason", reason)
}
