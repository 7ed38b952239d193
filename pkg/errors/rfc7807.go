// Package errors provides RFC 7807 Problem Details for HTTP error responses
package errors

import (
	"encoding/json"
	"net/http"
)

// ContentType is the media type of a problem document.
const ContentType = "application/problem+json"

// Problem types
const (
	TypeValidationError    = "https://marketbus.dev/problems/validation-error"
	TypeNotFound           = "https://marketbus.dev/problems/not-found"
	TypeInvalidSymbol      = "https://marketbus.dev/problems/invalid-symbol"
	TypeUnknownRecord      = "https://marketbus.dev/problems/unknown-record"
	TypeInternalError      = "https://marketbus.dev/problems/internal-error"
	TypeServiceUnavailable = "https://marketbus.dev/problems/service-unavailable"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{}, 5+len(p.Extra))
	for k, v := range p.Extra {
		result[k] = v
	}
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	return json.Marshal(result)
}

// NewProblemDetails creates a generic problem details with all fields
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     problemType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}

func NewValidationError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeValidationError, "Validation Error", http.StatusBadRequest, detail, instance)
}

func NewNotFoundError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeNotFound, "Not Found", http.StatusNotFound, detail, instance)
}

func NewInvalidSymbolError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInvalidSymbol, "Invalid Symbol", http.StatusNotFound, detail, instance)
}

// NewUnknownRecordError reports a record type missing from the scheme.
func NewUnknownRecordError(record, instance string) *ProblemDetails {
	return NewProblemDetails(TypeUnknownRecord, "Unknown Record", http.StatusNotFound, "unknown record "+record, instance).
		WithExtra("record", record)
}

func NewInternalError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInternalError, "Internal Server Error", http.StatusInternalServerError, detail, instance)
}

func NewServiceUnavailableError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeServiceUnavailable, "Service Unavailable", http.StatusServiceUnavailable, detail, instance)
}
