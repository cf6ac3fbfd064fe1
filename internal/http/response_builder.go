// This file implements the builder for JSON responses. Every handler writes
// through it so status codes, headers and error bodies stay consistent.

package http

import (
	"encoding/json"
	"net/http"

	"payflow/internal/core"
	"payflow/internal/statestore"
)

// ResponseBuilder provides a fluent API for building JSON responses.
type ResponseBuilder struct {
	statusCode int
	headers    map[string]string
	body       any
}

// NewResponse creates a new response builder with default 200 status.
func NewResponse() *ResponseBuilder {
	return &ResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

func (b *ResponseBuilder) Status(code int) *ResponseBuilder {
	b.statusCode = code
	return b
}

func (b *ResponseBuilder) Header(name, value string) *ResponseBuilder {
	b.headers[name] = value
	return b
}

// Body sets the value encoded as the response body.
func (b *ResponseBuilder) Body(v any) *ResponseBuilder {
	b.body = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *ResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.body)
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// ErrorResponse creates a standard error response.
func ErrorResponse(statusCode int, message string) *ResponseBuilder {
	return NewResponse().Status(statusCode).Body(errorBody{Error: message})
}

// ValidationErrorResponse creates a 422 response listing the offending
// fields.
func ValidationErrorResponse(fields map[string]string) *ResponseBuilder {
	return NewResponse().
		Status(http.StatusUnprocessableEntity).
		Body(errorBody{Error: "validation failed", Fields: fields})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	NewResponse().Status(status).Body(v).Write(w)
}

func writeError(w http.ResponseWriter, status int, message string) {
	ErrorResponse(status, message).Write(w)
}

// mutationResponse is returned by every endpoint that changes the document.
type mutationResponse struct {
	Document  core.Document `json:"document"`
	Summary   core.Summary  `json:"summary"`
	Persisted bool          `json:"persisted"`
	Published bool          `json:"published"`
	ItemID    string        `json:"itemId,omitempty"`
}

func newMutationResponse(doc core.Document, receipt statestore.Receipt) mutationResponse {
	return mutationResponse{
		Document:  doc,
		Summary:   core.Summarize(doc),
		Persisted: receipt.Persisted,
		Published: receipt.Published,
	}
}
