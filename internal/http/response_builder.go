package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"fintrack/internal/categories"
	"fintrack/internal/core"
	"fintrack/internal/docstore"
	"fintrack/internal/store"
)

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	payload    interface{}
	headers    map[string]string
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

// Header adds a custom header to the response.
func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// Data sets the value encoded as the body.
func (b *JSONResponseBuilder) Data(v interface{}) *JSONResponseBuilder {
	b.payload = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.payload == nil {
		w.WriteHeader(b.statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.payload)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse creates a standard error response.
func ErrorResponse(statusCode int, code, message string) *JSONResponseBuilder {
	return NewJSONResponse().
		Status(statusCode).
		Data(errorBody{Error: errorDetail{Code: code, Message: message}})
}

// BadRequestError creates a 400 Bad Request error response.
func BadRequestError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, "bad_request", message)
}

// UnauthorizedError creates a 401 response asking for a bearer token.
func UnauthorizedError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusUnauthorized, "unauthorized", message).
		Header("WWW-Authenticate", `Bearer realm="fintrack"`)
}

// NotFoundError creates a 404 Not Found error response.
func NotFoundError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusNotFound, "not_found", message)
}

// InternalServerError creates a 500 Internal Server Error response.
func InternalServerError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusInternalServerError, "internal", message)
}

// errorMapping pairs a domain error with its status and code.
type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{store.ErrNotSignedIn, http.StatusUnauthorized, "not_signed_in"},
	{core.ErrInvalidType, http.StatusUnprocessableEntity, "invalid_type"},
	{core.ErrInvalidAmount, http.StatusUnprocessableEntity, "invalid_amount"},
	{core.ErrEmptyCategory, http.StatusUnprocessableEntity, "empty_category"},
	{core.ErrUnknownCategory, http.StatusUnprocessableEntity, "unknown_category"},
	{core.ErrMissingDate, http.StatusUnprocessableEntity, "missing_date"},
	{categories.ErrEmptyLabel, http.StatusUnprocessableEntity, "empty_label"},
	{categories.ErrLabelTooLong, http.StatusUnprocessableEntity, "label_too_long"},
	{categories.ErrDuplicate, http.StatusConflict, "duplicate_category"},
	{categories.ErrNotFound, http.StatusNotFound, "category_not_found"},
	{categories.ErrProtected, http.StatusConflict, "protected_category"},
	{categories.ErrLastCategory, http.StatusConflict, "last_category"},
	{categories.ErrNoIdentity, http.StatusUnauthorized, "not_signed_in"},
	{docstore.ErrInvalidPath, http.StatusBadRequest, "invalid_path"},
}

// DomainError maps err to a response. Unknown errors become a 500 without
// leaking their text.
func DomainError(err error) *JSONResponseBuilder {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return ErrorResponse(m.status, m.code, err.Error())
		}
	}
	return InternalServerError("request failed")
}
