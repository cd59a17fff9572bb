package jsonapi

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// ErrorBuilder builds Error values.
type ErrorBuilder struct {
	err Error
}

// NewError starts an error with a status, machine code and title.
func NewError(status int, code, title string) *ErrorBuilder {
	return &ErrorBuilder{
		err: Error{
			Status: strconv.Itoa(status),
			Code:   code,
			Title:  title,
		},
	}
}

// Detail sets the human-readable detail.
func (b *ErrorBuilder) Detail(detail string) *ErrorBuilder {
	b.err.Detail = detail
	return b
}

// Detailf sets the detail with formatting.
func (b *ErrorBuilder) Detailf(format string, args ...any) *ErrorBuilder {
	b.err.Detail = fmt.Sprintf(format, args...)
	return b
}

// Parameter names the query parameter that caused the error.
func (b *ErrorBuilder) Parameter(param string) *ErrorBuilder {
	if b.err.Source == nil {
		b.err.Source = &ErrorSource{}
	}
	b.err.Source.Parameter = param
	return b
}

// Header names the request header that caused the error.
func (b *ErrorBuilder) Header(header string) *ErrorBuilder {
	if b.err.Source == nil {
		b.err.Source = &ErrorSource{}
	}
	b.err.Source.Header = header
	return b
}

// Meta adds metadata to the error.
func (b *ErrorBuilder) Meta(key string, value any) *ErrorBuilder {
	if b.err.Meta == nil {
		b.err.Meta = make(Meta)
	}
	b.err.Meta[key] = value
	return b
}

// Build returns the error.
func (b *ErrorBuilder) Build() Error {
	return b.err
}

// StatusCode returns the HTTP status as an int.
func (e Error) StatusCode() int {
	code, _ := strconv.Atoi(e.Status)
	return code
}

// ErrBadRequest creates a 400 error.
func ErrBadRequest(detail string) Error {
	return NewError(400, "bad_request", "Bad Request").Detail(detail).Build()
}

// ErrInvalidParameter creates a 400 error pointing at a query parameter.
func ErrInvalidParameter(param, detail string) Error {
	return NewError(400, "invalid_parameter", "Invalid Parameter").
		Detail(detail).
		Parameter(param).
		Build()
}

// ErrUnauthorized creates a 401 error.
func ErrUnauthorized(detail string) Error {
	if detail == "" {
		detail = "Authentication required"
	}
	return NewError(401, "unauthorized", "Unauthorized").Detail(detail).Build()
}

// ErrForbidden creates a 403 error.
func ErrForbidden(detail string) Error {
	if detail == "" {
		detail = "Access denied"
	}
	return NewError(403, "forbidden", "Forbidden").Detail(detail).Build()
}

// ErrNotFound creates a 404 error.
func ErrNotFound(what string) Error {
	return NewError(404, "not_found", "Not Found").
		Detailf("The requested %s was not found", what).
		Build()
}

// ErrRateLimited creates a 429 error for an exhausted window.
func ErrRateLimited(window string, limit int64, retryAfter time.Duration) Error {
	return NewError(429, "rate_limit_exceeded", "Too Many Requests").
		Detailf("Rate limit exceeded: %d requests per %s", limit, window).
		Meta("window", window).
		Meta("limit", limit).
		Meta("retry_after", RetryAfterSeconds(retryAfter)).
		Build()
}

// ErrConcurrencyLimited creates a 429 error for a full set of slots.
func ErrConcurrencyLimited(limit int) Error {
	return NewError(429, "concurrency_limit_exceeded", "Too Many Requests").
		Detailf("Concurrent request limit exceeded: %d in flight", limit).
		Meta("limit", limit).
		Build()
}

// ErrInternal creates a 500 error.
func ErrInternal(detail string) Error {
	if detail == "" {
		detail = "An internal error occurred"
	}
	return NewError(500, "internal_error", "Internal Server Error").Detail(detail).Build()
}

// ErrServiceUnavailable creates a 503 error.
func ErrServiceUnavailable(detail string) Error {
	if detail == "" {
		detail = "Service temporarily unavailable"
	}
	return NewError(503, "service_unavailable", "Service Unavailable").Detail(detail).Build()
}

// RetryAfterSeconds rounds a delay up to whole seconds, with a minimum of one.
func RetryAfterSeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
