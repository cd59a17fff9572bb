// Package jsonapi provides JSON:API response envelopes for the HTTP surface.
// See https://jsonapi.org for the format.
package jsonapi

// Document is a top-level JSON:API document. It carries data, errors or
// meta, never both data and errors.
type Document struct {
	Data   any     `json:"data,omitempty"`
	Errors []Error `json:"errors,omitempty"`
	Meta   Meta    `json:"meta,omitempty"`
}

// Resource is a JSON:API resource object.
type Resource struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Meta       Meta           `json:"meta,omitempty"`
}

// Error is a JSON:API error object.
type Error struct {
	Status string       `json:"status"`
	Code   string       `json:"code"`
	Title  string       `json:"title"`
	Detail string       `json:"detail,omitempty"`
	Source *ErrorSource `json:"source,omitempty"`
	Meta   Meta         `json:"meta,omitempty"`
}

// ErrorSource points at the request input that caused an error.
type ErrorSource struct {
	Parameter string `json:"parameter,omitempty"`
	Header    string `json:"header,omitempty"`
}

// Meta is free-form metadata.
type Meta map[string]any

// ContentType is the JSON:API media type.
const ContentType = "application/vnd.api+json"
