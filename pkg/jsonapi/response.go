package jsonapi

import (
	"encoding/json"
	"net/http"
)

// WriteDocument writes a document with the JSON:API content type.
func WriteDocument(w http.ResponseWriter, status int, doc Document) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(doc)
}

// WriteResource writes a single resource.
func WriteResource(w http.ResponseWriter, status int, r Resource) {
	WriteDocument(w, status, NewResourceDocument(r))
}

// WriteCollection writes a list of resources.
func WriteCollection(w http.ResponseWriter, status int, resources []Resource) {
	WriteDocument(w, status, NewCollectionDocument(resources))
}

// WriteMeta writes a meta-only document.
func WriteMeta(w http.ResponseWriter, status int, meta Meta) {
	WriteDocument(w, status, NewMetaDocument(meta))
}

// WriteError writes one or more errors. The HTTP status comes from the
// first error.
func WriteError(w http.ResponseWriter, errs ...Error) {
	if len(errs) == 0 {
		errs = []Error{ErrInternal("")}
	}
	status := errs[0].StatusCode()
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteDocument(w, status, NewErrorDocument(errs...))
}
