package http

import (
	"net/http"
	"strings"

	"github.com/artpar/quotaguard/ports"
)

// DefaultUserHeader carries the caller identity set by the upstream
// authentication layer.
const DefaultUserHeader = "X-User-ID"

// HeaderUserResolver trusts a request header for the caller identity. It
// must only be used behind a proxy that strips the header from client input.
type HeaderUserResolver struct {
	Header string
}

// UserID returns the trimmed header value.
func (h HeaderUserResolver) UserID(r *http.Request) (string, bool) {
	name := h.Header
	if name == "" {
		name = DefaultUserHeader
	}
	id := strings.TrimSpace(r.Header.Get(name))
	return id, id != ""
}

var _ ports.UserResolver = HeaderUserResolver{}
