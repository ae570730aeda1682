// Package routing provides the HTTP mux used by the daemon.
package routing

import (
	"net/http"
	"path"
	"strings"
)

// NormalizedServeMux is an http.ServeMux that collapses duplicate
// slashes in request paths before matching, so clients sending
// "/api//models" reach the same handler as "/api/models".
type NormalizedServeMux struct {
	*http.ServeMux
}

func NewNormalizedServeMux() *NormalizedServeMux {
	return &NormalizedServeMux{http.NewServeMux()}
}

func (nm *NormalizedServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "//") {
		r.URL.Path = path.Clean(r.URL.Path)
	}
	nm.ServeMux.ServeHTTP(w, r)
}
