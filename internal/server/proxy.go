package server

import (
	"net/http"
	"strings"
)

// proxyRequest forwards the request to the configured upstream
func (s *ContentServer) proxyRequest(w http.ResponseWriter, r *http.Request) {
	s.reverseProxy.ServeHTTP(w, r)
}

// proxyError answers with 502 when the upstream cannot be reached
func (s *ContentServer) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warnf("Proxy request for %s failed: %v", r.URL.Path, err)
	http.Error(w, "Error proxying request", http.StatusBadGateway)
}

// singleJoin joins an upstream base path and a request path with exactly one slash
func singleJoin(base, p string) string {
	switch {
	case base == "":
		return p
	case strings.HasSuffix(base, "/") && strings.HasPrefix(p, "/"):
		return base + p[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(p, "/"):
		return base + "/" + p
	}
	return base + p
}
