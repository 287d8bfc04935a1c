package server

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"

	"gihan9a/hotupdate/internal/metrics"
)

var contentTypes = map[string]string{
	".js":     "application/javascript",
	".json":   "application/json",
	".patch":  "text/plain; charset=utf-8",
	".diff":   "text/plain; charset=utf-8",
	".gz":     "application/gzip",
	".bundle": "application/javascript",
}

func contentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

func (s *ContentServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

func (s *ContentServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(Version))
}

// handleManifest serves the cached manifest
func (s *ContentServer) handleManifest(w http.ResponseWriter, r *http.Request) {
	data, etag := s.cachedManifest()
	if data == nil {
		s.handleNotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Write(data)
}

// artifactHandler serves files below RootDir/dir. Paths resolving outside that
// directory are rejected with 403.
func (s *ContentServer) artifactHandler(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := filepath.Join(s.config.RootDir, dir)
		rel := strings.TrimPrefix(r.URL.Path, "/"+dir+"/")
		filePath := filepath.Join(base, filepath.FromSlash(rel))

		if filePath != base && !strings.HasPrefix(filePath, base+string(filepath.Separator)) {
			s.logger.Warnf("Rejected path outside %s: %s", dir, r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		f, err := os.Open(filePath)
		if err != nil {
			s.handleNotFound(w, r)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			s.handleNotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", contentType(filePath))
		http.ServeContent(w, r, path.Base(r.URL.Path), info.ModTime(), f)
	})
}

// handleNotFound forwards to the upstream when a proxy is configured
func (s *ContentServer) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if s.config.ProxyURL != nil {
		s.logger.Debugf("%s not found locally, proxying to %s", r.URL.Path, s.config.ProxyURL.String())
		s.proxyRequest(w, r)
		return
	}
	http.Error(w, "Not found", http.StatusNotFound)
}

// cors adds CORS headers to every response and answers preflight requests
func (s *ContentServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config.CORS.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		s.addCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// addCORSHeaders adds CORS headers to the response
func (s *ContentServer) addCORSHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", s.config.CORS.AllowOrigins)
	w.Header().Set("Access-Control-Allow-Methods", s.config.CORS.AllowMethods)
	w.Header().Set("Access-Control-Allow-Headers", s.config.CORS.AllowHeaders)

	if s.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", s.config.CORS.MaxAge))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument counts requests per route and status
func (s *ContentServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if cr := mux.CurrentRoute(r); cr != nil && cr.GetName() != "" {
			route = cr.GetName()
		}
		metrics.RecordRequest(route, rec.status)
		s.logger.Debugf("%s %s -> %d", r.Method, r.URL.Path, rec.status)
	})
}
