// Package server serves a build directory to update clients: the manifest, versioned
// bundles and patches.
package server

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gihan9a/hotupdate/internal/config"
	"gihan9a/hotupdate/internal/hashutil"
	"gihan9a/hotupdate/internal/manifest"
	"gihan9a/hotupdate/internal/metrics"
	"gihan9a/hotupdate/pkg/otaproto"
)

// Version is the banner served on /version
const Version = "hotupdate content server v1.0.0"

// ContentServer serves the artifacts of a build directory
type ContentServer struct {
	config       *config.ServerConfig
	reverseProxy *httputil.ReverseProxy
	watcher      *fsnotify.Watcher
	logger       *zap.SugaredLogger

	mu       sync.RWMutex
	manifest []byte
	etag     string
}

// NewContentServer creates a server for cfg.RootDir and loads the current manifest
func NewContentServer(cfg *config.ServerConfig, logger *zap.SugaredLogger) (*ContentServer, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	// Create file watcher
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	server := &ContentServer{
		config:  cfg,
		watcher: watcher,
		logger:  logger,
	}

	// Configure reverse proxy if URL is provided
	if cfg.ProxyURL != nil {
		server.setupProxy()
	}

	server.reloadManifest()

	// Start watching for file changes
	go server.watchFiles()

	return server, nil
}

// setupProxy configures the reverse proxy
func (s *ContentServer) setupProxy() {
	// Create a transport with optional insecure TLS setting
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if s.config.InsecureProxy {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	s.reverseProxy = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = s.config.ProxyURL.Scheme
			req.URL.Host = s.config.ProxyURL.Host
			req.Host = s.config.ProxyURL.Host
			req.URL.Path = singleJoin(s.config.ProxyURL.Path, req.URL.Path)

			if s.config.ProxyURL.RawQuery != "" {
				if req.URL.RawQuery == "" {
					req.URL.RawQuery = s.config.ProxyURL.RawQuery
				} else {
					req.URL.RawQuery = s.config.ProxyURL.RawQuery + "&" + req.URL.RawQuery
				}
			}
		},
		Transport:    transport,
		ErrorHandler: s.proxyError,
	}

	s.logger.Infof("Proxy mode enabled: artifacts not found locally will be fetched from %s", s.config.ProxyURL.String())
	if s.config.InsecureProxy {
		s.logger.Warnf("SSL certificate verification disabled for proxy requests")
	}
}

// Close cleans up resources used by the server
func (s *ContentServer) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// SetupWatchers watches the build directory for manifest changes, creating it if
// it does not exist yet.
func (s *ContentServer) SetupWatchers() error {
	if err := os.MkdirAll(s.config.RootDir, 0755); err != nil {
		return err
	}
	return s.watcher.Add(s.config.RootDir)
}

// watchFiles reloads the cached manifest whenever the file is written, replaced or removed
func (s *ContentServer) watchFiles() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != manifest.FileName || event.Op == fsnotify.Chmod {
				continue
			}
			s.logger.Debugf("Manifest changed: %s (%s)", event.Name, event.Op)
			s.reloadManifest()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Errorf("Watcher error: %v", err)
		}
	}
}

func (s *ContentServer) manifestPath() string {
	return filepath.Join(s.config.RootDir, manifest.FileName)
}

// reloadManifest refreshes the cache. A missing file clears it; a file that does not
// parse keeps the previous manifest, since it is usually caught mid-write.
func (s *ContentServer) reloadManifest() {
	data, err := os.ReadFile(s.manifestPath())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warnf("Could not read manifest: %v", err)
			return
		}
		s.mu.Lock()
		s.manifest, s.etag = nil, ""
		s.mu.Unlock()
		return
	}

	m, err := otaproto.DecodeManifest(data)
	if err != nil {
		s.logger.Warnf("Ignoring invalid manifest: %v", err)
		return
	}

	s.mu.Lock()
	s.manifest = data
	s.etag = `"` + hashutil.Binary(data) + `"`
	s.mu.Unlock()
	s.logger.Infof("Serving manifest for version %s (%s update)", m.Version, m.UpdateType)
}

func (s *ContentServer) cachedManifest() ([]byte, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest, s.etag
}

// SetupRoutes configures the HTTP routes for the server
func (s *ContentServer) SetupRoutes() http.Handler {
	router := mux.NewRouter()
	// traversal attempts must reach the handlers to be rejected
	router.SkipClean(true)
	router.Use(s.instrument, s.cors)

	methods := []string{http.MethodGet, http.MethodHead, http.MethodOptions}
	router.HandleFunc("/health", s.handleHealth).Methods(methods...).Name("health")
	router.HandleFunc("/version", s.handleVersion).Methods(methods...).Name("version")
	router.HandleFunc("/"+manifest.FileName, s.handleManifest).Methods(methods...).Name("manifest")
	router.PathPrefix("/bundles/").Handler(s.artifactHandler("bundles")).Methods(methods...).Name("bundles")
	router.PathPrefix("/patches/").Handler(s.artifactHandler("patches")).Methods(methods...).Name("patches")
	if s.config.Metrics {
		router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet).Name("metrics")
	}
	router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	return router
}
