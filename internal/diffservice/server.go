// Package diffservice runs patch generation as a separate HTTP service, talks to it,
// and manages it as a child process of the build tooling.
package diffservice

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gihan9a/hotupdate/internal/diffgen"
)

// Version is the banner served on /version
const Version = "hotupdate diff service v1.0.0"

// Response is the body of /api/generate-patch
type Response struct {
	Success        bool           `json:"success"`
	PatchFilePath  string         `json:"patchFilePath,omitempty"`
	Format         diffgen.Format `json:"format,omitempty"`
	SourceHash     string         `json:"sourceHash,omitempty"`
	TargetHash     string         `json:"targetHash,omitempty"`
	Stats          *diffgen.Stats `json:"stats,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Recommendation string         `json:"recommendation,omitempty"`
	Threshold      float64        `json:"threshold,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Server exposes an Engine over HTTP
type Server struct {
	engine diffgen.Engine
	logger *zap.SugaredLogger
}

func NewServer(engine diffgen.Engine, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{engine: engine, logger: logger}
}

// Routes returns the service router
func (s *Server) Routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	router.HandleFunc("/api/generate-patch", s.handleGeneratePatch).Methods(http.MethodPost)
	return router
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Infof("Diff service listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(Version))
}

func (s *Server) handleGeneratePatch(w http.ResponseWriter, r *http.Request) {
	var req diffgen.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, http.StatusBadRequest, Response{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.OldFile == "" || req.NewFile == "" || req.OutputDir == "" {
		writeResponse(w, http.StatusBadRequest, Response{Error: "oldFile, newFile and outputDir are required"})
		return
	}

	res, err := s.engine.GeneratePatch(r.Context(), req)
	var tooLarge *diffgen.TooLargeError
	switch {
	case errors.As(err, &tooLarge):
		stats := wireStats(tooLarge.Stats)
		writeResponse(w, http.StatusOK, Response{
			Reason:         tooLarge.Reason,
			Recommendation: tooLarge.Recommendation,
			Threshold:      tooLarge.Threshold,
			Stats:          &stats,
			Error:          err.Error(),
		})
		return
	case err != nil:
		s.logger.Errorf("Patch generation failed for %s -> %s: %v", req.OldFile, req.NewFile, err)
		writeResponse(w, http.StatusInternalServerError, Response{Error: err.Error()})
		return
	}

	s.logger.Infof("Generated %s patch %s", res.Format, res.Path)
	stats := wireStats(res.Stats)
	writeResponse(w, http.StatusOK, Response{
		Success:       true,
		PatchFilePath: res.Path,
		Format:        res.Format,
		SourceHash:    res.SourceHash,
		TargetHash:    res.TargetHash,
		Stats:         &stats,
	})
}

// wireStats caps an unbounded ratio, which JSON cannot carry
func wireStats(s diffgen.Stats) diffgen.Stats {
	if math.IsInf(s.SizeRatio, 0) {
		s.SizeRatio = math.MaxFloat64
	}
	return s
}

func writeResponse(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
