// Package server exposes the batch service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"go-link-downloader/internal/archive"
	"go-link-downloader/internal/batch"
	"go-link-downloader/internal/helpers"
	"go-link-downloader/internal/models"
	"go-link-downloader/internal/session"
)

const maxFormMemory = 1 << 20

// DigestHeader carries the archive's BLAKE3 digest on direct zip responses.
const DigestHeader = "X-Archive-Blake3"

// Service is the batch boundary the handlers call.
type Service interface {
	Submit(ctx context.Context, req models.BatchRequest) (*models.BatchResult, error)
	Validate(ctx context.Context, urls []string) (batch.ValidationResult, error)
	Status() models.StatusReport
	OpenArchive(sessionID string) (*os.File, error)
}

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// FormLinks is how many link-N form fields are read.
	FormLinks         int
	ErrorMessageLimit int
	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler
}

type Server struct {
	svc    Service
	cfg    Config
	server *http.Server
}

func New(svc Service, cfg Config) *Server {
	if cfg.FormLinks <= 0 {
		cfg.FormLinks = 10
	}
	if cfg.ErrorMessageLimit <= 0 {
		cfg.ErrorMessageLimit = 200
	}
	s := &Server{svc: svc, cfg: cfg}
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the routed and logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /download", s.handleDownload)
	mux.HandleFunc("POST /validate", s.handleValidate)
	mux.HandleFunc("GET /download_file/{id}", s.handleDownloadFile)
	mux.HandleFunc("GET /status", s.handleStatus)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
	return logRequests(mux)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Infof("HTTP server listening on %s", s.cfg.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

type downloadResponse struct {
	HasFile bool `json:"has_file"`
	*models.BatchResult
}

type statusResponse struct {
	Status string `json:"status"`
	models.StatusReport
}

type errorResponse struct {
	Error    string              `json:"error"`
	Rejected []models.ItemReport `json:"rejected,omitempty"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	urls, err := s.readLinks(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	// A session runs to completion even if the client goes away; each
	// extraction attempt is bounded by its own timeout.
	ctx := context.WithoutCancel(r.Context())
	res, err := s.svc.Submit(ctx, models.BatchRequest{URLs: urls, Client: clientInfo(r)})
	if err != nil {
		s.writeBatchError(w, err)
		return
	}

	// Everything went through: hand the archive straight back.
	if len(res.Rejected) == 0 {
		if res.ArchiveDigest != "" {
			w.Header().Set(DigestHeader, res.ArchiveDigest)
		}
		s.serveArchive(w, r, res.SessionID)
		return
	}
	writeJSON(w, http.StatusOK, downloadResponse{HasFile: res.ArchivePath != "", BatchResult: res})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	urls, err := s.readLinks(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	res, err := s.svc.Validate(context.WithoutCancel(r.Context()), urls)
	if err != nil {
		s.writeBatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	s.serveArchive(w, r, r.PathValue("id"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	report := s.svc.Status()
	status := "idle"
	if report.Busy {
		status = "busy"
	}
	if report.ActiveSessions == nil {
		report.ActiveSessions = []string{}
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: status, StatusReport: report})
}

func (s *Server) serveArchive(w http.ResponseWriter, r *http.Request, sessionID string) {
	f, err := s.svc.OpenArchive(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not found"})
			return
		}
		log.WithError(err).WithField("session", sessionID).Error("Failed to open archive")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": archive.DownloadName}))
	http.ServeContent(w, r, archive.DownloadName, info.ModTime(), f)
}

func (s *Server) writeBatchError(w http.ResponseWriter, err error) {
	var be *batch.Error
	if errors.As(err, &be) {
		status := http.StatusInternalServerError
		if be.Kind.ClientError() {
			status = http.StatusBadRequest
		}
		log.WithField("kind", be.Kind.String()).WithError(err).Warn("Batch request failed")
		writeJSON(w, status, errorResponse{Error: be.Message, Rejected: be.Rejected})
		return
	}
	log.WithError(err).Error("Unexpected batch error")
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error: helpers.Truncate("Server error: "+err.Error(), s.cfg.ErrorMessageLimit),
	})
}

type linksPayload struct {
	URLs []string `json:"urls"`
}

// readLinks accepts either a JSON body {"urls": [...]} or form fields
// link-1..link-N.
func (s *Server) readLinks(w http.ResponseWriter, r *http.Request) ([]string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var payload linksPayload
		body := http.MaxBytesReader(w, r.Body, maxFormMemory)
		if err := json.NewDecoder(body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("invalid JSON payload: %v", err)
		}
		return payload.URLs, nil
	}

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			return nil, fmt.Errorf("invalid form: %v", err)
		}
	} else if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form: %v", err)
	}

	var urls []string
	for i := 1; i <= s.cfg.FormLinks; i++ {
		if v := strings.TrimSpace(r.PostFormValue(fmt.Sprintf("link-%d", i))); v != "" {
			urls = append(urls, v)
		}
	}
	return urls, nil
}

func clientInfo(r *http.Request) models.ClientInfo {
	var ip string
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else if v := r.Header.Get("X-Real-IP"); v != "" {
		ip = v
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	} else {
		ip = r.RemoteAddr
	}
	return models.ClientInfo{IP: ip, UserAgent: r.UserAgent()}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Failed to encode response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		entry := log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"bytes":    rec.bytes,
			"duration": time.Since(start).Round(time.Millisecond),
		})
		if r.URL.Path == "/status" || r.URL.Path == "/metrics" {
			entry.Debug("HTTP request")
			return
		}
		entry.Info("HTTP request")
	})
}
