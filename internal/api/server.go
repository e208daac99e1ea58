// Package api exposes the pipeline over HTTP. It is a thin
// presentation adapter: handlers read snapshots and call controller
// operations, never touching artifacts or session state directly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/lecternlabs/lectern/internal/artifact"
	"github.com/lecternlabs/lectern/internal/export"
	"github.com/lecternlabs/lectern/internal/journal"
	"github.com/lecternlabs/lectern/internal/pipeline"
)

// Server holds the handler dependencies.
type Server struct {
	manager        *pipeline.Manager
	journal        *journal.Journal
	log            *slog.Logger
	maxUploadBytes int64
	onRemove       func(sessionID string)
}

// Options tunes the server beyond its required manager.
type Options struct {
	Journal          *journal.Journal // may be nil or ephemeral
	Logger           *slog.Logger
	MaxUploadBytes   int64                  // request body cap for uploads, 0 means unlimited
	OnSessionRemoved func(sessionID string) // called after a session is removed
}

func New(manager *pipeline.Manager, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager:        manager,
		journal:        opts.Journal,
		log:            logger.With(slog.String("component", "api")),
		maxUploadBytes: opts.MaxUploadBytes,
		onRemove:       opts.OnSessionRemoved,
	}
}

// Register mounts every session route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", s.handleCreate)
	mux.HandleFunc("GET /v1/sessions", s.handleList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDelete)
	mux.HandleFunc("POST /v1/sessions/{id}/video", s.handleUpload)
	mux.HandleFunc("POST /v1/sessions/{id}/extract", s.handleExtract)
	mux.HandleFunc("POST /v1/sessions/{id}/denoise", s.handleDenoise)
	mux.HandleFunc("POST /v1/sessions/{id}/transcribe", s.handleTranscribe)
	mux.HandleFunc("POST /v1/sessions/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /v1/sessions/{id}/video", s.handleVideo)
	mux.HandleFunc("GET /v1/sessions/{id}/audio", s.handleAudio)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleEvents)
}

func (s *Server) handleCreate(w http.ResponseWriter, _ *http.Request) {
	ctrl, err := s.manager.Create()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ctrl.Snapshot())
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Snapshots())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Remove(id); err != nil {
		s.writeError(w, err)
		return
	}
	if s.onRemove != nil {
		s.onRemove(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	file, header, err := r.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, pipeline.ErrUploadTooLarge)
			return
		}
		s.writeJSONError(w, http.StatusBadRequest, "multipart field \"video\" required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	snap, err := ctrl.Upload(r.Context(), data, header.Filename)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	s.runStage(w, r, (*pipeline.Controller).ExtractAudio)
}

func (s *Server) handleDenoise(w http.ResponseWriter, r *http.Request) {
	s.runStage(w, r, (*pipeline.Controller).Denoise)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	s.runStage(w, r, (*pipeline.Controller).Transcribe)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ctrl.Reset())
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, name, err := ctrl.ReadVideo()
	if err != nil {
		s.writeError(w, err)
		return
	}
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `inline; filename="`+name+`"`)
	_, _ = w.Write(data)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	variant := pipeline.AudioVariant(r.URL.Query().Get("variant"))
	if variant == "" {
		variant = pipeline.AudioExtracted
	}
	if variant != pipeline.AudioExtracted && variant != pipeline.AudioCleaned {
		s.writeJSONError(w, http.StatusBadRequest, "variant must be extracted or cleaned")
		return
	}
	data, err := ctrl.ReadAudio(variant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="`+string(variant)+`.wav"`)
	_, _ = w.Write(data)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	formatParam := r.URL.Query().Get("format")
	if formatParam == "" {
		formatParam = string(export.FormatText)
	}
	format, err := export.ParseFormat(formatParam)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := ctrl.Export(format)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType(format))
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(format)+`"`)
	_, _ = w.Write(data)
}

// handleEvents serves the journal timeline. Unlike the session routes
// it does not require a live session: in persistent retention modes the
// whole point is reading events for sessions that are already gone.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.journal.SessionEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// runStage executes one controller stage operation and renders the
// resulting snapshot.
func (s *Server) runStage(w http.ResponseWriter, r *http.Request, op func(*pipeline.Controller, context.Context) (pipeline.Snapshot, error)) {
	ctrl, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := op(ctrl, r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrSessionNotFound), errors.Is(err, artifact.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidState),
		errors.Is(err, pipeline.ErrNoTranscript),
		errors.Is(err, pipeline.ErrTooManySessions):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrUnsupportedMedia):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUploadTooLarge):
		status = http.StatusRequestEntityTooLarge
	default:
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			status = http.StatusBadGateway
		}
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
	s.writeJSONError(w, status, err.Error())
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}
