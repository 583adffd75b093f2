package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dash-recorder/internal/chunkstore"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	chunkField      = "video_chunk"
	sessionHeader   = "sessionid"
	sequenceHeader  = "sequence_number"
	requestIDHeader = "X-Request-Id"

	defaultMaxChunkBytes = 100 << 20
)

var mediaTypes = map[string]string{
	".mpd":  "application/dash+xml",
	".m4s":  "video/iso.segment",
	".mp4":  "video/mp4",
	".webm": "video/webm",
}

// HandlerConfig tunes the HTTP surface.
type HandlerConfig struct {
	// MaxChunkBytes caps the request body of a chunk upload.
	MaxChunkBytes int64
	// IncludeManifest adds the session's manifest URL to ingress responses.
	IncludeManifest bool
	// MediaPrefix is the URL path the chunk store is served under, e.g. "/uploads".
	MediaPrefix string
}

// Handler exposes recorder HTTP endpoints using go-chi.
type Handler struct {
	svc *Service
	log *slog.Logger
	cfg HandlerConfig
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger, cfg HandlerConfig) *Handler {
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = defaultMaxChunkBytes
	}
	cfg.MediaPrefix = "/" + strings.Trim(cfg.MediaPrefix, "/")
	return &Handler{svc: svc, log: log, cfg: cfg}
}

type ingressResponse struct {
	Status         string `json:"status"`
	SessionID      string `json:"session_id,omitempty"`
	SequenceNumber int64  `json:"sequence_number,omitempty"`
	RequestID      string `json:"request_id"`
	ManifestURL    string `json:"manifest_url,omitempty"`
	Error          string `json:"error,omitempty"`
}

type sessionListing struct {
	SessionID   string    `json:"sessionID"`
	UploadTime  time.Time `json:"upload_time"`
	ManifestURL string    `json:"manifest_url"`
}

type sessionStatusResponse struct {
	SessionStatus
	ManifestURL string `json:"manifest_url"`
}

// Upload handles POST /upload. The session and sequence number travel in the
// sessionid and sequence_number headers; the chunk is the multipart field
// video_chunk.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.ingest(w, r, r.Header.Get(sessionHeader), r.Header.Get(sequenceHeader))
}

// SubmitChunk handles POST /sessions/{session_id}/chunks/{sequence}. The body
// is either a multipart form with a video_chunk field or the raw chunk bytes;
// for raw bodies the optional filename query parameter supplies the extension.
func (h *Handler) SubmitChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.ingest(w, r, chi.URLParam(r, "session_id"), chi.URLParam(r, "sequence"))
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, sessionID, rawSeq string) {
	resp := ingressResponse{SessionID: sessionID, RequestID: requestID(w, r)}
	log := h.log.With(slog.String("request_id", resp.RequestID), slog.String("session_id", sessionID))

	seq, err := strconv.ParseInt(strings.TrimSpace(rawSeq), 10, 64)
	if err != nil {
		resp.Status = string(OutcomeRejected)
		resp.Error = fmt.Sprintf("invalid sequence number %q", rawSeq)
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	resp.SequenceNumber = seq

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxChunkBytes)
	body, ext, err := chunkBody(r)
	if err != nil {
		resp.Status = string(OutcomeRejected)
		resp.Error = err.Error()
		code := http.StatusBadRequest
		if tooLarge(err) {
			code = http.StatusRequestEntityTooLarge
		}
		log.Debug("unreadable chunk upload", slog.String("error", err.Error()))
		writeJSON(w, code, resp)
		return
	}

	outcome, err := h.svc.Submit(r.Context(), Submission{
		SessionID: sessionID,
		Sequence:  seq,
		Ext:       ext,
		Body:      body,
	})
	resp.Status = string(outcome)
	if err != nil {
		resp.Error = err.Error()
	}
	if h.cfg.IncludeManifest && (outcome == OutcomeAccepted || outcome == OutcomeQueued || outcome == OutcomeDuplicate) {
		resp.ManifestURL = h.manifestURL(sessionID)
	}

	code := statusCode(outcome, err)
	switch {
	case code >= http.StatusInternalServerError:
		log.Error("chunk submission failed",
			slog.Int64("sequence", seq),
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()))
	case err != nil:
		log.Info("chunk submission rejected",
			slog.Int64("sequence", seq),
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()))
	default:
		log.Debug("chunk submitted", slog.Int64("sequence", seq), slog.String("outcome", string(outcome)))
	}
	writeJSON(w, code, resp)
}

// chunkBody locates the chunk bytes in r without buffering the whole upload.
func chunkBody(r *http.Request) (io.Reader, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, chunkstore.NormalizeExt(r.URL.Query().Get("filename")), nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, "", fmt.Errorf("missing %s field", chunkField)
		}
		if err != nil {
			return nil, "", err
		}
		if part.FormName() == chunkField {
			return part, chunkstore.NormalizeExt(part.FileName()), nil
		}
		part.Close()
	}
}

// statusCode maps a submission result to an HTTP status.
func statusCode(outcome Outcome, err error) int {
	if err == nil {
		switch outcome {
		case OutcomeAccepted:
			return http.StatusCreated
		case OutcomeQueued:
			return http.StatusAccepted
		default:
			return http.StatusOK
		}
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case tooLarge(err):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrChunkConflict):
		return http.StatusConflict
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	case outcome == OutcomeQueued:
		return http.StatusAccepted
	case outcome == OutcomeDuplicate:
		return http.StatusOK
	case errors.Is(err, ErrTranscode), errors.Is(err, ErrPackage):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// ListVideos handles GET /videos: every metadata record in append order.
func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	records, err := h.svc.Records()
	if err != nil {
		h.log.Error("list videos failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	summaries, err := h.svc.ListSessions()
	if err != nil {
		h.log.Error("list sessions failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	out := make([]sessionListing, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, sessionListing{
			SessionID:   s.SessionID,
			UploadTime:  s.UploadTime,
			ManifestURL: h.manifestURL(s.SessionID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// SessionStatus handles GET /sessions/{session_id}.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := chi.URLParam(r, "session_id")
	st, err := h.svc.Status(id)
	switch {
	case errors.Is(err, ErrInvalidInput):
		w.WriteHeader(http.StatusBadRequest)
		return
	case errors.Is(err, ErrSessionNotFound):
		w.WriteHeader(http.StatusNotFound)
		return
	case err != nil:
		h.log.Error("session status failed", slog.String("session_id", id), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessionStatusResponse{SessionStatus: st, ManifestURL: h.manifestURL(id)})
}

// MediaFiles serves the chunk store under root at the configured media
// prefix with DASH content types. Hidden entries and directory listings are
// not served.
func (h *Handler) MediaFiles(root string) http.Handler {
	prefix := h.cfg.MediaPrefix
	files := http.StripPrefix(prefix, http.FileServer(http.Dir(root)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rel := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
		if rel == "" {
			http.NotFound(w, r)
			return
		}
		for _, seg := range strings.Split(rel, "/") {
			if seg == "" || strings.HasPrefix(seg, ".") {
				http.NotFound(w, r)
				return
			}
		}
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}

		ext := strings.ToLower(path.Ext(rel))
		if ct, ok := mediaTypes[ext]; ok {
			w.Header().Set("Content-Type", ct)
		}
		if ext == ".mpd" {
			// The manifest grows with every packaged chunk.
			w.Header().Set("Cache-Control", "no-cache")
		}
		files.ServeHTTP(w, r)
	})
}

func (h *Handler) manifestURL(sessionID string) string {
	return strings.TrimSuffix(h.cfg.MediaPrefix, "/") + "/" + chunkstore.ManifestURLPath(sessionID)
}

func requestID(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, id)
	return id
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
