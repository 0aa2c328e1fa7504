// Package server exposes the memory tools over HTTP. Every tool is a
// POST endpoint under /tools/, plus /health and /stats/{tenant}.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/KafClaw/membank/internal/identity"
	"github.com/KafClaw/membank/internal/service"
	"github.com/KafClaw/membank/internal/store"
)

// Memory is the service surface the HTTP layer depends on.
type Memory interface {
	WriteMemory(ctx context.Context, req service.WriteRequest) (*store.MemoryEntry, error)
	Search(ctx context.Context, req service.SearchRequest) ([]store.SearchResult, error)
	Get(ctx context.Context, tenantID, memoryID string) (*service.EntryDetail, error)
	Link(ctx context.Context, tenantID, fromID, toID, relation string) (*store.Link, error)
	SummarizeScope(ctx context.Context, tenantID string, scope identity.Scope, mode string, maxEntries int) (*store.MemoryEntry, error)
	AttachBlob(ctx context.Context, tenantID, memoryID, filename, mimeType string, data []byte) (*store.Attachment, error)
	FetchBlob(ctx context.Context, tenantID, attachmentID string) (*service.BlobPayload, error)
	WorkingSet(ctx context.Context, tenantID string, scope identity.Scope) ([]string, error)
	Stats(ctx context.Context, tenantID string) (map[string]int64, error)
	Healthy(ctx context.Context) error
}

// Server handles the HTTP tool surface.
type Server struct {
	svc Memory
	log *slog.Logger
}

// New constructs the server. The logger may be nil.
func New(svc Memory, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: svc, log: log.With("component", "server")}
}

// Router builds the chi router with the audit middleware mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.audit)

	r.Get("/health", s.handleHealth)
	r.Get("/stats/{tenantID}", s.handleStats)

	r.Post("/tools/memory.write", s.handleWrite)
	r.Post("/tools/memory.search", s.handleSearch)
	r.Post("/tools/memory.get", s.handleGet)
	r.Post("/tools/memory.link", s.handleLink)
	r.Post("/tools/memory.summarize_scope", s.handleSummarize)
	r.Post("/tools/memory.attach_blob", s.handleAttachBlob)
	r.Post("/tools/memory.fetch_blob", s.handleFetchBlob)
	r.Post("/tools/memory.working_set", s.handleWorkingSet)

	return r
}

// statusRecorder captures the response status for audit logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// audit logs every tool call with latency and a request ID.
func (s *Server) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)

		if strings.HasPrefix(req.URL.Path, "/tools/") {
			s.log.Info("audit",
				"request_id", uuid.NewString(),
				"path", req.URL.Path,
				"method", req.Method,
				"status", rec.status,
				"latency_ms", float64(time.Since(start).Microseconds())/1000.0,
			)
		}
	})
}

// ── Wire shapes ──────────────────────────────────────────────────────

// MemoryOut is the standard entry representation on the wire.
type MemoryOut struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	Title         *string  `json:"title"`
	Content       string   `json:"content"`
	Tags          []string `json:"tags"`
	Source        *string  `json:"source,omitempty"`
	AuthorAgentID *string  `json:"author_agent_id,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     *string  `json:"updated_at,omitempty"`
	Score         *float64 `json:"score,omitempty"`
}

// LinkOut is a link edge on the wire.
type LinkOut struct {
	ID           int64  `json:"id"`
	FromMemoryID string `json:"from_memory_id"`
	ToMemoryID   string `json:"to_memory_id"`
	Relation     string `json:"relation"`
	CreatedAt    string `json:"created_at"`
}

// AttachmentOut is attachment metadata on the wire.
type AttachmentOut struct {
	ID          string `json:"id"`
	MemoryID    string `json:"memory_id"`
	BlobKey     string `json:"blob_key"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mime_type"`
	Bytes       int64  `json:"bytes"`
	SHA256      string `json:"sha256"`
	CreatedAt   string `json:"created_at"`
	DownloadURL string `json:"download_url,omitempty"`
}

// GetOut is the memory.get response.
type GetOut struct {
	Entry       MemoryOut       `json:"entry"`
	Attachments []AttachmentOut `json:"attachments"`
	LinkedFrom  []LinkOut       `json:"linked_from"`
	LinkedTo    []LinkOut       `json:"linked_to"`
}

// FetchBlobOut is the memory.fetch_blob response.
type FetchBlobOut struct {
	Attachment AttachmentOut `json:"attachment"`
	DataBase64 *string       `json:"data_base64"`
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func memoryOut(e *store.MemoryEntry) MemoryOut {
	out := MemoryOut{
		ID:            e.ID,
		Kind:          e.Kind,
		Title:         e.Title,
		Content:       e.Content,
		Tags:          e.Tags,
		Source:        e.Source,
		AuthorAgentID: e.AuthorAgentID,
		CreatedAt:     isoTime(e.CreatedAt),
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if e.UpdatedAt != nil {
		u := isoTime(*e.UpdatedAt)
		out.UpdatedAt = &u
	}
	return out
}

func linkOut(l *store.Link) LinkOut {
	return LinkOut{
		ID:           l.ID,
		FromMemoryID: l.FromMemoryID,
		ToMemoryID:   l.ToMemoryID,
		Relation:     l.Relation,
		CreatedAt:    isoTime(l.CreatedAt),
	}
}

func attachmentOut(a *store.Attachment, downloadURL string) AttachmentOut {
	return AttachmentOut{
		ID:          a.ID,
		MemoryID:    a.MemoryID,
		BlobKey:     a.BlobKey,
		Filename:    a.Filename,
		MimeType:    a.MimeType,
		Bytes:       a.Bytes,
		SHA256:      a.SHA256,
		CreatedAt:   isoTime(a.CreatedAt),
		DownloadURL: downloadURL,
	}
}

// ── Helpers ──────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decode(w http.ResponseWriter, req *http.Request, v any) bool {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// serviceError maps service failures onto HTTP statuses.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrNoEntries):
		writeError(w, http.StatusNotFound, "no entries to summarize")
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ── Handlers ─────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	if err := s.svc.Healthy(req.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok", "postgres": "ok", "redis": "ok",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, req *http.Request) {
	stats, err := s.svc.Stats(req.Context(), chi.URLParam(req, "tenantID"))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type writeIn struct {
	TenantID      string         `json:"tenant_id"`
	Scope         identity.Scope `json:"scope"`
	Kind          string         `json:"kind"`
	Title         *string        `json:"title"`
	Content       string         `json:"content"`
	Tags          []string       `json:"tags"`
	Source        *string        `json:"source"`
	AuthorAgentID *string        `json:"author_agent_id"`
	ToolName      *string        `json:"tool_name"`
}

func (s *Server) handleWrite(w http.ResponseWriter, req *http.Request) {
	var in writeIn
	if !decode(w, req, &in) {
		return
	}
	if in.TenantID == "" || in.Content == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and content are required")
		return
	}
	if !store.ValidKind(in.Kind) {
		writeError(w, http.StatusBadRequest, "invalid kind: "+in.Kind)
		return
	}
	if in.Source == nil {
		in.Source = identity.String("gateway")
	}

	entry, err := s.svc.WriteMemory(req.Context(), service.WriteRequest{
		TenantID:      in.TenantID,
		Scope:         in.Scope,
		Kind:          in.Kind,
		Title:         in.Title,
		Content:       in.Content,
		Tags:          in.Tags,
		Source:        in.Source,
		AuthorAgentID: in.AuthorAgentID,
		ToolName:      in.ToolName,
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, memoryOut(entry))
}

type searchIn struct {
	TenantID       string         `json:"tenant_id"`
	ScopeFilter    identity.Scope `json:"scope_filter"`
	Query          string         `json:"query"`
	TopK           int            `json:"top_k"`
	Tags           []string       `json:"tags"`
	Kinds          []string       `json:"kinds"`
	TimeRangeStart *time.Time     `json:"time_range_start"`
	TimeRangeEnd   *time.Time     `json:"time_range_end"`
}

func (s *Server) handleSearch(w http.ResponseWriter, req *http.Request) {
	var in searchIn
	if !decode(w, req, &in) {
		return
	}
	if in.TenantID == "" || in.Query == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and query are required")
		return
	}
	if in.TopK == 0 {
		in.TopK = 10
	}
	if in.TopK < 1 || in.TopK > 100 {
		writeError(w, http.StatusBadRequest, "top_k must be between 1 and 100")
		return
	}
	for _, k := range in.Kinds {
		if !store.ValidKind(k) {
			writeError(w, http.StatusBadRequest, "invalid kind: "+k)
			return
		}
	}

	results, err := s.svc.Search(req.Context(), service.SearchRequest{
		TenantID:       in.TenantID,
		Scope:          in.ScopeFilter,
		Query:          in.Query,
		TopK:           in.TopK,
		Kinds:          in.Kinds,
		Tags:           in.Tags,
		TimeRangeStart: in.TimeRangeStart,
		TimeRangeEnd:   in.TimeRangeEnd,
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}

	out := make([]MemoryOut, 0, len(results))
	for i := range results {
		m := memoryOut(&results[i].MemoryEntry)
		score := results[i].Score
		m.Score = &score
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, out)
}

type getIn struct {
	TenantID string `json:"tenant_id"`
	MemoryID string `json:"memory_id"`
}

func (s *Server) handleGet(w http.ResponseWriter, req *http.Request) {
	var in getIn
	if !decode(w, req, &in) {
		return
	}
	if in.TenantID == "" || in.MemoryID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and memory_id are required")
		return
	}

	detail, err := s.svc.Get(req.Context(), in.TenantID, in.MemoryID)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	out := GetOut{
		Entry:       memoryOut(detail.Entry),
		Attachments: make([]AttachmentOut, 0, len(detail.Attachments)),
		LinkedFrom:  make([]LinkOut, 0, len(detail.LinkedFrom)),
		LinkedTo:    make([]LinkOut, 0, len(detail.LinkedTo)),
	}
	for i := range detail.Attachments {
		out.Attachments = append(out.Attachments, attachmentOut(&detail.Attachments[i], ""))
	}
	for i := range detail.LinkedFrom {
		out.LinkedFrom = append(out.LinkedFrom, linkOut(&detail.LinkedFrom[i]))
	}
	for i := range detail.LinkedTo {
		out.LinkedTo = append(out.LinkedTo, linkOut(&detail.LinkedTo[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

type linkIn struct {
	TenantID     string `json:"tenant_id"`
	FromMemoryID string `json:"from_memory_id"`
	ToMemoryID   string `json:"to_memory_id"`
	Relation     string `json:"relation"`
}

func (s *Server) handleLink(w http.ResponseWriter, req *http.Request) {
	var in linkIn
	if !decode(w, req, &in) {
		return
	}
	if in.TenantID == "" || in.FromMemoryID == "" || in.ToMemoryID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, from_memory_id and to_memory_id are required")
		return
	}
	if !store.ValidRelation(in.Relation) {
		writeError(w, http.StatusBadRequest, "invalid relation: "+in.Relation)
		return
	}

	link, err := s.svc.Link(req.Context(), in.TenantID, in.FromMemoryID, in.ToMemoryID, in.Relation)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, linkOut(link))
}

type summarizeIn struct {
	TenantID   string         `json:"tenant_id"`
	Scope      identity.Scope `json:"scope"`
	Mode       string         `json:"mode"`
	MaxEntries int            `json:"max_entries"`
}

func (s *Server) handleSummarize(w http.ResponseWriter, req *http.Request) {
	var in summarizeIn
	if !decode(w, req, &in) {
		return
	}
	if in.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if in.Mode == "" {
		in.Mode = "brief"
	}
	if in.Mode != "brief" && in.Mode != "full" {
		writeError(w, http.StatusBadRequest, "mode must be brief or full")
		return
	}
	if in.MaxEntries == 0 {
		in.MaxEntries = 50
	}
	if in.MaxEntries < 1 || in.MaxEntries > 500 {
		writeError(w, http.StatusBadRequest, "max_entries must be between 1 and 500")
		return
	}

	entry, err := s.svc.SummarizeScope(req.Context(), in.TenantID, in.Scope, in.Mode, in.MaxEntries)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, memoryOut(entry))
}

type attachBlobIn struct {
	TenantID   string `json:"tenant_id"`
	MemoryID   string `json:"memory_id"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	DataBase64 string `json:"data_base64"`
}

func (s *Server) handleAttachBlob(w http.ResponseWriter, req *http.Request) {
	var in attachBlobIn
	if !decode(w, req, &in) {
		return
	}
	if in.TenantID == "" || in.MemoryID == "" || in.Filename == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, memory_id and filename are required")
		return
	}
	data, err := base64.StdEncoding.DecodeString(in.DataBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base64 data")
		return
	}

	att, err := s.svc.AttachBlob(req.Context(), in.TenantID, in.MemoryID, in.Filename, in.MimeType, data)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attachmentOut(att, ""))
}

type fetchBlobIn struct {
	TenantID     string `json:"tenant_id"`
	AttachmentID string `json:"attachment_id"`
}

func (s *Server) handleFetchBlob(w http.ResponseWriter, req *http.Request) {
	var in fetchBlobIn
	if !decode(w, req, &in) {
		return
	}
	if in.TenantID == "" || in.AttachmentID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and attachment_id are required")
		return
	}

	payload, err := s.svc.FetchBlob(req.Context(), in.TenantID, in.AttachmentID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FetchBlobOut{
		Attachment: attachmentOut(payload.Attachment, payload.DownloadURL),
		DataBase64: payload.DataBase64,
	})
}

type workingSetIn struct {
	TenantID string         `json:"tenant_id"`
	Scope    identity.Scope `json:"scope"`
}

func (s *Server) handleWorkingSet(w http.ResponseWriter, req *http.Request) {
	var in workingSetIn
	if !decode(w, req, &in) {
		return
	}
	if in.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	ids, err := s.svc.WorkingSet(req.Context(), in.TenantID, in.Scope)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"memory_ids": ids})
}
