// Package service orchestrates the memory tool operations across the
// durable store, the cache, the blob store, and the embedding provider.
// Durable writes are authoritative; cache and link maintenance are
// best-effort and never fail a request on their own.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KafClaw/membank/internal/blob"
	"github.com/KafClaw/membank/internal/identity"
	"github.com/KafClaw/membank/internal/store"
)

// ErrNoEntries is returned by SummarizeScope when the scope holds
// nothing to summarize.
var ErrNoEntries = errors.New("no entries to summarize")

// Store is the durable-store surface the service depends on.
type Store interface {
	EnsureTenant(ctx context.Context, tenantID string) error
	EnsureScope(ctx context.Context, tenantID string, scope identity.Scope) (string, error)
	WriteEntry(ctx context.Context, params store.WriteParams) (*store.MemoryEntry, error)
	GetEntry(ctx context.Context, tenantID, memoryID string) (*store.MemoryEntry, error)
	SearchHybrid(ctx context.Context, params store.SearchParams) ([]store.SearchResult, error)
	CreateLink(ctx context.Context, tenantID, fromID, toID, relation string) (*store.Link, error)
	LinksFrom(ctx context.Context, memoryID string) ([]store.Link, error)
	LinksTo(ctx context.Context, memoryID string) ([]store.Link, error)
	WriteAttachment(ctx context.Context, a store.Attachment, tenantID string) (*store.Attachment, error)
	GetAttachment(ctx context.Context, tenantID, attachmentID string) (*store.Attachment, error)
	Attachments(ctx context.Context, tenantID, memoryID string) ([]store.Attachment, error)
	ScopeEntries(ctx context.Context, tenantID, scopeID string, limit int, excludeKinds []string) ([]store.MemoryEntry, error)
	Healthy(ctx context.Context) error
}

// Cache is the advisory cache surface the service depends on.
type Cache interface {
	PushWorkingSet(ctx context.Context, tenantID, scopeID, memoryID string) error
	WorkingSet(ctx context.Context, tenantID, scopeID string) ([]string, error)
	CachedSearch(ctx context.Context, tenantID, scopeID, query string, tags, kinds []string, topK int) ([]store.SearchResult, bool, error)
	StoreSearch(ctx context.Context, tenantID, scopeID, query string, tags, kinds []string, topK int, results []store.SearchResult) error
	InvalidateScope(ctx context.Context, tenantID, scopeID string) error
	RecordWrite(ctx context.Context, tenantID string)
	RecordSearch(ctx context.Context, tenantID string)
	RecordDedupe(ctx context.Context, tenantID string)
	Stats(ctx context.Context, tenantID string) (map[string]int64, error)
	Ping(ctx context.Context) error
}

// Embedder produces fixed-dimension embeddings for entry content and
// search queries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// Service wires the memory operations together.
type Service struct {
	store Store
	cache Cache
	blobs blob.Store
	embed Embedder
	log   *slog.Logger
}

// New constructs the service. The logger may be nil.
func New(st Store, c Cache, b blob.Store, e Embedder, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, cache: c, blobs: b, embed: e, log: log.With("component", "service")}
}

// WriteRequest is one memory.write call.
type WriteRequest struct {
	TenantID      string
	Scope         identity.Scope
	Kind          string
	Title         *string
	Content       string
	Tags          []string
	Source        *string
	AuthorAgentID *string
	ToolName      *string
}

// WriteMemory persists one entry: ensure tenant and scope, normalize,
// hash, embed, then run the transactional write. Working-set push,
// cache invalidation, and counters follow best-effort.
func (s *Service) WriteMemory(ctx context.Context, req WriteRequest) (*store.MemoryEntry, error) {
	if err := s.store.EnsureTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}
	scopeID, err := s.store.EnsureScope(ctx, req.TenantID, req.Scope)
	if err != nil {
		return nil, err
	}

	title := ""
	if req.Title != nil {
		title = *req.Title
	}
	content := identity.Normalize(req.Content)
	contentHash := identity.ContentHash(req.Kind, title, content)

	vec, err := s.embed.Embed(ctx, title+" "+content)
	if err != nil {
		return nil, fmt.Errorf("embed entry: %w", err)
	}

	entry, err := s.store.WriteEntry(ctx, store.WriteParams{
		TenantID:      req.TenantID,
		ScopeID:       scopeID,
		Kind:          req.Kind,
		Title:         req.Title,
		Content:       content,
		Tags:          req.Tags,
		Source:        req.Source,
		AuthorAgentID: req.AuthorAgentID,
		ToolName:      req.ToolName,
		ContentHash:   contentHash,
		Embedding:     vec,
	})
	if err != nil {
		return nil, err
	}

	s.afterWrite(ctx, req.TenantID, scopeID, entry)
	return entry, nil
}

// afterWrite performs the post-commit cache maintenance. Failures are
// logged and swallowed; the durable write already succeeded.
func (s *Service) afterWrite(ctx context.Context, tenantID, scopeID string, entry *store.MemoryEntry) {
	if err := s.cache.PushWorkingSet(ctx, tenantID, scopeID, entry.ID); err != nil {
		s.log.Warn("working set push failed", "memory_id", entry.ID, "error", err)
	}
	if err := s.cache.InvalidateScope(ctx, tenantID, scopeID); err != nil {
		s.log.Warn("scope cache invalidation failed", "scope_id", scopeID, "error", err)
	}
	s.cache.RecordWrite(ctx, tenantID)
	if entry.Deduped() {
		s.cache.RecordDedupe(ctx, tenantID)
	}
}

// SearchRequest is one memory.search call.
type SearchRequest struct {
	TenantID       string
	Scope          identity.Scope
	Query          string
	TopK           int
	Kinds          []string
	Tags           []string
	TimeRangeStart *time.Time
	TimeRangeEnd   *time.Time
}

// Search runs hybrid retrieval with a cache probe in front. Queries
// carrying a time range skip the cache entirely: the fingerprint does
// not cover range bounds, so memoizing them would alias distinct
// queries.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]store.SearchResult, error) {
	if err := s.store.EnsureTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}
	scopeID, err := s.store.EnsureScope(ctx, req.TenantID, req.Scope)
	if err != nil {
		return nil, err
	}

	if req.TimeRangeStart == nil && req.TimeRangeEnd == nil {
		cached, hit, err := s.cache.CachedSearch(ctx, req.TenantID, scopeID, req.Query, req.Tags, req.Kinds, req.TopK)
		if err != nil {
			s.log.Warn("search cache probe failed", "error", err)
		} else if hit {
			return cached, nil
		}
	}

	qvec, err := s.embed.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := s.store.SearchHybrid(ctx, store.SearchParams{
		TenantID:       req.TenantID,
		ScopeID:        scopeID,
		QueryEmbedding: qvec,
		QueryText:      req.Query,
		TopK:           req.TopK,
		Kinds:          req.Kinds,
		Tags:           req.Tags,
		TimeRangeStart: req.TimeRangeStart,
		TimeRangeEnd:   req.TimeRangeEnd,
	})
	if err != nil {
		return nil, err
	}

	if req.TimeRangeStart == nil && req.TimeRangeEnd == nil {
		if err := s.cache.StoreSearch(ctx, req.TenantID, scopeID, req.Query, req.Tags, req.Kinds, req.TopK, results); err != nil {
			s.log.Warn("search cache fill failed", "error", err)
		}
	}
	s.cache.RecordSearch(ctx, req.TenantID)
	return results, nil
}

// EntryDetail is the full memory.get response: the entry plus its
// attachments and both link directions.
type EntryDetail struct {
	Entry       *store.MemoryEntry `json:"entry"`
	Attachments []store.Attachment `json:"attachments"`
	LinkedFrom  []store.Link       `json:"linked_from"`
	LinkedTo    []store.Link       `json:"linked_to"`
}

// Get fetches one entry with attachments and links.
func (s *Service) Get(ctx context.Context, tenantID, memoryID string) (*EntryDetail, error) {
	entry, err := s.store.GetEntry(ctx, tenantID, memoryID)
	if err != nil {
		return nil, err
	}
	attachments, err := s.store.Attachments(ctx, tenantID, memoryID)
	if err != nil {
		return nil, err
	}
	linkedFrom, err := s.store.LinksFrom(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	linkedTo, err := s.store.LinksTo(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	return &EntryDetail{
		Entry:       entry,
		Attachments: attachments,
		LinkedFrom:  linkedFrom,
		LinkedTo:    linkedTo,
	}, nil
}

// Link creates a typed edge between two entries of one tenant. Both
// endpoints must exist under the tenant.
func (s *Service) Link(ctx context.Context, tenantID, fromID, toID, relation string) (*store.Link, error) {
	if _, err := s.store.GetEntry(ctx, tenantID, fromID); err != nil {
		return nil, fmt.Errorf("source entry %s: %w", fromID, err)
	}
	if _, err := s.store.GetEntry(ctx, tenantID, toID); err != nil {
		return nil, fmt.Errorf("target entry %s: %w", toID, err)
	}
	return s.store.CreateLink(ctx, tenantID, fromID, toID, relation)
}

// SummarizeScope condenses the scope's recent non-summary entries into
// a new summary entry linked derived_from each source. Mode is "brief"
// (top 20, 200-char previews) or "full" (every entry, full content).
func (s *Service) SummarizeScope(ctx context.Context, tenantID string, scope identity.Scope, mode string, maxEntries int) (*store.MemoryEntry, error) {
	if err := s.store.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	scopeID, err := s.store.EnsureScope(ctx, tenantID, scope)
	if err != nil {
		return nil, err
	}

	entries, err := s.store.ScopeEntries(ctx, tenantID, scopeID, maxEntries, []string{store.KindSummary})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}

	content := BuildSummary(entries, mode)
	entry, err := s.writeSummary(ctx, tenantID, scopeID, "scope_summary", content, []string{"auto_summary", mode})
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if _, err := s.store.CreateLink(ctx, tenantID, entry.ID, e.ID, store.RelDerivedFrom); err != nil {
			s.log.Warn("summary link failed", "summary_id", entry.ID, "entry_id", e.ID, "error", err)
		}
	}

	if err := s.cache.InvalidateScope(ctx, tenantID, scopeID); err != nil {
		s.log.Warn("scope cache invalidation failed", "scope_id", scopeID, "error", err)
	}
	return entry, nil
}

// WriteSummaryEntry persists a pre-built summary for a scope ID. It is
// the scheduled-job variant of SummarizeScope: the caller already knows
// the scope ID and controls title and tags.
func (s *Service) WriteSummaryEntry(ctx context.Context, tenantID, scopeID, title, content string, tags []string) (*store.MemoryEntry, error) {
	return s.writeSummary(ctx, tenantID, scopeID, title, content, tags)
}

func (s *Service) writeSummary(ctx context.Context, tenantID, scopeID, title, content string, tags []string) (*store.MemoryEntry, error) {
	normalized := identity.Normalize(content)
	vec, err := s.embed.Embed(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("embed summary: %w", err)
	}
	source := "system"
	return s.store.WriteEntry(ctx, store.WriteParams{
		TenantID:    tenantID,
		ScopeID:     scopeID,
		Kind:        store.KindSummary,
		Title:       &title,
		Content:     normalized,
		Tags:        tags,
		Source:      &source,
		ContentHash: identity.ContentHash(store.KindSummary, title, normalized),
		Embedding:   vec,
	})
}

// briefLimit and previewChars bound brief-mode summaries.
const (
	briefLimit   = 20
	previewChars = 200
)

// BuildSummary renders the summary text for a set of entries.
func BuildSummary(entries []store.MemoryEntry, mode string) string {
	var b strings.Builder
	if mode == "brief" {
		shown := len(entries)
		if shown > briefLimit {
			shown = briefLimit
		}
		fmt.Fprintf(&b, "Scope summary (%d entries, showing top %d):\n", len(entries), shown)
		lines := make([]string, 0, shown)
		for _, e := range entries[:shown] {
			preview := e.Content
			if len(preview) > previewChars {
				preview = preview[:previewChars]
			}
			lines = append(lines, entryLine(e, preview))
		}
		b.WriteString(strings.Join(lines, "\n"))
		return b.String()
	}

	fmt.Fprintf(&b, "Full scope summary (%d entries):\n", len(entries))
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, entryLine(e, e.Content))
	}
	b.WriteString(strings.Join(lines, "\n---\n"))
	return b.String()
}

func entryLine(e store.MemoryEntry, content string) string {
	titlePart := ""
	if e.Title != nil && *e.Title != "" {
		titlePart = " " + *e.Title
	}
	return fmt.Sprintf("[%s]%s: %s", e.Kind, titlePart, content)
}

// AttachBlob uploads attachment bytes and records their metadata. The
// entry must exist under the tenant. Re-attaching identical bytes is a
// no-op returning the existing record.
func (s *Service) AttachBlob(ctx context.Context, tenantID, memoryID, filename, mimeType string, data []byte) (*store.Attachment, error) {
	if _, err := s.store.GetEntry(ctx, tenantID, memoryID); err != nil {
		return nil, err
	}

	key := blob.MakeKey(tenantID, memoryID, filename)
	if err := s.blobs.Put(ctx, key, data, mimeType); err != nil {
		return nil, err
	}

	return s.store.WriteAttachment(ctx, store.Attachment{
		ID:       identity.AttachmentID(data),
		MemoryID: memoryID,
		BlobKey:  key,
		Filename: filename,
		MimeType: mimeType,
		Bytes:    int64(len(data)),
		SHA256:   identity.BytesSHA256(data),
	}, tenantID)
}

// BlobPayload is the memory.fetch_blob response: metadata plus either a
// presigned download URL or inline base64 bytes.
type BlobPayload struct {
	Attachment  *store.Attachment `json:"attachment"`
	DownloadURL string            `json:"download_url,omitempty"`
	DataBase64  *string           `json:"data_base64"`
}

// FetchBlob retrieves an attachment, preferring a presigned URL and
// falling back to inline bytes when the backend cannot presign.
func (s *Service) FetchBlob(ctx context.Context, tenantID, attachmentID string) (*BlobPayload, error) {
	att, err := s.store.GetAttachment(ctx, tenantID, attachmentID)
	if err != nil {
		return nil, err
	}

	url, err := s.blobs.Presign(ctx, att.BlobKey, blob.DefaultPresignTTL)
	if err != nil {
		s.log.Warn("presign failed, falling back to inline", "blob_key", att.BlobKey, "error", err)
	}
	if url != "" {
		return &BlobPayload{Attachment: att, DownloadURL: url}, nil
	}

	data, err := s.blobs.Get(ctx, att.BlobKey)
	if err != nil {
		return nil, err
	}
	payload := &BlobPayload{Attachment: att}
	if data != nil {
		encoded := base64.StdEncoding.EncodeToString(data)
		payload.DataBase64 = &encoded
	}
	return payload, nil
}

// WorkingSet returns the scope's recent-entry IDs, newest first.
func (s *Service) WorkingSet(ctx context.Context, tenantID string, scope identity.Scope) ([]string, error) {
	scopeID, err := s.store.EnsureScope(ctx, tenantID, scope)
	if err != nil {
		return nil, err
	}
	return s.cache.WorkingSet(ctx, tenantID, scopeID)
}

// Stats returns the tenant's observability counters.
func (s *Service) Stats(ctx context.Context, tenantID string) (map[string]int64, error) {
	return s.cache.Stats(ctx, tenantID)
}

// Healthy probes both backends; either failing marks the service
// degraded.
func (s *Service) Healthy(ctx context.Context) error {
	if err := s.store.Healthy(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := s.cache.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}
