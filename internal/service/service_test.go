package service

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/membank/internal/identity"
	"github.com/KafClaw/membank/internal/store"
)

// ── Fakes ────────────────────────────────────────────────────────────

type fakeStore struct {
	entries     map[string]*store.MemoryEntry
	attachments map[string]*store.Attachment
	links       []store.Link
	scopeRows   []store.MemoryEntry

	writes      []store.WriteParams
	searched    []store.SearchParams
	results     []store.SearchResult
	linkErr     error
	nextDeduped bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:     map[string]*store.MemoryEntry{},
		attachments: map[string]*store.Attachment{},
	}
}

func (f *fakeStore) EnsureTenant(context.Context, string) error { return nil }

func (f *fakeStore) EnsureScope(_ context.Context, tenantID string, scope identity.Scope) (string, error) {
	return identity.ScopeID(tenantID, scope), nil
}

func (f *fakeStore) WriteEntry(_ context.Context, p store.WriteParams) (*store.MemoryEntry, error) {
	f.writes = append(f.writes, p)
	now := time.Now().UTC()
	e := &store.MemoryEntry{
		ID:          identity.MemoryID(p.ContentHash),
		TenantID:    p.TenantID,
		ScopeID:     p.ScopeID,
		Kind:        p.Kind,
		Title:       p.Title,
		Content:     p.Content,
		Tags:        p.Tags,
		Source:      p.Source,
		ContentHash: p.ContentHash,
		CreatedAt:   now,
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	if f.nextDeduped {
		later := now.Add(time.Minute)
		e.CreatedAt = now.Add(-time.Hour)
		e.UpdatedAt = &later
	}
	f.entries[e.ID] = e
	return e, nil
}

func (f *fakeStore) GetEntry(_ context.Context, _, memoryID string) (*store.MemoryEntry, error) {
	e, ok := f.entries[memoryID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) SearchHybrid(_ context.Context, p store.SearchParams) ([]store.SearchResult, error) {
	f.searched = append(f.searched, p)
	return f.results, nil
}

func (f *fakeStore) CreateLink(_ context.Context, _, fromID, toID, relation string) (*store.Link, error) {
	if f.linkErr != nil {
		return nil, f.linkErr
	}
	l := store.Link{ID: int64(len(f.links) + 1), FromMemoryID: fromID, ToMemoryID: toID, Relation: relation, CreatedAt: time.Now()}
	f.links = append(f.links, l)
	return &l, nil
}

func (f *fakeStore) LinksFrom(_ context.Context, memoryID string) ([]store.Link, error) {
	out := []store.Link{}
	for _, l := range f.links {
		if l.FromMemoryID == memoryID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) LinksTo(_ context.Context, memoryID string) ([]store.Link, error) {
	out := []store.Link{}
	for _, l := range f.links {
		if l.ToMemoryID == memoryID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) WriteAttachment(_ context.Context, a store.Attachment, _ string) (*store.Attachment, error) {
	a.CreatedAt = time.Now()
	f.attachments[a.ID] = &a
	return &a, nil
}

func (f *fakeStore) GetAttachment(_ context.Context, _, attachmentID string) (*store.Attachment, error) {
	a, ok := f.attachments[attachmentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) Attachments(_ context.Context, _, memoryID string) ([]store.Attachment, error) {
	out := []store.Attachment{}
	for _, a := range f.attachments {
		if a.MemoryID == memoryID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) ScopeEntries(context.Context, string, string, int, []string) ([]store.MemoryEntry, error) {
	return f.scopeRows, nil
}

func (f *fakeStore) Healthy(context.Context) error { return nil }

type fakeCache struct {
	pushed       []string
	invalidated  []string
	writes       int
	searches     int
	dedupes      int
	cachedHit    []store.SearchResult
	stored       [][]store.SearchResult
	workingSet   []string
	pushErr      error
	probeCount   int
}

func (f *fakeCache) PushWorkingSet(_ context.Context, _, _, memoryID string) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, memoryID)
	return nil
}

func (f *fakeCache) WorkingSet(context.Context, string, string) ([]string, error) {
	return f.workingSet, nil
}

func (f *fakeCache) CachedSearch(context.Context, string, string, string, []string, []string, int) ([]store.SearchResult, bool, error) {
	f.probeCount++
	if f.cachedHit != nil {
		return f.cachedHit, true, nil
	}
	return nil, false, nil
}

func (f *fakeCache) StoreSearch(_ context.Context, _, _, _ string, _, _ []string, _ int, results []store.SearchResult) error {
	f.stored = append(f.stored, results)
	return nil
}

func (f *fakeCache) InvalidateScope(_ context.Context, _, scopeID string) error {
	f.invalidated = append(f.invalidated, scopeID)
	return nil
}

func (f *fakeCache) RecordWrite(context.Context, string)  { f.writes++ }
func (f *fakeCache) RecordSearch(context.Context, string) { f.searches++ }
func (f *fakeCache) RecordDedupe(context.Context, string) { f.dedupes++ }

func (f *fakeCache) Stats(context.Context, string) (map[string]int64, error) {
	return map[string]int64{"writes": int64(f.writes)}, nil
}

func (f *fakeCache) Ping(context.Context) error { return nil }

type fakeBlobs struct {
	objects    map[string][]byte
	presignURL string
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{objects: map[string][]byte{}} }

func (f *fakeBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	f.objects[key] = data
	return nil
}

func (f *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	return f.objects[key], nil
}

func (f *fakeBlobs) Presign(context.Context, string, time.Duration) (string, error) {
	return f.presignURL, nil
}

type fakeEmbedder struct{ calls []string }

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls = append(f.calls, text)
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) Dim() int { return 3 }

func newTestService() (*Service, *fakeStore, *fakeCache, *fakeBlobs, *fakeEmbedder) {
	st := newFakeStore()
	c := &fakeCache{}
	b := newFakeBlobs()
	e := &fakeEmbedder{}
	return New(st, c, b, e, nil), st, c, b, e
}

// ── Tests ────────────────────────────────────────────────────────────

func TestWriteMemoryNormalizesAndCaches(t *testing.T) {
	svc, st, c, _, emb := newTestService()
	ctx := context.Background()

	entry, err := svc.WriteMemory(ctx, WriteRequest{
		TenantID: "t1",
		Scope:    identity.Scope{ProjectID: identity.String("p1")},
		Kind:     store.KindDecision,
		Content:  "  use   postgres \n for persistence ",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := st.writes[0].Content; got != "use postgres for persistence" {
		t.Errorf("content not normalized: %q", got)
	}
	if emb.calls[0] != " use postgres for persistence" {
		t.Errorf("embed input should be title+space+content, got %q", emb.calls[0])
	}
	if len(c.pushed) != 1 || c.pushed[0] != entry.ID {
		t.Errorf("expected working-set push of %s, got %v", entry.ID, c.pushed)
	}
	if len(c.invalidated) != 1 {
		t.Errorf("expected one scope invalidation, got %v", c.invalidated)
	}
	if c.writes != 1 {
		t.Errorf("expected write counter bump, got %d", c.writes)
	}
	if c.dedupes != 0 {
		t.Errorf("fresh write should not count as dedupe")
	}
}

func TestWriteMemoryDedupeCounter(t *testing.T) {
	svc, st, c, _, _ := newTestService()
	st.nextDeduped = true

	_, err := svc.WriteMemory(context.Background(), WriteRequest{
		TenantID: "t1", Kind: store.KindChatTurn, Content: "hello",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if c.dedupes != 1 {
		t.Errorf("expected dedupe counter bump, got %d", c.dedupes)
	}
}

func TestWriteMemorySurvivesCacheFailure(t *testing.T) {
	svc, _, c, _, _ := newTestService()
	c.pushErr = errors.New("redis down")

	entry, err := svc.WriteMemory(context.Background(), WriteRequest{
		TenantID: "t1", Kind: store.KindChatTurn, Content: "hello",
	})
	if err != nil {
		t.Fatalf("write should survive cache failure: %v", err)
	}
	if entry == nil {
		t.Fatal("expected entry despite cache failure")
	}
}

func TestSearchCacheHitSkipsStore(t *testing.T) {
	svc, st, c, _, emb := newTestService()
	c.cachedHit = []store.SearchResult{{MemoryEntry: store.MemoryEntry{ID: "mem_cached"}, Score: 0.8}}

	got, err := svc.Search(context.Background(), SearchRequest{TenantID: "t1", Query: "q"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "mem_cached" {
		t.Fatalf("expected cached results, got %+v", got)
	}
	if len(st.searched) != 0 {
		t.Error("cache hit must not reach the store")
	}
	if len(emb.calls) != 0 {
		t.Error("cache hit must not embed the query")
	}
}

func TestSearchMissFillsCache(t *testing.T) {
	svc, st, c, _, _ := newTestService()
	st.results = []store.SearchResult{{MemoryEntry: store.MemoryEntry{ID: "mem_1"}, Score: 0.7}}

	got, err := svc.Search(context.Background(), SearchRequest{TenantID: "t1", Query: "q", TopK: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one result, got %d", len(got))
	}
	if len(st.searched) != 1 || st.searched[0].TopK != 5 {
		t.Errorf("store search params wrong: %+v", st.searched)
	}
	if len(c.stored) != 1 {
		t.Errorf("expected cache fill, got %d", len(c.stored))
	}
	if c.searches != 1 {
		t.Errorf("expected search counter bump, got %d", c.searches)
	}
}

func TestSearchTimeRangeBypassesCache(t *testing.T) {
	svc, st, c, _, _ := newTestService()
	start := time.Now().Add(-time.Hour)

	_, err := svc.Search(context.Background(), SearchRequest{
		TenantID: "t1", Query: "q", TimeRangeStart: &start,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if c.probeCount != 0 {
		t.Error("time-ranged search must not probe the cache")
	}
	if len(c.stored) != 0 {
		t.Error("time-ranged search must not fill the cache")
	}
	if len(st.searched) != 1 || st.searched[0].TimeRangeStart == nil {
		t.Errorf("time range not forwarded: %+v", st.searched)
	}
}

func TestGetAggregatesLinksAndAttachments(t *testing.T) {
	svc, st, _, _, _ := newTestService()
	ctx := context.Background()

	a, _ := svc.WriteMemory(ctx, WriteRequest{TenantID: "t1", Kind: store.KindDecision, Content: "a"})
	b, _ := svc.WriteMemory(ctx, WriteRequest{TenantID: "t1", Kind: store.KindDecision, Content: "b"})
	st.CreateLink(ctx, "t1", a.ID, b.ID, store.RelSupports)

	detail, err := svc.Get(ctx, "t1", a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Entry.ID != a.ID {
		t.Errorf("wrong entry: %s", detail.Entry.ID)
	}
	if len(detail.LinkedFrom) != 1 || detail.LinkedFrom[0].ToMemoryID != b.ID {
		t.Errorf("expected outgoing link to %s, got %+v", b.ID, detail.LinkedFrom)
	}
	if len(detail.LinkedTo) != 0 {
		t.Errorf("expected no incoming links, got %+v", detail.LinkedTo)
	}

	if _, err := svc.Get(ctx, "t1", "mem_missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLinkRequiresBothEndpoints(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	ctx := context.Background()

	a, _ := svc.WriteMemory(ctx, WriteRequest{TenantID: "t1", Kind: store.KindDecision, Content: "a"})

	if _, err := svc.Link(ctx, "t1", a.ID, "mem_missing", store.RelRelated); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing target, got %v", err)
	}
	if _, err := svc.Link(ctx, "t1", "mem_missing", a.ID, store.RelRelated); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing source, got %v", err)
	}
}

func TestSummarizeScopeBrief(t *testing.T) {
	svc, st, c, _, _ := newTestService()
	title := "deploy plan"
	st.scopeRows = []store.MemoryEntry{
		{ID: "mem_a", Kind: store.KindDecision, Title: &title, Content: strings.Repeat("x", 300)},
		{ID: "mem_b", Kind: store.KindChatTurn, Content: "short"},
	}

	entry, err := svc.SummarizeScope(context.Background(), "t1", identity.Scope{}, "brief", 50)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if entry.Kind != store.KindSummary {
		t.Errorf("expected summary kind, got %s", entry.Kind)
	}
	if entry.Title == nil || *entry.Title != "scope_summary" {
		t.Errorf("expected scope_summary title, got %v", entry.Title)
	}
	wantTags := []string{"auto_summary", "brief"}
	for i, tag := range wantTags {
		if entry.Tags[i] != tag {
			t.Errorf("tag %d: got %s, want %s", i, entry.Tags[i], tag)
		}
	}
	if !strings.Contains(entry.Content, "Scope summary (2 entries, showing top 2):") {
		t.Errorf("missing header: %q", entry.Content)
	}
	if !strings.Contains(entry.Content, "[decision] deploy plan:") {
		t.Errorf("missing entry line: %q", entry.Content)
	}

	// Two derived_from links back to the sources.
	links, _ := st.LinksFrom(context.Background(), entry.ID)
	if len(links) != 2 {
		t.Errorf("expected 2 derived_from links, got %d", len(links))
	}
	for _, l := range links {
		if l.Relation != store.RelDerivedFrom {
			t.Errorf("expected derived_from, got %s", l.Relation)
		}
	}
	if len(c.invalidated) == 0 {
		t.Error("expected scope invalidation after summary")
	}
}

func TestSummarizeScopeFullMode(t *testing.T) {
	svc, st, _, _, _ := newTestService()
	st.scopeRows = []store.MemoryEntry{
		{ID: "mem_a", Kind: store.KindDecision, Content: "first"},
		{ID: "mem_b", Kind: store.KindDecision, Content: "second"},
	}

	entry, err := svc.SummarizeScope(context.Background(), "t1", identity.Scope{}, "full", 50)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !strings.Contains(entry.Content, "Full scope summary (2 entries):") {
		t.Errorf("missing full header: %q", entry.Content)
	}
	if !strings.Contains(entry.Content, "\n---\n") {
		t.Errorf("full mode should separate entries with ---: %q", entry.Content)
	}
}

func TestSummarizeEmptyScope(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	_, err := svc.SummarizeScope(context.Background(), "t1", identity.Scope{}, "brief", 50)
	if !errors.Is(err, ErrNoEntries) {
		t.Errorf("expected ErrNoEntries, got %v", err)
	}
}

func TestSummarizeLinkFailureIsNonFatal(t *testing.T) {
	svc, st, _, _, _ := newTestService()
	st.scopeRows = []store.MemoryEntry{{ID: "mem_a", Kind: store.KindDecision, Content: "x"}}
	st.linkErr = errors.New("link broke")

	if _, err := svc.SummarizeScope(context.Background(), "t1", identity.Scope{}, "brief", 50); err != nil {
		t.Fatalf("link failures must not fail summarization: %v", err)
	}
}

func TestAttachAndFetchBlobInline(t *testing.T) {
	svc, _, _, blobs, _ := newTestService()
	ctx := context.Background()

	entry, _ := svc.WriteMemory(ctx, WriteRequest{TenantID: "t1", Kind: store.KindDocChunk, Content: "doc"})

	data := []byte("pdf bytes")
	att, err := svc.AttachBlob(ctx, "t1", entry.ID, "report.pdf", "application/pdf", data)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if att.Bytes != int64(len(data)) {
		t.Errorf("byte count: got %d, want %d", att.Bytes, len(data))
	}
	if att.SHA256 != identity.BytesSHA256(data) {
		t.Errorf("sha mismatch")
	}
	if _, ok := blobs.objects[att.BlobKey]; !ok {
		t.Errorf("blob not uploaded under %s", att.BlobKey)
	}

	payload, err := svc.FetchBlob(ctx, "t1", att.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if payload.DownloadURL != "" {
		t.Errorf("local backend should not presign, got %q", payload.DownloadURL)
	}
	if payload.DataBase64 == nil {
		t.Fatal("expected inline base64 data")
	}
	decoded, _ := base64.StdEncoding.DecodeString(*payload.DataBase64)
	if string(decoded) != string(data) {
		t.Errorf("inline bytes mismatch: %q", decoded)
	}
}

func TestFetchBlobPresigned(t *testing.T) {
	svc, _, _, b, _ := newTestService()
	b.presignURL = "https://blobs.example/signed"
	ctx := context.Background()

	entry, _ := svc.WriteMemory(ctx, WriteRequest{TenantID: "t1", Kind: store.KindDocChunk, Content: "doc"})
	att, _ := svc.AttachBlob(ctx, "t1", entry.ID, "a.bin", "application/octet-stream", []byte{1, 2})

	payload, err := svc.FetchBlob(ctx, "t1", att.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if payload.DownloadURL != "https://blobs.example/signed" {
		t.Errorf("expected presigned url, got %q", payload.DownloadURL)
	}
	if payload.DataBase64 != nil {
		t.Error("presigned fetch must not inline bytes")
	}
}

func TestAttachBlobMissingEntry(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	_, err := svc.AttachBlob(context.Background(), "t1", "mem_missing", "f", "text/plain", []byte("x"))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
