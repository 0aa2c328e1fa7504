package store

import "time"

// Entry kinds.
const (
	KindChatTurn    = "chat_turn"
	KindTaskOutcome = "task_outcome"
	KindDecision    = "decision"
	KindRunbook     = "runbook"
	KindDocChunk    = "doc_chunk"
	KindSummary     = "summary"
)

// Link relations.
const (
	RelSupports    = "supports"
	RelDerivedFrom = "derived_from"
	RelDuplicates  = "duplicates"
	RelSupersedes  = "supersedes"
	RelRelated     = "related"
)

// TagPromoted marks entries protected from pruning and biased in
// retrieval.
const TagPromoted = "promoted"

var validKinds = map[string]bool{
	KindChatTurn:    true,
	KindTaskOutcome: true,
	KindDecision:    true,
	KindRunbook:     true,
	KindDocChunk:    true,
	KindSummary:     true,
}

var validRelations = map[string]bool{
	RelSupports:    true,
	RelDerivedFrom: true,
	RelDuplicates:  true,
	RelSupersedes:  true,
	RelRelated:     true,
}

// ValidKind reports whether kind is a recognized entry kind.
func ValidKind(kind string) bool { return validKinds[kind] }

// ValidRelation reports whether relation is a recognized link relation.
func ValidRelation(relation string) bool { return validRelations[relation] }

// MemoryEntry is the atomic unit of stored knowledge.
type MemoryEntry struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	ScopeID       string     `json:"scope_id"`
	Kind          string     `json:"kind"`
	Title         *string    `json:"title,omitempty"`
	Content       string     `json:"content"`
	Tags          []string   `json:"tags"`
	Source        *string    `json:"source,omitempty"`
	AuthorAgentID *string    `json:"author_agent_id,omitempty"`
	ToolName      *string    `json:"tool_name,omitempty"`
	ContentHash   string     `json:"content_hash"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// Deduped reports whether this row predates the write that returned it,
// i.e. the write hit the uniqueness constraint and only touched
// updated_at.
func (e *MemoryEntry) Deduped() bool {
	return e.UpdatedAt != nil && e.UpdatedAt.After(e.CreatedAt)
}

// SearchResult is an entry with its hybrid retrieval score. The score
// fuses vector and trigram similarity and is an opaque comparable
// scalar, not a probability.
type SearchResult struct {
	MemoryEntry
	Score float64 `json:"score"`
}

// Link is a directed typed edge between two entries of one tenant.
type Link struct {
	ID           int64     `json:"id"`
	FromMemoryID string    `json:"from_memory_id"`
	ToMemoryID   string    `json:"to_memory_id"`
	Relation     string    `json:"relation"`
	CreatedAt    time.Time `json:"created_at"`
}

// Attachment is blob metadata belonging to an entry.
type Attachment struct {
	ID        string    `json:"id"`
	MemoryID  string    `json:"memory_id"`
	BlobKey   string    `json:"blob_key"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type"`
	Bytes     int64     `json:"bytes"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// PromotionCandidate is a task outcome referenced often enough to be
// tagged promoted.
type PromotionCandidate struct {
	ID        string
	Kind      string
	Title     *string
	Tags      []string
	CreatedAt time.Time
	RefCount  int64
}

// WriteParams carries one entry write through the transactional
// contract: upsert entry, upsert embedding, return the canonical row.
type WriteParams struct {
	TenantID      string
	ScopeID       string
	Kind          string
	Title         *string
	Content       string // normalized by the caller
	Tags          []string
	Source        *string
	AuthorAgentID *string
	ToolName      *string
	ContentHash   string
	Embedding     []float32
}

// SearchParams carries the hybrid query inputs and metadata filters.
type SearchParams struct {
	TenantID       string
	ScopeID        string
	QueryEmbedding []float32
	QueryText      string
	TopK           int
	Kinds          []string
	Tags           []string
	TimeRangeStart *time.Time
	TimeRangeEnd   *time.Time
}
