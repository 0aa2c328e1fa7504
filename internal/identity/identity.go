// Package identity derives the deterministic IDs used across the memory
// service: scope IDs, memory entry IDs, and attachment IDs. All IDs are
// prefixed and carry the first 24 hex characters of a sha256 digest, so
// deduplication reduces to a uniqueness constraint in the store.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Scope is the hierarchical context that isolates memory between agent
// sessions. All four dimensions are optional; nil means the dimension
// is unset and is distinct from an empty string.
type Scope struct {
	ChannelID      *string `json:"channel_id,omitempty"`
	ConversationID *string `json:"conversation_id,omitempty"`
	ProjectID      *string `json:"project_id,omitempty"`
	TaskID         *string `json:"task_id,omitempty"`
}

// dim renders a scope dimension for ID derivation. Unset dimensions
// contribute the literal "None" so that derivation matches across
// writers regardless of how absence is spelled on the wire.
func dim(p *string) string {
	if p == nil {
		return "None"
	}
	return *p
}

// ScopeID returns the derived scope identifier for a tenant and scope
// tuple. Same inputs always produce the same ID.
func ScopeID(tenantID string, scope Scope) string {
	key := tenantID + "|" + dim(scope.ChannelID) + "|" + dim(scope.ConversationID) +
		"|" + dim(scope.ProjectID) + "|" + dim(scope.TaskID)
	return "sc_" + sha256Hex(key)[:24]
}

// Normalize trims outer whitespace and collapses any interior run of
// whitespace to a single space. It is applied once before hashing and
// once before persistence; both must see identical bytes or dedupe
// breaks.
func Normalize(content string) string {
	return strings.Join(strings.Fields(content), " ")
}

// ContentHash computes the dedupe hash for an entry. The title may be
// empty; content is normalized before hashing.
func ContentHash(kind, title, content string) string {
	return sha256Hex(kind + "|" + title + "|" + Normalize(content))
}

// MemoryID returns the entry ID for a content hash.
func MemoryID(contentHash string) string {
	return "mem_" + contentHash[:24]
}

// AttachmentID returns the content-addressed ID for attachment bytes.
func AttachmentID(data []byte) string {
	return "att_" + BytesSHA256(data)[:24]
}

// BytesSHA256 returns the lowercase hex sha256 of raw bytes.
func BytesSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// String returns a pointer to s, for building optional scope dimensions.
func String(s string) *string { return &s }
