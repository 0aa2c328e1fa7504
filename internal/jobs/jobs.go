// Package jobs holds the scheduled lifecycle maintenance: periodic
// scope summarization, promotion of high-value entries, and pruning of
// stale chat turns. Jobs run to completion over their whole batch;
// per-item failures are logged and skipped, never aborting the run.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/membank/internal/identity"
	"github.com/KafClaw/membank/internal/store"
)

// Store is the durable-store surface the jobs depend on.
type Store interface {
	ActiveScopes(ctx context.Context, tenantID string) ([]string, error)
	TenantScopes(ctx context.Context, tenantID string) ([]string, error)
	ScopeEntries(ctx context.Context, tenantID, scopeID string, limit int, excludeKinds []string) ([]store.MemoryEntry, error)
	WriteEntry(ctx context.Context, params store.WriteParams) (*store.MemoryEntry, error)
	CreateLink(ctx context.Context, tenantID, fromID, toID, relation string) (*store.Link, error)
	PromotionCandidates(ctx context.Context, tenantID string, minReferences, lookbackDays int) ([]store.PromotionCandidate, error)
	AddTag(ctx context.Context, memoryID, tag string) error
	PruneChatTurns(ctx context.Context, tenantID, scopeID string, olderThanDays int) (int64, error)
}

// Cache is the cache surface the jobs depend on.
type Cache interface {
	InvalidateScope(ctx context.Context, tenantID, scopeID string) error
}

// Embedder produces embeddings for generated summaries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Runner executes the lifecycle jobs.
type Runner struct {
	store Store
	cache Cache
	embed Embedder
	log   *slog.Logger
}

// NewRunner constructs a job runner. The logger may be nil.
func NewRunner(st Store, c Cache, e Embedder, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{store: st, cache: c, embed: e, log: log.With("component", "jobs")}
}

// Summarize condenses every scope of the tenant with non-summary
// activity in the last seven days into a durable weekly summary entry.
// Returns the created summary IDs.
func (r *Runner) Summarize(ctx context.Context, tenantID string, maxEntriesPerScope int, mode string) ([]string, error) {
	scopes, err := r.store.ActiveScopes(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list active scopes: %w", err)
	}

	created := []string{}
	for _, scopeID := range scopes {
		summaryID, err := r.summarizeScope(ctx, tenantID, scopeID, maxEntriesPerScope, mode)
		if err != nil {
			r.log.Error("scope summarization failed", "tenant_id", tenantID, "scope_id", scopeID, "error", err)
			continue
		}
		if summaryID != "" {
			created = append(created, summaryID)
		}
	}

	r.log.Info("summarization job complete",
		"tenant_id", tenantID, "scopes", len(scopes), "summaries", len(created))
	return created, nil
}

func (r *Runner) summarizeScope(ctx context.Context, tenantID, scopeID string, maxEntries int, mode string) (string, error) {
	entries, err := r.store.ScopeEntries(ctx, tenantID, scopeID, maxEntries, []string{store.KindSummary})
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	content := identity.Normalize(buildWeeklySummary(entries, mode))
	vec, err := r.embed.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("embed summary: %w", err)
	}

	title := "weekly_summary"
	source := "system"
	entry, err := r.store.WriteEntry(ctx, store.WriteParams{
		TenantID:    tenantID,
		ScopeID:     scopeID,
		Kind:        store.KindSummary,
		Title:       &title,
		Content:     content,
		Tags:        []string{"auto_summary", "scheduled", mode},
		Source:      &source,
		ContentHash: identity.ContentHash(store.KindSummary, title, content),
		Embedding:   vec,
	})
	if err != nil {
		return "", err
	}

	for _, e := range entries {
		if _, err := r.store.CreateLink(ctx, tenantID, entry.ID, e.ID, store.RelDerivedFrom); err != nil {
			r.log.Warn("summary link failed", "summary_id", entry.ID, "entry_id", e.ID, "error", err)
		}
	}

	if err := r.cache.InvalidateScope(ctx, tenantID, scopeID); err != nil {
		r.log.Warn("scope cache invalidation failed", "scope_id", scopeID, "error", err)
	}

	r.log.Info("created scope summary", "summary_id", entry.ID, "scope_id", scopeID)
	return entry.ID, nil
}

const (
	briefLimit   = 20
	previewChars = 200
)

func buildWeeklySummary(entries []store.MemoryEntry, mode string) string {
	if mode == "brief" {
		shown := len(entries)
		if shown > briefLimit {
			shown = briefLimit
		}
		lines := make([]string, 0, shown)
		for _, e := range entries[:shown] {
			preview := e.Content
			if len(preview) > previewChars {
				preview = preview[:previewChars]
			}
			lines = append(lines, entryLine(e, preview))
		}
		return fmt.Sprintf("Weekly summary (%d entries):\n%s", len(entries), strings.Join(lines, "\n"))
	}

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, entryLine(e, e.Content))
	}
	return fmt.Sprintf("Full summary (%d entries):\n%s", len(entries), strings.Join(lines, "\n---\n"))
}

func entryLine(e store.MemoryEntry, content string) string {
	titlePart := ""
	if e.Title != nil && *e.Title != "" {
		titlePart = " " + *e.Title
	}
	return fmt.Sprintf("[%s]%s: %s", e.Kind, titlePart, content)
}

// Promote tags task outcomes referenced at least minReferences times
// within the lookback window. Returns the promoted entry IDs.
func (r *Runner) Promote(ctx context.Context, tenantID string, minReferences, lookbackDays int) ([]string, error) {
	candidates, err := r.store.PromotionCandidates(ctx, tenantID, minReferences, lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("list promotion candidates: %w", err)
	}

	promoted := []string{}
	for _, c := range candidates {
		if err := r.store.AddTag(ctx, c.ID, store.TagPromoted); err != nil {
			r.log.Error("promotion failed", "memory_id", c.ID, "error", err)
			continue
		}
		promoted = append(promoted, c.ID)
		r.log.Info("promoted memory", "memory_id", c.ID, "ref_count", c.RefCount)
	}

	r.log.Info("promotion job complete",
		"tenant_id", tenantID, "candidates", len(candidates), "promoted", len(promoted))
	return promoted, nil
}

// Prune deletes non-promoted chat turns older than the threshold in
// every scope of the tenant. Returns deleted counts per scope (scopes
// with zero deletions are omitted).
func (r *Runner) Prune(ctx context.Context, tenantID string, olderThanDays int) (map[string]int64, error) {
	scopes, err := r.store.TenantScopes(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tenant scopes: %w", err)
	}

	results := map[string]int64{}
	var total int64
	for _, scopeID := range scopes {
		count, err := r.store.PruneChatTurns(ctx, tenantID, scopeID, olderThanDays)
		if err != nil {
			r.log.Error("prune failed", "tenant_id", tenantID, "scope_id", scopeID, "error", err)
			continue
		}
		if count > 0 {
			results[scopeID] = count
			total += count
		}
	}

	r.log.Info("prune job complete",
		"tenant_id", tenantID, "scopes", len(scopes), "total_deleted", total)
	return results, nil
}
