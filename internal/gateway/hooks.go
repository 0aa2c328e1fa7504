// Package gateway holds the automatic memory capture hooks the event
// pipeline invokes around agent activity, plus the preflight context
// assembler nodes call before task execution. Hooks degrade gracefully:
// any failure is logged and swallowed, and the pipeline never blocks on
// memory capture.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/membank/internal/identity"
	"github.com/KafClaw/membank/internal/service"
	"github.com/KafClaw/membank/internal/store"
)

// Memory is the service surface the gateway integrations depend on.
type Memory interface {
	WriteMemory(ctx context.Context, req service.WriteRequest) (*store.MemoryEntry, error)
	Search(ctx context.Context, req service.SearchRequest) ([]store.SearchResult, error)
	Link(ctx context.Context, tenantID, fromID, toID, relation string) (*store.Link, error)
	WorkingSet(ctx context.Context, tenantID string, scope identity.Scope) ([]string, error)
}

// Hooks captures agent activity into memory.
type Hooks struct {
	svc Memory
	log *slog.Logger
}

// NewHooks constructs the capture hooks. The logger may be nil.
func NewHooks(svc Memory, log *slog.Logger) *Hooks {
	if log == nil {
		log = slog.Default()
	}
	return &Hooks{svc: svc, log: log.With("component", "gateway")}
}

// OnMessageReceived writes an incoming message as a chat turn. Returns
// the memory ID, or an empty string when the message is blank or the
// write fails.
func (h *Hooks) OnMessageReceived(ctx context.Context, tenantID string, scope identity.Scope, content string, authorAgentID *string, tags []string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}

	source := "gateway"
	entry, err := h.svc.WriteMemory(ctx, service.WriteRequest{
		TenantID:      tenantID,
		Scope:         scope,
		Kind:          store.KindChatTurn,
		Content:       content,
		Tags:          tags,
		Source:        &source,
		AuthorAgentID: authorAgentID,
	})
	if err != nil {
		h.log.Error("on_message_received failed", "tenant_id", tenantID, "error", err)
		return ""
	}

	h.log.Info("captured chat turn", "memory_id", entry.ID, "scope_id", entry.ScopeID)
	return entry.ID
}

// TaskCompleted carries one task-completion event into the hook.
type TaskCompleted struct {
	TenantID          string
	Scope             identity.Scope
	Title             string
	Content           string
	Tags              []string
	AuthorAgentID     *string
	ToolName          *string
	ArtifactMemoryIDs []string
}

// OnTaskCompleted writes a task outcome. The tool name joins the tags
// when absent, and artifact entries are linked best-effort. Returns the
// memory ID, or an empty string when the content is blank or the write
// fails.
func (h *Hooks) OnTaskCompleted(ctx context.Context, ev TaskCompleted) string {
	if strings.TrimSpace(ev.Content) == "" {
		return ""
	}

	tags := append([]string(nil), ev.Tags...)
	if ev.ToolName != nil && *ev.ToolName != "" && !contains(tags, *ev.ToolName) {
		tags = append(tags, *ev.ToolName)
	}

	source := "gateway"
	entry, err := h.svc.WriteMemory(ctx, service.WriteRequest{
		TenantID:      ev.TenantID,
		Scope:         ev.Scope,
		Kind:          store.KindTaskOutcome,
		Title:         &ev.Title,
		Content:       ev.Content,
		Tags:          tags,
		Source:        &source,
		AuthorAgentID: ev.AuthorAgentID,
		ToolName:      ev.ToolName,
	})
	if err != nil {
		h.log.Error("on_task_completed failed", "tenant_id", ev.TenantID, "error", err)
		return ""
	}

	for _, artifactID := range ev.ArtifactMemoryIDs {
		if _, err := h.svc.Link(ctx, ev.TenantID, entry.ID, artifactID, store.RelRelated); err != nil {
			h.log.Warn("artifact link failed", "memory_id", entry.ID, "artifact_id", artifactID, "error", err)
		}
	}

	h.log.Info("captured task outcome", "memory_id", entry.ID, "title", ev.Title, "scope_id", entry.ScopeID)
	return entry.ID
}

// OnToolCompleted records a tool completion as a task outcome titled
// after the tool.
func (h *Hooks) OnToolCompleted(ctx context.Context, tenantID string, scope identity.Scope, toolName, resultSummary string, authorAgentID *string, tags []string) string {
	return h.OnTaskCompleted(ctx, TaskCompleted{
		TenantID:      tenantID,
		Scope:         scope,
		Title:         "Tool result: " + toolName,
		Content:       resultSummary,
		Tags:          tags,
		AuthorAgentID: authorAgentID,
		ToolName:      &toolName,
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ── Preflight ────────────────────────────────────────────────────────

// preflightKinds limits preflight retrieval to durable knowledge.
var preflightKinds = []string{
	store.KindTaskOutcome, store.KindDecision, store.KindRunbook, store.KindSummary,
}

// TaskContext is the prior context assembled for a node before task
// execution.
type TaskContext struct {
	Memories      []store.SearchResult `json:"memories"`
	WorkingSetIDs []string             `json:"working_set_ids"`
	KnownContext  string               `json:"known_context"`
}

// Preflight assembles prior context ahead of task execution.
type Preflight struct {
	svc Memory
	log *slog.Logger
}

// NewPreflight constructs the context assembler. The logger may be nil.
func NewPreflight(svc Memory, log *slog.Logger) *Preflight {
	if log == nil {
		log = slog.Default()
	}
	return &Preflight{svc: svc, log: log.With("component", "preflight")}
}

// Context retrieves relevant prior outcomes and the working set for a
// task, formatted for agent prompt injection.
func (p *Preflight) Context(ctx context.Context, tenantID string, scope identity.Scope, taskTitle, taskDescription string, topK int) (*TaskContext, error) {
	query := taskTitle
	if taskDescription != "" {
		query = taskTitle + " " + taskDescription
	}
	if topK <= 0 {
		topK = 5
	}

	memories, err := p.svc.Search(ctx, service.SearchRequest{
		TenantID: tenantID,
		Scope:    scope,
		Query:    query,
		TopK:     topK,
		Kinds:    preflightKinds,
	})
	if err != nil {
		return nil, fmt.Errorf("preflight search: %w", err)
	}

	workingSet, err := p.svc.WorkingSet(ctx, tenantID, scope)
	if err != nil {
		p.log.Warn("working set read failed", "tenant_id", tenantID, "error", err)
		workingSet = []string{}
	}

	p.log.Info("preflight context assembled",
		"tenant_id", tenantID, "task", taskTitle,
		"memories", len(memories), "working_set", len(workingSet))

	return &TaskContext{
		Memories:      memories,
		WorkingSetIDs: workingSet,
		KnownContext:  formatKnownContext(memories),
	}, nil
}

const contextSnippetChars = 500

// formatKnownContext renders retrieved memories as a markdown block for
// prompt injection.
func formatKnownContext(memories []store.SearchResult) string {
	if len(memories) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Known Context (from prior tasks)\n")
	for i, m := range memories {
		title := "untitled"
		if m.Title != nil && *m.Title != "" {
			title = *m.Title
		}
		content := m.Content
		if len(content) > contextSnippetChars {
			content = content[:contextSnippetChars] + "..."
		}
		tagStr := ""
		if len(m.Tags) > 0 {
			tagStr = " [" + strings.Join(m.Tags, ", ") + "]"
		}
		fmt.Fprintf(&b, "\n### %d. [%s] %s (relevance: %.2f)%s\n%s\n", i+1, m.Kind, title, m.Score, tagStr, content)
	}
	return b.String()
}
