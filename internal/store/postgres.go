// Package store is the durable persistence layer: PostgreSQL with the
// pgvector and pg_trgm extensions. Every query predicate includes the
// tenant so cross-tenant reads are impossible by construction.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/KafClaw/membank/internal/identity"
)

// ErrNotFound is returned when a requested row does not exist under
// the tenant.
var ErrNotFound = errors.New("not found")

// Postgres provides all durable operations for the memory service.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New connects a pool with the given bounds and verifies connectivity.
func New(ctx context.Context, dsn string, minPool, maxPool int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pg dsn: %w", err)
	}
	if minPool > 0 {
		cfg.MinConns = int32(minPool)
	}
	if maxPool > 0 {
		cfg.MaxConns = int32(maxPool)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Postgres{pool: pool, log: slog.Default().With("component", "store")}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping verifies connectivity for health checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// EnsureTenant creates the tenant row on first reference.
func (p *Postgres) EnsureTenant(ctx context.Context, tenantID string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO tenants (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		tenantID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("ensure tenant: %w", err)
	}
	return nil
}

// EnsureScope upserts the scope row and returns its derived ID. Scopes
// are never mutated after creation.
func (p *Postgres) EnsureScope(ctx context.Context, tenantID string, scope identity.Scope) (string, error) {
	scopeID := identity.ScopeID(tenantID, scope)
	_, err := p.pool.Exec(ctx,
		`INSERT INTO scopes (id, tenant_id, channel_id, conversation_id, project_id, task_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		scopeID, tenantID, scope.ChannelID, scope.ConversationID, scope.ProjectID, scope.TaskID,
	)
	if err != nil {
		return "", fmt.Errorf("ensure scope: %w", err)
	}
	return scopeID, nil
}

const entryColumns = `id, tenant_id, scope_id, kind, title, content, tags,
	source, author_agent_id, tool_name, content_hash, created_at, updated_at`

func scanEntry(row pgx.Row) (*MemoryEntry, error) {
	var e MemoryEntry
	err := row.Scan(
		&e.ID, &e.TenantID, &e.ScopeID, &e.Kind, &e.Title, &e.Content, &e.Tags,
		&e.Source, &e.AuthorAgentID, &e.ToolName, &e.ContentHash, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	return &e, nil
}

// WriteEntry performs the transactional write contract: upsert the
// entry keyed by (tenant, scope, kind, content_hash), upsert the
// embedding in lockstep, and return the canonical row. Any failure
// aborts the whole transaction.
func (p *Postgres) WriteEntry(ctx context.Context, params WriteParams) (*MemoryEntry, error) {
	memID := identity.MemoryID(params.ContentHash)
	tags := params.Tags
	if tags == nil {
		tags = []string{}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin write: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO memory_entries
			(id, tenant_id, scope_id, kind, title, content, tags,
			 source, author_agent_id, tool_name, content_hash)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (tenant_id, scope_id, kind, content_hash)
		 DO UPDATE SET updated_at = now()`,
		memID, params.TenantID, params.ScopeID, params.Kind, params.Title,
		params.Content, tags, params.Source, params.AuthorAgentID,
		params.ToolName, params.ContentHash,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert entry: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO memory_embeddings (memory_id, embedding)
		 VALUES ($1, $2)
		 ON CONFLICT (memory_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		memID, pgvector.NewVector(params.Embedding),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert embedding: %w", err)
	}

	entry, err := scanEntry(tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM memory_entries WHERE id = $1 AND tenant_id = $2`,
		memID, params.TenantID,
	))
	if err != nil {
		return nil, fmt.Errorf("read back entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit write: %w", err)
	}
	return entry, nil
}

// GetEntry fetches one entry under the tenant.
func (p *Postgres) GetEntry(ctx context.Context, tenantID, memoryID string) (*MemoryEntry, error) {
	entry, err := scanEntry(p.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM memory_entries WHERE id = $1 AND tenant_id = $2`,
		memoryID, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

// CreateLink inserts the edge idempotently; on collision the existing
// row is returned unchanged.
func (p *Postgres) CreateLink(ctx context.Context, tenantID, fromID, toID, relation string) (*Link, error) {
	var l Link
	err := p.pool.QueryRow(ctx,
		`INSERT INTO memory_links (tenant_id, from_memory_id, to_memory_id, relation)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (from_memory_id, to_memory_id, relation) DO NOTHING
		 RETURNING id, from_memory_id, to_memory_id, relation, created_at`,
		tenantID, fromID, toID, relation,
	).Scan(&l.ID, &l.FromMemoryID, &l.ToMemoryID, &l.Relation, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Link already existed, fetch it.
		err = p.pool.QueryRow(ctx,
			`SELECT id, from_memory_id, to_memory_id, relation, created_at
			 FROM memory_links
			 WHERE from_memory_id = $1 AND to_memory_id = $2 AND relation = $3`,
			fromID, toID, relation,
		).Scan(&l.ID, &l.FromMemoryID, &l.ToMemoryID, &l.Relation, &l.CreatedAt)
	}
	if err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}
	return &l, nil
}

func (p *Postgres) queryLinks(ctx context.Context, query, memoryID string) ([]Link, error) {
	rows, err := p.pool.Query(ctx, query, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	links := []Link{}
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.ID, &l.FromMemoryID, &l.ToMemoryID, &l.Relation, &l.CreatedAt); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// LinksFrom returns edges whose source is the given entry.
func (p *Postgres) LinksFrom(ctx context.Context, memoryID string) ([]Link, error) {
	links, err := p.queryLinks(ctx,
		`SELECT id, from_memory_id, to_memory_id, relation, created_at
		 FROM memory_links WHERE from_memory_id = $1`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("links from: %w", err)
	}
	return links, nil
}

// LinksTo returns edges whose target is the given entry.
func (p *Postgres) LinksTo(ctx context.Context, memoryID string) ([]Link, error) {
	links, err := p.queryLinks(ctx,
		`SELECT id, from_memory_id, to_memory_id, relation, created_at
		 FROM memory_links WHERE to_memory_id = $1`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("links to: %w", err)
	}
	return links, nil
}

// WriteAttachment records blob metadata for an entry. Attachment IDs
// are content-addressed, so re-attaching identical bytes is idempotent.
func (p *Postgres) WriteAttachment(ctx context.Context, a Attachment, tenantID string) (*Attachment, error) {
	var out Attachment
	err := p.pool.QueryRow(ctx,
		`INSERT INTO memory_attachments
			(id, tenant_id, memory_id, blob_key, filename, mime_type, bytes, sha256)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING id, memory_id, blob_key, filename, mime_type, bytes, sha256, created_at`,
		a.ID, tenantID, a.MemoryID, a.BlobKey, a.Filename, a.MimeType, a.Bytes, a.SHA256,
	).Scan(&out.ID, &out.MemoryID, &out.BlobKey, &out.Filename, &out.MimeType, &out.Bytes, &out.SHA256, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		err = p.pool.QueryRow(ctx,
			`SELECT id, memory_id, blob_key, filename, mime_type, bytes, sha256, created_at
			 FROM memory_attachments WHERE id = $1 AND tenant_id = $2`,
			a.ID, tenantID,
		).Scan(&out.ID, &out.MemoryID, &out.BlobKey, &out.Filename, &out.MimeType, &out.Bytes, &out.SHA256, &out.CreatedAt)
	}
	if err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}
	return &out, nil
}

// GetAttachment fetches one attachment under the tenant.
func (p *Postgres) GetAttachment(ctx context.Context, tenantID, attachmentID string) (*Attachment, error) {
	var a Attachment
	err := p.pool.QueryRow(ctx,
		`SELECT id, memory_id, blob_key, filename, mime_type, bytes, sha256, created_at
		 FROM memory_attachments WHERE id = $1 AND tenant_id = $2`,
		attachmentID, tenantID,
	).Scan(&a.ID, &a.MemoryID, &a.BlobKey, &a.Filename, &a.MimeType, &a.Bytes, &a.SHA256, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return &a, nil
}

// Attachments lists attachments of an entry under the tenant.
func (p *Postgres) Attachments(ctx context.Context, tenantID, memoryID string) ([]Attachment, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, memory_id, blob_key, filename, mime_type, bytes, sha256, created_at
		 FROM memory_attachments WHERE memory_id = $1 AND tenant_id = $2`,
		memoryID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	out := []Attachment{}
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MemoryID, &a.BlobKey, &a.Filename, &a.MimeType, &a.Bytes, &a.SHA256, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ScopeEntries returns the most recent entries for a scope, newest
// first, optionally excluding kinds. Used by summarization.
func (p *Postgres) ScopeEntries(ctx context.Context, tenantID, scopeID string, limit int, excludeKinds []string) ([]MemoryEntry, error) {
	if excludeKinds == nil {
		excludeKinds = []string{}
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM memory_entries
		 WHERE tenant_id = $1 AND scope_id = $2
		   AND ($3::text[] = '{}' OR kind != ALL($3::text[]))
		 ORDER BY created_at DESC
		 LIMIT $4`,
		tenantID, scopeID, excludeKinds, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("scope entries: %w", err)
	}
	defer rows.Close()

	out := []MemoryEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// ActiveScopes returns scope IDs with any non-summary entry in the
// last seven days.
func (p *Postgres) ActiveScopes(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT s.id
		 FROM scopes s
		 JOIN memory_entries me ON me.scope_id = s.id
		 WHERE s.tenant_id = $1
		   AND me.created_at >= now() - interval '7 days'
		   AND me.kind != 'summary'`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("active scopes: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

// TenantScopes returns every scope ID of the tenant.
func (p *Postgres) TenantScopes(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM scopes WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant scopes: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PromotionCandidates finds task outcomes created within the lookback
// window, not yet promoted, referenced by at least minReferences links.
func (p *Postgres) PromotionCandidates(ctx context.Context, tenantID string, minReferences, lookbackDays int) ([]PromotionCandidate, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT me.id, me.kind, me.title, me.tags, me.created_at,
		        COUNT(ml.id) AS ref_count
		 FROM memory_entries me
		 JOIN memory_links ml ON ml.to_memory_id = me.id
		 WHERE me.tenant_id = $1
		   AND me.kind = 'task_outcome'
		   AND me.created_at >= now() - make_interval(days => $3)
		   AND NOT ('promoted' = ANY(me.tags))
		 GROUP BY me.id
		 HAVING COUNT(ml.id) >= $2`,
		tenantID, minReferences, lookbackDays,
	)
	if err != nil {
		return nil, fmt.Errorf("promotion candidates: %w", err)
	}
	defer rows.Close()

	out := []PromotionCandidate{}
	for rows.Next() {
		var c PromotionCandidate
		if err := rows.Scan(&c.ID, &c.Kind, &c.Title, &c.Tags, &c.CreatedAt, &c.RefCount); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddTag appends a tag to an entry unless already present.
func (p *Postgres) AddTag(ctx context.Context, memoryID, tag string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE memory_entries
		 SET tags = array_append(tags, $2), updated_at = now()
		 WHERE id = $1 AND NOT ($2 = ANY(tags))`,
		memoryID, tag,
	)
	if err != nil {
		return fmt.Errorf("add tag: %w", err)
	}
	return nil
}

// PruneChatTurns deletes non-promoted chat turns older than the
// threshold in one scope. Returns the number of rows removed.
func (p *Postgres) PruneChatTurns(ctx context.Context, tenantID, scopeID string, olderThanDays int) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM memory_entries
		 WHERE tenant_id = $1
		   AND scope_id = $2
		   AND kind = 'chat_turn'
		   AND created_at < now() - make_interval(days => $3)
		   AND NOT ('promoted' = ANY(tags))`,
		tenantID, scopeID, olderThanDays,
	)
	if err != nil {
		return 0, fmt.Errorf("prune chat turns: %w", err)
	}
	return tag.RowsAffected(), nil
}

// healthTimeout bounds health-check round trips.
const healthTimeout = 5 * time.Second

// Healthy runs a bounded connectivity probe.
func (p *Postgres) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return p.pool.Ping(ctx)
}
