package store

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// hybridQuery fuses two candidate sets in one round trip: the top 50
// entries by cosine distance and the top 50 by trigram similarity over
// content and title, both under identical tenant/scope/filter
// predicates. The final score is 0.75*vec + 0.25*kw, ties broken by
// recency.
const hybridQuery = `
WITH candidates AS (
    SELECT me.id, me.tenant_id, me.scope_id, me.kind, me.title, me.content, me.tags,
           me.source, me.author_agent_id, me.tool_name, me.content_hash,
           me.created_at, me.updated_at,
           1 - (mb.embedding <=> $1) AS vec_score
    FROM memory_entries me
    JOIN memory_embeddings mb ON mb.memory_id = me.id
    WHERE me.tenant_id = $2
      AND me.scope_id = $3
      AND ($4::text[] IS NULL OR me.kind = ANY($4::text[]))
      AND ($5::text[] IS NULL OR me.tags && $5::text[])
      AND ($7::timestamptz IS NULL OR me.created_at >= $7)
      AND ($8::timestamptz IS NULL OR me.created_at <= $8)
    ORDER BY mb.embedding <=> $1
    LIMIT 50
),
keyword AS (
    SELECT me.id,
           GREATEST(
               similarity(me.content, $6),
               similarity(COALESCE(me.title, ''), $6)
           ) AS kw_score
    FROM memory_entries me
    WHERE me.tenant_id = $2
      AND me.scope_id = $3
      AND ($4::text[] IS NULL OR me.kind = ANY($4::text[]))
      AND ($5::text[] IS NULL OR me.tags && $5::text[])
      AND ($7::timestamptz IS NULL OR me.created_at >= $7)
      AND ($8::timestamptz IS NULL OR me.created_at <= $8)
    ORDER BY kw_score DESC
    LIMIT 50
)
SELECT c.id, c.tenant_id, c.scope_id, c.kind, c.title, c.content, c.tags,
       c.source, c.author_agent_id, c.tool_name, c.content_hash,
       c.created_at, c.updated_at,
       (c.vec_score * 0.75 + COALESCE(k.kw_score, 0) * 0.25) AS score
FROM candidates c
LEFT JOIN keyword k ON k.id = c.id
ORDER BY score DESC, c.created_at DESC
LIMIT $9`

// SearchHybrid runs the hybrid retrieval query and returns the top-K
// ranked entries.
func (p *Postgres) SearchHybrid(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	topK := params.TopK
	if topK <= 0 {
		topK = 10
	}

	// nil slices encode as SQL NULL, disabling the predicate.
	var kinds, tags []string
	if len(params.Kinds) > 0 {
		kinds = params.Kinds
	}
	if len(params.Tags) > 0 {
		tags = params.Tags
	}

	rows, err := p.pool.Query(ctx, hybridQuery,
		pgvector.NewVector(params.QueryEmbedding),
		params.TenantID,
		params.ScopeID,
		kinds,
		tags,
		params.QueryText,
		params.TimeRangeStart,
		params.TimeRangeEnd,
		topK,
	)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	defer rows.Close()

	out := []SearchResult{}
	for rows.Next() {
		var r SearchResult
		err := rows.Scan(
			&r.ID, &r.TenantID, &r.ScopeID, &r.Kind, &r.Title, &r.Content, &r.Tags,
			&r.Source, &r.AuthorAgentID, &r.ToolName, &r.ContentHash,
			&r.CreatedAt, &r.UpdatedAt, &r.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		if r.Tags == nil {
			r.Tags = []string{}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
