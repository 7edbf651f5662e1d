// Package pgvector stores knowledge documents in PostgreSQL using the
// pgvector extension. Distances are computed with the cosine operator (<=>),
// which yields values in [0,2].
package pgvector

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/linnemanlabs/warden/internal/knowledge"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/knowledge/pgvector")

//go:embed schema.sql
var schema string

// Store implements knowledge.VectorStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema (including CREATE EXTENSION vector) and returns a
// Store. The pool is owned by the caller and must register the vector
// codecs on connect (postgres.NewPool does). Idle connections opened before
// the extension existed are reset so they reconnect with the codecs.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	var installed bool
	if err := pool.QueryRow(ctx, `SELECT to_regtype('vector') IS NOT NULL`).Scan(&installed); err != nil {
		return nil, fmt.Errorf("lookup vector type: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if !installed {
		pool.Reset()
	}
	return &Store{pool: pool}, nil
}

// CreateCollection inserts the collection if it does not exist.
func (s *Store) CreateCollection(ctx context.Context, name string, metadata map[string]string) error {
	ctx, span := startSpan(ctx, "pgvector.CreateCollection", "INSERT", name)
	defer span.End()

	if metadata == nil {
		metadata = map[string]string{}
	}
	md, err := json.Marshal(metadata)
	if err != nil {
		fail(span, err)
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO knowledge_collections (name, metadata) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		name, md,
	); err != nil {
		fail(span, err)
		return fmt.Errorf("insert collection: %w", err)
	}
	return nil
}

// Add upserts documents in one transaction.
func (s *Store) Add(ctx context.Context, collection string, docs []knowledge.Document, embeddings [][]float32) error {
	ctx, span := startSpan(ctx, "pgvector.Add", "INSERT", collection)
	defer span.End()
	span.SetAttributes(attribute.Int("warden.documents", len(docs)))

	if len(docs) != len(embeddings) {
		err := fmt.Errorf("%d documents but %d embeddings", len(docs), len(embeddings))
		fail(span, err)
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		fail(span, err)
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := requireCollection(ctx, tx, collection); err != nil {
		fail(span, err)
		return err
	}

	batch := &pgx.Batch{}
	for i, d := range docs {
		md := d.Metadata
		if md == nil {
			md = map[string]any{}
		}
		mdJSON, err := json.Marshal(md)
		if err != nil {
			fail(span, err)
			return fmt.Errorf("marshal metadata for %s: %w", d.ID, err)
		}
		batch.Queue(
			`INSERT INTO knowledge_documents (collection, id, content, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (collection, id) DO UPDATE SET
				content = EXCLUDED.content,
				metadata = EXCLUDED.metadata,
				embedding = EXCLUDED.embedding`,
			collection, d.ID, d.Content, mdJSON, pgvector.NewVector(embeddings[i]),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		fail(span, err)
		return fmt.Errorf("insert documents: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		fail(span, err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Query returns the topK nearest documents by cosine distance, ascending.
func (s *Store) Query(ctx context.Context, collection string, embedding []float32, topK int) ([]knowledge.Match, error) {
	ctx, span := startSpan(ctx, "pgvector.Query", "SELECT", collection)
	defer span.End()

	if err := requireCollection(ctx, s.pool, collection); err != nil {
		if !errors.Is(err, knowledge.ErrCollectionNotFound) {
			fail(span, err)
		}
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, content, metadata, embedding <=> $2 AS distance
		FROM knowledge_documents
		WHERE collection = $1
		ORDER BY distance
		LIMIT $3`,
		collection, pgvector.NewVector(embedding), topK,
	)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var out []knowledge.Match
	for rows.Next() {
		var (
			m      knowledge.Match
			mdJSON []byte
		)
		if err := rows.Scan(&m.ID, &m.Document, &mdJSON, &m.Distance); err != nil {
			fail(span, err)
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal(mdJSON, &m.Metadata); err != nil {
			fail(span, err)
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		fail(span, err)
		return nil, fmt.Errorf("iterate: %w", err)
	}
	span.SetAttributes(attribute.Int("warden.matches", len(out)))
	return out, nil
}

// Count returns the number of documents in the collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	ctx, span := startSpan(ctx, "pgvector.Count", "SELECT", collection)
	defer span.End()

	if err := requireCollection(ctx, s.pool, collection); err != nil {
		return 0, err
	}
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM knowledge_documents WHERE collection = $1`, collection,
	).Scan(&n); err != nil {
		fail(span, err)
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Collections lists collections with their document counts, by name.
func (s *Store) Collections(ctx context.Context) ([]knowledge.Collection, error) {
	ctx, span := startSpan(ctx, "pgvector.Collections", "SELECT", "knowledge_collections")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT c.name, c.metadata, count(d.id)
		FROM knowledge_collections c
		LEFT JOIN knowledge_documents d ON d.collection = c.name
		GROUP BY c.name, c.metadata
		ORDER BY c.name`)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	out := []knowledge.Collection{}
	for rows.Next() {
		var (
			c      knowledge.Collection
			mdJSON []byte
		)
		if err := rows.Scan(&c.Name, &mdJSON, &c.Count); err != nil {
			fail(span, err)
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal(mdJSON, &c.Metadata); err != nil {
			fail(span, err)
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", c.Name, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		fail(span, err)
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func requireCollection(ctx context.Context, q querier, name string) error {
	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM knowledge_collections WHERE name = $1)`, name,
	).Scan(&exists); err != nil {
		return fmt.Errorf("lookup collection: %w", err)
	}
	if !exists {
		return knowledge.ErrCollectionNotFound
	}
	return nil
}

func startSpan(ctx context.Context, name, op, collection string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("warden.collection", collection),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
