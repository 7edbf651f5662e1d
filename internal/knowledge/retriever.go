package knowledge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const (
	// DefaultTopK is used when a query asks for zero results.
	DefaultTopK = 3

	// MaxTopK caps a single query.
	MaxTopK = 50

	// IngestBatchSize is the number of documents embedded per round trip.
	IngestBatchSize = 50
)

// Query outcomes reported to Hooks.
const (
	OutcomeHit      = "hit"
	OutcomeEmpty    = "empty"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Hooks receives retrieval measurements. Nil fields are skipped.
type Hooks struct {
	OnQuery  func(collection, outcome string, duration float64)
	OnIngest func(collection string, documents int)
}

// Retriever embeds queries and documents and talks to the vector store.
type Retriever struct {
	store    VectorStore
	embedder Embedder
	logger   log.Logger
	hooks    Hooks
}

// NewRetriever creates a Retriever. Store and embedder are required.
func NewRetriever(store VectorStore, embedder Embedder, logger log.Logger, hooks Hooks) *Retriever {
	if store == nil {
		panic(xerrors.New("knowledge.NewRetriever: store is required"))
	}
	if embedder == nil {
		panic(xerrors.New("knowledge.NewRetriever: embedder is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Retriever{store: store, embedder: embedder, logger: logger, hooks: hooks}
}

// Query returns up to topK documents from collection whose similarity to
// text is at least minSimilarity, most similar first. An empty collection or
// no match above the floor yields an empty, non-nil list.
func (r *Retriever) Query(ctx context.Context, collection, text string, topK int, minSimilarity float64) ([]Result, error) {
	start := time.Now()
	outcome := OutcomeError
	defer func() {
		if r.hooks.OnQuery != nil {
			r.hooks.OnQuery(collection, outcome, time.Since(start).Seconds())
		}
	}()

	if topK <= 0 {
		topK = DefaultTopK
	}
	topK = min(topK, MaxTopK)

	emb, err := r.embedOne(ctx, text)
	if err != nil {
		return nil, err
	}

	matches, err := r.store.Query(ctx, collection, emb, topK)
	if err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			outcome = OutcomeNotFound
			return nil, err
		}
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		sim := Similarity(m.Distance)
		if sim < minSimilarity {
			continue
		}
		md := m.Metadata
		if md == nil {
			md = map[string]any{}
		}
		results = append(results, Result{Document: m.Document, Metadata: md, SimilarityScore: sim})
	}

	outcome = OutcomeHit
	if len(results) == 0 {
		outcome = OutcomeEmpty
	}
	r.logger.Info(ctx, "knowledge query",
		"collection", collection,
		"top_k", topK,
		"min_similarity", minSimilarity,
		"candidates", len(matches),
		"results", len(results),
	)
	return results, nil
}

// Similarity converts a cosine distance in [0,2] into a score in [0,1].
func Similarity(distance float64) float64 {
	s := 1 - distance/2
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}

// EnsureCollection creates the collection if it does not exist.
func (r *Retriever) EnsureCollection(ctx context.Context, name string, metadata map[string]string) error {
	if name == "" {
		return errors.New("collection name is required")
	}
	if err := r.store.CreateCollection(ctx, name, metadata); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// Ingest embeds and stores docs in batches of IngestBatchSize. Documents
// without an ID get a generated one. Every document is checked before the
// first batch is embedded. It returns the number of documents stored before
// any error.
func (r *Retriever) Ingest(ctx context.Context, collection string, docs []Document) (int, error) {
	for i, d := range docs {
		if strings.TrimSpace(d.Content) == "" {
			return 0, fmt.Errorf("%w: document %d has no content", ErrInvalidDocument, i)
		}
	}

	stored := 0
	for batch := range slices.Chunk(docs, IngestBatchSize) {
		texts := make([]string, len(batch))
		prepared := make([]Document, len(batch))
		for i, d := range batch {
			if d.ID == "" {
				d.ID = ulid.Make().String()
			}
			texts[i] = d.Content
			prepared[i] = d
		}

		embs, err := r.embedder.Embed(ctx, texts)
		if err != nil {
			return stored, fmt.Errorf("embed batch: %w", err)
		}
		if len(embs) != len(texts) {
			return stored, fmt.Errorf("embedder returned %d embeddings for %d documents", len(embs), len(texts))
		}
		for _, e := range embs {
			if len(e) != EmbeddingDim {
				return stored, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(e), EmbeddingDim)
			}
		}

		if err := r.store.Add(ctx, collection, prepared, embs); err != nil {
			return stored, fmt.Errorf("add to %s: %w", collection, err)
		}
		stored += len(prepared)
		r.logger.Info(ctx, "ingested batch", "collection", collection, "stored", stored, "total", len(docs))
	}

	if r.hooks.OnIngest != nil && stored > 0 {
		r.hooks.OnIngest(collection, stored)
	}
	return stored, nil
}

// Stats returns the named collection with its document count.
func (r *Retriever) Stats(ctx context.Context, name string) (*Collection, error) {
	cols, err := r.store.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	for _, c := range cols {
		if c.Name == name {
			return &c, nil
		}
	}
	return nil, ErrCollectionNotFound
}

// Collections lists every stored collection.
func (r *Retriever) Collections(ctx context.Context) ([]Collection, error) {
	cols, err := r.store.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	if cols == nil {
		cols = []Collection{}
	}
	return cols, nil
}

// Health reports whether the vector store is reachable.
func (r *Retriever) Health(ctx context.Context) bool {
	if err := r.store.Ping(ctx); err != nil {
		r.logger.Warn(ctx, "vector store unhealthy", "err", err)
		return false
	}
	return true
}

func (r *Retriever) embedOne(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("query text is required")
	}
	embs, err := r.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(embs) != 1 {
		return nil, fmt.Errorf("embedder returned %d embeddings for 1 text", len(embs))
	}
	if len(embs[0]) != EmbeddingDim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embs[0]), EmbeddingDim)
	}
	return embs[0], nil
}
