// Package knowledge retrieves security reference material (MITRE ATT&CK
// techniques, CVEs, runbooks, past incidents) by semantic similarity.
//
// Documents are embedded with an Embedder and stored in a VectorStore. The
// store reports cosine distance in [0,2]; Retriever converts it into a
// similarity score in [0,1] and applies the caller's floor.
package knowledge

import (
	"context"
	"errors"
)

// EmbeddingDim is the dimension every embedding must have (all-MiniLM-L6-v2).
const EmbeddingDim = 384

var (
	// ErrCollectionNotFound is returned when querying or ingesting into a
	// collection that does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrDimensionMismatch is returned when the embedder produces vectors of
	// the wrong size.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidDocument is returned by Ingest when a document cannot be
	// stored. Nothing from the request is stored in that case.
	ErrInvalidDocument = errors.New("invalid document")
)

// Document is a unit of knowledge to be embedded and stored.
type Document struct {
	ID       string         `json:"id,omitempty"`
	Content  string         `json:"document"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is one retrieval hit.
type Result struct {
	Document        string         `json:"document"`
	Metadata        map[string]any `json:"metadata"`
	SimilarityScore float64        `json:"similarity_score"`
}

// Match is a raw nearest-neighbour hit as returned by a VectorStore.
type Match struct {
	ID       string
	Document string
	Metadata map[string]any
	Distance float64
}

// Collection describes a stored collection.
type Collection struct {
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Count    int               `json:"document_count"`
}

// Embedder turns texts into embeddings, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the query contract of the vector database. Query returns at
// most topK matches ordered by ascending cosine distance.
type VectorStore interface {
	CreateCollection(ctx context.Context, name string, metadata map[string]string) error
	Add(ctx context.Context, collection string, docs []Document, embeddings [][]float32) error
	Query(ctx context.Context, collection string, embedding []float32, topK int) ([]Match, error)
	Count(ctx context.Context, collection string) (int, error)
	Collections(ctx context.Context) ([]Collection, error)
	Ping(ctx context.Context) error
}
