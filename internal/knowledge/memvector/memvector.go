// Package memvector is an in-process knowledge.VectorStore for tests,
// development and single-node deployments without PostgreSQL.
package memvector

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/linnemanlabs/warden/internal/knowledge"
)

type entry struct {
	doc       knowledge.Document
	embedding []float32
	norm      float64
}

type collection struct {
	metadata map[string]string
	entries  map[string]*entry
	order    []string
}

// Store keeps collections in memory. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

// New returns an empty store.
func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

// CreateCollection creates the collection if it does not exist.
func (s *Store) CreateCollection(_ context.Context, name string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; ok {
		return nil
	}
	s.collections[name] = &collection{
		metadata: maps.Clone(metadata),
		entries:  make(map[string]*entry),
	}
	return nil
}

// Add upserts documents by ID.
func (s *Store) Add(_ context.Context, name string, docs []knowledge.Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("memvector: %d documents but %d embeddings", len(docs), len(embeddings))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return knowledge.ErrCollectionNotFound
	}
	for i, d := range docs {
		if _, exists := c.entries[d.ID]; !exists {
			c.order = append(c.order, d.ID)
		}
		d.Metadata = maps.Clone(d.Metadata)
		emb := slices.Clone(embeddings[i])
		c.entries[d.ID] = &entry{doc: d, embedding: emb, norm: norm(emb)}
	}
	return nil
}

// Query returns the topK nearest documents by cosine distance, ascending.
// Ties keep insertion order.
func (s *Store) Query(_ context.Context, name string, embedding []float32, topK int) ([]knowledge.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, knowledge.ErrCollectionNotFound
	}

	qn := norm(embedding)
	matches := make([]knowledge.Match, 0, len(c.order))
	for _, id := range c.order {
		e := c.entries[id]
		matches = append(matches, knowledge.Match{
			ID:       id,
			Document: e.doc.Content,
			Metadata: maps.Clone(e.doc.Metadata),
			Distance: cosineDistance(embedding, qn, e.embedding, e.norm),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })

	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Count returns the number of documents in the collection.
func (s *Store) Count(_ context.Context, name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return 0, knowledge.ErrCollectionNotFound
	}
	return len(c.entries), nil
}

// Collections lists collections sorted by name.
func (s *Store) Collections(_ context.Context) ([]knowledge.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]knowledge.Collection, 0, len(s.collections))
	for name, c := range s.collections {
		out = append(out, knowledge.Collection{Name: name, Metadata: maps.Clone(c.metadata), Count: len(c.entries)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func norm(v []float32) float64 {
	return float64(blas32.Nrm2(vector(v)))
}

func vector(v []float32) blas32.Vector {
	return blas32.Vector{N: len(v), Inc: 1, Data: v}
}

// cosineDistance is 1 - cos(a,b), in [0,2]. Zero vectors are treated as
// orthogonal to everything.
func cosineDistance(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 || len(a) != len(b) {
		return 1
	}
	dot := float64(blas32.Dot(vector(a), vector(b)))
	d := 1 - dot/(an*bn)
	return math.Max(0, math.Min(2, d))
}
