package alertapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/knowledge"
)

// Retrieval request bounds.
const (
	defaultTopK          = 3
	maxTopK              = 10
	defaultMinSimilarity = 0.7
)

type retrieveRequest struct {
	Query         string   `json:"query"`
	Collection    string   `json:"collection"`
	TopK          *int     `json:"top_k"`
	MinSimilarity *float64 `json:"min_similarity"`
}

type retrieveResponse struct {
	Query        string             `json:"query"`
	Collection   string             `json:"collection"`
	Results      []knowledge.Result `json:"results"`
	TotalResults int                `json:"total_results"`
}

func (a *API) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	if a.knowledge == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge base not configured")
		return
	}

	var req retrieveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.Collection == "" {
		req.Collection = knowledge.CollectionMITRE
	}
	topK := defaultTopK
	if req.TopK != nil {
		if *req.TopK < 1 || *req.TopK > maxTopK {
			writeError(w, http.StatusBadRequest, "top_k must be between 1 and 10")
			return
		}
		topK = *req.TopK
	}
	minSim := defaultMinSimilarity
	if req.MinSimilarity != nil {
		if *req.MinSimilarity < 0 || *req.MinSimilarity > 1 {
			writeError(w, http.StatusBadRequest, "min_similarity must be between 0 and 1")
			return
		}
		minSim = *req.MinSimilarity
	}

	results, err := a.knowledge.Query(r.Context(), req.Collection, req.Query, topK, minSim)
	if err != nil {
		a.writeKnowledgeError(w, r, err, req.Collection)
		return
	}
	writeJSON(w, http.StatusOK, retrieveResponse{
		Query:        req.Query,
		Collection:   req.Collection,
		Results:      results,
		TotalResults: len(results),
	})
}

type ingestRequest struct {
	Documents []knowledge.Document `json:"documents"`
}

type ingestResponse struct {
	Collection string `json:"collection"`
	Ingested   int    `json:"documents_ingested"`
}

func (a *API) handleIngestDocuments(w http.ResponseWriter, r *http.Request) {
	if a.knowledge == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge base not configured")
		return
	}

	collection := chi.URLParam(r, "collection")
	var req ingestRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "documents are required")
		return
	}

	n, err := a.knowledge.Ingest(r.Context(), collection, req.Documents)
	if err != nil {
		a.writeKnowledgeError(w, r, err, collection)
		return
	}
	a.logger.Info(r.Context(), "documents ingested", "collection", collection, "count", n)
	writeJSON(w, http.StatusOK, ingestResponse{Collection: collection, Ingested: n})
}

type collectionsResponse struct {
	Collections []knowledge.Collection `json:"collections"`
}

func (a *API) handleCollections(w http.ResponseWriter, r *http.Request) {
	if a.knowledge == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge base not configured")
		return
	}
	cols, err := a.knowledge.Collections(r.Context())
	if err != nil {
		a.writeKnowledgeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, collectionsResponse{Collections: cols})
}

func (a *API) writeKnowledgeError(w http.ResponseWriter, r *http.Request, err error, collection string) {
	switch {
	case errors.Is(err, knowledge.ErrCollectionNotFound):
		writeError(w, http.StatusNotFound, "collection not found")
		return
	case errors.Is(err, knowledge.ErrInvalidDocument):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Error(r.Context(), err, "knowledge request failed", "collection", collection)
	writeError(w, http.StatusInternalServerError, "internal error")
}
