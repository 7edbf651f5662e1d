// Package ollama is a client for a local Ollama runtime. It serves both text
// generation for triage and embeddings for the knowledge base.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultURL            = "http://localhost:11434"
	DefaultEmbeddingModel = "all-minilm"

	maxResponseBytes = 8 << 20
)

// Options tunes generation. Zero values are omitted from the request and the
// runtime's model defaults apply.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// Client implements generation, embedding and health checks against Ollama.
type Client struct {
	baseURL string
	opts    Options
	http    *http.Client
}

// New creates an Ollama client. Deadlines come from the caller's context, the
// client itself applies none.
func New(baseURL string, opts Options) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Name returns the backend name.
func (c *Client) Name() string { return "ollama" }

type generateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Format  string   `json:"format,omitempty"`
	Options *Options `json:"options,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs a single non-streaming completion and returns the raw text.
// JSON output mode is requested since every caller parses the answer as JSON.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	req := generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	}
	if c.opts != (Options{}) {
		o := c.opts
		req.Options = &o
	}

	var out generateResponse
	if err := c.post(ctx, "/api/generate", req, &out); err != nil {
		return "", fmt.Errorf("ollama generate %s: %w", model, err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", fmt.Errorf("ollama generate %s: empty response", model)
	}
	return out.Response, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embedder binds a Client to one embedding model.
type Embedder struct {
	client *Client
	model  string
}

// Embedder returns an embedder using model, or the default when empty.
func (c *Client) Embedder(model string) *Embedder {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return &Embedder{client: c, model: model}
}

// Embed returns one vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out embedResponse
	if err := e.client.post(ctx, "/api/embed", embedRequest{Model: e.model, Input: texts}, &out); err != nil {
		return nil, fmt.Errorf("ollama embed %s: %w", e.model, err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed %s: got %d embeddings for %d inputs", e.model, len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

// Health reports whether the runtime answers its model listing endpoint.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request after %s: %w", time.Since(start).Round(time.Millisecond), err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api error %d: %s", resp.StatusCode, truncate(string(respBody), 256))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
