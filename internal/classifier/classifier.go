// Package classifier is the client for the network-intrusion prediction
// service. Every call is bounded by a timeout and reports failure as "no
// verdict" rather than an error, so callers can always proceed without it.
package classifier

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

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/features"
)

const (
	DefaultURL           = "http://ml-inference:8001"
	DefaultTimeout       = 10 * time.Second
	DefaultHealthTimeout = 5 * time.Second

	maxResponseBytes = 1 << 20
)

// Models is the fixed order PredictWithFallback tries the service's models in.
var Models = []string{"random_forest", "xgboost", "decision_tree"}

// Verdict is the classifier's label for a feature vector.
type Verdict struct {
	Prediction      string             `json:"prediction"`
	Confidence      float64            `json:"confidence"`
	Probabilities   map[string]float64 `json:"probabilities,omitempty"`
	ModelUsed       string             `json:"model_used"`
	InferenceTimeMS float64            `json:"inference_time_ms"`
}

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	// OnPredict is called once per prediction attempt. outcome is one of
	// "success", "timeout", "error" or "invalid".
	OnPredict func(model, outcome string, duration float64)
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	Enabled       bool
	Timeout       time.Duration
	HealthTimeout time.Duration
	HTTPClient    *http.Client
}

// Client talks to the prediction service.
type Client struct {
	baseURL       string
	enabled       bool
	timeout       time.Duration
	healthTimeout time.Duration
	http          *http.Client
	logger        log.Logger
	hooks         Hooks
}

// New creates a classifier client. Zero timeouts fall back to the defaults.
func New(opts Options, logger log.Logger, hooks Hooks) *Client {
	if opts.Enabled && opts.BaseURL == "" {
		panic(xerrors.New("classifier.New: base URL is required when enabled"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		enabled:       opts.Enabled,
		timeout:       opts.Timeout,
		healthTimeout: opts.HealthTimeout,
		http:          hc,
		logger:        logger,
		hooks:         hooks,
	}
}

// Enabled reports whether the client will issue requests at all.
func (c *Client) Enabled() bool { return c.enabled }

type predictRequest struct {
	Features  []float64 `json:"features"`
	ModelName string    `json:"model_name"`
}

// predictResponse uses a pointer for confidence so a missing field can be
// told apart from a zero score.
type predictResponse struct {
	Prediction      string             `json:"prediction"`
	Confidence      *float64           `json:"confidence"`
	Probabilities   map[string]float64 `json:"probabilities"`
	ModelUsed       string             `json:"model_used"`
	InferenceTimeMS float64            `json:"inference_time_ms"`
}

// Predict asks the service to classify v with the named model. It returns
// false when the client is disabled, the call fails or times out, or the
// response is malformed.
func (c *Client) Predict(ctx context.Context, v features.Vector, model string) (*Verdict, bool) {
	if !c.enabled {
		return nil, false
	}

	start := time.Now()
	verdict, outcome, err := c.predict(ctx, v, model)
	c.observe(model, outcome, time.Since(start))
	if err != nil {
		c.logger.Warn(ctx, "classifier prediction failed",
			"model", model,
			"outcome", outcome,
			"error", err,
		)
		return nil, false
	}
	return verdict, true
}

func (c *Client) predict(ctx context.Context, v features.Vector, model string) (*Verdict, string, error) {
	if len(v.Values) != features.Dim {
		return nil, "invalid", fmt.Errorf("feature vector has %d values, want %d", len(v.Values), features.Dim)
	}

	body, err := json.Marshal(predictRequest{Features: v.Values, ModelName: model})
	if err != nil {
		return nil, "error", fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, "error", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "timeout", fmt.Errorf("send request: %w", err)
		}
		return nil, "error", fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "error", fmt.Errorf("classifier returned %d: %s", resp.StatusCode, string(snippet))
	}

	var out predictResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, "timeout", fmt.Errorf("decode response: %w", err)
		}
		return nil, "invalid", fmt.Errorf("decode response: %w", err)
	}
	if out.Confidence == nil {
		return nil, "invalid", fmt.Errorf("response has no confidence")
	}
	if *out.Confidence < 0 || *out.Confidence > 1 {
		return nil, "invalid", fmt.Errorf("confidence %v out of range", *out.Confidence)
	}

	used := out.ModelUsed
	if used == "" {
		used = model
	}

	return &Verdict{
		Prediction:      out.Prediction,
		Confidence:      *out.Confidence,
		Probabilities:   out.Probabilities,
		ModelUsed:       used,
		InferenceTimeMS: out.InferenceTimeMS,
	}, "success", nil
}

// PredictAlert extracts features from a and classifies them with model.
func (c *Client) PredictAlert(ctx context.Context, a *alert.Alert, model string) (*Verdict, bool) {
	if !c.enabled {
		return nil, false
	}
	v, ok := features.Extract(a)
	if !ok {
		return nil, false
	}
	return c.Predict(ctx, v, model)
}

// PredictWithFallback tries each of Models in order and returns the first
// successful verdict. Features are extracted once.
func (c *Client) PredictWithFallback(ctx context.Context, a *alert.Alert) (*Verdict, bool) {
	if !c.enabled {
		return nil, false
	}
	v, ok := features.Extract(a)
	if !ok {
		return nil, false
	}
	for _, model := range Models {
		if verdict, ok := c.Predict(ctx, v, model); ok {
			return verdict, true
		}
	}
	return nil, false
}

// Health probes the service with the short health timeout.
func (c *Client) Health(ctx context.Context) bool {
	if !c.enabled {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) observe(model, outcome string, d time.Duration) {
	if c.hooks.OnPredict != nil {
		c.hooks.OnPredict(model, outcome, d.Seconds())
	}
}
