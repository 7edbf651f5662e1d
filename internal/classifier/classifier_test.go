package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/features"
)

func testAlert() *alert.Alert {
	return &alert.Alert{
		ID:              "alert-1",
		RuleDescription: "Port scan detected",
		RuleLevel:       10,
		SourceIP:        "203.0.113.7",
		DestPort:        22,
	}
}

func newTestClient(t *testing.T, url string, hooks Hooks) *Client {
	t.Helper()
	return New(Options{
		BaseURL:       url,
		Enabled:       true,
		Timeout:       2 * time.Second,
		HealthTimeout: time.Second,
	}, log.Nop(), hooks)
}

func TestPredict_Success(t *testing.T) {
	t.Parallel()

	var got predictRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"prediction": "PortScan",
			"confidence": 0.94,
			"probabilities": {"PortScan": 0.94, "BENIGN": 0.06},
			"model_used": "random_forest",
			"inference_time_ms": 3.2
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Hooks{})
	v, ok := features.Extract(testAlert())
	if !ok {
		t.Fatal("expected features")
	}

	verdict, ok := c.Predict(context.Background(), v, "random_forest")
	if !ok {
		t.Fatal("Predict returned none")
	}
	if verdict.Prediction != "PortScan" || verdict.Confidence != 0.94 {
		t.Errorf("verdict = %+v", verdict)
	}
	if verdict.Probabilities["BENIGN"] != 0.06 {
		t.Errorf("probabilities = %v", verdict.Probabilities)
	}
	if len(got.Features) != features.Dim {
		t.Errorf("sent %d features, want %d", len(got.Features), features.Dim)
	}
	if got.ModelName != "random_forest" {
		t.Errorf("model_name = %q", got.ModelName)
	}
}

func TestPredict_None(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		outcome string
	}{
		{"server error", http.StatusInternalServerError, `{"detail":"boom"}`, "error"},
		{"not found", http.StatusNotFound, `{}`, "error"},
		{"missing confidence", http.StatusOK, `{"prediction":"DDoS"}`, "invalid"},
		{"confidence out of range", http.StatusOK, `{"prediction":"DDoS","confidence":1.7}`, "invalid"},
		{"not json", http.StatusOK, `<html>`, "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			var outcome string
			c := newTestClient(t, srv.URL, Hooks{OnPredict: func(_, o string, _ float64) { outcome = o }})
			v, _ := features.Extract(testAlert())
			if _, ok := c.Predict(context.Background(), v, "xgboost"); ok {
				t.Fatal("expected no verdict")
			}
			if outcome != tt.outcome {
				t.Errorf("outcome = %q, want %q", outcome, tt.outcome)
			}
		})
	}
}

func TestPredict_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	var outcome string
	c := New(Options{BaseURL: srv.URL, Enabled: true, Timeout: 50 * time.Millisecond}, log.Nop(),
		Hooks{OnPredict: func(_, o string, _ float64) { outcome = o }})
	v, _ := features.Extract(testAlert())

	start := time.Now()
	if _, ok := c.Predict(context.Background(), v, "random_forest"); ok {
		t.Fatal("expected no verdict on timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Predict took %v, want bounded by timeout", elapsed)
	}
	if outcome != "timeout" {
		t.Errorf("outcome = %q, want timeout", outcome)
	}
}

func TestPredict_Disabled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Enabled: false}, nil, Hooks{})
	if _, ok := c.PredictWithFallback(context.Background(), testAlert()); ok {
		t.Fatal("disabled client returned a verdict")
	}
	if c.Health(context.Background()) {
		t.Error("disabled client reported healthy")
	}
	if calls.Load() != 0 {
		t.Errorf("disabled client made %d requests", calls.Load())
	}
}

func TestPredict_WrongDimension(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Hooks{})
	if _, ok := c.Predict(context.Background(), features.Vector{Values: []float64{1, 2}}, "random_forest"); ok {
		t.Fatal("expected no verdict for short vector")
	}
	if calls.Load() != 0 {
		t.Errorf("made %d requests for an invalid vector", calls.Load())
	}
}

func TestPredictWithFallback_StopsAtFirstSuccess(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		models []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req predictRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		models = append(models, req.ModelName)
		mu.Unlock()

		if req.ModelName == "random_forest" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"prediction":"DDoS","confidence":0.8,"model_used":"` + req.ModelName + `"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Hooks{})
	verdict, ok := c.PredictWithFallback(context.Background(), testAlert())
	if !ok {
		t.Fatal("expected verdict from second model")
	}
	if verdict.ModelUsed != "xgboost" {
		t.Errorf("ModelUsed = %q, want xgboost", verdict.ModelUsed)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(models) != 2 {
		t.Fatalf("requests = %v, want exactly [random_forest xgboost]", models)
	}
	if models[0] != "random_forest" || models[1] != "xgboost" {
		t.Errorf("model order = %v", models)
	}
}

func TestPredictWithFallback_AllFail(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Hooks{})
	if _, ok := c.PredictWithFallback(context.Background(), testAlert()); ok {
		t.Fatal("expected no verdict")
	}
	if int(calls.Load()) != len(Models) {
		t.Errorf("calls = %d, want %d", calls.Load(), len(Models))
	}
}

func TestPredictWithFallback_NoFeatures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Hooks{})
	empty := &alert.Alert{ID: "a", RuleDescription: "no signal"}
	if _, ok := c.PredictWithFallback(context.Background(), empty); ok {
		t.Fatal("expected no verdict")
	}
	if _, ok := c.PredictAlert(context.Background(), empty, "random_forest"); ok {
		t.Fatal("expected no verdict")
	}
	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", calls.Load())
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer healthy.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	if !newTestClient(t, healthy.URL, Hooks{}).Health(context.Background()) {
		t.Error("expected healthy")
	}
	if newTestClient(t, down.URL, Hooks{}).Health(context.Background()) {
		t.Error("expected unhealthy on 503")
	}
	if newTestClient(t, "http://127.0.0.1:1", Hooks{}).Health(context.Background()) {
		t.Error("expected unhealthy on connection refused")
	}
}

func TestNew_PanicsWithoutURL(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic for enabled client without URL")
		}
	}()
	New(Options{Enabled: true}, log.Nop(), Hooks{})
}
