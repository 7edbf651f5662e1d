package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:            60,
		ShutdownBudgetSeconds:   90,
		APIPort:                 8080,
		LLMBackend:              BackendOllama,
		OllamaURL:               "http://localhost:11434",
		PrimaryModel:            "foundation-sec-8b",
		GenerateTimeoutSeconds:  60,
		ClassifierEnabled:       true,
		ClassifierURL:           "http://ml-inference:8001",
		ClassifierTimeoutMillis: 10000,
		EmbeddingModel:          "all-minilm",
		HistorySize:             100,
		NotifyMinSeverity:       "high",
		MinSeverity:             7,
		RAGSeverityThreshold:    8,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.LLMBackend != BackendOllama {
		t.Errorf("LLMBackend = %q, want %q", c.LLMBackend, BackendOllama)
	}
	if c.PrimaryModel != "foundation-sec-8b" || c.FallbackModel != "llama3.1:8b" {
		t.Errorf("models = %q/%q", c.PrimaryModel, c.FallbackModel)
	}
	if c.MinSeverity != 7 || c.RAGSeverityThreshold != 8 {
		t.Errorf("thresholds = %d/%d, want 7/8", c.MinSeverity, c.RAGSeverityThreshold)
	}
	if c.NATSSubject != "soc.triage.verdicts" {
		t.Errorf("NATSSubject = %q", c.NATSSubject)
	}

	// defaults alone must pass validation
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-llm-backend", "claude",
		"-claude-api-key", "sk-override",
		"-claude-model", "claude-opus-4-20250514",
		"-classifier-enabled=false",
		"-database-url", "postgres://warden@db/warden",
		"-nats-url", "nats://nats:4222",
		"-batch-concurrency", "0",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.LLMBackend != BackendClaude {
		t.Errorf("LLMBackend = %q, want claude", c.LLMBackend)
	}
	if c.ClaudeAPIKey != "sk-override" {
		t.Errorf("ClaudeAPIKey = %q, want %q", c.ClaudeAPIKey, "sk-override")
	}
	if c.ClaudeModel != "claude-opus-4-20250514" {
		t.Errorf("ClaudeModel = %q, want %q", c.ClaudeModel, "claude-opus-4-20250514")
	}
	if c.ClassifierEnabled {
		t.Error("ClassifierEnabled = true, want false")
	}
	if c.DatabaseURL != "postgres://warden@db/warden" || c.NATSURL != "nats://nats:4222" {
		t.Errorf("urls = %q/%q", c.DatabaseURL, c.NATSURL)
	}
	if c.BatchConcurrency != 0 {
		t.Errorf("BatchConcurrency = %d, want 0", c.BatchConcurrency)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("overrides do not validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	with := func(mod func(*Config)) Config {
		c := validBase()
		mod(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name:    "minimum valid values",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1 }),
			wantErr: false,
		},
		{
			name:    "maximum valid values",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535 }),
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain negative",
			cfg:       with(func(c *Config) { c.DrainSeconds = -1 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 300, 300 }),
			wantErr: true, // budget must be greater than drain
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget zero",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:    "budget is drain plus one",
			cfg:     with(func(c *Config) { c.ShutdownBudgetSeconds = 61 }),
			wantErr: false,
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Backend selection
		{
			name:      "unknown backend",
			cfg:       with(func(c *Config) { c.LLMBackend = "openai" }),
			wantErr:   true,
			errSubstr: []string{"LLM_BACKEND"},
		},
		{
			name:      "ollama without url",
			cfg:       with(func(c *Config) { c.OllamaURL = "" }),
			wantErr:   true,
			errSubstr: []string{"OLLAMA_URL"},
		},
		{
			name:      "ollama without primary model",
			cfg:       with(func(c *Config) { c.PrimaryModel = "" }),
			wantErr:   true,
			errSubstr: []string{"PRIMARY_MODEL"},
		},
		{
			name:      "claude without key",
			cfg:       with(func(c *Config) { c.LLMBackend, c.ClaudeModel = BackendClaude, "m" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_API_KEY"},
		},
		{
			name:      "claude without model",
			cfg:       with(func(c *Config) { c.LLMBackend, c.ClaudeAPIKey = BackendClaude, "k" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_MODEL"},
		},
		{
			name:    "claude ignores ollama settings",
			cfg:     with(func(c *Config) { c.LLMBackend, c.ClaudeAPIKey, c.ClaudeModel, c.PrimaryModel = BackendClaude, "k", "m", "" }),
			wantErr: false,
		},
		{
			name:      "generate timeout zero",
			cfg:       with(func(c *Config) { c.GenerateTimeoutSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"GENERATE_TIMEOUT_SECONDS"},
		},
		// Classifier
		{
			name:      "classifier enabled without url",
			cfg:       with(func(c *Config) { c.ClassifierURL = "" }),
			wantErr:   true,
			errSubstr: []string{"CLASSIFIER_URL"},
		},
		{
			name:    "classifier disabled without url",
			cfg:     with(func(c *Config) { c.ClassifierEnabled, c.ClassifierURL = false, "" }),
			wantErr: false,
		},
		{
			name:      "classifier timeout too long",
			cfg:       with(func(c *Config) { c.ClassifierTimeoutMillis = 60001 }),
			wantErr:   true,
			errSubstr: []string{"CLASSIFIER_TIMEOUT_MS"},
		},
		// Stores
		{
			name:      "memory history without size",
			cfg:       with(func(c *Config) { c.HistorySize = 0 }),
			wantErr:   true,
			errSubstr: []string{"HISTORY_SIZE"},
		},
		{
			name:    "database ignores history size",
			cfg:     with(func(c *Config) { c.HistorySize, c.DatabaseURL = 0, "postgres://db" }),
			wantErr: false,
		},
		{
			name:      "empty embedding model",
			cfg:       with(func(c *Config) { c.EmbeddingModel = "" }),
			wantErr:   true,
			errSubstr: []string{"EMBEDDING_MODEL"},
		},
		// Notifications
		{
			name:      "nats without subject",
			cfg:       with(func(c *Config) { c.NATSURL, c.NATSSubject = "nats://n:4222", "" }),
			wantErr:   true,
			errSubstr: []string{"NATS_SUBJECT"},
		},
		{
			name:      "unknown notify severity",
			cfg:       with(func(c *Config) { c.NotifyMinSeverity = "urgent" }),
			wantErr:   true,
			errSubstr: []string{"NOTIFY_MIN_SEVERITY"},
		},
		{
			name:    "notifications disabled",
			cfg:     with(func(c *Config) { c.NotifyMinSeverity = "" }),
			wantErr: false,
		},
		// Thresholds
		{
			name:      "min severity above range",
			cfg:       with(func(c *Config) { c.MinSeverity = 16 }),
			wantErr:   true,
			errSubstr: []string{"MIN_SEVERITY"},
		},
		{
			name:      "rag threshold negative",
			cfg:       with(func(c *Config) { c.RAGSeverityThreshold = -1 }),
			wantErr:   true,
			errSubstr: []string{"RAG_SEVERITY_THRESHOLD"},
		},
		{
			name:      "negative batch concurrency",
			cfg:       with(func(c *Config) { c.BatchConcurrency = -1 }),
			wantErr:   true,
			errSubstr: []string{"BATCH_CONCURRENCY"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "LLM_BACKEND", "GENERATE_TIMEOUT_SECONDS", "CLASSIFIER_TIMEOUT_MS", "EMBEDDING_MODEL", "HISTORY_SIZE"},
		},
		// Extreme values
		{
			name:      "extreme negative values",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port int
		backend, key, model string
	}{
		{60, 90, 8080, "ollama", "", ""},
		{60, 90, 8080, "claude", "sk-test", "claude-sonnet"},
		{1, 2, 1, "claude", "k", "m"},
		{299, 300, 65535, "ollama", "k", "m"},
		{0, 0, 0, "", "", ""},
		{-1, -1, -1, "claude", "", ""},
		{300, 300, 65535, "ollama", "k", "m"},
		{301, 302, 65536, "", "", ""},
		{150, 100, 8080, "ollama", "k", "m"},
		{math.MinInt32, math.MinInt32, math.MinInt32, "x", "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, "ollama", "", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.backend, s.key, s.model)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port int, backend, key, model string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.LLMBackend = backend
		c.ClaudeAPIKey = key
		c.ClaudeModel = model
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		var backendOK bool
		switch backend {
		case BackendOllama:
			backendOK = true
		case BackendClaude:
			backendOK = key != "" && model != ""
		}

		allValid := drainOK && budgetOK && portOK && crossOK && backendOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
