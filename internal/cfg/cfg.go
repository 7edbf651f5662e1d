package cfg

import (
	"errors"
	"flag"
	"fmt"
	"slices"
)

// Generation backends.
const (
	BackendOllama = "ollama"
	BackendClaude = "claude"
)

var notifySeverities = []string{"", "critical", "high", "medium", "low", "informational"}

// Config adds warden-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	LLMBackend             string
	OllamaURL              string
	PrimaryModel           string
	FallbackModel          string
	ClaudeAPIKey           string
	ClaudeModel            string
	GenerateTimeoutSeconds int

	ClassifierEnabled       bool
	ClassifierURL           string
	ClassifierTimeoutMillis int

	EmbeddingModel  string
	CollectionsFile string

	DatabaseURL string
	HistorySize int

	SlackWebhookURL   string
	NATSURL           string
	NATSSubject       string
	NotifyMinSeverity string

	MinSeverity          int
	RAGSeverityThreshold int
	BatchConcurrency     int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api routes (empty = no auth)")

	fs.StringVar(&c.LLMBackend, "llm-backend", BackendOllama, "text generation backend (ollama|claude)")
	fs.StringVar(&c.OllamaURL, "ollama-url", "http://localhost:11434", "Ollama base URL, also used for embeddings")
	fs.StringVar(&c.PrimaryModel, "primary-model", "foundation-sec-8b", "primary triage model")
	fs.StringVar(&c.FallbackModel, "fallback-model", "llama3.1:8b", "fallback triage model (empty = none)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude backend")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model used when llm-backend=claude")
	fs.IntVar(&c.GenerateTimeoutSeconds, "generate-timeout-seconds", 60, "per-call generation deadline (1..600)")

	fs.BoolVar(&c.ClassifierEnabled, "classifier-enabled", true, "consult the intrusion classifier before generation")
	fs.StringVar(&c.ClassifierURL, "classifier-url", "http://ml-inference:8001", "intrusion classifier base URL")
	fs.IntVar(&c.ClassifierTimeoutMillis, "classifier-timeout-ms", 10000, "per-prediction classifier deadline in milliseconds (1..60000)")

	fs.StringVar(&c.EmbeddingModel, "embedding-model", "all-minilm", "Ollama embedding model for the knowledge base (384 dimensions)")
	fs.StringVar(&c.CollectionsFile, "collections-file", "", "YAML knowledge collection catalog (empty = built-in catalog)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory stores)")
	fs.IntVar(&c.HistorySize, "history-size", 10000, "verdicts kept by the in-memory history store")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for verdict publication (empty = disabled)")
	fs.StringVar(&c.NATSSubject, "nats-subject", "soc.triage.verdicts", "NATS subject prefix, severity is appended")
	fs.StringVar(&c.NotifyMinSeverity, "notify-min-severity", "high", "lowest verdict severity sent to notifiers (empty = never)")

	fs.IntVar(&c.MinSeverity, "min-severity", 7, "lowest rule level processed by the webhook flow (0..15)")
	fs.IntVar(&c.RAGSeverityThreshold, "rag-severity-threshold", 8, "lowest rule level enriched with knowledge context (0..15)")
	fs.IntVar(&c.BatchConcurrency, "batch-concurrency", 8, "concurrent analyses per batch (0 = unbounded)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	switch c.LLMBackend {
	case BackendOllama:
		if c.OllamaURL == "" {
			errs = append(errs, errors.New("OLLAMA_URL is required for the ollama backend"))
		}
		if c.PrimaryModel == "" {
			errs = append(errs, errors.New("PRIMARY_MODEL is required"))
		}
	case BackendClaude:
		// Claude API key is required for LLM access
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required for the claude backend"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required for the claude backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_BACKEND %q (must be ollama or claude)", c.LLMBackend))
	}

	if c.GenerateTimeoutSeconds <= 0 || c.GenerateTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid GENERATE_TIMEOUT_SECONDS %d (must be 1..600)", c.GenerateTimeoutSeconds))
	}

	if c.ClassifierEnabled && c.ClassifierURL == "" {
		errs = append(errs, errors.New("CLASSIFIER_URL is required when the classifier is enabled"))
	}
	if c.ClassifierTimeoutMillis <= 0 || c.ClassifierTimeoutMillis > 60000 {
		errs = append(errs, fmt.Errorf("invalid CLASSIFIER_TIMEOUT_MS %d (must be 1..60000)", c.ClassifierTimeoutMillis))
	}

	// the vector stores are fixed at 384 dimensions, the model itself is only checked at query time
	if c.EmbeddingModel == "" {
		errs = append(errs, errors.New("EMBEDDING_MODEL is required"))
	}

	if c.DatabaseURL == "" && c.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("invalid HISTORY_SIZE %d (must be > 0 without a database)", c.HistorySize))
	}

	if c.NATSURL != "" && c.NATSSubject == "" {
		errs = append(errs, errors.New("NATS_SUBJECT is required when NATS_URL is set"))
	}
	if !slices.Contains(notifySeverities, c.NotifyMinSeverity) {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_MIN_SEVERITY %q", c.NotifyMinSeverity))
	}

	if c.MinSeverity < 0 || c.MinSeverity > 15 {
		errs = append(errs, fmt.Errorf("invalid MIN_SEVERITY %d (must be 0..15)", c.MinSeverity))
	}
	if c.RAGSeverityThreshold < 0 || c.RAGSeverityThreshold > 15 {
		errs = append(errs, fmt.Errorf("invalid RAG_SEVERITY_THRESHOLD %d (must be 0..15)", c.RAGSeverityThreshold))
	}
	if c.BatchConcurrency < 0 {
		errs = append(errs, fmt.Errorf("invalid BATCH_CONCURRENCY %d (must be >= 0)", c.BatchConcurrency))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
