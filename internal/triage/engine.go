package triage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/classifier"
)

const (
	DefaultPrimaryModel    = "foundation-sec-8b"
	DefaultFallbackModel   = "llama3.1:8b"
	DefaultGenerateTimeout = 60 * time.Second
)

const tracerName = "github.com/linnemanlabs/warden/internal/triage"

// Generator is any text-generation backend.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// Classifier supplies the optional attack-type prediction for the prompt.
type Classifier interface {
	PredictWithFallback(ctx context.Context, al *alert.Alert) (*classifier.Verdict, bool)
}

// EngineOptions configures model selection and the per-call deadline.
type EngineOptions struct {
	PrimaryModel  string
	FallbackModel string
	Timeout       time.Duration

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Outcome labels for engine completion.
const (
	OutcomeSuccess     = "success"
	OutcomeUnavailable = "unavailable"
	OutcomeMalformed   = "malformed"
	OutcomeInternal    = "internal"
)

// CompleteEvent summarises one Analyze call for instrumentation.
type CompleteEvent struct {
	Outcome      string
	Model        string
	Duration     float64
	UsedFallback bool
	Classified   bool
}

// EngineHooks are optional callbacks for instrumentation.
type EngineHooks struct {
	OnGenerate func(model, outcome string, duration float64)
	OnComplete func(e *CompleteEvent)
}

// Engine turns one alert into a verdict: classifier context, a single prompt,
// generation with one fallback model, and strict parsing. It holds no state
// between calls and is safe for concurrent use.
type Engine struct {
	gen      Generator
	clf      Classifier
	primary  string
	fallback string
	timeout  time.Duration
	tracer   trace.Tracer
	logger   log.Logger
	hooks    EngineHooks
}

// NewEngine creates a triage engine. clf may be nil to run without
// classifier context.
func NewEngine(gen Generator, clf Classifier, opts EngineOptions, logger log.Logger, hooks EngineHooks) *Engine {
	if gen == nil {
		panic(xerrors.New("triage.NewEngine: generator is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.PrimaryModel == "" {
		opts.PrimaryModel = DefaultPrimaryModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultGenerateTimeout
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Engine{
		gen:      gen,
		clf:      clf,
		primary:  opts.PrimaryModel,
		fallback: opts.FallbackModel,
		timeout:  opts.Timeout,
		tracer:   tp.Tracer(tracerName),
		logger:   logger,
		hooks:    hooks,
	}
}

// Models returns the generation order: primary, then the fallback when one is
// configured and differs from the primary.
func (e *Engine) Models() []string {
	if e.fallback == "" || e.fallback == e.primary {
		return []string{e.primary}
	}
	return []string{e.primary, e.fallback}
}

// Analyze produces a verdict for al. It returns false when every model failed
// or the answer could not be parsed; it never returns partial verdicts.
func (e *Engine) Analyze(ctx context.Context, al *alert.Alert) (*Verdict, bool) {
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "triage.Analyze", trace.WithAttributes(
		attribute.String("warden.alert.id", al.ID),
		attribute.Int("warden.alert.rule_level", al.RuleLevel),
	))
	defer span.End()

	L := e.logger.With("alert_id", al.ID, "rule_level", al.RuleLevel)
	ev := &CompleteEvent{}
	defer func() {
		ev.Duration = time.Since(start).Seconds()
		span.SetAttributes(attribute.String("warden.triage.outcome", ev.Outcome))
		if e.hooks.OnComplete != nil {
			e.hooks.OnComplete(ev)
		}
	}()

	var cv *classifier.Verdict
	if e.clf != nil {
		if v, ok := e.clf.PredictWithFallback(ctx, al); ok {
			cv = v
			ev.Classified = true
			span.SetAttributes(
				attribute.String("warden.classifier.prediction", v.Prediction),
				attribute.Float64("warden.classifier.confidence", v.Confidence),
			)
		}
	}

	prompt := buildPrompt(al, cv)

	raw, model, ok := e.generate(ctx, L, prompt)
	if !ok {
		ev.Outcome = OutcomeUnavailable
		span.SetStatus(codes.Error, "all models unavailable")
		L.Warn(ctx, "no model produced an answer", "models", e.Models())
		return nil, false
	}
	ev.Model = model
	ev.UsedFallback = model != e.primary

	v, err := parseVerdict(raw)
	if err != nil {
		ev.Outcome = OutcomeMalformed
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed answer")
		L.Warn(ctx, "discarding malformed model answer",
			"model", model,
			"error", err,
			"answer_len", len(raw),
		)
		return nil, false
	}

	v.AlertID = al.ID
	v.ModelUsed = model
	if cv != nil {
		v.MLPrediction = cv.Prediction
		conf := cv.Confidence
		v.MLConfidence = &conf
	}
	v.ProcessingTimeMS = time.Since(start).Milliseconds()
	v.AnalyzedAt = time.Now().UTC()

	ev.Outcome = OutcomeSuccess
	span.SetAttributes(
		attribute.String("warden.triage.model", model),
		attribute.String("warden.triage.severity", string(v.Severity)),
		attribute.String("warden.triage.category", string(v.Category)),
	)
	L.Info(ctx, "alert analyzed",
		"model", model,
		"severity", v.Severity,
		"category", v.Category,
		"confidence", v.Confidence,
		"ml_prediction", v.MLPrediction,
		"duration_ms", v.ProcessingTimeMS,
	)
	return v, true
}

// generate tries each model once under its own deadline. A cancelled parent
// context stops the fallback attempt.
func (e *Engine) generate(ctx context.Context, L log.Logger, prompt string) (string, string, bool) {
	for _, model := range e.Models() {
		if ctx.Err() != nil {
			return "", "", false
		}

		cctx, span := e.tracer.Start(ctx, "llm.call", trace.WithAttributes(
			attribute.String("gen_ai.operation.name", "generate"),
			attribute.String("gen_ai.request.model", model),
			attribute.Int("warden.prompt.bytes", len(prompt)),
		))
		cctx, cancel := context.WithTimeout(cctx, e.timeout)
		start := time.Now()
		out, err := e.gen.Generate(cctx, model, prompt)
		timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded)
		cancel()

		outcome := "success"
		switch {
		case err != nil && timedOut:
			outcome = "timeout"
		case err != nil:
			outcome = "error"
		}
		span.SetAttributes(attribute.String("warden.llm.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		if e.hooks.OnGenerate != nil {
			e.hooks.OnGenerate(model, outcome, time.Since(start).Seconds())
		}

		if err == nil {
			return out, model, true
		}
		L.Warn(ctx, "model generation failed",
			"model", model,
			"outcome", outcome,
			"error", err,
		)
	}
	return "", "", false
}
