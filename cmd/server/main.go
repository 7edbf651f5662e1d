// Warden triages security alerts with a local language model, an optional
// intrusion classifier and a MITRE ATT&CK knowledge base.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/warden/internal/alertapi"
	"github.com/linnemanlabs/warden/internal/authmw"
	wc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/classifier"
	"github.com/linnemanlabs/warden/internal/enrich"
	"github.com/linnemanlabs/warden/internal/knowledge"
	"github.com/linnemanlabs/warden/internal/knowledge/memvector"
	"github.com/linnemanlabs/warden/internal/knowledge/pgvector"
	"github.com/linnemanlabs/warden/internal/llm/claude"
	"github.com/linnemanlabs/warden/internal/llm/ollama"
	"github.com/linnemanlabs/warden/internal/notify/natspub"
	"github.com/linnemanlabs/warden/internal/notify/slack"
	"github.com/linnemanlabs/warden/internal/postgres"
	"github.com/linnemanlabs/warden/internal/triage"
	"github.com/linnemanlabs/warden/internal/triage/memstore"
	"github.com/linnemanlabs/warden/internal/triage/pgstore"
)

const appName = "warden"
const component = "server"

const statusPath = "/api/v1/status"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    wc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix WARDEN_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "WARDEN_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// load the collection catalog before anything starts so a bad file fails fast
	catalog, err := knowledge.LoadCatalog(appCfg.CollectionsFile)
	if err != nil {
		return fmt.Errorf("collection catalog: %w", err)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"llm_backend", appCfg.LLMBackend,
		"classifier_enabled", appCfg.ClassifierEnabled,
		"api_auth", appCfg.APIToken != "",
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	triageMetrics := triage.NewMetrics(m.Registry())
	knowledgeMetrics := knowledge.NewMetrics(m.Registry())

	// Shared postgres pool for verdict history and the vector store, every
	// query is traced, timed and attributed to its store method and route.
	var pool *pgxpool.Pool
	if appCfg.DatabaseURL != "" {
		dbMetrics := postgres.NewMetrics(m.Registry())
		pool, err = postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.PoolOptions{
			SlowQuery: 250 * time.Millisecond,
			Observer:  dbMetrics.Observer(),
		})
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
	}

	// Initialize the verdict history store
	var triageStore triage.Store
	if pool != nil {
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		triageStore = pgStore
		L.Info(ctx, "using postgres verdict store")
	} else {
		triageStore = memstore.New(appCfg.HistorySize)
		L.Info(ctx, "using in-memory verdict store (no database-url configured)", "size", appCfg.HistorySize)
	}

	// Ollama serves embeddings in every configuration and generation unless
	// the claude backend is selected.
	ollamaClient := ollama.New(appCfg.OllamaURL, ollama.Options{})

	var (
		gen           triage.Generator
		primaryModel  = appCfg.PrimaryModel
		fallbackModel = appCfg.FallbackModel
		llmProbe      = ollamaClient.Health
	)
	switch appCfg.LLMBackend {
	case wc.BackendClaude:
		claudeClient := claude.New(appCfg.ClaudeAPIKey, claude.DefaultMaxTokens, L)
		gen = claudeClient
		primaryModel, fallbackModel = appCfg.ClaudeModel, ""
		llmProbe = func(context.Context) bool { return true }
	default:
		gen = ollamaClient
	}
	L.Info(ctx, "initialized LLM backend", "backend", appCfg.LLMBackend, "primary_model", primaryModel, "fallback_model", fallbackModel)

	clf := classifier.New(classifier.Options{
		BaseURL: appCfg.ClassifierURL,
		Enabled: appCfg.ClassifierEnabled,
		Timeout: time.Duration(appCfg.ClassifierTimeoutMillis) * time.Millisecond,
	}, L, triageMetrics.ClassifierHooks())

	// Initialize the triage engine (pure - no store dependency).
	engine := triage.NewEngine(gen, clf, triage.EngineOptions{
		PrimaryModel:  primaryModel,
		FallbackModel: fallbackModel,
		Timeout:       time.Duration(appCfg.GenerateTimeoutSeconds) * time.Second,
	}, L, triageMetrics.Hooks())

	// Initialize verdict notifiers.
	var notifiers []triage.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, slack.New(appCfg.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	var publisher *natspub.Publisher
	if appCfg.NATSURL != "" {
		publisher, err = natspub.Connect(appCfg.NATSURL, appCfg.NATSSubject, L)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		notifiers = append(notifiers, publisher)
		L.Info(ctx, "notifier enabled", "type", "nats", "subject", appCfg.NATSSubject)
	}
	notifyMin, _ := triage.ParseSeverity(appCfg.NotifyMinSeverity)

	// Initialize the triage service (owns history, batch fan-out, async notifications).
	triageSvc := triage.NewService(triageStore, engine, L, triageMetrics, triage.ServiceOptions{
		BatchConcurrency:  appCfg.BatchConcurrency,
		NotifyMinSeverity: notifyMin,
	}, notifiers...)

	// Initialize the knowledge base. pgvector needs the extension installed,
	// without it the service keeps running on an in-memory index.
	var vectors knowledge.VectorStore
	if pool != nil {
		pgVectors, err := pgvector.New(ctx, pool)
		if err != nil {
			L.Error(ctx, err, "pgvector init failed, falling back to in-memory knowledge base")
		} else {
			vectors = pgVectors
			L.Info(ctx, "using pgvector knowledge base")
		}
	}
	if vectors == nil {
		vectors = memvector.New()
	}
	retriever := knowledge.NewRetriever(vectors, ollamaClient.Embedder(appCfg.EmbeddingModel), L, knowledgeMetrics.Hooks())
	if err := catalog.Ensure(ctx, retriever); err != nil {
		return fmt.Errorf("knowledge collections: %w", err)
	}
	L.Info(ctx, "knowledge collections ready", "collections", catalog.Names())

	// Wazuh integration flow on top of triage and retrieval.
	enricher := enrich.New(triageSvc, retriever, enrich.Options{
		MinSeverity:  appCfg.MinSeverity,
		RAGThreshold: appCfg.RAGSeverityThreshold,
	}, L)

	var dbProbe func(context.Context) bool
	if pool != nil {
		dbProbe = func(ctx context.Context) bool { return pool.Ping(ctx) == nil }
	}
	probes := statusProbes(appCfg.ClassifierEnabled, llmProbe, clf.Health, retriever.Health, dbProbe)

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Per-request DB accounting, read back by the query tracer
	r.Use(postgres.RequestStats)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Batches and knowledge uploads are large, alertapi applies its own per-API cap below this
	r.Use(httpmw.MaxBody(16 << 20))

	// Bearer auth on the API, status stays open for probes
	if appCfg.APIToken != "" {
		r.Use(authmw.BearerToken(appCfg.APIToken, statusPath, "/-/healthy", "/-/ready"))
	}

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes
	alertapiHTTP := alertapi.New(L, alertapi.Deps{
		Triage:    triageSvc,
		Enricher:  enricher,
		Knowledge: retriever,
		Probes:    probes,
		Version:   vi.Version,
	})
	alertapiHTTP.RegisterRoutes(r)

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	alertapiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start alertapi HTTP server with middleware and handlers
	alertapiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, alertapiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start alertapi http listener")
		return err
	}
	defer func() {
		err := alertapiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop alertapi http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	// Notifications are flushed after the listener stops accepting work and
	// before the publisher drains.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"alertapi http server", alertapiHTTPStop},
		{"triage notifications", waitFn(triageSvc.Wait)},
	}
	if publisher != nil {
		stopFns = append(stopFns, stopFn{"nats publisher", func(context.Context) error { return publisher.Close() }})
	}
	stopFns = append(stopFns,
		stopFn{"ops http server", opsHTTPStop},
		stopFn{"otel", shutdownOtelx},
	)

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// waitFn adapts a blocking wait to a context-bounded stop function. The wait
// keeps running in the background when the context expires first.
// statusProbes lists the dependencies reported by /status. A disabled
// classifier is left out so it does not mark the service partial, and the
// database is reported only when one is configured.
func statusProbes(classifierEnabled bool, llm, clf, kb, db func(context.Context) bool) []alertapi.Probe {
	probes := []alertapi.Probe{{Name: "llm", Required: true, Check: llm}}
	if classifierEnabled {
		probes = append(probes, alertapi.Probe{Name: "classifier", Check: clf})
	}
	probes = append(probes, alertapi.Probe{Name: "knowledge", Check: kb})
	if db != nil {
		probes = append(probes, alertapi.Probe{Name: "database", Required: true, Check: db})
	}
	return probes
}

func waitFn(wait func()) func(context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
