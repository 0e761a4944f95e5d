package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/agentgate-io/agentgate/internal/adapter/inbound/admin"
	"github.com/agentgate-io/agentgate/internal/adapter/inbound/http"
	"github.com/agentgate-io/agentgate/internal/adapter/outbound/broker"
	"github.com/agentgate-io/agentgate/internal/adapter/outbound/localexec"
	"github.com/agentgate-io/agentgate/internal/adapter/outbound/mcpexec"
	"github.com/agentgate-io/agentgate/internal/adapter/outbound/memory"
	"github.com/agentgate-io/agentgate/internal/adapter/outbound/opa"
	redisadapter "github.com/agentgate-io/agentgate/internal/adapter/outbound/redis"
	"github.com/agentgate-io/agentgate/internal/adapter/outbound/sqlite"
	"github.com/agentgate-io/agentgate/internal/adapter/outbound/webhook"
	"github.com/agentgate-io/agentgate/internal/config"
	"github.com/agentgate-io/agentgate/internal/domain/approval"
	"github.com/agentgate-io/agentgate/internal/domain/auth"
	"github.com/agentgate-io/agentgate/internal/domain/evidence"
	"github.com/agentgate-io/agentgate/internal/domain/incident"
	"github.com/agentgate-io/agentgate/internal/domain/killswitch"
	"github.com/agentgate-io/agentgate/internal/domain/pii"
	"github.com/agentgate-io/agentgate/internal/domain/policy"
	"github.com/agentgate-io/agentgate/internal/domain/ratelimit"
	"github.com/agentgate-io/agentgate/internal/domain/replay"
	"github.com/agentgate-io/agentgate/internal/domain/taint"
	"github.com/agentgate-io/agentgate/internal/domain/trace"
	"github.com/agentgate-io/agentgate/internal/port/outbound"
	"github.com/agentgate-io/agentgate/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the agentgate containment gateway.

The gateway serves the public tool-call API, the Prometheus exposition, and
(when admin API keys are configured) the operator API under /admin/.

Examples:
  # Start with config file settings
  agentgate serve

  # Start with a specific config file
  agentgate --config /path/to/agentgate.yaml serve

  # Start against a remote policy engine
  AGENTGATE_POLICY_OPA_URL=http://localhost:8181 agentgate serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C hard-kills.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("agentgate stopped")
	return nil
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// ===== Tracing (optional) =====
	var tracer oteltrace.Tracer
	if cfg.Telemetry.OTELEnabled {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		tracer = tp.Tracer("agentgate")
		logger.Info("otel tracing enabled", "exporter", "stdout")
	}

	// ===== Persistence =====
	store, err := sqlite.Open(ctx, cfg.Trace.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open trace database: %w", err)
	}
	defer func() { _ = store.Close() }()
	logger.Info("trace journal opened", "path", cfg.Trace.DBPath)

	// ===== Kill switch store =====
	var kv outbound.KV
	if cfg.Redis.URL != "" {
		redisKV, err := redisadapter.New(cfg.Redis.URL, logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() { _ = redisKV.Close() }()
		kv = redisKV
		logger.Info("kill switch store: redis")
	} else {
		kv = memory.NewKV()
		logger.Info("kill switch store: in-memory (single process)")
	}
	killer := killswitch.New(kv, logger)

	// ===== Admission control =====
	limiter := ratelimit.New(cfg.RateLimit.WindowSeconds, nil, cfg.RateLimit.DefaultLimit)
	taints := taint.New(store, cfg.DLP.BlockedLabels, cfg.DLP.ExfiltrationTools, logger)

	// ===== Credential broker =====
	var creds outbound.CredentialBroker
	if cfg.Broker.URL != "" {
		creds = broker.NewHTTP(cfg.Broker.URL, logger)
		logger.Info("credential broker: http", "url", cfg.Broker.URL)
	} else {
		creds = broker.NewStatic()
		logger.Info("credential broker: static (in-process)")
	}

	// ===== Incident containment =====
	var notifier outbound.Notifier
	if cfg.Incident.WebhookURL != "" {
		notifier = webhook.New(cfg.Incident.WebhookURL, logger)
	}
	coordinator := incident.NewCoordinator(cfg.Incident.RiskThreshold, store, creds, killer, notifier, logger)
	if err := coordinator.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap incident coordinator: %w", err)
	}

	// ===== Approval workflows =====
	workflows := approval.NewEngine(store, logger)
	if err := workflows.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap approval engine: %w", err)
	}

	// ===== Policy subsystem =====
	exceptions, err := policy.NewExceptionManager(store, logger)
	if err != nil {
		return fmt.Errorf("create exception manager: %w", err)
	}
	if err := exceptions.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap exceptions: %w", err)
	}

	evaluator := policy.NewLocalEvaluator(policy.Bundle{}, cfg.Policy.ApprovalToken, workflows)
	loader := service.NewPolicyLoader(cfg.Policy.Path, []byte(cfg.Policy.PackageSecret),
		cfg.Policy.RequireSigned, evaluator, limiter, logger)
	if cfg.Policy.Path != "" {
		if err := loader.Reload(); err != nil {
			return fmt.Errorf("load policy package: %w", err)
		}
	} else {
		logger.Warn("no policy package configured, running deny-by-default")
	}

	lifecycle := policy.NewLifecycle(store)
	if err := lifecycle.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap policy lifecycle: %w", err)
	}
	lifecycle.SetOnPublish(func(rev policy.Revision) {
		loader.Install(rev.Version, rev.Bundle)
		logger.Info("published policy revision installed",
			"revision_id", rev.RevisionID, "version", rev.Version)
	})

	var policyClient policy.Client = evaluator
	var opaClient *opa.Client
	if cfg.Policy.OPAURL != "" {
		opaClient = opa.New(cfg.Policy.OPAURL, evaluator, logger)
		policyClient = opaClient
		logger.Info("policy engine: opa (fail-closed)", "url", cfg.Policy.OPAURL)
	} else {
		logger.Info("policy engine: local evaluator")
	}

	// ===== Executor =====
	var executor outbound.Executor
	if cfg.Executor.MCPEndpoint != "" {
		executor = mcpexec.New(cfg.Executor.MCPEndpoint, logger)
		logger.Info("executor: mcp", "endpoint", cfg.Executor.MCPEndpoint)
	} else {
		executor = localexec.New()
		logger.Info("executor: local echo")
	}

	// ===== Metrics =====
	registry := prometheus.NewRegistry()
	metrics := service.NewMetrics(registry)
	coordinator.SetOnQuarantine(func(incident.Record) { metrics.QuarantinesTotal.Inc() })

	// ===== Gateway pipeline =====
	gw := service.NewGatewayService(service.GatewayParams{
		Policy:        policyClient,
		Exceptions:    exceptions,
		KillSwitch:    killer,
		RateLimiter:   limiter,
		Taints:        taints,
		Coordinator:   coordinator,
		Workflows:     workflows,
		Broker:        creds,
		Executor:      executor,
		Traces:        store,
		PolicyVersion: loader.Version,
		Metrics:       metrics,
		Tracer:        tracer,
		Logger:        logger,
	})

	// ===== Evidence export =====
	mode, err := pii.ParseMode(cfg.PII.Mode)
	if err != nil {
		return fmt.Errorf("parse pii mode: %w", err)
	}
	scrubber := pii.NewScrubber(mode, cfg.PII.TokenSalt)
	renderers := []evidence.Renderer{evidence.JSONRenderer{}, evidence.HTMLRenderer{}}
	if pdf, ok := evidence.ProbePDFRenderer(); ok {
		renderers = append(renderers, pdf)
	}
	exporter := evidence.NewExporter(store, scrubber.Scrub, renderers...)

	// ===== Transparency anchoring =====
	anchorer := trace.NewAnchorer(store, cfg.Trace.AnchorURL, logger)
	go anchorLoop(ctx, anchorer, store,
		time.Duration(cfg.Trace.AnchorIntervalSeconds)*time.Second, logger)

	// ===== Replay and rollouts =====
	replayer := replay.NewReplayer(store, store, logger)
	rollouts := replay.NewRolloutController(replayer, store, replay.Budget{}, logger)

	// ===== HTTP surface =====
	opaProbe := func(ctx context.Context) bool {
		if opaClient == nil {
			return true
		}
		return opaClient.Healthy(ctx)
	}
	kvProbe := func(ctx context.Context) bool { return kv.Ping(ctx) == nil }
	health := http.NewHealthChecker(Version, opaProbe, kvProbe)

	public := http.NewHandler(gw, killer, store, exporter, health)

	opts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
	}
	if len(cfg.Admin.APIKeys) > 0 {
		adminHandler := admin.New(admin.Params{
			Verifier:    auth.NewVerifier(cfg.Admin.APIKeys),
			Loader:      loader,
			Lifecycle:   lifecycle,
			Workflows:   workflows,
			Exceptions:  exceptions,
			Replayer:    replayer,
			Rollouts:    rollouts,
			Coordinator: coordinator,
			Incidents:   store,
			Limiter:     limiter,
			Logger:      logger,
		})
		opts = append(opts, http.WithAdminHandler(adminHandler.Routes()))
		logger.Info("admin api enabled", "path", "/admin/", "keys", len(cfg.Admin.APIKeys))
	} else {
		logger.Info("admin api disabled (no api keys configured)")
	}

	transport := http.NewTransport(public, registry, opts...)

	logger.Info("agentgate starting",
		"version", Version,
		"http_addr", cfg.Server.HTTPAddr,
		"policy_version", loader.Version(),
		"opa", cfg.Policy.OPAURL != "",
		"redis", cfg.Redis.URL != "",
		"risk_threshold", cfg.Incident.RiskThreshold,
	)
	return transport.Start(ctx)
}

// anchorLoop periodically writes a Merkle checkpoint for every known session.
func anchorLoop(ctx context.Context, anchorer *trace.Anchorer, store trace.Store, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, err := store.ListSessions(ctx)
			if err != nil {
				logger.Warn("anchor sweep: listing sessions failed", "error", err)
				continue
			}
			for _, session := range sessions {
				if _, err := anchorer.Anchor(ctx, session); err != nil {
					logger.Warn("anchor sweep: checkpoint failed",
						"session_id", session, "error", err)
				}
			}
		}
	}
}

// parseLogLevel converts a string log level to slog.Level. Unrecognized
// values fall back to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
