package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/guardian-supervisor/guardian/internal/alert"
	"github.com/guardian-supervisor/guardian/internal/approval"
	"github.com/guardian-supervisor/guardian/internal/config"
	"github.com/guardian-supervisor/guardian/internal/httpapi"
	"github.com/guardian-supervisor/guardian/internal/pipeline"
	"github.com/guardian-supervisor/guardian/internal/policy"
	"github.com/guardian-supervisor/guardian/internal/scorer"
	"github.com/guardian-supervisor/guardian/internal/storage"
	"github.com/guardian-supervisor/guardian/internal/stream"
	"github.com/guardian-supervisor/guardian/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "guardian",
		Short: "Policy-enforcement supervisor for autonomous agent actions",
		Long:  "Guardian Supervisor intercepts agent-proposed actions and renders ALLOW/REWRITE/BLOCK/REQUIRE_APPROVAL decisions.",
	}

	var configFile string
	var port int

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP evaluate/decide/approvals API and the stream worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, port)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: guardian.yaml)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 6777)")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Guardian Supervisor %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy management commands",
	}

	policyValidateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config and confirm the policy store loads without error",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyValidate(configFile)
		},
	}
	policyValidateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	policyReloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Confirm a running Guardian instance is live (policies reload on every evaluation)",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			resp, err := http.Post(fmt.Sprintf("http://localhost:%d/evaluate", p), "application/json", strings.NewReader(`{}`))
			if err != nil {
				return fmt.Errorf("failed to connect to guardian: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			fmt.Printf("guardian responded %d — policies are loaded fresh from storage on every evaluation, no server-side cache to invalidate\n", resp.StatusCode)
			return nil
		},
	}

	policyCmd.AddCommand(policyValidateCmd, policyReloadCmd)

	rootCmd.AddCommand(serveCmd, initCmd, versionCmd, policyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(configFile string, portOverride int) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg := cfgLoader.Get()
	applyEnvOverrides(cfg)
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}

	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	store, err := storage.Open(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	exprEval, err := policy.NewExprEvaluator(logger)
	if err != nil {
		logger.Warn("CEL evaluator unavailable, rules with an expr clause will be dropped", "error", err)
		exprEval = nil
	}

	allowlist := map[string][]string{
		policy.AllowlistSentinel: cfg.Policy.ExternalDomainsAllowlist,
	}
	policyStore := policy.NewStore(store, allowlist, exprEval, logger)
	engine := policy.NewEngine(logger, exprEval)

	var sc scorer.Scorer = scorer.Disabled{}
	if cfg.Scorer.Enabled {
		sc = scorer.NewHTTPScorer(scorer.Config{
			BaseURL: cfg.Scorer.BaseURL,
			APIKey:  cfg.Scorer.APIKey,
			Model:   cfg.Scorer.Model,
			Timeout: cfg.Scorer.Timeout,
		}, logger)
	}

	alertMgr := alert.NewManager(cfg.Alerts, logger)
	go alertMgr.Run(context.Background(), 10*time.Minute)

	approvals := approval.NewRegistry(store, logger)

	pipe := pipeline.New(policyStore, engine, sc, alertMgr, store, logger)

	broker, err := stream.NewRedisBroker(cfg.Stream.BrokerURL, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to stream broker: %w", err)
	}
	defer func() { _ = broker.Close() }()

	w := worker.New(broker, pipe, worker.Config{
		IntentStream:   cfg.Stream.IntentStream,
		DecisionStream: cfg.Stream.DecisionStream,
		Group:          cfg.Stream.ConsumerGroup,
		Consumer:       cfg.Stream.ConsumerName,
	}, logger)

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	go func() {
		if err := w.Run(workerCtx); err != nil {
			logger.Error("stream worker exited", "error", err)
		}
	}()

	apiServer := httpapi.NewServer(pipe, approvals, broker, cfg.Stream.IntentStream, cfg.Stream.ApprovalDecisionStream, logger)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	if configFile != "" {
		if err := cfgLoader.Watch(logger, func(reloaded *config.Config) {
			logger.Info("config reloaded from disk", "path", configFile)
		}); err != nil {
			logger.Warn("failed to watch config file for hot-reload", "error", err)
		}
		defer cfgLoader.StopWatch()
	}

	fmt.Println()
	fmt.Println("  Guardian Supervisor " + version)
	fmt.Printf("  → HTTP:     http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("  → Storage:  %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Printf("  → Stream:   %s (group %s)\n", cfg.Stream.BrokerURL, cfg.Stream.ConsumerGroup)
	fmt.Printf("  → Scorer:   enabled=%v\n", cfg.Scorer.Enabled)
	fmt.Printf("  → Fail mode: %s\n", cfg.Server.FailMode)
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancelWorker()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = httpServer.Shutdown(shutCtx)
	}()

	logger.Info("starting HTTP server", "port", cfg.Server.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	<-workerCtx.Done()
	return nil
}

func runInit() error {
	configPath := "guardian.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
		return nil
	}
	if err := config.GenerateDefault(configPath); err != nil {
		return err
	}
	fmt.Printf("  ✓ Generated %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    guardian policy validate   # confirm config + rules load")
	fmt.Println("    guardian serve             # start the API and stream worker")
	return nil
}

func runPolicyValidate(configFile string) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
	}
	cfg := cfgLoader.Get()
	applyEnvOverrides(cfg)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := storage.Open(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	exprEval, err := policy.NewExprEvaluator(logger)
	if err != nil {
		return fmt.Errorf("CEL evaluator failed to construct: %w", err)
	}

	allowlist := map[string][]string{
		policy.AllowlistSentinel: cfg.Policy.ExternalDomainsAllowlist,
	}
	policyStore := policy.NewStore(store, allowlist, exprEval, logger)

	rules, err := policyStore.Load(context.Background())
	if err != nil {
		return fmt.Errorf("policy store failed to load: %w", err)
	}

	fmt.Printf("✓ config valid, %d enabled rule(s) loaded\n", len(rules))
	for _, r := range rules {
		fmt.Printf("  - %-30s effect=%-18s priority=%d\n", r.PolicyID, r.Effect, r.Priority)
	}
	return nil
}

// applyEnvOverrides lets GUARDIAN_-prefixed environment variables override
// secrets and connection strings the config file names in cleartext.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("GUARDIAN_DATABASE_URL"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("GUARDIAN_STREAM_BROKER_URL"); v != "" {
		cfg.Stream.BrokerURL = v
	}
	if v := os.Getenv("GUARDIAN_STREAM_INTENT"); v != "" {
		cfg.Stream.IntentStream = v
	}
	if v := os.Getenv("GUARDIAN_STREAM_DECISION"); v != "" {
		cfg.Stream.DecisionStream = v
	}
	if v := os.Getenv("GUARDIAN_STREAM_APPROVAL_DECISION"); v != "" {
		cfg.Stream.ApprovalDecisionStream = v
	}
	if v := os.Getenv("GUARDIAN_STREAM_CONSUMER_GROUP"); v != "" {
		cfg.Stream.ConsumerGroup = v
	}
	if v := os.Getenv("GUARDIAN_STREAM_CONSUMER_NAME"); v != "" {
		cfg.Stream.ConsumerName = v
	}
	if v := os.Getenv("GUARDIAN_LLM_BASE_URL"); v != "" {
		cfg.Scorer.BaseURL = v
	}
	if v := os.Getenv("GUARDIAN_LLM_MODEL"); v != "" {
		cfg.Scorer.Model = v
	}
	if v := os.Getenv("GUARDIAN_LLM_API_KEY"); v != "" {
		cfg.Scorer.APIKey = v
	}
}

func findConfigFile() string {
	candidates := []string{
		"guardian.yaml",
		"guardian.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "guardian", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		return 6777
	}
	return port
}
