// PocketSage is a grounded personal-finance assistant.
//
// Every answer is drafted against a pack of verified financial facts,
// checked by deterministic guardrails, and escalated to a stronger
// model only when the cheap draft fails. Mutations never execute
// directly; they pass through a confirmation service or, offline, a
// persistent retry queue.
//
// Usage:
//
//	pocketsage serve             Start the API server
//	pocketsage init [dir]        Write a default config.yaml
//	pocketsage ask <question>    Run one query through the pipeline
//	pocketsage version           Print version and build information
//	pocketsage -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pocketsage/pocketsage/internal/actionqueue"
	"github.com/pocketsage/pocketsage/internal/analytics"
	"github.com/pocketsage/pocketsage/internal/api"
	"github.com/pocketsage/pocketsage/internal/buildinfo"
	"github.com/pocketsage/pocketsage/internal/cascade"
	"github.com/pocketsage/pocketsage/internal/config"
	"github.com/pocketsage/pocketsage/internal/confirm"
	"github.com/pocketsage/pocketsage/internal/connwatch"
	"github.com/pocketsage/pocketsage/internal/factpack"
	"github.com/pocketsage/pocketsage/internal/findata"
	"github.com/pocketsage/pocketsage/internal/groundcache"
	"github.com/pocketsage/pocketsage/internal/guard"
	"github.com/pocketsage/pocketsage/internal/intent"
	"github.com/pocketsage/pocketsage/internal/llm"
	"github.com/pocketsage/pocketsage/internal/opstate"
	"github.com/pocketsage/pocketsage/internal/router"
	"github.com/pocketsage/pocketsage/internal/shadow"
	"github.com/pocketsage/pocketsage/internal/usage"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit, os.Stdout, and
// os.Args out of the application logic so the full lifecycle can be
// driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the pocketsage command. Arguments
// are parsed by hand; the flag package relies on package-level globals
// which interfere with calling run concurrently from tests, and the
// argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: pocketsage ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintf(w, "pocketsage %s\n", buildinfo.Version)
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "PocketSage - Grounded Personal Finance Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: pocketsage [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  ask          Run a single question through the pipeline")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runInit writes a default configuration file into dir, refusing to
// overwrite one that already exists.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Fprintf(w, "Wrote %s\n", path)
	fmt.Fprintln(w, "Set anthropic.api_key and findata.url before running serve.")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty that exact path is used; otherwise
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// buildModels maps each cascade tier to its configured provider client.
func buildModels(cfg *config.Config, logger *slog.Logger) (map[router.Tier]cascade.ModelRef, *llm.OllamaClient, *llm.AnthropicClient, error) {
	ollamaClient := llm.NewOllamaClient(cfg.Ollama.URL, logger)

	var anthropicClient *llm.AnthropicClient
	if cfg.Anthropic.APIKey != "" {
		anthropicClient = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	}

	completerFor := func(tm config.TierModel) (llm.Completer, error) {
		switch tm.Provider {
		case "anthropic":
			if anthropicClient == nil {
				return nil, fmt.Errorf("model %s requires anthropic.api_key", tm.Name)
			}
			return anthropicClient, nil
		default:
			return ollamaClient, nil
		}
	}

	tiers := map[router.Tier]config.TierModel{
		router.TierMini: cfg.Models.Mini,
		router.TierStd:  cfg.Models.Std,
		router.TierPro:  cfg.Models.Pro,
	}

	models := make(map[router.Tier]cascade.ModelRef, len(tiers))
	for tier, tm := range tiers {
		client, err := completerFor(tm)
		if err != nil {
			return nil, nil, nil, err
		}
		models[tier] = cascade.ModelRef{Model: tm.Name, Client: client}
	}
	return models, ollamaClient, anthropicClient, nil
}

// usesOllama reports whether any tier is served by the local provider.
func usesOllama(cfg *config.Config) bool {
	for _, tm := range []config.TierModel{cfg.Models.Mini, cfg.Models.Std, cfg.Models.Pro} {
		if tm.Provider != "anthropic" {
			return true
		}
	}
	return false
}

// queueExecutor replays queued actions against the backend.
type queueExecutor struct {
	fin *findata.Client
}

func (e queueExecutor) Execute(ctx context.Context, a actionqueue.QueuedAction) error {
	_, err := e.fin.Execute(ctx, a.UserID, confirm.Action{
		Type:   a.Type,
		Entity: a.Entity,
		Data:   a.Data,
	})
	return err
}

// shadowPayload flattens a dual-run comparison for the analytics sink.
func shadowPayload(r shadow.Report) map[string]any {
	return map[string]any{
		"user_id":          r.UserID,
		"agreement":        r.Agreement,
		"agreement_score":  r.AgreementScore,
		"agreement_method": r.AgreementMethod,
		"current_tier":     r.CurrentTier,
		"candidate_tier":   r.CandidateTier,
		"current_model":    r.CurrentModel,
		"candidate_model":  r.CandidateModel,
		"current_tokens":   r.CurrentTokens,
		"candidate_tokens": r.CandidateTokens,
		"candidate_error":  r.CandidateError,
	}
}

// runAsk runs one question through the full pipeline without starting
// the server. Useful for smoke tests and debugging.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	models, _, _, err := buildModels(cfg, logger)
	if err != nil {
		return err
	}

	casc, err := cascade.New(models, guard.New(logger), nil, nil, logger)
	if err != nil {
		return fmt.Errorf("build cascade: %w", err)
	}

	fin := findata.New(cfg.FinData.URL, cfg.FinData.Token, logger)
	builder := factpack.NewBuilder(fin, logger)

	in := intent.Classify(question)
	now := time.Now()
	window := factpack.TimeWindow{
		Start: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0),
		TZ:    "UTC",
	}

	pack, err := builder.Build(ctx, "cli-user", in, window)
	if err != nil {
		return fmt.Errorf("build fact pack: %w", err)
	}

	tier, _ := router.PickTier(in, question)
	res, err := casc.Run(ctx, cascade.Request{
		UserID: "cli-user",
		Query:  question,
		Intent: in,
		Tier:   tier,
		Pack:   pack,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	switch res.Kind {
	case cascade.KindClarify:
		fmt.Fprintf(stdout, "Need clarification: %s\n", res.Clarify.Question)
		for _, opt := range res.Clarify.Options {
			fmt.Fprintf(stdout, "  - %s\n", opt)
		}
	default:
		fmt.Fprintln(stdout, res.Answer)
	}
	return nil
}

// runServe is the primary operating mode: loads config, opens the
// state databases, wires the response pipeline, starts health watchers
// and the API server, and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting PocketSage", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("config %s: %w", cfgPath, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"mini", cfg.Models.Mini.Name,
		"std", cfg.Models.Std.Name,
		"pro", cfg.Models.Pro.Name,
	)

	// All persistent state (operational KV, confirmations, usage
	// ledger) lives under the data directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	stateStore, err := opstate.NewStore(filepath.Join(cfg.DataDir, "opstate.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer stateStore.Close()

	usageStore, err := usage.Open(filepath.Join(cfg.DataDir, "usage.db"), cfg.Pricing, logger)
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()

	// --- Financial data backend ---
	fin := findata.New(cfg.FinData.URL, cfg.FinData.Token, logger)
	builder := factpack.NewBuilder(fin, logger)

	// --- Model tiers ---
	models, ollamaClient, anthropicClient, err := buildModels(cfg, logger)
	if err != nil {
		return err
	}

	// --- Response cascade ---
	cache := groundcache.New(cfg.Cache.Capacity, time.Duration(cfg.Cache.TTLMinutes)*time.Minute, logger)
	casc, err := cascade.New(models, guard.New(logger), cache, usageStore, logger)
	if err != nil {
		return fmt.Errorf("build cascade: %w", err)
	}
	rtr := router.New(logger)

	// --- Confirmation service ---
	confirmSvc, err := confirm.NewService(
		filepath.Join(cfg.DataDir, "confirm.db"),
		fin,
		time.Duration(cfg.Confirm.TTLSeconds)*time.Second,
		logger,
	)
	if err != nil {
		return fmt.Errorf("open confirmation service: %w", err)
	}
	defer confirmSvc.Close()

	// --- Connection watchers ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// Forward-declare the queue so the findata OnUp callback can drain
	// it. The closure captures by reference; by the time the backend
	// connects, the queue is constructed.
	var queue *actionqueue.Queue

	connMgr.Watch(ctx, connwatch.Service{
		Name:  "findata",
		Probe: fin.Ping,
		OnUp: func() {
			if queue == nil || queue.Len() == 0 {
				return
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := queue.ProcessQueue(drainCtx); err != nil {
				logger.Error("queue drain after reconnect failed", "error", err)
			}
		},
	})
	if anthropicClient != nil {
		connMgr.Watch(ctx, connwatch.Service{Name: "anthropic", Probe: anthropicClient.Ping})
	}
	if usesOllama(cfg) {
		connMgr.Watch(ctx, connwatch.Service{Name: "ollama", Probe: ollamaClient.Ping})
	}

	// --- Offline action queue ---
	queue, err = actionqueue.New(stateStore, queueExecutor{fin: fin}, connMgr.ReadyFunc("findata"), actionqueue.Options{
		MaxRetries: cfg.Queue.MaxRetries,
		BaseDelay:  time.Duration(cfg.Queue.BaseDelayMS) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.Queue.MaxDelayMS) * time.Millisecond,
		TTL:        time.Duration(cfg.Queue.TTLHours) * time.Hour,
	}, logger)
	if err != nil {
		return fmt.Errorf("load action queue: %w", err)
	}

	// --- Analytics ---
	var sink analytics.Sink = analytics.NopSink{}
	if cfg.Analytics.SinkURL != "" {
		sink = analytics.NewHTTPSink(cfg.Analytics.SinkURL)
		logger.Info("analytics sink configured", "url", cfg.Analytics.SinkURL)
	}
	bus := analytics.NewBus()
	emitter := analytics.NewEmitter(sink, cfg.Analytics.SampleRates, bus, logger)

	// --- Shadow A/B harness ---
	shadowHarness := shadow.New(stateStore, shadow.Options{
		Enabled:        cfg.Shadow.Enabled,
		SampleRate:     cfg.Shadow.SampleRate,
		DailyCap:       cfg.Shadow.DailyCap,
		TokenThreshold: cfg.Shadow.TokenThreshold,
	}, func(r shadow.Report) {
		emitter.Emit(analytics.TypeShadowReport, "", shadowPayload(r))
	}, logger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Cascade: casc,
		Builder: builder,
		Router:  rtr,
		Confirm: confirmSvc,
		Queue:   queue,
		Emitter: emitter,
		Bus:     bus,
		Watch:   connMgr,
		Shadow:  shadowHarness,
		Usage:   usageStore,
		Cache:   cache,
		Models:  models,
		Online:  connMgr.ReadyFunc("findata"),
	}, logger)

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Background flusher for the analytics buffer. Performs a final
	// flush when the context is cancelled.
	emitterDone := make(chan struct{})
	go func() {
		defer close(emitterDone)
		emitter.Run(ctx, 30*time.Second)
	}()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// In-flight shadow candidates finish before databases close.
		shadowHarness.Wait()
		<-emitterDone

		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("PocketSage stopped")
	return nil
}
