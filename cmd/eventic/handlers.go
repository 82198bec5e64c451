package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/eventic/internal/backoff"
	"github.com/haasonsaas/eventic/internal/checkpoint"
	"github.com/haasonsaas/eventic/internal/config"
	"github.com/haasonsaas/eventic/internal/controller"
	"github.com/haasonsaas/eventic/internal/conversations"
	"github.com/haasonsaas/eventic/internal/engine"
	"github.com/haasonsaas/eventic/internal/gateway"
	"github.com/haasonsaas/eventic/internal/llm"
	"github.com/haasonsaas/eventic/internal/llm/providers"
	"github.com/haasonsaas/eventic/internal/observability"
	"github.com/haasonsaas/eventic/internal/orchestrator"
	"github.com/haasonsaas/eventic/internal/tasks"
	"github.com/haasonsaas/eventic/pkg/models"
)

// loadConfig reads the config file, falling back to built-in defaults
// when the default path does not exist. An explicitly named file that
// is missing is still an error.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigFile {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func buildLogger(cfg *config.Config, debug bool) *observability.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
}

// buildAdapter constructs the configured provider adapter wrapped in
// the retry layer. API keys fall back to the conventional env vars.
func buildAdapter(cfg *config.Config, logger *observability.Logger) (llm.Adapter, error) {
	provider := cfg.LLM.Provider
	pcfg := cfg.LLM.Providers[provider]

	var (
		inner llm.Adapter
		err   error
	)
	switch provider {
	case "anthropic":
		apiKey := pcfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		inner, err = providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      pcfg.BaseURL,
			DefaultModel: cfg.LLM.EffectiveModel(),
			MaxTokens:    cfg.LLM.MaxOutputTokens,
		})
	case "openai":
		apiKey := pcfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		inner, err = providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:       apiKey,
			BaseURL:      pcfg.BaseURL,
			DefaultModel: cfg.LLM.EffectiveModel(),
			MaxTokens:    cfg.LLM.MaxOutputTokens,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s adapter: %w", provider, err)
	}

	retry := llm.RetryConfig{
		MaxAttempts: cfg.LLM.Retry.MaxAttempts,
		Policy: backoff.BackoffPolicy{
			InitialMs: float64(cfg.LLM.Retry.InitialBackoffMs),
			MaxMs:     float64(cfg.LLM.Retry.MaxBackoffMs),
			Factor:    2,
			Jitter:    0.1,
		},
	}
	return llm.WithRetries(inner, retry, logger), nil
}

func engineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		MaxTurns:            cfg.MaxTurns,
		TriageEnabled:       cfg.IsTriageEnabled(),
		HistoryTokenBudget:  cfg.HistoryTokenBudget,
		LLMCallTimeout:      cfg.LLMCallTimeout(),
		ToolCallTimeout:     cfg.ToolCallTimeout(),
		ParallelToolWorkers: cfg.ParallelToolWorkers,
		Model:               cfg.LLM.EffectiveModel(),
		WorkspaceRoot:       cfg.WorkspaceRoot,
	}
}

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe wires the full daemon: orchestrator, checkpointed task
// manager, gateway, and controller, then blocks until shutdown.
func runServe(ctx context.Context, configPath string, debug, autonomous bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg, debug)
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info(ctx, "starting eventic",
		"version", version,
		"commit", commit,
		"config", configPath,
		"workspace", cfg.WorkspaceRoot,
	)

	var metrics *observability.Metrics
	if cfg.Metrics.IsEnabled() {
		metrics = observability.NewMetrics()
	}

	traceCfg := observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Attributes:     cfg.Tracing.Attributes,
		EnableInsecure: cfg.Tracing.Insecure,
	}
	if cfg.Tracing.Enabled {
		traceCfg.Endpoint = cfg.Tracing.Endpoint
	}
	tracer, shutdownTracer := observability.NewTracer(traceCfg)
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn(context.Background(), "tracer shutdown failed", "error", err)
		}
	}()

	adapter, err := buildAdapter(cfg, logger)
	if err != nil {
		return err
	}

	var gw *gateway.Server
	var processSink engine.Sink = engine.NopSink{}
	if cfg.Gateway.Enabled {
		gw = gateway.New(gateway.Config{
			ListenAddr:     cfg.Gateway.ListenAddr,
			Buffer:         cfg.Gateway.BufferSize,
			AllowedOrigins: cfg.Gateway.AllowedOrigins,
		}, logger, metrics)
		processSink = gw
	}

	orc, err := orchestrator.New(engineOptions(cfg), orchestrator.Deps{
		LLM:     adapter,
		Sink:    processSink,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	cpStore, err := checkpoint.Open(cfg.WorkspaceRoot, logger, metrics)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	cpMgr := checkpoint.NewManager(cpStore, logger)
	defer cpMgr.Close()

	taskMgr := tasks.NewManager(tasks.Config{
		WorkspaceRoot:      cfg.WorkspaceRoot,
		MaxConcurrent:      cfg.MaxConcurrentTasks,
		OutputRetention:    cfg.OutputRetention(),
		CheckpointInterval: time.Duration(cfg.CheckpointInterval),
	}, orc.ChildFactory(), processSink, logger, metrics, cpMgr, cpStore)
	defer taskMgr.Close()

	if err := taskMgr.StartupRecover(); err != nil {
		logger.Warn(ctx, "task recovery incomplete", "error", err)
	}

	if gw != nil {
		gw.SetTasks(taskMgr)
		if err := gw.Start(); err != nil {
			return fmt.Errorf("start gateway: %w", err)
		}
		logger.Info(ctx, "gateway listening", "addr", gw.Addr())
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			if err := gw.Shutdown(shutdownCtx); err != nil {
				logger.Warn(context.Background(), "gateway shutdown failed", "error", err)
			}
		}()
	}

	ctrl, err := controller.New(orc, taskMgr, processSink, logger, controller.Config{
		BriefingDir: cfg.Controller.BriefingDir,
	})
	if err != nil {
		return fmt.Errorf("init controller: %w", err)
	}
	defer func() { _ = ctrl.Close() }()

	if autonomous {
		if cfg.Controller.Schedule != "" {
			err = ctrl.PlaySchedule(cfg.Controller.Schedule)
		} else {
			err = ctrl.Play(cfg.AutonomousDefaultInterval())
		}
		if err != nil {
			return fmt.Errorf("start controller: %w", err)
		}
		logger.Info(ctx, "autonomous controller running",
			"schedule", cfg.Controller.Schedule,
			"interval", cfg.AutonomousDefaultInterval().String(),
		)
	}

	logger.Info(ctx, "eventic started",
		"conversation", orc.Conversations().Active(),
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.EffectiveModel(),
	)

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received, stopping")
	return nil
}

// =============================================================================
// Chat Command Handler
// =============================================================================

type chatOptions struct {
	conversation string
	model        string
	jsonOutput   bool
	input        string
}

// runChat submits one request in-process and streams the reply to
// stdout as chunks arrive.
func runChat(ctx context.Context, configPath string, opts chatOptions) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg, false)
	adapter, err := buildAdapter(cfg, logger)
	if err != nil {
		return err
	}
	orc, err := orchestrator.New(engineOptions(cfg), orchestrator.Deps{
		LLM:    adapter,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	streamed := false
	chunkSink := engine.NewCallbackSink(func(_ context.Context, e models.Event) {
		if e.Kind == models.EventRequestStreamChunk && e.Text != nil {
			streamed = true
			fmt.Print(e.Text.Text)
		}
	})

	responseFormat := ""
	if opts.jsonOutput {
		responseFormat = "json"
	}
	result, err := orc.Submit(ctx, opts.input, orchestrator.SubmitOptions{
		Conversation:   opts.conversation,
		Stream:         true,
		ChunkSink:      chunkSink,
		Model:          opts.model,
		ResponseFormat: responseFormat,
	})
	if err != nil {
		return err
	}
	if !streamed {
		fmt.Print(result.Response)
	}
	fmt.Println()
	return nil
}

// =============================================================================
// Conversation Command Handlers
// =============================================================================

func openRegistry(configPath string) (*conversations.Registry, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	registry, err := conversations.Open(cfg.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("open conversations: %w", err)
	}
	return registry, nil
}

func runConversationList(configPath string) error {
	registry, err := openRegistry(configPath)
	if err != nil {
		return err
	}
	active := registry.Active()
	for _, name := range registry.List() {
		marker := " "
		if name == active {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, name)
	}
	return nil
}

func runConversationCreate(configPath, name string) error {
	registry, err := openRegistry(configPath)
	if err != nil {
		return err
	}
	if err := registry.Create(name); err != nil {
		return err
	}
	fmt.Printf("created %s\n", name)
	return nil
}

func runConversationDelete(configPath, name string) error {
	registry, err := openRegistry(configPath)
	if err != nil {
		return err
	}
	if err := registry.TryDelete(name); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", name)
	return nil
}

func runConversationRename(configPath, oldName, newName string) error {
	registry, err := openRegistry(configPath)
	if err != nil {
		return err
	}
	if err := registry.Rename(oldName, newName); err != nil {
		return err
	}
	fmt.Printf("renamed %s -> %s\n", oldName, newName)
	return nil
}

func runConversationSwitch(configPath, name string) error {
	registry, err := openRegistry(configPath)
	if err != nil {
		return err
	}
	if err := registry.SwitchActive(name); err != nil {
		return err
	}
	fmt.Printf("active conversation is now %s\n", name)
	return nil
}

// =============================================================================
// Task Command Handlers
// =============================================================================

type taskSpawnOptions struct {
	query       string
	description string
	workspace   string
	create      bool
	initVCS     bool
	follow      bool
}

func runTaskSpawn(ctx context.Context, client *apiClient, opts taskSpawnOptions) error {
	spec := tasks.Spec{
		Description:     opts.description,
		Query:           opts.query,
		WorkingDir:      opts.workspace,
		CreateIfMissing: opts.create,
		InitVCS:         opts.initVCS,
	}
	if spec.Description == "" {
		spec.Description = opts.query
	}
	if opts.workspace != "" {
		spec.Type = tasks.TypeWorkspace
	}
	id, err := client.spawnTask(ctx, spec)
	if err != nil {
		return err
	}
	fmt.Println(id)
	if !opts.follow {
		return nil
	}
	return followTask(ctx, client, id, 0)
}

func runTaskList(ctx context.Context, client *apiClient, status string) error {
	list, err := client.listTasks(ctx, status)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tCREATED\tDESCRIPTION")
	for _, task := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			task.ID, task.Status, task.Type,
			task.CreatedAt.Local().Format(time.DateTime),
			task.Description,
		)
	}
	return w.Flush()
}

func runTaskStatus(ctx context.Context, client *apiClient, taskID string) error {
	task, err := client.taskStatus(ctx, taskID)
	if err != nil {
		return err
	}
	fmt.Printf("id:          %s\n", task.ID)
	fmt.Printf("status:      %s\n", task.Status)
	fmt.Printf("type:        %s\n", task.Type)
	fmt.Printf("description: %s\n", task.Description)
	if task.WorkingDir != "" {
		fmt.Printf("workingDir:  %s\n", task.WorkingDir)
	}
	fmt.Printf("created:     %s\n", task.CreatedAt.Local().Format(time.DateTime))
	if !task.StartedAt.IsZero() {
		fmt.Printf("started:     %s\n", task.StartedAt.Local().Format(time.DateTime))
	}
	if !task.CompletedAt.IsZero() {
		fmt.Printf("completed:   %s\n", task.CompletedAt.Local().Format(time.DateTime))
	}
	if !task.LastCheckpointAt.IsZero() {
		fmt.Printf("checkpoint:  %s\n", task.LastCheckpointAt.Local().Format(time.DateTime))
	}
	if task.Result != "" {
		fmt.Printf("result:      %s\n", task.Result)
	}
	if task.LastError != "" {
		fmt.Printf("error:       %s\n", task.LastError)
	}
	return nil
}

func runTaskCancel(ctx context.Context, client *apiClient, taskID string) error {
	if err := client.cancelTask(ctx, taskID); err != nil {
		return err
	}
	fmt.Printf("cancelled %s\n", taskID)
	return nil
}

func runTaskOutput(ctx context.Context, client *apiClient, taskID string, since uint64, follow bool) error {
	if !follow {
		lines, err := client.taskOutput(ctx, taskID, since)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line.Text)
		}
		return nil
	}
	return followTask(ctx, client, taskID, since)
}

// followTask polls output until the task reaches a terminal status,
// then exits non-zero for failed tasks.
func followTask(ctx context.Context, client *apiClient, taskID string, since uint64) error {
	for {
		lines, err := client.taskOutput(ctx, taskID, since)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line.Text)
			since = line.Seq
		}
		task, err := client.taskStatus(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			if task.Status == tasks.StatusFailed {
				return errors.New(task.LastError)
			}
			fmt.Fprintf(os.Stderr, "task %s %s\n", taskID, task.Status)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// =============================================================================
// Checkpoint Command Handlers
// =============================================================================

func openCheckpointStore(configPath string) (*checkpoint.Store, *config.Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := buildLogger(cfg, false)
	store, err := checkpoint.Open(cfg.WorkspaceRoot, logger, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return store, cfg, nil
}

func runCheckpointList(configPath string) error {
	store, _, err := openCheckpointStore(configPath)
	if err != nil {
		return err
	}
	records, err := store.Recover()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSEQ\tSTATUS\tCHECKPOINT\tCREATED")
	for _, record := range records {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			record.TaskID, record.SequenceNumber, record.Status,
			record.CheckpointID,
			record.CreatedAt.Local().Format(time.DateTime),
		)
	}
	return w.Flush()
}

func runCheckpointCompact(configPath, taskID string, keep int) error {
	store, cfg, err := openCheckpointStore(configPath)
	if err != nil {
		return err
	}
	if keep <= 0 {
		keep = cfg.CheckpointRetention
	}
	removed, err := store.Compact(taskID, keep)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d checkpoints, kept up to %d\n", removed, keep)
	return nil
}
