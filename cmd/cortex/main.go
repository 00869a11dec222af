package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/symbiont-labs/cortex/internal/approval"
	"github.com/symbiont-labs/cortex/internal/config"
	"github.com/symbiont-labs/cortex/internal/delta"
	"github.com/symbiont-labs/cortex/internal/dispatcher"
	"github.com/symbiont-labs/cortex/internal/history"
	"github.com/symbiont-labs/cortex/internal/interrupt"
	"github.com/symbiont-labs/cortex/internal/llm"
	"github.com/symbiont-labs/cortex/internal/lsp"
	"github.com/symbiont-labs/cortex/internal/mcp"
	"github.com/symbiont-labs/cortex/internal/mcptools"
	"github.com/symbiont-labs/cortex/internal/provider"
	"github.com/symbiont-labs/cortex/internal/shell"
	"github.com/symbiont-labs/cortex/internal/store"
	"github.com/symbiont-labs/cortex/internal/treesitter"
	"github.com/symbiont-labs/cortex/internal/tui"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	// Parse CLI flags.
	flagSession := flag.String("s", "", "resume a session by ID")
	flagList := flag.Bool("l", false, "list sessions")
	flagContinue := flag.Bool("c", false, "continue most recent session")
	flag.StringVar(flagSession, "session", "", "resume a session by ID")
	flag.BoolVar(flagList, "list", false, "list sessions")
	flag.BoolVar(flagContinue, "continue", false, "continue most recent session")
	flag.Parse()

	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(dataDirPath); err == nil {
			configPath = dataDirPath
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("Error loading credentials: %v\n", err)
		os.Exit(1)
	}

	registry := buildRegistry(cfg, creds)
	providerName, providerCfg := resolveProvider(cfg, registry)

	prov, err := registry.Create(providerName, providerCfg.Model, provider.Options{
		Temperature:  providerCfg.Temperature,
		MaxTokens:    cfg.Agent.MaxOutputTokensOrDefault(),
		ContextLimit: cfg.Agent.ContextLimit,
		BufferTokens: cfg.Agent.OutputBufferTokens,
	})
	if err != nil {
		fmt.Printf("Error creating provider: %v\n", err)
		os.Exit(1)
	}
	defer prov.Close()

	webCache := openWebCache(cfg)
	if webCache != nil {
		defer webCache.Close()
	}

	// Handle --list: print sessions and exit.
	if *flagList {
		listSessions(webCache)
		return
	}

	sessionID, resumeHistory := resolveSession(*flagSession, *flagContinue, webCache)

	// Build tree-sitter project symbol index.
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Printf("Warning: failed to get working directory: %v\n", err)
		cwd = "."
	}
	tsIndex := treesitter.NewIndex(cwd)
	if err := tsIndex.Build(); err != nil {
		log.Warn().Err(err).Msg("tree-sitter index build failed")
	}

	// The conversation store: seeded with the system prompt, then any
	// resumed messages.
	systemPrompt := llm.BuildSystemPrompt(providerCfg.Model, tsIndex)
	hist := history.New(
		provider.Message{Role: "system", Content: systemPrompt, CreatedAt: time.Now()},
		history.WithModelMaxTokens(cfg.Agent.ContextLimit),
		history.WithCompressionThreshold(cfg.Agent.CompressionThresholdOrDefault()),
	)
	for _, msg := range resumeHistory {
		if msg.Role == "system" {
			continue
		}
		hist.Append(msg)
	}

	svc := setupServices(cfg, creds, webCache, hist, tsIndex, sessionID)
	defer svc.registry.Close()
	defer svc.lspManager.StopAll(context.Background())

	tools, err := svc.registry.ListTools(context.Background())
	if err != nil {
		fmt.Printf("Warning: Failed to list tools: %v\n", err)
		tools = svc.registry.ToolCatalog()
	}

	// Register SubAgent last: it needs the provider and the full tools list
	// to spawn isolated sub-agents.
	subAgentHandler := mcptools.NewSubAgentHandler(
		prov,
		hist,
		svc.lspManager,
		svc.deltaTracker,
		svc.shell,
		webCache,
		svc.exaKey,
		tools,
	)
	mustRegister(svc.registry, mcp.ToolEntry{
		Tool:    mcptools.NewSubAgentTool(),
		Handler: subAgentHandler.Handle,
		Status:  func(json.RawMessage) string { return "Running sub-agent" },
	})

	// Re-fetch tools to include SubAgent.
	tools, err = svc.registry.ListTools(context.Background())
	if err != nil {
		tools = svc.registry.ToolCatalog()
	}

	bus := interrupt.New()

	p := tea.NewProgram(tui.New(tui.Config{
		Provider:      prov,
		Dispatcher:    svc.dispatcher,
		Tools:         tools,
		History:       hist,
		Interrupt:     bus,
		Store:         webCache,
		SessionID:     sessionID,
		ModelID:       providerCfg.Model,
		ProviderName:  providerName,
		SystemPrompt:  systemPrompt,
		Todos:         svc.todos,
		Deltas:        svc.deltaTracker,
		Resume:        resumeHistory,
		MaxToolRounds: cfg.Agent.MaxToolRounds,
		AutoApprove:   cfg.Agent.AutoApprove,
	}))

	if _, err := p.Run(); err != nil {
		fmt.Printf("Error running cortex: %v\n", err)
		os.Exit(1)
	}

	// Persist the "always allow" memory for the next session.
	if dataDir, err := config.EnsureDataDir(); err == nil {
		if err := svc.policy.Save(filepath.Join(dataDir, "approvals.json")); err != nil {
			log.Warn().Err(err).Msg("failed to save approval memory")
		}
	}
}

// buildRegistry installs a provider factory per configured provider,
// selected by its type.
func buildRegistry(cfg *config.Config, creds *config.Credentials) *provider.Registry {
	registry := provider.NewRegistry()
	for name, providerCfg := range cfg.Providers {
		apiKey := creds.GetAPIKey(keyName(name, providerCfg))
		switch providerCfg.TypeOrDefault() {
		case "vllm":
			registry.RegisterFactory(name, provider.NewVLLMFactory(name, providerCfg.Endpoint, apiKey))
		case "anthropic":
			registry.RegisterFactory(name, provider.NewAnthropicFactory(name, providerCfg.Endpoint, apiKey))
		case "opencode":
			registry.RegisterFactory(name, provider.NewOpenCodeFactory(name, providerCfg.Endpoint, apiKey))
		case "zen":
			registry.RegisterFactory(name, provider.NewZenFactory(name, apiKey, providerCfg.Endpoint))
		default:
			registry.RegisterFactory(name, provider.NewOllamaFactory(name, providerCfg.Endpoint))
		}
	}
	return registry
}

func keyName(providerName string, cfg config.ProviderConfig) string {
	if cfg.APIKeyName != "" {
		return cfg.APIKeyName
	}
	return providerName
}

func resolveProvider(cfg *config.Config, registry *provider.Registry) (string, config.ProviderConfig) {
	name := cfg.DefaultProvider
	if name == "" {
		providers := registry.List()
		if len(providers) == 0 {
			fmt.Println("Error: No providers configured")
			os.Exit(1)
		}
		name = providers[0]
	}
	pcfg, ok := cfg.Providers[name]
	if !ok {
		fmt.Printf("Error: Provider %q not found\n", name)
		os.Exit(1)
	}
	return name, pcfg
}

type services struct {
	registry     *mcp.Registry
	dispatcher   *dispatcher.Dispatcher
	policy       *approval.Policy
	lspManager   *lsp.Manager
	deltaTracker *delta.Tracker
	todos        *mcptools.TodoList
	shell        *shell.Shell
	exaKey       string
}

// mustRegister registers a tool entry, logging (rather than failing fast) on
// a bad schema — the tool is simply unavailable for the rest of the session.
func mustRegister(registry *mcp.Registry, entry mcp.ToolEntry) {
	if err := registry.Register(entry); err != nil {
		log.Error().Err(err).Str("tool", entry.Tool.Name).Msg("tool registration failed")
	}
}

func setupServices(cfg *config.Config, creds *config.Credentials, webCache *store.Cache, hist *history.Store, tsIndex *treesitter.Index, sessionID string) services {
	var mcpClient mcp.UpstreamClient
	if cfg.MCP.Upstream != "" {
		mcpClient = mcp.NewClient(cfg.MCP.Upstream)
	}
	registry := mcp.NewRegistry(mcpClient)
	if err := registry.Initialize(context.Background()); err != nil {
		fmt.Printf("Warning: MCP init failed: %v\n", err)
	}

	lspManager := lsp.NewManager()
	fileTracker := mcptools.NewFileReadTracker()

	// Delta tracker for undo support, sharing the session database.
	var dt *delta.Tracker
	if webCache != nil {
		dt = delta.New(webCache.DB())
		dt.SetSession(sessionID)
	}

	readHandler := mcptools.NewReadHandler(fileTracker, lspManager)
	readHandler.SetTSIndex(tsIndex)
	mustRegister(registry, mcp.ToolEntry{
		Tool: mcptools.NewReadTool(), Handler: readHandler.Handle, Parallel: true,
		Status: func(args json.RawMessage) string { return "Reading " + argField(args, "file") },
	})

	mustRegister(registry, mcp.ToolEntry{
		Tool: mcptools.NewGrepTool(), Handler: mcptools.MakeGrepHandler(), Parallel: true,
		Status: func(args json.RawMessage) string { return "Searching for " + argField(args, "pattern") },
	})

	editHandler := mcptools.NewEditHandler(fileTracker, lspManager, dt)
	editHandler.SetTSIndex(tsIndex)
	mustRegister(registry, mcp.ToolEntry{
		Tool: mcptools.NewEditTool(), Handler: editHandler.Handle,
		Status: func(args json.RawMessage) string { return "Editing " + argField(args, "file") },
	})

	mustRegister(registry, mcp.ToolEntry{
		Tool: mcptools.NewWebFetchTool(), Handler: mcptools.MakeWebFetchHandler(webCache),
		Status: func(args json.RawMessage) string { return "Fetching " + argField(args, "url") },
	})

	exaKey := creds.GetAPIKey("exa_ai")
	mustRegister(registry, mcp.ToolEntry{
		Tool: mcptools.NewWebSearchTool(), Handler: mcptools.MakeWebSearchHandler(webCache, exaKey, ""),
		Status: func(args json.RawMessage) string { return "Searching the web" },
	})

	// Shell tool — in-process POSIX interpreter with command blocking.
	sh := shell.New("", shell.DefaultBlockFuncs())
	shellHandler := mcptools.NewShellHandler(sh, dt)
	mustRegister(registry, mcp.ToolEntry{
		Tool: mcptools.NewShellTool(), Handler: shellHandler.Handle,
		Status: func(args json.RawMessage) string { return "Running " + argField(args, "command") },
	})

	// Read-only git tools.
	mustRegister(registry, mcp.ToolEntry{Tool: mcptools.NewGitStatusTool(), Handler: mcptools.MakeGitStatusHandler(), Parallel: true})
	mustRegister(registry, mcp.ToolEntry{Tool: mcptools.NewGitDiffTool(), Handler: mcptools.MakeGitDiffHandler(), Parallel: true})

	// TodoWrite tool — structured plan recited at the context tail and
	// mirrored to todo.md.
	todos := mcptools.NewTodoList(filepath.Join(".", "todo.md"))
	mustRegister(registry, mcp.ToolEntry{Tool: mcptools.NewTodoWriteTool(), Handler: mcptools.MakeTodoWriteHandler(todos)})

	// TaskMemory tool — cross-session log; read actions are parallel-safe.
	mustRegister(registry, mcp.ToolEntry{
		Tool:        mcptools.NewTaskMemoryTool(),
		Handler:     mcptools.MakeTaskMemoryHandler(webCache),
		ParallelFor: mcptools.TaskMemoryParallelSafe,
		Status:      func(json.RawMessage) string { return "Consulting task memory" },
	})

	policy := approval.New()
	policy.RegisterDefaults()
	if dataDir, err := config.DataDir(); err == nil {
		if err := policy.Load(filepath.Join(dataDir, "approvals.json")); err != nil {
			log.Warn().Err(err).Msg("failed to load approval memory")
		}
	}

	disp := &dispatcher.Dispatcher{Runner: registry, Policy: policy}

	return services{
		registry:     registry,
		dispatcher:   disp,
		policy:       policy,
		lspManager:   lspManager,
		deltaTracker: dt,
		todos:        todos,
		shell:        sh,
		exaKey:       exaKey,
	}
}

// argField extracts one string field from raw tool arguments for status
// lines; empty on any decode failure.
func argField(args json.RawMessage, field string) string {
	var m map[string]interface{}
	if json.Unmarshal(args, &m) != nil {
		return ""
	}
	s, _ := m[field].(string)
	const maxLen = 60
	if len(s) > maxLen {
		s = s[:maxLen] + "…"
	}
	return s
}

func openWebCache(cfg *config.Config) *store.Cache {
	cacheDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Warning: cache dir failed: %v\n", err)
		return nil
	}
	cacheTTL := time.Duration(cfg.Cache.CacheTTLOrDefault()) * time.Hour
	cache, err := store.Open(filepath.Join(cacheDir, "cache.db"), cacheTTL)
	if err != nil {
		fmt.Printf("Warning: cache open failed: %v\n", err)
		return nil
	}
	return cache
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Warn().Err(err).Msg("failed to read random bytes for session id")
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "cortex.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	return nil
}

func listSessions(db *store.Cache) {
	if db == nil {
		fmt.Println("No cache available")
		return
	}
	sessions, err := db.ListSessions()
	if err != nil {
		fmt.Printf("Error listing sessions: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return
	}
	for _, s := range sessions {
		ts := s.Timestamp.Format("2006-01-02 15:04")
		preview := strings.ReplaceAll(s.Preview, "\n", " ")
		if len(preview) > 50 {
			preview = preview[:50]
		}
		fmt.Printf("%s  %s  %s\n", s.ID, ts, preview)
	}
}

func resolveSession(flagSession string, flagContinue bool, db *store.Cache) (string, []provider.Message) {
	switch {
	case flagSession != "":
		if db != nil {
			ok, err := db.SessionExists(flagSession)
			if err != nil || !ok {
				fmt.Printf("Session %q not found\n", flagSession)
				os.Exit(1)
			}
		}
		return flagSession, loadHistory(flagSession, db)

	case flagContinue:
		if db == nil {
			fmt.Println("No cache available")
			os.Exit(1)
		}
		id, err := db.LatestSessionID()
		if err != nil {
			fmt.Printf("No sessions to continue: %v\n", err)
			os.Exit(1)
		}
		return id, loadHistory(id, db)

	default:
		sid := newSessionID()
		if db != nil {
			if err := db.CreateSession(sid); err != nil {
				fmt.Printf("Warning: failed to create session: %v\n", err)
			}
		}
		return sid, nil
	}
}

func loadHistory(sessionID string, db *store.Cache) []provider.Message {
	if db == nil {
		return nil
	}
	stored, err := db.LoadMessages(sessionID)
	if err != nil {
		fmt.Printf("Warning: failed to load session history: %v\n", err)
		return nil
	}
	return store.ToProviderMessages(stored)
}
