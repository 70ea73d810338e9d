package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/term"

	"otcore/agent"
	"otcore/config"
	"otcore/history"
	"otcore/knowledge"
	"otcore/mcp"
	"otcore/metrics"
	"otcore/model"
	"otcore/provider"
	"otcore/skill"
	"otcore/storage"
	"otcore/stream"
	"otcore/tools"
	"otcore/transport"
	"otcore/ui"
)

// App holds everything a command needs, built from the config file.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       storage.Store
	Credentials *config.CredentialStore
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Providers   *provider.Registry
	Transport   stream.Transport
	Knowledge   *knowledge.Engine

	// Set by BuildTools.
	Router *tools.Router
	MCP    *mcp.Manager
	Skills *skill.Backend
	Agents *agent.SubAgentBackend

	logCloser io.Closer
}

// newEmbedder picks the embedder for a provider entry. Tests replace it.
var newEmbedder = embedderFor

// openApp loads the config and opens storage, credentials, metrics, the
// model transport and the knowledge engine.
func openApp(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, logCloser := config.InitLogging(cfg.DataDir())

	store, err := storage.Open(cfg.Storage.Backend, cfg.DataDir())
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	creds, err := loadCredentials(cfg)
	if err != nil {
		store.Close()
		logCloser.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app := &App{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Credentials: creds,
		Registry:    reg,
		Metrics:     metrics.New(reg),
		Providers:   provider.DefaultRegistry(),
		logCloser:   logCloser,
	}

	switch cfg.Transport.Kind {
	case "bridge":
		app.Transport = transport.NewBridge(cfg.Transport.BridgeURL, logger)
	default:
		app.Transport = transport.NewHTTP(nil, logger)
	}

	app.Knowledge, err = app.newKnowledge()
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// loadCredentials opens the credential store. An encrypted SSH key takes
// its passphrase from OTCORE_PASSPHRASE, or from a prompt on a terminal.
func loadCredentials(cfg *config.Config) (*config.CredentialStore, error) {
	creds := config.NewCredentialStore(cfg.Security.Method, cfg.Security.SSHKeyPath)
	creds.SetPassphrase(os.Getenv("OTCORE_PASSPHRASE"))
	err := creds.Load(cfg.DataDir())
	if errors.Is(err, config.ErrPassphraseRequired) && term.IsTerminal(int(os.Stdin.Fd())) {
		passphrase, perr := ui.PromptPassphrase(context.Background(), creds.KeyPath())
		if perr != nil {
			return nil, fmt.Errorf("failed to load credentials: %w", perr)
		}
		creds.SetPassphrase(passphrase)
		err = creds.Load(cfg.DataDir())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return creds, nil
}

func (a *App) newKnowledge() (*knowledge.Engine, error) {
	kc := a.Config.Knowledge
	opts := knowledge.Options{
		Store: a.Store,
		Splitter: knowledge.Splitter{
			ChunkSize:    kc.ChunkSize,
			ChunkOverlap: kc.ChunkOverlap,
			MinChunkSize: kc.MinChunkSize,
		},
		Threshold: kc.Threshold,
		Limit:     kc.Limit,
		Logger:    a.Logger,
		Metrics:   a.Metrics,
	}

	if kc.EmbedProvider != "" {
		pc, ok := a.Config.Provider(kc.EmbedProvider)
		if !ok {
			return nil, &model.ConfigurationError{Provider: kc.EmbedProvider, Reason: "embed provider is not configured"}
		}
		embedder, err := newEmbedder(pc, a.Credentials.APIKey(pc.ID), kc.EmbedModel)
		if err != nil {
			return nil, err
		}
		opts.Embedder = embedder
		if kc.QueryEmbedModel != "" && kc.QueryEmbedModel != kc.EmbedModel {
			if opts.QueryEmbedder, err = newEmbedder(pc, a.Credentials.APIKey(pc.ID), kc.QueryEmbedModel); err != nil {
				return nil, err
			}
		}
	}
	return knowledge.NewEngine(opts), nil
}

func embedderFor(pc config.ProviderConfig, apiKey, modelName string) (knowledge.Embedder, error) {
	switch pc.Type {
	case "ollama":
		return knowledge.NewOllamaEmbedder(pc.Endpoint, modelName)
	case "openai", "openrouter":
		if apiKey == "" {
			return nil, &model.ConfigurationError{Provider: pc.ID, Reason: "missing API key"}
		}
		return knowledge.NewOpenAIEmbedder(apiKey, pc.Endpoint, modelName), nil
	default:
		return nil, &model.ConfigurationError{Provider: pc.ID, Reason: fmt.Sprintf("provider type %q cannot embed", pc.Type)}
	}
}

// Adapter returns a streaming adapter for a configured provider. An empty
// modelName uses the provider's configured model.
func (a *App) Adapter(providerID, modelName string) (*stream.Adapter, error) {
	pc, ok := a.Config.Provider(providerID)
	if !ok {
		return nil, &model.ConfigurationError{Provider: providerID, Reason: "provider is not configured"}
	}
	if !pc.Enabled {
		return nil, &model.ConfigurationError{Provider: providerID, Reason: "provider is disabled"}
	}
	desc, ok := a.Providers.Lookup(pc.Type)
	if !ok {
		return nil, &model.ConfigurationError{Provider: providerID, Reason: fmt.Sprintf("unknown provider type %q", pc.Type)}
	}
	if modelName == "" {
		modelName = pc.Model
	}
	return stream.New(desc, a.Transport, stream.Options{
		Endpoint: pc.Endpoint,
		Model:    modelName,
		APIKey:   a.Credentials.APIKey(pc.ID),
		Logger:   a.Logger,
		Metrics:  a.Metrics,
	}), nil
}

// BuildTools assembles the router: knowledge search, skills, external tool
// servers, sub-agents and the image built-ins. shared is the adapter
// sub-agents use alongside the top-level conversation.
func (a *App) BuildTools(ctx context.Context, shared agent.Streamer) error {
	cfg := a.Config
	router := tools.NewRouter(tools.Options{Logger: a.Logger, Metrics: a.Metrics})
	router.Register(tools.KindKnowledge, tools.NewKnowledgeBackend(a.Knowledge))

	a.Skills = skill.NewBackend(a.Logger)
	if cfg.Skills.Dir != "" {
		n, err := a.Skills.Load(ctx, config.ExpandPath(cfg.Skills.Dir))
		if err != nil {
			return fmt.Errorf("failed to load skills: %w", err)
		}
		a.Logger.Info("skills loaded", "count", n)
	}
	router.Register(tools.KindSkill, a.Skills)

	a.MCP = mcp.NewManager(a.Logger)
	a.MCP.StartAll(ctx, cfg.EnabledMCPServers())
	router.Register(tools.KindExternal, a.MCP)

	a.Agents = agent.NewSubAgentBackend(agent.Deps{Model: shared, Logger: a.Logger, Metrics: a.Metrics}, a.Store)
	for _, p := range cfg.Agents {
		if err := a.Agents.Add(agent.Profile{
			ID:            p.ID,
			Description:   p.Description,
			SystemPrompt:  p.SystemPrompt,
			Mode:          agent.Mode(p.Mode),
			MaxIterations: p.MaxIterations,
			Temperature:   p.Temperature,
			Model:         p.Model,
		}); err != nil {
			return err
		}
	}
	a.Agents.SetRouter(router)
	router.Register(tools.KindAgent, a.Agents)

	if cfg.Agent.VisionProvider != "" {
		// its own adapter, so describing an image does not cancel the turn
		// that asked for it
		vision, err := a.Adapter(cfg.Agent.VisionProvider, cfg.Agent.VisionModel)
		if err != nil {
			return fmt.Errorf("vision model: %w", err)
		}
		if err := router.RegisterBuiltin(tools.NewInspectImageTool(&tools.StreamVision{Model: vision, Temperature: 0.2})); err != nil {
			return err
		}
	}

	if cfg.Image.Endpoint != "" {
		jobs := transport.NewHTTPImageJobs(cfg.Image.Endpoint, a.Credentials.APIKey("image"), nil)
		if err := router.RegisterBuiltin(tools.NewGenerateImageTool(jobs, pollPolicy(cfg.Image), cfg.Image.Model)); err != nil {
			return err
		}
	}

	a.Router = router
	return nil
}

func pollPolicy(ic config.ImageConfig) tools.PollPolicy {
	p := tools.DefaultPollPolicy()
	if ic.PollInterval > 0 {
		p.Initial = ic.PollInterval
	}
	if ic.MaxInterval > 0 {
		p.Max = ic.MaxInterval
	}
	if ic.Timeout > 0 {
		p.Timeout = ic.Timeout
	}
	if ic.MaxAttempts > 0 {
		p.MaxAttempts = ic.MaxAttempts
	}
	return p
}

// chatOptions overrides the [agent] section for one command.
type chatOptions struct {
	Provider       string
	Model          string
	Mode           string
	MaxIterations  int
	SystemPrompt   string
	ConversationID string
}

// Conversation opens the stored conversation id, or starts a new one.
func (a *App) Conversation(ctx context.Context, id, systemPrompt string) (*history.Manager, error) {
	opts := history.Options{MaxMessages: a.Config.Agent.MaxMessages, Logger: a.Logger}
	if id == "" {
		if systemPrompt == "" {
			systemPrompt = a.Config.Agent.SystemPrompt
		}
		return history.New(a.Store, systemPrompt, opts), nil
	}
	hist, err := history.Load(ctx, a.Store, id, opts)
	if err != nil {
		return nil, err
	}
	if systemPrompt != "" && systemPrompt != hist.SystemPrompt() {
		if err := hist.SetSystemPrompt(ctx, systemPrompt); err != nil {
			return nil, err
		}
	}
	return hist, nil
}

// NewController builds the adapter, tools and conversation for a chat.
func (a *App) NewController(ctx context.Context, co chatOptions, onEvent func(agent.Event)) (*agent.Controller, error) {
	ac := a.Config.Agent
	providerID := firstNonEmpty(co.Provider, ac.Provider)
	adapter, err := a.Adapter(providerID, firstNonEmpty(co.Model, ac.Model))
	if err != nil {
		return nil, err
	}
	if err := a.BuildTools(ctx, adapter); err != nil {
		return nil, err
	}
	hist, err := a.Conversation(ctx, co.ConversationID, co.SystemPrompt)
	if err != nil {
		return nil, err
	}

	maxIter := ac.MaxIterations
	if co.MaxIterations > 0 {
		maxIter = co.MaxIterations
	}
	return agent.New(agent.Deps{
		Model:   adapter,
		Router:  a.Router,
		History: hist,
		Logger:  a.Logger,
		Metrics: a.Metrics,
	}, agent.Options{
		Mode:          agent.Mode(firstNonEmpty(co.Mode, ac.Mode)),
		MaxIterations: maxIter,
		Temperature:   ac.Temperature,
		OnEvent:       onEvent,
	}), nil
}

// Close stops tool servers and releases storage and the log file.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.MCP != nil {
		if err := a.MCP.Shutdown(ctx); err != nil {
			a.Logger.Warn("failed to stop tool servers", "error", err)
		}
	}
	if c, ok := a.Transport.(io.Closer); ok {
		c.Close()
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("failed to close storage", "error", err)
	}
	a.logCloser.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
