package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hmunoz/wagent/pkg/agent"
	"github.com/hmunoz/wagent/pkg/browser"
	"github.com/hmunoz/wagent/pkg/chatfiles"
	"github.com/hmunoz/wagent/pkg/config"
	"github.com/hmunoz/wagent/pkg/crypto"
	"github.com/hmunoz/wagent/pkg/llm"
	"github.com/hmunoz/wagent/pkg/llm/anthropic"
	"github.com/hmunoz/wagent/pkg/llm/google"
	"github.com/hmunoz/wagent/pkg/llm/ollama"
	"github.com/hmunoz/wagent/pkg/llm/openai"
	"github.com/hmunoz/wagent/pkg/logger"
	"github.com/hmunoz/wagent/pkg/outbound"
	"github.com/hmunoz/wagent/pkg/prompt"
	"github.com/hmunoz/wagent/pkg/rag"
	"github.com/hmunoz/wagent/pkg/reasoner"
	"github.com/hmunoz/wagent/pkg/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent loop over WhatsApp Web",
	Long: `Launches Chrome on the persistent profile, waits for WhatsApp Web to be
ready, and then polls the inbox and the outbound queue until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runAgent(ctx)
	},
}

func runAgent(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	log := logger.G(ctx)

	cipher, err := loadCipher(cfg)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.DBPath, cipher)
	if err != nil {
		return errors.Wrap(err, "failed to open store")
	}
	defer st.Close()

	registry, err := buildRegistry(ctx, cfg, st)
	if err != nil {
		return err
	}

	retriever, closeRetriever, err := buildRetriever(cfg)
	if err != nil {
		return err
	}
	defer closeRetriever()

	files := chatfiles.New(cfg.ContextsDir, cipher)
	loader := prompt.New(st, retriever, files, filepath.Join(cfg.DataDir, "guias"), cfg.RAGTopK, prompt.FastPath{
		Enabled:   cfg.FastPathEnabled,
		MaxChars:  cfg.FastPathMaxChars,
		MaxTokens: cfg.FastPathMaxTokens,
	})

	var refresher agent.StrategyRefresher
	if cfg.ReasonerModel != "" {
		gen, err := registry.ByName(cfg.ReasonerModel)
		if err != nil {
			return errors.Wrap(err, "reasoner_model is not a registered generator")
		}
		refresher = reasoner.New(st, files, gen, cfg.ReasonerModel, cfg.ReasonerTimeout)
	} else {
		log.Warn("reasoner_model not set, strategy refresh disabled")
	}

	queue := outbound.New(cfg.QueuePath)

	manager := browser.NewManager(cfg.ProfileDir, cfg.Headless)
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop(cfg.KeepBrowserOpenOnExit)

	orch := agent.New(cfg, st, browser.NewDriver(manager), registry, loader, refresher, queue)
	return orch.Run(ctx)
}

// loadCipher prefers an explicit config key, then the WAGENT_ENCRYPTION_KEY
// environment variable or the key file under data_dir.
func loadCipher(cfg *config.Config) (*crypto.Cipher, error) {
	if cfg.EncryptionKey != "" {
		c, err := crypto.NewFromBase64(cfg.EncryptionKey)
		return c, errors.Wrap(err, "encryption_key is not a base64-encoded 32-byte key")
	}
	return crypto.LoadOrCreateKey(cfg.DataDir)
}

func buildRegistry(ctx context.Context, cfg *config.Config, st *store.Store) (*llm.Registry, error) {
	configs, err := st.ListModelConfigs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list model configs")
	}

	log := logger.G(ctx)
	registry := llm.NewRegistry()
	for _, mc := range configs {
		if !mc.Active {
			continue
		}
		switch mc.Provider {
		case "anthropic":
			registry.Register(anthropic.New(mc.Name, cfg.AnthropicAPIKey), cfg.AnthropicAPIKey != "")
		case "openai":
			registry.Register(openai.New(mc.Name, cfg.OpenAIAPIKey), cfg.OpenAIAPIKey != "")
		case "xai":
			registry.Register(openai.New(mc.Name, cfg.XAIAPIKey,
				openai.WithBaseURL(openai.XAIBaseURL),
				openai.WithProvider("xai"),
			), cfg.XAIAPIKey != "")
		case "lmstudio":
			registry.Register(openai.New(mc.Name, "lm-studio",
				openai.WithBaseURL(cfg.LMStudioBaseURL),
				openai.WithProvider("lmstudio"),
			), cfg.LMStudioBaseURL != "")
		case "google":
			if cfg.GoogleAPIKey == "" {
				log.WithField("model", mc.Name).Warn("skipping google generator, GEMINI_API_KEY not set")
				continue
			}
			gen, err := google.New(ctx, mc.Name, cfg.GoogleAPIKey)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to initialize google generator %s", mc.Name)
			}
			registry.Register(gen, true)
		case "ollama":
			registry.Register(ollama.New(mc.Name, cfg.OllamaBaseURL), true)
		default:
			log.WithField("model", mc.Name).WithField("provider", mc.Provider).Warn("unknown provider in model config, skipping")
		}
	}

	if len(registry.ListAvailable()) == 0 {
		return nil, errors.New("no generators registered, add one with: wagent models add <name> <provider>")
	}
	return registry, nil
}

func buildRetriever(cfg *config.Config) (rag.Retriever, func(), error) {
	if !cfg.RAGEnabled {
		return rag.Nop{}, func() {}, nil
	}
	embedder := rag.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.RAGEmbedModel)
	pg, err := rag.OpenPgVector(cfg.RAGDSN, embedder)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open retrieval index")
	}
	return pg, func() { pg.Close() }, nil
}
