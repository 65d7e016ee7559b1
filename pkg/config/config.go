// Package config centralizes runtime configuration for the agent. Values are
// resolved from (in order) an optional .env file, WAGENT_* environment
// variables, and an optional $HOME/.wagent/config.yaml, with defaults applied
// through viper.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds every knob the orchestrator and its collaborators read.
// Global flags (AutomationActive, RespondToAll, RequireContactProfile) are
// read once per tick by the orchestrator only.
type Config struct {
	DataDir     string
	DBPath      string
	QueuePath   string
	ContextsDir string
	ProfileDir  string

	MessageCheckInterval  time.Duration
	TypingPerChar         time.Duration
	CooldownMinutes       int
	StrategyRefreshEvery  int
	RespondToAll          bool
	RequireContactProfile bool
	AutomationActive      bool
	KeepBrowserOpenOnExit bool
	EmergencyHaltAfter    int
	Headless              bool

	FastPathEnabled   bool
	FastPathMaxChars  int
	FastPathMaxTokens int

	GeneratorTimeout time.Duration
	ReasonerTimeout  time.Duration
	ReasonerModel    string

	RAGEnabled    bool
	RAGDSN        string
	RAGTopK       int
	RAGEmbedModel string

	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	XAIAPIKey       string
	OllamaBaseURL   string
	LMStudioBaseURL string

	EncryptionKey string
}

// Cooldown returns the per-chat reply cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

func setDefaults(dataDir string) {
	viper.SetDefault("data_dir", dataDir)
	viper.SetDefault("db_path", filepath.Join(dataDir, "wagent.db"))
	viper.SetDefault("queue_path", filepath.Join(dataDir, "outbound_queue.json"))
	viper.SetDefault("contexts_dir", filepath.Join(dataDir, "contextos"))
	viper.SetDefault("profile_dir", filepath.Join(dataDir, "browser-profile"))

	viper.SetDefault("message_check_interval", 5)
	viper.SetDefault("typing_per_char_ms", 50)
	viper.SetDefault("automator_cooldown_minutes", 2)
	viper.SetDefault("strategy_refresh_every", 10)
	viper.SetDefault("respond_to_all", false)
	viper.SetDefault("require_contact_profile", true)
	viper.SetDefault("automation_active", true)
	viper.SetDefault("keep_browser_open_on_exit", false)
	viper.SetDefault("emergency_halt_after", 5)
	viper.SetDefault("headless", false)

	viper.SetDefault("fast_path.enabled", false)
	viper.SetDefault("fast_path.max_chars", 12)
	viper.SetDefault("fast_path.max_tokens", 128)

	viper.SetDefault("generator_timeout", 30)
	viper.SetDefault("reasoner_timeout", 180)
	viper.SetDefault("reasoner_model", "")

	viper.SetDefault("rag.enabled", false)
	viper.SetDefault("rag.dsn", "")
	viper.SetDefault("rag.top_k", 4)
	viper.SetDefault("rag.embed_model", "text-embedding-3-small")

	viper.SetDefault("ollama_base_url", "http://localhost:11434")
	viper.SetDefault("lmstudio_base_url", "")
}

// Init wires viper to the WAGENT environment prefix and the optional config
// file. Call once at process startup before Load.
func Init() {
	_ = godotenv.Load()

	viper.SetEnvPrefix("WAGENT")
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.wagent")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig()
}

// Load materializes a Config from the current viper state.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve home directory")
	}
	setDefaults(filepath.Join(home, ".wagent"))

	cfg := &Config{
		DataDir:     viper.GetString("data_dir"),
		DBPath:      viper.GetString("db_path"),
		QueuePath:   viper.GetString("queue_path"),
		ContextsDir: viper.GetString("contexts_dir"),
		ProfileDir:  viper.GetString("profile_dir"),

		MessageCheckInterval:  time.Duration(viper.GetInt("message_check_interval")) * time.Second,
		TypingPerChar:         time.Duration(viper.GetInt("typing_per_char_ms")) * time.Millisecond,
		CooldownMinutes:       viper.GetInt("automator_cooldown_minutes"),
		StrategyRefreshEvery:  viper.GetInt("strategy_refresh_every"),
		RespondToAll:          viper.GetBool("respond_to_all"),
		RequireContactProfile: viper.GetBool("require_contact_profile"),
		AutomationActive:      viper.GetBool("automation_active"),
		KeepBrowserOpenOnExit: viper.GetBool("keep_browser_open_on_exit"),
		EmergencyHaltAfter:    viper.GetInt("emergency_halt_after"),
		Headless:              viper.GetBool("headless"),

		FastPathEnabled:   viper.GetBool("fast_path.enabled"),
		FastPathMaxChars:  viper.GetInt("fast_path.max_chars"),
		FastPathMaxTokens: viper.GetInt("fast_path.max_tokens"),

		GeneratorTimeout: time.Duration(viper.GetInt("generator_timeout")) * time.Second,
		ReasonerTimeout:  time.Duration(viper.GetInt("reasoner_timeout")) * time.Second,
		ReasonerModel:    viper.GetString("reasoner_model"),

		RAGEnabled:    viper.GetBool("rag.enabled"),
		RAGDSN:        viper.GetString("rag.dsn"),
		RAGTopK:       viper.GetInt("rag.top_k"),
		RAGEmbedModel: viper.GetString("rag.embed_model"),

		AnthropicAPIKey: firstNonEmpty(viper.GetString("anthropic_api_key"), os.Getenv("ANTHROPIC_API_KEY")),
		OpenAIAPIKey:    firstNonEmpty(viper.GetString("openai_api_key"), os.Getenv("OPENAI_API_KEY")),
		GoogleAPIKey:    firstNonEmpty(viper.GetString("google_api_key"), os.Getenv("GEMINI_API_KEY")),
		XAIAPIKey:       firstNonEmpty(viper.GetString("xai_api_key"), os.Getenv("XAI_API_KEY")),
		OllamaBaseURL:   viper.GetString("ollama_base_url"),
		LMStudioBaseURL: viper.GetString("lmstudio_base_url"),

		EncryptionKey: viper.GetString("encryption_key"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with. A
// validation failure is fatal at startup.
func (c *Config) Validate() error {
	if c.MessageCheckInterval <= 0 {
		return errors.New("message_check_interval must be positive")
	}
	if c.CooldownMinutes < 0 {
		return errors.New("automator_cooldown_minutes must not be negative")
	}
	if c.StrategyRefreshEvery <= 0 {
		return errors.New("strategy_refresh_every must be positive")
	}
	if c.EmergencyHaltAfter <= 0 {
		return errors.New("emergency_halt_after must be positive")
	}
	if c.RAGEnabled && c.RAGDSN == "" {
		return errors.New("rag.dsn is required when rag.enabled is set")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
