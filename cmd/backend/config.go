package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/dm-companion/internal/api"
	"github.com/MegaGrindStone/dm-companion/internal/rules"
	"github.com/MegaGrindStone/dm-companion/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(ctx context.Context, systemPrompt string, logger *slog.Logger) (api.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	services.LLMParameters `yaml:",inline"`
}

type config struct {
	Port         string
	SystemPrompt string
	LogLevel     string
	LogFormat    string
	LLM          llmConfig
	Embedder     embedderConfig
	Rules        rulesConfig
	Store        storeConfig
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type geminiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type embedderConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Host     string `yaml:"host"`
	APIKey   string `yaml:"apiKey"`
	BaseURL  string `yaml:"baseURL"`
}

type rulesConfig struct {
	Path string `yaml:"path"`
	TopK int    `yaml:"topK"`
}

type storeConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

const (
	configEnv = "DMCOMPANION_BACKEND_CONFIG"
	appDir    = "dmcompanion"
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		SystemPrompt string         `yaml:"systemPrompt"`
		LogLevel     string         `yaml:"logLevel"`
		LogFormat    string         `yaml:"logFormat"`
		LLM          map[string]any `yaml:"llm"`
		Embedder     embedderConfig `yaml:"embedder"`
		Rules        rulesConfig    `yaml:"rules"`
		Store        storeConfig    `yaml:"store"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "gemini":
		llm = &geminiConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.LogLevel = rawConfig.LogLevel
	c.LogFormat = rawConfig.LogFormat
	c.LLM = llm
	c.Embedder = rawConfig.Embedder
	c.Rules = rawConfig.Rules
	c.Store = rawConfig.Store

	return nil
}

// loadConfig reads the config file named by DMCOMPANION_BACKEND_CONFIG, or backend.yaml in the user
// config directory, and fills in the defaults.
func loadConfig() (config, error) {
	path := os.Getenv(configEnv)
	if path == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return config{}, fmt.Errorf("error getting user config dir: %w", err)
		}
		path = filepath.Join(cfgDir, appDir, "backend.yaml")
	}

	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}

	if cfg.Port == "" {
		cfg.Port = "8000"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = services.DefaultSystemPrompt
	}
	if cfg.Rules.TopK <= 0 {
		cfg.Rules.TopK = rules.DefaultTopK
	}
	if cfg.Store.Type == "" {
		cfg.Store.Type = "bolt"
	}

	return cfg, nil
}

func (o ollamaConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (api.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, systemPrompt, o.LLMParameters, logger)
}

func (o openAIConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (api.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.LLMParameters, logger), nil
}

func (a anthropicConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (api.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == nil || *a.MaxTokens <= 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Model, systemPrompt, *a.MaxTokens, a.LLMParameters, logger), nil
}

func (o openRouterConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (api.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return services.NewOpenRouter(apiKey, o.Model, systemPrompt, o.LLMParameters, logger), nil
}

func (g geminiConfig) llm(ctx context.Context, systemPrompt string, logger *slog.Logger) (api.LLM, error) {
	if g.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := g.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	return services.NewGemini(ctx, apiKey, g.BaseURL, g.Model, systemPrompt, g.LLMParameters, logger)
}

func (e embedderConfig) embedder() (rules.Embedder, error) {
	switch e.Provider {
	case "", "openai":
		apiKey := e.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return services.NewOpenAIEmbedder(apiKey, e.BaseURL, e.Model), nil
	case "ollama":
		if e.Model == "" {
			return nil, fmt.Errorf("embedder model is required")
		}
		host := e.Host
		if host == "" {
			host = os.Getenv("OLLAMA_HOST")
		}
		return services.NewOllamaEmbedder(host, e.Model)
	default:
		return nil, fmt.Errorf("unknown embedder provider: %s", e.Provider)
	}
}
