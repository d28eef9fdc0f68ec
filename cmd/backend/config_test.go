package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MegaGrindStone/dm-companion/internal/rules"
	"github.com/MegaGrindStone/dm-companion/internal/services"
	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    any
		wantErr bool
	}{
		{
			name: "Ollama",
			yaml: `
llm:
  provider: ollama
  model: llama3.1
  host: http://localhost:11434
  temperature: 0.2
`,
			want: &ollamaConfig{},
		},
		{
			name: "Anthropic",
			yaml: `
llm:
  provider: anthropic
  model: claude-3-5-haiku-latest
  maxTokens: 1024
`,
			want: &anthropicConfig{},
		},
		{
			name:    "Missing provider",
			yaml:    "llm:\n  model: llama3.1\n",
			wantErr: true,
		},
		{
			name:    "Unknown provider",
			yaml:    "llm:\n  provider: nope\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			err := yaml.Unmarshal([]byte(tt.yaml), &cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			switch want := tt.want.(type) {
			case *ollamaConfig:
				got, ok := cfg.LLM.(*ollamaConfig)
				if !ok {
					t.Fatalf("LLM = %T, want %T", cfg.LLM, want)
				}
				if got.Host != "http://localhost:11434" || got.Model != "llama3.1" {
					t.Errorf("LLM = %+v", got)
				}
				if got.Temperature == nil || *got.Temperature != 0.2 {
					t.Errorf("Temperature = %v, want 0.2", got.Temperature)
				}
			case *anthropicConfig:
				got, ok := cfg.LLM.(*anthropicConfig)
				if !ok {
					t.Fatalf("LLM = %T, want %T", cfg.LLM, want)
				}
				if got.MaxTokens == nil || *got.MaxTokens != 1024 {
					t.Errorf("MaxTokens = %v, want 1024", got.MaxTokens)
				}
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backend.yaml")
	content := `
port: "9000"
llm:
  provider: openai
  model: gpt-4o-mini
rules:
  path: spells.json
store:
  type: sqlite
  path: chats.sqlite
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(configEnv, path)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Port != "9000" {
		t.Errorf("Port = %q, want %q", cfg.Port, "9000")
	}
	if cfg.SystemPrompt != services.DefaultSystemPrompt {
		t.Errorf("SystemPrompt should default to the rules assistant prompt")
	}
	if cfg.Rules.TopK != rules.DefaultTopK {
		t.Errorf("Rules.TopK = %d, want %d", cfg.Rules.TopK, rules.DefaultTopK)
	}
	if cfg.Store.Type != "sqlite" || cfg.Store.Path != "chats.sqlite" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if _, ok := cfg.LLM.(*openAIConfig); !ok {
		t.Errorf("LLM = %T, want *openAIConfig", cfg.LLM)
	}
}

func TestOpenStoreUnknownType(t *testing.T) {
	if _, err := openStore(storeConfig{Type: "redis"}); err == nil {
		t.Error("openStore() should reject unknown store types")
	}
}

func TestEmbedderConfig(t *testing.T) {
	if _, err := (embedderConfig{Provider: "openai", APIKey: "key"}).embedder(); err != nil {
		t.Errorf("embedder() error = %v", err)
	}
	if _, err := (embedderConfig{Provider: "ollama"}).embedder(); err == nil {
		t.Error("embedder() should require a model for ollama")
	}
	if _, err := (embedderConfig{Provider: "cohere"}).embedder(); err == nil {
		t.Error("embedder() should reject unknown providers")
	}
}
