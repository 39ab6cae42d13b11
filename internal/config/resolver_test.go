package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfig_Precedence_ConfigEnvCLI(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	yaml := `db_path: ~/.answermesh/from-config.db
llm:
  provider: openrouter/x-ai/grok-4.1-fast
  classify_model: openrouter/deepseek/deepseek-v3.2
embed:
  provider: ollama/nomic-embed-text
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ANSWERMESH_DB", "~/from-env.db")
	t.Setenv("ANSWERMESH_LLM", "google/gemini-2.5-flash")

	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: cfgPath,
		CLILLM:     "openrouter/google/gemini-2.0-flash-001",
		CLIDBPath:  "~/from-cli.db",
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}

	if resolved.DBPath.Source != SourceCLI {
		t.Fatalf("expected DB path source cli, got %s", resolved.DBPath.Source)
	}
	if resolved.LLMProvider.Source != SourceCLI {
		t.Fatalf("expected llm provider source cli, got %s", resolved.LLMProvider.Source)
	}
	if resolved.LLMClassifyModel.Source != SourceConfig {
		t.Fatalf("expected classify model from config, got %s", resolved.LLMClassifyModel.Source)
	}
	if resolved.EmbedProvider.Source != SourceConfig {
		t.Fatalf("expected embed provider from config, got %s", resolved.EmbedProvider.Source)
	}
}

func TestResolveConfig_MissingFileIsNotAnError(t *testing.T) {
	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: filepath.Join(t.TempDir(), "nope.yaml"),
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if resolved.Thresholds.Embedding != 0.70 {
		t.Fatalf("missing config must keep the default thresholds, got %v", resolved.Thresholds.Embedding)
	}
}

func TestResolveConfig_ThresholdOverrides(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	yaml := `thresholds:
  embedding: 0.75
  string: 0.95
max_adjudications: 5000
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if resolved.Thresholds.Embedding != 0.75 {
		t.Fatalf("embedding threshold = %v, want 0.75", resolved.Thresholds.Embedding)
	}
	if resolved.Thresholds.String != 0.95 {
		t.Fatalf("string threshold = %v, want 0.95", resolved.Thresholds.String)
	}
	// Untouched values keep their defaults.
	if resolved.Thresholds.Entailment != 0.85 {
		t.Fatalf("entailment threshold = %v, want the 0.85 default", resolved.Thresholds.Entailment)
	}
	if resolved.MaxAdjudications != 5000 {
		t.Fatalf("max adjudications = %d, want 5000", resolved.MaxAdjudications)
	}
}

func TestAPIKeyForProvider_EnvOverridesConfig(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	yaml := `llm:
  provider: openrouter/x-ai/grok-4.1-fast
  api_key: config-key
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OPENROUTER_API_KEY", "env-key")

	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	k := resolved.APIKeyForProvider("openrouter/some-model")
	if k.Value != "env-key" {
		t.Fatalf("expected env key, got %q", k.Value)
	}
	if k.Source != SourceEnv {
		t.Fatalf("expected source env, got %s", k.Source)
	}
}

func TestAPIKeyForProvider_DefaultFallback(t *testing.T) {
	resolved := ResolvedConfig{LLMKeys: map[string]ResolvedValue{
		"default": {Value: "config-key", Source: SourceConfig},
	}}
	if k := resolved.APIKeyForProvider("openrouter/some-model"); k.Value != "config-key" {
		t.Fatalf("expected the default key, got %q", k.Value)
	}
	if k := resolved.APIKeyForProvider(""); k.Value != "" {
		t.Fatalf("empty provider must resolve no key, got %q", k.Value)
	}
}
