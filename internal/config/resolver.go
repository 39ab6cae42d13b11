// Package config resolves configuration from the YAML config file,
// environment variables and CLI flags, with CLI > env > config > default
// priority. Every resolved value remembers where it came from so the CLI
// can explain the effective configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/answermesh/answermesh/internal/cluster"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath string
	CLILLM     string
	CLIEmbed   string
	CLIDBPath  string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath           ResolvedValue `json:"db_path"`
	LLMProvider      ResolvedValue `json:"llm_provider"`
	LLMClassifyModel ResolvedValue `json:"llm_classify_model"`

	EmbedProvider ResolvedValue `json:"embed_provider"`
	EmbedAPIKey   ResolvedValue `json:"embed_api_key"`
	EmbedEndpoint ResolvedValue `json:"embed_endpoint"`

	LLMKeys map[string]ResolvedValue `json:"llm_keys,omitempty"`

	// Thresholds carries the clustering cutoffs with config-file
	// overrides already applied.
	Thresholds cluster.Thresholds `json:"thresholds"`

	// MaxAdjudications is the per-run LLM pair budget. 0 = unlimited.
	MaxAdjudications int `json:"max_adjudications"`
}

type fileConfig struct {
	DBPath string `yaml:"db_path"`
	LLM    struct {
		Provider      string `yaml:"provider"`
		APIKey        string `yaml:"api_key"`
		ClassifyModel string `yaml:"classify_model"`
	} `yaml:"llm"`
	Embed struct {
		Provider string `yaml:"provider"`
		APIKey   string `yaml:"api_key"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"embed"`
	Thresholds struct {
		Embedding            float64 `yaml:"embedding"`
		EmbeddingLogographic float64 `yaml:"embedding_logographic"`
		String               float64 `yaml:"string"`
		Entailment           float64 `yaml:"entailment"`
		OversizeTexts        int     `yaml:"oversize_texts"`
		AuditMin             int     `yaml:"audit_min"`
	} `yaml:"thresholds"`
	MaxAdjudications int `yaml:"max_adjudications"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".answermesh", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath: path,
		LLMKeys:    map[string]ResolvedValue{},
		Thresholds: cluster.DefaultThresholds(),
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.LLMProvider, cfg.LLM.Provider, SourceConfig, path)
		apply(&out.LLMClassifyModel, cfg.LLM.ClassifyModel, SourceConfig, path)
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)

		if key := strings.TrimSpace(cfg.Embed.APIKey); key != "" {
			out.EmbedAPIKey = ResolvedValue{Value: key, Source: SourceConfig, From: path}
		}
		if key := strings.TrimSpace(cfg.LLM.APIKey); key != "" {
			provider := providerOf(cfg.LLM.Provider)
			if provider == "" {
				provider = "default"
			}
			out.LLMKeys[provider] = ResolvedValue{Value: key, Source: SourceConfig, From: path}
		}

		if cfg.Thresholds.Embedding > 0 {
			out.Thresholds.Embedding = cfg.Thresholds.Embedding
		}
		if cfg.Thresholds.EmbeddingLogographic > 0 {
			out.Thresholds.EmbeddingLogographic = cfg.Thresholds.EmbeddingLogographic
		}
		if cfg.Thresholds.String > 0 {
			out.Thresholds.String = cfg.Thresholds.String
		}
		if cfg.Thresholds.Entailment > 0 {
			out.Thresholds.Entailment = cfg.Thresholds.Entailment
		}
		if cfg.Thresholds.OversizeTexts > 0 {
			out.Thresholds.OversizeTexts = cfg.Thresholds.OversizeTexts
		}
		if cfg.Thresholds.AuditMin > 0 {
			out.Thresholds.AuditMin = cfg.Thresholds.AuditMin
		}
		if cfg.MaxAdjudications > 0 {
			out.MaxAdjudications = cfg.MaxAdjudications
		}
	}

	applyEnv(&out.DBPath, "ANSWERMESH_DB")
	applyEnv(&out.LLMProvider, "ANSWERMESH_LLM")
	applyEnv(&out.LLMClassifyModel, "ANSWERMESH_LLM_CLASSIFY")
	applyEnv(&out.EmbedProvider, "ANSWERMESH_EMBED")
	applyEnv(&out.EmbedEndpoint, "ANSWERMESH_EMBED_ENDPOINT")
	if v := strings.TrimSpace(os.Getenv("ANSWERMESH_EMBED_API_KEY")); v != "" {
		out.EmbedAPIKey = ResolvedValue{Value: v, Source: SourceEnv, From: "ANSWERMESH_EMBED_API_KEY"}
	}

	for env, provider := range map[string]string{
		"OPENROUTER_API_KEY": "openrouter",
		"OPENAI_API_KEY":     "openai",
		"GEMINI_API_KEY":     "google",
		"GOOGLE_API_KEY":     "google",
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			out.LLMKeys[provider] = ResolvedValue{Value: v, Source: SourceEnv, From: env}
		}
	}

	apply(&out.LLMProvider, opts.CLILLM, SourceCLI, "--llm")
	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}

	return out, nil
}

// APIKeyForProvider returns the key resolved for a "provider" or
// "provider/model" value.
func (r ResolvedConfig) APIKeyForProvider(providerOrModel string) ResolvedValue {
	provider := providerOf(providerOrModel)
	if provider == "" {
		return ResolvedValue{}
	}
	if v, ok := r.LLMKeys[provider]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	if v, ok := r.LLMKeys["default"]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	return ResolvedValue{}
}

func providerOf(providerOrModel string) string {
	v := strings.ToLower(strings.TrimSpace(providerOrModel))
	if v == "" {
		return ""
	}
	if idx := strings.Index(v, "/"); idx > 0 {
		return v[:idx]
	}
	return v
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
