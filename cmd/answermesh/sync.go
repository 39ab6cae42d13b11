package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/answermesh/answermesh/internal/adjudicate"
	"github.com/answermesh/answermesh/internal/cache"
	"github.com/answermesh/answermesh/internal/cluster"
	"github.com/answermesh/answermesh/internal/config"
	"github.com/answermesh/answermesh/internal/embed"
	"github.com/answermesh/answermesh/internal/llm"
	"github.com/answermesh/answermesh/internal/store"
)

const defaultEmbedFlag = "ollama/nomic-embed-text"

func runSync(args []string) error {
	var (
		localeFlag   string
		dryRun       bool
		incremental  bool
		budget       int
		llmFlag      string
		classifyFlag string
		embedFlag    string
		dbFlag       string
		configFlag   string
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			dryRun = true
		case "--incremental":
			incremental = true
		case "--locale":
			i++
			localeFlag = argValue(args, i, "--locale")
		case "--budget":
			i++
			n, err := strconv.Atoi(argValue(args, i, "--budget"))
			if err != nil {
				return fmt.Errorf("invalid --budget: %w", err)
			}
			budget = n
		case "--llm":
			i++
			llmFlag = argValue(args, i, "--llm")
		case "--classify-llm":
			i++
			classifyFlag = argValue(args, i, "--classify-llm")
		case "--embed":
			i++
			embedFlag = argValue(args, i, "--embed")
		case "--db":
			i++
			dbFlag = argValue(args, i, "--db")
		case "--config":
			i++
			configFlag = argValue(args, i, "--config")
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	locale, err := parseLocale(localeFlag)
	if err != nil {
		return err
	}

	cfg, err := config.ResolveConfig(config.ResolveOptions{
		ConfigPath: configFlag,
		CLILLM:     llmFlag,
		CLIEmbed:   embedFlag,
		CLIDBPath:  dbFlag,
	})
	if err != nil {
		return err
	}

	st, err := store.NewStore(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return err
	}
	provider, err := buildProvider(cfg, cfg.LLMProvider.Value)
	if err != nil {
		return err
	}
	adj := adjudicate.New(provider, st, adjudicate.Opts{})

	var classifier cluster.LocationClassifier
	classifyModel := classifyFlag
	if classifyModel == "" {
		classifyModel = cfg.LLMClassifyModel.Value
	}
	if classifyModel != "" {
		classifyProvider, err := buildProvider(cfg, classifyModel)
		if err != nil {
			return err
		}
		classifier = &cluster.LLMClassifier{Provider: classifyProvider}
	}

	if budget == 0 {
		budget = cfg.MaxAdjudications
	}

	ctx := context.Background()
	engine := cluster.NewEngine(st, embedder, adj, classifier, cfg.Thresholds)

	if dryRun {
		fmt.Println("Dry run mode — no changes will be written")
	}
	fmt.Printf("Clustering locale %s...\n", locale.Key())

	report, err := engine.Run(ctx, locale, cluster.Options{
		DryRun:           dryRun,
		Incremental:      incremental,
		MaxAdjudications: budget,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Run %s: %d questions, %d answers, %d groups\n",
		report.RunID, report.Questions, report.Answers, report.Groups)
	fmt.Printf("Adjudicated %d pairs (%d from cache), %d audit iterations, %d orphan retries\n",
		report.AdjudicatedPairs, report.CachedVerdicts, report.AuditIterations, report.OrphanRetries)
	fmt.Printf("Clusters: %d, orphans: %d, overlaps: %d\n",
		len(report.Clusters), len(report.Orphans), len(report.Overlaps))

	if dryRun {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	builder, err := cache.NewBuilder(st)
	if err != nil {
		return err
	}
	if err := builder.Rebuild(ctx, st, locale); err != nil {
		return fmt.Errorf("rebuilding expansion index: %w", err)
	}
	fmt.Println("Expansion index rebuilt.")
	return nil
}

func buildEmbedder(cfg config.ResolvedConfig) (embed.Embedder, error) {
	flag := cfg.EmbedProvider.Value
	if flag == "" {
		flag = defaultEmbedFlag
	}
	embedCfg, err := embed.ParseFlag(flag)
	if err != nil {
		return nil, err
	}
	if cfg.EmbedEndpoint.Value != "" {
		embedCfg.Endpoint = cfg.EmbedEndpoint.Value
	}
	if cfg.EmbedAPIKey.Value != "" {
		embedCfg.APIKey = cfg.EmbedAPIKey.Value
	}
	return embed.NewClient(embedCfg)
}

func buildProvider(cfg config.ResolvedConfig, flag string) (llm.Provider, error) {
	llmCfg, err := llm.ParseFlag(flag)
	if err != nil {
		return nil, err
	}
	if key := cfg.APIKeyForProvider(flag); key.Value != "" {
		llmCfg.APIKey = key.Value
	}
	return llm.NewProvider(llmCfg)
}

func parseLocale(flag string) (store.Locale, error) {
	idx := strings.Index(flag, "-")
	if idx <= 0 || idx == len(flag)-1 {
		return store.Locale{}, fmt.Errorf("invalid --locale %q: expected CC-ll (e.g. US-en)", flag)
	}
	return store.Locale{Country: flag[:idx], Language: flag[idx+1:]}, nil
}

func argValue(args []string, i int, flag string) string {
	if i >= len(args) {
		fmt.Printf("Warning: %s requires a value\n", flag)
		return ""
	}
	return args[i]
}
