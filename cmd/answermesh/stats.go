package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/answermesh/answermesh/internal/config"
	"github.com/answermesh/answermesh/internal/store"
)

func runStats(args []string) error {
	var dbFlag string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--db":
			i++
			dbFlag = argValue(args, i, "--db")
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	st, err := store.NewStore(store.Config{DBPath: dbFlag})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	stats, err := st.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Questions:  %d\n", stats.Questions)
	fmt.Printf("Answers:    %d\n", stats.Answers)
	fmt.Printf("Clusters:   %d (%d members)\n", stats.Clusters, stats.Members)
	fmt.Printf("Exclusions: %d\n", stats.Exclusions)
	fmt.Printf("Orphans:    %d\n", stats.Orphans)
	fmt.Printf("Overlaps:   %d\n", stats.Overlaps)
	fmt.Printf("Decisions:  %d\n", stats.Decisions)
	return nil
}

func runConfig(args []string) error {
	var configFlag string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			configFlag = argValue(args, i, "--config")
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	cfg, err := config.ResolveConfig(config.ResolveOptions{ConfigPath: configFlag})
	if err != nil {
		return err
	}

	// Keys are redacted; only their source is shown.
	for provider, key := range cfg.LLMKeys {
		key.Value = "(set)"
		cfg.LLMKeys[provider] = key
	}
	if cfg.EmbedAPIKey.Value != "" {
		cfg.EmbedAPIKey.Value = "(set)"
	}

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
