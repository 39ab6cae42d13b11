package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/answermesh/answermesh/internal/cache"
	"github.com/answermesh/answermesh/internal/store"
)

func runCache(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: answermesh cache <rebuild|reset> --locale <CC-ll> [flags]")
	}
	sub := args[0]
	args = args[1:]

	var (
		localeFlag string
		scopeFlag  string
		dbFlag     string
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--locale":
			i++
			localeFlag = argValue(args, i, "--locale")
		case "--scope":
			i++
			scopeFlag = argValue(args, i, "--scope")
		case "--db":
			i++
			dbFlag = argValue(args, i, "--db")
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	locale, err := parseLocale(localeFlag)
	if err != nil {
		return err
	}

	st, err := store.NewStore(store.Config{DBPath: dbFlag})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	builder, err := cache.NewBuilder(st)
	if err != nil {
		return err
	}
	ctx := context.Background()

	switch sub {
	case "rebuild":
		if err := builder.Rebuild(ctx, st, locale); err != nil {
			return fmt.Errorf("rebuilding expansion index: %w", err)
		}
		fmt.Printf("Expansion index rebuilt for %s\n", locale.Key())
		return nil

	case "reset":
		if scopeFlag == "" {
			return fmt.Errorf("--scope is required (question-map, decisions, blacklist, clusters, expansion)")
		}
		scope, err := parseResetScope(scopeFlag)
		if err != nil {
			return err
		}
		if err := builder.TargetedReset(ctx, st, locale, scope); err != nil {
			return fmt.Errorf("resetting: %w", err)
		}
		fmt.Printf("Reset %s for %s\n", scopeFlag, locale.Key())
		return nil

	default:
		return fmt.Errorf("unknown cache subcommand: %s", sub)
	}
}

func parseResetScope(flag string) (cache.ResetScope, error) {
	var scope cache.ResetScope
	for _, part := range strings.Split(flag, ",") {
		switch strings.TrimSpace(part) {
		case "question-map":
			scope.QuestionClusterMap = true
		case "decisions":
			scope.Decisions = true
		case "blacklist":
			scope.Blacklist = true
		case "clusters":
			scope.ClusterAssignments = true
		case "expansion":
			scope.ExpansionCache = true
		default:
			return scope, fmt.Errorf("unknown reset scope %q", part)
		}
	}
	return scope, nil
}
