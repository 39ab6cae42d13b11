package main

import (
	"fmt"
	"os"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "import":
		err = runImport(os.Args[2:])
	case "sync":
		err = runSync(os.Args[2:])
	case "expand":
		err = runExpand(os.Args[2:])
	case "cache":
		err = runCache(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("answermesh %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`answermesh — survey answer equivalence engine

Usage:
  answermesh import <questions.jsonl> <answers.jsonl> [--db <path>]
      Import a locale-partitioned question/answer export.

  answermesh sync --locale <CC-ll> [flags]
      Run the clustering engine for one locale.
        --dry-run             compute everything, commit nothing, print artifacts
        --incremental         incremental run (refused before first full resync)
        --budget <n>          abort if more than n LLM pair verdicts would be needed
        --llm <prov/model>    adjudication model (google/..., openrouter/...)
        --classify-llm <p/m>  LLM question classifier instead of the keyword scan
        --embed <prov/model>  embedding model (ollama/..., openai/..., custom/...)
        --db <path>           database path

  answermesh expand --locale <CC-ll> --sources <file.json> [flags]
      Expand a user's answers through the equivalence index.
        --targets <q1,q2>     restrict expansion to these questions
        --strict              error on queries outside the restriction

  answermesh cache rebuild --locale <CC-ll> [--db <path>]
  answermesh cache reset --locale <CC-ll> --scope <s1,s2> [--db <path>]
      Scopes: question-map, decisions, blacklist, clusters, expansion

  answermesh stats [--db <path>]
  answermesh config [--config <path>]
  answermesh version`)
}
