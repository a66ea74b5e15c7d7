// Kestrel is a task agent that drives tools exposed by MCP servers.
//
// Given a free-text task, it discovers tools from one or more MCP
// endpoints, asks an LLM backend which tool to call next, and iterates
// until the task is judged complete or the turn limit runs out.
//
// Usage:
//
//	kestrel run -task "list my files" [-servers url,url] [-max-turns 5]
//	kestrel history [-limit 20]
//	kestrel version
//
// Configuration is loaded from a YAML file discovered automatically
// (see [config.DefaultSearchPaths]); flags override it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kestrelhq/kestrel/internal/agent"
	"github.com/kestrelhq/kestrel/internal/buildinfo"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/decision"
	"github.com/kestrelhq/kestrel/internal/history"
	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/mcp"
	"github.com/kestrelhq/kestrel/internal/registry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "run":
		return runTask(ctx, args[1:])
	case "history":
		return showHistory(ctx, args[1:])
	case "version":
		fmt.Println(buildinfo.String())
		return 0
	default:
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kestrel <run|history|version> [flags]")
}

func runTask(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "config file path")
		servers    = fs.String("servers", "", "comma-separated MCP endpoint URLs (overrides config)")
		task       = fs.String("task", "", "task to run")
		maxTurns   = fs.Int("max-turns", 0, "turn limit (overrides config)")
		logLevel   = fs.String("log-level", "", "log level (trace, debug, info, warn, error)")
	)
	fs.Parse(args)

	if *task == "" {
		fmt.Fprintln(os.Stderr, "kestrel run: -task is required")
		return 2
	}

	cfg, err := loadConfig(*configPath, *servers != "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *servers != "" {
		cfg.Servers = nil
		for i, url := range strings.Split(*servers, ",") {
			cfg.Servers = append(cfg.Servers, config.ServerConfig{
				Name: fmt.Sprintf("server%d", i+1),
				URL:  strings.TrimSpace(url),
			})
		}
	}
	if *maxTurns > 0 {
		cfg.MaxTurns = *maxTurns
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if len(cfg.Servers) == 0 {
		fmt.Fprintln(os.Stderr, "kestrel run: no MCP servers configured")
		return 2
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	clients := make([]*mcp.Client, 0, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		transport := mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     sc.URL,
			Headers: sc.Headers,
			Logger:  logger,
		})
		clients = append(clients, mcp.NewClient(sc.Name, transport, logger))
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	dec := decision.NewService(llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout(),
		Logger:  logger,
	}), logger)
	dec.Probe(ctx)

	reg, err := registry.Build(ctx, clients, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tool discovery failed: %v\n", err)
		return 1
	}

	opts := []agent.Option{}
	if cfg.DataDir != "" {
		store, err := history.Open(cfg.DataDir)
		if err != nil {
			logger.Warn("run history disabled", "error", err)
		} else {
			defer store.Close()
			opts = append(opts, agent.WithRecorder(store))
		}
	}

	runner := agent.NewRunner(reg, dec, logger, opts...)
	outcome := runner.Run(ctx, *task, cfg.MaxTurns)

	printOutcome(outcome)
	if last := outcome.LastSuccess(); last != "" {
		fmt.Println()
		fmt.Println(dec.Summarize(ctx, *task, last))
	} else {
		fmt.Println("\nTask could not be completed successfully.")
	}

	if outcome.State == agent.StateDone {
		return 0
	}
	return 1
}

func showHistory(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "config file path")
		limit      = fs.Int("limit", 20, "number of runs to show")
		runID      = fs.String("run", "", "show full detail for one run id")
	)
	fs.Parse(args)

	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.DataDir == "" {
		fmt.Fprintln(os.Stderr, "kestrel history: data_dir is not configured")
		return 2
	}

	store, err := history.Open(cfg.DataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	if *runID != "" {
		outcome, err := store.Get(ctx, *runID)
		if err != nil {
			if errors.Is(err, history.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "no run %s\n", *runID)
				return 1
			}
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		printOutcome(outcome)
		return 0
	}

	outcomes, err := store.List(ctx, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, o := range outcomes {
		fmt.Printf("%s  %-9s  %d turn(s)  %s\n", o.RunID, o.State, o.TurnsTaken, o.Task)
	}
	return 0
}

// loadConfig loads the discovered config file. When optional is true, a
// missing file falls back to defaults (servers are expected on flags).
func loadConfig(explicit string, optional bool) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if optional && explicit == "" {
			return config.Default(), nil
		}
		return nil, err
	}
	return config.Load(path)
}

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func printOutcome(o *agent.Outcome) {
	fmt.Printf("Task: %s\n", o.Task)
	fmt.Printf("State: %s\n", o.State)
	fmt.Printf("Turns taken: %d\n", o.TurnsTaken)
	for _, t := range o.Turns {
		if t.Success {
			fmt.Printf("  turn %d: %s ok\n", t.Turn, t.Tool)
		} else {
			fmt.Printf("  turn %d: %s failed: %s\n", t.Turn, t.Tool, t.Err)
		}
	}
}
