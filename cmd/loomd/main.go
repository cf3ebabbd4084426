// Command loomd runs the workflow engine daemon: the dispatch and
// completion pollers plus the in-process worker pool, against the
// configured row store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomrun/loom"
	"github.com/loomrun/loom/internal/xjson"
)

var (
	flagStorageDriver string
	flagDataDir       string
	flagDSN           string
	flagRedisAddr     string
	flagRedisPassword string
	flagRedisDB       int
	flagNotifyChannel string
	flagLLMKey        string
	flagLLMBaseURL    string
	flagLLMModel      string
	flagPollInterval  time.Duration
	flagWorkers       int
	flagLogLevel      string
	flagConfigFile    string
)

func main() {
	root := &cobra.Command{
		Use:   "loomd",
		Short: "workflow execution engine daemon",
	}
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "run the dispatch and completion pollers",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&flagConfigFile, "config", "", "JSON config file; flags override its values")
	serve.Flags().StringVar(&flagStorageDriver, "storage", "memory", "storage driver (memory, badger, postgres)")
	serve.Flags().StringVar(&flagDataDir, "data-dir", "", "data directory for badger storage and local files")
	serve.Flags().StringVar(&flagDSN, "dsn", "", "postgres connection string")
	serve.Flags().StringVar(&flagRedisAddr, "redis-addr", "", "redis address for results and notifications")
	serve.Flags().StringVar(&flagRedisPassword, "redis-password", "", "redis password")
	serve.Flags().IntVar(&flagRedisDB, "redis-db", 0, "redis database")
	serve.Flags().StringVar(&flagNotifyChannel, "notify-channel", "loom:events", "notification channel prefix")
	serve.Flags().StringVar(&flagLLMKey, "llm-api-key", os.Getenv("LOOM_LLM_API_KEY"), "LLM API key")
	serve.Flags().StringVar(&flagLLMBaseURL, "llm-base-url", "", "LLM API base URL override")
	serve.Flags().StringVar(&flagLLMModel, "llm-model", "", "default model name")
	serve.Flags().DurationVar(&flagPollInterval, "poll-interval", time.Second, "poller interval")
	serve.Flags().IntVar(&flagWorkers, "workers", 8, "worker pool size")

	validate := &cobra.Command{
		Use:   "validate <graph.json>",
		Short: "validate a workflow graph file",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	root.AddCommand(serve, validate)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	cfg, err := buildConfig(cmd, logger)
	if err != nil {
		return err
	}

	eng, err := loom.New(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	logger.Info("loomd serving", "storage", flagStorageDriver, "workers", flagWorkers)

	<-ctx.Done()
	logger.Info("shutting down")
	return eng.Stop()
}

// buildConfig starts from the JSON config file when one is given and lets
// flags override its values.
func buildConfig(cmd *cobra.Command, logger *slog.Logger) (*loom.Config, error) {
	cfg := loom.DefaultConfig()
	if flagConfigFile != "" {
		raw, err := os.ReadFile(flagConfigFile)
		if err != nil {
			return nil, err
		}
		if err := xjson.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", flagConfigFile, err)
		}
	}
	cfg.Logger = logger
	if cmd.Flags().Changed("poll-interval") {
		cfg.Dispatch.PollInterval = flagPollInterval
		cfg.Completion.PollInterval = flagPollInterval
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers.Count = flagWorkers
		cfg.Workers.QueueDepth = flagWorkers * 32
	}
	if flagLLMKey != "" {
		cfg.LLM.APIKey = flagLLMKey
	}
	if flagLLMBaseURL != "" {
		cfg.LLM.BaseURL = flagLLMBaseURL
	}
	if flagLLMModel != "" {
		cfg.LLM.DefaultModel = flagLLMModel
	}

	if cmd.Flags().Changed("storage") || cfg.Storage.Driver == "" {
		switch flagStorageDriver {
		case "memory":
			cfg.Storage.Driver = loom.StorageMemory
		case "badger":
			cfg.Storage.Driver = loom.StorageBadger
		case "postgres":
			cfg.Storage.Driver = loom.StoragePostgres
		default:
			return nil, fmt.Errorf("unknown storage driver %q", flagStorageDriver)
		}
	}
	if flagDataDir != "" {
		cfg.Storage.DataDir = flagDataDir
	}
	if flagDSN != "" {
		cfg.Storage.DSN = flagDSN
	}
	switch cfg.Storage.Driver {
	case loom.StorageBadger:
		if cfg.Storage.DataDir == "" {
			return nil, fmt.Errorf("badger storage requires --data-dir")
		}
	case loom.StoragePostgres:
		if cfg.Storage.DSN == "" {
			return nil, fmt.Errorf("postgres storage requires --dsn")
		}
	}
	if flagRedisAddr != "" {
		cfg.Results = loom.ResultsConfig{Driver: "redis", Addr: flagRedisAddr,
			Password: flagRedisPassword, DB: flagRedisDB}
		cfg.Notify = loom.NotifyConfig{Driver: "redis", Addr: flagRedisAddr,
			Password: flagRedisPassword, DB: flagRedisDB, Channel: flagNotifyChannel}
	}
	return cfg, nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	g, err := loom.GraphFromJSON(raw)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := g.Validate(); err != nil {
		return fmt.Errorf("invalid graph: %w", err)
	}
	fmt.Printf("graph ok: %d nodes, %d edges, %d levels\n",
		len(g.Nodes), len(g.Edges), g.MaxLevel())
	return nil
}
