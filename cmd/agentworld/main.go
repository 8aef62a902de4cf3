// Package main is the CLI for the agent world runtime.
//
// Start an interactive chat against a world:
//
//	agentworld chat --config agentworld.yaml --world w1
//
// Manage worlds and agents:
//
//	agentworld worlds list
//	agentworld worlds create --name demo
//	agentworld agents create --world w1 --id a1 --provider openai --model gpt-4o
//
// Environment variables:
//
//   - AGENTWORLD_CONFIG: config file path (default: agentworld.yaml)
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY: provider credentials
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentworld/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	// A local .env is a convenience for credentials; absence is fine.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "agentworld",
		Short:         "Multi-agent world runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "config file path")

	root.AddCommand(newChatCmd())
	root.AddCommand(newWorldsCmd())
	root.AddCommand(newAgentsCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("AGENTWORLD_CONFIG"); p != "" {
		return p
	}
	return "agentworld.yaml"
}

// loadConfig reads the configured file, tolerating a missing default file.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); err != nil {
		if os.IsNotExist(err) && configPath == defaultConfigPath() {
			return config.Load("")
		}
		return nil, err
	}
	return config.Load(configPath)
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentworld %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
