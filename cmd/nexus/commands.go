package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/m4xw311/nexus/agent/terminal"
	"github.com/m4xw311/nexus/auth"
	"github.com/m4xw311/nexus/config"
	"github.com/m4xw311/nexus/errors"
	"github.com/m4xw311/nexus/gateway"
	"github.com/m4xw311/nexus/llm"
	"github.com/m4xw311/nexus/prompt"
	"github.com/m4xw311/nexus/tools/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbosity  string

	rootCmd = &cobra.Command{
		Use:           "nexus",
		Short:         "A streaming chat gateway that lets a language model query your data through MCP tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question locally; without one, start an interactive session",
		RunE:  runAsk,
	}

	hashPasswordCmd = &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash suitable for ADMIN_PASSWORD_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (defaults to ~/.nexus/config.yaml and ./.nexus/config.yaml)")
	askCmd.Flags().StringVar(&verbosity, "verbosity", string(terminal.VerbosityInfo), "tool verbosity: 'none', 'info', or 'all'")
	rootCmd.AddCommand(serveCmd, askCmd, hashPasswordCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, true)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newLLMClient(ctx, cfg)
	if err != nil {
		return err
	}
	instruction, err := prompt.Load(cfg.SystemPromptFile)
	if err != nil {
		return err
	}
	logger.Info("system instruction loaded", "version", instruction.Version)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := gateway.New(gateway.Options{
		Config:      cfg,
		Client:      client,
		Opener:      &mcp.Launcher{Config: cfg.ToolProvider, Logger: logger},
		Instruction: instruction,
		Logger:      logger,
		Registry:    reg,
	})
	if err != nil {
		return err
	}
	logger.Info("starting nexus", "llm", cfg.LLMClient, "model", cfg.Model, "port", cfg.Port, "max_steps", cfg.MaxSteps, "auth", !cfg.Auth.Disabled)
	return srv.Run(ctx)
}

func runAsk(cmd *cobra.Command, args []string) error {
	v, err := terminal.ParseVerbosity(verbosity)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	// Local use: nobody to authenticate.
	cfg.Auth.Disabled = true
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, false)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newLLMClient(ctx, cfg)
	if err != nil {
		return err
	}
	srv, err := gateway.New(gateway.Options{
		Config: cfg,
		Client: client,
		Opener: &mcp.Launcher{Config: cfg.ToolProvider, Logger: logger},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	term := terminal.New(srv.Controller(), v, cmd.InOrStdin(), out)
	if len(args) > 0 {
		return term.Ask(ctx, strings.Join(args, " "))
	}
	fmt.Fprintln(out, "Nexus is ready. Type your question.")
	return term.Run(ctx, "")
}

func newLLMClient(ctx context.Context, cfg *config.Config) (llm.LLMClient, error) {
	var (
		client llm.LLMClient
		err    error
	)
	switch cfg.LLMClient {
	case "gemini":
		client, err = llm.NewGeminiLLMClient(ctx, cfg.Model)
	case "openai":
		client, err = llm.NewOpenAILLMClient(ctx, cfg.Model)
	case "bedrock":
		client, err = llm.NewBedrockLLMClient(ctx, cfg.Model)
	case "anthropic":
		client, err = llm.NewAnthropicLLMClient(ctx, cfg.Model)
	case "mock":
		client = &llm.MockLLMClient{}
	default:
		return nil, errors.New("unknown LLM provider '%s'", cfg.LLMClient)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error initializing %s client", cfg.LLMClient)
	}
	return client, nil
}

func newLogger(w io.Writer, level string, json bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
