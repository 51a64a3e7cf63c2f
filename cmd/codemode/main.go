package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"codemode-runtime/internal/config"
	"codemode-runtime/internal/sandbox"
)

var version = "dev"

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	// The sandbox backends re-execute this binary as the snippet child.
	if sandbox.IsChild() {
		os.Exit(sandbox.RunChild(os.Stdin, os.Stdout, os.Stderr))
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "codemode",
		Short:         "Run Lua snippets against a sandboxed tool library",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $CODEMODE_CONFIG or "+config.DefaultPath+")")

	load := func() (*config.Config, error) {
		cfg, err := config.Resolve(configPath)
		if err != nil {
			return nil, err
		}
		setupLogging(cfg.Logging)
		return cfg, nil
	}

	root.AddCommand(
		newRunCmd(load),
		newServeCmd(load),
		newMCPCmd(load),
		newToolsCmd(load),
		newSessionsCmd(load),
		newSkillsCmd(load),
	)
	return root
}

// setupLogging applies the configured level and format. Logs always go to
// stderr so stdout stays free for snippet output and the MCP protocol.
func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "json" || os.Getenv("ENV") == "production" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
