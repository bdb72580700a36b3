// ABOUTME: Entry point for consult-chat, a terminal client for consultation rooms
// ABOUTME: The widget subcommand is the customer side, console is the agent side

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/consult-session/internal/config"
	"github.com/2389/consult-session/internal/logging"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var profilePath string

	root := &cobra.Command{
		Use:           "consult-chat",
		Short:         "Chat in consultation rooms from the terminal",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&profilePath, "profile", "", "profile path (default $CONSULT_PROFILE or ~/.config/consult/chat.toml)")

	load := func() (*Profile, *slog.Logger, error) {
		path := profilePath
		if path == "" {
			path = getProfilePath()
		}
		p, err := LoadProfile(path)
		if err != nil {
			return nil, nil, err
		}
		logger := logging.New(config.LoggingConfig{Level: p.Logging.Level, Format: p.Logging.Format}, os.Stderr)
		return p, logger, nil
	}

	root.AddCommand(newWidgetCmd(load), newConsoleCmd(load))
	return root
}

type profileLoader func() (*Profile, *slog.Logger, error)
