// ABOUTME: Entry point for fold-relay, the debounced chat relay
// ABOUTME: Sets up the cobra root command and runs it under a signal-aware context

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/fold-relay/internal/config"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
    ╭──────────────────────────────────╮
    │                                  │
    │   ┏━╸┏━┓╻  ╺┳┓   ┏━┓┏━╸╻  ┏━┓╻ ╻ │
    │   ┣╸ ┃ ┃┃   ┃┃   ┣┳┛┣╸ ┃  ┣━┫┗┳┛ │
    │   ╹  ┗━┛┗━╸╺┻┛   ╹┗╸┗━╸┗━╸╹ ╹ ╹  │
    │                                  │
    ╰──────────────────────────────────╯
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions are flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

// path returns the --config flag or the default config location.
func (o *rootOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.DefaultPath()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "fold-relay",
		Short: "Debounce chat messages and deliver replies in paced chunks",
		Long: `fold-relay buffers bursts of chat messages per conversation, asks a
response generator for one reply per burst and delivers that reply as a
sequence of paced chunks through a durable queue.

Examples:
  fold-relay serve
  fold-relay token --sub alice --ttl 24h
  fold-relay split --max 40 --strategy smart "some long reply text"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env for secrets referenced from the config file
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default $FOLD_RELAY_CONFIG or ~/.config/fold/relay.yaml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newTokenCmd(opts),
		newSplitCmd(),
		newVersionCmd(),
	)

	return cmd
}
