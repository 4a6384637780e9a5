// ABOUTME: serve command wiring Matrix, the response generator, SQLite and the relay together
// ABOUTME: Prints the startup banner and runs until interrupted

package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/fold-relay/internal/auth"
	"github.com/2389/fold-relay/internal/config"
	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/debounce"
	"github.com/2389/fold-relay/internal/delivery"
	"github.com/2389/fold-relay/internal/generator"
	"github.com/2389/fold-relay/internal/relay"
	"github.com/2389/fold-relay/internal/store"
	"github.com/2389/fold-relay/internal/transport/matrix"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay",
		Long: `Start the relay: sync Matrix rooms, debounce incoming messages, generate
replies and deliver them in chunks. The operator API starts too when
api.enabled is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts.path())
		},
	}
}

func runServe(cmd *cobra.Command, configPath string) error {
	ctx := cmd.Context()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	if !cfg.Matrix.Enabled {
		return fmt.Errorf("matrix transport is disabled in %s, nothing to relay", configPath)
	}

	logger := setupLogger(cfg.Logging)
	printStartup(cfg, configPath)

	st, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	client, err := matrix.NewClient(cfg.Matrix.Homeserver, cfg.Matrix.UserID, cfg.Matrix.AccessToken, cfg.Matrix.DeviceID)
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	if cfg.Matrix.Encryption {
		dataDir := filepath.Join(filepath.Dir(cfg.Database.Path), "crypto")
		enc, err := matrix.SetupEncryption(ctx, client, cfg.Matrix.RecoveryKey, dataDir, logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer enc.Close()
	}

	gen, err := newGenerator(cfg.Generator, logger)
	if err != nil {
		return fmt.Errorf("creating response generator: %w", err)
	}

	relayOpts := relay.Options{
		DebouncePolicy: func(key conv.Key) debounce.Policy { return cfg.PipelineFor(key).DebouncePolicy() },
		DeliveryPolicy: func(key conv.Key) delivery.Policy { return cfg.PipelineFor(key).DeliveryPolicy() },
		Aggregator: debounce.Config{
			MaxFragmentAge:  cfg.Aggregator.MaxFragmentAge,
			GenerateTimeout: cfg.Aggregator.GenerateTimeout,
			DedupeTTL:       cfg.Aggregator.DedupeTTL,
		},
		Worker: delivery.WorkerConfig{
			Concurrency:        cfg.Worker.Concurrency,
			StallThreshold:     cfg.Worker.StallThreshold,
			AutoRequeueStalled: cfg.Worker.AutoRequeueStalled,
			PollInterval:       cfg.Worker.PollInterval,
		},
	}
	if cfg.API.Enabled {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.API.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating token verifier: %w", err)
		}
		relayOpts.APIAddr = cfg.API.Addr
		relayOpts.Verifier = verifier
	}

	source := matrix.NewSource(client, matrix.Options{
		Tenant:       cfg.Matrix.Tenant,
		UserID:       cfg.Matrix.UserID,
		AllowedRooms: cfg.Matrix.AllowedRooms,
		AllowedUsers: cfg.Matrix.AllowedUsers,
	}, logger)

	r, err := relay.New(relay.Deps{
		Source:    source,
		Generator: gen,
		Sender:    matrix.NewSender(client, cfg.Matrix.Markdown, logger),
		Queue:     st,
		Sent:      st,
		Logger:    logger,
	}, relayOpts)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	logger.Info("starting fold-relay",
		"config", configPath,
		"homeserver", cfg.Matrix.Homeserver,
		"generator", cfg.Generator.Provider)

	return r.Run(ctx)
}

func printStartup(cfg *config.Config, configPath string) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)
	p := cfg.PipelineFor(conv.Key{TenantID: cfg.Matrix.Tenant, ConversationID: "*"})

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:   %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("User:       %s\n", cfg.Matrix.UserID)
	green.Print("    ▶ ")
	fmt.Printf("Generator:  %s", cfg.Generator.Provider)
	if cfg.Generator.Provider == config.ProviderOpenAI {
		gray.Printf(" (%s)", cfg.Generator.OpenAI.Model)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Debounce:   %s", p.Debounce)
	gray.Printf(" (chunks of %d, %s apart)\n", p.Split.MaxCharsPerChunk, p.InterChunkDelay)
	if cfg.Matrix.Encryption {
		green.Print("    ▶ ")
		fmt.Println("Encryption: enabled")
	}
	if cfg.API.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("API:        %s\n", cfg.API.Addr)
	} else {
		yellow.Print("    ▶ ")
		fmt.Println("API:        disabled")
	}
	fmt.Println()
}

func newGenerator(cfg config.GeneratorConfig, logger *slog.Logger) (debounce.ResponseGenerator, error) {
	switch cfg.Provider {
	case config.ProviderGateway:
		return generator.NewGateway(cfg.Gateway.URL, cfg.Gateway.Token, cfg.Gateway.Frontend, logger), nil
	case config.ProviderOpenAI:
		return generator.NewOpenAI(generator.OpenAIConfig{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			Model:        cfg.OpenAI.Model,
			SystemPrompt: cfg.OpenAI.SystemPrompt,
			MaxTokens:    cfg.OpenAI.MaxTokens,
			Temperature:  cfg.OpenAI.Temperature,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
}
