package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/ballot"
	"github.com/kozaktomas/polling-kiosk/internal/config"
	"github.com/kozaktomas/polling-kiosk/internal/constants"
	"github.com/kozaktomas/polling-kiosk/internal/identity"
	"github.com/kozaktomas/polling-kiosk/internal/kiosk"
	"github.com/kozaktomas/polling-kiosk/internal/perception"
	"github.com/kozaktomas/polling-kiosk/internal/verification"
	"github.com/kozaktomas/polling-kiosk/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kiosk web server",
	Long: `Start the Polling Kiosk web server.
Kiosks register, start verification sessions, stream their progress
over server-sent events and submit the ranked ballot once verified.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().String("kiosk-secret", "", "Secret for signing kiosk cookies (defaults to random)")
	serveCmd.Flags().String("allowed-origins", "", "Comma-separated CORS origins besides localhost")
}

// resolveServeOptions resolves the web options from flags and environment variables.
func resolveServeOptions(cmd *cobra.Command, cfg *config.Config) web.Options {
	opts := web.Options{
		Port:           mustGetInt(cmd, "port"),
		Host:           mustGetString(cmd, "host"),
		KioskSecret:    mustGetString(cmd, "kiosk-secret"),
		AllowedOrigins: mustGetString(cmd, "allowed-origins"),
	}

	if opts.KioskSecret == "" {
		opts.KioskSecret = cfg.Kiosk.Secret
	}
	if opts.AllowedOrigins == "" {
		opts.AllowedOrigins = os.Getenv("WEB_ALLOWED_ORIGINS")
	}
	if envPort := os.Getenv("WEB_PORT"); envPort != "" {
		fmt.Sscanf(envPort, "%d", &opts.Port)
	}
	if envHost := os.Getenv("WEB_HOST"); envHost != "" {
		opts.Host = envHost
	}
	return opts
}

// verificationConfig maps the loaded configuration onto the session tunables.
func verificationConfig(cfg *config.Config) verification.Config {
	return verification.Config{
		MaxAttempts:     cfg.Verification.MaxAttempts,
		AttemptInterval: cfg.Verification.AttemptInterval,
		InitialDelay:    cfg.Verification.InitialDelay,
		AttemptTimeout:  cfg.Identity.AttemptTimeout,
		MaskSoftPrompt:  cfg.Verification.MaskSoftPrompt,
		MaskEndpoint:    cfg.Perception.MaskEndpoint(),
		FaceEndpoint:    cfg.Perception.FaceEndpoint(),
		Policy: perception.Policy{
			MaxRetries: cfg.Perception.MaxRetries,
			Backoff:    cfg.Perception.Backoff,
		},
		FrameSize: constants.MaxFrameSize,
	}
}

// newHandoff builds the admission handoff. The ledger lives in Redis when REDIS_URL
// is set, so several kiosk servers share one single-use guarantee.
func newHandoff(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ballot.Handoff, func(), error) {
	signer, err := ballot.NewSigner(cfg.Ballot.GetTokenSecret(), cfg.Ballot.TokenTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("creating token signer: %w", err)
	}
	if cfg.Ballot.GetTokenSecret() == "" {
		fmt.Println("Warning: ADMIT_TOKEN_SECRET not set, using a random signing key")
	}

	opts := ballot.Options{ElectionID: cfg.Ballot.ElectionID, Logger: logger}
	cleanup := func() {}

	if cfg.Redis.URL != "" {
		fmt.Printf("Connecting to Redis admission ledger...\n")
		ledger, err := ballot.NewRedisLedgerFromURL(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to Redis ledger: %w", err)
		}
		opts.Ledger = ledger
		cleanup = func() {
			if err := ledger.Close(); err != nil {
				fmt.Printf("Error closing Redis ledger: %v\n", err)
			}
		}
	} else {
		fmt.Printf("Using in-memory admission ledger (set REDIS_URL to share it)\n")
	}

	return ballot.NewHandoff(signer, opts), cleanup, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := slog.Default()
	opts := resolveServeOptions(cmd, cfg)
	opts.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handoff, closeLedger, err := newHandoff(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	registry := kiosk.NewRegistry(kiosk.Options{
		Verification:   verificationConfig(cfg),
		Opener:         perception.NewDialer(cfg.Perception.DialTimeout),
		Recognizer:     identity.NewClient(cfg.Identity.URL),
		Handoff:        handoff,
		Caster:         ballot.NewCaster(cfg.Ballot.URL, cfg.Ballot.PollManagerID),
		Messages:       &cfg.Messages,
		SessionTimeout: cfg.Kiosk.SessionTimeout,
		Logger:         logger,
	})
	registry.Run(constants.RegistrySweepInterval)

	server := web.NewServer(cfg, registry, opts)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Perception service: %s\n", cfg.Perception.URL)
	fmt.Printf("Starting Polling Kiosk on http://%s:%d\n", opts.Host, opts.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
