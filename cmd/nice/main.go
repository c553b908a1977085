package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/GoodEggStudios/nice/internal/config"
	"github.com/GoodEggStudios/nice/internal/logger"
	"github.com/GoodEggStudios/nice/internal/service"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "nice",
		Short:         "Abuse-resistant reaction counter",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		serveCmd(),
		healthcheckCmd(),
		versionCmd(),
		countCmd(),
		pruneCmd(),
	)
	return root
}

// serveCmd is the main daemon command.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg, os.Stderr)
	log.Info().Str("version", Version).Str("store", cfg.StoreBackend).
		Str("counter", cfg.CounterBackend).Bool("crowdsec", cfg.CrowdSecEnabled).Msg("nice starting")

	service.BinaryVersion = Version
	svc, err := service.New(cfg, log)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn().Err(err).Msg("close stores")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := svc.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("nice stopped")
	return nil
}

// healthcheckCmd exits 0 if the readiness probe passes.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the readiness endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + probeAddr(cfg.HealthAddr) + "/readyz") //nolint:noctx
			if err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

// probeAddr turns a listen address like ":8081" into something dialable.
func probeAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nice %s\n", Version)
		},
	}
}

// countCmd prints the stored total for one button.
func countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count <buttonID>",
		Short: "Print the nice count for a button and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			svc, err := service.New(cfg, buildLogger(cfg, os.Stderr))
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.Engine().Count(cmd.Context(), "", "", args[0])
			if err != nil {
				return fmt.Errorf("read count: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", args[0], res.Count)
			return nil
		},
	}
}

// pruneCmd runs one janitor sweep against the bbolt store.
func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete expired keys from the local store and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, bolt, err := service.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if bolt == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "redis expires keys itself; nothing to prune")
				return nil
			}
			janitor := service.NewJanitor(bolt, nil, nil, cfg.JanitorInterval, buildLogger(cfg, os.Stderr))
			n := janitor.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d expired keys\n", n)
			return nil
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config. Configured secrets
// are masked wherever they appear in output.
func buildLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	redactWriter := logger.NewRedactWriter(out, cfg.MasterSecret, cfg.RedisPassword, cfg.CrowdSecLAPIKey)
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = redactWriter
		return zerolog.New(cw).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
}
