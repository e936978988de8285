package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/perimetra/perimetra/internal/api"
	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/db"
	"github.com/perimetra/perimetra/internal/dispatch"
	"github.com/perimetra/perimetra/internal/engine"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/recon"
	"github.com/perimetra/perimetra/internal/vulnscan"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the perimetra API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setupLogging(cfg); err != nil {
			return err
		}
		return runServer(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.ConnectWithRetry(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	if err := database.RunMigrations(ctx); err != nil {
		return err
	}

	eng := buildEngine(cfg, database)
	server := api.NewServer(cfg.API, database, eng, Version)

	logging.Info("perimetra starting", "version", Version)
	return server.Start(ctx)
}

// buildEngine wires discovery and dispatch from configuration. Pieces
// without configuration stay nil and their pipeline stages are skipped
// or rejected at submission time.
func buildEngine(cfg *config.Config, database *db.DB) *engine.Engine {
	var discoverer engine.Discoverer
	var primary, secondary recon.HostProvider
	if cfg.HasCensys() {
		primary = recon.NewCensysClient(cfg.Providers.CensysAPIKey, cfg.Providers.CensysSecret)
	}
	if cfg.HasShodan() {
		secondary = recon.NewShodanClient(cfg.Providers.ShodanAPIKey)
	}
	discoverer = recon.NewPipeline(
		recon.NewCrtShClient(),
		recon.NewDNSResolver(cfg.Recon.DNSServer),
		primary,
		secondary,
		cfg.Recon.LookupTimeout,
	)

	var scanner engine.ScanDispatcher
	if cfg.Workers.ScannerURL != "" {
		scanner = dispatch.NewClient(cfg.Workers.ScannerURL, cfg.Workers.Token, cfg.Workers.ScanTimeout)
	}

	var vuln engine.VulnScanner
	if cfg.Workers.VulnURL != "" {
		vuln = vulnscan.NewClient(cfg.Workers.VulnURL, cfg.Workers.Token, cfg.Workers.VulnTimeout)
	}

	return engine.New(database, discoverer, scanner, vuln)
}
