// Package cli implements the perimetra command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "perimetra",
	Short: "Attack-surface discovery and vulnerability reconciliation service",
	Long: `Perimetra discovers network assets through passive reconnaissance and
remote active scanning, reconciles them into a PostgreSQL inventory, and
dispatches discovered services to a template-based vulnerability scanner.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default ./perimetra.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format (text, json)")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initViper() {
	viper.SetEnvPrefix("PERIMETRA")
	viper.AutomaticEnv()
}

// loadConfig loads the configuration file and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("perimetra.yaml"); err == nil {
			path = "perimetra.yaml"
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logging.LogLevel(logLevel)
	}
	if logFormat != "" {
		cfg.Logging.Format = logging.LogFormat(logFormat)
	}
	return cfg, nil
}

// setupLogging initializes the default logger from configuration.
func setupLogging(cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)
	return nil
}
