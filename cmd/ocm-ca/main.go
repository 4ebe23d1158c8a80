package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/config"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "0.1.0"

var flags *config.Flags

var rootCmd = &cobra.Command{
	Use:   "ocm-ca",
	Short: "OCM CA is a private certificate authority service",
	Long: `OCM CA issues, renews and revokes server and client certificates from a
single root, publishes its CRL, and serves the HTTP API used by the OCM dashboard.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	flags = config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(serveCmd, versionCmd, crlCmd, setupTokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("OCM CA v%s\n", version)
	},
}

// loadConfig reads configuration and builds the logger for a command
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(flags.ConfigFile, flags)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	// Set log level
	switch cfg.Logging.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if out := cfg.Logging.Output; out != "" && out != "stdout" {
		zapConfig.OutputPaths = []string{out}
	} else {
		zapConfig.OutputPaths = []string{"stdout"}
	}

	return zapConfig.Build()
}
