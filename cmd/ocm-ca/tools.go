package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/crypto"
	"github.com/robcowart/ocm-ca/internal/service"
)

var crlOut string

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Publish a fresh CRL and write it as PEM",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		db, err := openDatabase(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		root := service.NewRootStore(db, cfg, logger)
		if err := root.Open(ctx); err != nil {
			return fmt.Errorf("failed to open CA: %w", err)
		}

		crl, err := service.NewRevocationManager(db, root, cfg, logger).GenerateCRL(ctx)
		if err != nil {
			return fmt.Errorf("failed to generate CRL: %w", err)
		}

		data := crypto.EncodeCRLPEM(crl.DER)
		if crlOut == "" || crlOut == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(crlOut, data, 0o644); err != nil {
			return fmt.Errorf("failed to write CRL: %w", err)
		}
		logger.Info("CRL written", zap.String("path", crlOut), zap.Int64("crl_number", crl.Number))
		return nil
	},
}

var setupTokenCmd = &cobra.Command{
	Use:   "setup-token",
	Short: "Issue a new one-time setup token",
	Long: `Replaces the pending setup token and prints it. Only valid while no admin
account exists. The previous token stops working immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		db, err := openDatabase(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		token, err := newSessionManager(db, cfg, logger).RotateSetupToken(context.Background())
		if err != nil {
			return fmt.Errorf("failed to issue setup token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	crlCmd.Flags().StringVarP(&crlOut, "out", "o", "", "Output file (default stdout)")
}
