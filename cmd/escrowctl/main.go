package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kareempjackson/undr-api-sub001/configs"
	"github.com/kareempjackson/undr-api-sub001/internal/app"
	"github.com/kareempjackson/undr-api-sub001/internal/logger"
	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"github.com/kareempjackson/undr-api-sub001/internal/proofs"
	"github.com/kareempjackson/undr-api-sub001/internal/seed"
	"github.com/kareempjackson/undr-api-sub001/internal/store"
	"github.com/kareempjackson/undr-api-sub001/internal/txlog"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "escrowctl",
		Short:   "Operator commands for the escrow service",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init("info")
			configs.LoadConfig()
			logger.Init(configs.AppConfig.Log.Level)
			store.NewDB()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			store.Close()
			logger.Log.Sync()
		},
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(verifyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	var withSeed bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store.DBMigrate()
			if withSeed {
				return seed.Run(store.DB)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withSeed, "seed", false, "also create the local development users")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release every escrow whose grace period has ended, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.Log
			rdb := app.NewRedis(log)
			if rdb != nil {
				defer rdb.Close()
			}
			released, err := app.NewSweeper(app.NewEngine(store.DB, log), rdb, log).RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Printf("released %d escrows\n", released)
			return nil
		},
	}
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Publish one batch of pending outbox events",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.Log
			relay, closePublisher, err := app.NewRelay(store.DB, log)
			if err != nil {
				return fmt.Errorf("relay setup: %w", err)
			}
			defer closePublisher()
			n, err := relay.RunOnce(cmd.Context())
			if err != nil {
				log.Error("relay batch failed", zap.Error(err))
				return err
			}
			fmt.Printf("published %d events\n", n)
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	var override bool
	var note string
	cmd := &cobra.Command{
		Use:   "verify <escrow-id>",
		Short: "Record platform verification of delivery for an escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid escrow id %q", args[0])
			}
			typ := models.ProofSystemVerification
			if override {
				typ = models.ProofAdminOverride
			}
			proof, err := app.NewEngine(store.DB, logger.Log).SubmitSystemProof(cmd.Context(), uint(id), proofs.Input{
				Type:        typ,
				Description: note,
			}, txlog.RequestMeta{})
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			fmt.Printf("escrow %d: %s proof %d accepted\n", id, proof.Type, proof.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&override, "admin", false, "record an admin override instead of system verification")
	cmd.Flags().StringVar(&note, "note", "", "description stored with the proof")
	return cmd
}
