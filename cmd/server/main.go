package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"linkbridge/internal/auth"
	"linkbridge/internal/config"
	"linkbridge/internal/db"
	"linkbridge/internal/logging"
	"linkbridge/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:          "linkbridge",
		Short:        "Links external messaging accounts to local users",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.AddCommand(serve, newMigrateCmd(), newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gdb, err := openDatabase(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(gdb) }()

			gin.SetMode(cfg.GinMode)
			app, err := server.NewApp(cfg, gdb, log)
			if err != nil {
				return err
			}
			defer app.Close()
			go app.RunBackground(ctx)

			if err := server.Run(ctx, cfg, app.Handler, log); err != nil {
				log.Error("server stopped", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			gdb, err := openDatabase(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(gdb) }()
			log.Info("schema is up to date", zap.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var userID string
	var roles []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a local user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
			tokenCfg.Expiry = cfg.TokenExpiry
			tok, err := auth.CreateToken(userID, roles, tokenCfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "local user id")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim, repeatable")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func bootstrap() (config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func openDatabase(ctx context.Context, cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	gdb, err := db.Open(ctx, db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		_ = db.Close(gdb)
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return gdb, nil
}
