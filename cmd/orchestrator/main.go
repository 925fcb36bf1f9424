package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/olereon/imaginarium-sub002/internal/cli"
	"github.com/olereon/imaginarium-sub002/internal/config"
	internal_http "github.com/olereon/imaginarium-sub002/internal/http"
	"github.com/olereon/imaginarium-sub002/internal/log"
	internal_storage "github.com/olereon/imaginarium-sub002/internal/storage"
	"github.com/olereon/imaginarium-sub002/pkg/service"
)

var rootCmd = &cobra.Command{Use: "orchestrator"}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline execution orchestrator",
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.GetLogger()
		cfg, err := config.Load()
		if err != nil {
			logger.Errorf("Failed to load config: %v", err)
			os.Exit(1)
		}
		if cfg.DatabaseURL == "" {
			logger.Error("DATABASE_URL (or DB_* parts) required")
			os.Exit(1)
		}

		store, err := internal_storage.InitStore(cfg.DatabaseURL)
		if err != nil {
			logger.Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		registry := service.NewRegistry()
		service.RegisterBuiltins(registry)
		broker := service.NewBroker()

		retry := service.RetryPolicy{
			MaxRetries: cfg.RetryMaxAttempts,
			Base:       cfg.RetryBaseDelay,
			Cap:        cfg.RetryMaxDelay,
		}
		pool := service.NewExecutorPool(ctx, store, registry, broker, retry, logger,
			service.WithDefaultTimeout(cfg.TaskTimeout))
		dispatcher := service.NewDispatcher(ctx, store, pool, broker, logger,
			cfg.MaxConcurrentTasks, service.WithDispatchInterval(cfg.DispatchInterval))
		runs := service.NewRunService(store, registry, broker, logger)

		runs.BindDispatcher(dispatcher.Wake)
		pool.Bind(dispatcher.Wake, runs.Evaluate)
		dispatcher.BindSettle(runs.Evaluate)

		pool.Start(cfg.MaxConcurrentTasks)
		dispatcher.Start()
		defer func() {
			dispatcher.Stop()
			pool.Stop()
		}()

		server := internal_http.NewServer(runs, dispatcher, broker)
		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(cfg.Port) }()

		select {
		case err := <-errCh:
			logger.Errorf("Server stopped: %v", err)
			os.Exit(1)
		case <-ctx.Done():
			logger.Info("Shutting down")
		}
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string")
	rootCmd.AddCommand(serveCmd)
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
