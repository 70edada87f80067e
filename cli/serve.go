package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drivelinehq/driveline/common"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server with the chat fabric and sync scheduler",
	RunE:  runServe,
}

func init() {
	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	app, err := buildApp(cfgFile)
	if err != nil {
		return err
	}
	logger := common.ServiceLogger("cli")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = app.Registry.InitializeAll(initCtx)
	cancel()
	if err != nil {
		return err
	}

	// Start blocks until the context is cancelled or the listener
	// fails; either way the registry tears everything down after.
	serveErr := app.Server().Start(ctx)

	shutdownTimeout := app.Config.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.Registry.ShutdownAll(shutdownCtx)

	logger.Info("driveline stopped")
	return serveErr
}
