package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"hackchat/internal/app"
)

func main() {
	fs := pflag.NewFlagSet("hackchat-server", pflag.ExitOnError)
	app.ServerFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := app.LoadServerConfig(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("start server", zap.Error(err))
	}
	if err := handle.Wait(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("server stopped")
}
