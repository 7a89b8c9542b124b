package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"hackchat/internal/app"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	mode, args := parseMode(os.Args[1:])
	fs := pflag.NewFlagSet("hackchat", pflag.ExitOnError)
	app.ServerFlags(fs)
	serverURL := fs.String("server-url", envOrDefault("HACKCHAT_SERVER", "http://localhost:8080"), "server base URL (client mode)")
	username := fs.String("user", envOrDefault("HACKCHAT_USER", ""), "default username for login prompts")
	quiet := fs.Bool("quiet", false, "suppress informational logs")
	_ = fs.Parse(args)

	var err error
	switch mode {
	case modeClient:
		err = app.RunClient(app.ClientConfig{ServerURL: *serverURL, Username: *username})
	default:
		err = runWithServer(mode, fs, *username, *quiet)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "hackchat: %v\n", err)
		os.Exit(1)
	}
}

func runWithServer(mode string, fs *pflag.FlagSet, username string, quiet bool) error {
	cfg, err := app.LoadServerConfig(fs)
	if err != nil {
		return err
	}
	if mode == modeLocal && !fs.Changed("addr") && os.Getenv("HACKCHAT_ADDR") == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if quiet {
		cfg.Log.Level = "error"
	}
	if mode == modeLocal && !fs.Changed("log-level") {
		// the TUI owns the terminal
		cfg.Log.Level = "error"
	}
	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if mode == modeServer {
		return handle.Wait()
	}

	defer stopServer(handle)
	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}
	clientURL := "http://" + handle.Addr()
	logger.Info("launching client", zap.String("server", clientURL))
	if err := app.RunClient(app.ClientConfig{ServerURL: clientURL, Username: username}); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
