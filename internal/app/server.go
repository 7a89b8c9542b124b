package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	intrnl "hackchat/internal"
	"hackchat/internal/directory"
	"hackchat/internal/registry"
	"hackchat/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	store  *storage.Store
	logger *zap.Logger
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations, wires the directory,
// registry and handlers, and starts serving in the background. Call
// Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig, logger *zap.Logger) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = DefaultUploadDir(cfg.DBPath)
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	dir := directory.New(store, cfg.AuthMode, directory.WithLogger(logger.Named("directory")))
	server := intrnl.NewServer(store, dir, registry.New(), intrnl.Config{
		AdminPassword:     cfg.AdminPassword,
		UploadDir:         cfg.UploadDir,
		MaxFileSize:       cfg.MaxFileSize,
		BroadcastFanout:   cfg.Delivery.BroadcastFanout,
		AuthPerMinute:     cfg.Limits.AuthPerMinute,
		MessagesPerWindow: cfg.Limits.MessagesPerWindow,
		MessageWindow:     cfg.Limits.Window,
		TrustProxy:        cfg.Limits.TrustProxy,
		Logger:            logger.Named("server"),
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		store:  store,
		logger: logger,
		done:   make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	go handle.serve(listener)

	logger.Info("server listening",
		zap.String("addr", handle.addr),
		zap.String("db", cfg.DBPath),
		zap.String("auth_mode", string(cfg.AuthMode)))
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err := h.store.Close(); err != nil {
		h.logger.Warn("store close", zap.Error(err))
	}
	h.err = err
}
