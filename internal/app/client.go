package app

import (
	"errors"

	"hackchat/internal/tui"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	return tui.Run(cfg.ServerURL, cfg.Username)
}
