package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"hackchat/internal/app"
)

func main() {
	_ = godotenv.Load()

	serverURL := pflag.String("server", envOrDefault("HACKCHAT_SERVER", "http://localhost:8080"), "server base URL (http, https, ws or wss)")
	username := pflag.String("user", envOrDefault("HACKCHAT_USER", ""), "default username for login prompts")
	pflag.Parse()

	cfg := app.ClientConfig{
		ServerURL: *serverURL,
		Username:  *username,
	}
	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
