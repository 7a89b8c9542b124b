package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"hackchat/internal/directory"
)

const envPrefix = "HACKCHAT"

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr        string
	DBPath      string
	UploadDir   string
	MaxFileSize int64
	AuthMode    directory.Mode
	// AdminPassword is the shared secret for /admin/*.
	AdminPassword string
	Delivery      DeliveryConfig
	Limits        LimitsConfig
	Log           LogConfig
}

type DeliveryConfig struct {
	BroadcastFanout bool
}

type LimitsConfig struct {
	AuthPerMinute     int
	MessagesPerWindow int
	Window            time.Duration
	// TrustProxy reads the client address from X-Forwarded-For.
	TrustProxy        bool
}

type LogConfig struct {
	Level       string
	Development bool
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string
	Username  string
}

// ServerFlags declares every server setting on fs so viper can bind them.
func ServerFlags(fs *pflag.FlagSet) {
	fs.String("addr", ":8080", "server listen address")
	fs.String("db", "", "sqlite database path (defaults to a per-user path)")
	fs.String("upload-dir", "", "directory for uploaded files")
	fs.Int64("max-file-size", 10*1024*1024, "upload size limit in bytes")
	fs.String("auth-mode", string(directory.ModePassword), "password or anonymous")
	fs.String("admin-password", "admin", "shared secret for the admin endpoints")
	fs.Bool("broadcast-fanout", false, "push broadcast messages to every connected chat channel")
	fs.Bool("trust-proxy", false, "key auth rate limits on X-Forwarded-For (only behind a trusted proxy)")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.Bool("log-dev", false, "human readable development logs")
	fs.String("config", "", "optional config file (yaml, json or toml)")
}

// LoadServerConfig merges defaults, an optional config file, HACKCHAT_*
// environment variables (a .env file is loaded first) and flags, in
// increasing precedence.
func LoadServerConfig(fs *pflag.FlagSet) (ServerConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("addr", ":8080")
	v.SetDefault("db_path", "")
	v.SetDefault("upload_dir", "")
	v.SetDefault("max_file_size", 10*1024*1024)
	v.SetDefault("auth.mode", string(directory.ModePassword))
	v.SetDefault("admin.password", "admin")
	v.SetDefault("delivery.broadcast_fanout", false)
	v.SetDefault("limits.auth_per_minute", 20)
	v.SetDefault("limits.messages_per_window", 30)
	v.SetDefault("limits.window", 10*time.Second)
	v.SetDefault("limits.trust_proxy", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for key, flag := range map[string]string{
			"addr":                      "addr",
			"db_path":                   "db",
			"upload_dir":                "upload-dir",
			"max_file_size":             "max-file-size",
			"auth.mode":                 "auth-mode",
			"admin.password":            "admin-password",
			"delivery.broadcast_fanout": "broadcast-fanout",
			"limits.trust_proxy":        "trust-proxy",
			"log.level":                 "log-level",
			"log.development":           "log-dev",
		} {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return ServerConfig{}, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}
	if err := readConfigFile(v, fs); err != nil {
		return ServerConfig{}, err
	}

	mode, err := directory.ParseMode(v.GetString("auth.mode"))
	if err != nil {
		return ServerConfig{}, err
	}
	cfg := ServerConfig{
		Addr:          v.GetString("addr"),
		DBPath:        v.GetString("db_path"),
		UploadDir:     v.GetString("upload_dir"),
		MaxFileSize:   v.GetInt64("max_file_size"),
		AuthMode:      mode,
		AdminPassword: v.GetString("admin.password"),
		Delivery: DeliveryConfig{
			BroadcastFanout: v.GetBool("delivery.broadcast_fanout"),
		},
		Limits: LimitsConfig{
			AuthPerMinute:     v.GetInt("limits.auth_per_minute"),
			MessagesPerWindow: v.GetInt("limits.messages_per_window"),
			Window:            v.GetDuration("limits.window"),
			TrustProxy:        v.GetBool("limits.trust_proxy"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = DefaultUploadDir(cfg.DBPath)
	}
	return cfg, nil
}

// readConfigFile loads --config when given. Otherwise it looks for
// hackchat.{yaml,json,toml} in . and ./config, and a missing file is fine.
func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) error {
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", f.Value.String(), err)
			}
			return nil
		}
	}
	v.SetConfigName("hackchat")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("HACKCHAT_DATA_DIR"); env != "" {
		return filepath.Join(env, "hackchat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "hackchat", "hackchat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Hackchat", "hackchat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Hackchat", "hackchat.db")
		}
		return filepath.Join(home, ".local", "share", "hackchat", "hackchat.db")
	}
	return filepath.Join(".", ".hackchat", "hackchat.db")
}

// DefaultUploadDir keeps uploads next to the database.
func DefaultUploadDir(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "uploads")
}
