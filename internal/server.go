package internal

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hackchat/internal/directory"
	"hackchat/internal/registry"
	"hackchat/internal/storage"
)

// Store is what the HTTP surface reads from the message log.
type Store interface {
	MessageLog
	FetchBroadcast(ctx context.Context, limit int) ([]storage.Message, error)
	FetchDialog(ctx context.Context, a, b string, limit int) ([]storage.Message, error)
	FetchForUser(ctx context.Context, userID string) ([]storage.Message, error)
}

type Config struct {
	AdminPassword     string
	UploadDir         string
	MaxFileSize       int64
	BroadcastFanout   bool
	AuthPerMinute     int
	MessagesPerWindow int
	MessageWindow     time.Duration
	// TrustProxy keys the auth limiter on X-Forwarded-For instead of the peer address.
	TrustProxy        bool
	Logger            *zap.Logger
}

// Server owns the HTTP and WebSocket handlers and the delivery core they share.
type Server struct {
	store       Store
	directory   *directory.Directory
	registry    *registry.Registry
	router      *Router
	relay       *Relay
	uploads     *FileStore
	metrics     *Metrics
	authLimiter *RateLimiter
	sendLimiter *RateLimiter
	adminSecret string
	trustProxy  bool
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

func NewServer(store Store, dir *directory.Directory, reg *registry.Registry, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MessageWindow <= 0 {
		cfg.MessageWindow = 10 * time.Second
	}
	metrics := NewMetrics()
	return &Server{
		store:     store,
		directory: dir,
		registry:  reg,
		router: NewRouter(store, reg, RouterOptions{
			BroadcastFanout: cfg.BroadcastFanout,
			Metrics:         metrics,
			Logger:          logger.Named("router"),
		}),
		relay:       NewRelay(reg, metrics, logger.Named("relay")),
		uploads:     NewFileStore(cfg.UploadDir, cfg.MaxFileSize),
		metrics:     metrics,
		authLimiter: NewRateLimiter(cfg.AuthPerMinute, time.Minute),
		sendLimiter: NewRateLimiter(cfg.MessagesPerWindow, cfg.MessageWindow),
		adminSecret: cfg.AdminPassword,
		trustProxy:  cfg.TrustProxy,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// browsers on any origin may connect; identity is the path user id
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) MetricsHandler() http.Handler { return s.metrics }

// Routes registers every endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/register", s.HandleRegister)
	mux.HandleFunc("/login", s.HandleLogin)
	mux.HandleFunc("/users", s.HandleUsers)
	mux.HandleFunc("/users/{user_id}", s.HandleUser)
	mux.HandleFunc("/send", s.HandleSend)
	mux.HandleFunc("/send_file", s.HandleSendFile)
	mux.HandleFunc("/files/{name}", s.HandleFile)
	mux.HandleFunc("/messages", s.HandleMessages)
	mux.HandleFunc("/inbox/{user_id}", s.HandleInbox)
	mux.HandleFunc("/admin/login", s.HandleAdminLogin)
	mux.HandleFunc("/admin/users", s.HandleAdminUsers)
	mux.HandleFunc("/admin/reset", s.HandleAdminReset)
	mux.HandleFunc("/ws/chat/{user_id}", s.ServeChat)
	mux.HandleFunc("/ws/rtc/{user_id}", s.ServeSignaling)
	mux.HandleFunc("/ws/{user_id}", s.ServeSignaling)
	mux.Handle("/metrics", s.MetricsHandler())
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return mux
}
