package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"hackchat/internal/registry"
)

// chatFrame is what a client writes on its chat channel. Older clients name
// the target "recipient".
type chatFrame struct {
	To        string `json:"to"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// ServeChat upgrades /ws/chat/{user_id}. Each inbound frame is stored and
// pushed through the router; bad frames are dropped without closing.
func (s *Server) ServeChat(w http.ResponseWriter, r *http.Request) {
	s.serveLive(w, r, registry.KindChat, s.handleChatFrame)
}

// ServeSignaling upgrades /ws/rtc/{user_id} and /ws/{user_id}.
func (s *Server) ServeSignaling(w http.ResponseWriter, r *http.Request) {
	s.serveLive(w, r, registry.KindSignaling, func(_ context.Context, userID string, frame []byte) {
		_ = s.relay.Forward(userID, frame)
	})
}

func (s *Server) serveLive(w http.ResponseWriter, r *http.Request, kind registry.Kind, onFrame func(ctx context.Context, userID string, frame []byte)) {
	userID := strings.TrimSpace(r.PathValue("user_id"))
	if userID == "" {
		http.Error(w, "user id required", http.StatusBadRequest)
		return
	}
	if _, err := s.directory.Get(r.Context(), userID, ""); err != nil {
		s.writeAppError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("kind", string(kind)), zap.Error(err))
		return
	}

	peer := newPeer(kind, userID, conn, s.logger)
	if previous := s.registry.Bind(kind, userID, peer); previous != nil {
		if old, ok := previous.(*Peer); ok {
			old.Close()
		}
		peer.logger.Info("superseded previous connection")
	}
	s.metrics.IncConn(kind)
	peer.logger.Info("connected")

	// the request context ends when this handler returns
	ctx := context.WithoutCancel(r.Context())
	go peer.writePump()
	go peer.readPump(
		func(frame []byte) { onFrame(ctx, userID, frame) },
		func() {
			s.registry.Release(kind, userID, peer)
			peer.Close()
			s.metrics.DecConn(kind)
			peer.logger.Info("disconnected")
		},
	)
}

func (s *Server) handleChatFrame(ctx context.Context, userID string, frame []byte) {
	var in chatFrame
	if err := json.Unmarshal(frame, &in); err != nil {
		s.logger.Debug("malformed chat frame", zap.String("user_id", userID), zap.Error(err))
		return
	}
	recipient := in.To
	if strings.TrimSpace(recipient) == "" {
		recipient = in.Recipient
	}
	if !s.sendLimiter.Allow(userID) {
		s.logger.Debug("chat frame rate limited", zap.String("user_id", userID))
		return
	}
	if _, err := s.router.Deliver(ctx, userID, recipient, in.Text); err != nil {
		s.logger.Debug("chat frame rejected", zap.String("user_id", userID), zap.Error(err))
	}
}
