package internal

import (
	"crypto/subtle"
	"net/http"

	"go.uber.org/zap"

	"hackchat/internal/apperr"
)

type adminRequest struct {
	Password string `json:"password"`
}

type adminUserDTO struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	MessagesCount int    `json:"messages_count"`
}

func (s *Server) HandleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(clientIP(r, s.trustProxy)) {
		tooManyRequests(w)
		return
	}
	var req adminRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, apperr.Validation("invalid JSON body"))
		return
	}
	if !s.adminAuthorized(req.Password) {
		s.writeAppError(w, apperr.Forbidden("invalid admin password"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) HandleAdminUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.adminAuthorized(r.URL.Query().Get("password")) {
		s.writeAppError(w, apperr.Forbidden("invalid admin password"))
		return
	}
	stats, err := s.directory.Stats(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	out := make([]adminUserDTO, 0, len(stats))
	for _, st := range stats {
		out = append(out, adminUserDTO{ID: st.ID, Username: st.Username, MessagesCount: st.MessagesCount})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

// HandleAdminReset wipes users, messages and uploaded files.
func (s *Server) HandleAdminReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req adminRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, apperr.Validation("invalid JSON body"))
		return
	}
	if !s.adminAuthorized(req.Password) {
		s.writeAppError(w, apperr.Forbidden("invalid admin password"))
		return
	}
	if err := s.directory.Reset(r.Context()); err != nil {
		s.writeAppError(w, err)
		return
	}
	if err := s.uploads.Clear(); err != nil {
		s.logger.Warn("clear uploads after reset", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) adminAuthorized(password string) bool {
	if s.adminSecret == "" || password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.adminSecret)) == 1
}
