package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"hackchat/internal/apperr"
	"hackchat/internal/registry"
	"hackchat/internal/storage"
)

const defaultFetchLimit = 100

// credentialsRequest accepts every field name the clients have used for the
// account name; the first non-empty one wins.
type credentialsRequest struct {
	Username    string `json:"username"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

func (c credentialsRequest) name() string {
	for _, candidate := range []string{c.Username, c.Login, c.DisplayName} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

type identityResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type userDTO struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Online    bool   `json:"online"`
	CreatedAt string `json:"created_at,omitempty"`
}

type sendRequest struct {
	SenderID  string `json:"sender_id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

type sendResponse struct {
	Status    string `json:"status"`
	ID        int64  `json:"id"`
	CreatedAt string `json:"created_at"`
}

type messageDTO struct {
	ID         int64  `json:"id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Recipient  string `json:"recipient"`
	Text       string `json:"text"`
	CreatedAt  string `json:"created_at"`
}

type inboxEntry struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(clientIP(r, s.trustProxy)) {
		tooManyRequests(w)
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, apperr.Validation("invalid JSON body"))
		return
	}
	user, err := s.directory.Create(r.Context(), req.name(), req.Password)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.metrics.IncSignup()
	writeJSON(w, http.StatusCreated, identityResponse{UserID: user.ID, Username: user.Username})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(clientIP(r, s.trustProxy)) {
		tooManyRequests(w)
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, apperr.Validation("invalid JSON body"))
		return
	}
	user, err := s.directory.Authenticate(r.Context(), req.name(), req.Password)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrInvalidCredentials) {
			err = apperr.InvalidCredentials("invalid credentials")
		}
		s.writeAppError(w, err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, identityResponse{UserID: user.ID, Username: user.Username})
}

func (s *Server) HandleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	users, err := s.directory.List(r.Context(), r.URL.Query().Get("exclude_id"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	out := make([]userDTO, 0, len(users))
	for _, user := range users {
		out = append(out, s.userDTO(user, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (s *Server) HandleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	user, err := s.directory.Get(r.Context(), r.PathValue("user_id"), "")
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.userDTO(*user, true))
}

func (s *Server) userDTO(user storage.User, withCreated bool) userDTO {
	_, online := s.registry.Lookup(registry.KindChat, user.ID)
	dto := userDTO{ID: user.ID, Username: user.Username, Online: online}
	if withCreated {
		dto.CreatedAt = user.CreatedAt().Format(time.RFC3339)
	}
	return dto
}

func (s *Server) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, apperr.Validation("invalid JSON body"))
		return
	}
	sender := req.SenderID
	if strings.TrimSpace(sender) == "" {
		sender = req.Sender
	}
	if !s.sendLimiter.Allow(strings.TrimSpace(sender)) {
		tooManyRequests(w)
		return
	}
	msg, err := s.router.Deliver(r.Context(), sender, req.Recipient, req.Text)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Status: "ok", ID: msg.ID, CreatedAt: msg.CreatedAt().Format(time.RFC3339)})
}

func (s *Server) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	var messages []storage.Message
	switch scope := query.Get("scope"); scope {
	case "", "global":
		messages, err = s.store.FetchBroadcast(r.Context(), limit)
	case "dialog":
		userID, peerID := strings.TrimSpace(query.Get("user_id")), strings.TrimSpace(query.Get("peer_id"))
		if userID == "" || peerID == "" {
			s.writeAppError(w, apperr.Validation("dialog scope requires user_id and peer_id"))
			return
		}
		messages, err = s.store.FetchDialog(r.Context(), userID, peerID, limit)
	default:
		s.writeAppError(w, apperr.Validation("scope must be global or dialog"))
		return
	}
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	out := make([]messageDTO, 0, len(messages))
	for _, msg := range messages {
		out = append(out, messageDTO{
			ID:         msg.ID,
			SenderID:   msg.Sender,
			SenderName: msg.SenderName,
			Recipient:  msg.Recipient,
			Text:       msg.Text,
			CreatedAt:  msg.CreatedAt().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) HandleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	userID := strings.TrimSpace(r.PathValue("user_id"))
	if userID == "" {
		s.writeAppError(w, apperr.Validation("user id is required"))
		return
	}
	messages, err := s.store.FetchForUser(r.Context(), userID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	out := make([]inboxEntry, 0, len(messages))
	for _, msg := range messages {
		out = append(out, inboxEntry{
			Sender:    msg.Sender,
			Recipient: msg.Recipient,
			Text:      msg.Text,
			CreatedAt: msg.CreatedAt().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultFetchLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("limit must be an integer")
	}
	return storage.ClampLimit(limit), nil
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeAppError renders err as {"error", "code"}. Unclassified errors are
// logged and reported without detail.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	code := apperr.CodeOf(err)
	message := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		code, message = apperr.CodeInternal, "internal error"
	}
	writeJSON(w, status, map[string]string{"error": message, "code": string(code)})
}

func tooManyRequests(w http.ResponseWriter) {
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": http.StatusText(http.StatusTooManyRequests)})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
