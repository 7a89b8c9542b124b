package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"hackchat/internal/directory"
	"hackchat/internal/registry"
	"hackchat/internal/storage"
)

type testEnv struct {
	server   *Server
	store    *storage.Store
	registry *registry.Registry
	http     *httptest.Server
}

func newTestEnv(t *testing.T, mode directory.Mode, mutate ...func(*Config)) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	cfg := Config{
		AdminPassword: "secret",
		UploadDir:     filepath.Join(t.TempDir(), "uploads"),
		MaxFileSize:   1024,
		Logger:        logger,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	reg := registry.New()
	dir := directory.New(store, mode, directory.WithHashCost(bcrypt.MinCost), directory.WithLogger(logger))
	srv := NewServer(store, dir, reg, cfg)
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)
	return &testEnv{server: srv, store: store, registry: reg, http: httpServer}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) register(t *testing.T, username, password string) identityResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/register", map[string]string{"username": username, "password": password})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out identityResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) waitBound(t *testing.T, kind registry.Kind, userID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := e.registry.Lookup(kind, userID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(payload, &out))
	return out
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)

	alice := env.register(t, "alice", "pw1")
	assert.NotEmpty(t, alice.UserID)
	assert.Equal(t, "alice", alice.Username)

	resp := env.do(t, http.MethodPost, "/register", map[string]string{"login": "alice", "password": "other"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/login", map[string]string{"username": "alice", "password": "pw1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, alice.UserID, decodeBody[identityResponse](t, resp).UserID)

	resp = env.do(t, http.MethodPost, "/login", map[string]string{"username": "alice", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/login", map[string]string{"username": "nobody", "password": "pw"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid credentials", decodeBody[map[string]string](t, resp)["error"])

	resp = env.do(t, http.MethodPost, "/register", map[string]string{"username": " ", "password": "pw"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/register", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAnonymousModeReusesIdentity(t *testing.T) {
	env := newTestEnv(t, directory.ModeAnonymous)

	resp := env.do(t, http.MethodPost, "/register", map[string]string{"display_name": "carol"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeBody[identityResponse](t, resp)

	resp = env.do(t, http.MethodPost, "/login", map[string]string{"display_name": "carol"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first.UserID, decodeBody[identityResponse](t, resp).UserID)
}

func TestAuthRateLimit(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword, func(c *Config) { c.AuthPerMinute = 2 })

	env.register(t, "alice", "pw")
	resp := env.do(t, http.MethodPost, "/login", map[string]string{"username": "alice", "password": "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/login", map[string]string{"username": "alice", "password": "pw"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func (e *testEnv) loginFrom(t *testing.T, forwardedFor string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.http.URL+"/login",
		strings.NewReader(`{"username":"alice","password":"wrong"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", forwardedFor)
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestAuthRateLimitIgnoresForwardedForByDefault(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword, func(c *Config) { c.AuthPerMinute = 2 })

	assert.Equal(t, http.StatusUnauthorized, env.loginFrom(t, "198.51.100.1"))
	assert.Equal(t, http.StatusUnauthorized, env.loginFrom(t, "198.51.100.2"))
	for i := 3; i <= 20; i++ {
		assert.Equal(t, http.StatusTooManyRequests, env.loginFrom(t, fmt.Sprintf("198.51.100.%d", i)),
			"attempt %d with a fresh X-Forwarded-For", i)
	}
}

func TestAuthRateLimitTrustedProxy(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword, func(c *Config) {
		c.AuthPerMinute = 1
		c.TrustProxy = true
	})

	assert.Equal(t, http.StatusUnauthorized, env.loginFrom(t, "198.51.100.1"))
	assert.Equal(t, http.StatusTooManyRequests, env.loginFrom(t, "198.51.100.1"))
	assert.Equal(t, http.StatusUnauthorized, env.loginFrom(t, "198.51.100.2"), "clients behind the proxy are keyed apart")
}

func TestUsersListing(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	bob := env.register(t, "bob", "pw")
	alice := env.register(t, "alice", "pw")

	resp := env.do(t, http.MethodGet, "/users", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string][]userDTO](t, resp)
	require.Len(t, body["users"], 2)
	assert.Equal(t, "alice", body["users"][0].Username)
	assert.Equal(t, "bob", body["users"][1].Username)

	resp = env.do(t, http.MethodGet, "/users?exclude_id="+alice.UserID, nil)
	body = decodeBody[map[string][]userDTO](t, resp)
	require.Len(t, body["users"], 1)
	assert.Equal(t, bob.UserID, body["users"][0].ID)
	assert.False(t, body["users"][0].Online)

	resp = env.do(t, http.MethodGet, "/users/"+bob.UserID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bob", decodeBody[userDTO](t, resp).Username)

	resp = env.do(t, http.MethodGet, "/users/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendToOfflineRecipientIsStored(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	alice := env.register(t, "alice", "pw1")
	bob := env.register(t, "bob", "pw2")

	resp := env.do(t, http.MethodPost, "/send", map[string]string{"sender_id": alice.UserID, "recipient": bob.UserID, "text": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sent := decodeBody[sendResponse](t, resp)
	assert.Equal(t, "ok", sent.Status)
	assert.NotZero(t, sent.ID)
	_, err := time.Parse(time.RFC3339, sent.CreatedAt)
	require.NoError(t, err)

	resp = env.do(t, http.MethodGet, "/messages?scope=dialog&user_id="+bob.UserID+"&peer_id="+alice.UserID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	messages := decodeBody[[]messageDTO](t, resp)
	require.Len(t, messages, 1)
	assert.Equal(t, "hi", messages[0].Text)
	assert.Equal(t, "alice", messages[0].SenderName)
	assert.Equal(t, sent.ID, messages[0].ID)

	resp = env.do(t, http.MethodGet, "/inbox/"+bob.UserID, nil)
	inbox := decodeBody[[]inboxEntry](t, resp)
	require.Len(t, inbox, 1)
	assert.Equal(t, alice.UserID, inbox[0].Sender)
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	alice := env.register(t, "alice", "pw")

	resp := env.do(t, http.MethodPost, "/send", map[string]string{"sender": alice.UserID, "recipient": "all", "text": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/send", map[string]string{"recipient": "all", "text": "hello"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", decodeBody[map[string]string](t, resp)["code"])
}

func TestSendRateLimit(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword, func(c *Config) {
		c.MessagesPerWindow = 1
		c.MessageWindow = time.Minute
	})
	alice := env.register(t, "alice", "pw")

	resp := env.do(t, http.MethodPost, "/send", map[string]string{"sender": alice.UserID, "recipient": "all", "text": "one"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/send", map[string]string{"sender": alice.UserID, "recipient": "all", "text": "two"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestGlobalFeedAndLimits(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	alice := env.register(t, "alice", "pw")
	for _, text := range []string{"one", "two", "three"} {
		resp := env.do(t, http.MethodPost, "/send", map[string]string{"sender": alice.UserID, "recipient": "all", "text": text})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := env.do(t, http.MethodGet, "/messages?scope=global", nil)
	messages := decodeBody[[]messageDTO](t, resp)
	require.Len(t, messages, 3)
	assert.Equal(t, "one", messages[0].Text)
	assert.Equal(t, "three", messages[2].Text)

	resp = env.do(t, http.MethodGet, "/messages?limit=2", nil)
	messages = decodeBody[[]messageDTO](t, resp)
	require.Len(t, messages, 2)
	assert.Equal(t, "two", messages[0].Text)

	resp = env.do(t, http.MethodGet, "/messages?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/messages?scope=dialog&user_id="+alice.UserID, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/messages?scope=rooms", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/inbox/nobody", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]inboxEntry](t, resp))
}

func TestAdminSurface(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	alice := env.register(t, "alice", "pw")
	resp := env.do(t, http.MethodPost, "/send", map[string]string{"sender": alice.UserID, "recipient": "all", "text": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/admin/login", map[string]string{"password": "nope"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/admin/login", map[string]string{"password": "secret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/admin/users?password=nope", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/admin/users?password=secret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	users := decodeBody[map[string][]adminUserDTO](t, resp)["users"]
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, 1, users[0].MessagesCount)

	resp = env.do(t, http.MethodPost, "/admin/reset", map[string]string{"password": "wrong"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/admin/reset", map[string]string{"password": "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/users", nil)
	assert.Empty(t, decodeBody[map[string][]userDTO](t, resp)["users"])
	resp = env.do(t, http.MethodGet, "/inbox/all", nil)
	assert.Empty(t, decodeBody[[]inboxEntry](t, resp))
}

func TestChatEndToEnd(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	alice := env.register(t, "alice", "pw1")
	bob := env.register(t, "bob", "pw2")

	bobConn := env.dial(t, "/ws/chat/"+bob.UserID)
	env.waitBound(t, registry.KindChat, bob.UserID)

	resp := env.do(t, http.MethodPost, "/send", map[string]string{"sender_id": alice.UserID, "recipient": bob.UserID, "text": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frame := readFrame(t, bobConn)
	assert.Equal(t, alice.UserID, frame["sender"])
	assert.Equal(t, bob.UserID, frame["recipient"])
	assert.Equal(t, "hi", frame["text"])

	dialog, err := env.store.FetchDialog(context.Background(), alice.UserID, bob.UserID, 50)
	require.NoError(t, err)
	require.Len(t, dialog, 1)
	assert.Equal(t, "hi", dialog[0].Text)
}

func TestChatFramesArePersistedAndPushed(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	alice := env.register(t, "alice", "pw1")
	bob := env.register(t, "bob", "pw2")

	aliceConn := env.dial(t, "/ws/chat/"+alice.UserID)
	bobConn := env.dial(t, "/ws/chat/"+bob.UserID)
	env.waitBound(t, registry.KindChat, alice.UserID)
	env.waitBound(t, registry.KindChat, bob.UserID)

	require.NoError(t, aliceConn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, aliceConn.WriteJSON(map[string]string{"to": bob.UserID, "text": "first"}))
	require.NoError(t, aliceConn.WriteJSON(map[string]string{"to": bob.UserID, "text": "second"}))

	assert.Equal(t, "first", readFrame(t, bobConn)["text"])
	assert.Equal(t, "second", readFrame(t, bobConn)["text"])

	dialog, err := env.store.FetchDialog(context.Background(), bob.UserID, alice.UserID, 50)
	require.NoError(t, err)
	require.Len(t, dialog, 2)
	assert.Equal(t, "first", dialog[0].Text)
}

func TestUnknownUserCannotConnect(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/chat/ghost"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconnectSupersedesAndCleansUp(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	alice := env.register(t, "alice", "pw1")
	bob := env.register(t, "bob", "pw2")

	first := env.dial(t, "/ws/chat/"+bob.UserID)
	env.waitBound(t, registry.KindChat, bob.UserID)
	h1, _ := env.registry.Lookup(registry.KindChat, bob.UserID)

	second := env.dial(t, "/ws/chat/"+bob.UserID)
	require.Eventually(t, func() bool {
		h, ok := env.registry.Lookup(registry.KindChat, bob.UserID)
		return ok && h != h1
	}, 2*time.Second, 10*time.Millisecond)

	// the superseded socket is closed by the server
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)

	resp := env.do(t, http.MethodPost, "/send", map[string]string{"sender": alice.UserID, "recipient": bob.UserID, "text": "still here"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "still here", readFrame(t, second)["text"])

	require.NoError(t, second.Close())
	require.Eventually(t, func() bool {
		_, ok := env.registry.Lookup(registry.KindChat, bob.UserID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	resp = env.do(t, http.MethodPost, "/send", map[string]string{"sender": alice.UserID, "recipient": bob.UserID, "text": "offline"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSignalingRelay(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	alice := env.register(t, "alice", "pw1")
	bob := env.register(t, "bob", "pw2")

	aliceConn := env.dial(t, "/ws/rtc/"+alice.UserID)
	bobConn := env.dial(t, "/ws/"+bob.UserID)
	env.waitBound(t, registry.KindSignaling, alice.UserID)
	env.waitBound(t, registry.KindSignaling, bob.UserID)

	require.NoError(t, aliceConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer"}`)))
	require.NoError(t, aliceConn.WriteMessage(websocket.TextMessage, []byte(`{"to":"ghost","type":"offer"}`)))
	require.NoError(t, aliceConn.WriteMessage(websocket.TextMessage, []byte(`{"to":"`+bob.UserID+`","type":"offer","sdp":"x"}`)))

	frame := readFrame(t, bobConn)
	assert.Equal(t, map[string]any{"from": alice.UserID, "type": "offer", "sdp": "x"}, frame)

	messages, err := env.store.FetchForUser(context.Background(), bob.UserID)
	require.NoError(t, err)
	assert.Empty(t, messages)

	snapshot := env.server.metrics.Snapshot()
	assert.EqualValues(t, 1, snapshot["signals_relayed_total"])
	assert.EqualValues(t, 2, snapshot["signals_dropped_total"])
}

func TestSignalingDisconnectUnbinds(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	alice := env.register(t, "alice", "pw1")
	bob := env.register(t, "bob", "pw2")

	oversized := env.dial(t, "/ws/rtc/"+alice.UserID)
	env.waitBound(t, registry.KindSignaling, alice.UserID)
	dropped := env.dial(t, "/ws/rtc/"+bob.UserID)
	env.waitBound(t, registry.KindSignaling, bob.UserID)
	require.EqualValues(t, 2, env.server.metrics.Snapshot()["active_rtc_connections"])

	// a frame past the read limit ends the connection
	frame := `{"to":"` + bob.UserID + `","sdp":"` + strings.Repeat("x", 70*1024) + `"}`
	_ = oversized.WriteMessage(websocket.TextMessage, []byte(frame))
	require.Eventually(t, func() bool {
		_, ok := env.registry.Lookup(registry.KindSignaling, alice.UserID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, dropped.UnderlyingConn().Close())
	require.Eventually(t, func() bool {
		_, ok := env.registry.Lookup(registry.KindSignaling, bob.UserID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return env.server.metrics.Snapshot()["active_rtc_connections"] == int64(0)
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, env.server.relay.Forward(alice.UserID, []byte(`{"to":"`+bob.UserID+`"}`)), errTargetOffline)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	env.register(t, "alice", "pw")

	resp := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.EqualValues(t, 1, body["signups_total"])
	assert.Equal(t, Version, body["version"])
}
