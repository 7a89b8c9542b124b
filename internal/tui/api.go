package tui

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	httpTimeout     = 5 * time.Second
	errUnauthorized = errors.New("invalid credentials")
)

type identityResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type usersResponse struct {
	Users []struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Online   bool   `json:"online"`
	} `json:"users"`
}

type messageResponse struct {
	ID         int64  `json:"id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Recipient  string `json:"recipient"`
	Text       string `json:"text"`
	CreatedAt  string `json:"created_at"`
}

// pushFrame is what the server writes on /ws/chat.
type pushFrame struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(serverURL string) (*apiClient, error) {
	base, err := httpBase(serverURL)
	if err != nil {
		return nil, err
	}
	return &apiClient{baseURL: base, http: &http.Client{Timeout: httpTimeout}}, nil
}

func (c *apiClient) register(username, password string) (identityResponse, error) {
	var resp identityResponse
	err := c.doJSON(http.MethodPost, "/register", map[string]string{"username": username, "password": password}, &resp)
	return resp, err
}

func (c *apiClient) login(username, password string) (identityResponse, error) {
	var resp identityResponse
	err := c.doJSON(http.MethodPost, "/login", map[string]string{"username": username, "password": password}, &resp)
	return resp, err
}

func (c *apiClient) users(excludeID string) ([]Peer, error) {
	var resp usersResponse
	if err := c.doJSON(http.MethodGet, "/users?exclude_id="+url.QueryEscape(excludeID), nil, &resp); err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(resp.Users))
	for _, u := range resp.Users {
		peers = append(peers, Peer{ID: u.ID, Username: u.Username, Online: u.Online})
	}
	return peers, nil
}

// messages fetches the global feed, or the dialog with peerID.
func (c *apiClient) messages(userID, peerID string) ([]ChatLine, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(fetchLimit))
	if peerID == "" || peerID == broadcastID {
		query.Set("scope", "global")
	} else {
		query.Set("scope", "dialog")
		query.Set("user_id", userID)
		query.Set("peer_id", peerID)
	}
	var resp []messageResponse
	if err := c.doJSON(http.MethodGet, "/messages?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	lines := make([]ChatLine, 0, len(resp))
	for _, m := range resp {
		lines = append(lines, ChatLine{
			ID:         m.ID,
			Sender:     m.SenderID,
			SenderName: m.SenderName,
			Recipient:  m.Recipient,
			Text:       m.Text,
			At:         parseTime(m.CreatedAt),
		})
	}
	return lines, nil
}

func (c *apiClient) send(senderID, recipient, text string) error {
	payload := map[string]string{"sender_id": senderID, "recipient": recipient, "text": text}
	return c.doJSON(http.MethodPost, "/send", payload, nil)
}

// sendFile uploads path as a multipart /send_file request.
func (c *apiClient) sendFile(senderID, recipient, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	_ = writer.WriteField("sender", senderID)
	_ = writer.WriteField("recipient", recipient)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/send_file", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

func (c *apiClient) chatURL(userID string) string {
	wsBase := strings.Replace(c.baseURL, "http", "ws", 1)
	return wsBase + "/ws/chat/" + url.PathEscape(userID)
}

func (c *apiClient) doJSON(method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	return nil
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// httpBase accepts http(s) or ws(s) URLs and returns the http(s) origin.
func httpBase(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http", "https":
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", errors.New("server URL has no host")
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}

func parseTime(value string) time.Time {
	at, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Now()
	}
	return at.Local()
}
