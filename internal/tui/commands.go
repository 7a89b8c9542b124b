package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

type (
	authDoneMsg struct {
		identity identityResponse
		err      error
	}
	usersLoadedMsg struct {
		peers []Peer
		err   error
	}
	feedLoadedMsg struct {
		peerID string
		lines  []ChatLine
		err    error
	}
	pollTickMsg struct {
		peerID string
		gen    int
	}
	connectedMsg     struct{ conn *websocket.Conn }
	connectFailedMsg struct{ err error }
	disconnectedMsg  struct{ err error }
	reconnectMsg     struct{}
	pushMsg          ChatLine
	sentMsg          struct{ err error }
	filesLoadedMsg   struct {
		path  string
		items []FileItem
		err   error
	}
)

func (model *Model) authCmd(intent authIntent, username, password string) tea.Cmd {
	api := model.api
	return func() tea.Msg {
		var (
			identity identityResponse
			err      error
		)
		if intent == authIntentSignup {
			identity, err = api.register(username, password)
		} else {
			identity, err = api.login(username, password)
		}
		return authDoneMsg{identity: identity, err: err}
	}
}

func (model *Model) loadUsersCmd() tea.Cmd {
	api, userID := model.api, model.userID
	return func() tea.Msg {
		peers, err := api.users(userID)
		return usersLoadedMsg{peers: peers, err: err}
	}
}

func (model *Model) fetchCmd(peerID string) tea.Cmd {
	api, userID := model.api, model.userID
	return func() tea.Msg {
		lines, err := api.messages(userID, peerID)
		return feedLoadedMsg{peerID: peerID, lines: lines, err: err}
	}
}

func pollCmd(peerID string, gen int) tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg {
		return pollTickMsg{peerID: peerID, gen: gen}
	})
}

// connectCmd dials the live chat channel for the logged-in user.
func (model *Model) connectCmd() tea.Cmd {
	chatURL := model.api.chatURL(model.userID)
	return func() tea.Msg {
		conn, _, err := websocket.DefaultDialer.Dial(chatURL, http.Header{})
		if err != nil {
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

func scheduleReconnect() tea.Cmd {
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// readOnceCmd reads one pushed frame; Update chains the next read.
func readOnceCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return disconnectedMsg{err: err}
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var frame pushFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				continue
			}
			return pushMsg(ChatLine{
				ID:        frame.ID,
				Sender:    frame.Sender,
				Recipient: frame.Recipient,
				Text:      frame.Text,
				At:        parseTime(frame.CreatedAt),
			})
		}
	}
}

func (model *Model) sendCmd(recipient, text string) tea.Cmd {
	api, userID := model.api, model.userID
	return func() tea.Msg {
		return sentMsg{err: api.send(userID, recipient, text)}
	}
}

func (model *Model) sendFileCmd(recipient, path string) tea.Cmd {
	api, userID := model.api, model.userID
	return func() tea.Msg {
		if err := api.sendFile(userID, recipient, path); err != nil {
			return sentMsg{err: fmt.Errorf("upload %s: %w", path, err)}
		}
		return sentMsg{}
	}
}

func browseCmd(path string) tea.Cmd {
	return func() tea.Msg {
		items, err := browseDirectory(path)
		return filesLoadedMsg{path: path, items: items, err: err}
	}
}
