package tui

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

func (model *Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := message.(type) {
	case tea.WindowSizeMsg:
		model.viewport.Width = typed.Width - 4
		model.viewport.Height = max(typed.Height-12, 5)
		model.ready = true
		model.refreshViewport()
		return model, nil

	case tea.KeyMsg:
		if typed.Type == tea.KeyCtrlC {
			model.closeConn()
			return model, tea.Quit
		}
		return model.handleKey(typed)

	case authDoneMsg:
		model.loading = false
		if typed.err != nil {
			if errors.Is(typed.err, errUnauthorized) {
				model.notice("Invalid username or password.")
			} else {
				model.notice(fmt.Sprintf("Authentication failed: %v", typed.err))
			}
			model.mode = modeAuthMenu
			model.blurPrompt()
			return model, nil
		}
		model.userID = typed.identity.UserID
		model.username = typed.identity.Username
		model.password = ""
		model.notices = nil
		model.mode = modeUsers
		model.blurPrompt()
		model.loading = true
		return model, tea.Batch(model.loadUsersCmd(), model.connectCmd())

	case usersLoadedMsg:
		model.loading = false
		if typed.err != nil {
			model.notice(fmt.Sprintf("Could not load users: %v", typed.err))
			return model, nil
		}
		model.peers = append([]Peer{{ID: broadcastID, Username: "Global chat"}}, typed.peers...)
		if model.selectedPeer >= len(model.peers) {
			model.selectedPeer = len(model.peers) - 1
		}
		return model, nil

	case feedLoadedMsg:
		if typed.peerID != model.current.ID {
			return model, nil
		}
		if typed.err != nil {
			model.connError = typed.err
			return model, nil
		}
		model.lines = mergeLines(typed.lines, model.lines)
		model.refreshViewport()
		return model, nil

	case pollTickMsg:
		if typed.gen != model.pollGen || typed.peerID != model.current.ID {
			return model, nil
		}
		if model.mode != modeChat && model.mode != modeAttach {
			return model, nil
		}
		return model, tea.Batch(model.fetchCmd(typed.peerID), pollCmd(typed.peerID, typed.gen))

	case connectedMsg:
		model.writeMutex.Lock()
		model.websocketConn = typed.conn
		model.writeMutex.Unlock()
		model.isConnected = true
		model.connError = nil
		return model, readOnceCmd(typed.conn)

	case connectFailedMsg:
		model.isConnected = false
		model.connError = typed.err
		return model, scheduleReconnect()

	case disconnectedMsg:
		model.isConnected = false
		if model.userID == "" {
			return model, nil
		}
		model.connError = typed.err
		return model, scheduleReconnect()

	case reconnectMsg:
		if model.userID != "" && !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case pushMsg:
		line := ChatLine(typed)
		if model.belongsToDialog(line) {
			switch line.Sender {
			case model.current.ID:
				line.SenderName = model.current.Username
			case model.userID:
				line.SenderName = model.username
			}
			model.lines = mergeLines(model.lines, []ChatLine{line})
			model.refreshViewport()
		} else if line.Recipient == model.userID {
			model.notice(fmt.Sprintf("New message from %s", model.peerName(line.Sender)))
		}
		model.writeMutex.Lock()
		conn := model.websocketConn
		model.writeMutex.Unlock()
		if conn == nil {
			return model, nil
		}
		return model, readOnceCmd(conn)

	case sentMsg:
		if typed.err != nil {
			model.notice(fmt.Sprintf("Send failed: %v", typed.err))
			return model, nil
		}
		return model, model.fetchCmd(model.current.ID)

	case filesLoadedMsg:
		if typed.err != nil {
			model.notice(fmt.Sprintf("Cannot open %s: %v", typed.path, typed.err))
			return model, nil
		}
		model.browsePath = typed.path
		model.files = typed.items
		model.selectedFile = 0
		model.mode = modeAttach
		return model, nil
	}
	return model, nil
}

func (model *Model) handleKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch model.mode {
	case modeAuthMenu:
		switch key.String() {
		case "1", "l", "L":
			model.intent = authIntentLogin
		case "2", "s", "S":
			model.intent = authIntentSignup
		case "q", "Q", "esc":
			return model, tea.Quit
		default:
			return model, nil
		}
		model.mode = modeAuthUsername
		cmd := model.setPrompt("user> ", "Username", textinput.EchoNormal)
		model.textInput.SetValue(model.username)
		model.textInput.CursorEnd()
		return model, cmd

	case modeAuthUsername:
		switch key.Type {
		case tea.KeyEsc:
			model.mode = modeAuthMenu
			model.blurPrompt()
			return model, nil
		case tea.KeyEnter:
			name := strings.TrimSpace(model.textInput.Value())
			if name == "" {
				model.notice("Username cannot be empty.")
				return model, nil
			}
			model.username = name
			model.mode = modeAuthPassword
			return model, model.setPrompt("password> ", "Password", textinput.EchoPassword)
		}

	case modeAuthPassword:
		switch key.Type {
		case tea.KeyEsc:
			model.mode = modeAuthUsername
			cmd := model.setPrompt("user> ", "Username", textinput.EchoNormal)
			model.textInput.SetValue(model.username)
			return model, cmd
		case tea.KeyEnter:
			model.password = model.textInput.Value()
			model.loading = true
			model.textInput.SetValue("")
			return model, model.authCmd(model.intent, model.username, model.password)
		}

	case modeUsers:
		switch key.String() {
		case "up", "k":
			if model.selectedPeer > 0 {
				model.selectedPeer--
			}
		case "down", "j":
			if model.selectedPeer < len(model.peers)-1 {
				model.selectedPeer++
			}
		case "r", "R":
			model.loading = true
			return model, model.loadUsersCmd()
		case "enter":
			if len(model.peers) == 0 {
				return model, nil
			}
			return model, model.openChat(model.peers[model.selectedPeer])
		case "q", "Q", "esc":
			model.closeConn()
			return model, tea.Quit
		}
		return model, nil

	case modeChat:
		switch key.Type {
		case tea.KeyEsc:
			return model, model.leaveChat()
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			model.viewport, cmd = model.viewport.Update(key)
			return model, cmd
		case tea.KeyEnter:
			text := strings.TrimSpace(model.textInput.Value())
			if text == "" {
				return model, nil
			}
			model.textInput.SetValue("")
			switch lower := strings.ToLower(text); {
			case lower == "/quit" || lower == "/exit":
				model.closeConn()
				return model, tea.Quit
			case lower == "/leave" || lower == "/back":
				return model, model.leaveChat()
			case lower == "/attach":
				return model, browseCmd(getDefaultBrowsePath())
			case strings.HasPrefix(lower, "/attach "):
				path := strings.TrimSpace(text[len("/attach "):])
				return model, model.sendFileCmd(model.current.ID, path)
			}
			return model, model.sendCmd(model.current.ID, text)
		}

	case modeAttach:
		switch key.String() {
		case "esc":
			model.mode = modeChat
			return model, nil
		case "up", "k":
			if model.selectedFile > 0 {
				model.selectedFile--
			}
		case "down", "j":
			if model.selectedFile < len(model.files)-1 {
				model.selectedFile++
			}
		case "enter":
			if len(model.files) == 0 {
				return model, nil
			}
			item := model.files[model.selectedFile]
			if item.IsDir {
				return model, browseCmd(item.Path)
			}
			model.mode = modeChat
			model.notice(fmt.Sprintf("Uploading %s (%s)…", filepath.Base(item.Path), formatFileSize(item.Size)))
			return model, model.sendFileCmd(model.current.ID, item.Path)
		}
		return model, nil
	}

	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

// openChat switches to a feed, fetches it and starts a fresh poll chain.
func (model *Model) openChat(peer Peer) tea.Cmd {
	model.current = peer
	model.lines = nil
	model.notices = nil
	model.pollGen++
	model.mode = modeChat
	model.refreshViewport()
	focus := model.setPrompt("> ", "Type a message… (/attach, /leave, /quit)", textinput.EchoNormal)
	return tea.Batch(focus, model.fetchCmd(peer.ID), pollCmd(peer.ID, model.pollGen))
}

func (model *Model) leaveChat() tea.Cmd {
	model.current = Peer{}
	model.lines = nil
	model.pollGen++
	model.mode = modeUsers
	model.blurPrompt()
	model.loading = true
	return model.loadUsersCmd()
}

func (model *Model) peerName(id string) string {
	for _, peer := range model.peers {
		if peer.ID == id {
			return peer.Username
		}
	}
	return id
}

func (model *Model) refreshViewport() {
	model.viewport.SetContent(model.renderLines())
	model.viewport.GotoBottom()
}
