// Package tui is the terminal client: log in, pick the global feed or a
// peer, and chat. Feeds are polled; dialog messages also arrive live.
package tui

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const (
	pollInterval = 1500 * time.Millisecond
	fetchLimit   = 100
	retryDelay   = 2 * time.Second
	broadcastID  = "all"
)

type appMode int

const (
	modeAuthMenu appMode = iota
	modeAuthUsername
	modeAuthPassword
	modeUsers
	modeChat
	modeAttach
)

type authIntent int

const (
	authIntentLogin authIntent = iota
	authIntentSignup
)

// Peer is one entry of the users list. The first entry is always the
// global feed.
type Peer struct {
	ID       string
	Username string
	Online   bool
}

func (p Peer) isBroadcast() bool { return p.ID == broadcastID }

// ChatLine is one rendered message.
type ChatLine struct {
	ID         int64
	Sender     string
	SenderName string
	Recipient  string
	Text       string
	At         time.Time
	System     bool
}

// Model holds the bubbletea state for the chat client.
type Model struct {
	api       *apiClient
	textInput textinput.Model
	viewport  viewport.Model
	ready     bool

	mode     appMode
	intent   authIntent
	loading  bool
	notices  []string
	username string
	password string
	userID   string

	peers        []Peer
	selectedPeer int
	current      Peer
	lines        []ChatLine
	pollGen      int

	websocketConn *websocket.Conn
	writeMutex    sync.Mutex
	isConnected   bool
	connError     error

	browsePath   string
	files        []FileItem
	selectedFile int
}

// NewModel builds the client model against an http(s) or ws(s) base URL.
func NewModel(serverURL, username string) (*Model, error) {
	api, err := newAPIClient(serverURL)
	if err != nil {
		return nil, err
	}
	input := textinput.New()
	input.CharLimit = 0
	input.Blur()
	input.Prompt = ""

	if username == "" {
		username = defaultUsername()
	}
	return &Model{
		api:       api,
		textInput: input,
		viewport:  viewport.New(80, 15),
		mode:      modeAuthMenu,
		username:  username,
	}, nil
}

func defaultUsername() string {
	if user := os.Getenv("HACKCHAT_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return ""
}

func (model *Model) Init() tea.Cmd {
	return nil
}

// Run launches the bubbletea program.
func Run(serverURL, username string) error {
	model, err := NewModel(serverURL, username)
	if err != nil {
		return err
	}
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err = program.Run()
	model.closeConn()
	return err
}

func (model *Model) notice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > 5 {
		model.notices = model.notices[len(model.notices)-5:]
	}
}

func (model *Model) setPrompt(prompt, placeholder string, echo textinput.EchoMode) tea.Cmd {
	model.textInput.SetValue("")
	model.textInput.Prompt = prompt
	model.textInput.Placeholder = placeholder
	model.textInput.EchoMode = echo
	return model.textInput.Focus()
}

func (model *Model) blurPrompt() {
	model.textInput.SetValue("")
	model.textInput.Blur()
	model.textInput.Prompt = ""
	model.textInput.Placeholder = ""
	model.textInput.EchoMode = textinput.EchoNormal
}

func (model *Model) closeConn() {
	model.writeMutex.Lock()
	defer model.writeMutex.Unlock()
	if model.websocketConn != nil {
		_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = model.websocketConn.Close()
		model.websocketConn = nil
	}
	model.isConnected = false
}

// mergeLines replaces the feed with the fetched window, keeping pushed
// lines newer than anything the window carries.
func mergeLines(fetched, current []ChatLine) []ChatLine {
	var last int64
	for _, line := range fetched {
		if line.ID > last {
			last = line.ID
		}
	}
	out := append([]ChatLine(nil), fetched...)
	for _, line := range current {
		if !line.System && line.ID > last {
			out = append(out, line)
		}
	}
	return out
}

// belongsToDialog reports whether a pushed line is part of the open dialog.
func (model *Model) belongsToDialog(line ChatLine) bool {
	if model.current.isBroadcast() || model.current.ID == "" {
		return false
	}
	return (line.Sender == model.current.ID && line.Recipient == model.userID) ||
		(line.Sender == model.userID && line.Recipient == model.current.ID)
}
