package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(0, 1).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109"))
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	fileBodyStyle      = messageBodyStyle.Copy().Foreground(lipgloss.Color("81")).Underline(true)
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(0, 1).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	selectedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	itemStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model *Model) View() string {
	switch model.mode {
	case modeAuthMenu:
		return model.renderAuthMenuView()
	case modeAuthUsername, modeAuthPassword:
		return model.renderAuthPromptView()
	case modeUsers:
		return model.renderUsersView()
	case modeAttach:
		return model.renderAttachView()
	default:
		return model.renderChatView()
	}
}

func (model *Model) renderAuthMenuView() string {
	title := appTitleStyle.Render("hackchat")
	subtitle := subtitleStyle.Render(fmt.Sprintf("Server %s", model.api.baseURL))

	options := []string{
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Sign up"),
		renderMenuOption("q", "Quit"),
	}
	sections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, menuHintStyle.Render("1) Log in  •  2) Sign up  •  q) Quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *Model) renderAuthPromptView() string {
	title := "Log in"
	if model.intent == authIntentSignup {
		title = "Create an account"
	}
	hint := "Enter your username"
	if model.mode == modeAuthPassword {
		hint = "Enter your password"
	}

	sections := []string{appTitleStyle.Render(title), menuHintStyle.Render(hint)}
	if model.loading {
		sections = append(sections, connectingStyle.Render("Working…"))
	}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *Model) renderUsersView() string {
	title := appTitleStyle.Render(fmt.Sprintf("Welcome, %s", model.username))
	sections := []string{title, subtitleStyle.Render(model.renderStatus())}
	if model.loading {
		sections = append(sections, connectingStyle.Render("Loading users…"))
	}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}

	var lines []string
	for idx, peer := range model.peers {
		label := peer.Username
		if !peer.isBroadcast() {
			label = presenceDot(peer.Online) + " " + label
		}
		if idx == model.selectedPeer {
			lines = append(lines, selectedStyle.Render("➤ "+label))
		} else {
			lines = append(lines, itemStyle.Render("  "+label))
		}
	}
	if len(lines) == 0 {
		lines = append(lines, menuHintStyle.Render("No users yet."))
	}
	sections = append(sections,
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)),
		menuHintStyle.Render("↑/↓ select • Enter open • R refresh • Q quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *Model) renderChatView() string {
	target := model.current.Username
	if !model.current.isBroadcast() {
		target = "Chat with " + target
	}
	header := chatHeaderStyle.Render(strings.Join([]string{"hackchat", target, "User " + model.username}, dividerStyle))

	sections := []string{header, model.renderStatus()}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections,
		messageBoxStyle.Render(model.viewport.View()),
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render("Esc or /leave to go back • /attach [path] to send a file • PgUp/PgDn scroll"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *Model) renderAttachView() string {
	sections := []string{
		appTitleStyle.Render("Attach a file"),
		menuHintStyle.Render(model.browsePath),
	}
	var lines []string
	for idx, item := range model.files {
		label := item.Name
		if item.IsDir {
			label += "/"
		} else {
			label += "  " + timestampStyle.Render(formatFileSize(item.Size))
		}
		if idx == model.selectedFile {
			lines = append(lines, selectedStyle.Render("➤ "+label))
		} else {
			lines = append(lines, itemStyle.Render("  "+label))
		}
	}
	if len(lines) == 0 {
		lines = append(lines, menuHintStyle.Render("Empty directory."))
	}
	sections = append(sections,
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)),
		menuHintStyle.Render("↑/↓ select • Enter open/send • Esc cancel"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *Model) renderStatus() string {
	switch {
	case model.connError != nil:
		return errorStyle.Render("Connection error: " + model.connError.Error())
	case model.isConnected:
		return connectedStyle.Render("Live")
	default:
		return connectingStyle.Render("Connecting…")
	}
}

func (model *Model) renderNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	lines := make([]string, 0, len(model.notices))
	for _, notice := range model.notices {
		lines = append(lines, systemMessageStyle.Render(notice))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (model *Model) renderLines() string {
	if len(model.lines) == 0 {
		return systemMessageStyle.Render("No messages yet. Say hi and start the conversation.")
	}
	rendered := make([]string, 0, len(model.lines))
	for _, line := range model.lines {
		rendered = append(rendered, model.renderChatLine(line))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rendered...)
}

// renderChatLine stamps the time, colors the sender and indents multi-line
// bodies. File markers render as a download path.
func (model *Model) renderChatLine(line ChatLine) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", line.At.Format("15:04:05")))
	if line.System {
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", systemMessageStyle.Render(line.Text))
	}

	name := line.SenderName
	if name == "" {
		name = model.peerName(line.Sender)
	}
	nameStyle := usernameStyle.Copy().Foreground(colorForUser(name))
	if line.Sender == model.userID {
		nameStyle = activeUserStyle
	}

	var body string
	if stored, ok := strings.CutPrefix(line.Text, "[file]"); ok {
		body = fileBodyStyle.Render(model.api.baseURL + "/files/" + stored)
	} else {
		body = messageBodyStyle.Render(strings.ReplaceAll(line.Text, "\n", "\n   "))
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", nameStyle.Render(name), ": ", body)
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func presenceDot(online bool) string {
	if online {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("○")
}

func colorForUser(name string) lipgloss.Color {
	if len(userColorPalette) == 0 {
		return lipgloss.Color("249")
	}
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
