package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"

	"bringyour.com/chat"
)

const ChatUiVersion = "0.0.1"

type appConfig struct {
	chatUrl string
	jwt     string
	channel string
}

func loadConfig() appConfig {
	godotenv.Load()

	cfg := appConfig{}
	flag.StringVar(&cfg.chatUrl, "url", os.Getenv("CHAT_URL"), "chat server url")
	flag.StringVar(&cfg.jwt, "jwt", os.Getenv("CHAT_JWT"), "platform jwt")
	flag.StringVar(&cfg.channel, "channel", "general", "initial channel id")
	flag.Parse()

	if cfg.chatUrl == "" {
		cfg.chatUrl = "wss://chat.bringyour.com"
	}
	return cfg
}

// the ui keeps its own view of the timeline, built purely from deltas.
// the engine's store is owned by the engine goroutine and is never read
// from the render loop.

type viewMessage struct {
	id         string
	user       string
	content    string
	timestamp  time.Time
	parentId   string
	pinned     bool
	bookmarked bool
	// grouped reaction badges, render order
	reactions []chat.ReactionGroup
	// reply view messages in timestamp order
	replies     []*viewMessage
	attachment  string
	provisional bool
}

type timeline struct {
	channelId string
	// top-level messages in timestamp order
	messages []*viewMessage
	byId     map[string]*viewMessage
}

func newTimeline(channelId string) *timeline {
	return &timeline{
		channelId: channelId,
		messages:  []*viewMessage{},
		byId:      map[string]*viewMessage{},
	}
}

func viewMessageFrom(m *chat.Message) *viewMessage {
	out := &viewMessage{
		id:          m.Id,
		user:        m.User,
		content:     m.Content,
		timestamp:   m.Timestamp,
		parentId:    m.ParentId,
		pinned:      m.Pin.Pinned,
		bookmarked:  m.Bookmark.Bookmarked,
		reactions:   m.ReactionGroups(),
		provisional: m.Provisional,
	}
	if m.Attachment != nil {
		out.attachment = m.Attachment.Name
	}
	return out
}

func (self *timeline) apply(delta chat.Delta) {
	switch delta.Kind {
	case chat.DeltaMessageAppend:
		if delta.ChannelId != self.channelId {
			return
		}
		if _, ok := self.byId[delta.MessageId]; ok {
			return
		}
		message := viewMessageFrom(delta.Message)
		self.byId[message.id] = message
		self.messages = append(self.messages, message)
		sort.SliceStable(self.messages, func(i int, j int) bool {
			return self.messages[i].timestamp.Before(self.messages[j].timestamp)
		})
	case chat.DeltaThreadReplyAppend:
		parent, ok := self.byId[delta.ParentId]
		if !ok {
			return
		}
		if _, ok := self.byId[delta.MessageId]; ok {
			return
		}
		reply := viewMessageFrom(delta.Message)
		self.byId[reply.id] = reply
		parent.replies = append(parent.replies, reply)
		sort.SliceStable(parent.replies, func(i int, j int) bool {
			return parent.replies[i].timestamp.Before(parent.replies[j].timestamp)
		})
	case chat.DeltaMessageRemove:
		message, ok := self.byId[delta.MessageId]
		if !ok {
			return
		}
		delete(self.byId, delta.MessageId)
		if message.parentId != "" {
			if parent, ok := self.byId[message.parentId]; ok {
				for i, reply := range parent.replies {
					if reply.id == message.id {
						parent.replies = append(parent.replies[:i], parent.replies[i+1:]...)
						break
					}
				}
			}
		} else {
			for i, m := range self.messages {
				if m.id == message.id {
					self.messages = append(self.messages[:i], self.messages[i+1:]...)
					break
				}
			}
		}
	case chat.DeltaReactionUpdate, chat.DeltaPinUpdate, chat.DeltaBookmarkUpdate:
		message, ok := self.byId[delta.MessageId]
		if !ok {
			return
		}
		message.reactions = delta.Message.ReactionGroups()
		message.pinned = delta.Message.Pin.Pinned
		message.bookmarked = delta.Message.Bookmark.Bookmarked
	}
}

// bubbletea messages delivered from the engine callbacks via program.Send

type deltaMsg struct {
	delta chat.Delta
}

type noticeMsg struct {
	notice chat.Notice
}

type theme struct {
	header    lipgloss.Style
	user      lipgloss.Style
	localUser lipgloss.Style
	muted     lipgloss.Style
	badge     lipgloss.Style
	pin       lipgloss.Style
	status    lipgloss.Style
	errStatus lipgloss.Style
	inputLine lipgloss.Style
}

func newTheme() theme {
	blue := lipgloss.Color("#2e95d3")
	mint := lipgloss.Color("#05ffa1")
	pink := lipgloss.Color("#ff71ce")
	muted := lipgloss.Color("#7a7a8c")

	return theme{
		header:    lipgloss.NewStyle().Foreground(blue).Bold(true),
		user:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		localUser: lipgloss.NewStyle().Foreground(mint).Bold(true),
		muted:     lipgloss.NewStyle().Foreground(muted),
		badge:     lipgloss.NewStyle().Foreground(pink),
		pin:       lipgloss.NewStyle().Foreground(lipgloss.Color("#ffd166")),
		status:    lipgloss.NewStyle().Foreground(blue).Bold(true),
		errStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		inputLine: lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderTop(true),
	}
}

type model struct {
	cfg    appConfig
	client *chat.Client

	timeline *timeline
	channels map[string]string

	connectionState chat.ConnectionState
	statusLine      string
	statusIsError   bool

	// parent id for replies entered in thread mode, empty for channel mode
	threadParentId string

	view  viewport.Model
	input textinput.Model
	theme theme
	ready bool
}

func newModel(cfg appConfig, client *chat.Client) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Message, or /join /reply /react /pin /bookmark /search /status /quit"
	input.Focus()

	return model{
		cfg:             cfg,
		client:          client,
		timeline:        newTimeline(cfg.channel),
		channels:        map[string]string{},
		connectionState: chat.ConnectionStateConnecting,
		statusLine:      "connecting...",
		view:            viewport.New(0, 0),
		input:           input,
		theme:           newTheme(),
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.view.Width = msg.Width
		m.view.Height = msg.Height - 4
		m.input.Width = msg.Width - 4
		m.ready = true
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.threadParentId != "" && msg.Type == tea.KeyEsc {
				m.threadParentId = ""
				m.statusLine = "left thread"
				m.statusIsError = false
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			return m.submit(line)
		}
	case deltaMsg:
		m.applyDelta(msg.delta)
		m.refresh()
		return m, nil
	case noticeMsg:
		m.applyNotice(msg.notice)
		return m, nil
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.view, cmd = m.view.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *model) applyDelta(delta chat.Delta) {
	switch delta.Kind {
	case chat.DeltaSessionUpdate:
		m.connectionState = delta.Session.ConnectionState
		m.statusLine = string(delta.Session.ConnectionState)
		m.statusIsError = !delta.Session.ConnectionState.IsActive()
	case chat.DeltaChannelUpsert:
		m.channels[delta.Channel.Id] = delta.Channel.Name
	case chat.DeltaChannelReset:
		if delta.ChannelId == m.timeline.channelId {
			m.timeline = newTimeline(m.timeline.channelId)
		}
	default:
		m.timeline.apply(delta)
	}
}

func (m *model) applyNotice(notice chat.Notice) {
	switch notice.Kind {
	case chat.NoticeActionFailed:
		m.statusLine = fmt.Sprintf("%s failed: %s", notice.ActionKind, notice.Message)
		m.statusIsError = true
	case chat.NoticeServerError:
		m.statusLine = fmt.Sprintf("server error: %s", notice.Message)
		m.statusIsError = true
	case chat.NoticeUserStatus:
		m.statusLine = fmt.Sprintf("status %s: %v", notice.Message, notice.Payload)
		m.statusIsError = false
	case chat.NoticeSearchResults:
		m.statusLine = fmt.Sprintf("search %q: %v", notice.Message, notice.Payload)
		m.statusIsError = false
	}
}

func (m model) submit(line string) (tea.Model, tea.Cmd) {
	if !strings.HasPrefix(line, "/") {
		if m.threadParentId != "" {
			m.client.SendThreadReply(m.threadParentId, line)
		} else {
			m.client.SendMessage(line)
		}
		return m, nil
	}

	command, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch command {
	case "quit":
		return m, tea.Quit
	case "join":
		if rest != "" {
			m.timeline = newTimeline(rest)
			m.threadParentId = ""
			m.client.JoinChannel(rest)
			m.refresh()
		}
	case "reply":
		// /reply <message_id> enters thread mode; plain lines reply there
		if rest != "" {
			m.threadParentId = rest
			m.statusLine = "replying in thread " + rest
			m.statusIsError = false
		}
	case "react":
		messageId, emoji, ok := strings.Cut(rest, " ")
		if ok {
			m.client.ToggleReaction(messageId, strings.TrimSpace(emoji))
		}
	case "pin":
		if rest != "" {
			m.client.PinMessage(rest)
		}
	case "bookmark":
		messageId, note, _ := strings.Cut(rest, " ")
		if messageId != "" {
			m.client.BookmarkMessage(messageId, strings.TrimSpace(note))
		}
	case "search":
		if rest != "" {
			m.client.SearchMessages(rest)
		}
	case "status":
		if rest != "" {
			m.client.GetUserStatus(rest)
		}
	case "setstatus":
		emoji, status, _ := strings.Cut(rest, " ")
		m.client.UpdateCustomStatus(strings.TrimSpace(status), emoji)
	default:
		m.statusLine = "unknown command /" + command
		m.statusIsError = true
	}
	return m, nil
}

func (m *model) refresh() {
	if !m.ready {
		return
	}
	atBottom := m.view.AtBottom()
	m.view.SetContent(m.renderTimeline())
	if atBottom {
		m.view.GotoBottom()
	}
}

func (m *model) renderTimeline() string {
	lines := []string{}
	for _, message := range m.timeline.messages {
		lines = append(lines, m.renderMessage(message, false))
		for _, reply := range message.replies {
			lines = append(lines, m.renderMessage(reply, true))
		}
	}
	return strings.Join(lines, "\n")
}

func (m *model) renderMessage(message *viewMessage, isReply bool) string {
	var b strings.Builder
	if isReply {
		b.WriteString("    ↳ ")
	}
	b.WriteString(m.theme.muted.Render(message.timestamp.Format("15:04:05")))
	b.WriteString(" ")
	b.WriteString(m.theme.user.Render(message.user))
	b.WriteString(" ")
	b.WriteString(message.content)
	if message.attachment != "" {
		b.WriteString(m.theme.muted.Render(" (" + message.attachment + ")"))
	}
	if message.pinned {
		b.WriteString(m.theme.pin.Render(" ⚑"))
	}
	if message.bookmarked {
		b.WriteString(m.theme.pin.Render(" ★"))
	}
	if message.provisional {
		b.WriteString(m.theme.muted.Render(" …"))
	}
	for _, group := range message.reactions {
		b.WriteString(" ")
		b.WriteString(m.theme.badge.Render(fmt.Sprintf("%s%d", group.Emoji, group.Count)))
	}
	if !isReply && 0 < len(message.replies) {
		b.WriteString(m.theme.muted.Render(fmt.Sprintf("  [%d replies, /reply %s]", len(message.replies), message.id)))
	}
	return b.String()
}

func (m model) View() string {
	if !m.ready {
		return "starting..."
	}
	channelLabel := m.timeline.channelId
	if name, ok := m.channels[m.timeline.channelId]; ok && name != "" {
		channelLabel = name
	}
	header := m.theme.header.Render("#" + channelLabel)
	if m.threadParentId != "" {
		header += m.theme.muted.Render("  (thread " + m.threadParentId + ", esc to leave)")
	}
	statusStyle := m.theme.status
	if m.statusIsError {
		statusStyle = m.theme.errStatus
	}
	return strings.Join([]string{
		header,
		m.view.View(),
		statusStyle.Render(m.statusLine),
		m.theme.inputLine.Render(m.input.View()),
	}, "\n")
}

func main() {
	cfg := loadConfig()
	if cfg.jwt == "" {
		fmt.Fprintln(os.Stderr, "a jwt is required (--jwt or CHAT_JWT)")
		os.Exit(1)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth := &chat.ClientAuth{
		ByJwt:      cfg.jwt,
		InstanceId: chat.NewId(),
		AppVersion: fmt.Sprintf("chatui %s", ChatUiVersion),
	}
	client := chat.NewClientWithDefaults(cancelCtx, cfg.chatUrl, auth)
	defer client.Close()

	p := tea.NewProgram(newModel(cfg, client), tea.WithAltScreen())

	// engine callbacks run on the engine goroutine; program.Send is the
	// crossing point into the render loop. entities are snapshotted here
	// because the engine keeps mutating them after the callback returns.
	client.AddDeltaCallback(func(delta chat.Delta) {
		if delta.Message != nil {
			message := *delta.Message
			message.Reactions = append([]chat.Reaction{}, delta.Message.Reactions...)
			message.ThreadReplyIds = append([]string{}, delta.Message.ThreadReplyIds...)
			delta.Message = &message
		}
		if delta.Channel != nil {
			channel := *delta.Channel
			delta.Channel = &channel
		}
		p.Send(deltaMsg{delta: delta})
	})
	client.AddNoticeCallback(func(notice chat.Notice) {
		p.Send(noticeMsg{notice: notice})
	})

	client.JoinChannel(cfg.channel)

	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
