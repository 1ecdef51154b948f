package ui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// maxLines bounds the transcript kept in the viewport.
const maxLines = 2000

type recordMsg string

type styles struct {
	header lipgloss.Style
	kind   lipgloss.Style
	user   lipgloss.Style
	help   lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#01cdfe")).
			BorderStyle(lipgloss.RoundedBorder()).BorderBottom(true).Padding(0, 1),
		kind: lipgloss.NewStyle().Foreground(lipgloss.Color("#ff71ce")),
		user: lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1")).Bold(true),
		help: lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3d8")),
	}
}

type model struct {
	title   string
	input   textinput.Model
	view    viewport.Model
	lines   []string
	styles  styles
	ready   bool
	invoke  func(string)
	onClose func()
}

func newModel(title string, invoke func(string), onClose func()) model {
	in := textinput.New()
	in.Placeholder = "Say something, or paste a JSON record"
	in.Prompt = "> "
	in.CharLimit = 0
	in.Focus()

	return model{
		title:   title,
		input:   in,
		view:    viewport.New(80, 20),
		styles:  defaultStyles(),
		invoke:  invoke,
		onClose: onClose,
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.view.Width = msg.Width
		m.view.Height = max(msg.Height-4, 1)
		m.input.Width = max(msg.Width-4, 10)
		m.ready = true
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			if m.onClose != nil {
				m.onClose()
			}
			return m, tea.Quit
		case "enter":
			text := m.input.Value()
			if strings.TrimSpace(text) == "" {
				return m, nil
			}
			m.input.Reset()
			m.appendLine(m.styles.user.Render("you") + " " + text)
			if m.invoke != nil {
				m.invoke(UserRecord(text))
			}
			return m, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.view, cmd = m.view.Update(msg)
			return m, cmd
		}

	case recordMsg:
		kind, text := Summary(string(msg))
		if kind == "" {
			m.appendLine(text)
		} else {
			m.appendLine(m.styles.kind.Render("["+kind+"]") + " " + text)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	m.refresh()
}

func (m *model) refresh() {
	m.view.SetContent(strings.Join(m.lines, "\n"))
	m.view.GotoBottom()
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(m.styles.header.Render(m.title))
	b.WriteString("\n")
	b.WriteString(m.view.View())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.styles.help.Render("enter send · pgup/pgdown scroll · esc quit"))
	return b.String()
}

// Terminal is a bubbletea UI. Records are delivered through an ordered queue
// into the program's event loop; closing the window triggers onClose.
type Terminal struct {
	program *tea.Program
	queue   *Queue
}

// NewTerminal creates a terminal UI. invoke receives records typed by the user.
// Signals are left to the caller.
func NewTerminal(title string, invoke func(string), onClose func()) *Terminal {
	return newTerminal(title, invoke, onClose, tea.WithAltScreen(), tea.WithoutSignalHandler())
}

func newTerminal(title string, invoke func(string), onClose func(), opts ...tea.ProgramOption) *Terminal {
	t := &Terminal{}
	t.program = tea.NewProgram(newModel(title, invoke, onClose), opts...)
	t.queue = NewQueue(func(rec string) { t.program.Send(recordMsg(rec)) })
	return t
}

// Deliver implements domain.Dispatcher.
func (t *Terminal) Deliver(record string) {
	t.queue.Deliver(record)
}

// Run blocks until the window closes or ctx is canceled.
func (t *Terminal) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			t.program.Quit()
		case <-stop:
		}
	}()

	_, err := t.program.Run()
	t.queue.Close()
	if errors.Is(err, tea.ErrInterrupted) {
		// An interrupt is a window close, not a UI failure.
		return nil
	}
	return err
}
