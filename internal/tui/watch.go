// Package tui renders a live view of a development run in the terminal.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	truecodingsdk "truecoding/sdk/go"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	cyanColor    = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	seqStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(6).
			Align(lipgloss.Right)

	typeStyle = lipgloss.NewStyle().
			Foreground(cyanColor).
			Width(18)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)
)

// maxLines bounds how many events stay on screen.
const maxLines = 20

// Source yields stream frames. *truecodingsdk.Stream satisfies it.
type Source interface {
	Next() (truecodingsdk.Message, error)
}

type eventMsg struct{ event truecodingsdk.Event }

type doneMsg struct {
	status       string
	lastSequence int64
}

type errMsg struct{ err error }

// Model follows one run until the server reports it done.
type Model struct {
	runID   string
	src     Source
	spinner spinner.Model
	events  []truecodingsdk.Event
	status  string
	lastSeq int64
	done    bool
	err     error
}

// NewModel builds a watch model reading from src.
func NewModel(runID string, src Source) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(primaryColor)
	return &Model{runID: runID, src: src, spinner: s, status: "…"}
}

// Status is the last run status seen on the stream.
func (m *Model) Status() string { return m.status }

// Err is the failure that ended the watch, if any.
func (m *Model) Err() error { return m.err }

// Done reports whether the server closed the stream with a done frame.
func (m *Model) Done() bool { return m.done }

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.next())
}

func (m *Model) next() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		msg, err := src.Next()
		if err != nil {
			if err == io.EOF {
				return errMsg{err: fmt.Errorf("stream closed before run finished")}
			}
			return errMsg{err: err}
		}
		switch msg.Kind {
		case truecodingsdk.MessageDone:
			return doneMsg{status: msg.Done.Status, lastSequence: msg.Done.LastSequence}
		case truecodingsdk.MessageError:
			return errMsg{err: fmt.Errorf("%w: %s", truecodingsdk.ErrStreamFailed, msg.Error)}
		default:
			return eventMsg{event: msg.Event}
		}
	}
}

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
	case eventMsg:
		m.events = append(m.events, msg.event)
		if len(m.events) > maxLines {
			m.events = m.events[len(m.events)-maxLines:]
		}
		m.lastSeq = msg.event.Sequence
		if msg.event.EventType == "run_status" {
			if status := payloadStatus(msg.event.Payload); status != "" {
				m.status = status
			}
		}
		return m, m.next()
	case doneMsg:
		m.done = true
		m.status = msg.status
		m.lastSeq = msg.lastSequence
		return m, tea.Quit
	case errMsg:
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model
func (m *Model) View() string {
	var b strings.Builder
	indicator := m.spinner.View()
	if m.done || m.err != nil {
		indicator = " "
	}
	b.WriteString(titleStyle.Render("Run "+m.runID) + " " + indicator + " " + statusLabel(m.status) + "\n\n")
	for _, e := range m.events {
		line := seqStyle.Render(fmt.Sprintf("%d", e.Sequence)) + "  " + typeStyle.Render(e.EventType)
		if e.Message != nil {
			line += " " + *e.Message
		}
		b.WriteString(line + "\n")
	}
	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("✗ "+m.err.Error()) + "\n")
	} else if !m.done {
		b.WriteString("\n" + helpStyle.Render("q to stop watching; the run keeps going") + "\n")
	}
	return b.String()
}

func statusLabel(status string) string {
	switch status {
	case "SUCCEEDED":
		return lipgloss.NewStyle().Foreground(successColor).Render("● " + status)
	case "FAILED", "CANCELED":
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ " + status)
	case "WAITING_CHECKPOINT", "QUEUED":
		return lipgloss.NewStyle().Foreground(warningColor).Render("◐ " + status)
	case "RUNNING":
		return lipgloss.NewStyle().Foreground(primaryColor).Render("◑ " + status)
	default:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("○ " + status)
	}
}

func payloadStatus(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Status
}

// Watch opens the run's stream and renders it until the run is done, the
// user quits, or ctx ends. It returns the last status seen.
func Watch(ctx context.Context, client *truecodingsdk.Client, runID string, out io.Writer) (string, error) {
	st, err := client.Stream(ctx, runID, 0)
	if err != nil {
		return "", err
	}
	defer st.Close()
	m := NewModel(runID, st)
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if out != nil {
		opts = append(opts, tea.WithOutput(out))
	}
	final, err := tea.NewProgram(m, opts...).Run()
	if err != nil && ctx.Err() == nil {
		return "", err
	}
	if fm, ok := final.(*Model); ok && fm != nil {
		m = fm
	}
	return m.Status(), m.Err()
}
