// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/glucostat/internal/glucose"
	"github.com/Thermoquad/glucostat/internal/session"
)

// Glucose ranges used for colouring, mg/dL
const (
	lowThreshold  = 70
	highThreshold = 180
)

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for warnings and info
}

// TUI model
type model struct {
	connInfo      string
	poll          func() []session.Status
	statuses      []session.Status
	latest        *glucose.Value
	readings      []glucose.Value
	table         table.Model
	spinner       spinner.Model
	eventLog      []eventLogEntry
	maxLogEntries int
	width         int
	height        int
	quitting      bool
	now           time.Time
}

// Messages
type tickMsg time.Time
type valueMsg struct {
	value  glucose.Value
	newest bool
}
type logMsg struct {
	level   string
	message string
	err     string
}

// formatAge formats the time since a reading in a compact form
func formatAge(d time.Duration) string {
	if d < time.Minute {
		return "just now"
	}
	minutes := int(d / time.Minute)
	hours := minutes / 60
	days := hours / 24
	minutes %= 60
	hours %= 24

	parts := []string{}
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 && days == 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	return strings.Join(parts, " ") + " ago"
}

func initialModel(connInfo string, poll func() []session.Status) model {
	columns := []table.Column{
		{Title: "Time", Width: 10},
		{Title: "mg/dL", Width: 6},
		{Title: "Trend", Width: 16},
		{Title: "Source", Width: 7},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

	return model{
		connInfo:      connInfo,
		poll:          poll,
		table:         t,
		spinner:       sp,
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
		now:           time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.spinner.Tick,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		rows := m.height - 20
		if rows < 5 {
			rows = 5
		}
		m.table.SetHeight(rows)

	case tickMsg:
		m.now = time.Time(msg)
		m.refreshStatuses()
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case valueMsg:
		m.addReading(msg.value, msg.newest)

	case logMsg:
		text := msg.message
		if msg.err != "" {
			text += ": " + msg.err
		}
		m.addLogEntry(text, msg.level == "error" || msg.level == "fatal")
	}

	return m, nil
}

// refreshStatuses polls every session and logs state changes
func (m *model) refreshStatuses() {
	if m.poll == nil {
		return
	}
	statuses := m.poll()
	for i := range statuses {
		if i < len(m.statuses) && m.statuses[i].State != statuses[i].State {
			m.addLogEntry(fmt.Sprintf("%s: %s → %s", statuses[i].Name, m.statuses[i].State, statuses[i].State),
				statuses[i].State == session.StateFailed)
		}
	}
	m.statuses = statuses
}

func (m *model) addReading(v glucose.Value, newest bool) {
	if newest || m.latest == nil {
		m.latest = &v
	}
	m.readings = append(m.readings, v)
	glucose.SortBySensorTime(m.readings)
	if len(m.readings) > 288 {
		m.readings = m.readings[len(m.readings)-288:]
	}

	rows := make([]table.Row, 0, len(m.readings))
	for i := len(m.readings) - 1; i >= 0; i-- {
		r := m.readings[i]
		rows = append(rows, table.Row{
			r.SensorTime().Local().Format("15:04:05"),
			fmt.Sprintf("%d", r.Rounded()),
			r.Trend().Arrow() + " " + r.Trend().String(),
			string(r.Source()),
		})
	}
	m.table.SetRows(rows)
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func glucoseStyle(value int) lipgloss.Style {
	style := lipgloss.NewStyle().Bold(true).Padding(0, 2)
	switch {
	case value < lowThreshold:
		return style.Foreground(lipgloss.Color("9"))
	case value > highThreshold:
		return style.Foreground(lipgloss.Color("11"))
	default:
		return style.Foreground(lipgloss.Color("10"))
	}
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("GLUCOSTAT - LIVE"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Press 'q' to quit", m.connInfo)))
	s.WriteString("\n\n")

	// Latest value
	latest := strings.Builder{}
	if m.latest == nil {
		latest.WriteString(m.spinner.View())
		latest.WriteString(warningStyle.Render(" Waiting for the first value..."))
	} else {
		v := *m.latest
		latest.WriteString(glucoseStyle(v.Rounded()).Render(fmt.Sprintf("%d %s", v.Rounded(), v.Trend().Arrow())))
		latest.WriteString(fmt.Sprintf("  %s %s   %s %s",
			labelStyle.Render("Trend:"), valueStyle.Render(v.Trend().String()),
			labelStyle.Render("Age:"), func() string {
				age := m.now.Sub(v.SensorTime())
				if age > 10*time.Minute {
					return errorStyle.Render(formatAge(age))
				}
				return valueStyle.Render(formatAge(age))
			}(),
		))
	}
	s.WriteString(boxStyle.Render(latest.String()))
	s.WriteString("\n\n")

	// Sessions
	sessions := strings.Builder{}
	if len(m.statuses) == 0 {
		sessions.WriteString(headerStyle.Render("(no session status yet)"))
	}
	for i, st := range m.statuses {
		if i > 0 {
			sessions.WriteString("\n")
		}
		stateStyle := valueStyle
		switch st.State {
		case session.StateFailed:
			stateStyle = errorStyle
		case session.StateDisconnected, session.StateLoggedOut, session.StateConnecting:
			stateStyle = warningStyle
		}
		sessions.WriteString(fmt.Sprintf("%s %s   %s %d   %s %d",
			labelStyle.Render(fmt.Sprintf("%-6s", st.Name+":")), stateStyle.Render(st.State.String()),
			labelStyle.Render("Polls:"), st.Polls,
			labelStyle.Render("Emitted:"), st.Emitted,
		))
		if !st.NextPoll.IsZero() {
			sessions.WriteString(fmt.Sprintf("   %s %s", labelStyle.Render("Next:"),
				valueStyle.Render(st.NextPoll.Sub(m.now).Round(time.Second).String())))
		}
		if st.Errors > 0 {
			sessions.WriteString(fmt.Sprintf("   %s %s", labelStyle.Render("Errors:"),
				errorStyle.Render(fmt.Sprintf("%d", st.Errors))))
		}
		if st.Link != nil {
			link := st.Link
			sessions.WriteString(fmt.Sprintf("\n       %s %d   %s %d   %s %s",
				labelStyle.Render("Commands:"), link.Commands,
				labelStyle.Render("Pages:"), link.PagesRead,
				labelStyle.Render("Link errors:"), func() string {
					if link.Errors() > 0 {
						return errorStyle.Render(fmt.Sprintf("%d (CRC %d, framing %d, transport %d)",
							link.Errors(), link.CRCErrors, link.FramingErrors, link.TransportErrors))
					}
					return valueStyle.Render("0")
				}(),
			))
		}
	}
	s.WriteString(boxStyle.Render(sessions.String()))
	s.WriteString("\n\n")

	// Readings table
	s.WriteString(labelStyle.Render("Recent Readings:"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Render(m.table.View()))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := 5
	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(strings.TrimRight(logContent.String(), "\n")))

	return s.String()
}

// parseLogLine turns one zerolog JSON line into a logMsg
func parseLogLine(line []byte) (logMsg, bool) {
	var fields struct {
		Level     string `json:"level"`
		Message   string `json:"message"`
		Error     string `json:"error"`
		Component string `json:"component"`
	}
	if err := json.Unmarshal(line, &fields); err != nil || fields.Message == "" {
		return logMsg{}, false
	}
	msg := fields.Message
	if fields.Component != "" {
		msg = fields.Component + ": " + msg
	}
	return logMsg{level: fields.Level, message: msg, err: fields.Error}, true
}
