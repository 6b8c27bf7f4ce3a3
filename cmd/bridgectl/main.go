// Command bridgectl is a terminal dashboard over a running bridged's admin
// surface: live session list, host connectivity, and a streaming chart of
// session count.
package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"
	zone "github.com/lrstanley/bubblezone"

	"github.com/nativehost/automation-bridge/internal/admin"
	"github.com/nativehost/automation-bridge/internal/adminclient"
	"github.com/nativehost/automation-bridge/internal/config"
	"github.com/nativehost/automation-bridge/internal/session"
)

type loadResultMsg struct {
	status   admin.Status
	sessions []session.Snapshot
	err      error
	at       time.Time
}

type disconnectResultMsg struct {
	id  string
	err error
}

type tickMsg time.Time

type model struct {
	client  *adminclient.Client
	refresh time.Duration

	status   admin.Status
	sessions []session.Snapshot
	cursor   int

	spin spinner.Model
	vp   viewport.Model

	chart  streamlinechart.Model
	spring harmonica.Spring
	anim   float64
	vel    float64

	statusLine  string
	lastUpdated time.Time
	width       int
	height      int
}

func newModel(client *adminclient.Client, refresh time.Duration) model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))

	chart := streamlinechart.New(
		40,
		8,
		streamlinechart.WithYRange(0, 32),
		streamlinechart.WithStyles(runes.ArcLineStyle, lipgloss.NewStyle().Foreground(lipgloss.Color("10"))),
	)

	return model{
		client:     client,
		refresh:    refresh,
		statusLine: "loading...",
		spin:       sp,
		vp:         viewport.New(60, 20),
		chart:      chart,
		spring:     harmonica.NewSpring(harmonica.FPS(60), 12.0, 1.0),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.client), tickCmd(m.refresh), m.spin.Tick)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.vp.Width = max(40, m.width-4)
		m.vp.Height = max(8, m.height-16)
		m.syncViewportContent()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case loadResultMsg:
		if msg.err != nil {
			m.statusLine = "refresh failed: " + msg.err.Error()
			return m, nil
		}
		m.status = msg.status
		m.sessions = msg.sessions
		sort.Slice(m.sessions, func(i, j int) bool { return m.sessions[i].CreatedAt.Before(m.sessions[j].CreatedAt) })
		if m.cursor >= len(m.sessions) {
			m.cursor = max(0, len(m.sessions)-1)
		}
		m.lastUpdated = msg.at
		m.chart.Push(float64(len(m.sessions)))
		m.chart.Draw()
		m.syncViewportContent()
		m.statusLine = fmt.Sprintf("sessions=%d host_connected=%v bridge_only=%v", len(m.sessions), m.status.HostConnected, m.status.HostBridgeOnly)
		return m, nil

	case disconnectResultMsg:
		if msg.err != nil {
			m.statusLine = fmt.Sprintf("disconnect %s failed: %v", shortID(msg.id), msg.err)
			return m, nil
		}
		m.statusLine = fmt.Sprintf("disconnected %s", shortID(msg.id))
		return m, fetchCmd(m.client)

	case tickMsg:
		m.anim, m.vel = m.spring.Update(m.anim, m.vel, float64(len(m.sessions)))
		return m, tea.Batch(fetchCmd(m.client), tickCmd(m.refresh))

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionPress && msg.Button == tea.MouseButtonLeft {
			for i, s := range m.sessions {
				if z := zone.Get("session-" + s.ID); z != nil && z.InBounds(msg) {
					m.cursor = i
					m.syncViewportContent()
					return m, nil
				}
			}
		}

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.client)
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
			m.syncViewportContent()
			return m, nil
		case "down", "j":
			if m.cursor < len(m.sessions)-1 {
				m.cursor++
			}
			m.syncViewportContent()
			return m, nil
		case "pgup":
			m.vp.HalfViewUp()
			return m, nil
		case "pgdown":
			m.vp.HalfViewDown()
			return m, nil
		case "d":
			if len(m.sessions) > 0 {
				id := m.sessions[m.cursor].ID
				return m, disconnectCmd(m.client, id)
			}
			return m, nil
		}
	}

	return m, nil
}

func (m *model) syncViewportContent() {
	m.vp.SetContent(m.renderSessionRows())
}

func (m model) renderSessionRows() string {
	cursorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	stateStyle := map[string]lipgloss.Style{
		"ATTACHED": lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		"DETACHED": lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		"TERMINAL": lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
	normalStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	if len(m.sessions) == 0 {
		return normalStyle.Render("(no sessions)")
	}
	lines := make([]string, 0, len(m.sessions)*2)
	for i, s := range m.sessions {
		pref := "  "
		if i == m.cursor {
			pref = "> "
		}
		row := fmt.Sprintf("%s%s  %-9s queue=%-3d pending=%-3d", pref, shortID(s.ID), stateStyle[s.State].Render(s.State), s.QueueDepth, s.PendingCount)
		if i == m.cursor {
			row = cursorStyle.Render(row)
		}
		row = zone.Mark("session-"+s.ID, row)
		lines = append(lines, row)
		lines = append(lines, fmt.Sprintf("    created %s  expires %s", timeAgo(s.CreatedAt), timeUntil(s.ExpiresAt)))
	}
	return strings.Join(lines, "\n")
}

func (m model) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	normalStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	pane := lipgloss.NewStyle().Width(max(40, m.width-2)).Border(lipgloss.RoundedBorder()).Padding(0, 1).Render(normalStyle.Render("Sessions") + "\n" + m.vp.View())

	hostState := "disconnected"
	if m.status.HostConnected {
		hostState = "connected"
		if m.status.HostBridgeOnly {
			hostState = "connected (bridge-only)"
		}
	}
	statCount := int(math.Round(m.anim))
	cards := lipgloss.JoinHorizontal(
		lipgloss.Top,
		lipgloss.NewStyle().Padding(0, 1).Border(lipgloss.RoundedBorder()).Render(fmt.Sprintf("Sessions\n%d", statCount)),
		lipgloss.NewStyle().Padding(0, 1).Border(lipgloss.RoundedBorder()).Render(fmt.Sprintf("Host\n%s", hostState)),
		lipgloss.NewStyle().Padding(0, 1).Border(lipgloss.RoundedBorder()).Render(fmt.Sprintf("Uptime\n%s", m.status.Uptime)),
		lipgloss.NewStyle().Padding(0, 1).Border(lipgloss.RoundedBorder()).Render(fmt.Sprintf("Updated\n%s", lastUpdatedText(m.lastUpdated))),
	)
	chartPanel := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).Render("Session Count Trend\n" + m.chart.View())

	help := normalStyle.Render("mouse: click row | j/k move | pgup/pgdown scroll | d disconnect | r refresh | q quit")
	status := titleStyle.Render("status: ") + m.statusLine + "  " + m.spin.View()

	return zone.Scan(strings.Join([]string{
		titleStyle.Render("automation-bridge control"),
		cards,
		chartPanel,
		pane,
		status,
		help,
	}, "\n"))
}

func fetchCmd(client *adminclient.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		status, err := client.Status(ctx)
		if err != nil {
			return loadResultMsg{err: err}
		}
		sessions, err := client.ListSessions(ctx)
		if err != nil {
			return loadResultMsg{err: err}
		}
		return loadResultMsg{status: status, sessions: sessions, at: time.Now()}
	}
}

func disconnectCmd(client *adminclient.Client, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := client.DisconnectSession(ctx, id)
		return disconnectResultMsg{id: id, err: err}
	}
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func shortID(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := time.Since(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

func timeUntil(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	d := time.Until(t).Round(time.Second)
	if d < 0 {
		return "overdue"
	}
	return "in " + d.String()
}

func lastUpdatedText(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func main() {
	zone.NewGlobal()
	settings, err := config.LoadOrCreate("")
	if err != nil {
		fmt.Printf("config error: %v\n", err)
		return
	}
	if settings.AdminAddr == "" {
		fmt.Println("admin surface disabled (server.admin_addr empty in config)")
		return
	}
	client := adminclient.New("http://localhost"+settings.AdminAddr, settings.AdminToken, &http.Client{Timeout: 4 * time.Second})
	m := newModel(client, 2*time.Second)
	m.vp.Width = 60
	m.vp.Height = 20
	if _, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion()).Run(); err != nil {
		fmt.Printf("tui error: %v\n", err)
	}
}
