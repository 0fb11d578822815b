package tui

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/g960059/chanpool/internal/autosort"
	"github.com/g960059/chanpool/internal/availability"
	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/reorder"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Padding(0, 2)

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			PaddingRight(1)

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			PaddingRight(1)

	// Rows of a protocol with a persist in flight.
	lockedRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingRight(1)

	cursorRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("238")).
			PaddingRight(1)

	draggedRowStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("214")).
			PaddingRight(1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingLeft(1)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("3")).
			PaddingLeft(1)
)

type column struct {
	title string
	width int
}

var boardColumns = []column{
	{"#", 4},
	{"NAME", 24},
	{"ENABLED", 8},
	{"AVAIL", 7},
	{"EP", 6},
	{"KEYS", 6},
	{"COOLDOWN", 9},
	{"COST", 7},
}

func (m Model) View() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("chanpool"))
	sb.WriteString("\n")
	sb.WriteString(m.renderTabs())
	sb.WriteString("\n\n")

	if !m.ctrl.Loaded() {
		sb.WriteString(dimStyle.Render("  Loading channels…"))
		sb.WriteString("\n")
	} else {
		sb.WriteString(m.renderBoard())
		sb.WriteString("\n")
		if m.proposal != nil && m.proposal.Protocol == m.protocol() {
			sb.WriteString("\n")
			sb.WriteString(renderProposal(*m.proposal))
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n")
	for _, msg := range m.messages {
		sb.WriteString(warnStyle.Render("! " + msg))
		sb.WriteString("\n")
	}
	sb.WriteString(m.renderStatus())
	sb.WriteString("\n")
	sb.WriteString(m.help.View(m.keys))
	return sb.String()
}

func (m Model) renderTabs() string {
	parts := make([]string, 0, len(m.protocols))
	for i, p := range m.protocols {
		label := fmt.Sprintf("%s (%d)", p, len(m.ctrl.Order(p)))
		if i == m.active {
			parts = append(parts, activeTabStyle.Render(label))
		} else {
			parts = append(parts, inactiveTabStyle.Render(label))
		}
	}
	return strings.Join(parts, "")
}

func (m Model) renderBoard() string {
	p := m.protocol()
	channels := m.ctrl.Channels(p)
	if len(channels) == 0 {
		return dimStyle.Render(fmt.Sprintf("  No %s channels.", p))
	}

	header := make([]string, 0, len(boardColumns))
	for _, c := range boardColumns {
		header = append(header, headerCellStyle.Width(c.width).Render(c.title))
	}
	lines := []string{strings.Join(header, "")}

	reports := availability.Snapshot(channels, m.now())
	locked := m.ctrl.Locked(p)
	dragged := ""
	if s, ok := m.ctrl.Session(p); ok {
		dragged = s.DraggedID
	}

	for i, ch := range channels {
		style := rowStyle
		switch {
		case locked:
			style = lockedRowStyle
		case ch.ID == dragged:
			style = draggedRowStyle
		case i == m.cursor:
			style = cursorRowStyle
		}
		cells := boardRow(i, ch, reports[ch.ID])
		rendered := make([]string, len(cells))
		for j, cell := range cells {
			w := boardColumns[j].width
			rendered[j] = style.Width(w).Render(truncate(cell, w-1))
		}
		lines = append(lines, strings.Join(rendered, ""))
	}
	return strings.Join(lines, "\n")
}

func boardRow(i int, ch model.Channel, r availability.ChannelReport) []string {
	cooldown := "-"
	if r.HasCooldownWarning {
		cooldown = fmt.Sprintf("%dm", r.MinCooldownMinutes)
	}
	return []string{
		strconv.Itoa(i + 1),
		ch.Name,
		yesNo(ch.Enabled),
		yesNo(r.Available),
		fmt.Sprintf("%d/%d", r.AvailableEndpoints, len(ch.Endpoints)),
		fmt.Sprintf("%d/%d", r.AvailableKeys, len(ch.Keys)),
		cooldown,
		formatCost(autosort.CostFactor(ch)),
	}
}

func renderProposal(prop reorder.Proposal) string {
	if !prop.Changed {
		return dimStyle.Render("  Already in the suggested order.")
	}
	lines := []string{headerCellStyle.Render("Suggested order (y to apply, esc to dismiss)")}
	for i, ch := range prop.Proposed {
		lines = append(lines, rowStyle.Render(fmt.Sprintf("  %d. %s  cost %s", i+1, ch.Name, formatCost(autosort.CostFactor(ch)))))
	}
	for _, mv := range prop.Moves {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("  %s: %d → %d", mv.Name, mv.From+1, mv.To+1)))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderStatus() string {
	parts := []string{}
	if m.ctrl.Locked(m.protocol()) {
		parts = append(parts, "saving…")
	} else if m.refreshing {
		parts = append(parts, "refreshing…")
	}
	if m.status != "" {
		parts = append(parts, m.status)
	}
	if !m.lastFetch.IsZero() {
		parts = append(parts, "updated "+m.lastFetch.Format("15:04:05"))
	}
	return statusBarStyle.Render(strings.Join(parts, " · "))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatCost(f float64) string {
	if math.IsInf(f, 1) {
		return "-"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// truncate shortens s to at most n runes, replacing the last one with an
// ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
