// Package tui is the interactive reorder board for chanpool. It shows one tab
// per protocol with channels in routing order, and drives a reorder.Controller
// from the keyboard: grab a row, move it, drop it, or apply the autosort
// suggestion. Persists run as commands so the board stays responsive.
package tui

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/reorder"
	"github.com/g960059/chanpool/internal/security"
)

const (
	tickInterval = time.Second
	maxMessages  = 3
)

type tickMsg time.Time

type refreshedMsg struct{ err error }

type persistedMsg reorder.Result

type Options struct {
	// Protocol selects the tab shown first. Empty means the first protocol.
	Protocol model.Protocol
	// RefreshInterval is how often the board refetches channels. Zero
	// disables periodic refresh; r still refreshes on demand.
	RefreshInterval time.Duration
	Now             func() time.Time
}

// Model is the bubbletea model for the board.
type Model struct {
	ctx     context.Context
	ctrl    *reorder.Controller
	notices *reorder.NoticeLog
	keys    keyMap
	help    help.Model

	protocols []model.Protocol
	active    int
	cursor    int

	proposal        *reorder.Proposal
	messages        []string
	status          string
	refreshing      bool
	refreshInterval time.Duration
	lastFetch       time.Time
	now             func() time.Time

	width  int
	height int
}

func New(ctx context.Context, ctrl *reorder.Controller, notices *reorder.NoticeLog, opts Options) Model {
	if notices == nil {
		notices = &reorder.NoticeLog{}
	}
	m := Model{
		ctx:             ctx,
		ctrl:            ctrl,
		notices:         notices,
		keys:            defaultKeyMap(),
		help:            help.New(),
		protocols:       model.Protocols(),
		refreshing:      true,
		refreshInterval: opts.RefreshInterval,
		now:             opts.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	for i, p := range m.protocols {
		if p == opts.Protocol {
			m.active = i
		}
	}
	return m
}

// Run shows the board until the user quits or ctx is cancelled.
func Run(ctx context.Context, ctrl *reorder.Controller, notices *reorder.NoticeLog, opts Options) error {
	p := tea.NewProgram(New(ctx, ctrl, notices, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), refreshCmd(m.ctx, m.ctrl))
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func refreshCmd(ctx context.Context, ctrl *reorder.Controller) tea.Cmd {
	return func() tea.Msg {
		return refreshedMsg{err: ctrl.Refresh(ctx)}
	}
}

func persistCmd(ctx context.Context, pending *reorder.Pending) tea.Cmd {
	return func() tea.Msg {
		return persistedMsg(pending.Persist(ctx))
	}
}

func (m Model) protocol() model.Protocol {
	return m.protocols[m.active]
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.drainNotices()
		cmds := []tea.Cmd{tick()}
		if m.refreshInterval > 0 && !m.refreshing && m.now().Sub(m.lastFetch) >= m.refreshInterval {
			m.refreshing = true
			cmds = append(cmds, refreshCmd(m.ctx, m.ctrl))
		}
		return m, tea.Batch(cmds...)

	case refreshedMsg:
		m.refreshing = false
		m.lastFetch = m.now()
		m.drainNotices()
		if msg.err == nil && m.proposal != nil && m.proposal.Protocol == m.protocol() {
			prop := m.ctrl.Propose(m.protocol())
			m.proposal = &prop
		}
		m.clampCursor()
		return m, nil

	case persistedMsg:
		res := reorder.Result(msg)
		m.lastFetch = m.now()
		if res.Outcome == reorder.OutcomeCommitted {
			m.status = fmt.Sprintf("%s order saved", res.Protocol)
		} else {
			m.status = fmt.Sprintf("%s order not saved", res.Protocol)
		}
		m.drainNotices()
		m.clampCursor()
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	p := m.protocol()
	switch {
	case key.Matches(msg, m.keys.Quit):
		for _, proto := range m.protocols {
			m.ctrl.Cancel(proto)
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll

	case key.Matches(msg, m.keys.NextTab):
		m.switchTab(1)

	case key.Matches(msg, m.keys.PrevTab):
		m.switchTab(-1)

	case key.Matches(msg, m.keys.Up):
		m.step(-1)

	case key.Matches(msg, m.keys.Down):
		m.step(1)

	case key.Matches(msg, m.keys.Grab):
		if s, ok := m.liveDrag(); ok {
			return m.dropOn(s.DraggedID)
		}
		m.grab()

	case key.Matches(msg, m.keys.Drop):
		if _, ok := m.liveDrag(); ok {
			return m.dropOn(m.rowID(m.cursor))
		}

	case key.Matches(msg, m.keys.DropEnd):
		if pending, ok := m.ctrl.DropAtEnd(p); ok {
			m.cursor = len(m.ctrl.Order(p)) - 1
			m.status = "saving order…"
			return m, persistCmd(m.ctx, pending)
		}

	case key.Matches(msg, m.keys.Cancel):
		if m.ctrl.Cancel(p) {
			m.status = "drag cancelled"
			m.clampCursor()
		} else {
			m.proposal = nil
		}

	case key.Matches(msg, m.keys.Propose):
		prop := m.ctrl.Propose(p)
		m.proposal = &prop

	case key.Matches(msg, m.keys.Apply):
		return m.applyProposal()

	case key.Matches(msg, m.keys.Refresh):
		if !m.refreshing {
			m.refreshing = true
			return m, refreshCmd(m.ctx, m.ctrl)
		}
	}
	return m, nil
}

// switchTab changes the visible protocol. A drag on the tab being left stays
// live and resumes when the user comes back.
func (m *Model) switchTab(delta int) {
	n := len(m.protocols)
	m.active = (m.active + delta + n) % n
	m.cursor = 0
	if s, ok := m.liveDrag(); ok {
		m.cursor = indexOf(m.ctrl.Order(m.protocol()), s.DraggedID)
	}
	m.proposal = nil
	m.status = ""
}

// step moves the cursor, or the dragged row while a drag is live.
func (m *Model) step(delta int) {
	p := m.protocol()
	ids := m.ctrl.Order(p)
	if s, ok := m.liveDrag(); ok {
		idx := indexOf(ids, s.DraggedID)
		target := idx + delta
		if idx < 0 || target < 0 || target >= len(ids) {
			return
		}
		m.ctrl.Leave(p)
		if m.ctrl.Hover(p, ids[target]) {
			m.cursor = target
		}
		return
	}
	m.cursor += delta
	m.clampCursor()
}

func (m *Model) grab() {
	p := m.protocol()
	if m.ctrl.Locked(p) {
		m.status = "saving in progress; rows are locked"
		return
	}
	id := m.rowID(m.cursor)
	if id == "" {
		return
	}
	if m.ctrl.BeginDrag(p, id) {
		m.proposal = nil
		m.status = "moving " + id
	}
}

func (m Model) dropOn(id string) (tea.Model, tea.Cmd) {
	pending, ok := m.ctrl.DropOnRow(m.protocol(), id)
	if !ok {
		return m, nil
	}
	m.cursor = indexOf(pending.Order(), m.draggedOr(id))
	m.clampCursor()
	m.status = "saving order…"
	return m, persistCmd(m.ctx, pending)
}

func (m Model) applyProposal() (tea.Model, tea.Cmd) {
	p := m.protocol()
	if m.proposal == nil || m.proposal.Protocol != p {
		m.status = "press a to preview the suggested order first"
		return m, nil
	}
	pending, fresh, err := m.ctrl.ApplyAutoSort(*m.proposal)
	switch {
	case errors.Is(err, reorder.ErrStaleProposal):
		m.proposal = &fresh
		m.status = "channels changed; review the new suggestion and press y again"
		return m, nil
	case errors.Is(err, reorder.ErrNoChange):
		m.proposal = nil
		m.status = "already in the suggested order"
		return m, nil
	case errors.Is(err, reorder.ErrBusy):
		m.status = "finish the current move first"
		return m, nil
	case err != nil:
		m.status = security.RedactText(err.Error())
		return m, nil
	}
	m.proposal = nil
	m.status = "saving suggested order…"
	return m, persistCmd(m.ctx, pending)
}

func (m Model) liveDrag() (reorder.Session, bool) {
	s, ok := m.ctrl.Session(m.protocol())
	if !ok || s.Kind != reorder.SessionDrag || s.Committed {
		return reorder.Session{}, false
	}
	return s, true
}

// draggedOr returns the dragged channel of the current session, or fallback.
func (m Model) draggedOr(fallback string) string {
	if s, ok := m.ctrl.Session(m.protocol()); ok && s.DraggedID != "" {
		return s.DraggedID
	}
	return fallback
}

func (m Model) rowID(i int) string {
	ids := m.ctrl.Order(m.protocol())
	if i < 0 || i >= len(ids) {
		return ""
	}
	return ids[i]
}

func (m *Model) clampCursor() {
	n := len(m.ctrl.Order(m.protocol()))
	if m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) drainNotices() {
	for _, n := range m.notices.Drain() {
		msg := n.Message
		if n.Err != nil {
			msg += ": " + security.RedactText(n.Err.Error())
		}
		if n.Protocol != "" {
			msg = string(n.Protocol) + ": " + msg
		}
		m.messages = append(m.messages, msg)
	}
	if len(m.messages) > maxMessages {
		m.messages = m.messages[len(m.messages)-maxMessages:]
	}
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
