package tui

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/g960059/chanpool/internal/availability"
	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/reorder"
)

type boardBackend struct {
	mu         sync.Mutex
	channels   []model.Channel
	persisted  [][]string
	persistErr error
}

func (b *boardBackend) FetchChannels(context.Context) ([]model.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Channel(nil), b.channels...), nil
}

func (b *boardBackend) PersistOrder(_ context.Context, _ model.Protocol, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persisted = append(b.persisted, append([]string(nil), ids...))
	if b.persistErr != nil {
		return b.persistErr
	}
	pos := map[string]int{}
	for i, id := range ids {
		pos[id] = i
	}
	for i := range b.channels {
		if p, ok := pos[b.channels[i].ID]; ok {
			b.channels[i].Priority = p
		}
	}
	return nil
}

func boardChannel(id string, priority int, cost float64) model.Channel {
	return model.Channel{
		ID:             id,
		Name:           "ch-" + id,
		Protocol:       model.ProtocolClaude,
		Priority:       priority,
		Enabled:        true,
		CostMultiplier: cost,
		Endpoints:      []model.Endpoint{{ID: id + "-ep", URL: "https://" + id + ".example", Enabled: true}},
		Keys:           []model.Key{{ID: id + "-key", Secret: "sk-" + id, Enabled: true}},
	}
}

var boardNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newBoard(t *testing.T, b *boardBackend) (Model, *reorder.Controller) {
	t.Helper()
	notices := &reorder.NoticeLog{}
	ctrl := reorder.New(b, reorder.WithNotifier(notices), reorder.WithClock(func() time.Time { return boardNow }))
	if err := ctrl.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	m := New(context.Background(), ctrl, notices, Options{
		Protocol: model.ProtocolClaude,
		Now:      func() time.Time { return boardNow },
	})
	return m, ctrl
}

func keyMsg(k string) tea.KeyMsg {
	switch k {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "shift+tab":
		return tea.KeyMsg{Type: tea.KeyShiftTab}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
}

func press(t *testing.T, m Model, k string) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(keyMsg(k))
	return next.(Model), cmd
}

// settle runs a persist command and feeds its result back.
func settle(t *testing.T, m Model, cmd tea.Cmd) Model {
	t.Helper()
	if cmd == nil {
		t.Fatalf("expected a persist command, got nil")
	}
	msg := cmd()
	if _, ok := msg.(persistedMsg); !ok {
		t.Fatalf("expected persistedMsg, got %T", msg)
	}
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestGrabMoveDropPersists(t *testing.T) {
	b := &boardBackend{channels: []model.Channel{
		boardChannel("A", 0, math.NaN()),
		boardChannel("B", 1, math.NaN()),
		boardChannel("C", 2, math.NaN()),
	}}
	m, ctrl := newBoard(t, b)

	m, _ = press(t, m, " ")
	m, _ = press(t, m, "down")
	m, _ = press(t, m, "down")
	if got := ctrl.Order(model.ProtocolClaude); !reflect.DeepEqual(got, []string{"B", "C", "A"}) {
		t.Fatalf("expected local order [B C A] while dragging, got %v", got)
	}
	m, _ = press(t, m, "up")
	m, cmd := press(t, m, "enter")
	m = settle(t, m, cmd)

	want := []string{"B", "A", "C"}
	if len(b.persisted) != 1 || !reflect.DeepEqual(b.persisted[0], want) {
		t.Fatalf("expected one persist of %v, got %v", want, b.persisted)
	}
	if got := ctrl.Order(model.ProtocolClaude); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected order %v after refetch, got %v", want, got)
	}
	if m.cursor != 1 {
		t.Fatalf("expected cursor to follow dropped row to 1, got %d", m.cursor)
	}
	if !strings.Contains(m.View(), "claude order saved") {
		t.Fatalf("expected saved status in view")
	}
}

func TestPersistFailureShowsNoticeAndRestoresOrder(t *testing.T) {
	b := &boardBackend{
		channels: []model.Channel{
			boardChannel("A", 0, math.NaN()),
			boardChannel("B", 1, math.NaN()),
		},
		persistErr: errors.New("backend unavailable"),
	}
	m, ctrl := newBoard(t, b)

	m, _ = press(t, m, " ")
	m, cmd := press(t, m, "e")
	if !ctrl.Locked(model.ProtocolClaude) {
		t.Fatalf("expected rows to be locked while the persist is pending")
	}
	m, _ = press(t, m, "down")
	m, _ = press(t, m, " ")
	if !strings.Contains(m.status, "locked") {
		t.Fatalf("expected locked status, got %q", m.status)
	}
	m = settle(t, m, cmd)

	if got := ctrl.Order(model.ProtocolClaude); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("expected rollback to [A B], got %v", got)
	}
	view := m.View()
	if !strings.Contains(view, "previous order restored") {
		t.Fatalf("expected persist notice in view, got:\n%s", view)
	}
	if !strings.Contains(view, "not saved") {
		t.Fatalf("expected not-saved status in view")
	}
}

func TestEscCancelsDrag(t *testing.T) {
	b := &boardBackend{channels: []model.Channel{
		boardChannel("A", 0, math.NaN()),
		boardChannel("B", 1, math.NaN()),
	}}
	m, ctrl := newBoard(t, b)

	m, _ = press(t, m, " ")
	m, _ = press(t, m, "down")
	m, cmd := press(t, m, "esc")
	if cmd != nil {
		t.Fatalf("expected no command on cancel")
	}
	if got := ctrl.Order(model.ProtocolClaude); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("expected order restored, got %v", got)
	}
	if _, ok := ctrl.Session(model.ProtocolClaude); ok {
		t.Fatalf("expected no session after cancel")
	}
	if len(b.persisted) != 0 {
		t.Fatalf("expected no persist, got %v", b.persisted)
	}
	if m.status != "drag cancelled" {
		t.Fatalf("expected cancel status, got %q", m.status)
	}
}

func TestSwitchingTabKeepsDrag(t *testing.T) {
	b := &boardBackend{channels: []model.Channel{
		boardChannel("A", 0, math.NaN()),
		boardChannel("B", 1, math.NaN()),
	}}
	m, ctrl := newBoard(t, b)

	m, _ = press(t, m, " ")
	m, _ = press(t, m, "down")
	m, _ = press(t, m, "tab")
	if m.protocol() != model.ProtocolCodex {
		t.Fatalf("expected codex tab, got %s", m.protocol())
	}
	if !strings.Contains(m.View(), "No codex channels.") {
		t.Fatalf("expected empty codex board")
	}
	if ctrl.Phase(model.ProtocolClaude) != reorder.PhaseDragging {
		t.Fatalf("expected claude drag to survive the tab switch, got %s", ctrl.Phase(model.ProtocolClaude))
	}

	m, _ = press(t, m, "shift+tab")
	if m.protocol() != model.ProtocolClaude || m.cursor != 1 {
		t.Fatalf("expected cursor on the dragged row of claude, got %s/%d", m.protocol(), m.cursor)
	}
	m, _ = press(t, m, "esc")
	if got := ctrl.Order(model.ProtocolClaude); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("expected claude order restored, got %v", got)
	}
}

func TestAutosortPreviewAndApply(t *testing.T) {
	b := &boardBackend{channels: []model.Channel{
		boardChannel("A", 0, 3),
		boardChannel("B", 1, math.NaN()),
		boardChannel("C", 2, 0.5),
	}}
	m, ctrl := newBoard(t, b)

	m, cmd := press(t, m, "y")
	if cmd != nil || !strings.Contains(m.status, "preview") {
		t.Fatalf("expected apply without preview to be refused, status %q", m.status)
	}
	m, _ = press(t, m, "a")
	if m.proposal == nil || !m.proposal.Changed {
		t.Fatalf("expected a changed proposal, got %+v", m.proposal)
	}
	if !strings.Contains(m.View(), "Suggested order") {
		t.Fatalf("expected proposal in view")
	}
	m, cmd = press(t, m, "y")
	m = settle(t, m, cmd)

	want := []string{"C", "A", "B"}
	if got := ctrl.Order(model.ProtocolClaude); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if m.proposal != nil {
		t.Fatalf("expected proposal cleared after apply")
	}

	m, _ = press(t, m, "a")
	m, cmd = press(t, m, "y")
	if cmd != nil || m.status != "already in the suggested order" {
		t.Fatalf("expected no-change status, got %q", m.status)
	}
}

func TestBoardShowsCooldownAndAvailability(t *testing.T) {
	cooling := boardChannel("A", 0, math.NaN())
	cooling.Endpoints = append(cooling.Endpoints, model.Endpoint{
		ID:            "A-ep2",
		URL:           "https://a2.example",
		Enabled:       true,
		CooldownUntil: boardNow.Add(90 * time.Second),
	})
	down := boardChannel("B", 1, math.NaN())
	down.Keys[0].CooldownUntil = boardNow.Add(10 * time.Minute)
	b := &boardBackend{channels: []model.Channel{cooling, down}}
	m, _ := newBoard(t, b)

	row := boardRow(0, cooling, reportFor(t, m, "A"))
	if row[3] != "yes" || row[4] != "1/2" || row[6] != "2m" {
		t.Fatalf("expected available row with 2m warning, got %v", row)
	}
	row = boardRow(1, down, reportFor(t, m, "B"))
	if row[3] != "no" || row[5] != "0/1" || row[6] != "10m" {
		t.Fatalf("expected unavailable row with 10m cooldown, got %v", row)
	}
}

func TestTickRefreshesOnInterval(t *testing.T) {
	b := &boardBackend{channels: []model.Channel{boardChannel("A", 0, math.NaN())}}
	m, _ := newBoard(t, b)
	m.refreshInterval = time.Minute

	next, _ := m.Update(refreshedMsg{})
	m = next.(Model)
	if m.refreshing {
		t.Fatalf("expected refresh to be finished")
	}
	next, _ = m.Update(tickMsg(boardNow))
	m = next.(Model)
	if m.refreshing {
		t.Fatalf("expected no refresh before the interval elapsed")
	}
	m.lastFetch = boardNow.Add(-2 * time.Minute)
	next, _ = m.Update(tickMsg(boardNow))
	m = next.(Model)
	if !m.refreshing {
		t.Fatalf("expected a refresh once the interval elapsed")
	}
}

func reportFor(t *testing.T, m Model, id string) availability.ChannelReport {
	t.Helper()
	for _, ch := range m.ctrl.Channels(m.protocol()) {
		if ch.ID == id {
			return availability.ForChannel(ch, m.now())
		}
	}
	t.Fatalf("channel %s not found", id)
	return availability.ChannelReport{}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 4); got != "abc…" {
		t.Fatalf("expected abc…, got %q", got)
	}
	if got := truncate("abc", 4); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}
