package tui

import "github.com/charmbracelet/bubbles/key"

// keyMap binds the board's keys. It implements help.KeyMap.
type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Grab    key.Binding
	Drop    key.Binding
	DropEnd key.Binding
	Cancel  key.Binding
	Propose key.Binding
	Apply   key.Binding
	Refresh key.Binding
	NextTab key.Binding
	PrevTab key.Binding
	Help    key.Binding
	Quit    key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Grab:    key.NewBinding(key.WithKeys(" ", "space"), key.WithHelp("space", "grab/drop")),
		Drop:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "drop here")),
		DropEnd: key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "drop at end")),
		Cancel:  key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
		Propose: key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "autosort preview")),
		Apply:   key.NewBinding(key.WithKeys("y"), key.WithHelp("y", "apply autosort")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		NextTab: key.NewBinding(key.WithKeys("tab", "right", "l"), key.WithHelp("tab", "next protocol")),
		PrevTab: key.NewBinding(key.WithKeys("shift+tab", "left", "h"), key.WithHelp("shift+tab", "prev protocol")),
		Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Grab, k.Propose, k.NextTab, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Grab, k.Drop, k.DropEnd, k.Cancel},
		{k.Propose, k.Apply, k.Refresh},
		{k.NextTab, k.PrevTab, k.Help, k.Quit},
	}
}
