package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/carverauto/fleetreconcile/pkg/index"
	"github.com/carverauto/fleetreconcile/pkg/report"
)

const (
	pickerChrome        = 6
	defaultPickerHeight = 15
)

var errUnexpectedModel = errors.New("picker returned an unexpected model")

type pickerModel struct {
	rows      []index.InventoryRow
	marked    map[int]bool
	table     table.Model
	styles    pickerStyles
	done      bool
	cancelled bool
}

func newPickerModel(rows []index.InventoryRow) *pickerModel {
	styles := newPickerStyles()

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: " ", Width: 3},
			{Title: "SERIAL", Width: 18},
			{Title: "REGISTRY", Width: 20},
			{Title: "MANAGEMENT", Width: 20},
			{Title: "STATE", Width: 14},
			{Title: "DIRECTORY", Width: 20},
		}),
		table.WithFocused(true),
		table.WithHeight(min(len(rows)+1, defaultPickerHeight)),
	)

	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(report.MutedColor).
		BorderBottom(true).
		Inherit(styles.header)
	ts.Selected = styles.selected
	t.SetStyles(ts)

	m := &pickerModel{
		rows:   rows,
		marked: make(map[int]bool),
		table:  t,
		styles: styles,
	}

	m.refresh()

	return m
}

func (m *pickerModel) refresh() {
	out := make([]table.Row, 0, len(m.rows))

	for i, row := range m.rows {
		mark := "[ ]"
		if m.marked[i] {
			mark = "[x]"
		}

		cells := inventoryCells(row)
		out = append(out, table.Row{mark, cells[0], cells[1], cells[2], string(managementState(row)), cells[5]})
	}

	m.table.SetRows(out)
}

func (*pickerModel) Init() tea.Cmd {
	return nil
}

func (m *pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if h := msg.Height - pickerChrome; h > 0 {
			m.table.SetHeight(h)
		}

		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			m.cancelled = true

			return m, tea.Quit
		case " ", "x":
			m.toggle(m.table.Cursor())

			return m, nil
		case "a":
			m.toggleAll()

			return m, nil
		case "enter":
			if len(m.marked) == 0 && len(m.rows) > 0 {
				m.marked[m.table.Cursor()] = true
			}

			m.done = true

			return m, tea.Quit
		}
	}

	var cmd tea.Cmd

	m.table, cmd = m.table.Update(msg)

	return m, cmd
}

func (m *pickerModel) toggle(i int) {
	if i < 0 || i >= len(m.rows) {
		return
	}

	if m.marked[i] {
		delete(m.marked, i)
	} else {
		m.marked[i] = true
	}

	m.refresh()
}

func (m *pickerModel) toggleAll() {
	if len(m.marked) == len(m.rows) {
		m.marked = make(map[int]bool)
	} else {
		for i := range m.rows {
			m.marked[i] = true
		}
	}

	m.refresh()
}

func (m *pickerModel) View() string {
	if m.done || m.cancelled {
		return ""
	}

	var b strings.Builder

	b.WriteString(m.styles.title.Render("Select devices to remove"))
	b.WriteString("\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	b.WriteString(m.styles.marked.Render(fmt.Sprintf("%d of %d selected", len(m.marked), len(m.rows))))
	b.WriteString("  ")
	b.WriteString(m.styles.help.Render("space → toggle | a → all | enter → confirm | q/esc → cancel"))
	b.WriteString("\n")

	return b.String()
}

// selected returns the marked rows in inventory order.
func (m *pickerModel) selected() []index.InventoryRow {
	if m.cancelled {
		return nil
	}

	out := make([]index.InventoryRow, 0, len(m.marked))

	for i, row := range m.rows {
		if m.marked[i] {
			out = append(out, row)
		}
	}

	return out
}

func runPicker(rows []index.InventoryRow, in io.Reader, out io.Writer) ([]index.InventoryRow, error) {
	if len(rows) == 0 {
		return nil, errNoDevices
	}

	final, err := tea.NewProgram(newPickerModel(rows), tea.WithInput(in), tea.WithOutput(out)).Run()
	if err != nil {
		return nil, fmt.Errorf("device picker failed: %w", err)
	}

	m, ok := final.(*pickerModel)
	if !ok {
		return nil, errUnexpectedModel
	}

	if m.cancelled {
		return nil, errPickerCancelled
	}

	return m.selected(), nil
}
