// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"

	"github.com/bureau-foundation/hostsensor/lib/sensorclient"
)

// fetchTimeout bounds one poll of the source.
const fetchTimeout = 10 * time.Second

// Snapshot is the result of one poll.
type Snapshot struct {
	ProbeID string
	UUID    string
	Records []sensorclient.Record
	// Elapsed is how long the poll took.
	Elapsed time.Duration
}

// Source produces snapshots of one probe.
type Source interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// Controller changes the watched probe's state. The result is the
// reported state, for display.
type Controller interface {
	Control(ctx context.Context, command string) (sensorclient.State, error)
}

type (
	fetchedMsg struct {
		snapshot Snapshot
		err      error
	}
	tickMsg    struct{ sequence int }
	controlMsg struct {
		state sensorclient.State
		err   error
	}
)

// Styles are the lipgloss styles the view renders with.
type Styles struct {
	Header lipgloss.Style
	Faint  lipgloss.Style
	Error  lipgloss.Style
	Status lipgloss.Style
}

// NewStyles builds styles bound to renderer.
func NewStyles(renderer *lipgloss.Renderer) Styles {
	return Styles{
		Header: renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("111")),
		Faint:  renderer.NewStyle().Foreground(lipgloss.Color("245")),
		Error:  renderer.NewStyle().Foreground(lipgloss.Color("203")),
		Status: renderer.NewStyle().Foreground(lipgloss.Color("114")),
	}
}

// Model is the monitor's bubbletea model.
type Model struct {
	source     Source
	controller Controller
	interval   time.Duration
	keys       KeyMap
	styles     Styles

	width  int
	height int

	snapshot Snapshot
	state    sensorclient.State
	err      error
	polls    int
	received uint64
	offset   int
	paused   bool
	// sequence invalidates ticks scheduled before a manual refresh.
	sequence int
}

// NewModel creates a model polling source every interval. controller
// may be nil, which disables the level keys.
func NewModel(source Source, controller Controller, interval time.Duration, styles Styles) Model {
	return Model{
		source:     source,
		controller: controller,
		interval:   interval,
		keys:       DefaultKeyMap,
		styles:     styles,
		width:      80,
		height:     24,
	}
}

// Init starts the first poll.
func (model Model) Init() tea.Cmd {
	return model.fetch()
}

func (model Model) fetch() tea.Cmd {
	source := model.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		snapshot, err := source.Fetch(ctx)
		return fetchedMsg{snapshot: snapshot, err: err}
	}
}

func (model Model) scheduleTick() tea.Cmd {
	sequence := model.sequence
	return tea.Tick(model.interval, func(time.Time) tea.Msg {
		return tickMsg{sequence: sequence}
	})
}

func (model Model) control(command string) tea.Cmd {
	if model.controller == nil {
		return nil
	}
	controller := model.controller
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		state, err := controller.Control(ctx, command)
		return controlMsg{state: state, err: err}
	}
}

// Update handles one message.
func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.KeyMsg:
		return model.handleKey(message)

	case tea.WindowSizeMsg:
		model.width = message.Width
		model.height = message.Height
		model.clampOffset()
		return model, nil

	case fetchedMsg:
		model.polls++
		model.err = message.err
		if message.err == nil {
			model.snapshot = message.snapshot
			model.received += snapshotBytes(message.snapshot)
			model.clampOffset()
		}
		if model.paused {
			return model, nil
		}
		return model, model.scheduleTick()

	case tickMsg:
		if model.paused || message.sequence != model.sequence {
			return model, nil
		}
		return model, model.fetch()

	case controlMsg:
		if message.err != nil {
			model.err = message.err
			return model, nil
		}
		model.state = message.state
		return model, nil
	}
	return model, nil
}

func (model Model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(message, model.keys.Quit):
		return model, tea.Quit
	case key.Matches(message, model.keys.Up):
		model.offset--
		model.clampOffset()
	case key.Matches(message, model.keys.Down):
		model.offset++
		model.clampOffset()
	case key.Matches(message, model.keys.Home):
		model.offset = 0
	case key.Matches(message, model.keys.Pause):
		model.paused = !model.paused
		if !model.paused {
			model.sequence++
			return model, model.fetch()
		}
	case key.Matches(message, model.keys.Refresh):
		model.sequence++
		return model, model.fetch()
	case key.Matches(message, model.keys.Increase):
		return model, model.control("increase")
	case key.Matches(message, model.keys.Decrease):
		return model, model.control("decrease")
	}
	return model, nil
}

// visibleRows is the number of record rows that fit between the
// header and the footer.
func (model Model) visibleRows() int {
	return max(model.height-4, 1)
}

func (model *Model) clampOffset() {
	limit := max(len(model.snapshot.Records)-model.visibleRows(), 0)
	model.offset = min(max(model.offset, 0), limit)
}

// View renders the screen.
func (model Model) View() string {
	var builder strings.Builder

	title := "probe " + model.snapshot.ProbeID
	if model.snapshot.ProbeID == "" {
		title = "waiting for first pass"
	}
	builder.WriteString(model.styles.Header.Render(ansi.Truncate(title, model.width, "…")))
	builder.WriteByte('\n')

	summary := fmt.Sprintf("%s records  %s received  %d polls  last poll %s",
		humanize.Comma(int64(len(model.snapshot.Records))),
		humanize.Bytes(model.received),
		model.polls,
		model.snapshot.Elapsed.Round(time.Millisecond))
	if model.state.RunState != "" {
		summary += "  " + model.styles.Status.Render(model.state.RunState+":"+model.state.Level)
	}
	if model.paused {
		summary += "  " + model.styles.Status.Render("paused")
	}
	builder.WriteString(ansi.Truncate(summary, model.width, "…"))
	builder.WriteByte('\n')

	if model.err != nil {
		builder.WriteString(model.styles.Error.Render(ansi.Truncate("error: "+model.err.Error(), model.width, "…")))
	}
	builder.WriteByte('\n')

	end := min(model.offset+model.visibleRows(), len(model.snapshot.Records))
	for _, record := range model.snapshot.Records[model.offset:end] {
		builder.WriteString(ansi.Truncate(formatRecord(record), model.width, "…"))
		builder.WriteByte('\n')
	}

	builder.WriteString(model.styles.Faint.Render(model.help()))
	return builder.String()
}

func (model Model) help() string {
	var parts []string
	for _, binding := range model.keys.shortHelp() {
		help := binding.Help()
		parts = append(parts, help.Key+" "+help.Desc)
	}
	return ansi.Truncate(strings.Join(parts, " • "), model.width, "…")
}

func formatRecord(record sensorclient.Record) string {
	line := strings.Join(record.Fields, "  ")
	if record.Raw != nil {
		line += "  (" + humanize.Bytes(uint64(len(record.Raw))) + " raw)"
	}
	return line
}

func snapshotBytes(snapshot Snapshot) uint64 {
	var total uint64
	for _, record := range snapshot.Records {
		total += uint64(len(record.Raw))
		for _, field := range record.Fields {
			total += uint64(len(field))
		}
	}
	return total
}

// Run runs the monitor on output until the user quits or ctx ends.
func Run(ctx context.Context, input io.Reader, output io.Writer, source Source, controller Controller, interval time.Duration) error {
	renderer := lipgloss.NewRenderer(output, termenv.WithColorCache(true))
	model := NewModel(source, controller, interval, NewStyles(renderer))
	program := tea.NewProgram(model,
		tea.WithContext(ctx),
		tea.WithInput(input),
		tea.WithOutput(output),
		tea.WithAltScreen(),
	)
	if _, err := program.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("running monitor: %w", err)
	}
	return nil
}
