// Package tui is the interactive job console: type a work type and JSON
// arguments, watch results and dispatcher events arrive.
package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hapiq/internal/dispatch"
	"github.com/mattjoyce/hapiq/internal/events"
	"github.com/mattjoyce/hapiq/internal/protocol"
)

const (
	maxEventLines = 8
	maxRows       = 200
	summaryWidth  = 48
	refreshEvery  = time.Second
)

// Submitter is the dispatcher surface the console drives.
type Submitter interface {
	Submit(workType protocol.WorkType, args protocol.Args, cb dispatch.Callback) (*dispatch.Handle, error)
	Stats() dispatch.Stats
}

// Job row statuses beyond the result statuses.
const (
	rowRunning   = "running"
	rowCancelled = "cancelled"
)

type jobRow struct {
	id       int64
	workType protocol.WorkType
	status   string
	started  time.Time
	finished time.Time
	summary  string
	handle   *dispatch.Handle
}

// Console is the bubbletea model.
type Console struct {
	submitter Submitter
	theme     Theme
	now       func() time.Time

	input textinput.Model
	table table.Model

	jobs  map[int64]*jobRow
	order []int64 // newest first

	results     chan protocol.Result
	hubEvents   <-chan events.Event
	unsubscribe func()
	eventLog    []events.Event

	stats  dispatch.Stats
	notice string
	err    string

	width int
}

type resultMsg protocol.Result
type eventMsg events.Event
type tickMsg time.Time

// NewConsole builds the model. hub may be nil.
func NewConsole(s Submitter, hub *events.Hub) *Console {
	in := textinput.New()
	in.Placeholder = `FETCH {"table_name":"co2","isotopologue_ids":[7],"numin":2000,"numax":2100}`
	in.Prompt = "› "
	in.CharLimit = 0
	in.Focus()

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "ID", Width: 6},
			{Title: "Work", Width: 24},
			{Title: "Time", Width: 10},
			{Title: "Result", Width: summaryWidth},
		}),
		table.WithHeight(10),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	st.Selected = st.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(st)

	c := &Console{
		submitter: s,
		theme:     NewDefaultTheme(),
		now:       time.Now,
		input:     in,
		table:     t,
		jobs:      make(map[int64]*jobRow),
		results:   make(chan protocol.Result, 256),
	}
	if hub != nil {
		c.hubEvents, c.unsubscribe = hub.Subscribe(128)
	}
	return c
}

func (c *Console) Init() tea.Cmd {
	cmds := []tea.Cmd{
		textinput.Blink,
		waitForResult(c.results),
		tick(),
	}
	if c.hubEvents != nil {
		cmds = append(cmds, waitForEvent(c.hubEvents))
	}
	return tea.Batch(cmds...)
}

func (c *Console) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return c, tea.Quit
		case "enter":
			line := strings.TrimSpace(c.input.Value())
			c.input.Reset()
			return c, c.execute(line)
		case "up", "down", "pgup", "pgdown":
			var cmd tea.Cmd
			c.table, cmd = c.table.Update(msg)
			return c, cmd
		}

	case tea.WindowSizeMsg:
		c.width = msg.Width
		c.table.SetWidth(max(msg.Width-6, 20))
		c.input.Width = max(msg.Width-10, 20)

	case resultMsg:
		c.applyResult(protocol.Result(msg))
		return c, waitForResult(c.results)

	case eventMsg:
		c.eventLog = append([]events.Event{events.Event(msg)}, c.eventLog...)
		if len(c.eventLog) > maxEventLines {
			c.eventLog = c.eventLog[:maxEventLines]
		}
		return c, waitForEvent(c.hubEvents)

	case tickMsg:
		c.stats = c.submitter.Stats()
		c.refreshTable()
		return c, tick()
	}

	var cmd tea.Cmd
	c.input, cmd = c.input.Update(msg)
	return c, cmd
}

// execute runs one console line.
func (c *Console) execute(line string) tea.Cmd {
	c.err, c.notice = "", ""
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return tea.Quit
	case "help":
		c.notice = "WORK_TYPE [json args] submits • cancel ID stops waiting • quit exits • types: " + workTypeList()
		return nil
	case "cancel":
		if len(fields) != 2 {
			c.err = "usage: cancel ID"
			return nil
		}
		c.cancel(fields[1])
		return nil
	}

	workType, args, err := ParseLine(line)
	if err != nil {
		c.err = err.Error()
		return nil
	}

	results := c.results
	h, err := c.submitter.Submit(workType, args, func(res protocol.Result) {
		results <- res
	})
	if err != nil {
		c.err = fmt.Sprintf("submit %s: %v", workType, err)
		return nil
	}

	// Results are read by Update, so the row always exists before its result.
	c.addRow(&jobRow{id: h.ID(), workType: workType, status: rowRunning, started: c.now(), handle: h})
	c.refreshTable()
	return nil
}

func (c *Console) cancel(raw string) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.err = fmt.Sprintf("invalid job id %q", raw)
		return
	}
	row, ok := c.jobs[id]
	if !ok {
		c.err = fmt.Sprintf("no job %d", id)
		return
	}
	if row.status != rowRunning {
		c.notice = fmt.Sprintf("job %d already %s", id, row.status)
		return
	}
	row.handle.Cancel()
	row.status = rowCancelled
	row.finished = c.now()
	row.summary = "result will be dropped"
	c.refreshTable()
}

func (c *Console) applyResult(res protocol.Result) {
	row, ok := c.jobs[res.JobID]
	if !ok {
		row = &jobRow{id: res.JobID, started: c.now()}
		c.addRow(row)
	}
	if row.status == rowCancelled {
		return
	}
	row.status = res.Status
	row.finished = c.now()
	row.summary = summarize(res)
	c.refreshTable()
}

func (c *Console) addRow(row *jobRow) {
	c.jobs[row.id] = row
	c.order = append([]int64{row.id}, c.order...)
	if len(c.order) > maxRows {
		for _, id := range c.order[maxRows:] {
			delete(c.jobs, id)
		}
		c.order = c.order[:maxRows]
	}
}

func (c *Console) refreshTable() {
	rows := make([]table.Row, 0, len(c.order))
	for _, id := range c.order {
		row := c.jobs[id]
		rows = append(rows, table.Row{
			c.statusSymbol(row.status),
			strconv.FormatInt(row.id, 10),
			string(row.workType),
			c.duration(row),
			row.summary,
		})
	}
	c.table.SetRows(rows)
}

func (c *Console) statusSymbol(status string) string {
	switch status {
	case rowRunning:
		return c.theme.StatusRunning.Render("◉")
	case protocol.StatusOK:
		return c.theme.StatusOK.Render("●")
	case protocol.StatusError:
		return c.theme.StatusFailed.Render("∅")
	default:
		return c.theme.StatusCancelled.Render("○")
	}
}

func (c *Console) duration(row *jobRow) string {
	if row.started.IsZero() {
		return "-"
	}
	end := row.finished
	if end.IsZero() {
		end = c.now()
	}
	return end.Sub(row.started).Round(time.Millisecond).String()
}

func (c *Console) View() string {
	width := max(c.width-4, 40)

	header := c.theme.Border.Width(width).Render(c.renderHeader())
	jobs := c.theme.Border.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			c.theme.Title.Render("Jobs"),
			c.table.View(),
		),
	)
	eventsView := c.theme.Border.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			c.theme.Title.Render("Events"),
			c.renderEvents(),
		),
	)

	status := c.theme.Dim.Render(c.notice)
	if c.err != "" {
		status = c.theme.Error.Render(c.err)
	}
	help := c.theme.Dim.Render(" [enter] submit • help • cancel ID • [↑/↓] scroll • [esc] quit")

	return c.theme.Doc.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			header,
			jobs,
			eventsView,
			c.input.View(),
			status,
			help,
		),
	)
}

func (c *Console) renderHeader() string {
	state := c.stats.State
	if state == "" {
		state = "unknown"
	}
	styled := c.theme.StatusOK.Render(strings.ToUpper(state))
	if state != dispatch.StateRunning.String() {
		styled = c.theme.StatusFailed.Render(strings.ToUpper(state))
	}
	session := c.stats.Session
	if len(session) > 8 {
		session = session[:8]
	}
	return fmt.Sprintf("Engine: %s   Session: %s   Waiting: %d   Parked: %d",
		styled, session, c.stats.Outstanding, c.stats.Parked)
}

func (c *Console) renderEvents() string {
	if len(c.eventLog) == 0 {
		return c.theme.Dim.Render("  No events yet...")
	}
	lines := make([]string, 0, len(c.eventLog))
	for _, e := range c.eventLog {
		lines = append(lines, fmt.Sprintf("%s | %-16s | %s", e.At.Format("15:04:05"), e.Type, string(e.Data)))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// Close releases the event subscription.
func (c *Console) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// ParseLine splits "WORK_TYPE {json}" into a work type and arguments. The
// work type is case-insensitive and the arguments are optional.
func ParseLine(line string) (protocol.WorkType, protocol.Args, error) {
	line = strings.TrimSpace(line)
	name, rest, _ := strings.Cut(line, " ")
	workType, err := protocol.ParseWorkType(strings.ToUpper(name))
	if err != nil {
		return "", nil, err
	}

	args := protocol.Args{}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return workType, args, nil
	}
	if err := json.Unmarshal([]byte(rest), &args); err != nil {
		return "", nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if args == nil {
		args = protocol.Args{}
	}
	return workType, args, nil
}

func summarize(res protocol.Result) string {
	s := string(res.Value)
	if !res.OK() {
		s = fmt.Sprintf("%s: %s", res.ErrorKind, res.Error)
	}
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > summaryWidth {
		s = string(r[:summaryWidth-1]) + "…"
	}
	return s
}

func workTypeList() string {
	names := make([]string, 0, len(protocol.WorkTypes()))
	for _, wt := range protocol.WorkTypes() {
		names = append(names, string(wt))
	}
	return strings.Join(names, " ")
}

// --- Commands ---

func waitForResult(ch <-chan protocol.Result) tea.Cmd {
	return func() tea.Msg {
		return resultMsg(<-ch)
	}
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Run shows the console until the user quits or ctx is cancelled.
func Run(ctx context.Context, s Submitter, hub *events.Hub) error {
	c := NewConsole(s, hub)
	defer c.Close()

	p := tea.NewProgram(c, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}
