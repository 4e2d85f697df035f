package ui

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/nconklindev/linkrefresh/internal/config"
	"github.com/nconklindev/linkrefresh/internal/refresher"
	"github.com/nconklindev/linkrefresh/internal/types"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type state int

const (
	stateForm state = iota
	statePicker
)

type field int

const (
	fieldRoot field = iota
	fieldSkip
	fieldSuppress
	fieldCount
)

type pickTarget int

const (
	pickRoot pickTarget = iota
	pickSkip
)

// Options configure the form.
type Options struct {
	Worker *refresher.Worker
	// Context is the parent of every run context; it carries the logger.
	Context context.Context
	// Defaults prefill the form. Exclude and Engine are passed through to
	// every run unchanged.
	Defaults types.RunConfig
	Version  string
}

type logLine struct {
	level refresher.Level
	text  string
}

type Model struct {
	state      state
	focus      field
	rootInput  textinput.Model
	skipInput  textinput.Model
	suppress   bool
	filepicker filepicker.Model
	pickFor    pickTarget
	keys       keyMap
	help       help.Model
	progress   progress.Model
	logView    viewport.Model
	log        []logLine

	worker   *refresher.Worker
	ctx      context.Context
	defaults types.RunConfig
	version  string

	running  bool
	runSeq   int
	cancel   context.CancelFunc
	events   chan refresher.Event
	done     chan runDoneMsg
	finished chan struct{}
	percent  int
	elapsed  int
	result   *types.RunResult
	err      error

	width  int
	height int
}

type eventMsg struct {
	seq   int
	event refresher.Event
}

type runDoneMsg struct {
	seq    int
	result *types.RunResult
	err    error
}

func InitialModel(opts Options) Model {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}

	root := textinput.New()
	root.Prompt = ""
	root.Placeholder = "folder to refresh"
	root.SetValue(opts.Defaults.Root)
	root.Focus()

	skip := textinput.New()
	skip.Prompt = ""
	skip.Placeholder = "workbooks to leave alone, separated by ;"
	skip.SetValue(config.FormatSkipList(opts.Defaults.Skip))

	fp := filepicker.New()
	fp.CurrentDirectory, _ = os.Getwd()

	// Set filepicker colors to match theme
	fp.Styles.Cursor = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8C42"))
	fp.Styles.Symlink = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB84D"))
	fp.Styles.Directory = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB84D"))
	fp.Styles.File = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF"))
	fp.Styles.Permission = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	fp.Styles.Selected = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8C42")).Bold(true)
	fp.Styles.FileSize = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))

	prog := progress.New(progress.WithGradient("#FF8C42", "#FF9F5A"))

	return Model{
		state:      stateForm,
		focus:      fieldRoot,
		rootInput:  root,
		skipInput:  skip,
		suppress:   opts.Defaults.SuppressLinkPrompt,
		filepicker: fp,
		keys:       defaultKeyMap(),
		help:       help.New(),
		progress:   prog,
		logView:    viewport.New(80, 12),
		worker:     opts.Worker,
		ctx:        ctx,
		defaults:   opts.Defaults,
		version:    opts.Version,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
		if m.state == statePicker {
			return m.updatePicker(msg)
		}
		return m.updateForm(msg)

	case eventMsg:
		if msg.seq != m.runSeq {
			return m, nil
		}
		var cmd tea.Cmd
		switch ev := msg.event.(type) {
		case refresher.LogEvent:
			m.appendLog(ev.Level, ev.Message)
		case refresher.ProgressEvent:
			m.percent = ev.Percent
			m.elapsed = ev.ElapsedSeconds()
			cmd = m.progress.SetPercent(ev.Ratio())
		}
		return m, tea.Batch(cmd, waitForEvent(msg.seq, m.events, m.done))

	case runDoneMsg:
		if msg.seq != m.runSeq {
			return m, nil
		}
		m.running = false
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		m.result = msg.result
		if msg.err != nil {
			m.appendLog(refresher.LevelError, "run failed: "+msg.err.Error())
		}
		return m, nil

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		return m, cmd
	}

	// Directory listings and cursor blinks.
	if m.state == statePicker {
		var cmd tea.Cmd
		m.filepicker, cmd = m.filepicker.Update(msg)
		return m, cmd
	}
	return m.updateInputs(msg)
}

func (m Model) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Start):
		return m.startRun()

	case key.Matches(msg, m.keys.Cancel):
		m.cancelRun()
		return m, nil

	case key.Matches(msg, m.keys.ClearLog):
		m.log = nil
		m.appendLog(refresher.LevelInfo, "log cleared")
		return m, nil

	case key.Matches(msg, m.keys.Browse):
		return m.openPicker()

	case key.Matches(msg, m.keys.Next):
		return m.setFocus((m.focus + 1) % fieldCount)

	case key.Matches(msg, m.keys.Prev):
		return m.setFocus((m.focus + fieldCount - 1) % fieldCount)

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil

	case key.Matches(msg, m.keys.ScrollUp, m.keys.ScrollDn):
		var cmd tea.Cmd
		m.logView, cmd = m.logView.Update(msg)
		return m, cmd

	case m.focus == fieldSuppress && key.Matches(msg, m.keys.Toggle):
		m.suppress = !m.suppress
		return m, nil
	}

	return m.updateInputs(msg)
}

func (m Model) updateInputs(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.rootInput, cmd = m.rootInput.Update(msg)
	cmds = append(cmds, cmd)
	m.skipInput, cmd = m.skipInput.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) setFocus(f field) (tea.Model, tea.Cmd) {
	m.focus = f
	m.rootInput.Blur()
	m.skipInput.Blur()
	switch f {
	case fieldRoot:
		return m, m.rootInput.Focus()
	case fieldSkip:
		return m, m.skipInput.Focus()
	}
	return m, nil
}

func (m Model) openPicker() (tea.Model, tea.Cmd) {
	m.pickFor = pickRoot
	if m.focus == fieldSkip {
		m.pickFor = pickSkip
	}

	if m.pickFor == pickRoot {
		m.filepicker.DirAllowed = true
		m.filepicker.FileAllowed = false
		m.filepicker.AllowedTypes = nil
	} else {
		m.filepicker.DirAllowed = false
		m.filepicker.FileAllowed = true
		m.filepicker.AllowedTypes = slices.Clone(types.Extensions)
	}

	if root := strings.TrimSpace(m.rootInput.Value()); root != "" {
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			m.filepicker.CurrentDirectory = root
		}
	}

	m.state = statePicker
	return m, m.filepicker.Init()
}

func (m Model) updatePicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.state = stateForm
		return m, nil
	case ".":
		if m.pickFor == pickRoot {
			m.rootInput.SetValue(m.filepicker.CurrentDirectory)
			m.state = stateForm
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.filepicker, cmd = m.filepicker.Update(msg)

	if didSelect, path := m.filepicker.DidSelectFile(msg); didSelect {
		if m.pickFor == pickRoot {
			m.rootInput.SetValue(path)
			m.state = stateForm
			return m, nil
		}
		m.addSkip(path)
	}

	return m, cmd
}

// addSkip appends path to the skip field unless it is already listed.
func (m *Model) addSkip(path string) {
	current, err := config.ParseSkipList(m.skipInput.Value())
	if err != nil {
		m.err = err
		return
	}
	abs, err := config.ParseSkipList(path)
	if err != nil || len(abs) == 0 {
		return
	}
	if !slices.Contains(current, abs[0]) {
		current = append(current, abs[0])
	}
	m.skipInput.SetValue(config.FormatSkipList(current))
}

func (m Model) runConfig() (types.RunConfig, error) {
	skip, err := config.ParseSkipList(m.skipInput.Value())
	if err != nil {
		return types.RunConfig{}, err
	}
	return types.RunConfig{
		Root:               strings.TrimSpace(m.rootInput.Value()),
		Skip:               skip,
		SuppressLinkPrompt: m.suppress,
		Exclude:            m.defaults.Exclude,
		Engine:             m.defaults.Engine,
	}, nil
}

func (m Model) startRun() (Model, tea.Cmd) {
	if m.running {
		m.appendLog(refresher.LevelWarn, "a run is already in progress")
		return m, nil
	}

	cfg, err := m.runConfig()
	if err == nil {
		err = refresher.Validate(cfg)
	}
	if err != nil {
		m.err = err
		return m, nil
	}
	m.err = nil

	m.log = nil
	m.appendLog(refresher.LevelInfo, fmt.Sprintf("refreshing %s", cfg.Root))
	m.appendLog(refresher.LevelInfo, strings.Repeat("-", 34))
	m.percent = 0
	m.elapsed = 0
	m.result = nil

	ctx, cancel := context.WithCancel(m.ctx)
	m.runSeq++
	m.running = true
	m.cancel = cancel
	m.events = make(chan refresher.Event, 64)
	m.done = make(chan runDoneMsg, 1)
	m.finished = make(chan struct{})

	// Capture for the goroutine
	seq := m.runSeq
	worker := m.worker
	events := m.events
	done := m.done
	finished := m.finished

	go func() {
		defer close(finished)
		result, err := worker.Run(ctx, cfg, events)

		// Send result before closing events so waitForEvent finds it
		done <- runDoneMsg{seq: seq, result: result, err: err}
		close(events)
		close(done)
	}()

	return m, tea.Batch(
		m.progress.SetPercent(0),
		waitForEvent(seq, events, done),
	)
}

func (m *Model) cancelRun() {
	if !m.running || m.cancel == nil {
		return
	}
	m.cancel()
	m.appendLog(refresher.LevelWarn, "aborting...")
}

// Wait cancels any active run and blocks until its worker has returned and
// released the engine. Events still in flight are discarded.
func (m Model) Wait() {
	if m.finished == nil {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	go func(events <-chan refresher.Event) {
		for range events {
		}
	}(m.events)
	<-m.finished
}

func waitForEvent(seq int, events <-chan refresher.Event, done <-chan runDoneMsg) tea.Cmd {
	return func() tea.Msg {
		if events == nil {
			return nil
		}

		ev, ok := <-events
		if !ok {
			// Event channel closed, the result is waiting
			res, ok := <-done
			if ok {
				return res
			}
			return nil
		}

		return eventMsg{seq: seq, event: ev}
	}
}

func (m *Model) appendLog(level refresher.Level, text string) {
	m.log = append(m.log, logLine{level: level, text: text})
	m.logView.SetContent(m.renderLog())
	m.logView.GotoBottom()
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	inner := width - 4
	if inner < 20 {
		inner = 20
	}
	m.rootInput.Width = inner - 16
	m.skipInput.Width = inner - 16
	m.progress.Width = inner - 8

	// Subtract space for title, form, progress, help and borders
	logHeight := height - 17
	if logHeight < 5 {
		logHeight = 5 // Minimum height
	}
	m.logView.Width = inner
	m.logView.Height = logHeight
	m.logView.SetContent(m.renderLog())

	pickerHeight := height - 10
	if pickerHeight < 5 {
		pickerHeight = 5
	}
	m.filepicker.SetHeight(pickerHeight)
}

func (m Model) renderLog() string {
	lines := make([]string, len(m.log))
	for i, l := range m.log {
		switch l.level {
		case refresher.LevelError:
			lines[i] = ErrorStyle.Render(l.text)
		case refresher.LevelWarn:
			lines[i] = WarnStyle.Render(l.text)
		case refresher.LevelSuccess:
			lines[i] = SuccessStyle.Render(l.text)
		default:
			lines[i] = l.text
		}
	}
	return strings.Join(lines, "\n")
}

func (m Model) View() string {
	if m.state == statePicker {
		return m.viewPicker()
	}
	return m.viewForm()
}

func (m Model) viewPicker() string {
	var s strings.Builder

	if m.pickFor == pickRoot {
		s.WriteString(TitleStyle.Render("Select the folder to refresh"))
		s.WriteString("\n")
		s.WriteString(SubtitleStyle.Render("enter: choose highlighted folder • .: choose current folder • esc: back"))
	} else {
		s.WriteString(TitleStyle.Render("Select workbooks to skip"))
		s.WriteString("\n")
		s.WriteString(SubtitleStyle.Render("enter: add to skip list • esc: done"))
		if v := m.skipInput.Value(); v != "" {
			s.WriteString("\n")
			s.WriteString(MutedStyle.Render(v))
		}
	}
	s.WriteString("\n\n")
	s.WriteString(m.filepicker.View())

	return s.String()
}

func (m Model) viewForm() string {
	var s strings.Builder

	title := TitleStyle.Render("Link Refresher")
	if m.version != "" {
		title = lipgloss.JoinHorizontal(lipgloss.Bottom, title, MutedStyle.Render(" "+m.version))
	}
	s.WriteString(title)
	s.WriteString("\n")
	s.WriteString(SubtitleStyle.Render("Opens and re-saves every .xlsx and .xls file under a folder to refresh external links"))
	s.WriteString("\n")

	s.WriteString(m.label(fieldRoot, "Folder"))
	s.WriteString(m.rootInput.View())
	s.WriteString("\n")
	s.WriteString(m.label(fieldSkip, "Skip files"))
	s.WriteString(m.skipInput.View())
	s.WriteString("\n")

	checked := "[ ]"
	if m.suppress {
		checked = CheckedStyle.Render("[x]")
	}
	s.WriteString(m.label(fieldSuppress, "Link prompt"))
	s.WriteString(fmt.Sprintf("%s suppress the link-update prompt", checked))
	s.WriteString("\n")

	if m.err != nil {
		s.WriteString("\n")
		s.WriteString(ErrorStyle.Render("✗ " + m.err.Error()))
		s.WriteString("\n")
	}

	s.WriteString("\n")
	s.WriteString(m.progress.View())
	s.WriteString("\n")
	status := fmt.Sprintf("elapsed: %d s", m.elapsed)
	if m.running {
		status += " • running"
	}
	s.WriteString(MutedStyle.Render(status))
	s.WriteString("\n\n")
	s.WriteString(m.logView.View())
	s.WriteString("\n")
	s.WriteString(HelpStyle.Render(m.help.View(m.keys)))

	return BoxStyle.Render(s.String())
}

func (m Model) label(f field, text string) string {
	if m.focus == f {
		return FocusedLabelStyle.Render("> " + text)
	}
	return LabelStyle.Render("  " + text)
}
