package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/tsimport/internal/client"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// timelineFetcher is the part of the client the progress view polls.
type timelineFetcher interface {
	GetTimeline(ctx context.Context, sketchID, timelineID int) (*client.Timeline, error)
}

type tickMsg time.Time

type timelineMsg struct {
	timeline *client.Timeline
	err      error
}

// progressModel polls a timeline until the server finished indexing it.
// The bar shows how much of the wait budget is used up.
type progressModel struct {
	fetcher  timelineFetcher
	sketchID int
	timeline *client.Timeline
	interval time.Duration
	timeout  time.Duration
	started  time.Time
	elapsed  time.Duration
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(f timelineFetcher, sketchID int, tl *client.Timeline, opts client.WaitOptions) progressModel {
	if opts.Interval <= 0 {
		opts.Interval = client.DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = client.DefaultPollTimeout
	}
	return progressModel{
		fetcher:  f,
		sketchID: sketchID,
		timeline: tl,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		started:  time.Now(),
		progress: progress.New(
			progress.WithDefaultBlend(),
			progress.WithWidth(40),
		),
		theme: defaultTheme,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetch(),
		m.progress.Init(),
	)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		m.elapsed = time.Time(msg).Sub(m.started)
		if m.elapsed >= m.timeout {
			m.done = true
			m.err = fmt.Errorf("%w: timeline %d not ready after %s", client.ErrTimeout, m.timeline.ID, m.timeout)
			return m, tea.Quit
		}
		return m, m.fetch()

	case timelineMsg:
		if msg.err != nil {
			m.done = true
			m.err = fmt.Errorf("fetch timeline status: %w", msg.err)
			return m, tea.Quit
		}
		m.timeline = msg.timeline

		switch m.timeline.Status {
		case client.StatusReady:
			m.done = true
			return m, tea.Quit
		case client.StatusFailed:
			m.done = true
			m.err = fmt.Errorf("%w: timeline %d", client.ErrTimelineFailed, m.timeline.ID)
			return m, tea.Quit
		}
		return m, m.tick()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}

	pct := float64(m.elapsed) / float64(m.timeout)
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.timeline.Status))
	bar := m.progress.ViewAs(pct)
	clock := fmt.Sprintf("%s / %s", m.elapsed.Truncate(time.Second), m.timeout)
	hint := m.theme.hintStyle().Render("Press q to stop waiting, indexing continues on the server")

	return fmt.Sprintf("%s %s %s %s\n%s\n", m.timeline.Name, status, bar, clock, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nTimeline %d is still indexing.\nUse 'tsimport status --sketch-id %d --timeline-id %d' to check on it.\n",
			m.timeline.ID, m.sketchID, m.timeline.ID)
		return m.theme.hintStyle().Render(msg)
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ %s\n", m.err))
	}

	var b strings.Builder
	b.WriteString(m.theme.completedStyle().Render("✓ Ready") + "\n")
	fmt.Fprintf(&b, "  Timeline: %s (id %d)\n", m.timeline.Name, m.timeline.ID)
	if m.timeline.IndexName != "" {
		fmt.Fprintf(&b, "  Index:    %s\n", m.timeline.IndexName)
	}
	return b.String()
}

// fetch polls the timeline in a command so Update never blocks.
func (m progressModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		tl, err := m.fetcher.GetTimeline(ctx, m.sketchID, m.timeline.ID)
		return timelineMsg{timeline: tl, err: err}
	}
}

func (m progressModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// RunTimelineProgress shows an interactive view until the timeline is ready.
// Stopping the view early is not an error: the last known timeline is
// returned and indexing continues on the server.
func RunTimelineProgress(ctx context.Context, f timelineFetcher, sketchID int, tl *client.Timeline, opts client.WaitOptions) (*client.Timeline, error) {
	if err := ctx.Err(); err != nil {
		return tl, err
	}
	p := tea.NewProgram(newProgressModel(f, sketchID, tl, opts))

	final, err := p.Run()
	if err != nil {
		return tl, fmt.Errorf("progress UI error: %w", err)
	}

	m, ok := final.(progressModel)
	if !ok {
		return tl, nil
	}
	return m.timeline, m.err
}
