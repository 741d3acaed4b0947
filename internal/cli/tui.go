package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/observability"
	"github.com/matzehuels/depdb/pkg/pipeline"
)

const tuiRefresh = 250 * time.Millisecond

// =============================================================================
// ProgressModel - Live crawl dashboard
// =============================================================================

type tickMsg time.Time

// crawlDoneMsg tells the dashboard the session has returned.
type crawlDoneMsg struct{}

// ProgressModel is the bubbletea model for the crawl dashboard. It polls
// the counters and never touches the crawl itself, except to cancel it.
type ProgressModel struct {
	Kind     index.Kind
	Snapshot observability.Progress
	Stopping bool
	Done     bool
	Frame    int

	counters *observability.Counters
	cancel   context.CancelFunc
	now      func() time.Time
}

// NewProgressModel creates a dashboard for counters. cancel is called when
// the user asks to stop.
func NewProgressModel(kind index.Kind, counters *observability.Counters, cancel context.CancelFunc) ProgressModel {
	return ProgressModel{
		Kind:     kind,
		counters: counters,
		cancel:   cancel,
		now:      time.Now,
	}
}

func tick() tea.Cmd {
	return tea.Tick(tuiRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m ProgressModel) Init() tea.Cmd {
	return tick()
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !m.Stopping {
				m.Stopping = true
				if m.cancel != nil {
					m.cancel()
				}
			}
		}
	case tickMsg:
		m.Snapshot = m.counters.Snapshot()
		m.Frame++
		return m, tick()
	case crawlDoneMsg:
		m.Snapshot = m.counters.Snapshot()
		m.Done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m ProgressModel) View() string {
	var b strings.Builder
	p := m.Snapshot

	title := fmt.Sprintf("Crawling %ss", m.Kind)
	b.WriteString(StyleTitle.Render(title))
	if !p.StartedAt.IsZero() {
		end := m.now()
		if !p.FinishedAt.IsZero() {
			end = p.FinishedAt
		}
		b.WriteString("  " + StyleDim.Render(end.Sub(p.StartedAt).Round(time.Second).String()))
	}
	b.WriteString("\n")
	if p.Session != "" {
		b.WriteString(StyleDim.Render("session " + p.Session))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	rows := [][]string{
		{"dispatched", formatCount(p.Dispatched), "in flight", formatCount(p.InFlight)},
		{"succeeded", formatCount(p.Succeeded), "failed", formatCount(p.Failed)},
		{"skipped", formatCount(p.Skipped), "position", formatCount(p.Position)},
		{"downloaded", formatBytes(p.Bytes), "cache hits", formatCount(p.CacheHits)},
		{"requests", formatCount(p.Requests), "http errors", formatCount(p.HTTPErrors)},
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorDim)).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col%2 == 0 {
				return lipgloss.NewStyle().Foreground(colorGray).Padding(0, 1)
			}
			return StyleNumber.Padding(0, 1).Align(lipgloss.Right)
		})
	b.WriteString(t.Render())
	b.WriteString("\n")

	if len(p.Failures) > 0 {
		b.WriteString("\n")
		for _, code := range sortedCodes(p.Failures) {
			b.WriteString(fmt.Sprintf("  %-22s %s\n", StyleError.Render(string(code)), formatCount(p.Failures[code])))
		}
	}

	if p.Last != "" {
		b.WriteString("\n" + StyleDim.Render("last: "+p.Last) + "\n")
	}

	b.WriteString("\n")
	switch {
	case m.Done:
		b.WriteString(StyleSuccess.Render("done"))
	case m.Stopping:
		frame := spinnerFrames[m.Frame%len(spinnerFrames)]
		b.WriteString(StyleWarning.Render(frame + " stopping, saving cursor"))
	default:
		b.WriteString(StyleDim.Render("q stop (in-flight work is redone next run)"))
	}
	b.WriteString("\n")
	return b.String()
}

// sortedCodes orders failure kinds by count, most frequent first.
func sortedCodes(m map[errors.Code]int64) []errors.Code {
	codes := make([]errors.Code, 0, len(m))
	for code := range m {
		codes = append(codes, code)
	}
	slices.SortFunc(codes, func(a, b errors.Code) int {
		if m[a] != m[b] {
			if m[a] > m[b] {
				return -1
			}
			return 1
		}
		return strings.Compare(string(a), string(b))
	})
	return codes
}

// =============================================================================
// Program
// =============================================================================

// crawlWithTUI runs the crawl behind the dashboard. Log output is held
// back until the dashboard closes. If the terminal cannot host the
// dashboard the crawl keeps running without it.
func (c *CLI) crawlWithTUI(ctx context.Context, runner *pipeline.Runner, opts pipeline.Options, counters *observability.Counters) (*pipeline.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var held bytes.Buffer
	c.Logger.SetOutput(&held)
	defer func() {
		c.Logger.SetOutput(c.logOut)
		_, _ = c.logOut.Write(held.Bytes())
	}()

	type outcome struct {
		res *pipeline.Result
		err error
	}
	results := make(chan outcome, 1)

	p := tea.NewProgram(NewProgressModel(opts.Kind, counters, cancel), tea.WithOutput(os.Stderr))
	go func() {
		res, err := runner.Execute(ctx, opts)
		results <- outcome{res, err}
		p.Send(crawlDoneMsg{})
	}()

	if _, err := p.Run(); err != nil {
		c.Logger.Warn("dashboard unavailable, crawl continues", "error", err)
	}
	out := <-results
	return out.res, out.err
}
