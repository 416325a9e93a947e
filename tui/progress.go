// ABOUTME: Terminal progress view for a running import or sync job
// ABOUTME: Renders a progress bar and per-outcome counters fed by the job's snapshot channel
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/prokopsimek/pmcrm-sub000/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170")).
			MarginBottom(1)

	countStyle = lipgloss.NewStyle().
			Bold(true).
			Width(6).
			Align(lipgloss.Right)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)
)

const maxBarWidth = 60

type jobUpdateMsg models.ImportJob

type jobDoneMsg struct{}

// ProgressModel follows one job until its snapshot channel closes.
type ProgressModel struct {
	title     string
	updates   <-chan models.ImportJob
	cancel    func()
	bar       progress.Model
	spinner   spinner.Model
	job       models.ImportJob
	done      bool
	cancelled bool
}

// NewProgressModel renders snapshots from updates. Pressing q or ctrl+c calls
// cancel once and keeps rendering until the job stops.
func NewProgressModel(title string, initial models.ImportJob, updates <-chan models.ImportJob, cancel func()) ProgressModel {
	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = maxBarWidth

	return ProgressModel{
		title:   title,
		updates: updates,
		cancel:  cancel,
		bar:     bar,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		job:     initial,
	}
}

// Job returns the last snapshot seen.
func (m ProgressModel) Job() models.ImportJob {
	return m.job
}

func (m ProgressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForUpdate(m.updates))
}

func waitForUpdate(updates <-chan models.ImportJob) tea.Cmd {
	return func() tea.Msg {
		job, ok := <-updates
		if !ok {
			return jobDoneMsg{}
		}
		return jobUpdateMsg(job)
	}
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if !m.cancelled && m.cancel != nil {
				m.cancel()
			}
			m.cancelled = true
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.bar.Width = min(msg.Width-4, maxBarWidth)
		return m, nil

	case jobUpdateMsg:
		m.job = models.ImportJob(msg)
		return m, tea.Batch(m.bar.SetPercent(fraction(m.job)), waitForUpdate(m.updates))

	case jobDoneMsg:
		m.done = true
		return m, tea.Quit

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m ProgressModel) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(m.title))
	s.WriteString("\n")

	s.WriteString(m.bar.ViewAs(fraction(m.job)))
	s.WriteString(fmt.Sprintf("  %d/%d\n\n", m.job.ProcessedCount, m.job.TotalCount))

	row := func(label string, n int, style lipgloss.Style) {
		s.WriteString(style.Render(countStyle.Render(fmt.Sprint(n))))
		s.WriteString(" ")
		s.WriteString(labelStyle.Render(label))
		s.WriteString("\n")
	}
	row("imported", m.job.ImportedCount, okStyle)
	row("updated", m.job.UpdatedCount, okStyle)
	row("skipped", m.job.SkippedCount, labelStyle)
	if m.job.DeletedCount > 0 {
		row("deleted", m.job.DeletedCount, labelStyle)
	}
	if m.job.FailedCount > 0 {
		row("failed", m.job.FailedCount, failedStyle)
	}
	s.WriteString("\n")

	switch {
	case m.done:
		status := okStyle.Render("✓ " + string(m.job.Status))
		if m.job.Status == models.JobFailed {
			status = failedStyle.Render("✗ " + string(m.job.Status))
		}
		s.WriteString(status)
		s.WriteString("\n")
	case m.cancelled:
		s.WriteString(m.spinner.View() + " Cancelling after the current batch...\n")
	default:
		s.WriteString(m.spinner.View() + " " + string(m.job.Status) + "\n")
		s.WriteString(helpStyle.Render("Press q to cancel"))
		s.WriteString("\n")
	}
	return s.String()
}

func fraction(job models.ImportJob) float64 {
	if job.TotalCount <= 0 {
		return 0
	}
	f := float64(job.ProcessedCount) / float64(job.TotalCount)
	if f > 1 {
		return 1
	}
	return f
}
