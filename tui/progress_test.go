package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"

	"github.com/prokopsimek/pmcrm-sub000/models"
)

func TestProgressViewShowsCounters(t *testing.T) {
	updates := make(chan models.ImportJob, 1)
	m := NewProgressModel("Importing from google", models.ImportJob{Status: models.JobQueued}, updates, nil)

	next, _ := m.Update(jobUpdateMsg(models.ImportJob{
		Status:         models.JobProcessing,
		TotalCount:     10,
		ProcessedCount: 4,
		ImportedCount:  3,
		SkippedCount:   1,
	}))
	m = next.(ProgressModel)

	view := m.View()
	assert.Contains(t, view, "Importing from google")
	assert.Contains(t, view, "4/10")
	assert.Contains(t, view, "imported")
	assert.NotContains(t, view, "failed")
	assert.Contains(t, view, "Press q to cancel")
}

func TestProgressCancelsOnce(t *testing.T) {
	calls := 0
	m := NewProgressModel("Sync", models.ImportJob{}, make(chan models.ImportJob), func() { calls++ })

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	next, _ = next.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = next.(ProgressModel)

	assert.Equal(t, 1, calls)
	assert.Contains(t, m.View(), "Cancelling")
}

func TestProgressQuitsWhenChannelCloses(t *testing.T) {
	updates := make(chan models.ImportJob)
	close(updates)
	m := NewProgressModel("Sync", models.ImportJob{Status: models.JobFailed, FailedCount: 2}, updates, nil)

	msg := waitForUpdate(updates)()
	assert.IsType(t, jobDoneMsg{}, msg)

	next, cmd := m.Update(msg)
	m = next.(ProgressModel)
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "FAILED")
	assert.Contains(t, m.View(), "failed")
}

func TestFraction(t *testing.T) {
	assert.Equal(t, 0.0, fraction(models.ImportJob{}))
	assert.Equal(t, 0.5, fraction(models.ImportJob{TotalCount: 4, ProcessedCount: 2}))
	assert.Equal(t, 1.0, fraction(models.ImportJob{TotalCount: 2, ProcessedCount: 3}))
}
