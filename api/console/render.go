// Package console renders run reports for terminals.
package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"run-reporter/core/models"
	"run-reporter/core/repository"

	"github.com/charmbracelet/lipgloss"
)

const unavailable = "data unavailable"

// Loader reads the parts of a run shown by RenderRun
type Loader interface {
	Snapshot(ctx context.Context, runID string, logTail int) (*models.Run, error)
	Failures(ctx context.Context, runID string) ([]models.FailureRecord, error)
}

// RunView is a run with each section loaded independently. A section whose
// error is set renders as unavailable.
type RunView struct {
	RunID    string
	Run      *models.Run
	RunErr   error
	Failures []models.FailureRecord
	FailErr  error
}

// LoadView loads a run for display. Only an unknown run is an error; any other
// failure degrades the affected sections.
func LoadView(ctx context.Context, loader Loader, runID string, logTail int) (RunView, error) {
	view := RunView{RunID: runID}

	view.Run, view.RunErr = loader.Snapshot(ctx, runID, logTail)
	if errors.Is(view.RunErr, repository.ErrRunNotFound) {
		return view, view.RunErr
	}

	view.Failures, view.FailErr = loader.Failures(ctx, runID)
	if errors.Is(view.FailErr, repository.ErrRunNotFound) {
		return view, view.FailErr
	}

	return view, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	labelStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	cardStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

var statusColors = map[models.RunStatus]lipgloss.Color{
	models.RunStatusCollecting: lipgloss.Color("39"),
	models.RunStatusParsing:    lipgloss.Color("39"),
	models.RunStatusValidating: lipgloss.Color("214"),
	models.RunStatusReporting:  lipgloss.Color("214"),
	models.RunStatusCompleted:  lipgloss.Color("42"),
	models.RunStatusFailed:     lipgloss.Color("203"),
}

// RenderRun renders the header, configuration, metrics, log tail and failures of a run
func RenderRun(view RunView) string {
	var b strings.Builder

	if view.RunErr != nil || view.Run == nil {
		writeSectionHeader(&b, "Run "+view.RunID)
		writeUnavailable(&b)
		for _, title := range []string{"Configuration", "Metrics", "Logs"} {
			writeSectionHeader(&b, title)
			writeUnavailable(&b)
		}
	} else {
		run := view.Run
		writeSectionHeader(&b, "Run "+run.ID)
		writeLabeledLine(&b, "Status", RenderStatus(run.Status))
		writeLabeledLine(&b, "Config", run.ConfigFingerprint)
		writeLabeledLine(&b, "Started", formatTimestamp(run.StartedAt))
		if run.FinishedAt != nil {
			writeLabeledLine(&b, "Finished", formatTimestamp(*run.FinishedAt))
			writeLabeledLine(&b, "Duration", run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String())
		}
		if run.Notes != "" {
			writeLabeledLine(&b, "Notes", run.Notes)
		}
		b.WriteString("\n")

		writeSectionHeader(&b, "Configuration")
		if len(run.Config) == 0 {
			b.WriteString(mutedStyle.Render("(none)") + "\n\n")
		} else {
			for _, entry := range run.Config {
				writeLabeledLine(&b, entry.Label, entry.Value)
			}
			b.WriteString("\n")
		}

		writeSectionHeader(&b, "Metrics")
		if len(run.Metrics) == 0 {
			b.WriteString(mutedStyle.Render("(none)") + "\n\n")
		} else {
			b.WriteString(renderMetricCards(run.Metrics))
			b.WriteString("\n\n")
		}

		writeSectionHeader(&b, "Logs")
		if len(run.Logs) == 0 {
			b.WriteString(mutedStyle.Render("(none)") + "\n\n")
		} else {
			for _, line := range run.Logs {
				b.WriteString(line.Message)
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	}

	writeSectionHeader(&b, "Failures")
	switch {
	case view.FailErr != nil:
		writeUnavailable(&b)
	case len(view.Failures) == 0:
		b.WriteString(mutedStyle.Render("(none)") + "\n")
	default:
		b.WriteString(RenderFailures(view.Failures))
	}

	return b.String()
}

// RenderStatus renders a status with its color
func RenderStatus(status models.RunStatus) string {
	color, ok := statusColors[status]
	if !ok {
		return string(status)
	}
	return lipgloss.NewStyle().Bold(true).Foreground(color).Render(strings.ToUpper(string(status)))
}

// RenderFailures renders failures as a table, one per line, in recording order
func RenderFailures(failures []models.FailureRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s %-45s %-22s %s\n", "Status", "URL", "Error", "Evidence")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, f := range failures {
		fmt.Fprintf(&b, "%-8s %-45s %-22s %s\n", f.Status, f.URL, f.Error, f.Evidence)
	}
	return b.String()
}

func renderMetricCards(metrics []models.Metric) string {
	cards := make([]string, 0, len(metrics))
	for _, m := range metrics {
		body := labelStyle.Render(m.Value) + "\n" + mutedStyle.Render(m.Label)
		if m.Trend != "" {
			body += "\n" + mutedStyle.Render(m.Trend)
		}
		cards = append(cards, cardStyle.Render(body))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, cards...)
}

func writeUnavailable(b *strings.Builder) {
	b.WriteString(errorStyle.Render(unavailable))
	b.WriteString("\n\n")
}

func writeSectionHeader(b *strings.Builder, title string) {
	b.WriteString(headerStyle.Render(title))
	b.WriteString("\n")
}

func writeLabeledLine(b *strings.Builder, label string, value string) {
	b.WriteString(labelStyle.Render(label + ": "))
	b.WriteString(value)
	b.WriteString("\n")
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "(unknown)"
	}
	return t.Format("2006-01-02 15:04:05 MST")
}
