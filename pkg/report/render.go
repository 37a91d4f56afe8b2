package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/carverauto/fleetreconcile/pkg/models"
)

// Dracula theme colors.
const (
	draculaForeground = "#F8F8F2"
	draculaCyan       = "#8BE9FD"
	draculaGreen      = "#50FA7B"
	draculaOrange     = "#FFB86C"
	draculaPurple     = "#BD93F9"
	draculaRed        = "#FF5555"
	draculaYellow     = "#F1FA8C"
	draculaComment    = "#6272A4"
)

type styles struct {
	title, header, muted, ok, warn, bad lipgloss.Style
}

func newStyles(re *lipgloss.Renderer) styles {
	return styles{
		title: re.NewStyle().
			Bold(true).
			Padding(0, 1).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(draculaPurple)).
			Foreground(lipgloss.Color(draculaForeground)),
		header: re.NewStyle().Bold(true).Foreground(lipgloss.Color(draculaCyan)),
		muted:  re.NewStyle().Foreground(lipgloss.Color(draculaComment)),
		ok:     re.NewStyle().Foreground(lipgloss.Color(draculaGreen)),
		warn:   re.NewStyle().Foreground(lipgloss.Color(draculaYellow)),
		bad:    re.NewStyle().Foreground(lipgloss.Color(draculaRed)).Bold(true),
	}
}

// Render writes a human-readable report. Colors are only used when w is a terminal.
func (r *Report) Render(w io.Writer) error {
	re := lipgloss.NewRenderer(w)
	st := newStyles(re)

	var b strings.Builder

	title := fmt.Sprintf("Run %s  %s", r.RunID, r.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	if r.Summary.DryRun {
		title += "  (dry run, nothing was changed)"
	}

	b.WriteString(st.title.Render(title))
	b.WriteString("\n\n")

	s := r.Summary
	b.WriteString(strings.Join([]string{
		st.header.Render(fmt.Sprintf("%d devices", s.Total)),
		st.ok.Render(fmt.Sprintf("%d succeeded", s.Succeeded)),
		st.warn.Render(fmt.Sprintf("%d partial", s.Partial)),
		st.bad.Render(fmt.Sprintf("%d failed", s.Failed)),
		st.muted.Render(fmt.Sprintf("%d not found", s.NotFound)),
		st.warn.Render(fmt.Sprintf("%d timed out", s.TimedOut)),
		st.bad.Render(fmt.Sprintf("%d aborted", s.Aborted)),
	}, "  "))
	b.WriteString("\n\n")

	if len(r.Entries) > 0 {
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(re.NewStyle().Foreground(lipgloss.Color(draculaComment))).
			Headers("DEVICE", "STATUS", "WIPE", "MANAGEMENT", "REGISTRY", "DIRECTORY", "ELAPSED").
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return st.header.Padding(0, 1)
				}

				return re.NewStyle().Padding(0, 1)
			})

		for _, e := range r.Entries {
			res := e.Result
			t.Row(
				res.Identity.String(),
				st.status(e.Status),
				wipeCell(res),
				serviceCell(res, models.ServiceManagement),
				serviceCell(res, models.ServiceRegistry),
				serviceCell(res, models.ServiceDirectory),
				res.Elapsed.Round(time.Millisecond).String(),
			)
		}

		b.WriteString(t.Render())
		b.WriteString("\n")
	}

	if len(r.Issues) > 0 {
		b.WriteString("\n")
		b.WriteString(st.header.Render("Needs attention"))
		b.WriteString("\n")

		for _, is := range r.Issues {
			line := fmt.Sprintf("  %s [%s] %s", is.Identity.String(), is.Service, is.Message)
			if is.ErrorClass == models.ErrorClassUnknown {
				b.WriteString(st.bad.Render(line))
			} else {
				b.WriteString(st.warn.Render(line))
			}

			b.WriteString("\n")
		}
	}

	_, err := io.WriteString(w, b.String())

	return err
}

func (st styles) status(s Status) string {
	switch s {
	case StatusSucceeded:
		return st.ok.Render(string(s))
	case StatusNotFound:
		return st.muted.Render(string(s))
	case StatusPartial, StatusTimedOut:
		return st.warn.Render(string(s))
	case StatusFailed, StatusAborted:
		return st.bad.Render(string(s))
	default:
		return string(s)
	}
}

func wipeCell(res *models.DeviceReconciliationResult) string {
	switch {
	case res.Wipe == nil:
		return "-"
	case !res.Wipe.Found:
		return "not found"
	case res.WipeConfirmed:
		return "confirmed"
	case res.Wipe.Success:
		return "sent"
	default:
		return "FAILED"
	}
}

func serviceCell(res *models.DeviceReconciliationResult, kind models.ServiceKind) string {
	so, ok := res.Services[kind]
	if !ok {
		return "-"
	}

	var cell string

	switch {
	case !so.Outcome.Found:
		cell = "not found"
	case so.Partial:
		cell = fmt.Sprintf("partial (%d)", len(so.Records))
	case !so.Outcome.Success:
		cell = "FAILED"
	default:
		cell = outcomeLabel(so.Outcome.ErrorClass)
		if len(so.Records) > 1 {
			cell += fmt.Sprintf(" (%d)", len(so.Records))
		}
	}

	if res.Verified[kind] {
		cell += ", verified"
	}

	return cell
}

func outcomeLabel(c models.ErrorClass) string {
	switch c {
	case models.ErrorClassAlreadyRemoved:
		return "already removed"
	case models.ErrorClassAlreadyQueued:
		return "already queued"
	case models.ErrorClassConflict:
		return "conflict"
	case models.ErrorClassUnknown:
		return "FAILED"
	default:
		return "deleted"
	}
}

// Palette shared with the interactive picker.
var (
	AccentColor  = lipgloss.Color(draculaPurple)
	MutedColor   = lipgloss.Color(draculaComment)
	HighlightFg  = lipgloss.Color(draculaForeground)
	WarningColor = lipgloss.Color(draculaOrange)
)
