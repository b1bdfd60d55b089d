package orchestrator

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/planrun/planrun/internal/plan"
	"github.com/planrun/planrun/internal/state"
	"github.com/planrun/planrun/internal/util"
)

// messageLimit bounds how much of a step's result message is shown per
// report line.
const messageLimit = 160

// StepReport is one step's terminal outcome in the final report.
type StepReport struct {
	ID       string
	Title    string
	Status   plan.StepStatus
	Attempts int
	WorkerID string
	Message  string
}

// GroupReport is one group's terminal outcome in the final report.
type GroupReport struct {
	ID         string
	Title      string
	Status     plan.GroupStatus
	Parallel   bool
	BestEffort bool
	Steps      []StepReport
}

// Report is the final per-group, per-step outcome of a run.
type Report struct {
	PlanID    string
	PlanName  string
	SourceRef string

	// Success is true when every non-best-effort group completed.
	Success bool

	Groups []GroupReport

	StartedAt  time.Time
	FinishedAt time.Time
}

// NewReport builds a report from a run's state. Usable for both finished
// and in-flight state documents; Success reflects only what the state
// currently shows.
func NewReport(s *state.ExecutionState) *Report {
	r := &Report{
		PlanID:    s.PlanID,
		PlanName:  s.Plan.Name,
		SourceRef: s.Plan.SourceRef,
		Success:   true,
		StartedAt: s.StartedAt,
	}
	if s.ArchivedAt != nil {
		r.FinishedAt = *s.ArchivedAt
	} else {
		r.FinishedAt = s.UpdatedAt
	}

	for i := range s.Plan.Groups {
		g := &s.Plan.Groups[i]
		gr := GroupReport{
			ID:         g.ID,
			Title:      g.Title,
			Status:     s.GroupStatus[g.ID],
			Parallel:   g.Parallel,
			BestEffort: g.BestEffort,
		}
		for j := range g.Steps {
			step := &g.Steps[j]
			sr := StepReport{
				ID:       step.ID,
				Title:    step.Title,
				Status:   step.Status,
				Attempts: step.Attempts,
				WorkerID: step.WorkerID,
			}
			if step.Result != nil {
				sr.Message = step.Result.Message
			}
			gr.Steps = append(gr.Steps, sr)
		}
		if !g.BestEffort && gr.Status != plan.GroupCompleted {
			r.Success = false
		}
		r.Groups = append(r.Groups, gr)
	}
	return r
}

// CountGroups returns how many groups reached the given status.
func (r *Report) CountGroups(status plan.GroupStatus) int {
	n := 0
	for _, g := range r.Groups {
		if g.Status == status {
			n++
		}
	}
	return n
}

// reportStyles carries the lipgloss styles for one render. The zero value
// renders plain text for non-TTY output.
type reportStyles struct {
	header    lipgloss.Style
	completed lipgloss.Style
	failed    lipgloss.Style
	skipped   lipgloss.Style
	muted     lipgloss.Style
}

func newReportStyles(color bool) reportStyles {
	if !color {
		return reportStyles{}
	}
	return reportStyles{
		header:    lipgloss.NewStyle().Bold(true),
		completed: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		skipped:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		muted:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

func (st reportStyles) forGroup(status plan.GroupStatus) lipgloss.Style {
	switch status {
	case plan.GroupCompleted:
		return st.completed
	case plan.GroupFailed:
		return st.failed
	case plan.GroupSkipped:
		return st.skipped
	}
	return st.muted
}

func (st reportStyles) forStep(status plan.StepStatus) lipgloss.Style {
	switch status {
	case plan.StepCompleted:
		return st.completed
	case plan.StepFailed:
		return st.failed
	case plan.StepSkipped:
		return st.skipped
	}
	return st.muted
}

func statusGlyph(terminalOK, terminalBad bool) string {
	switch {
	case terminalOK:
		return "✓"
	case terminalBad:
		return "✗"
	}
	return "·"
}

// Render writes the human-readable report. color selects ANSI styling;
// pass false when the destination is not a terminal.
func (r *Report) Render(w io.Writer, color bool) {
	st := newReportStyles(color)

	name := r.PlanName
	if name == "" {
		name = r.PlanID
	}
	fmt.Fprintln(w, st.header.Render(fmt.Sprintf("Plan %s", name)))
	if r.SourceRef != "" {
		fmt.Fprintln(w, st.muted.Render(fmt.Sprintf("  source: %s", r.SourceRef)))
	}

	for _, g := range r.Groups {
		mode := "sequential"
		if g.Parallel {
			mode = "parallel"
		}
		tags := mode
		if g.BestEffort {
			tags += ", best-effort"
		}
		glyph := statusGlyph(g.Status == plan.GroupCompleted, g.Status == plan.GroupFailed)
		line := fmt.Sprintf("  %s %s (%s) — %s", glyph, g.ID, tags, g.Status)
		fmt.Fprintln(w, st.forGroup(g.Status).Render(line))

		for _, s := range g.Steps {
			glyph := statusGlyph(s.Status == plan.StepCompleted, s.Status == plan.StepFailed)
			line := fmt.Sprintf("      %s %s", glyph, s.ID)
			if s.Title != "" {
				line += " " + s.Title
			}
			line += fmt.Sprintf(" [%s", s.Status)
			if s.Attempts > 0 {
				line += fmt.Sprintf(", %s", pluralAttempts(s.Attempts))
			}
			line += "]"
			if s.Message != "" && s.Status != plan.StepCompleted {
				line += ": " + util.TruncateString(s.Message, messageLimit)
			}
			fmt.Fprintln(w, st.forStep(s.Status).Render(line))
		}
	}

	completed := r.CountGroups(plan.GroupCompleted)
	verdict := "FAILED"
	verdictStyle := st.failed
	if r.Success {
		verdict = "SUCCESS"
		verdictStyle = st.completed
	}
	summary := fmt.Sprintf("%d/%d groups completed — %s", completed, len(r.Groups), verdict)
	fmt.Fprintln(w, verdictStyle.Render(summary))
}

// RenderFailures writes only the non-successful terminal outcomes, for the
// failure report on stderr.
func (r *Report) RenderFailures(w io.Writer, color bool) {
	st := newReportStyles(color)
	var lines []string
	for _, g := range r.Groups {
		for _, s := range g.Steps {
			if s.Status != plan.StepFailed && s.Status != plan.StepSkipped {
				continue
			}
			line := fmt.Sprintf("  %s/%s: %s", g.ID, s.ID, s.Status)
			if s.Message != "" {
				line += ": " + util.TruncateString(s.Message, messageLimit)
			}
			lines = append(lines, st.forStep(s.Status).Render(line))
		}
	}
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(w, st.failed.Render("Failures:"))
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func pluralAttempts(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}
