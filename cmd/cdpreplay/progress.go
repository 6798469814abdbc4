package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"pkt.systems/cdpreplay/internal/eventbus"
	"pkt.systems/cdpreplay/schema"
)

// progressPrinter renders replay events as they arrive. Colors follow the
// terminal capabilities of the writer, so redirected output stays plain.
type progressPrinter struct {
	out    io.Writer
	passed lipgloss.Style
	failed lipgloss.Style
	muted  lipgloss.Style
	title  lipgloss.Style
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	r := lipgloss.NewRenderer(w)
	return &progressPrinter{
		out:    w,
		passed: r.NewStyle().Foreground(lipgloss.Color("2")),
		failed: r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		muted:  r.NewStyle().Faint(true),
		title:  r.NewStyle().Bold(true),
	}
}

// consume prints events until the channel closes.
func (p *progressPrinter) consume(events <-chan eventbus.Event) {
	for event := range events {
		p.print(event)
	}
}

func (p *progressPrinter) print(event eventbus.Event) {
	switch event.Type {
	case eventbus.EventStep:
		p.step(event.Step)
	case eventbus.EventRunCompleted:
		p.run(event.RunCompleted.Result)
	case eventbus.EventBatch:
		p.batch(event.Batch)
	case eventbus.EventBatchCompleted:
		p.batchDone(event.BatchCompleted.Result)
	}
}

func (p *progressPrinter) step(ev schema.StepProgressEvent) {
	if ev.Status == schema.StepRunning {
		return
	}
	var mark string
	switch ev.Status {
	case schema.StepPassed:
		mark = p.passed.Render("ok  ")
	case schema.StepFailed:
		mark = p.failed.Render("FAIL")
	default:
		mark = p.muted.Render("skip")
	}
	label := ev.Detail
	if label == "" {
		label = string(ev.StepType)
	}
	if ev.Auto {
		label = "auto " + label
	}
	line := fmt.Sprintf("  [%*d/%d] %s %s %s", digits(ev.Total), ev.StepIndex+1, ev.Total, mark, label, p.muted.Render(formatMillis(ev.DurationMS)))
	if ev.Error != "" {
		line += "\n         " + p.failed.Render(ev.Error)
	}
	_, _ = fmt.Fprintln(p.out, line)
}

func (p *progressPrinter) run(res schema.RunResult) {
	name := string(res.RecordingID)
	if res.RecordingTitle != "" && res.RecordingTitle != name {
		name = fmt.Sprintf("%s (%s)", res.RecordingTitle, res.RecordingID)
	}
	elapsed := res.Duration().Round(time.Millisecond)
	switch {
	case res.Aborted:
		_, _ = fmt.Fprintf(p.out, "%s %s after %d/%d steps in %s\n", p.failed.Render("ABORTED"), name, res.CompletedSteps, res.TotalSteps, elapsed)
	case res.Passed:
		_, _ = fmt.Fprintf(p.out, "%s %s %d/%d steps in %s\n", p.passed.Render("PASSED"), name, res.CompletedSteps, res.TotalSteps, elapsed)
	default:
		_, _ = fmt.Fprintf(p.out, "%s %s at %s\n", p.failed.Render("FAILED"), name, failureText(res))
	}
}

func (p *progressPrinter) batch(ev schema.BatchProgressEvent) {
	if ev.Status != schema.StepRunning {
		// Empty recordings fail without a run, so nothing else reports them.
		if ev.Status == schema.StepFailed && ev.Error == schema.ErrEmptyRecording.Error() {
			_, _ = fmt.Fprintf(p.out, "%s %s: %s\n", p.failed.Render("FAILED"), ev.RecordingID, ev.Error)
		}
		return
	}
	name := string(ev.RecordingID)
	if ev.Title != "" && ev.Title != name {
		name = ev.Title + " " + p.muted.Render("("+name+")")
	}
	_, _ = fmt.Fprintf(p.out, "%s %s\n", p.title.Render(fmt.Sprintf("[%d/%d]", ev.Index+1, ev.Total)), name)
}

func (p *progressPrinter) batchDone(res schema.BatchResult) {
	summary := fmt.Sprintf("%d passed, %d failed of %d in %s", res.Passed, res.Failed, res.Total, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	style := p.passed
	if res.Failed > 0 || res.Aborted {
		style = p.failed
	}
	if res.Aborted {
		summary += ", aborted"
	}
	_, _ = fmt.Fprintln(p.out, style.Render(summary))
}

func failureText(res schema.RunResult) string {
	if res.FailedStep != nil {
		return fmt.Sprintf("step %d (%s): %s", res.FailedStep.Index+1, res.FailedStep.Type, res.FailedStep.Error)
	}
	if res.Error != "" {
		return res.Error
	}
	return "unknown failure"
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return (time.Duration(ms) * time.Millisecond).String()
}

func digits(n int) int {
	width := 1
	for n >= 10 {
		n /= 10
		width++
	}
	return width
}
