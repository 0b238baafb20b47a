package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/stores"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	changedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	unchangedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	skippedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	addedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	removedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Printer renders run results for people. Styling is applied only when the
// output is a terminal.
type Printer struct {
	out    io.Writer
	styled bool
}

// NewPrinter returns a printer writing to w, styled when w is a terminal.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{out: w, styled: IsTerminal(w)}
}

// NewPlainPrinter returns a printer that never styles its output.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{out: w}
}

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// JSON writes v as indented JSON.
func JSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *Printer) outcome(o engine.Outcome) string {
	label := fmt.Sprintf("%-9s", o)
	switch o {
	case engine.OutcomeChanged:
		return p.style(changedStyle, label)
	case engine.OutcomeUnchanged:
		return p.style(unchangedStyle, label)
	case engine.OutcomeFailed:
		return p.style(failedStyle, label)
	default:
		return p.style(skippedStyle, label)
	}
}

// Report prints one line per change record followed by a summary.
func (p *Printer) Report(r *engine.Report) {
	fmt.Fprintf(p.out, "%s %s\n", p.style(titleStyle, "Run "+r.RunID), r.State)
	for _, rec := range r.Records {
		line := fmt.Sprintf("  %s %s", p.outcome(rec.Outcome), rec.ID())
		switch {
		case rec.Error != "":
			line += ": " + p.style(failedStyle, rec.Error)
		case rec.Description != "":
			line += ": " + rec.Description
		}
		fmt.Fprintln(p.out, line)
	}
	if r.Reason != "" {
		fmt.Fprintf(p.out, "Aborted: %s\n", r.Reason)
	}
	fmt.Fprintln(p.out, Summary(r))
}

// Summary returns the one-line tally of a report.
func Summary(r *engine.Report) string {
	c := r.Counts()
	noun := "resources"
	if len(r.Records) == 1 {
		noun = "resource"
	}
	return fmt.Sprintf("%d %s: %d changed, %d unchanged, %d failed, %d skipped (%s)",
		len(r.Records), noun,
		c[engine.OutcomeChanged], c[engine.OutcomeUnchanged], c[engine.OutcomeFailed], c[engine.OutcomeSkipped],
		r.Duration().Round(time.Millisecond))
}

// Plan prints the decision for every planned resource.
func (p *Printer) Plan(plan *engine.Plan) {
	counts := make(map[engine.DecisionType]int)
	for _, c := range plan.Changes {
		counts[c.Decision.Type]++
		id := c.Descriptor.ID()
		switch c.Decision.Type {
		case engine.DecisionNeedsAction:
			fmt.Fprintf(p.out, "  %s %s: %s\n", p.style(changedStyle, "~"), id, c.Decision.Description)
		case engine.DecisionUnreconcilable:
			fmt.Fprintf(p.out, "  %s %s: %s\n", p.style(failedStyle, "!"), id, c.Decision.Description)
		default:
			fmt.Fprintf(p.out, "  %s %s\n", p.style(mutedStyle, "="), id)
		}
	}
	fmt.Fprintf(p.out, "Plan: %d to change, %d unchanged, %d unreconcilable\n",
		counts[engine.DecisionNeedsAction], counts[engine.DecisionSatisfied], counts[engine.DecisionUnreconcilable])
}

// Diff prints a line diff between two renderings of one file.
func (p *Printer) Diff(path, before, after string) {
	lines := DiffLines(before, after, 2)
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(p.out, p.style(titleStyle, "--- "+path))
	fmt.Fprintln(p.out, p.style(titleStyle, "+++ "+path+" (planned)"))
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "+"):
			l = p.style(addedStyle, l)
		case strings.HasPrefix(l, "-"):
			l = p.style(removedStyle, l)
		}
		fmt.Fprintln(p.out, l)
	}
}

// Policy prints policy violations and evaluation errors.
func (p *Printer) Policy(res *policy.Result) {
	for _, v := range res.Violations {
		sev := fmt.Sprintf("%-8s", v.Severity)
		if v.Severity.Blocking() {
			sev = p.style(failedStyle, sev)
		} else {
			sev = p.style(changedStyle, sev)
		}
		msg := v.Policy + ": " + v.Message
		if v.Resource != "" {
			msg = v.Policy + ": " + v.Resource + ": " + v.Message
		}
		fmt.Fprintf(p.out, "  %s %s\n", sev, msg)
		if v.Remediation != "" {
			fmt.Fprintf(p.out, "           %s\n", p.style(mutedStyle, "fix: "+v.Remediation))
		}
	}
	for _, e := range res.Errors {
		fmt.Fprintf(p.out, "  %s %s\n", p.style(failedStyle, "error   "), e)
	}
	verdict := p.style(unchangedStyle, "passed")
	if !res.Allowed {
		verdict = p.style(failedStyle, "denied")
	}
	fmt.Fprintf(p.out, "Policy check %s: %d policies, %d violations\n",
		verdict, len(res.EvaluatedPolicies), len(res.Violations))
}

// Validation prints manifest problems, one per line.
func (p *Printer) Validation(errs config.ValidationErrors) {
	for _, e := range errs {
		fmt.Fprintf(p.out, "  %s %s\n", p.style(failedStyle, "error"), e.Error())
	}
}

// Runs prints run history as a table.
func (p *Printer) Runs(runs []*stores.Run) error {
	if len(runs) == 0 {
		fmt.Fprintln(p.out, "No runs recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tTARGET\tSTARTED\tCHANGED\tFAILED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID,
			r.State,
			r.Target,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Changed,
			r.Failed,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
		)
	}
	return w.Flush()
}
