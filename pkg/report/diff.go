package report

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/sshdconfig"
)

type diffLine struct {
	op   diffmatchpatch.Operation
	text string
}

// DiffLines compares two texts line by line. Changed lines are prefixed with
// "-" or "+", unchanged lines with a space; only context lines of unchanged
// text are kept around each change and skipped runs are shown as "@@".
// Identical texts produce no lines.
func DiffLines(before, after string, context int) []string {
	if before == after {
		return nil
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	var lines []diffLine
	for _, d := range diffs {
		for _, text := range splitLines(d.Text) {
			lines = append(lines, diffLine{op: d.Type, text: text})
		}
	}

	keep := make([]bool, len(lines))
	for i, l := range lines {
		if l.op == diffmatchpatch.DiffEqual {
			continue
		}
		for j := i - context; j <= i+context; j++ {
			if j >= 0 && j < len(lines) {
				keep[j] = true
			}
		}
	}

	var out []string
	skipped := false
	for i, l := range lines {
		if !keep[i] {
			skipped = true
			continue
		}
		if skipped {
			out = append(out, "@@")
			skipped = false
		}
		switch l.op {
		case diffmatchpatch.DiffInsert:
			out = append(out, "+"+l.text)
		case diffmatchpatch.DiffDelete:
			out = append(out, "-"+l.text)
		default:
			out = append(out, " "+l.text)
		}
	}
	if skipped && len(out) > 0 {
		out = append(out, "@@")
	}
	return out
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

// PlannedSSHDConfig renders the daemon configuration as it will be once the
// pending ssh_directive_set changes of plan are applied, in plan order. The
// second result is false when the plan does not touch the file.
func PlannedSSHDConfig(current string, plan *engine.Plan) (string, bool) {
	content := current
	touched := false
	for _, c := range plan.Pending() {
		d := c.Descriptor
		if d.Kind() != engine.KindSSHDirectiveSet || c.Decision.Type != engine.DecisionNeedsAction {
			continue
		}
		touched = true
		content = sshdconfig.Parse(content).Apply(map[string]string{
			d.Key(): strings.Join(d.Desired().Items(), " "),
		}).String()
	}
	return content, touched
}
