package mediator

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const maxPreviewBytes = 16 << 10

// renderDiff produces a line-oriented +/- preview of an edit. Output is
// deterministic for identical inputs and truncated past maxPreviewBytes.
func renderDiff(current, proposed string) string {
	if current == proposed {
		return "(no changes)"
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(current, proposed)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		}
		for _, line := range splitKeepNonEmpty(d.Text) {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
			if sb.Len() > maxPreviewBytes {
				sb.WriteString("... (preview truncated)\n")
				return sb.String()
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func splitKeepNonEmpty(text string) []string {
	parts := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if len(parts) == 1 && parts[0] == "" {
		return nil
	}
	return parts
}
