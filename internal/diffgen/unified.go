package diffgen

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const (
	// DefaultContext is the number of unchanged lines around each hunk
	DefaultContext = 3

	unifiedOldName = "a/bundle"
	unifiedNewName = "b/bundle"
	noNewlineMark  = "\\ No newline at end of file\n"
)

// GenerateUnified writes a single-file unified diff from oldContent to newContent.
// Identical input produces an empty string.
func GenerateUnified(oldContent, newContent string, context int) string {
	if context < 0 {
		context = DefaultContext
	}
	a := splitLines(oldContent)
	b := splitLines(newContent)

	groups := difflib.NewMatcher(a, b).GetGroupedOpCodes(context)
	if len(groups) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", unifiedOldName, unifiedNewName)
	for _, group := range groups {
		first, last := group[0], group[len(group)-1]
		fmt.Fprintf(&sb, "@@ -%s +%s @@\n",
			formatRange(first.I1, last.I2), formatRange(first.J1, last.J2))
		for _, c := range group {
			if c.Tag == 'e' {
				writeLines(&sb, ' ', a[c.I1:c.I2])
				continue
			}
			if c.Tag == 'r' || c.Tag == 'd' {
				writeLines(&sb, '-', a[c.I1:c.I2])
			}
			if c.Tag == 'r' || c.Tag == 'i' {
				writeLines(&sb, '+', b[c.J1:c.J2])
			}
		}
	}
	return sb.String()
}

// splitLines keeps line terminators so a missing final newline survives the diff
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func writeLines(sb *strings.Builder, prefix byte, lines []string) {
	for _, line := range lines {
		sb.WriteByte(prefix)
		sb.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			sb.WriteString("\n")
			sb.WriteString(noNewlineMark)
		}
	}
}

// formatRange renders a hunk range the way POSIX diff does
func formatRange(start, stop int) string {
	beginning := start + 1
	length := stop - start
	if length == 1 {
		return fmt.Sprintf("%d", beginning)
	}
	if length == 0 {
		beginning--
	}
	return fmt.Sprintf("%d,%d", beginning, length)
}
