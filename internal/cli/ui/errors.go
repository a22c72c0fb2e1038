package ui

import (
	"fmt"
	"strings"
)

// FormatError renders an error for stderr followed by the suggested commands.
// Wrapped errors read "kind: detail"; the detail leads and the kind follows,
// dimmed, so "send disabled: credentials not configured" prints as
// "Error: credentials not configured (send disabled)".
func FormatError(msg string, suggestions ...string) string {
	var b strings.Builder

	line := msg
	if kind, detail, ok := strings.Cut(msg, ": "); ok && kind != "" && detail != "" {
		line = detail + " " + StyleHint.Render("("+kind+")")
	}
	fmt.Fprintf(&b, "%s %s\n", StyleBoldRed.Render("Error:"), line)

	if len(suggestions) == 0 {
		return b.String()
	}
	b.WriteString("\n" + StyleHint.Render("  Try:") + "\n")
	for _, s := range suggestions {
		fmt.Fprintf(&b, "    %s %s\n", StyleHint.Render(SymbolArrow), s)
	}
	return b.String()
}
