package supervisor

import (
	"regexp"
	"strings"
)

// PTY output scrubbing. Terminal emulators are not available on the
// other side of the MCP transport, so escape sequences are stripped
// before text leaves this package.
var (
	// CSI sequences, OSC sequences terminated by BEL or ST, and
	// charset select sequences.
	ansiRe = regexp.MustCompile(`\x1b(?:\[[0-9;]*[ -/]*[@-~]|\][^\x07\x1b]*(?:\x07|\x1b\\)|[()][AB012])`)

	// C0 control characters except newline and tab.
	controlRe = regexp.MustCompile(`[\x00-\x08\x0e-\x1f]`)

	blankRunsRe = regexp.MustCompile(`\n{4,}`)
)

// Scrub removes ANSI escape codes and control characters from PTY
// output and collapses runs of four or more blank lines to three.
func Scrub(text string) string {
	text = ansiRe.ReplaceAllString(text, "")
	text = controlRe.ReplaceAllString(text, "")
	text = blankRunsRe.ReplaceAllString(text, "\n\n\n")
	return strings.TrimSpace(text)
}
