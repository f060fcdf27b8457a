package sessionlog

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

var noisePatterns = []*regexp.Regexp{
	// Spinner frames (braille, quarter circles, stars) with an optional label.
	regexp.MustCompile(`^[⠀-⣿◐◓◑◒✶✻✽✢✳]\s*\S.{0,80}$`),
	// Pure box-drawing or rule lines.
	regexp.MustCompile(`^[\s─━│┃┄┅┈┉╌╍═║╭╮╯╰┌┐└┘├┤┬┴┼=_\-+]+$`),
	// Step counters and progress fractions: "(3/10)", "[12/40]", "Step 4 of 9".
	regexp.MustCompile(`^\W*(\(\d+/\d+\)|\[\d+/\d+\]|[Ss]tep \d+ of \d+)\W*$`),
	// Bare percentages and progress bars.
	regexp.MustCompile(`^\s*\d{1,3}(\.\d+)?%\s*$`),
	regexp.MustCompile(`^\s*[\[(]?[#=░▒▓█][#=░▒▓█ .]{2,}[\])]?\s*(\d{1,3}%)?\s*$`),
	// Token/elapsed counters redrawn in place.
	regexp.MustCompile(`(?i)^\s*[·•]?\s*\d+(\.\d+)?[km]?\s*tokens?\b.*$`),
	regexp.MustCompile(`(?i)^\s*\(?(esc|ctrl\+c) to interrupt\)?\s*$`),
}

// IsNoiseLine reports whether a single line, after escape sequences are
// stripped, is status noise.
func IsNoiseLine(line string) bool {
	plain := strings.TrimSpace(ansi.Strip(line))
	if plain == "" {
		return false
	}
	for _, re := range noisePatterns {
		if re.MatchString(plain) {
			return true
		}
	}
	return false
}

// FilterNoise drops status-noise lines from text and strips escape
// sequences from the rest. Blank lines are kept so paragraph structure in
// the log survives.
func FilterNoise(text string) string {
	parts := strings.SplitAfter(text, "\n")
	var b strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		line := strings.TrimRight(part, "\r\n")
		if IsNoiseLine(line) {
			continue
		}
		plain := strings.Map(func(r rune) rune {
			if r == '\r' {
				return -1
			}
			if unicode.IsControl(r) && r != '\n' && r != '\t' {
				return -1
			}
			return r
		}, ansi.Strip(part))
		b.WriteString(plain)
	}
	return b.String()
}
