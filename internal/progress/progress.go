// Package progress turns worker output lines into structured signals.
//
// Classify is pure: it never touches job state. The caller decides what to do
// with a signal, and the registry enforces monotonic progress.
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies what a line means.
type Kind int

const (
	Ignored Kind = iota
	Progress
	Error
	Info
)

func (k Kind) String() string {
	switch k {
	case Progress:
		return "progress"
	case Error:
		return "error"
	case Info:
		return "info"
	default:
		return "ignored"
	}
}

// Progress milestones.
const (
	ProcessingCeiling = 80
	Combining         = 90
	Done              = 100
)

// Signal is the classification of one output line.
type Signal struct {
	Kind    Kind
	Percent int    // set for Progress
	Text    string // trimmed line, set for Error and Info
	// MissingDependency marks errors caused by an absent library or tool on the host.
	MissingDependency bool
	// Remedy is an actionable hint for MissingDependency errors.
	Remedy string
}

var (
	processingRe = regexp.MustCompile(`(?i)\bprocessing\b.*?(\d+)\s*/\s*(\d+)`)
	combiningRe  = regexp.MustCompile(`(?i)\b(combining|generating)\b`)
	doneRe       = regexp.MustCompile(`(?i)(completed successfully|automation completed|🎉)`)
	moduleRe     = regexp.MustCompile(`No module named '?([\w.\-]+)'?`)
)

var missingDependencyMarkers = []string{
	"modulenotfounderror",
	"no module named",
	"command not found",
	"please install",
	"missing dependency",
	"executable needs to be in path",
}

var errorMarkers = []string{
	"❌",
	" - error - ",
	"error:",
	"traceback (most recent call last)",
	"exception",
	"fatal",
}

var infoMarkers = []string{
	" - info - ",
	" - warning - ",
	"✅", "⚠️", "📊", "📄", "🚀", "📦", "🔍", "📁", "📋", "ℹ",
}

// Classify maps one complete output line to a Signal. Error markers take
// precedence over progress so that "❌ Error processing 3/5" is an error.
func Classify(line string) Signal {
	text := strings.TrimSpace(line)
	if text == "" {
		return Signal{Kind: Ignored}
	}
	lower := strings.ToLower(text)

	for _, marker := range missingDependencyMarkers {
		if strings.Contains(lower, marker) {
			return Signal{
				Kind:              Error,
				Text:              text,
				MissingDependency: true,
				Remedy:            remedyFor(text),
			}
		}
	}

	for _, marker := range errorMarkers {
		if strings.Contains(lower, marker) {
			return Signal{Kind: Error, Text: text}
		}
	}

	if doneRe.MatchString(text) {
		return Signal{Kind: Progress, Percent: Done, Text: text}
	}
	if combiningRe.MatchString(text) {
		return Signal{Kind: Progress, Percent: Combining, Text: text}
	}
	if pct, ok := processingPercent(text); ok {
		return Signal{Kind: Progress, Percent: pct, Text: text}
	}

	for _, marker := range infoMarkers {
		if strings.Contains(lower, marker) {
			return Signal{Kind: Info, Text: text}
		}
	}
	return Signal{Kind: Ignored}
}

// processingPercent maps "processing N/M" to floor(N/M*80).
func processingPercent(text string) (int, bool) {
	m := processingRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	total, err := strconv.Atoi(m[2])
	if err != nil || total <= 0 {
		return 0, false
	}
	if n > total {
		n = total
	}
	return n * ProcessingCeiling / total, true
}

func remedyFor(text string) string {
	if m := moduleRe.FindStringSubmatch(text); m != nil {
		return "install the missing python module: pip install " + m[1]
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "chromedriver") {
		return "install chromium and chromedriver on the worker host"
	}
	return "install the missing dependency on the worker host"
}
