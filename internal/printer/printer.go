// Package printer writes the CLI's human-facing output: coloured status lines
// on stdout and structured error reports on stderr.
package printer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
)

func init() {
	// Users can disable colour with NO_COLOR
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)

	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
)

// SetOutput redirects stdout and stderr output and returns a function that
// restores the previous writers.
func SetOutput(stdout, stderr io.Writer) (restore func()) {
	prevOut, prevErr := out, errOut
	out, errOut = stdout, stderr
	return func() { out, errOut = prevOut, prevErr }
}

// Out returns the writer used for plain output.
func Out() io.Writer {
	return out
}

// Success prints a green message with a checkmark prefix.
func Success(format string, a ...any) {
	green.Fprint(out, withPrefix("✓", " ", fmt.Sprintf(format, a...)))
}

// Info prints an informational message in the default color.
func Info(format string, a ...any) {
	fmt.Fprintf(out, format, a...)
}

// Warning prints a yellow message with a warning prefix.
func Warning(format string, a ...any) {
	yellow.Fprint(out, withPrefix("⚠️", "  ", fmt.Sprintf(format, a...)))
}

// Step prints a step of a multi-step operation.
func Step(format string, a ...any) {
	cyan.Fprintf(out, "→ %s", fmt.Sprintf(format, a...))
}

// Println prints a plain line.
func Println(a ...any) {
	fmt.Fprintln(out, a...)
}

// Printf prints a plain formatted message.
func Printf(format string, a ...any) {
	fmt.Fprintf(out, format, a...)
}

// Error prints a report with title, explanation and suggestions to stderr and
// returns an error carrying only the title. Cobra is expected to run with
// SilenceErrors so the report is not printed twice.
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with a block of key/value details, printed in key
// order.
func ErrorWithContext(title string, explanation string, details map[string]string, suggestions []string) error {
	red.Fprintf(errOut, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(errOut, "%s\n", explanation)
	}

	if len(details) > 0 {
		keys := make([]string, 0, len(details))
		for k := range details {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintln(errOut)
		for _, k := range keys {
			fmt.Fprintf(errOut, "  %s: %s\n", k, details[k])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(errOut, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(errOut, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(errOut, "  %d. %s\n", i+1, s)
		}
	}

	return &reportedError{title: title}
}

// reportedError is an error whose report has already been printed.
type reportedError struct {
	title string
}

func (e *reportedError) Error() string { return e.title }

// Reported reports whether err came from Error or ErrorWithContext, so its
// report is already on stderr.
func Reported(err error) bool {
	var r *reportedError
	return errors.As(err, &r)
}

func withPrefix(prefix, sep, msg string) string {
	if strings.HasPrefix(msg, prefix) {
		return msg
	}
	return prefix + sep + msg
}
