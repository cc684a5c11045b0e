// Package termcolor provides simple ANSI terminal color output.
//
// Minimal ANSI escape codes instead of a color dependency; only the
// functions the CLI actually uses are provided.
//
// Inspired by the API of github.com/fatih/color (MIT License).
package termcolor

import (
	"fmt"
	"os"
	"sync"
)

const (
	reset  = "\033[0m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	cyan   = "\033[36m"
	faint  = "\033[2m"
)

var (
	ttyOnce   sync.Once
	ttyResult bool
)

// isColorEnabled reports whether color output should be used.
// Disabled when stdout is not a terminal or NO_COLOR env is set.
func isColorEnabled() bool {
	ttyOnce.Do(func() {
		if os.Getenv("NO_COLOR") != "" {
			return
		}
		fi, err := os.Stdout.Stat()
		if err != nil {
			return
		}
		ttyResult = fi.Mode()&os.ModeCharDevice != 0
	})
	return ttyResult
}

func line(color, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if isColorEnabled() {
		fmt.Printf("%s%s%s\n", color, msg, reset)
	} else {
		fmt.Println(msg)
	}
}

// Green prints a green-colored line to stdout (appends newline).
func Green(format string, a ...any) { line(green, format, a...) }

// Red prints a red-colored line to stdout (appends newline).
func Red(format string, a ...any) { line(red, format, a...) }

// Yellow prints a yellow-colored line to stdout (appends newline).
func Yellow(format string, a ...any) { line(yellow, format, a...) }

// Cyan prints a cyan-colored line to stdout (appends newline).
func Cyan(format string, a ...any) { line(cyan, format, a...) }

// Faint prints faint/dim text to stdout (no newline appended - Printf style).
func Faint(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if isColorEnabled() {
		fmt.Print(faint + msg + reset)
	} else {
		fmt.Print(msg)
	}
}
