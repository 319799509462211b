package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI color codes for terminal styling.
const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiCyan      = "\033[96m"
	ansiUnderline = "\033[4m"
)

type welcomeBannerOptions struct {
	Version      string
	BaseURL      string
	Model        string
	MaxUserTurns int
}

func printWelcomeBanner(w io.Writer, opts welcomeBannerOptions) {
	width := terminalWidth(w)
	useANSI := isTerminalWriter(w)

	logo := []string{
		"  ┌──────────────┐  ",
		"  │  ~  ~  ~  ~  │  ",
		"  │   drawchat   │  ",
		"  │  ~  ~  ~  ~  │  ",
		"  └──────┬───────┘  ",
		"         ╵          ",
	}

	fmt.Fprintln(w)
	for _, line := range logo {
		fmt.Fprintln(w, center(line, width))
	}
	fmt.Fprintln(w)

	if version := strings.TrimSpace(opts.Version); version != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Version: %s", version), width))
	}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		fmt.Fprintln(w, centerWithAnsi(fmt.Sprintf("Backend: %s", styleURL(base, useANSI)), width))
	}
	if model := strings.TrimSpace(opts.Model); model != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Model: %s, %d prompts per conversation", model, opts.MaxUserTurns), width))
	}
	hint := `Say "draw ..." for pictures. /next N rotates images, /history, /quit.`
	fmt.Fprintln(w, centerWithAnsi(styleBold(hint, useANSI), width))
	fmt.Fprintln(w)
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func styleURL(url string, enabled bool) string {
	if !enabled {
		return url
	}
	return ansiCyan + ansiUnderline + url + ansiReset
}

func styleBold(s string, enabled bool) string {
	if !enabled {
		return s
	}
	return ansiBold + s + ansiReset
}

func center(text string, width int) string {
	if width <= 0 {
		return "  " + text
	}
	textLen := len([]rune(text))
	if textLen >= width {
		return text
	}
	return strings.Repeat(" ", (width-textLen)/2) + text
}

func stripAnsi(s string) string {
	return strings.NewReplacer(ansiReset, "", ansiBold, "", ansiCyan, "", ansiUnderline, "").Replace(s)
}

func centerWithAnsi(text string, width int) string {
	if width <= 0 {
		return "  " + text
	}
	textLen := len([]rune(stripAnsi(text)))
	if textLen >= width {
		return text
	}
	return strings.Repeat(" ", (width-textLen)/2) + text
}
