package util

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

const (
	colorGrey      = "241"
	colorMagenta   = "170"
	colorLightBlue = "69"
	colorRed       = "204"
)

// SetupLogging configures the default logger from the level name and
// returns it. Unknown levels fall back to info.
func SetupLogging(level string) *log.Logger {
	logger := NewLogger(os.Stderr, level, "")
	log.SetDefault(logger)
	return logger
}

func NewLogger(w io.Writer, level, prefix string) *log.Logger {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	logger := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          prefix,
		ReportTimestamp: true,
	})
	logger.SetStyles(logStyles())
	return logger
}

// logStyles highlights the keys operators grep for. Colors only show on a
// terminal.
func logStyles() *log.Styles {
	styles := log.DefaultStyles()
	styles.Prefix = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorMagenta))
	styles.Timestamp = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGrey))
	styles.Keys["err"] = lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed))
	styles.Values["err"] = lipgloss.NewStyle().Bold(true)
	for _, key := range []string{"activity", "actor", "inbox"} {
		styles.Keys[key] = lipgloss.NewStyle().Foreground(lipgloss.Color(colorLightBlue))
	}
	return styles
}
