// Package notifier implements pipectx.Notifier with colorized single-line
// console output for a human watching the CLI. The structured Emit
// channel is a no-op here.
package notifier

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

func styleFor(level string) lipgloss.Style {
	switch level {
	case "error":
		return errorStyle
	case "warn":
		return warnStyle
	case "success":
		return successStyle
	default:
		return infoStyle
	}
}

// Console is a pipectx.Notifier that writes colorized lines to an
// io.Writer (stdout by default) and discards the structured side-channel
// payload — production deployments supply their own Notifier wired to
// the real UI.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole builds a Console writing to w. Passing nil defaults to
// os.Stdout.
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{out: w}
}

// Emit is a no-op placeholder for the structured JSON channel a real UI
// layer would consume; this module only needs the console side.
func (c *Console) Emit(taskID, eventName string, payload map[string]any) {}

// EmitConsoleLog writes one colorized, human-readable status line.
func (c *Console) EmitConsoleLog(taskID, level, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	line := styleFor(level).Render(fmt.Sprintf("[%s] %s", taskID, message))
	fmt.Fprintln(c.out, line)
}
