package main

import (
	"fmt"
	"io"
	"sync"

	"taskrun/pkg/forward"
	"taskrun/pkg/orchestrator"
	"taskrun/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
)

// eventPrinter renders orchestrator events for a human. On a TTY it styles
// output and keeps a live elapsed-time status line; otherwise it writes
// plain lines and skips ticks.
type eventPrinter struct {
	w     io.Writer
	isTTY bool
	mu    sync.Mutex

	// statusShown is true while the elapsed-time line occupies the cursor row.
	statusShown bool

	stdout, stderr, ok, fail, muted lipgloss.Style
}

func newEventPrinter(w io.Writer, isTTY bool) *eventPrinter {
	p := &eventPrinter{w: w, isTTY: isTTY}
	if isTTY {
		p.stdout = lipgloss.NewStyle()
		p.stderr = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
		p.ok = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
		p.fail = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
		p.muted = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	}
	return p
}

// paint styles s on a TTY and leaves it untouched otherwise.
func (p *eventPrinter) paint(style lipgloss.Style, s string) string {
	if !p.isTTY {
		return s
	}
	return style.Render(s)
}

// clearStatus erases the elapsed-time line. Callers hold p.mu.
func (p *eventPrinter) clearStatus() {
	if p.statusShown {
		fmt.Fprint(p.w, "\r\x1b[K")
		p.statusShown = false
	}
}

func (p *eventPrinter) RunStarted(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, p.paint(p.muted, "run "+runID+" started"))
}

func (p *eventPrinter) ElapsedTime(text string) {
	if !p.isTTY {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.w, "\r\x1b[K"+p.paint(p.muted, "elapsed "+text))
	p.statusShown = true
}

func (p *eventPrinter) MessageReceived(msg forward.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearStatus()
	if msg.Origin == forward.Stderr {
		fmt.Fprintln(p.w, p.paint(p.stderr, msg.Text))
		return
	}
	fmt.Fprintln(p.w, p.paint(p.stdout, msg.Text))
}

func (p *eventPrinter) ResultReceived(res orchestrator.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearStatus()
	fmt.Fprintln(p.w, p.paint(p.muted, fmt.Sprintf("result received (%d bytes, %s)", len(res.Data), res.CodecName())))
}

func (p *eventPrinter) RunFinished(out orchestrator.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearStatus()

	elapsed := orchestrator.FormatElapsed(out.Elapsed)
	switch out.State {
	case protocol.StateCompleted:
		fmt.Fprintf(p.w, "%s in %s\n", p.paint(p.ok, "✓ completed"), elapsed)
	case protocol.StateAborted:
		fmt.Fprintf(p.w, "%s after %s\n", p.paint(p.fail, "■ aborted"), elapsed)
	default:
		fmt.Fprintf(p.w, "%s after %s: %v\n", p.paint(p.fail, "✗ failed"), elapsed, out.Err)
	}
	if out.ExitCode >= 0 && out.State != protocol.StateCompleted {
		fmt.Fprintln(p.w, p.paint(p.muted, fmt.Sprintf("worker exit code %d", out.ExitCode)))
	}
	if out.CleanupErr != nil {
		fmt.Fprintf(p.w, "%s %v\n", p.paint(p.fail, "warning:"), out.CleanupErr)
	}
}
