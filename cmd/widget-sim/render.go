// ABOUTME: Terminal renderer for the widget simulator
// ABOUTME: Prints messages by role and state changes as the widget would show them

package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/support-gateway/internal/contract"
	"github.com/2389/support-gateway/internal/widget"
)

type terminalRenderer struct {
	mu  sync.Mutex
	out io.Writer
}

func newTerminalRenderer(out io.Writer) *terminalRenderer {
	return &terminalRenderer{out: out}
}

func (r *terminalRenderer) ShowMessage(m contract.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var who string
	switch m.Role {
	case "user":
		who = color.GreenString("you")
	case "assistant":
		who = color.CyanString("assistant")
	case "agent":
		who = color.MagentaString("agent")
	default:
		fmt.Fprintln(r.out, color.HiBlackString("  · %s", m.Content))
		return
	}
	fmt.Fprintf(r.out, "%s: %s\n", who, m.Content)
}

func (r *terminalRenderer) ShowState(s widget.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	line := s.State.String()
	if s.Reconnecting {
		line += " (reconnecting)"
	}
	fmt.Fprintln(r.out, color.HiBlackString("  [%s]", line))
}

func (r *terminalRenderer) ShowTyping(typing bool) {
	if !typing {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, color.HiBlackString("  agent is typing…"))
}
