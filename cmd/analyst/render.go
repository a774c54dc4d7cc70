package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"goa.design/analyst/runtime/conversation"
	"goa.design/analyst/runtime/plan"
	"goa.design/analyst/runtime/session"
)

var statusMarks = map[plan.Status]string{
	plan.StatusPending: "[ ]",
	plan.StatusProcess: "[>]",
	plan.StatusFinish:  "[x]",
	plan.StatusError:   "[!]",
}

// progress prints the step label of the active message each time it changes.
// It is registered as a store listener.
type progress struct {
	w    io.Writer
	mu   sync.Mutex
	last string
}

func (p *progress) observe(st conversation.State) {
	m, ok := st.Last()
	if !ok || m.Role != conversation.RoleAgent || !st.Busy {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.CurrentStep == "" || m.CurrentStep == p.last {
		return
	}
	p.last = m.CurrentStep
	fmt.Fprintf(p.w, "... %s\n", m.CurrentStep)
}

// renderState writes the whole transcript followed by the global plan.
func renderState(w io.Writer, st conversation.State) {
	for _, m := range st.Messages {
		renderMessage(w, m)
	}
	renderPlan(w, st.Tasks)
}

func renderPlan(w io.Writer, tasks []plan.Task) {
	if len(tasks) == 0 {
		return
	}
	fmt.Fprintln(w, "plan:")
	renderTasks(w, tasks, 1)
}

// renderLast writes the last message of the transcript, typically the agent
// reply of the turn that just ended.
func renderLast(w io.Writer, st conversation.State) {
	if m, ok := st.Last(); ok {
		renderMessage(w, m)
	}
}

func renderMessage(w io.Writer, m conversation.Message) {
	if m.Role == conversation.RoleUser {
		fmt.Fprintf(w, "you> %s\n", m.Content)
		return
	}
	if m.Thinking != "" {
		fmt.Fprintf(w, "(thinking) %s\n", oneLine(m.Thinking))
	}
	if m.Content != "" {
		fmt.Fprintf(w, "agent> %s\n", m.Content)
	}
	for _, in := range m.Insights {
		fmt.Fprintf(w, "  * %s\n", in)
	}
	if len(m.Rows) > 0 {
		fmt.Fprintf(w, "  [%d rows exported]\n", len(m.Rows))
	}
	switch {
	case m.Table != nil:
		fmt.Fprintln(w, "  [table]")
	case m.Chart != nil:
		fmt.Fprintln(w, "  [chart]")
	}
	if m.DownloadToken != "" {
		fmt.Fprintf(w, "  download: %s\n", m.DownloadToken)
	}
	if c := m.Clarification; c != nil {
		fmt.Fprintf(w, "agent? %s (%s)\n", c.Question, c.Mode)
		for _, o := range c.Options {
			fmt.Fprintf(w, "  - %s\n", o)
		}
		fmt.Fprintf(w, "  answer with: %s <choice>, <choice>\n", clarifyPrefix)
	}
	if m.Interrupted {
		fmt.Fprintln(w, "  (waiting for your input)")
	}
}

func renderTasks(w io.Writer, tasks []plan.Task, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, t := range tasks {
		line := fmt.Sprintf("%s%s %s", indent, statusMarks[t.Status], t.Title)
		if t.Description != "" && !t.LongDescription {
			line += " - " + t.Description
		}
		fmt.Fprintln(w, line)
		renderTasks(w, t.Children, depth+1)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// consoleNotifier prints notices to w.
type consoleNotifier struct {
	w io.Writer
}

func (n consoleNotifier) Notify(_ context.Context, notice session.Notice) {
	fmt.Fprintf(n.w, "%s: %s\n", notice.Level, notice.Message)
}
