// Package conversation holds the transcript of a thread together with the
// global plan and the busy indicator. State is immutable: every mutation
// builds a new State, so a snapshot handed to a reader never changes.
package conversation

import (
	"encoding/json"
	"time"

	"goa.design/analyst/runtime/clarify"
	"goa.design/analyst/runtime/plan"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

type (
	// Message is one transcript entry. User messages never change after they
	// are appended; the trailing agent message is updated by every event of
	// the turn that created it.
	Message struct {
		ID        string    `json:"id"`
		Role      Role      `json:"role"`
		CreatedAt time.Time `json:"created_at"`
		Content   string    `json:"content"`
		// Thinking is the reasoning text, kept apart from Content.
		Thinking string `json:"thinking,omitempty"`
		// Rows holds tabular rows exported by the agent.
		Rows []map[string]any `json:"rows,omitempty"`
		// Chart and Table are mutually exclusive visualizations.
		Chart         json.RawMessage        `json:"chart,omitempty"`
		Table         json.RawMessage        `json:"table,omitempty"`
		Images        []string               `json:"images,omitempty"`
		Plan          []plan.Task            `json:"plan,omitempty"`
		Clarification *clarify.Clarification `json:"clarification,omitempty"`
		ActionLog     []ActionLogEntry       `json:"action_log,omitempty"`
		Insights      []string               `json:"insights,omitempty"`
		Detective     *DetectiveInsight      `json:"detective,omitempty"`
		UICode        string                 `json:"ui_code,omitempty"`
		DownloadToken string                 `json:"download_token,omitempty"`
		// Interrupted marks a message awaiting user input.
		Interrupted bool `json:"interrupted,omitempty"`
		// CurrentStep labels the step in progress. Empty when none is.
		CurrentStep string `json:"current_step,omitempty"`
	}

	// ActionLogEntry records one substep reported by the agent.
	ActionLogEntry struct {
		Node      string          `json:"node"`
		Step      string          `json:"step"`
		Detail    string          `json:"detail,omitempty"`
		Metrics   json.RawMessage `json:"metrics,omitempty"`
		Timestamp time.Time       `json:"timestamp"`
	}

	// DetectiveInsight holds hypotheses explored during root-cause analysis.
	DetectiveInsight struct {
		Hypotheses json.RawMessage `json:"hypotheses,omitempty"`
		Depth      int             `json:"depth"`
	}

	// State is an immutable snapshot of a thread.
	State struct {
		ThreadID string      `json:"thread_id"`
		Messages []Message   `json:"messages"`
		Tasks    []plan.Task `json:"tasks"`
		Busy     bool        `json:"busy"`
	}
)

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.Rows != nil {
		out.Rows = make([]map[string]any, len(m.Rows))
		for i, row := range m.Rows {
			out.Rows[i] = cloneRow(row)
		}
	}
	out.Chart = cloneRaw(m.Chart)
	out.Table = cloneRaw(m.Table)
	out.Images = cloneStrings(m.Images)
	out.Plan = plan.Clone(m.Plan)
	out.Clarification = m.Clarification.Clone()
	if m.ActionLog != nil {
		out.ActionLog = make([]ActionLogEntry, len(m.ActionLog))
		for i, e := range m.ActionLog {
			e.Metrics = cloneRaw(e.Metrics)
			out.ActionLog[i] = e
		}
	}
	out.Insights = cloneStrings(m.Insights)
	if m.Detective != nil {
		d := *m.Detective
		d.Hypotheses = cloneRaw(d.Hypotheses)
		out.Detective = &d
	}
	return out
}

// Last returns the last message of the transcript.
func (s State) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

func cloneRow(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
