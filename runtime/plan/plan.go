// Package plan maintains the execution-plan tree reported by the agent. All
// functions are pure: they never modify their input and return a fresh tree,
// so the same transition can be applied to the global task list and to the
// plan embedded in the active message.
package plan

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusPending marks a task that has not started.
	StatusPending Status = "pending"
	// StatusProcess marks the task currently running.
	StatusProcess Status = "process"
	// StatusFinish marks a completed task.
	StatusFinish Status = "finish"
	// StatusError marks a failed task.
	StatusError Status = "error"
)

const (
	// RunningDescription is shown on the task currently in StatusProcess.
	RunningDescription = "Running..."
	// PlanningID identifies the synthetic task shown before the agent sends
	// its plan.
	PlanningID = "planning"
	// PlanningTitle is the title of the synthetic planning task.
	PlanningTitle = "Planning"
	// longDescriptionRunes is the length above which a description is
	// flagged as long text.
	longDescriptionRunes = 120
)

type (
	// Task is a node of the plan tree.
	Task struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Status      Status `json:"status"`
		Description string `json:"description,omitempty"`
		// LongDescription flags descriptions rendered as expandable text.
		LongDescription bool          `json:"long_description,omitempty"`
		Duration        time.Duration `json:"duration,omitempty"`
		Children        []Task        `json:"children,omitempty"`
		StartedAt       time.Time     `json:"started_at,omitzero"`
		EndedAt         time.Time     `json:"ended_at,omitzero"`
	}

	// Step is a plan entry announced by the agent.
	Step struct {
		ID    string
		Title string
	}

	// Completion reports that a step finished.
	Completion struct {
		ID       string
		Details  string
		Duration time.Duration
	}

	// Substep reports progress within a step.
	Substep struct {
		Node   string
		Step   string
		Detail string
		At     time.Time
	}

	// Result is the outcome of a transition.
	Result struct {
		// Tasks is the updated tree.
		Tasks []Task
		// Matched is false when no task carried the event's node id; Tasks is
		// then an unchanged copy of the input.
		Matched bool
		// Label is the new current-task label. Empty means no task is active.
		Label string
	}
)

// Planning returns the task list shown while the agent is still planning.
func Planning() []Task {
	return []Task{{
		ID:          PlanningID,
		Title:       PlanningTitle,
		Status:      StatusProcess,
		Description: RunningDescription,
	}}
}

// Build returns a fresh tree for the given steps: the first is in process and
// the rest are pending. The returned label is the first step's title.
func Build(steps []Step) Result {
	tasks := make([]Task, len(steps))
	for i, s := range steps {
		tasks[i] = Task{ID: s.ID, Title: s.Title, Status: StatusPending}
	}
	if len(tasks) == 0 {
		return Result{Tasks: tasks, Matched: true}
	}
	tasks[0].Status = StatusProcess
	tasks[0].Description = RunningDescription
	return Result{Tasks: tasks, Matched: true, Label: tasks[0].Title}
}

// Complete marks the task with id c.ID as finished and starts its next
// sibling when that sibling is still pending. The label becomes the next
// sibling's title, or empty when the finished task was the last one.
func Complete(tasks []Task, c Completion) Result {
	out := Clone(tasks)
	siblings, idx := find(out, c.ID)
	if idx < 0 {
		return Result{Tasks: out}
	}
	t := &siblings[idx]
	t.Status = StatusFinish
	t.Description = c.Details
	t.LongDescription = isLong(c.Details)
	t.Duration = c.Duration

	label := ""
	if idx+1 < len(siblings) {
		next := &siblings[idx+1]
		if next.Status == StatusPending {
			next.Status = StatusProcess
			next.Description = RunningDescription
		}
		label = next.Title
	}
	return Result{Tasks: out, Matched: true, Label: label}
}

// Fail marks the task with id as failed with the given details. Siblings are
// left untouched. The label is cleared.
func Fail(tasks []Task, id, details string) Result {
	out := Clone(tasks)
	siblings, idx := find(out, id)
	if idx < 0 {
		return Result{Tasks: out}
	}
	t := &siblings[idx]
	t.Status = StatusError
	t.Description = details
	t.LongDescription = isLong(details)
	return Result{Tasks: out, Matched: true}
}

// AppendSubstep appends a finished leaf for s to the children of task
// s.Node. The label becomes "<task title>: <step>".
func AppendSubstep(tasks []Task, s Substep) Result {
	out := Clone(tasks)
	siblings, idx := find(out, s.Node)
	if idx < 0 {
		return Result{Tasks: out}
	}
	parent := &siblings[idx]
	parent.Children = append(parent.Children, SubstepTask(s))
	return Result{
		Tasks:   out,
		Matched: true,
		Label:   fmt.Sprintf("%s: %s", parent.Title, s.Step),
	}
}

// SubstepTask builds the leaf recorded for s. Its id is derived from the
// node, the step label, and the timestamp.
func SubstepTask(s Substep) Task {
	return Task{
		ID:              fmt.Sprintf("%s-%s-%d", s.Node, s.Step, s.At.UnixMilli()),
		Title:           s.Step,
		Status:          StatusFinish,
		Description:     s.Detail,
		LongDescription: isLong(s.Detail),
		StartedAt:       s.At,
		EndedAt:         s.At,
	}
}

// Find returns a copy of the task with the given id, searching the whole
// tree in order.
func Find(tasks []Task, id string) (Task, bool) {
	siblings, idx := find(tasks, id)
	if idx < 0 {
		return Task{}, false
	}
	return siblings[idx], true
}

// Clone deep-copies a task tree.
func Clone(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = t
		out[i].Children = Clone(t.Children)
	}
	return out
}

// find returns the sibling list holding the first task with id and its index
// in that list, or -1 when absent.
func find(tasks []Task, id string) ([]Task, int) {
	for i := range tasks {
		if tasks[i].ID == id {
			return tasks, i
		}
	}
	for i := range tasks {
		if siblings, idx := find(tasks[i].Children, id); idx >= 0 {
			return siblings, idx
		}
	}
	return nil, -1
}

func isLong(s string) bool {
	return utf8.RuneCountInString(s) > longDescriptionRunes
}
