package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	"goa.design/analyst/runtime/clarify"
	"goa.design/analyst/runtime/conversation"
	"goa.design/analyst/runtime/plan"
	"goa.design/analyst/runtime/stream"
	"goa.design/analyst/runtime/thinking"
)

// step statuses reported by the agent.
const (
	stepCompleted = "completed"
	stepError     = "error"
	stepFailed    = "failed"
)

type (
	// turn holds the per-turn state of the event loop.
	turn struct {
		session   *Session
		coalescer *thinking.Coalescer
	}

	// handler applies one event. done ends the turn.
	handler func(t *turn, ctx context.Context, ev stream.Event) (done bool, err error)
)

// handlers maps event kinds to their handler.
var handlers = map[stream.EventType]handler{
	stream.EventThinking:         (*turn).onThinking,
	stream.EventPlan:             (*turn).onPlan,
	stream.EventStep:             (*turn).onStep,
	stream.EventSubstep:          (*turn).onSubstep,
	stream.EventInterrupt:        (*turn).onInterrupt,
	stream.EventDetectiveInsight: (*turn).onDetectiveInsight,
	stream.EventInsightMined:     (*turn).onInsightMined,
	stream.EventUIGenerated:      (*turn).onUIGenerated,
	stream.EventPythonImages:     (*turn).onPythonImages,
	stream.EventDataExport:       (*turn).onDataExport,
	stream.EventDataDownload:     (*turn).onDataDownload,
	stream.EventAnalysis:         (*turn).onAnalysis,
	stream.EventCodeGenerated:    (*turn).onCodeGenerated,
	stream.EventResult:           (*turn).onResult,
	stream.EventClarification:    (*turn).onClarification,
	stream.EventVisualization:    (*turn).onVisualization,
	stream.EventError:            (*turn).onError,
}

// consume reads frames until the stream ends or a terminal event arrives.
func (t *turn) consume(ctx context.Context, body io.Reader) error {
	s := t.session
	dec := stream.NewDecoder(body)
	for {
		frame, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return t.connectionFailed(ctx, err)
		}
		ev, ok := s.parser.Parse(ctx, frame)
		if !ok {
			continue
		}
		h, ok := handlers[ev.Type]
		if !ok {
			s.logger.Debug(ctx, "ignoring unknown event", "event", string(ev.Type))
			continue
		}
		done, err := h(t, ctx, ev)
		if err != nil {
			s.logger.Warn(ctx, "dropping event with malformed payload", "event", string(ev.Type), "err", err)
			s.metrics.IncCounter("analyst.frames.dropped", 1, "reason", "invalid_payload", "event", string(ev.Type))
			continue
		}
		if done {
			s.logger.Debug(ctx, "turn ended by event", "event", string(ev.Type))
			return nil
		}
	}
}

// update applies fn to the active agent message.
func (t *turn) update(fn func(*conversation.Message)) {
	t.session.store.UpdateActiveAgent(fn)
}

// flush commits pending reasoning text.
func (t *turn) flush() {
	if rest := t.coalescer.Flush(); rest != "" {
		t.update(func(m *conversation.Message) { m.Thinking += rest })
	}
}

// connectionFailed appends the connection failure message and notifies the
// user.
func (t *turn) connectionFailed(ctx context.Context, err error) error {
	s := t.session
	s.logger.Error(ctx, "connection failed", "err", err)
	t.flush()
	s.store.AppendAgent(ConnectionFailedMessage)
	s.notifier.Notify(ctx, Notice{Level: NoticeError, Message: ConnectionFailedNotice})
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}

func (t *turn) onThinking(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.ThinkingPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	if out, ok := t.coalescer.Add(p.Content, t.session.now()); ok {
		t.update(func(m *conversation.Message) { m.Thinking += out })
	}
	return false, nil
}

func (t *turn) onPlan(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.PlanPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	steps := make([]plan.Step, len(p.Content))
	for i, s := range p.Content {
		steps[i] = plan.Step{ID: s.Node, Title: s.Desc}
	}
	t.session.store.UpdateTasks(func([]plan.Task) []plan.Task {
		return plan.Build(steps).Tasks
	})
	t.update(func(m *conversation.Message) {
		res := plan.Build(steps)
		m.Plan = res.Tasks
		m.CurrentStep = res.Label
	})
	return false, nil
}

func (t *turn) onStep(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.StepPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	var apply func([]plan.Task) plan.Result
	switch p.Status {
	case stepCompleted:
		c := plan.Completion{ID: p.Node, Details: p.Details, Duration: p.Duration.Duration}
		apply = func(tasks []plan.Task) plan.Result { return plan.Complete(tasks, c) }
	case stepError, stepFailed:
		apply = func(tasks []plan.Task) plan.Result { return plan.Fail(tasks, p.Node, p.Details) }
	default:
		return false, nil
	}
	t.applyPlan(apply)
	return false, nil
}

func (t *turn) onSubstep(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.SubstepPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	at := p.TS.Time
	if at.IsZero() {
		at = t.session.now()
	}
	sub := plan.Substep{Node: p.Node, Step: p.Step, Detail: p.Detail, At: at}
	t.applyPlan(func(tasks []plan.Task) plan.Result { return plan.AppendSubstep(tasks, sub) })
	t.update(func(m *conversation.Message) {
		m.ActionLog = append(m.ActionLog, conversation.ActionLogEntry{
			Node:      p.Node,
			Step:      p.Step,
			Detail:    p.Detail,
			Metrics:   p.Metrics,
			Timestamp: at,
		})
	})
	return false, nil
}

// applyPlan runs the same transition on the global task list and on the
// active message's plan. The label follows the message plan.
func (t *turn) applyPlan(apply func([]plan.Task) plan.Result) {
	t.session.store.UpdateTasks(func(tasks []plan.Task) []plan.Task {
		return apply(tasks).Tasks
	})
	t.update(func(m *conversation.Message) {
		res := apply(m.Plan)
		if !res.Matched {
			return
		}
		m.Plan = res.Tasks
		m.CurrentStep = res.Label
	})
}

func (t *turn) onInterrupt(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.TextPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	t.update(func(m *conversation.Message) {
		m.Content = p.Content
		m.Interrupted = true
	})
	return true, nil
}

func (t *turn) onDetectiveInsight(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.DetectiveInsightPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	t.update(func(m *conversation.Message) {
		m.Detective = &conversation.DetectiveInsight{Hypotheses: p.Hypotheses, Depth: p.Depth}
	})
	return false, nil
}

func (t *turn) onInsightMined(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.ListPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	t.update(func(m *conversation.Message) { m.Insights = p.Content })
	return false, nil
}

func (t *turn) onUIGenerated(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.TextPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	t.update(func(m *conversation.Message) { m.UICode = p.Content })
	return false, nil
}

func (t *turn) onPythonImages(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.ListPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	t.update(func(m *conversation.Message) { m.Images = p.Content })
	return false, nil
}

func (t *turn) onDataExport(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.DataExportPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	t.update(func(m *conversation.Message) { m.Rows = p.Content })
	return false, nil
}

func (t *turn) onDataDownload(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.TextPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	t.update(func(m *conversation.Message) { m.DownloadToken = p.Content })
	return false, nil
}

func (t *turn) onAnalysis(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.TextPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	t.update(func(m *conversation.Message) { m.Content = appendBlock(m.Content, p.Content) })
	return false, nil
}

func (t *turn) onCodeGenerated(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.TextPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	t.update(func(m *conversation.Message) {
		m.Content = appendBlock(m.Content, "```python\n"+p.Content+"\n```")
	})
	return false, nil
}

func (t *turn) onResult(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.ResultPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	text := p.Text()
	partial, ok := clarify.Extract(text)
	t.update(func(m *conversation.Message) {
		if !ok {
			m.Content = text
			return
		}
		m.Clarification = clarify.Merge(m.Clarification, partial)
		m.Content = ""
	})
	return false, nil
}

func (t *turn) onClarification(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.ClarificationPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	partial, err := clarify.FromObject(p.Content)
	if err != nil {
		return false, err
	}
	t.update(func(m *conversation.Message) {
		m.Clarification = clarify.Merge(m.Clarification, partial)
		m.Content = ""
	})
	return false, nil
}

func (t *turn) onVisualization(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.VisualizationPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	t.update(func(m *conversation.Message) {
		if p.Content.IsTable() {
			m.Table = p.Content.TableData
			m.Chart = nil
			return
		}
		m.Chart = p.Content.Option
		m.Table = nil
	})
	return true, nil
}

func (t *turn) onError(_ context.Context, ev stream.Event) (bool, error) {
	var p stream.TextPayload
	if err := ev.Decode(&p); err != nil {
		return false, err
	}
	t.update(func(m *conversation.Message) {
		m.Content = appendBlock(m.Content, "Error: "+p.Content)
	})
	return true, nil
}

// appendBlock appends block to content as a new paragraph.
func appendBlock(content, block string) string {
	if content == "" {
		return block
	}
	return content + "\n\n" + block
}
