package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/analyst/runtime/clarify"
	"goa.design/analyst/runtime/conversation"
	"goa.design/analyst/runtime/httpclient"
	"goa.design/analyst/runtime/plan"
	"goa.design/analyst/runtime/retry"
	"goa.design/analyst/runtime/stream"
)

type (
	// fakeTransport replays scripted responses, one per call.
	fakeTransport struct {
		mu        sync.Mutex
		calls     []httpclient.Call
		responses []response
	}

	response struct {
		body io.ReadCloser
		err  error
	}

	recordingNotifier struct {
		mu      sync.Mutex
		notices []Notice
	}

	// failingReader returns data and then err.
	failingReader struct {
		data io.Reader
		err  error
	}
)

func (f *fakeTransport) Stream(_ context.Context, call httpclient.Call) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if len(f.responses) == 0 {
		return nil, errors.New("unexpected call")
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r.body, r.err
}

func (n *recordingNotifier) Notify(_ context.Context, notice Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (r *failingReader) Read(p []byte) (int, error) {
	n, err := r.data.Read(p)
	if errors.Is(err, io.EOF) {
		return n, r.err
	}
	return n, err
}

func frame(event, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

func body(frames ...string) response {
	return response{body: io.NopCloser(strings.NewReader(strings.Join(frames, "")))}
}

func transportErr() response {
	return response{err: &httpclient.TransportError{Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}}
}

func signedIn(context.Context) (string, bool) { return "token", true }

// steppingClock advances by step on every reading.
func steppingClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(step)
		return now
	}
}

func newSession(t *testing.T, tr *fakeTransport, opts ...Option) (*Session, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	opts = append([]Option{
		WithNotifier(n),
		WithStore(conversation.NewStore("thread-1")),
		WithRetry(retry.Config{MaxAttempts: 2}),
	}, opts...)
	return New(tr, signedIn, opts...), n
}

func lastAgent(t *testing.T, s *Session) conversation.Message {
	t.Helper()
	m, ok := s.Store().State().Last()
	require.True(t, ok)
	require.Equal(t, conversation.RoleAgent, m.Role)
	return m
}

func TestRunMissingCredential(t *testing.T) {
	tr := &fakeTransport{}
	n := &recordingNotifier{}
	s := New(tr, func(context.Context) (string, bool) { return "", false }, WithNotifier(n))

	err := s.Run(context.Background(), Request{Text: "hello"})
	require.ErrorIs(t, err, ErrMissingCredential)
	require.Empty(t, tr.calls)
	require.Empty(t, s.Store().State().Messages)
	require.Equal(t, []Notice{{Level: NoticeError, Message: SignInNotice}}, n.notices)
}

func TestRunPlanLifecycle(t *testing.T) {
	tr := &fakeTransport{responses: []response{body(
		frame("plan", `{"content":[{"node":"load","desc":"Load data"},{"node":"chart","desc":"Draw chart"},{"node":"sum","desc":"Summarize"}]}`),
		frame("substep", `{"node":"load","step":"query","detail":"select *","ts":1700000000,"metrics":{"rows":10}}`),
		frame("substep", `{"node":"load","step":"clean","ts":1700000001}`),
		frame("step", `{"node":"load","status":"completed","details":"10 rows","duration":1.5}`),
		frame("result", `{"content":"Revenue grew 12%."}`),
	)}}
	s, n := newSession(t, tr)

	require.NoError(t, s.Run(context.Background(), Request{Text: "show revenue", SelectedIDs: []string{"t1"}}))

	st := s.Store().State()
	require.Len(t, st.Messages, 2)
	require.Equal(t, conversation.RoleUser, st.Messages[0].Role)
	require.Equal(t, "show revenue", st.Messages[0].Content)
	require.False(t, st.Busy)

	m := lastAgent(t, s)
	require.Equal(t, "Revenue grew 12%.", m.Content)
	require.Equal(t, "Draw chart", m.CurrentStep)

	for _, tasks := range [][]plan.Task{st.Tasks, m.Plan} {
		require.Len(t, tasks, 3)
		require.Equal(t, plan.StatusFinish, tasks[0].Status)
		require.Equal(t, "10 rows", tasks[0].Description)
		require.Equal(t, 1500*time.Millisecond, tasks[0].Duration)
		require.Len(t, tasks[0].Children, 2)
		require.Equal(t, "query", tasks[0].Children[0].Title)
		require.Equal(t, "clean", tasks[0].Children[1].Title)
		require.Equal(t, plan.StatusProcess, tasks[1].Status)
		require.Equal(t, plan.RunningDescription, tasks[1].Description)
		require.Equal(t, plan.StatusPending, tasks[2].Status)
	}

	require.Len(t, m.ActionLog, 2)
	require.Equal(t, "load", m.ActionLog[0].Node)
	require.Equal(t, "query", m.ActionLog[0].Step)
	require.JSONEq(t, `{"rows":10}`, string(m.ActionLog[0].Metrics))
	require.Equal(t, time.Unix(1700000000, 0).UTC(), m.ActionLog[0].Timestamp.UTC())

	require.Len(t, tr.calls, 1)
	call := tr.calls[0]
	require.Equal(t, "token", call.Token)
	require.Equal(t, 1, call.Attempt)
	require.Equal(t, "show revenue", call.Body.Message)
	require.Equal(t, []string{"t1"}, call.Body.SelectedIDs)
	require.Equal(t, "thread-1", call.Body.ThreadID)
	require.Equal(t, CommandStart, call.Body.Command)
	require.Empty(t, n.notices)
}

func TestRunResetsTasksToPlanning(t *testing.T) {
	release := make(chan struct{})
	pr, pw := io.Pipe()
	tr := &fakeTransport{responses: []response{{body: pr}}}
	s, _ := newSession(t, tr)

	var mu sync.Mutex
	var busySeen bool
	var planning []plan.Task
	s.Store().Subscribe(func(st conversation.State) {
		mu.Lock()
		defer mu.Unlock()
		if st.Busy && !busySeen {
			busySeen = true
			planning = st.Tasks
			close(release)
		}
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), Request{Text: "hi"}) }()
	<-release
	_ = pw.Close()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, plan.Planning(), planning)
	require.False(t, s.Store().State().Busy)
}

func TestRunClarifyCommandSkipsUserMessage(t *testing.T) {
	tr := &fakeTransport{responses: []response{body(), body()}}
	s, _ := newSession(t, tr, WithProjectID(7))

	require.NoError(t, s.Run(context.Background(), Request{Text: "EU", Command: CommandClarify, Choices: []string{"EU"}}))
	require.NoError(t, s.Run(context.Background(), Request{Text: "   "}))

	msgs := s.Store().State().Messages
	require.Len(t, msgs, 2)
	require.Equal(t, conversation.RoleAgent, msgs[0].Role)
	require.Equal(t, conversation.RoleAgent, msgs[1].Role)

	require.Equal(t, "", tr.calls[0].Body.Message)
	require.Equal(t, []string{"EU"}, tr.calls[0].Body.Clarifications)
	require.Equal(t, CommandClarify, tr.calls[0].Body.Command)
	require.Equal(t, int64(7), *tr.calls[0].Body.ProjectID)
}

func TestRunUnauthorized(t *testing.T) {
	tr := &fakeTransport{responses: []response{{err: &retry.HTTPStatusError{StatusCode: 401, Message: "expired"}}}}
	s, n := newSession(t, tr)

	err := s.Run(context.Background(), Request{Text: "hi"})
	require.ErrorIs(t, err, ErrSessionExpired)
	require.Len(t, tr.calls, 1, "401 is never retried")

	msgs := s.Store().State().Messages
	require.Len(t, msgs, 2)
	require.Empty(t, msgs[1].Content)
	require.Equal(t, []Notice{{Level: NoticeError, Message: SessionExpiredNotice}}, n.notices)
	require.False(t, s.Store().State().Busy)
}

func TestRunRetriesTransportFailureOnce(t *testing.T) {
	tr := &fakeTransport{responses: []response{
		transportErr(),
		body(frame("result", `{"content":"done"}`)),
	}}
	s, n := newSession(t, tr)

	require.NoError(t, s.Run(context.Background(), Request{Text: "hi"}))
	require.Len(t, tr.calls, 2)
	require.Equal(t, 1, tr.calls[0].Attempt)
	require.Equal(t, 2, tr.calls[1].Attempt)
	require.Equal(t, "done", lastAgent(t, s).Content)
	require.Len(t, s.Store().State().Messages, 2)
	require.Empty(t, n.notices)
}

func TestRunTwoTransportFailures(t *testing.T) {
	tr := &fakeTransport{responses: []response{transportErr(), transportErr()}}
	s, n := newSession(t, tr)

	err := s.Run(context.Background(), Request{Text: "hi"})
	require.ErrorIs(t, err, ErrConnectionFailed)
	require.Len(t, tr.calls, 2)

	var failed int
	for _, m := range s.Store().State().Messages {
		if m.Content == ConnectionFailedMessage {
			failed++
			require.Equal(t, conversation.RoleAgent, m.Role)
		}
	}
	require.Equal(t, 1, failed)
	require.Equal(t, []Notice{{Level: NoticeError, Message: ConnectionFailedNotice}}, n.notices)
	require.False(t, s.Store().State().Busy)
}

func TestRunMidStreamFailureIsNotRetried(t *testing.T) {
	reader := &failingReader{
		data: strings.NewReader(frame("analysis", `{"content":"partial"}`)),
		err:  errors.New("connection reset by peer"),
	}
	tr := &fakeTransport{responses: []response{{body: io.NopCloser(reader)}}}
	s, n := newSession(t, tr)

	err := s.Run(context.Background(), Request{Text: "hi"})
	require.ErrorIs(t, err, ErrConnectionFailed)
	require.Len(t, tr.calls, 1)

	msgs := s.Store().State().Messages
	require.Len(t, msgs, 3)
	require.Equal(t, "partial", msgs[1].Content)
	require.Equal(t, ConnectionFailedMessage, msgs[2].Content)
	require.Len(t, n.notices, 1)
}

func TestRunServerErrorStatus(t *testing.T) {
	tr := &fakeTransport{responses: []response{{err: &retry.HTTPStatusError{StatusCode: 500, Message: "boom"}}}}
	s, n := newSession(t, tr)

	err := s.Run(context.Background(), Request{Text: "hi"})
	require.Error(t, err)
	require.Len(t, tr.calls, 1)
	require.Contains(t, lastAgent(t, s).Content, "unexpected status 500: boom")
	require.Len(t, n.notices, 1)
}

func TestRunServiceUnavailableIsNotRetried(t *testing.T) {
	tr := &fakeTransport{responses: []response{
		{err: &retry.HTTPStatusError{StatusCode: 503, Message: "busy"}},
		body(frame("result", `{"content":"unreachable"}`)),
	}}
	s, _ := newSession(t, tr, WithRetry(retry.Config{MaxAttempts: 3}))

	require.Error(t, s.Run(context.Background(), Request{Text: "hi"}))
	require.Len(t, tr.calls, 1)
	require.Contains(t, lastAgent(t, s).Content, "unexpected status 503: busy")
}

func TestRunVisualizationSwitchesFieldsAndEndsTurn(t *testing.T) {
	tr := &fakeTransport{responses: []response{body(
		frame("data_export", `{"content":[{"region":"EU","revenue":10}]}`),
		frame("visualization", `{"content":{"chart_type":"echarts","option":{"series":[1]}}}`),
		frame("analysis", `{"content":"ignored"}`),
	)}}
	s, _ := newSession(t, tr)
	require.NoError(t, s.Run(context.Background(), Request{Text: "chart"}))

	m := lastAgent(t, s)
	require.Equal(t, []map[string]any{{"region": "EU", "revenue": float64(10)}}, m.Rows)
	require.JSONEq(t, `{"series":[1]}`, string(m.Chart))
	require.Nil(t, m.Table)
	require.Empty(t, m.Content, "events after a visualization are not read")

	tu := &turn{session: s}
	done, err := tu.onVisualization(context.Background(), stream.Event{
		Type: stream.EventVisualization,
		Data: []byte(`{"content":{"chart_type":"table","table_data":{"rows":[]}}}`),
	})
	require.NoError(t, err)
	require.True(t, done)
	m = lastAgent(t, s)
	require.JSONEq(t, `{"rows":[]}`, string(m.Table))
	require.Nil(t, m.Chart)

	_, err = tu.onVisualization(context.Background(), stream.Event{
		Type: stream.EventVisualization,
		Data: []byte(`{"content":{"chart_type":"echarts","option":{"x":1}}}`),
	})
	require.NoError(t, err)
	m = lastAgent(t, s)
	require.JSONEq(t, `{"x":1}`, string(m.Chart))
	require.Nil(t, m.Table)
}

func TestRunInterruptEndsTurn(t *testing.T) {
	tr := &fakeTransport{responses: []response{body(
		frame("interrupt", `{"content":"Which table should I use?"}`),
		frame("result", `{"content":"never applied"}`),
	)}}
	s, _ := newSession(t, tr)
	require.NoError(t, s.Run(context.Background(), Request{Text: "hi"}))
	m := lastAgent(t, s)
	require.True(t, m.Interrupted)
	require.Equal(t, "Which table should I use?", m.Content)
}

func TestRunErrorEventEndsTurn(t *testing.T) {
	tr := &fakeTransport{responses: []response{body(
		frame("analysis", `{"content":"Looking at sales."}`),
		frame("error", `{"content":"query timed out"}`),
		frame("analysis", `{"content":"never applied"}`),
	)}}
	s, n := newSession(t, tr)
	require.NoError(t, s.Run(context.Background(), Request{Text: "hi"}))
	require.Equal(t, "Looking at sales.\n\nError: query timed out", lastAgent(t, s).Content)
	require.Empty(t, n.notices)
}

func TestRunAssignsArtifactFields(t *testing.T) {
	tr := &fakeTransport{responses: []response{body(
		frame("detective_insight", `{"hypotheses":[{"h":"seasonality"}],"depth":2}`),
		frame("insight_mined", `{"content":["EU leads","US flat"]}`),
		frame("ui_generated", `{"content":"export default () => null"}`),
		frame("python_images", `{"content":["aW1n"]}`),
		frame("data_download", `{"content":"tok-123"}`),
		frame("code_generated", `{"content":"print(1)"}`),
	)}}
	s, _ := newSession(t, tr)
	require.NoError(t, s.Run(context.Background(), Request{Text: "hi"}))
	m := lastAgent(t, s)
	require.NotNil(t, m.Detective)
	require.Equal(t, 2, m.Detective.Depth)
	require.JSONEq(t, `[{"h":"seasonality"}]`, string(m.Detective.Hypotheses))
	require.Equal(t, []string{"EU leads", "US flat"}, m.Insights)
	require.Equal(t, "export default () => null", m.UICode)
	require.Equal(t, []string{"aW1n"}, m.Images)
	require.Equal(t, "tok-123", m.DownloadToken)
	require.Equal(t, "```python\nprint(1)\n```", m.Content)
}

func TestRunSkipsMalformedFrames(t *testing.T) {
	tr := &fakeTransport{responses: []response{body(
		"data: {\"content\":\"no event line\"}\n\n",
		frame("analysis", `{not json`),
		frame("plan", `{"content":"not a list"}`),
		frame("mystery", `{"content":1}`),
		frame("analysis", `{"content":"kept"}`),
	)}}
	s, _ := newSession(t, tr)
	require.NoError(t, s.Run(context.Background(), Request{Text: "hi"}))
	require.Equal(t, "kept", lastAgent(t, s).Content)
	require.Equal(t, plan.Planning(), s.Store().State().Tasks)
}

func TestRunUnknownNodeIsNoop(t *testing.T) {
	tr := &fakeTransport{responses: []response{body(
		frame("plan", `{"content":[{"node":"a","desc":"A"}]}`),
		frame("step", `{"node":"zzz","status":"completed"}`),
		frame("step", `{"node":"a","status":"running"}`),
	)}}
	s, _ := newSession(t, tr)
	require.NoError(t, s.Run(context.Background(), Request{Text: "hi"}))
	m := lastAgent(t, s)
	require.Equal(t, "A", m.CurrentStep)
	require.Equal(t, plan.StatusProcess, m.Plan[0].Status)
	require.Equal(t, plan.StatusProcess, s.Store().State().Tasks[0].Status)
}

func TestRunStepFailure(t *testing.T) {
	tr := &fakeTransport{responses: []response{body(
		frame("plan", `{"content":[{"node":"a","desc":"A"},{"node":"b","desc":"B"}]}`),
		frame("step", `{"node":"a","status":"error","details":"no table"}`),
	)}}
	s, _ := newSession(t, tr)
	require.NoError(t, s.Run(context.Background(), Request{Text: "hi"}))
	m := lastAgent(t, s)
	require.Equal(t, plan.StatusError, m.Plan[0].Status)
	require.Equal(t, "no table", m.Plan[0].Description)
	require.Equal(t, plan.StatusPending, m.Plan[1].Status)
	require.Empty(t, m.CurrentStep)
}

func TestRunClarificationFromResult(t *testing.T) {
	fenced, err := json.Marshal(map[string]string{
		"content": "```json\n{\"status\":\"AMBIGUOUS\",\"question\":\"Which region?\",\"options\":[\"EU\",\"US\"]}\n```",
	})
	require.NoError(t, err)
	tr := &fakeTransport{responses: []response{body(
		frame("analysis", `{"content":"thinking aloud"}`),
		frame("result", string(fenced)),
		frame("result", `{"content":{"status":"AMBIGUOUS","options":["EU","US","APAC"]}}`),
	)}}
	s, _ := newSession(t, tr)
	require.NoError(t, s.Run(context.Background(), Request{Text: "revenue by region"}))
	m := lastAgent(t, s)
	require.Empty(t, m.Content)
	require.Equal(t, &clarify.Clarification{
		Question: "Which region?",
		Options:  []string{"EU", "US", "APAC"},
		Mode:     clarify.ModeSelect,
	}, m.Clarification)
}

func TestRunClarificationEvent(t *testing.T) {
	tr := &fakeTransport{responses: []response{body(
		frame("clarification", `{"content":{"question":"Pick columns","options":["a","b"],"type":"multiple","scope":"schema"}}`),
		frame("clarification", `{"content":"not an object"}`),
	)}}
	s, _ := newSession(t, tr)
	require.NoError(t, s.Run(context.Background(), Request{Text: "hi"}))
	require.Equal(t, &clarify.Clarification{
		Question: "Pick columns",
		Options:  []string{"a", "b"},
		Mode:     clarify.ModeMultiple,
		Scope:    clarify.ScopeSchema,
	}, lastAgent(t, s).Clarification)
}

func TestRunEmptyClarificationKeepsContent(t *testing.T) {
	tr := &fakeTransport{responses: []response{body(
		frame("analysis", `{"content":"Revenue grew 4% in EU."}`),
		frame("clarification", `{"content":{}}`),
		frame("clarification", `{"content":{"question":"","options":[]}}`),
	)}}
	s, _ := newSession(t, tr)
	require.NoError(t, s.Run(context.Background(), Request{Text: "hi"}))
	m := lastAgent(t, s)
	require.Equal(t, "Revenue grew 4% in EU.", m.Content)
	require.Nil(t, m.Clarification)
}

func TestRunCoalescesAndFlushesThinking(t *testing.T) {
	tr := &fakeTransport{responses: []response{body(
		frame("thinking", `{"content":"Let "}`),
		frame("thinking", `{"content":"me "}`),
		frame("thinking", `{"content":"check "}`),
		frame("thinking", `{"content":"the "}`),
		frame("thinking", `{"content":"data."}`),
	)}}
	s, _ := newSession(t, tr, WithClock(steppingClock(20*time.Millisecond)))

	var mu sync.Mutex
	var commits []string
	s.Store().Subscribe(func(st conversation.State) {
		m, ok := st.Last()
		if !ok || m.Role != conversation.RoleAgent {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if len(commits) == 0 || commits[len(commits)-1] != m.Thinking {
			commits = append(commits, m.Thinking)
		}
	})

	require.NoError(t, s.Run(context.Background(), Request{Text: "hi"}))
	require.Equal(t, "Let me check the data.", lastAgent(t, s).Thinking)

	mu.Lock()
	defer mu.Unlock()
	// Deltas arrive 20ms apart: the first and fourth are committed with what
	// accumulated before them and the last one when the turn ends.
	require.Equal(t, []string{"", "Let ", "Let me check the ", "Let me check the data."}, commits)
}

func TestRunRejectsConcurrentTurns(t *testing.T) {
	pr, pw := io.Pipe()
	tr := &fakeTransport{responses: []response{{body: pr}}}
	s, _ := newSession(t, tr)

	started := make(chan struct{})
	var once sync.Once
	s.Store().Subscribe(func(st conversation.State) {
		if st.Busy {
			once.Do(func() { close(started) })
		}
	})
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), Request{Text: "first"}) }()
	<-started

	require.ErrorIs(t, s.Run(context.Background(), Request{Text: "second"}), ErrBusy)
	_ = pw.Close()
	require.NoError(t, <-done)
	require.Len(t, s.Store().State().Messages, 2)
}

func TestRunCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()
	tr := &fakeTransport{responses: []response{{body: pr}}}
	s, n := newSession(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	s.Store().Subscribe(func(st conversation.State) {
		if st.Busy {
			once.Do(func() { close(started) })
		}
	})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, Request{Text: "hi"}) }()
	<-started
	cancel()
	_ = pr.CloseWithError(context.Canceled)

	require.ErrorIs(t, <-done, context.Canceled)
	require.Empty(t, n.notices)
	require.False(t, s.Store().State().Busy)
}

type recordingSink struct {
	mu     sync.Mutex
	states []conversation.State
	err    error
}

func (r *recordingSink) Publish(_ context.Context, st conversation.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
	return r.err
}

func TestRunPublishesToSinks(t *testing.T) {
	tr := &fakeTransport{responses: []response{body(frame("result", `{"content":"ok"}`))}}
	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("redis down")}
	s, _ := newSession(t, tr, WithSink(good), WithSink(bad))

	require.NoError(t, s.Run(context.Background(), Request{Text: "hi"}))
	require.NotEmpty(t, good.states)
	require.Len(t, bad.states, len(good.states), "sink errors do not stop publishing")
	last := good.states[len(good.states)-1]
	require.False(t, last.Busy)
	require.Equal(t, s.Store().State(), last)
}
