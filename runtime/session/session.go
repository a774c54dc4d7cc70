// Package session runs conversation turns against the agent's streaming
// endpoint. A turn posts the user's input, decodes the response frames as they
// arrive, and folds every event into the conversation store.
//
// A Session runs one turn at a time. The turn loop is the only writer of the
// store while it runs; the display reads snapshots through Store.State or a
// subscription.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/analyst/runtime/conversation"
	"goa.design/analyst/runtime/httpclient"
	"goa.design/analyst/runtime/plan"
	"goa.design/analyst/runtime/retry"
	"goa.design/analyst/runtime/stream"
	"goa.design/analyst/runtime/telemetry"
	"goa.design/analyst/runtime/thinking"
)

// Commands understood by the agent.
const (
	CommandStart   = "start"
	CommandClarify = "clarify"
)

// Texts shown to the user.
const (
	SignInNotice            = "Please sign in to continue."
	SessionExpiredNotice    = "Your session has expired. Please sign in again."
	ConnectionFailedNotice  = "Connection failed."
	ConnectionFailedMessage = "Connection failed. Please check your network and try again."
)

var (
	// ErrMissingCredential is returned when no bearer token is available.
	ErrMissingCredential = errors.New("missing credential")
	// ErrSessionExpired is returned when the endpoint rejects the token.
	ErrSessionExpired = errors.New("session expired")
	// ErrBusy is returned when a turn is already running.
	ErrBusy = errors.New("turn already in progress")
	// ErrConnectionFailed is returned when the endpoint could not be reached
	// or the stream broke.
	ErrConnectionFailed = errors.New("connection failed")
)

// NoticeLevel is the severity of a notice.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

type (
	// Transport opens the response stream for one attempt.
	Transport interface {
		Stream(ctx context.Context, call httpclient.Call) (io.ReadCloser, error)
	}

	// Credentials returns the bearer token. ok is false when the user is not
	// signed in.
	Credentials func(ctx context.Context) (token string, ok bool)

	// Notice is a message shown outside the transcript.
	Notice struct {
		Level   NoticeLevel
		Message string
	}

	// Notifier displays notices.
	Notifier interface {
		Notify(ctx context.Context, n Notice)
	}

	// Sink receives every committed state.
	Sink interface {
		Publish(ctx context.Context, st conversation.State) error
	}

	// Request is the user's input for one turn.
	Request struct {
		Text        string
		SelectedIDs []string
		// Command is CommandStart unless set.
		Command string
		// ModifiedArtifact is user-edited code sent back to the agent.
		ModifiedArtifact string
		// Choices answers a pending clarification.
		Choices []string
	}

	// Session runs turns for one thread.
	Session struct {
		store       *conversation.Store
		transport   Transport
		credentials Credentials
		notifier    Notifier
		sinks       []Sink
		parser      *stream.Parser
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		tracer      telemetry.Tracer
		retry       retry.Config
		window      time.Duration
		projectID   *int64
		now         func() time.Time

		running atomic.Bool
		turnCtx atomic.Pointer[context.Context]
	}

	// Option configures a Session.
	Option func(*Session)
)

// WithStore sets the conversation store. By default a new store is created
// for a random thread id.
func WithStore(st *conversation.Store) Option {
	return func(s *Session) {
		if st != nil {
			s.store = st
		}
	}
}

// WithNotifier sets the notice display.
func WithNotifier(n Notifier) Option {
	return func(s *Session) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithSink adds a sink receiving every committed state.
func WithSink(sink Sink) Option {
	return func(s *Session) {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(s *Session) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithRetry sets the retry policy applied when the endpoint cannot be
// reached. The default retries once.
func WithRetry(cfg retry.Config) Option {
	return func(s *Session) {
		s.retry = cfg
	}
}

// WithThinkingWindow sets the minimum interval between reasoning-text
// commits.
func WithThinkingWindow(d time.Duration) Option {
	return func(s *Session) {
		s.window = d
	}
}

// WithProjectID sets the project sent with every turn.
func WithProjectID(id int64) Option {
	return func(s *Session) {
		s.projectID = &id
	}
}

// WithClock sets the clock used to time thinking deltas.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Session sending turns through transport.
func New(transport Transport, credentials Credentials, opts ...Option) *Session {
	s := &Session{
		transport:   transport,
		credentials: credentials,
		notifier:    nopNotifier{},
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		tracer:      telemetry.NewNoopTracer(),
		retry:       retry.DefaultConfig(),
		window:      thinking.DefaultWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.store == nil {
		s.store = conversation.NewStore(uuid.NewString())
	}
	if s.credentials == nil {
		s.credentials = func(context.Context) (string, bool) { return "", false }
	}
	s.parser = stream.NewParser(stream.WithParserLogger(s.logger), stream.WithParserMetrics(s.metrics))
	for _, sink := range s.sinks {
		s.store.Subscribe(func(st conversation.State) {
			ctx := s.publishContext()
			if err := sink.Publish(ctx, st); err != nil {
				s.logger.Warn(ctx, "sink publish failed", "thread", st.ThreadID, "err", err)
			}
		})
	}
	return s
}

// Store returns the conversation store.
func (s *Session) Store() *conversation.Store {
	return s.store
}

// ThreadID returns the id of the thread.
func (s *Session) ThreadID() string {
	return s.store.State().ThreadID
}

// Run executes one turn. It returns when the stream completes, a terminal
// event arrives, the turn fails, or ctx is canceled. The busy flag is cleared
// and pending reasoning text is committed on every exit path.
func (s *Session) Run(ctx context.Context, req Request) (err error) {
	if !s.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.running.Store(false)

	token, ok := s.credentials(ctx)
	if !ok || token == "" {
		s.notifier.Notify(ctx, Notice{Level: NoticeError, Message: SignInNotice})
		return ErrMissingCredential
	}
	if req.Command == "" {
		req.Command = CommandStart
	}

	ctx, span := s.tracer.Start(ctx, "analyst.turn", trace.WithAttributes(
		attribute.String("analyst.thread_id", s.ThreadID()),
		attribute.String("analyst.command", req.Command),
	))
	pubCtx := context.WithoutCancel(ctx)
	s.turnCtx.Store(&pubCtx)
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.metrics.RecordTimer("analyst.turn.duration", time.Since(start), "outcome", outcome)
		span.End()
	}()
	s.metrics.IncCounter("analyst.turns", 1, "command", req.Command)

	if req.Command != CommandClarify && strings.TrimSpace(req.Text) != "" {
		s.store.AppendUser(req.Text)
	}
	s.store.AppendAgentPlaceholder()
	s.store.UpdateTasks(func([]plan.Task) []plan.Task { return plan.Planning() })
	s.store.SetBusy(true)

	t := &turn{
		session:   s,
		coalescer: thinking.New(thinking.WithWindow(s.window)),
	}
	defer func() {
		t.flush()
		s.store.SetBusy(false)
	}()

	body, err := s.open(ctx, span, token, req)
	if err != nil {
		return s.failOpen(ctx, t, err)
	}
	defer func() { _ = body.Close() }()
	return t.consume(ctx, body)
}

// open issues the request, retrying network-level failures.
func (s *Session) open(ctx context.Context, span telemetry.Span, token string, req Request) (io.ReadCloser, error) {
	call := httpclient.Call{
		Token: token,
		Body: httpclient.Body{
			Message:        req.Text,
			SelectedIDs:    req.SelectedIDs,
			Clarifications: req.Choices,
			ThreadID:       s.ThreadID(),
			ProjectID:      s.projectID,
			Command:        req.Command,
			ModifiedCode:   req.ModifiedArtifact,
		},
	}
	if req.Command == CommandClarify {
		call.Body.Message = ""
	}
	m := retry.New(s.retry, httpclient.IsTransport,
		retry.WithObserver(func(tr retry.Transition) {
			if tr.To != retry.StateRetrying {
				return
			}
			s.metrics.IncCounter("analyst.retries", 1)
			span.AddEvent("analyst.retry", "attempt", tr.Attempt, "err", tr.Err)
			s.logger.Warn(ctx, "retrying turn request", "attempt", tr.Attempt, "err", tr.Err)
		}),
	)
	var body io.ReadCloser
	err := m.Run(ctx, func(ctx context.Context, attempt int) error {
		call.Attempt = attempt
		rc, err := s.transport.Stream(ctx, call)
		if err != nil {
			return err
		}
		body = rc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// failOpen reports a request that produced no stream.
func (s *Session) failOpen(ctx context.Context, t *turn, err error) error {
	switch {
	case httpclient.IsUnauthorized(err):
		s.notifier.Notify(ctx, Notice{Level: NoticeError, Message: SessionExpiredNotice})
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	case httpclient.IsTransport(err):
		return t.connectionFailed(ctx, err)
	case ctx.Err() != nil:
		return ctx.Err()
	}
	s.logger.Error(ctx, "turn request failed", "err", err)
	t.update(func(m *conversation.Message) {
		m.Content = appendBlock(m.Content, "Error: "+err.Error())
	})
	s.notifier.Notify(ctx, Notice{Level: NoticeError, Message: err.Error()})
	return fmt.Errorf("open stream: %w", err)
}

func (s *Session) publishContext() context.Context {
	if p := s.turnCtx.Load(); p != nil {
		return *p
	}
	return context.Background()
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notice) {}
