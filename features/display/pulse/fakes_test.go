package pulse

import (
	"context"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/analyst/features/display/pulse/clients/pulse"
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
		names   []string
		err     error
		closed  bool
	}

	fakeStream struct {
		mu       sync.Mutex
		added    []addedEvent
		addErr   error
		sink     *fakeSink
		sinkName string
	}

	addedEvent struct {
		event   string
		payload []byte
	}

	fakeSink struct {
		ch     chan *streaming.Event
		mu     sync.Mutex
		acked  []string
		ackErr error
		closed bool
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.names = append(c.names, name)
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	s.added = append(s.added, addedEvent{event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinkName = name
	if s.sink == nil {
		s.sink = &fakeSink{ch: make(chan *streaming.Event, 8)}
	}
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}
