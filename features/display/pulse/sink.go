// Package pulse publishes conversation snapshots to goa.design/pulse streams
// so that a remote display can render a thread while its turn is running, and
// reads them back for such displays.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/analyst/features/display/pulse/clients/pulse"
	"goa.design/analyst/runtime/conversation"
)

// EventState names the stream entries carrying a snapshot.
const EventState = "state"

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish. Required.
		Client pulse.Client
		// StreamID derives the target stream from a snapshot. Defaults to
		// `thread/<ThreadID>`.
		StreamID func(conversation.State) (string, error)
		// Clock stamps envelopes. Defaults to time.Now.
		Clock func() time.Time
	}

	// Sink publishes conversation snapshots into Pulse streams. It is safe for
	// concurrent use.
	Sink struct {
		client   pulse.Client
		streamID func(conversation.State) (string, error)
		now      func() time.Time
	}

	// envelope wraps a snapshot on the stream.
	envelope struct {
		Type      string             `json:"type"`
		ThreadID  string             `json:"thread_id"`
		Timestamp time.Time          `json:"timestamp"`
		State     conversation.State `json:"state"`
	}
)

// NewSink constructs a Pulse-backed sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:   opts.Client,
		streamID: StreamID,
		now:      time.Now,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.Clock != nil {
		s.now = opts.Clock
	}
	return s, nil
}

// Publish appends st to the thread's stream.
func (s *Sink) Publish(ctx context.Context, st conversation.State) error {
	streamID, err := s.streamID(st)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Type:      EventState,
		ThreadID:  st.ThreadID,
		Timestamp: s.now().UTC(),
		State:     st,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := handle.Add(ctx, EventState, payload); err != nil {
		return err
	}
	return nil
}

// Close releases the Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// StreamID returns `thread/<ThreadID>`.
func StreamID(st conversation.State) (string, error) {
	if st.ThreadID == "" {
		return "", errors.New("snapshot missing thread id")
	}
	return ThreadStream(st.ThreadID), nil
}

// ThreadStream returns the stream name used for a thread.
func ThreadStream(threadID string) string {
	return fmt.Sprintf("thread/%s", threadID)
}
