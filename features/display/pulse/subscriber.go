package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/analyst/features/display/pulse/clients/pulse"
	"goa.design/analyst/runtime/conversation"
)

type (
	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume snapshots. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "analyst_display".
		SinkName string
		// Buffer is the snapshot channel capacity. Defaults to 16.
		Buffer int
	}

	// Subscriber reads snapshots published by Sink.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "analyst_display"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 16
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe opens a consumer group on the thread's stream and emits every
// snapshot read from it. The returned cancel function stops consumption and
// closes the sink; both channels are closed once consumption stops.
//
//	states, errs, cancel, err := sub.Subscribe(ctx, threadID)
//	defer cancel()
//	for st := range states {
//	    render(st)
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	threadID string,
	opts ...streamopts.Sink,
) (<-chan conversation.State, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(ThreadStream(threadID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	states := make(chan conversation.State, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, states, errs)
	return states, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

// consume decodes entries until ctx is done or the sink channel closes. Each
// entry is acked once emitted. Entries that are not snapshots are acked and
// skipped.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- conversation.State, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				errs <- fmt.Errorf("pulse decode snapshot: %w", err)
				return
			}
			if env.Type == EventState {
				select {
				case out <- env.State:
				case <-ctx.Done():
					return
				}
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}
