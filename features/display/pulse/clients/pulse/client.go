// Package pulse wraps goa.design/pulse streams for the display feature.
// Callers build a Redis client, pass it to New, and receive a typed interface
// exposing only the stream operations the publisher and the watcher need.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the display stream client.
	Options struct {
		// Redis is the Redis connection backing Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream. Zero uses
		// Pulse defaults.
		StreamMaxLen int
		// PublishTimeout bounds each Add call. Zero disables the bound.
		PublishTimeout time.Duration
	}

	// Client opens Pulse streams.
	Client interface {
		// Stream returns a handle to the named stream, creating it if needed.
		// Handles are cached per name.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases resources owned by the client. The Redis connection
		// belongs to the caller and is left open.
		Close(ctx context.Context) error
	}

	// Stream publishes to and reads from one Pulse stream.
	Stream interface {
		// Add publishes an event and returns the id assigned by Redis.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group reading the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading a stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}
)

type (
	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration

		mu      sync.Mutex
		streams map[string]Stream
	}

	handle struct {
		ps      *streaming.Stream
		timeout time.Duration
	}

	// sinkAdapter makes Close match the Sink interface.
	sinkAdapter struct {
		*streaming.Sink
	}
)

// New constructs a Pulse client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("display streams need a redis client")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.PublishTimeout,
		streams: make(map[string]Stream),
	}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("display stream name is empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.streams[name]; ok {
		return h, nil
	}
	if c.maxLen > 0 {
		opts = append([]streamopts.Stream{streamopts.WithStreamMaxLen(c.maxLen)}, opts...)
	}
	ps, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("open display stream %q: %w", name, err)
	}
	h := &handle{ps: ps, timeout: c.timeout}
	c.streams[name] = h
	return h, nil
}

func (c *client) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams = make(map[string]Stream)
	return nil
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("display event name is empty")
	}
	if h.timeout > 0 {
		c, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		ctx = c
	}
	id, err := h.ps.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", event, err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	s, err := h.ps.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("open consumer group %q: %w", name, err)
	}
	return sinkAdapter{Sink: s}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.ps.Destroy(ctx)
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
