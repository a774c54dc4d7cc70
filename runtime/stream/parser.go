package stream

import (
	"context"
	"encoding/json"
	"strings"

	"goa.design/analyst/runtime/telemetry"
)

const (
	eventPrefix = "event:"
	dataPrefix  = "data:"
)

// Drop reasons reported by Parser.
const (
	DropNoEvent     = "no_event"
	DropInvalidJSON = "invalid_json"
)

type (
	// Parser turns raw frames into events. The first line of a frame names the
	// event kind and the second line carries its JSON payload.
	Parser struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// ParserOption configures a Parser.
	ParserOption func(*Parser)
)

// WithParserLogger sets the logger used to report dropped frames.
func WithParserLogger(l telemetry.Logger) ParserOption {
	return func(p *Parser) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithParserMetrics sets the metrics recorder counting dropped frames.
func WithParserMetrics(m telemetry.Metrics) ParserOption {
	return func(p *Parser) {
		if m != nil {
			p.metrics = m
		}
	}
}

// NewParser returns a Parser. Without options it neither logs nor records
// metrics.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Parse converts frame into an event. ok is false when the frame has no
// event line (dropped silently) or when its payload is not valid JSON
// (dropped and logged).
func (p *Parser) Parse(ctx context.Context, frame string) (Event, bool) {
	lines := strings.Split(strings.TrimLeft(frame, "\r\n"), "\n")
	kind, found := fieldValue(lines[0], eventPrefix)
	if !found || kind == "" {
		p.metrics.IncCounter("analyst.frames.dropped", 1, "reason", DropNoEvent)
		return Event{}, false
	}
	var data string
	if len(lines) > 1 {
		data, _ = fieldValue(lines[1], dataPrefix)
	}
	if !json.Valid([]byte(data)) {
		p.logger.Warn(ctx, "dropping frame with malformed payload", "event", kind, "data", truncate(data, 200))
		p.metrics.IncCounter("analyst.frames.dropped", 1, "reason", DropInvalidJSON, "event", kind)
		return Event{}, false
	}
	return Event{Type: EventType(kind), Data: json.RawMessage(data)}, true
}

// fieldValue returns the trimmed value of line when it starts with prefix.
func fieldValue(line, prefix string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	after, ok := strings.CutPrefix(line, prefix)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(after), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
