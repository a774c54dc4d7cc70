// Package stream decodes the analysis agent's server-sent event stream. A
// Decoder splits the response body into blank-line delimited frames, a Parser
// turns each frame into an Event, and the payload types in this package give
// typed access to each event kind's JSON body.
//
// The wire format is:
//
//	event: plan
//	data: {"content":[{"node":"load","desc":"Load data"}]}
//
// Frames without an event line and frames whose data is not valid JSON are
// dropped by the Parser; neither ever terminates a stream.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType identifies the kind of a stream event.
type EventType string

const (
	// EventThinking carries an incremental reasoning delta.
	EventThinking EventType = "thinking"
	// EventPlan carries the ordered list of plan steps for the turn.
	EventPlan EventType = "plan"
	// EventSubstep reports progress within a plan step.
	EventSubstep EventType = "substep"
	// EventStep reports a plan step status change.
	EventStep EventType = "step"
	// EventInterrupt pauses the turn waiting for user input.
	EventInterrupt EventType = "interrupt"
	// EventDetectiveInsight carries root-cause hypotheses.
	EventDetectiveInsight EventType = "detective_insight"
	// EventInsightMined carries mined insight bullet points.
	EventInsightMined EventType = "insight_mined"
	// EventUIGenerated carries agent-authored UI code.
	EventUIGenerated EventType = "ui_generated"
	// EventPythonImages carries rendered images (base64 or URLs).
	EventPythonImages EventType = "python_images"
	// EventCodeGenerated carries generated code.
	EventCodeGenerated EventType = "code_generated"
	// EventResult carries the turn's textual (or object) result.
	EventResult EventType = "result"
	// EventClarification carries a structured clarification request.
	EventClarification EventType = "clarification"
	// EventDataExport carries tabular rows.
	EventDataExport EventType = "data_export"
	// EventDataDownload carries a download token for the exported data.
	EventDataDownload EventType = "data_download"
	// EventAnalysis carries analysis prose appended to the reply.
	EventAnalysis EventType = "analysis"
	// EventVisualization carries a chart option or a table view.
	EventVisualization EventType = "visualization"
	// EventError reports an agent-side failure.
	EventError EventType = "error"
)

// ChartTypeTable is the visualization discriminator selecting a table view.
const ChartTypeTable = "table"

type (
	// Event is one parsed frame. Data holds the raw JSON payload; use Decode
	// to obtain the typed payload for the event kind.
	Event struct {
		Type EventType
		Data json.RawMessage
	}

	// ThinkingPayload is the body of a thinking event.
	ThinkingPayload struct {
		Content string `json:"content"`
	}

	// PlanStep describes one step announced by a plan event.
	PlanStep struct {
		Node string `json:"node"`
		Desc string `json:"desc"`
	}

	// PlanPayload is the body of a plan event.
	PlanPayload struct {
		Content []PlanStep `json:"content"`
	}

	// SubstepPayload is the body of a substep event.
	SubstepPayload struct {
		Node    string          `json:"node"`
		Step    string          `json:"step"`
		Detail  string          `json:"detail,omitempty"`
		Metrics json.RawMessage `json:"metrics,omitempty"`
		TS      Timestamp       `json:"ts"`
	}

	// StepPayload is the body of a step event.
	StepPayload struct {
		Node     string  `json:"node"`
		Status   string  `json:"status"`
		Details  string  `json:"details,omitempty"`
		Duration Seconds `json:"duration,omitempty"`
	}

	// TextPayload is the body of events whose content is a single string
	// (interrupt, ui_generated, code_generated, data_download, analysis,
	// error).
	TextPayload struct {
		Content string `json:"content"`
	}

	// ListPayload is the body of events whose content is a list of strings
	// (insight_mined, python_images).
	ListPayload struct {
		Content []string `json:"content"`
	}

	// DetectiveInsightPayload is the body of a detective_insight event.
	DetectiveInsightPayload struct {
		Hypotheses json.RawMessage `json:"hypotheses"`
		Depth      int             `json:"depth"`
	}

	// ResultPayload is the body of a result event. Content is either a JSON
	// string or a JSON object.
	ResultPayload struct {
		Content json.RawMessage `json:"content"`
	}

	// ClarificationPayload is the body of a clarification event.
	ClarificationPayload struct {
		Content json.RawMessage `json:"content"`
	}

	// DataExportPayload is the body of a data_export event.
	DataExportPayload struct {
		Content []map[string]any `json:"content"`
	}

	// Visualization describes a chart or table view.
	Visualization struct {
		ChartType string          `json:"chart_type"`
		Option    json.RawMessage `json:"option,omitempty"`
		TableData json.RawMessage `json:"table_data,omitempty"`
	}

	// VisualizationPayload is the body of a visualization event.
	VisualizationPayload struct {
		Content Visualization `json:"content"`
	}

	// Timestamp decodes a substep timestamp sent either as Unix seconds
	// (fractional allowed), Unix milliseconds, or an RFC 3339 string.
	Timestamp struct {
		time.Time
	}

	// Seconds decodes a duration sent as a number of seconds or a numeric
	// string.
	Seconds struct {
		time.Duration
	}
)

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Text returns the result content as text. String content is returned as is;
// any other JSON value is returned in its compact encoding.
func (p ResultPayload) Text() string {
	raw := bytes.TrimSpace(p.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// IsTable reports whether the visualization is a table view.
func (v Visualization) IsTable() bool {
	return v.ChartType == ChartTypeTable
}

// millisThreshold separates Unix seconds from Unix milliseconds.
const millisThreshold = 1e12

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		t.Time = time.Time{}
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			t.Time = unixTime(n)
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", raw, err)
	}
	t.Time = unixTime(n)
	return nil
}

func unixTime(n float64) time.Time {
	if n >= millisThreshold {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Seconds) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		s.Duration = 0
		return nil
	}
	if raw[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		raw = strings.TrimSuffix(strings.TrimSpace(str), "s")
		if raw == "" {
			s.Duration = 0
			return nil
		}
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s: %w", raw, err)
	}
	s.Duration = time.Duration(n * float64(time.Second))
	return nil
}

// MarshalJSON encodes the duration as fractional seconds.
func (s Seconds) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(s.Seconds(), 'f', -1, 64)), nil
}
