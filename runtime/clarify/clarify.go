// Package clarify extracts disambiguation requests that the agent embeds in
// free-form result text and merges partial requests into the one already
// shown to the user.
//
// Extraction is best-effort: any text that does not carry a well-formed
// request is reported as absent and the caller keeps it as plain content.
package clarify

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Mode is the input mode of a clarification.
type Mode string

const (
	// ModeSelect asks for a single choice.
	ModeSelect Mode = "select"
	// ModeMultiple allows several choices.
	ModeMultiple Mode = "multiple"
)

// Scope tags what a clarification disambiguates.
type Scope string

const (
	ScopeTask   Scope = "task"
	ScopeSchema Scope = "schema"
	ScopeParam  Scope = "param"
)

// StatusAmbiguous is the status value that marks embedded JSON as a
// clarification request.
const StatusAmbiguous = "AMBIGUOUS"

type (
	// Clarification is a pending disambiguation request.
	Clarification struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
		Mode     Mode     `json:"mode"`
		Scope    Scope    `json:"scope,omitempty"`
	}

	// Partial is a possibly incomplete request. Empty fields are absent and
	// leave the stored value untouched when merged.
	Partial struct {
		Question string
		Options  []string
		Mode     Mode
		Scope    Scope
	}

	// Strategy locates a JSON object candidate in text.
	Strategy struct {
		Name string
		Find func(text string) (string, bool)
	}

	// wire is the JSON shape of an embedded request.
	wire struct {
		Status   string   `json:"status"`
		Question string   `json:"question"`
		Options  []string `json:"options"`
		Type     string   `json:"type"`
		Scope    string   `json:"scope"`
	}
)

// candidateSchema accepts any object whose known fields are well typed.
const candidateSchema = `{
	"type": "object",
	"properties": {
		"status": {"type": "string"},
		"question": {"type": ["string", "null"]},
		"options": {"type": ["array", "null"], "items": {"type": "string"}},
		"type": {"type": ["string", "null"]},
		"scope": {"type": ["string", "null"]}
	}
}`

// ambiguousSchema accepts candidates that ask for disambiguation.
const ambiguousSchema = `{
	"required": ["status"],
	"properties": {"status": {"const": "AMBIGUOUS"}}
}`

// requestSchema accepts standalone requests: at least a question or one
// option must be present.
const requestSchema = `{
	"anyOf": [
		{"required": ["question"], "properties": {"question": {"type": "string", "minLength": 1}}},
		{"required": ["options"], "properties": {"options": {"type": "array", "minItems": 1}}}
	]
}`

var (
	fencedRE = regexp.MustCompile("(?s)```json[ \t]*\\r?\\n?(.*?)```")
	braceRE  = regexp.MustCompile(`(?s)\{.*\}`)

	// Strategies lists the extraction strategies in the order they are tried.
	Strategies = []Strategy{
		{Name: "fenced", Find: fenced},
		{Name: "leading", Find: leading},
		{Name: "greedy", Find: greedy},
	}

	candidate = mustCompile("candidate.json", candidateSchema)
	ambiguous = mustCompile("ambiguous.json", ambiguousSchema)
	request   = mustCompile("request.json", requestSchema)
)

// Extract looks for an embedded request in text. Strategies are tried in
// order; a candidate that fails to parse or validate falls through to the
// next strategy. The first well-formed candidate decides: it returns false
// unless that candidate has status AMBIGUOUS.
func Extract(text string) (Partial, bool) {
	for _, s := range Strategies {
		found, ok := s.Find(text)
		if !ok {
			continue
		}
		doc, w, err := decode([]byte(found))
		if err != nil {
			continue
		}
		if ambiguous.Validate(doc) != nil {
			return Partial{}, false
		}
		return w.partial(), true
	}
	return Partial{}, false
}

// FromObject decodes a request delivered as a JSON object. The status field
// is not required but the object must carry a question or at least one
// option.
func FromObject(raw json.RawMessage) (Partial, error) {
	doc, w, err := decode(raw)
	if err != nil {
		return Partial{}, err
	}
	if err := request.Validate(doc); err != nil {
		return Partial{}, fmt.Errorf("clarification has neither question nor options: %w", err)
	}
	return w.partial(), nil
}

// Merge folds p into existing and returns the result. existing is not
// modified; nil means no request is stored yet. Options and question are kept
// unless p supplies non-empty values; mode and scope from p win when present.
func Merge(existing *Clarification, p Partial) *Clarification {
	out := Clarification{Mode: ModeSelect}
	if existing != nil {
		out = *existing
		out.Options = append([]string(nil), existing.Options...)
	}
	if p.Question != "" {
		out.Question = p.Question
	}
	if len(p.Options) > 0 {
		out.Options = append([]string(nil), p.Options...)
	}
	if out.Options == nil {
		out.Options = []string{}
	}
	if p.Mode != "" {
		out.Mode = p.Mode
	}
	if p.Scope != "" {
		out.Scope = p.Scope
	}
	return &out
}

// Clone returns a deep copy of c.
func (c *Clarification) Clone() *Clarification {
	if c == nil {
		return nil
	}
	out := *c
	out.Options = append([]string(nil), c.Options...)
	return &out
}

func fenced(text string) (string, bool) {
	m := fencedRE.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

func leading(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return "", false
	}
	return text, true
}

func greedy(text string) (string, bool) {
	m := braceRE.FindString(text)
	return m, m != ""
}

// decode returns the generic document, for further schema checks, and its
// typed form.
func decode(raw []byte) (any, wire, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, wire{}, fmt.Errorf("unmarshal clarification: %w", err)
	}
	if err := candidate.Validate(doc); err != nil {
		return nil, wire{}, fmt.Errorf("validate clarification: %w", err)
	}
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, wire{}, fmt.Errorf("decode clarification: %w", err)
	}
	return doc, w, nil
}

func (w wire) partial() Partial {
	p := Partial{Question: w.Question, Options: w.Options}
	if w.Type != "" {
		p.Mode = ModeSelect
		if Mode(w.Type) == ModeMultiple {
			p.Mode = ModeMultiple
		}
	}
	switch s := Scope(w.Scope); s {
	case ScopeTask, ScopeSchema, ScopeParam:
		p.Scope = s
	}
	return p
}

func mustCompile(name, doc string) *jsonschema.Schema {
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		panic(fmt.Sprintf("clarify: invalid schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, v); err != nil {
		panic(fmt.Sprintf("clarify: add schema resource %s: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("clarify: compile schema %s: %v", name, err))
	}
	return s
}
