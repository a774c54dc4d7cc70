package main

import (
	"strings"

	"goa.design/analyst/runtime/session"
)

// clarifyPrefix starts a line answering a pending clarification.
const clarifyPrefix = "/clarify"

// parseLine turns one input line into a turn request. "/clarify a, b" answers
// the pending clarification with the choices a and b; any other line is a new
// question.
func parseLine(line string) (session.Request, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return session.Request{}, false
	}
	rest, ok := strings.CutPrefix(line, clarifyPrefix)
	if !ok || (rest != "" && rest[0] != ' ') {
		return session.Request{Text: line, Command: session.CommandStart}, true
	}
	var choices []string
	for c := range strings.SplitSeq(rest, ",") {
		if c = strings.TrimSpace(c); c != "" {
			choices = append(choices, c)
		}
	}
	return session.Request{Command: session.CommandClarify, Choices: choices}, true
}
