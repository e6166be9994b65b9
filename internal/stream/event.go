package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/youruser/streamchat/internal/chat"
)

// DefaultPrefix marks event lines in the response body.
const DefaultPrefix = "data:"

// doneMarker is accepted as an explicit end of stream.
const doneMarker = "[DONE]"

// wireEvent is one JSON object from the stream. Every field is optional.
type wireEvent struct {
	Content           *string                 `json:"content,omitempty"`
	ReasoningContent  *string                 `json:"reasoningContent,omitempty"`
	ThoughtTime       *float64                `json:"thoughtTime,omitempty"`
	Citations         []chat.Citation         `json:"citations,omitempty"`
	FunctionCall      *chat.FunctionCall      `json:"functionCall,omitempty"`
	CodeExecution     *chat.CodeExecution     `json:"codeExecution,omitempty"`
	GroundingMetadata *chat.GroundingMetadata `json:"groundingMetadata,omitempty"`
	Error             json.RawMessage         `json:"error,omitempty"`
}

// ParseError reports an event line that could not be decoded.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed stream event %q: %v", truncate(e.Line, 120), e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// lineResult classifies one line of the body.
type lineResult int

const (
	lineIgnored lineResult = iota
	lineDeltas
	lineDone
)

// ParseLine decodes one body line. Lines without the prefix, and event
// lines with nothing after the prefix, produce no deltas. An event
// carrying "error" yields a *chat.ServerError and no deltas.
func ParseLine(prefix, line string) ([]chat.Delta, error) {
	deltas, _, err := parseLine(prefix, line)
	return deltas, err
}

func parseLine(prefix, line string) ([]chat.Delta, lineResult, error) {
	if !strings.HasPrefix(line, prefix) {
		return nil, lineIgnored, nil
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if data == "" {
		return nil, lineIgnored, nil
	}
	if data == doneMarker {
		return nil, lineDone, nil
	}

	var ev wireEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, lineIgnored, &ParseError{Line: data, Err: err}
	}

	if msg, ok := errorMessage(ev.Error); ok {
		return nil, lineIgnored, &chat.ServerError{Message: msg}
	}

	deltas := ev.deltas()
	if len(deltas) == 0 {
		return nil, lineIgnored, nil
	}
	return deltas, lineDeltas, nil
}

// errorMessage accepts "error" as a string or as an object with a message.
func errorMessage(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			s = "unknown error"
		}
		return s, true
	}
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && (obj.Message != "" || obj.Code != "") {
		if obj.Message == "" {
			return obj.Code, true
		}
		return obj.Message, true
	}
	return string(raw), true
}

// deltas splits the event into typed deltas in a fixed order.
func (ev wireEvent) deltas() []chat.Delta {
	var out []chat.Delta
	if ev.Content != nil && *ev.Content != "" {
		out = append(out, chat.ContentDelta{Text: *ev.Content})
	}
	if ev.ReasoningContent != nil && *ev.ReasoningContent != "" {
		out = append(out, chat.ReasoningDelta{Text: *ev.ReasoningContent})
	}
	if ev.ThoughtTime != nil {
		out = append(out, chat.ThoughtTimeDelta{Seconds: *ev.ThoughtTime})
	}
	if len(ev.Citations) > 0 {
		out = append(out, chat.CitationDelta{Citations: ev.Citations})
	}
	if ev.FunctionCall != nil {
		out = append(out, chat.FunctionCallDelta{Call: *ev.FunctionCall})
	}
	if ev.CodeExecution != nil {
		out = append(out, chat.CodeExecutionDelta{Execution: *ev.CodeExecution})
	}
	if ev.GroundingMetadata != nil {
		out = append(out, chat.GroundingDelta{Metadata: *ev.GroundingMetadata})
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
