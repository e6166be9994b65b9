package stub

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/youruser/streamchat/internal/api"
	"github.com/youruser/streamchat/internal/chat"
)

// Script turns a turn request into the event lines of its response body.
// Each returned line must end in "\n".
type Script func(req api.TurnRequest) []string

// event mirrors one wire event; unset fields are omitted.
type event struct {
	Content           string                  `json:"content,omitempty"`
	ReasoningContent  string                  `json:"reasoningContent,omitempty"`
	ThoughtTime       *float64                `json:"thoughtTime,omitempty"`
	Citations         []chat.Citation         `json:"citations,omitempty"`
	FunctionCall      *chat.FunctionCall      `json:"functionCall,omitempty"`
	CodeExecution     *chat.CodeExecution     `json:"codeExecution,omitempty"`
	GroundingMetadata *chat.GroundingMetadata `json:"groundingMetadata,omitempty"`
	Error             string                  `json:"error,omitempty"`
}

// Line encodes ev as one "data:" line.
func Line(ev any) string {
	b, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	return "data: " + string(b) + "\n"
}

// Commands recognized by DefaultScript at the start of the message.
const (
	CmdError  = "/error"
	CmdSearch = "/search"
	CmdCode   = "/code"
	CmdEmpty  = "/empty"
)

// DefaultScript echoes the message back word by word, preceded by a
// reasoning track. Leading commands select other shapes.
func DefaultScript(req api.TurnRequest) []string {
	content := strings.TrimSpace(req.Content)
	thought := 0.4

	lines := []string{
		Line(event{ReasoningContent: "Reading the message. "}),
		Line(event{ReasoningContent: "Composing a reply.", ThoughtTime: &thought}),
		": keep-alive\n",
	}

	switch {
	case strings.HasPrefix(content, CmdError):
		return append(lines,
			Line(event{Content: "Partial"}),
			Line(event{Error: "model overloaded"}),
		)

	case strings.HasPrefix(content, CmdEmpty):
		return lines

	case strings.HasPrefix(content, CmdSearch):
		q := strings.TrimSpace(strings.TrimPrefix(content, CmdSearch))
		src := []chat.Source{{URL: "https://example.com/" + slug(q), Title: q}}
		lines = append(lines,
			Line(event{FunctionCall: &chat.FunctionCall{Name: "search", Args: map[string]any{"q": q}}}),
			Line(event{GroundingMetadata: &chat.GroundingMetadata{SearchQueries: []string{q}}}),
			Line(event{GroundingMetadata: &chat.GroundingMetadata{SearchQueries: []string{q}, Sources: src}}),
			Line(event{Citations: []chat.Citation{{URL: src[0].URL, Title: q}}}),
			Line(event{Citations: []chat.Citation{{URL: src[0].URL, Title: q}, {URL: "https://example.org/", Title: "More"}}}),
		)
		content = "Results for " + q

	case strings.HasPrefix(content, CmdCode):
		code := strings.TrimSpace(strings.TrimPrefix(content, CmdCode))
		lines = append(lines, Line(event{CodeExecution: &chat.CodeExecution{
			Language: "python", Code: code, Outcome: "OUTCOME_OK", Output: "ok",
		}}))
		content = "Ran it."

	default:
		content = "You said: " + content
	}

	for i, w := range strings.Fields(content) {
		if i > 0 {
			w = " " + w
		}
		lines = append(lines, Line(event{Content: w}))
	}
	return lines
}

func slug(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), "-"))
}

// Reply returns the content DefaultScript streams for content, as the
// message ends up after merging.
func Reply(content string) string {
	content = strings.TrimSpace(content)
	switch {
	case strings.HasPrefix(content, CmdSearch):
		return "Results for " + strings.Join(strings.Fields(strings.TrimPrefix(content, CmdSearch)), " ")
	case strings.HasPrefix(content, CmdCode):
		return "Ran it."
	case strings.HasPrefix(content, CmdEmpty):
		return ""
	case strings.HasPrefix(content, CmdError):
		return "Partial"
	}
	return strings.Join(strings.Fields(fmt.Sprintf("You said: %s", content)), " ")
}
