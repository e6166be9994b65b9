package chat

import "fmt"

// Delta is one partial update to the streaming assistant message.
// The set of implementations is closed; Merge handles each of them.
type Delta interface {
	// Kind names the delta for logs and metrics.
	Kind() string
	isDelta()
}

// ContentDelta appends a fragment to Content.
type ContentDelta struct {
	Text string
}

// ReasoningDelta appends a fragment to ReasoningContent.
type ReasoningDelta struct {
	Text string
}

// ThoughtTimeDelta replaces ThoughtTime.
type ThoughtTimeDelta struct {
	Seconds float64
}

// CitationDelta adds citations not yet present (by URL).
type CitationDelta struct {
	Citations []Citation
}

// FunctionCallDelta appends one function call.
type FunctionCallDelta struct {
	Call FunctionCall
}

// CodeExecutionDelta appends one code execution result.
type CodeExecutionDelta struct {
	Execution CodeExecution
}

// GroundingDelta replaces the grounding metadata wholesale.
type GroundingDelta struct {
	Metadata GroundingMetadata
}

func (ContentDelta) Kind() string       { return "content" }
func (ReasoningDelta) Kind() string     { return "reasoning" }
func (ThoughtTimeDelta) Kind() string   { return "thought_time" }
func (CitationDelta) Kind() string      { return "citations" }
func (FunctionCallDelta) Kind() string  { return "function_call" }
func (CodeExecutionDelta) Kind() string { return "code_execution" }
func (GroundingDelta) Kind() string     { return "grounding" }

func (ContentDelta) isDelta()       {}
func (ReasoningDelta) isDelta()     {}
func (ThoughtTimeDelta) isDelta()   {}
func (CitationDelta) isDelta()      {}
func (FunctionCallDelta) isDelta()  {}
func (CodeExecutionDelta) isDelta() {}
func (GroundingDelta) isDelta()     {}

// ServerError is an error event sent by the server inside the stream.
// It ends the turn.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}
