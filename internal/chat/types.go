package chat

import (
	"sync/atomic"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Citation is a source reference attached to an assistant message.
// Citations are keyed by URL.
type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// FunctionCall is one tool invocation reported by the model.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// CodeExecution is one code-execution result reported by the model.
type CodeExecution struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Output   string `json:"output,omitempty"`
}

// Source is a grounding source.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// GroundingMetadata describes the searches behind a grounded answer.
type GroundingMetadata struct {
	SearchQueries []string `json:"searchQueries,omitempty"`
	Sources       []Source `json:"sources,omitempty"`
}

// Attachment is a file sent along with a user message.
type Attachment struct {
	Type       string `json:"type"` // MIME type
	Name       string `json:"name"`
	InlineData string `json:"inlineData,omitempty"` // base64 payload or server reference
}

// Message is one turn of the conversation.
type Message struct {
	ID               int64              `json:"id"`
	Role             Role               `json:"role"`
	Content          string             `json:"content"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
	IsStreaming      bool               `json:"isStreaming,omitempty"`
	Failed           bool               `json:"failed,omitempty"`
	ReasoningContent string             `json:"reasoningContent,omitempty"`
	ThoughtTime      *float64           `json:"thoughtTime,omitempty"`
	Citations        []Citation         `json:"citations,omitempty"`
	FunctionCalls    []FunctionCall     `json:"functionCalls,omitempty"`
	CodeExecutions   []CodeExecution    `json:"codeExecutions,omitempty"`
	Grounding        *GroundingMetadata `json:"groundingMetadata,omitempty"`
	Attachments      []Attachment       `json:"attachments,omitempty"`
}

// Clone returns a copy of m that shares no slices or pointers with it.
// Function call argument maps are shared; they are never mutated after decode.
func (m Message) Clone() Message {
	c := m
	if m.ThoughtTime != nil {
		t := *m.ThoughtTime
		c.ThoughtTime = &t
	}
	c.Citations = append([]Citation(nil), m.Citations...)
	c.FunctionCalls = append([]FunctionCall(nil), m.FunctionCalls...)
	c.CodeExecutions = append([]CodeExecution(nil), m.CodeExecutions...)
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	if m.Grounding != nil {
		g := cloneGrounding(*m.Grounding)
		c.Grounding = &g
	}
	return c
}

func cloneGrounding(g GroundingMetadata) GroundingMetadata {
	return GroundingMetadata{
		SearchQueries: append([]string(nil), g.SearchQueries...),
		Sources:       append([]Source(nil), g.Sources...),
	}
}

var lastID atomic.Int64

// NewID returns an id derived from the current clock reading. Ids are
// strictly increasing within the process even when the clock stalls.
func NewID() int64 {
	for {
		now := time.Now().UnixNano()
		prev := lastID.Load()
		if now <= prev {
			now = prev + 1
		}
		if lastID.CompareAndSwap(prev, now) {
			return now
		}
	}
}

// NewUserMessage returns a finalized user message.
func NewUserMessage(content string, attachments []Attachment, now time.Time) Message {
	return Message{
		ID:          NewID(),
		Role:        RoleUser,
		Content:     content,
		CreatedAt:   now,
		UpdatedAt:   now,
		Attachments: append([]Attachment(nil), attachments...),
	}
}

// NewAssistantMessage returns an empty assistant message in streaming state.
func NewAssistantMessage(now time.Time) Message {
	return Message{
		ID:          NewID(),
		Role:        RoleAssistant,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsStreaming: true,
	}
}
