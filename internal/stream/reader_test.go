package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/youruser/streamchat/internal/chat"
)

// chunkedReader returns one chunk per Read call.
type chunkedReader struct {
	chunks [][]byte
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func chunks(parts ...string) *chunkedReader {
	r := &chunkedReader{}
	for _, p := range parts {
		r.chunks = append(r.chunks, []byte(p))
	}
	return r
}

const transcript = "data: {\"content\":\"Hel\"}\n" +
	"\n" +
	": keep-alive comment\n" +
	"data: {\"content\":\"lo ✓\",\"reasoningContent\":\"why\"}\r\n" +
	"data: {\"thoughtTime\":2.5}\n" +
	"data: {\"citations\":[{\"url\":\"a\"}]}\n" +
	"data: {\"citations\":[{\"url\":\"a\"},{\"url\":\"b\",\"title\":\"B\"}]}\n" +
	"data: {\"functionCall\":{\"name\":\"search\",\"args\":{\"q\":\"go\"}}}\n" +
	"data: {\"codeExecution\":{\"language\":\"python\",\"code\":\"1+1\",\"output\":\"2\"}}\n" +
	"data: {\"groundingMetadata\":{\"searchQueries\":[\"q1\"]}}\n" +
	"data: {\"groundingMetadata\":{\"searchQueries\":[\"q2\"],\"sources\":[{\"url\":\"s\"}]}}\n" +
	"data: {\"content\":\"!\"}"

// assemble reads every delta and folds it into a fresh assistant message.
func assemble(t *testing.T, body io.Reader) chat.Message {
	t.Helper()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := chat.NewAssistantMessage(start)
	m.ID = 1
	r := NewReader(body, "")
	for {
		deltas, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return chat.Finalize(m, start)
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		m, err = chat.MergeAll(m, deltas)
		if err != nil {
			t.Fatalf("MergeAll: %v", err)
		}
	}
}

func TestReaderAssemblesTranscript(t *testing.T) {
	m := assemble(t, strings.NewReader(transcript))

	if m.Content != "Hello ✓!" {
		t.Errorf("Content = %q", m.Content)
	}
	if m.ReasoningContent != "why" {
		t.Errorf("ReasoningContent = %q", m.ReasoningContent)
	}
	if m.ThoughtTime == nil || *m.ThoughtTime != 2.5 {
		t.Errorf("ThoughtTime = %v", m.ThoughtTime)
	}
	wantCitations := []chat.Citation{{URL: "a"}, {URL: "b", Title: "B"}}
	if diff := cmp.Diff(wantCitations, m.Citations); diff != "" {
		t.Errorf("citations (-want +got):\n%s", diff)
	}
	if len(m.FunctionCalls) != 1 || m.FunctionCalls[0].Args["q"] != "go" {
		t.Errorf("FunctionCalls = %+v", m.FunctionCalls)
	}
	if len(m.CodeExecutions) != 1 {
		t.Errorf("CodeExecutions = %+v", m.CodeExecutions)
	}
	if m.Grounding == nil || len(m.Grounding.SearchQueries) != 1 || m.Grounding.SearchQueries[0] != "q2" {
		t.Errorf("Grounding = %+v", m.Grounding)
	}
}

// Every split point, including inside JSON and inside the multi-byte
// check mark, must produce the same message.
func TestReaderBoundaryIndependence(t *testing.T) {
	want := assemble(t, strings.NewReader(transcript))
	raw := []byte(transcript)

	for i := 1; i < len(raw); i++ {
		got := assemble(t, &chunkedReader{chunks: [][]byte{raw[:i], raw[i:]}})
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("split at %d differs (-want +got):\n%s", i, diff)
		}
	}

	t.Run("byte at a time", func(t *testing.T) {
		var parts [][]byte
		for i := range raw {
			parts = append(parts, raw[i:i+1])
		}
		got := assemble(t, &chunkedReader{chunks: parts})
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("byte-at-a-time differs (-want +got):\n%s", diff)
		}
	})
}

func TestReaderHelloSplitAcrossReads(t *testing.T) {
	one := assemble(t, chunks("data: {\"content\":\"Hel\"}\ndata: {\"content\":\"lo\"}\n"))
	two := assemble(t, chunks("data: {\"content\":\"Hel\"}\ndata: {\"con", "tent\":\"lo\"}\n"))
	if one.Content != "Hello" || two.Content != "Hello" {
		t.Errorf("Content = %q / %q, want Hello", one.Content, two.Content)
	}
}

func TestReaderSkipsMalformedLines(t *testing.T) {
	body := chunks("data: {\"content\":\"a\"}\n", "data: {not json}\n", "data: {\"content\":\"b\"}\n")
	r := NewReader(body, "")
	var skipped []*ParseError
	r.OnParseError = func(e *ParseError) { skipped = append(skipped, e) }

	var content string
	for {
		deltas, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		for _, d := range deltas {
			content += d.(chat.ContentDelta).Text
		}
	}
	if content != "ab" {
		t.Errorf("content = %q, want %q", content, "ab")
	}
	if len(skipped) != 1 {
		t.Errorf("skipped = %d, want 1", len(skipped))
	}
}

func TestReaderServerError(t *testing.T) {
	body := chunks(
		"data: {\"content\":\"partial\"}\n",
		"data: {\"content\":\"dropped\",\"error\":\"model overloaded\"}\n",
		"data: {\"content\":\"never\"}\n",
	)
	r := NewReader(body, "")
	if _, err := r.Next(context.Background()); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	deltas, err := r.Next(context.Background())
	var serr *chat.ServerError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *chat.ServerError", err)
	}
	if serr.Message != "model overloaded" {
		t.Errorf("Message = %q", serr.Message)
	}
	if deltas != nil {
		t.Errorf("deltas = %v, want none alongside error", deltas)
	}
	if _, err := r.Next(context.Background()); !errors.As(err, &serr) {
		t.Errorf("error should be sticky, got %v", err)
	}

	t.Run("object form", func(t *testing.T) {
		_, err := ParseLine("data:", `data: {"error":{"message":"quota","code":"429"}}`)
		if !errors.As(err, &serr) || serr.Message != "quota" {
			t.Errorf("err = %v", err)
		}
	})
}

func TestReaderCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	r := NewReader(pr, "")

	go func() {
		_, _ = pw.Write([]byte("data: {\"content\":\"x\"}\n"))
	}()
	if _, err := r.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}

	cancel()
	// closing the body mirrors what the HTTP transport does on cancel
	pw.CloseWithError(errors.New("connection reset"))

	_, err := r.Next(ctx)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
	var nerr *NetworkError
	if errors.As(err, &nerr) {
		t.Error("cancellation must not be reported as a network error")
	}
}

func TestReaderNetworkError(t *testing.T) {
	pr, pw := io.Pipe()
	pw.CloseWithError(errors.New("connection reset"))
	_, err := NewReader(pr, "").Next(context.Background())
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
}

func TestReaderDoneMarker(t *testing.T) {
	r := NewReader(chunks("data: {\"content\":\"a\"}\ndata: [DONE]\ndata: {\"content\":\"b\"}\n"), "")
	if _, err := r.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF after [DONE]", err)
	}
}

func TestReaderCustomPrefix(t *testing.T) {
	r := NewReader(chunks("event: {\"content\":\"a\"}\ndata: {\"content\":\"b\"}\n"), "event:")
	deltas, err := r.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := deltas[0].(chat.ContentDelta).Text; got != "a" {
		t.Errorf("got %q, want a", got)
	}
	if _, err := r.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
}
