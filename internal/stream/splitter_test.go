package stream

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/youruser/streamchat/internal/chat"
)

func TestSplitter(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []string
		want    []string
		pending string
	}{
		{"single line", []string{"a\n"}, []string{"a"}, ""},
		{"crlf", []string{"a\r\nb\r\n"}, []string{"a", "b"}, ""},
		{"split line", []string{"da", "ta: x\n"}, []string{"data: x"}, ""},
		{"split crlf", []string{"a\r", "\nb"}, []string{"a"}, "b"},
		{"empty lines", []string{"\n\n"}, []string{"", ""}, ""},
		{"no terminator", []string{"abc", "def"}, nil, "abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Splitter
			var got []string
			for _, c := range tt.chunks {
				got = append(got, s.Feed([]byte(c))...)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("lines (-want +got):\n%s", diff)
			}
			if s.Pending() != len(tt.pending) {
				t.Errorf("Pending() = %d, want %d", s.Pending(), len(tt.pending))
			}
			frag, ok := s.Flush()
			if ok != (tt.pending != "") || frag != tt.pending {
				t.Errorf("Flush() = %q, %v; want %q", frag, ok, tt.pending)
			}
			if s.Pending() != 0 {
				t.Error("Flush should reset the splitter")
			}
		})
	}
}

func TestParseLine(t *testing.T) {
	t.Run("ignored lines", func(t *testing.T) {
		for _, line := range []string{"", ": comment", "event: message", "data:", "data:   "} {
			deltas, err := ParseLine(DefaultPrefix, line)
			if err != nil || deltas != nil {
				t.Errorf("ParseLine(%q) = %v, %v; want nothing", line, deltas, err)
			}
		}
	})

	t.Run("prefix without space", func(t *testing.T) {
		deltas, err := ParseLine(DefaultPrefix, `data:{"content":"x"}`)
		if err != nil || len(deltas) != 1 {
			t.Fatalf("got %v, %v", deltas, err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseLine(DefaultPrefix, "data: {oops")
		if _, ok := err.(*ParseError); !ok {
			t.Errorf("err = %T, want *ParseError", err)
		}
	})

	t.Run("field order", func(t *testing.T) {
		line := `data: {"groundingMetadata":{"searchQueries":["q"]},"content":"c","thoughtTime":1,"reasoningContent":"r"}`
		deltas, err := ParseLine(DefaultPrefix, line)
		if err != nil {
			t.Fatal(err)
		}
		var kinds []string
		for _, d := range deltas {
			kinds = append(kinds, d.Kind())
		}
		want := []string{"content", "reasoning", "thought_time", "grounding"}
		if diff := cmp.Diff(want, kinds); diff != "" {
			t.Errorf("kinds (-want +got):\n%s", diff)
		}
	})

	t.Run("empty error string", func(t *testing.T) {
		_, err := ParseLine(DefaultPrefix, `data: {"error":""}`)
		serr, ok := err.(*chat.ServerError)
		if !ok || serr.Message != "unknown error" {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("null error is not an error", func(t *testing.T) {
		deltas, err := ParseLine(DefaultPrefix, `data: {"content":"x","error":null}`)
		if err != nil || len(deltas) != 1 {
			t.Errorf("got %v, %v", deltas, err)
		}
	})
}
