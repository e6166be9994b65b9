package chat

import (
	"errors"
	"fmt"
	"time"
)

const (
	// StoppedMarker is appended to partial content when the user cancels.
	StoppedMarker = "\n\n[Response stopped by user]"
	// StoppedPlaceholder replaces empty content when the user cancels.
	StoppedPlaceholder = "Response stopped before any output."
	// FailureNotice replaces or annotates content when a turn fails.
	FailureNotice = "Something went wrong while generating this response. Please try again."
	// QuotaNotice ends a turn the server refused for lack of free messages.
	QuotaNotice = "You have used all free messages. Sign in to keep chatting."
)

var ErrUnknownDelta = errors.New("unknown delta kind")

// Merge folds d into m and returns the new message. m is not modified.
func Merge(m Message, d Delta) (Message, error) {
	out := m.Clone()
	switch d := d.(type) {
	case ContentDelta:
		out.Content += d.Text
	case ReasoningDelta:
		out.ReasoningContent += d.Text
	case ThoughtTimeDelta:
		secs := d.Seconds
		out.ThoughtTime = &secs
	case CitationDelta:
		out.Citations = mergeCitations(out.Citations, d.Citations)
	case FunctionCallDelta:
		out.FunctionCalls = append(out.FunctionCalls, d.Call)
	case CodeExecutionDelta:
		out.CodeExecutions = append(out.CodeExecutions, d.Execution)
	case GroundingDelta:
		// Replaced, not accumulated: each grounding event describes the
		// whole search state at that point of the answer.
		g := cloneGrounding(d.Metadata)
		out.Grounding = &g
	default:
		return m, fmt.Errorf("%w: %T", ErrUnknownDelta, d)
	}
	return out, nil
}

// MergeAll folds deltas into m in order. On error the original m is returned.
func MergeAll(m Message, deltas []Delta) (Message, error) {
	out := m
	for _, d := range deltas {
		next, err := Merge(out, d)
		if err != nil {
			return m, err
		}
		out = next
	}
	return out, nil
}

func mergeCitations(existing, incoming []Citation) []Citation {
	seen := make(map[string]bool, len(existing)+len(incoming))
	for _, c := range existing {
		seen[c.URL] = true
	}
	for _, c := range incoming {
		if seen[c.URL] {
			continue
		}
		seen[c.URL] = true
		existing = append(existing, c)
	}
	return existing
}

// Finalize marks m as no longer streaming.
func Finalize(m Message, now time.Time) Message {
	out := m.Clone()
	out.IsStreaming = false
	out.UpdatedAt = now
	return out
}

// Fail ends m with a failure notice.
func Fail(m Message, now time.Time) Message {
	return FailWith(m, now, FailureNotice)
}

// FailWith ends m as failed, replacing empty content with notice or
// appending notice to partial content.
func FailWith(m Message, now time.Time, notice string) Message {
	out := Finalize(m, now)
	out.Failed = true
	if out.Content == "" {
		out.Content = notice
	} else {
		out.Content += "\n\n" + notice
	}
	return out
}

// Stop ends m after a user cancellation. Partial content is kept and
// marked; a message with no content is replaced by a placeholder and
// stripped of everything else that arrived.
func Stop(m Message, now time.Time) Message {
	out := Finalize(m, now)
	if out.Content != "" {
		out.Content += StoppedMarker
		return out
	}
	out.Content = StoppedPlaceholder
	out.ReasoningContent = ""
	out.Citations = nil
	out.FunctionCalls = nil
	out.CodeExecutions = nil
	out.Grounding = nil
	return out
}
