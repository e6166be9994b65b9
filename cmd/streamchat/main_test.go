package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/youruser/streamchat/internal/api"
	"github.com/youruser/streamchat/internal/chat"
	"github.com/youruser/streamchat/internal/config"
	"github.com/youruser/streamchat/internal/room"
	"github.com/youruser/streamchat/internal/session"
	"github.com/youruser/streamchat/internal/store"
	"github.com/youruser/streamchat/internal/stream"
	"github.com/youruser/streamchat/internal/turn"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "quota", err: fmt.Errorf("send: %w", session.ErrQuotaExceeded), want: "Free message limit reached"},
		{name: "auth", err: api.ErrAuthRequired, want: "Sign in required"},
		{name: "in progress", err: turn.ErrTurnInProgress, want: "already streaming"},
		{name: "busy", err: room.ErrBusy, want: "Cannot change rooms"},
		{name: "no room", err: room.ErrRoomNotFound, want: "Room not found"},
		{name: "server", err: &chat.ServerError{Message: "overloaded"}, want: "Server error: overloaded"},
		{name: "stream read", err: &stream.NetworkError{Err: errors.New("reset")}, want: "Connection lost"},
		{name: "dial", err: &api.NetworkError{Op: "POST /chat/stream", Err: errors.New("refused")}, want: "Cannot reach the server: refused"},
		{name: "transport", err: config.ErrInvalidTransport, want: "transport must be"},
		{name: "other", err: errors.New("boom"), want: "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorMessage(tt.err); !strings.Contains(got, tt.want) {
				t.Fatalf("errorMessage(%v) = %q, want it to contain %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestQuotaLine(t *testing.T) {
	tests := []struct {
		s    session.Session
		want string
	}{
		{session.Session{Quota: session.Quota{Remaining: 1}}, "1 free message left"},
		{session.Session{Quota: session.Quota{Remaining: 3}}, "3 free messages left"},
		{session.Session{Degraded: true, Quota: session.Quota{Remaining: 0}}, "0 free messages left (offline estimate)"},
		{session.Session{Mode: session.Authenticated}, "Signed in"},
	}
	for _, tt := range tests {
		if got := quotaLine(tt.s); got != tt.want {
			t.Errorf("quotaLine(%+v) = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestResultLine(t *testing.T) {
	res := turn.Result{
		Outcome:  turn.Completed,
		Tokens:   chat.TokenUsage{Content: 1200, Reasoning: 34},
		Duration: 1234 * time.Millisecond,
	}
	if got, want := resultLine(res), "[completed, 1,234 tokens, 1.23s]"; got != want {
		t.Fatalf("resultLine = %q, want %q", got, want)
	}
}

func TestPrinterWritesGrowth(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	p.OnTurnStarted(chat.Message{ID: 1}, chat.Message{ID: 2})

	send := func(kind store.EventKind, id int64, content string) {
		p.handle(store.Event{Kind: kind, Message: chat.Message{ID: id, Content: content}})
	}
	send(store.Updated, 2, "Hel")
	send(store.Updated, 2, "Hello")
	send(store.Updated, 2, "Hello")
	send(store.Updated, 9, "other message")
	send(store.Appended, 2, "ignored")
	send(store.TurnCompleted, 2, "Hello"+chat.StoppedMarker)

	if got, want := buf.String(), "Hello"+chat.StoppedMarker; got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}

	t.Run("replaced content starts a new line", func(t *testing.T) {
		buf.Reset()
		p.OnTurnStarted(chat.Message{ID: 3}, chat.Message{ID: 4})
		send(store.Updated, 4, "draft")
		send(store.Updated, 4, chat.StoppedPlaceholder)
		if got, want := buf.String(), "draft\n"+chat.StoppedPlaceholder; got != want {
			t.Fatalf("output = %q, want %q", got, want)
		}
	})
}

func TestRoomLabel(t *testing.T) {
	if got := roomLabel(api.Room{ID: "r1"}); got != "(untitled) [r1]" {
		t.Errorf("roomLabel = %q", got)
	}
	if got := roomLabel(api.Room{ID: "r1", Name: "Go"}); got != "Go [r1]" {
		t.Errorf("roomLabel = %q", got)
	}
}
