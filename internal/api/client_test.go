package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

type memCreds struct {
	mu    sync.Mutex
	token string
}

func (m *memCreds) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *memCreds) SetToken(t string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = t
	return nil
}

func mint(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestOpenStreamHTTP(t *testing.T) {
	var gotReq TurnRequest
	var gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/stream" || r.Method != "POST" {
			http.NotFound(w, r)
			return
		}
		gotSession = r.Header.Get(SessionHeader)
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		io.WriteString(w, "data: {\"content\":\"hi\"}\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", nil)
	body, err := c.OpenStream(context.Background(), TurnRequest{Content: "hello", Model: "m", SessionID: "anon-1"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer body.Close()
	raw, _ := io.ReadAll(body)
	if string(raw) != "data: {\"content\":\"hi\"}\n" {
		t.Errorf("body = %q", raw)
	}
	if gotReq.Content != "hello" || gotReq.Model != "m" {
		t.Errorf("request = %+v", gotReq)
	}
	if gotSession != "anon-1" {
		t.Errorf("session header = %q", gotSession)
	}
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   ErrorBody
		want   error
	}{
		{"quota", http.StatusTooManyRequests, ErrorBody{Error: "limit", Code: CodeQuotaExceeded}, ErrQuotaExceeded},
		{"rate limited", http.StatusTooManyRequests, ErrorBody{Error: "slow down"}, ErrRequestFailed},
		{"unauthorized", http.StatusUnauthorized, ErrorBody{Error: "no"}, ErrAuthRequired},
		{"server", http.StatusInternalServerError, ErrorBody{Error: "boom"}, ErrRequestFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, nil).OpenStream(context.Background(), TurnRequest{Content: "x"})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, nil).Usage(context.Background(), "s")
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
}

func TestAuthRequiredWithoutCredential(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, &memCreds{}).ListRooms(context.Background())
	if !errors.Is(err, ErrAuthRequired) {
		t.Errorf("err = %v, want ErrAuthRequired", err)
	}
	if called {
		t.Error("request sent without a credential")
	}
}

func TestBearerRefresh(t *testing.T) {
	fresh := mint(t, "u1", time.Now().Add(time.Hour))
	var refreshed int
	var seenAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/refresh":
			refreshed++
			writeJSON(w, http.StatusOK, TokenResponse{Token: fresh})
		case "/rooms":
			seenAuth = r.Header.Get("Authorization")
			writeJSON(w, http.StatusOK, []Room{{ID: "r1", Name: "First"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	t.Run("expiring token is refreshed", func(t *testing.T) {
		creds := &memCreds{token: mint(t, "u1", time.Now().Add(10*time.Second))}
		rooms, err := NewClient(srv.URL, creds).ListRooms(context.Background())
		if err != nil {
			t.Fatalf("ListRooms: %v", err)
		}
		if len(rooms) != 1 || rooms[0].ID != "r1" {
			t.Errorf("rooms = %+v", rooms)
		}
		if refreshed != 1 {
			t.Errorf("refreshed = %d, want 1", refreshed)
		}
		if creds.Token() != fresh || seenAuth != "Bearer "+fresh {
			t.Error("fresh token not stored or not sent")
		}
	})

	t.Run("valid token is sent as is", func(t *testing.T) {
		refreshed = 0
		creds := &memCreds{token: fresh}
		if _, err := NewClient(srv.URL, creds).ListRooms(context.Background()); err != nil {
			t.Fatal(err)
		}
		if refreshed != 0 {
			t.Errorf("refreshed = %d, want 0", refreshed)
		}
	})
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got, ok := tokenExpiry(mint(t, "u", exp))
	if !ok || !got.Equal(exp) {
		t.Errorf("tokenExpiry = %v, %v; want %v", got, ok, exp)
	}
	if _, ok := tokenExpiry("not-a-jwt"); ok {
		t.Error("opaque tokens have no expiry")
	}
}

func TestUploadAttachment(t *testing.T) {
	var got AttachmentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, map[string]string{"type": got.Type, "name": got.Name, "inlineData": "ref-1"})
	}))
	defer srv.Close()

	att, err := NewClient(srv.URL, nil).UploadAttachment(context.Background(), "a.txt", "text/plain", []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Data != "aGk=" {
		t.Errorf("data = %q, want base64 of payload", got.Data)
	}
	if att.InlineData != "ref-1" || att.Name != "a.txt" {
		t.Errorf("attachment = %+v", att)
	}
}

func TestOpenStreamWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req TurnRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		// Frames split inside a line.
		conn.WriteMessage(websocket.TextMessage, []byte("data: {\"content\":\""+req.Content))
		conn.WriteMessage(websocket.TextMessage, []byte("\"}\n"))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, WithTransport(TransportWebsocket))
	body, err := c.OpenStream(context.Background(), TurnRequest{Content: "echo"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(raw) != "data: {\"content\":\"echo\"}\n" {
		t.Errorf("body = %q", raw)
	}
}

func TestWebsocketURL(t *testing.T) {
	for in, want := range map[string]string{
		"http://a:1":  "ws://a:1",
		"https://a/b": "wss://a/b",
		"ws://a":      "ws://a",
	} {
		if got := websocketURL(in); got != want {
			t.Errorf("websocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}
