package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// openWebsocket dials the websocket endpoint and sends req as the first
// frame. Every text frame received afterwards is one chunk of the body.
func (c *Client) openWebsocket(ctx context.Context, req TurnRequest, token string) (io.ReadCloser, error) {
	wsURL := websocketURL(c.baseURL) + "/chat/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	} else if req.SessionID != "" {
		header.Set(SessionHeader, req.SessionID)
	}

	log.Debug("WS dial %s (model: %s, room: %s)", wsURL, req.Model, req.RoomID)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, c.statusError(resp)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Error("WS dial failed: %v", err)
		return nil, &NetworkError{Op: "open stream", Err: err}
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, &NetworkError{Op: "send turn request", Err: err}
	}

	b := &wsBody{conn: conn, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			b.Close()
		case <-b.done:
		}
	}()
	return b, nil
}

// wsBody adapts a websocket connection to an io.ReadCloser. A normal
// close frame reads as io.EOF.
type wsBody struct {
	conn    *websocket.Conn
	current io.Reader
	once    sync.Once
	done    chan struct{}
}

func (b *wsBody) Read(p []byte) (int, error) {
	for {
		if b.current == nil {
			mt, r, err := b.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.TextMessage {
				continue
			}
			b.current = r
		}
		n, err := b.current.Read(p)
		if errors.Is(err, io.EOF) {
			b.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (b *wsBody) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		_ = b.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = b.conn.Close()
	})
	return err
}

func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
