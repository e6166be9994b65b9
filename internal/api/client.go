// Package api talks to the chat backend.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/youruser/streamchat/internal/chat"
	"github.com/youruser/streamchat/internal/logging"
)

var (
	ErrRequestFailed = errors.New("API request failed")
	ErrAuthRequired  = errors.New("authentication required")
	ErrQuotaExceeded = errors.New("anonymous quota exceeded")
	log              = logging.Get()
)

// NetworkError wraps a transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

const (
	defaultRequestTimeout = 30 * time.Second
	// Tokens expiring within this window are refreshed before use.
	refreshWindow = time.Minute
)

// Credentials holds the bearer token of a signed-in user.
type Credentials interface {
	// Token returns the stored token, or "" when signed out.
	Token() string
	SetToken(token string) error
}

// Transport selects how the stream is opened.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportWebsocket Transport = "websocket"
)

// Client handles communication with the chat backend.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	creds          Credentials
	transport      Transport
	requestTimeout time.Duration
	now            func() time.Time
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// NewClient creates a new backend client. creds may be nil for a client
// that never authenticates.
func NewClient(baseURL string, creds Credentials, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		httpClient:     &http.Client{},
		creds:          creds,
		transport:      TransportHTTP,
		requestTimeout: defaultRequestTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Authenticated reports whether a credential is held.
func (c *Client) Authenticated() bool {
	return c.creds != nil && c.creds.Token() != ""
}

// OpenStream starts an assistant turn and returns the raw response body.
// Cancelling ctx closes the body.
func (c *Client) OpenStream(ctx context.Context, req TurnRequest) (io.ReadCloser, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	if c.transport == TransportWebsocket {
		return c.openWebsocket(ctx, req, token)
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/stream", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.setAuth(httpReq, token, req.SessionID)

	log.Debug("HTTP POST %s/chat/stream (model: %s, room: %s, attachments: %d)",
		c.baseURL, req.Model, req.RoomID, len(req.Attachments))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Error("HTTP request failed: %v", err)
		return nil, &NetworkError{Op: "open stream", Err: err}
	}
	log.Debug("HTTP response status: %d", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}
	return resp.Body, nil
}

// Login exchanges a username and password for a token and stores it.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var out TokenResponse
	if err := c.do(ctx, "POST", "/auth/login", LoginRequest{Username: username, Password: password}, &out, callOpts{}); err != nil {
		return "", err
	}
	if c.creds != nil {
		if err := c.creds.SetToken(out.Token); err != nil {
			return "", err
		}
	}
	return out.Token, nil
}

// ListRooms returns the signed-in user's rooms.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.do(ctx, "GET", "/rooms", nil, &rooms, callOpts{auth: true}); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (c *Client) CreateRoom(ctx context.Context, name string) (Room, error) {
	var room Room
	err := c.do(ctx, "POST", "/rooms", RoomRequest{Name: name}, &room, callOpts{auth: true})
	return room, err
}

func (c *Client) RenameRoom(ctx context.Context, id, name string) (Room, error) {
	var room Room
	err := c.do(ctx, "PATCH", "/rooms/"+url.PathEscape(id), RoomRequest{Name: name}, &room, callOpts{auth: true})
	return room, err
}

// RoomMessages fetches the stored history of a room, unordered and
// possibly with duplicates.
func (c *Client) RoomMessages(ctx context.Context, id string) ([]chat.Message, error) {
	var msgs []chat.Message
	if err := c.do(ctx, "GET", "/rooms/"+url.PathEscape(id)+"/messages", nil, &msgs, callOpts{auth: true}); err != nil {
		return nil, err
	}
	return msgs, nil
}

// CreateAnonymousSession asks the server for a fresh anonymous session.
func (c *Client) CreateAnonymousSession(ctx context.Context) (AnonymousSession, error) {
	var s AnonymousSession
	err := c.do(ctx, "POST", "/anonymous/session", nil, &s, callOpts{})
	return s, err
}

// Usage fetches the quota of an anonymous session.
func (c *Client) Usage(ctx context.Context, sessionID string) (Usage, error) {
	var u Usage
	err := c.do(ctx, "GET", "/anonymous/usage", nil, &u, callOpts{sessionID: sessionID})
	return u, err
}

// GenerateTitle asks the naming endpoint for a short room title.
func (c *Client) GenerateTitle(ctx context.Context, content string) (string, error) {
	var out TitleResponse
	if err := c.do(ctx, "POST", "/title", TitleRequest{Content: content}, &out, callOpts{auth: c.Authenticated()}); err != nil {
		return "", err
	}
	return out.Title, nil
}

// UploadAttachment sends a file inline and returns the attachment to
// reference from a turn.
func (c *Client) UploadAttachment(ctx context.Context, name, mimeType string, data []byte) (chat.Attachment, error) {
	req := AttachmentRequest{
		Name: name,
		Type: mimeType,
		Data: base64.StdEncoding.EncodeToString(data),
	}
	var att chat.Attachment
	err := c.do(ctx, "POST", "/attachments", req, &att, callOpts{auth: c.Authenticated()})
	return att, err
}

type callOpts struct {
	auth      bool
	sessionID string
}

// do performs a bounded JSON request/response exchange.
func (c *Client) do(ctx context.Context, method, path string, in, out any, o callOpts) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var token string
	if o.auth {
		var err error
		if token, err = c.bearer(ctx); err != nil {
			return err
		}
		if token == "" {
			return ErrAuthRequired
		}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req, token, o.sessionID)

	log.Debug("HTTP %s %s%s", method, c.baseURL, path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed: %v", err)
		return &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request, token, sessionID string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" && token == "" {
		req.Header.Set(SessionHeader, sessionID)
	}
}

// statusError maps a non-2xx response to an error. The body is consumed.
func (c *Client) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var eb ErrorBody
	_ = json.Unmarshal(raw, &eb)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests && eb.Code == CodeQuotaExceeded:
		return ErrQuotaExceeded
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuthRequired
	}
	log.Error("API error %d: %s", resp.StatusCode, string(raw))
	msg := eb.Error
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	return fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, msg)
}

// bearer returns the token to send, refreshing it first when it is about
// to expire. It returns "" when no credential is held.
func (c *Client) bearer(ctx context.Context) (string, error) {
	if c.creds == nil {
		return "", nil
	}
	token := c.creds.Token()
	if token == "" {
		return "", nil
	}
	exp, ok := tokenExpiry(token)
	if !ok || c.now().Add(refreshWindow).Before(exp) {
		return token, nil
	}

	log.Debug("credential expires at %s, refreshing", exp.Format(time.RFC3339))
	fresh, err := c.refresh(ctx, token)
	if err != nil {
		if c.now().Before(exp) {
			// Still valid; let the request decide.
			log.Error("token refresh failed: %v", err)
			return token, nil
		}
		return "", err
	}
	if err := c.creds.SetToken(fresh); err != nil {
		return "", err
	}
	return fresh, nil
}

func (c *Client) refresh(ctx context.Context, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/auth/refresh", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &NetworkError{Op: "refresh token", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", c.statusError(resp)
	}
	var out TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", ErrAuthRequired
	}
	return out.Token, nil
}

// tokenExpiry reads the exp claim without verifying the signature. The
// server verifies; the client only needs to know when to refresh.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
