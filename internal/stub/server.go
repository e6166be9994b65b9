// Package stub is an in-process chat backend speaking the streaming wire
// format. It backs the integration tests and `streamchat stub`.
package stub

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/youruser/streamchat/internal/api"
	"github.com/youruser/streamchat/internal/chat"
	"github.com/youruser/streamchat/internal/logging"
	"github.com/youruser/streamchat/internal/stream"
)

var log = logging.Get()

// Options configures the stub backend.
type Options struct {
	Secret         []byte
	Users          map[string]string // username -> password
	AnonymousQuota int
	TokenTTL       time.Duration
	Script         Script
	// ChunkSize splits the response body into writes of this many bytes,
	// so lines and runes straddle chunk boundaries. Zero writes each line.
	ChunkSize int
	// Delay is slept between writes.
	Delay time.Duration
	// DuplicateHistory returns every stored message twice from the
	// history endpoint.
	DuplicateHistory bool
}

type roomState struct {
	room     api.Room
	owner    string
	messages []chat.Message
}

// Server is the stub backend.
type Server struct {
	opts     Options
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu       sync.Mutex
	users    map[string][]byte
	rooms    map[string]*roomState
	sessions map[string]*api.Usage
}

// New builds the server. Passwords are hashed at construction.
func New(opts Options) (*Server, error) {
	if len(opts.Secret) == 0 {
		opts.Secret = []byte(uuid.NewString())
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.Script == nil {
		opts.Script = DefaultScript
	}

	s := &Server{
		opts:     opts,
		users:    make(map[string][]byte),
		rooms:    make(map[string]*roomState),
		sessions: make(map[string]*api.Usage),
	}
	for name, pw := range opts.Users {
		hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
		if err != nil {
			return nil, fmt.Errorf("hash password for %s: %w", name, err)
		}
		s.users[name] = hash
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), gin.LoggerWithWriter(log.Writer()))

	r.POST("/auth/login", s.login)
	r.POST("/auth/refresh", s.requireAuth(), s.refresh)

	r.POST("/chat/stream", s.optionalAuth(), s.gateTurn(), s.streamHTTP)
	r.GET("/chat/ws", s.optionalAuth(), s.gateTurn(), s.streamWS)

	rooms := r.Group("/rooms", s.requireAuth())
	rooms.GET("", s.listRooms)
	rooms.POST("", s.createRoom)
	rooms.PATCH("/:id", s.renameRoom)
	rooms.GET("/:id/messages", s.roomMessages)

	r.POST("/anonymous/session", s.createSession)
	r.GET("/anonymous/usage", s.usage)

	r.POST("/title", s.title)
	r.POST("/attachments", s.attachment)

	s.engine = r
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Mint signs a token for sub valid for ttl.
func (s *Server) Mint(sub string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.Secret)
}

func abortError(c *gin.Context, status int, msg, code string) {
	c.AbortWithStatusJSON(status, api.ErrorBody{Error: msg, Code: code})
}

func (s *Server) login(c *gin.Context) {
	var req api.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	s.mu.Lock()
	hash, ok := s.users[req.Username]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) != nil {
		log.Info("stub: failed login for %s from %s", req.Username, c.ClientIP())
		abortError(c, http.StatusUnauthorized, "Invalid credentials", api.CodeAuthRequired)
		return
	}
	token, err := s.Mint(req.Username, s.opts.TokenTTL)
	if err != nil {
		abortError(c, http.StatusInternalServerError, "Failed to sign token", "")
		return
	}
	c.JSON(http.StatusOK, api.TokenResponse{Token: token})
}

func (s *Server) refresh(c *gin.Context) {
	token, err := s.Mint(c.GetString("user"), s.opts.TokenTTL)
	if err != nil {
		abortError(c, http.StatusInternalServerError, "Failed to sign token", "")
		return
	}
	c.JSON(http.StatusOK, api.TokenResponse{Token: token})
}

// userFromHeader validates the bearer token, if any.
func (s *Server) userFromHeader(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	if len(h) <= 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	token, err := jwt.Parse(h[7:], func(t *jwt.Token) (any, error) {
		return s.opts.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", false
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := s.userFromHeader(c)
		if !ok {
			abortError(c, http.StatusUnauthorized, "Invalid token", api.CodeAuthRequired)
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func (s *Server) optionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if user, ok := s.userFromHeader(c); ok {
			c.Set("user", user)
		}
		c.Next()
	}
}

// gateTurn charges anonymous sends against the session quota.
func (s *Server) gateTurn() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("user") != "" {
			c.Next()
			return
		}
		id := c.GetHeader(api.SessionHeader)
		s.mu.Lock()
		u, ok := s.sessions[id]
		allowed := ok && u.Remaining > 0
		if allowed {
			u.Used++
			u.Remaining--
		}
		s.mu.Unlock()

		switch {
		case !ok:
			abortError(c, http.StatusUnauthorized, "Sign in or start an anonymous session", api.CodeAuthRequired)
		case !allowed:
			abortError(c, http.StatusTooManyRequests, "Anonymous quota exceeded", api.CodeQuotaExceeded)
		default:
			c.Next()
		}
	}
}

func (s *Server) streamHTTP(c *gin.Context) {
	var req api.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	lines := s.opts.Script(req)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	err := s.emit(lines, func(chunk []byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := c.Writer.Write(chunk); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	s.record(c.GetString("user"), req, lines, err)
}

func (s *Server) streamWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("stub: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	var req api.TurnRequest
	if err := conn.ReadJSON(&req); err != nil {
		log.Error("stub: read turn request: %v", err)
		return
	}
	lines := s.opts.Script(req)

	// Detect the client closing the socket while we stream.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = s.emit(lines, func(chunk []byte) error {
		select {
		case <-closed:
			return errors.New("client closed")
		default:
		}
		return conn.WriteMessage(websocket.TextMessage, chunk)
	})
	if err == nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	s.record(c.GetString("user"), req, lines, err)
}

// emit writes the joined lines in chunks. It stops at the first write error.
func (s *Server) emit(lines []string, write func([]byte) error) error {
	if s.opts.ChunkSize <= 0 {
		for _, l := range lines {
			if err := write([]byte(l)); err != nil {
				return err
			}
			s.pause()
		}
		return nil
	}
	body := []byte(strings.Join(lines, ""))
	for len(body) > 0 {
		n := min(s.opts.ChunkSize, len(body))
		if err := write(body[:n]); err != nil {
			return err
		}
		body = body[n:]
		s.pause()
	}
	return nil
}

func (s *Server) pause() {
	if s.opts.Delay > 0 {
		time.Sleep(s.opts.Delay)
	}
}

// record stores the exchange in the request's room.
func (s *Server) record(user string, req api.TurnRequest, lines []string, streamErr error) {
	if req.RoomID == "" || user == "" {
		return
	}
	now := time.Now()
	reply := chat.NewAssistantMessage(now)
	var serverErr *chat.ServerError
	for _, l := range lines {
		d, err := stream.ParseLine(stream.DefaultPrefix, strings.TrimSuffix(l, "\n"))
		if errors.As(err, &serverErr) {
			break
		}
		if err == nil {
			reply, _ = chat.MergeAll(reply, d)
		}
	}
	switch {
	case streamErr != nil:
		reply = chat.Stop(reply, now)
	case serverErr != nil:
		reply = chat.Fail(reply, now)
	default:
		reply = chat.Finalize(reply, now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[req.RoomID]
	if !ok || rs.owner != user {
		return
	}
	rs.messages = append(rs.messages,
		chat.NewUserMessage(req.Content, req.Attachments, now),
		reply,
	)
}

func (s *Server) listRooms(c *gin.Context) {
	user := c.GetString("user")
	s.mu.Lock()
	rooms := []api.Room{}
	for _, rs := range s.rooms {
		if rs.owner == user {
			rooms = append(rooms, rs.room)
		}
	}
	s.mu.Unlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.Before(rooms[j].CreatedAt) })
	c.JSON(http.StatusOK, rooms)
}

func (s *Server) createRoom(c *gin.Context) {
	var req api.RoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	room := api.Room{ID: uuid.NewString(), Name: req.Name, CreatedAt: time.Now().UTC()}
	s.mu.Lock()
	s.rooms[room.ID] = &roomState{room: room, owner: c.GetString("user")}
	s.mu.Unlock()
	c.JSON(http.StatusCreated, room)
}

func (s *Server) ownedRoom(c *gin.Context) (*roomState, bool) {
	rs, ok := s.rooms[c.Param("id")]
	if !ok || rs.owner != c.GetString("user") {
		abortError(c, http.StatusNotFound, "Room not found", "")
		return nil, false
	}
	return rs, true
}

func (s *Server) renameRoom(c *gin.Context) {
	var req api.RoomRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		abortError(c, http.StatusBadRequest, "name is required", "")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.ownedRoom(c)
	if !ok {
		return
	}
	rs.room.Name = req.Name
	c.JSON(http.StatusOK, rs.room)
}

func (s *Server) roomMessages(c *gin.Context) {
	s.mu.Lock()
	rs, ok := s.ownedRoom(c)
	if !ok {
		s.mu.Unlock()
		return
	}
	msgs := make([]chat.Message, 0, len(rs.messages)*2)
	for _, m := range rs.messages {
		msgs = append(msgs, m)
		if s.opts.DuplicateHistory {
			dup := m
			dup.ID = chat.NewID()
			msgs = append(msgs, dup)
		}
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) createSession(c *gin.Context) {
	id := uuid.NewString()
	u := api.Usage{Limit: s.opts.AnonymousQuota, Remaining: s.opts.AnonymousQuota}
	s.mu.Lock()
	s.sessions[id] = &u
	s.mu.Unlock()
	c.JSON(http.StatusOK, api.AnonymousSession{SessionID: id, Usage: u})
}

func (s *Server) usage(c *gin.Context) {
	s.mu.Lock()
	u, ok := s.sessions[c.GetHeader(api.SessionHeader)]
	var out api.Usage
	if ok {
		out = *u
	}
	s.mu.Unlock()
	if !ok {
		abortError(c, http.StatusNotFound, "Unknown session", "")
		return
	}
	c.JSON(http.StatusOK, out)
}

// title returns the first words of the content, quoted the way models
// tend to quote titles.
func (s *Server) title(c *gin.Context) {
	var req api.TitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	words := strings.Fields(req.Content)
	if len(words) == 0 {
		abortError(c, http.StatusBadRequest, "content is required", "")
		return
	}
	if len(words) > 6 {
		words = words[:6]
	}
	c.JSON(http.StatusOK, api.TitleResponse{Title: `"` + strings.Join(words, " ") + `"`})
}

func (s *Server) attachment(c *gin.Context) {
	var req api.AttachmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	if _, err := base64.StdEncoding.DecodeString(req.Data); err != nil {
		abortError(c, http.StatusBadRequest, "data must be base64", "")
		return
	}
	c.JSON(http.StatusOK, chat.Attachment{
		Type:       req.Type,
		Name:       req.Name,
		InlineData: "att-" + uuid.NewString(),
	})
}
