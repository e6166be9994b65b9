package api

import (
	"time"

	"github.com/youruser/streamchat/internal/chat"
)

// Request types

// TurnRequest opens one assistant turn.
type TurnRequest struct {
	RoomID      string            `json:"roomId,omitempty"`
	Model       string            `json:"model,omitempty"`
	Content     string            `json:"content"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
	SessionID   string            `json:"-"` // sent as a header
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TitleRequest struct {
	Content string `json:"content"`
}

type RoomRequest struct {
	Name string `json:"name"`
}

type AttachmentRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data"` // base64
}

// Response types

type TokenResponse struct {
	Token string `json:"token"`
}

// Room is one chat room.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Usage is the anonymous quota as reported by the server.
type Usage struct {
	Limit     int `json:"limit"`
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

type AnonymousSession struct {
	SessionID string `json:"sessionId"`
	Usage
}

type TitleResponse struct {
	Title string `json:"title"`
}

// ErrorBody is the JSON error envelope of non-2xx responses.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes carried in ErrorBody.Code.
const (
	CodeQuotaExceeded = "quota_exceeded"
	CodeAuthRequired  = "auth_required"
)

// SessionHeader carries the anonymous session id.
const SessionHeader = "X-Session-ID"
